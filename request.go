package nvme

import "github.com/behrlich/go-nvme/internal/queue"

// The request and queue-pair machinery lives in internal/queue; these
// aliases are the public surface.

// Request is one NVMe command in flight.
type Request = queue.Request

// Payload describes a request's data buffer.
type Payload = queue.Payload

// QueuePair is one submission/completion queue pair.
type QueuePair = queue.Pair

// CompletionCallback is invoked when a request completes.
type CompletionCallback = queue.CompletionCallback

// SGLResetFn rewinds a gather list to an offset.
type SGLResetFn = queue.SGLResetFn

// SGLNextFn yields the next gather segment.
type SGLNextFn = queue.SGLNextFn

// NewRequest creates a request with a null payload.
func NewRequest(cb CompletionCallback, arg any) *Request {
	return queue.NewRequest(cb, arg)
}

// NewContigRequest creates a request carrying a contiguous payload.
func NewContigRequest(b []byte, cb CompletionCallback, arg any) *Request {
	return queue.NewContigRequest(b, cb, arg)
}

// ContigPayload describes a virtually contiguous buffer.
func ContigPayload(b []byte) Payload {
	return queue.ContigPayload(b)
}

// ContigPayloadMD describes a contiguous buffer plus metadata.
func ContigPayloadMD(b, md []byte) Payload {
	return queue.ContigPayloadMD(b, md)
}

// GatherPayload describes a gather list walked via callbacks.
func GatherPayload(reset SGLResetFn, next SGLNextFn, arg any) Payload {
	return queue.GatherPayload(reset, next, arg)
}
