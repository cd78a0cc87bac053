package queue

import (
	"os"

	"github.com/behrlich/go-nvme/internal/wire"
)

// PayloadType discriminates how a request describes its data buffer.
type PayloadType int

const (
	// PayloadNone is a request with no data transfer.
	PayloadNone PayloadType = iota
	// PayloadContig is a virtually contiguous buffer.
	PayloadContig
	// PayloadSGL is a caller-owned gather list walked through callbacks.
	PayloadSGL
)

// SGLResetFn rewinds a gather list to a byte offset from its start.
type SGLResetFn func(arg any, offset uint32)

// SGLNextFn returns the next gather segment's buffer. The engine clamps
// the segment to the remaining transfer length.
type SGLNextFn func(arg any) (seg []byte, err error)

// Payload describes a request's data buffer.
type Payload struct {
	Type PayloadType

	// Contig and Meta are used when Type is PayloadContig.
	Contig []byte
	Meta   []byte

	// ResetFn, NextFn and Arg are used when Type is PayloadSGL.
	ResetFn SGLResetFn
	NextFn  SGLNextFn
	Arg     any
}

// ContigPayload describes a virtually contiguous buffer.
func ContigPayload(b []byte) Payload {
	return Payload{Type: PayloadContig, Contig: b}
}

// ContigPayloadMD describes a contiguous buffer with a metadata buffer.
func ContigPayloadMD(b, md []byte) Payload {
	return Payload{Type: PayloadContig, Contig: b, Meta: md}
}

// GatherPayload describes a gather list walked via reset/next callbacks.
func GatherPayload(reset SGLResetFn, next SGLNextFn, arg any) Payload {
	return Payload{Type: PayloadSGL, ResetFn: reset, NextFn: next, Arg: arg}
}

// CompletionCallback is invoked when a request completes. The completion
// pointer is only valid for the duration of the call.
type CompletionCallback func(arg any, cpl *wire.Completion)

// Request is one NVMe command in flight through a queue pair.
type Request struct {
	// Cmd is the command template; the engine assigns CID at submission.
	Cmd wire.Command

	Payload       Payload
	PayloadSize   uint32
	PayloadOffset uint32
	MDOffset      uint32

	// Retries counts device-requested resubmissions of this request.
	Retries uint8

	// Pid identifies the originating process for admin routing.
	Pid int

	CbFn  CompletionCallback
	CbArg any

	// Cpl stores the completion when delivery is delayed by admin routing.
	Cpl wire.Completion
}

// NewRequest creates a request with a null payload, stamped with the
// calling process.
func NewRequest(cb CompletionCallback, arg any) *Request {
	return &Request{
		Pid:   os.Getpid(),
		CbFn:  cb,
		CbArg: arg,
	}
}

// NewContigRequest creates a request carrying a contiguous payload.
func NewContigRequest(b []byte, cb CompletionCallback, arg any) *Request {
	r := NewRequest(cb, arg)
	r.Payload = ContigPayload(b)
	r.PayloadSize = uint32(len(b))
	return r
}
