package nvme

import "github.com/behrlich/go-nvme/internal/constants"

// Options configures controller construction.
type Options struct {
	// UseCMBSQs places I/O submission rings in the controller memory
	// buffer when the device offers one. Forced off when CMB discovery
	// fails or the CMB does not admit submission queues.
	UseCMBSQs bool

	// EnableSGL selects hardware SGL descriptors for gather-list payloads.
	// The upper layer sets it after the device reports SGL support in its
	// identify data; gather payloads fall back to PRP chains otherwise.
	EnableSGL bool

	// RetryCount caps device-requested retries per command.
	RetryCount uint8

	// IOQueueEntries is the I/O queue depth before MQES clamping.
	IOQueueEntries uint16
}

// DefaultOptions returns the default controller options.
func DefaultOptions() Options {
	return Options{
		UseCMBSQs:      false,
		EnableSGL:      false,
		RetryCount:     constants.DefaultRetryCount,
		IOQueueEntries: constants.IOEntries,
	}
}
