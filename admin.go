package nvme

import (
	"github.com/behrlich/go-nvme/internal/queue"
	"github.com/behrlich/go-nvme/internal/wire"
)

// pollStatus collects a completion for the synchronous admin helpers.
type pollStatus struct {
	done bool
	cpl  wire.Completion
}

func pollCb(arg any, cpl *wire.Completion) {
	st := arg.(*pollStatus)
	st.cpl = *cpl
	st.done = true
}

// wait busy-polls the admin queue until the status callback fires. This is
// the only blocking construct in the transport and blocks the calling
// thread only.
func (c *Controller) wait(st *pollStatus) {
	for !st.done {
		c.adminq.Process(0)
	}
}

func (c *Controller) cmdCreateIOCQ(ioq *queue.Pair, cb queue.CompletionCallback, arg any) error {
	req := queue.NewRequest(cb, arg)
	req.Cmd.Opc = wire.OpcCreateIOCQ
	req.Cmd.Cdw10 = uint32(ioq.Entries()-1)<<16 | uint32(ioq.ID())
	// 0x2 = interrupts enabled
	// 0x1 = physically contiguous
	req.Cmd.Cdw11 = 0x1
	req.Cmd.DPtr.PRP1 = ioq.CplBusAddr()
	return c.SubmitAdminRequest(req)
}

func (c *Controller) cmdCreateIOSQ(ioq *queue.Pair, cb queue.CompletionCallback, arg any) error {
	req := queue.NewRequest(cb, arg)
	req.Cmd.Opc = wire.OpcCreateIOSQ
	req.Cmd.Cdw10 = uint32(ioq.Entries()-1)<<16 | uint32(ioq.ID())
	// 0x1 = physically contiguous
	req.Cmd.Cdw11 = uint32(ioq.ID())<<16 | uint32(ioq.Prio())<<1 | 0x1
	req.Cmd.DPtr.PRP1 = ioq.CmdBusAddr()
	return c.SubmitAdminRequest(req)
}

func (c *Controller) cmdDeleteIOCQ(ioq *queue.Pair, cb queue.CompletionCallback, arg any) error {
	req := queue.NewRequest(cb, arg)
	req.Cmd.Opc = wire.OpcDeleteIOCQ
	req.Cmd.Cdw10 = uint32(ioq.ID())
	return c.SubmitAdminRequest(req)
}

func (c *Controller) cmdDeleteIOSQ(ioq *queue.Pair, cb queue.CompletionCallback, arg any) error {
	req := queue.NewRequest(cb, arg)
	req.Cmd.Opc = wire.OpcDeleteIOSQ
	req.Cmd.Cdw10 = uint32(ioq.ID())
	return c.SubmitAdminRequest(req)
}

// createIOQpair tells the device about a constructed pair: completion
// queue first, then the submission queue that references it. A failed SQ
// create deletes the CQ again so the device is not left with half a pair.
func (c *Controller) createIOQpair(ioq *queue.Pair) error {
	var st pollStatus

	if err := c.cmdCreateIOCQ(ioq, pollCb, &st); err != nil {
		return err
	}
	c.wait(&st)
	if st.cpl.IsError() {
		c.log.Error("CREATE_IO_CQ failed", "qid", ioq.ID(), "sct", st.cpl.SCT(), "sc", st.cpl.SC())
		return NewQueueError("CREATE_IO_CQ", int(ioq.ID()), ErrCodeCommandFailed, "")
	}

	st = pollStatus{}
	if err := c.cmdCreateIOSQ(ioq, pollCb, &st); err != nil {
		return err
	}
	c.wait(&st)
	if st.cpl.IsError() {
		c.log.Error("CREATE_IO_SQ failed", "qid", ioq.ID(), "sct", st.cpl.SCT(), "sc", st.cpl.SC())
		// Attempt to delete the completion queue
		st = pollStatus{}
		if err := c.cmdDeleteIOCQ(ioq, pollCb, &st); err != nil {
			return NewQueueError("CREATE_IO_SQ", int(ioq.ID()), ErrCodeCommandFailed, "")
		}
		c.wait(&st)
		return NewQueueError("CREATE_IO_SQ", int(ioq.ID()), ErrCodeCommandFailed, "")
	}

	ioq.Reset()

	return nil
}

// CreateIOQueuePair constructs an I/O queue pair and registers it with the
// device. qid 1..N is chosen by the caller; 0 is reserved for admin.
func (c *Controller) CreateIOQueuePair(qid uint16, prio uint8) (*queue.Pair, error) {
	if qid == 0 {
		return nil, NewQueueError("CREATE_IO_QPAIR", 0, ErrCodeInvalidParameters, "qid 0 is the admin queue")
	}

	// The NVMe hard limit on entries is 64K but MQES may be smaller.
	entries := c.opts.IOQueueEntries
	if mqes := uint32(c.cap.MQES()) + 1; uint32(entries) > mqes {
		entries = uint16(mqes)
	}

	var cmbAlloc queue.CMBAllocator
	if c.opts.UseCMBSQs {
		cmbAlloc = c
	}

	ioq, err := queue.New(queue.Config{
		ID:        qid,
		Entries:   entries,
		Prio:      prio,
		Mem:       c.mem,
		Regs:      c.regs,
		StrideU32: c.strideU32,
		CMB:       cmbAlloc,
		Ctrlr:     c,
		Log:       c.log,
	})
	if err != nil {
		return nil, WrapError("CREATE_IO_QPAIR", ErrCodeOutOfMemory, err)
	}

	if err := c.createIOQpair(ioq); err != nil {
		ioq.Destroy()
		return nil, err
	}

	return ioq, nil
}

// ReinitIOQueuePair re-registers an existing pair with the device after a
// controller reset.
func (c *Controller) ReinitIOQueuePair(ioq *queue.Pair) error {
	return c.createIOQpair(ioq)
}

// DeleteIOQueuePair removes the pair from the device, submission queue
// first, then destroys it.
func (c *Controller) DeleteIOQueuePair(ioq *queue.Pair) error {
	var st pollStatus

	if err := c.cmdDeleteIOSQ(ioq, pollCb, &st); err != nil {
		return err
	}
	c.wait(&st)
	if st.cpl.IsError() {
		return NewQueueError("DELETE_IO_SQ", int(ioq.ID()), ErrCodeCommandFailed, "")
	}

	st = pollStatus{}
	if err := c.cmdDeleteIOCQ(ioq, pollCb, &st); err != nil {
		return err
	}
	c.wait(&st)
	if st.cpl.IsError() {
		return NewQueueError("DELETE_IO_CQ", int(ioq.ID()), ErrCodeCommandFailed, "")
	}

	ioq.Destroy()

	return nil
}
