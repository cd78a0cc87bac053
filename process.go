package nvme

import (
	"os"
	"sync"

	"github.com/behrlich/go-nvme/internal/queue"
	"github.com/behrlich/go-nvme/internal/wire"
)

// Admin completions must be delivered on the process that submitted the
// request when several processes share one controller. Completing a
// foreign request migrates it, with its completion saved, onto the
// originator's pending queue; each admin completion pass then drains the
// current process's queue.

type ctrlrProcess struct {
	pid     int
	pending []*queue.Request
}

type processRegistry struct {
	mu    sync.Mutex
	procs []*ctrlrProcess
}

func (r *processRegistry) register(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.procs {
		if p.pid == pid {
			return
		}
	}
	r.procs = append(r.procs, &ctrlrProcess{pid: pid})
}

func (r *processRegistry) unregister(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.procs {
		if p.pid == pid {
			r.procs = append(r.procs[:i], r.procs[i+1:]...)
			return
		}
	}
}

// RegisterProcess adds a process to the controller's active set so admin
// completions can be routed to it.
func (c *Controller) RegisterProcess(pid int) {
	c.procs.register(pid)
}

// UnregisterProcess removes a process from the active set. Completions
// already pending for it are dropped with it.
func (c *Controller) UnregisterProcess(pid int) {
	c.procs.unregister(pid)
}

// RoutePending implements queue.AdminRouter. The admin request came from
// another process; save the completion and park the request on that
// process's pending queue for it to deliver later.
func (c *Controller) RoutePending(req *queue.Request, cpl *wire.Completion) {
	req.Cpl = *cpl

	c.procs.mu.Lock()
	var owner *ctrlrProcess
	for _, p := range c.procs.procs {
		if p.pid == req.Pid {
			owner = p
			p.pending = append(p.pending, req)
			break
		}
	}
	c.procs.mu.Unlock()

	if owner == nil {
		c.log.Error("the owning process is not found, dropping the request",
			"pid", req.Pid, "opc", req.Cmd.Opc)
	}
}

// DrainPending implements queue.AdminRouter: deliver completions parked
// for the current process.
func (c *Controller) DrainPending() {
	pid := os.Getpid()

	c.procs.mu.Lock()
	var pending []*queue.Request
	for _, p := range c.procs.procs {
		if p.pid == pid {
			pending = p.pending
			p.pending = nil
			break
		}
	}
	c.procs.mu.Unlock()

	for _, req := range pending {
		if req.CbFn != nil {
			req.CbFn(req.CbArg, &req.Cpl)
		}
	}
}
