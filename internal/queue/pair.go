// Package queue implements the NVMe queue pair: a submission and a
// completion ring owned by the device, a pool of command trackers with
// per-command descriptor scratch, and the polled submit/complete engine
// driving them through MMIO doorbells.
package queue

import (
	"fmt"
	"os"
	"strconv"
	"unsafe"

	"github.com/behrlich/go-nvme/internal/constants"
	"github.com/behrlich/go-nvme/internal/logging"
	"github.com/behrlich/go-nvme/internal/metrics"
	"github.com/behrlich/go-nvme/internal/mmio"
	"github.com/behrlich/go-nvme/internal/platform"
	"github.com/behrlich/go-nvme/internal/wire"
)

// Controller is the view of the owning controller the engine needs.
type Controller interface {
	// IsResetting reports whether a controller-level reset is in progress.
	IsResetting() bool

	// SGLSupported reports whether the device advertises SGL addressing.
	SGLSupported() bool

	// RetryLimit is the per-request cap on device-requested retries.
	RetryLimit() uint8
}

// AdminRouter delivers admin completions that belong to other processes.
// Only the admin queue pair carries one.
type AdminRouter interface {
	// RoutePending hands a foreign-process request and its completion to
	// the originator's pending queue.
	RoutePending(req *Request, cpl *wire.Completion)

	// DrainPending delivers completions pending for the current process.
	DrainPending()
}

// CMBAllocator carves submission rings out of the controller memory buffer.
type CMBAllocator interface {
	// AllocSQ returns CMB backing for a submission ring, or ok=false when
	// the CMB cannot serve the allocation.
	AllocSQ(size uint64) (b []byte, bus uint64, ok bool)
}

// Config carries the collaborators a queue pair is constructed over.
type Config struct {
	ID      uint16
	Entries uint16
	Prio    uint8

	Mem       platform.Memory
	Regs      *mmio.Window
	StrideU32 uint32

	// CMB is consulted for SQ placement when non-nil.
	CMB CMBAllocator

	Ctrlr  Controller
	Router AdminRouter

	Log *logging.Logger
}

// Pair is one submission/completion queue pair.
type Pair struct {
	id      uint16
	entries uint16
	prio    uint8

	sq []wire.Command
	cq []wire.Completion

	sqBuf   *platform.DMABuffer // nil when the SQ lives in CMB
	cqBuf   *platform.DMABuffer
	sqInCMB bool
	cmdBus  uint64
	cplBus  uint64

	sqTail uint16
	cqHead uint16
	phase  uint8

	sqTdbl uint32
	cqHdbl uint32
	regs   *mmio.Window

	trs      *trackerPool
	deferred []*Request
	enabled  bool

	mem    platform.Memory
	ctrlr  Controller
	router AdminRouter
	log    *logging.Logger
	qlabel string
}

// New constructs a queue pair: rings, doorbell addresses, tracker pool,
// then a reset. The SQ is placed in the controller memory buffer when the
// allocator offers it, otherwise in host DMA memory.
func New(cfg Config) (*Pair, error) {
	if cfg.Entries < 2 || uint32(cfg.Entries) > constants.MaxQueueEntries {
		return nil, fmt.Errorf("queue %d: invalid depth %d", cfg.ID, cfg.Entries)
	}

	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}

	p := &Pair{
		id:      cfg.ID,
		entries: cfg.Entries,
		prio:    cfg.Prio,
		regs:    cfg.Regs,
		mem:     cfg.Mem,
		ctrlr:   cfg.Ctrlr,
		router:  cfg.Router,
		log:     log.WithQueue(int(cfg.ID)),
		qlabel:  strconv.Itoa(int(cfg.ID)),
	}

	var numTrackers uint16
	if cfg.ID == 0 {
		numTrackers = constants.AdminTrackers
	} else {
		// No more trackers than (entries - 1): one SQ slot stays reserved.
		numTrackers = constants.IOTrackers
		if max := cfg.Entries - 1; numTrackers > max {
			numTrackers = max
		}
	}

	sqBytes := uint64(cfg.Entries) * uint64(unsafe.Sizeof(wire.Command{}))
	cqBytes := uint64(cfg.Entries) * uint64(unsafe.Sizeof(wire.Completion{}))

	// Rings must sit on 4KB boundaries.
	if cfg.CMB != nil {
		if b, bus, ok := cfg.CMB.AllocSQ(sqBytes); ok {
			p.sq = unsafe.Slice((*wire.Command)(unsafe.Pointer(&b[0])), cfg.Entries)
			p.cmdBus = bus
			p.sqInCMB = true
		}
	}
	if !p.sqInCMB {
		buf, err := cfg.Mem.Zalloc(sqBytes, constants.PageSize)
		if err != nil {
			return nil, fmt.Errorf("queue %d: alloc submission ring: %w", cfg.ID, err)
		}
		p.sqBuf = buf
		p.sq = unsafe.Slice((*wire.Command)(unsafe.Pointer(&buf.B[0])), cfg.Entries)
		p.cmdBus = buf.Phys
	}

	cqBuf, err := cfg.Mem.Zalloc(cqBytes, constants.PageSize)
	if err != nil {
		p.freeRings()
		return nil, fmt.Errorf("queue %d: alloc completion ring: %w", cfg.ID, err)
	}
	p.cqBuf = cqBuf
	p.cq = unsafe.Slice((*wire.Completion)(unsafe.Pointer(&cqBuf.B[0])), cfg.Entries)
	p.cplBus = cqBuf.Phys

	p.sqTdbl = wire.SQTDBLOffset(cfg.ID, cfg.StrideU32)
	p.cqHdbl = wire.CQHDBLOffset(cfg.ID, cfg.StrideU32)

	p.trs, err = newTrackerPool(cfg.Mem, numTrackers)
	if err != nil {
		p.freeRings()
		return nil, fmt.Errorf("queue %d: alloc trackers: %w", cfg.ID, err)
	}

	p.Reset()

	return p, nil
}

// ID returns the queue identifier; 0 is the admin queue.
func (p *Pair) ID() uint16 { return p.id }

// Entries returns the ring depth.
func (p *Pair) Entries() uint16 { return p.entries }

// Prio returns the submission queue priority.
func (p *Pair) Prio() uint8 { return p.prio }

// CmdBusAddr returns the submission ring bus address.
func (p *Pair) CmdBusAddr() uint64 { return p.cmdBus }

// CplBusAddr returns the completion ring bus address.
func (p *Pair) CplBusAddr() uint64 { return p.cplBus }

// SQInCMB reports whether the submission ring lives in device memory.
func (p *Pair) SQInCMB() bool { return p.sqInCMB }

func (p *Pair) isAdmin() bool { return p.id == 0 }

// Reset rewinds both rings. The phase starts at 1 because the device
// writes 1 into the phase bit of the first generation of completions; it
// toggles on every completion-queue rollover after that.
func (p *Pair) Reset() {
	p.sqTail = 0
	p.cqHead = 0
	p.phase = 1

	for i := range p.sq {
		p.sq[i] = wire.Command{}
	}
	for i := range p.cq {
		p.cq[i] = wire.Completion{}
	}
}

// checkEnabled transitions the pair to enabled unless a controller reset
// is in flight, and reports the resulting state.
func (p *Pair) checkEnabled() bool {
	if !p.enabled && !p.ctrlr.IsResetting() {
		p.Enable()
	}
	return p.enabled
}

// Enable marks the pair usable and synthetically completes commands left
// outstanding from before a reset. Leftover admin commands are not retried:
// the context they were issued in no longer applies. I/O commands retry
// subject to their own counters.
func (p *Pair) Enable() {
	p.enabled = true
	if p.isAdmin() {
		p.abortTrackers(true)
	} else {
		p.abortTrackers(false)
	}
}

// Disable stops submissions. On the admin queue, in-flight async event
// requests are completed so teardown does not strand them.
func (p *Pair) Disable() {
	p.enabled = false
	if p.isAdmin() {
		p.abortAERs()
	}
}

// Fail aborts everything outstanding with retry disallowed.
func (p *Pair) Fail() {
	p.abortTrackers(true)
}

// Destroy releases ring and tracker memory. CMB-resident submission rings
// are bump-allocated and only reclaimed with the controller.
func (p *Pair) Destroy() {
	if p.isAdmin() {
		p.abortAERs()
	}
	p.freeRings()
	if p.trs != nil {
		p.trs.destroy(p.mem)
		p.trs = nil
	}
}

func (p *Pair) freeRings() {
	if p.sqBuf != nil {
		p.mem.Free(p.sqBuf)
		p.sqBuf = nil
	}
	if p.cqBuf != nil {
		p.mem.Free(p.cqBuf)
		p.cqBuf = nil
	}
	p.sq = nil
	p.cq = nil
}

// Submit queues one request. When no tracker is free, or the pair is
// disabled by an in-progress controller reset, the request parks on the
// deferred queue and is picked up by a later completion or submission;
// that is not an error. Payload translation failures complete the request
// synchronously with INVALID_FIELD and surface as an error return.
func (p *Pair) Submit(req *Request) error {
	p.checkEnabled()

	// Earlier deferred requests go first; the new one takes its place in
	// line.
	if p.enabled && len(p.deferred) > 0 {
		p.deferred = append(p.deferred, req)
		for len(p.deferred) > 0 && p.enabled && p.trs.freeHead != nilIdx {
			next := p.deferred[0]
			p.deferred = p.deferred[1:]
			if err := p.submitOne(next); err != nil {
				return err
			}
		}
		return nil
	}

	return p.submitOne(req)
}

func (p *Pair) submitOne(req *Request) error {
	tr := p.trs.acquire()
	if tr == nil || !p.enabled {
		if tr != nil {
			p.trs.release(tr)
		}
		p.deferred = append(p.deferred, req)
		metrics.Metrics.DeferredTotal.WithLabelValues(p.qlabel).Inc()
		return nil
	}

	tr.Req = req
	req.Cmd.CID = tr.CID

	var err error
	switch {
	case req.PayloadSize == 0:
		// Null payload; PRP fields stay zero.
	case req.Payload.Type == PayloadContig:
		err = p.buildContigRequest(req, tr)
	case req.Payload.Type == PayloadSGL:
		if p.ctrlr.SGLSupported() {
			err = p.buildHWSGLRequest(req, tr)
		} else {
			err = p.buildPRPGatherRequest(req, tr)
		}
	default:
		p.failRequestBadTranslation(tr)
		err = fmt.Errorf("queue %d: unknown payload type %d", p.id, req.Payload.Type)
	}
	if err != nil {
		return err
	}

	p.submitTracker(tr)
	return nil
}

// submitTracker copies the command into the ring and rings the doorbell.
// The store barrier keeps the 64-byte slot store ahead of the doorbell
// store.
func (p *Pair) submitTracker(tr *Tracker) {
	req := tr.Req
	p.trs.byCID(tr.CID).Active = true

	p.sq[p.sqTail] = req.Cmd
	p.sqTail++
	if p.sqTail == p.entries {
		p.sqTail = 0
	}

	mmio.Sfence()
	p.regs.Write32(p.sqTdbl, uint32(p.sqTail))
	metrics.Metrics.SubmissionsTotal.WithLabelValues(p.qlabel).Inc()
	metrics.Metrics.OutstandingTrackers.WithLabelValues(p.qlabel).Inc()
}

// Process consumes completions, at most max of them; max == 0, or any max
// above entries-1, means entries-1. The clamp keeps the head doorbell from
// wrapping within a single pass. Returns the number consumed.
func (p *Pair) Process(max uint32) int {
	if !p.checkEnabled() {
		// Disabled mid-reset; whatever posted this wakeup will be handled
		// once the reset completes.
		return 0
	}

	if max == 0 || max > uint32(p.entries-1) {
		max = uint32(p.entries - 1)
	}

	n := 0
	for {
		cpl := &p.cq[p.cqHead]
		if cpl.Phase() != p.phase {
			break
		}

		tr := p.trs.byCID(cpl.CID)
		if tr.Active {
			p.completeTracker(tr, cpl, true)
		} else {
			p.log.Error("cpl does not map to outstanding cmd",
				"cid", cpl.CID, "sct", cpl.SCT(), "sc", cpl.SC())
			panic("queue: completion for inactive tracker")
		}

		p.cqHead++
		if p.cqHead == p.entries {
			p.cqHead = 0
			p.phase ^= 1
		}

		n++
		if uint32(n) == max {
			break
		}
	}

	if n > 0 {
		p.regs.Write32(p.cqHdbl, uint32(p.cqHead))
		metrics.Metrics.CompletionsTotal.WithLabelValues(p.qlabel).Add(float64(n))
	}

	if p.router != nil {
		p.router.DrainPending()
	}

	return n
}

// completeTracker retires one tracker against a completion: retry the
// command, forward it to the originating process, or deliver the callback;
// then feed the deferred queue.
func (p *Pair) completeTracker(tr *Tracker, cpl *wire.Completion, printOnError bool) {
	req := tr.Req
	if req == nil {
		panic("queue: tracker without request")
	}

	isError := cpl.IsError()
	retry := isError && cpl.RequestsRetry() && req.Retries < p.ctrlr.RetryLimit()

	if isError && printOnError {
		p.log.Error("command failed",
			"opc", fmt.Sprintf("%#02x", req.Cmd.Opc),
			"cid", req.Cmd.CID,
			"nsid", req.Cmd.NSID,
			"sct", cpl.SCT(), "sc", cpl.SC(), "dnr", cpl.DNR())
	}

	// A tracker whose payload build failed never reached the ring and was
	// never counted as outstanding.
	wasActive := p.trs.byCID(cpl.CID).Active
	p.trs.byCID(cpl.CID).Active = false
	if wasActive {
		metrics.Metrics.OutstandingTrackers.WithLabelValues(p.qlabel).Dec()
	}

	if cpl.CID != req.Cmd.CID {
		panic(fmt.Sprintf("queue %d: completion cid %d does not match command cid %d",
			p.id, cpl.CID, req.Cmd.CID))
	}

	if retry {
		req.Retries++
		metrics.Metrics.RetriesTotal.WithLabelValues(p.qlabel).Inc()
		p.submitTracker(tr)
		return
	}

	if req.CbFn != nil {
		// Only admin requests can belong to another process.
		if p.router != nil && req.Pid != os.Getpid() {
			metrics.Metrics.AdminRoutedTotal.WithLabelValues(p.qlabel).Inc()
			p.router.RoutePending(req, cpl)
		} else {
			req.CbFn(req.CbArg, cpl)
		}
	}

	tr.Req = nil
	p.trs.release(tr)

	// Resubmission of queued requests during a reset is the reset logic's
	// job, not ours.
	if len(p.deferred) > 0 && !p.ctrlr.IsResetting() {
		next := p.deferred[0]
		p.deferred = p.deferred[1:]
		p.submitOne(next)
	}
}

// manualCompleteTracker retires a tracker with a synthesized completion.
func (p *Pair) manualCompleteTracker(tr *Tracker, sct, sc uint8, dnr bool, printOnError bool) {
	var cpl wire.Completion
	cpl.SQID = p.id
	cpl.CID = tr.CID
	cpl.SetStatus(sct, sc, dnr)
	metrics.Metrics.AbortsTotal.WithLabelValues(p.qlabel).Inc()
	p.completeTracker(tr, &cpl, printOnError)
}

// abortTrackers synthetically completes everything outstanding. With dnr
// false the per-request retry counters still apply and a command may be
// resubmitted rather than delivered.
func (p *Pair) abortTrackers(dnr bool) {
	for _, tr := range p.trs.outstanding() {
		p.log.Error("aborting outstanding command", "cid", tr.CID)
		p.manualCompleteTracker(tr, wire.SCTGeneric, wire.SCAbortedByRequest, dnr, true)
	}
}

// abortAERs completes in-flight async event requests only. AERs are
// long-lived; a queue going away must not strand them.
func (p *Pair) abortAERs() {
	i := p.trs.outHead
	for i != nilIdx {
		tr := &p.trs.tr[i]
		if tr.Req != nil && tr.Req.Cmd.Opc == wire.OpcAsyncEventRequest {
			p.manualCompleteTracker(tr, wire.SCTGeneric, wire.SCAbortedSQDeletion, false, false)
			i = p.trs.outHead
		} else {
			i = tr.next
		}
	}
}

// OutstandingLen reports trackers currently in flight.
func (p *Pair) OutstandingLen() int {
	return len(p.trs.outstanding())
}

// DeferredLen reports requests parked on the deferred queue.
func (p *Pair) DeferredLen() int {
	return len(p.deferred)
}

// IsEnabled reports whether the pair accepts submissions.
func (p *Pair) IsEnabled() bool {
	return p.enabled
}
