package nvme

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-nvme/internal/wire"
)

// An admin request from a registered foreign process is parked on that
// process's pending queue instead of completing locally.
func TestAdminRoutingForeignProcess(t *testing.T) {
	ctrlr, _, _, err := newSimController(DefaultOptions())
	require.NoError(t, err)
	defer ctrlr.Destruct()
	require.NoError(t, ctrlr.Enable())

	foreignPid := os.Getpid() + 1
	ctrlr.RegisterProcess(foreignPid)

	called := 0
	req := NewRequest(func(arg any, cpl *wire.Completion) { called++ }, nil)
	req.Pid = foreignPid
	require.NoError(t, ctrlr.SubmitAdminRequest(req))

	ctrlr.ProcessAdminCompletions(0)

	assert.Equal(t, 0, called, "foreign completion must not run locally")
	assert.Equal(t, 0, ctrlr.AdminQueue().OutstandingLen())

	// The request waits on the foreign process's queue with the saved
	// completion.
	ctrlr.procs.mu.Lock()
	var pending []*Request
	for _, p := range ctrlr.procs.procs {
		if p.pid == foreignPid {
			pending = p.pending
		}
	}
	ctrlr.procs.mu.Unlock()
	require.Len(t, pending, 1)
	assert.Same(t, req, pending[0])
	assert.False(t, pending[0].Cpl.IsError())
}

// A completion whose originator was never registered is dropped.
func TestAdminRoutingUnknownProcess(t *testing.T) {
	ctrlr, _, _, err := newSimController(DefaultOptions())
	require.NoError(t, err)
	defer ctrlr.Destruct()
	require.NoError(t, ctrlr.Enable())

	called := 0
	req := NewRequest(func(arg any, cpl *wire.Completion) { called++ }, nil)
	req.Pid = os.Getpid() + 99
	require.NoError(t, ctrlr.SubmitAdminRequest(req))

	ctrlr.ProcessAdminCompletions(0)

	assert.Equal(t, 0, called)
	assert.Equal(t, 0, ctrlr.AdminQueue().OutstandingLen())
}

// Same-process admin requests complete through their callback directly.
func TestAdminLocalCompletion(t *testing.T) {
	ctrlr, _, _, err := newSimController(DefaultOptions())
	require.NoError(t, err)
	defer ctrlr.Destruct()
	require.NoError(t, ctrlr.Enable())

	called := 0
	req := NewRequest(func(arg any, cpl *wire.Completion) {
		called++
		assert.False(t, cpl.IsError())
	}, nil)
	require.NoError(t, ctrlr.SubmitAdminRequest(req))

	ctrlr.ProcessAdminCompletions(0)
	assert.Equal(t, 1, called)
}

// DrainPending delivers completions parked for the current process; the
// registry path is exercised by routing to our own pid by hand.
func TestDrainPendingDeliversSavedCompletion(t *testing.T) {
	ctrlr, _, _, err := newSimController(DefaultOptions())
	require.NoError(t, err)
	defer ctrlr.Destruct()

	var got wire.Completion
	called := 0
	req := NewRequest(func(arg any, cpl *wire.Completion) {
		called++
		got = *cpl
	}, nil)

	var cpl wire.Completion
	cpl.CID = 7
	cpl.SetStatus(wire.SCTGeneric, wire.SCSuccess, false)
	ctrlr.RoutePending(req, &cpl)

	ctrlr.DrainPending()
	assert.Equal(t, 1, called)
	assert.Equal(t, uint16(7), got.CID)
}

func TestUnregisterProcessDropsPending(t *testing.T) {
	ctrlr, _, _, err := newSimController(DefaultOptions())
	require.NoError(t, err)
	defer ctrlr.Destruct()

	pid := os.Getpid() + 5
	ctrlr.RegisterProcess(pid)

	req := NewRequest(nil, nil)
	req.Pid = pid
	var cpl wire.Completion
	ctrlr.RoutePending(req, &cpl)

	ctrlr.UnregisterProcess(pid)
	ctrlr.procs.mu.Lock()
	for _, p := range ctrlr.procs.procs {
		assert.NotEqual(t, pid, p.pid)
	}
	ctrlr.procs.mu.Unlock()
}
