package transport

import (
	"fmt"
	"os/exec"
	"sync"
)

// PendingSetup tracks one in-flight fork-helper assembly for an
// environment: the helper process and the socket it will use to hand
// back a namespace fd.
type PendingSetup struct {
	Cmd    *exec.Cmd
	Socket *Socket
}

// SetupTable is the daemon's small "{env -> pending_setup}" table
// (spec.md §5). Only one async setup is permitted per environment at a
// time; a second request while one is pending is rejected.
type SetupTable struct {
	mu      sync.Mutex
	pending map[string]*PendingSetup
}

// NewSetupTable returns an empty table.
func NewSetupTable() *SetupTable {
	return &SetupTable{pending: make(map[string]*PendingSetup)}
}

// Begin registers a pending setup for envName. It fails if one is
// already pending for that environment.
func (t *SetupTable) Begin(envName string, setup *PendingSetup) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[envName]; exists {
		return fmt.Errorf("transport: async setup already pending for environment %q", envName)
	}
	t.pending[envName] = setup
	return nil
}

// Finish removes envName's pending setup and returns it; it does not
// wait for the helper process. It is an error to call Finish for an
// environment with no pending setup.
func (t *SetupTable) Finish(envName string) (*PendingSetup, error) {
	t.mu.Lock()
	setup, exists := t.pending[envName]
	if exists {
		delete(t.pending, envName)
	}
	t.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("transport: no async setup pending for environment %q", envName)
	}
	return setup, nil
}

// Pending reports whether envName currently has an in-flight setup.
func (t *SetupTable) Pending(envName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, exists := t.pending[envName]
	return exists
}
