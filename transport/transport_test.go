package transport

import (
	"os"
	"testing"
)

func TestSendRecvNamespaceFd(t *testing.T) {
	parent, child, err := NewSocketPair()
	if err != nil {
		t.Fatalf("NewSocketPair: %v", err)
	}
	defer parent.Close()
	defer child.Close()

	f, err := os.Open("/proc/self/ns/mnt")
	if err != nil {
		t.Skipf("cannot open /proc/self/ns/mnt in this environment: %v", err)
	}
	defer f.Close()

	done := make(chan error, 1)
	go func() {
		done <- child.SendNamespaceFd(int(f.Fd()))
	}()

	fd, err := parent.RecvNamespaceFd()
	if err != nil {
		t.Fatalf("RecvNamespaceFd: %v", err)
	}
	defer os.NewFile(uintptr(fd), "recv-ns-fd").Close()

	if err := <-done; err != nil {
		t.Fatalf("SendNamespaceFd: %v", err)
	}
	if fd <= 0 {
		t.Errorf("expected a valid received fd, got %d", fd)
	}
}

func TestSetupTableRejectsSecondPending(t *testing.T) {
	table := NewSetupTable()
	if err := table.Begin("env1", &PendingSetup{}); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	if err := table.Begin("env1", &PendingSetup{}); err == nil {
		t.Errorf("expected second Begin for the same environment to fail")
	}
	if !table.Pending("env1") {
		t.Errorf("expected env1 to be pending")
	}
}

func TestSetupTableAllowsIndependentEnvironments(t *testing.T) {
	table := NewSetupTable()
	if err := table.Begin("env1", &PendingSetup{}); err != nil {
		t.Fatalf("Begin env1: %v", err)
	}
	if err := table.Begin("env2", &PendingSetup{}); err != nil {
		t.Errorf("expected Begin env2 to succeed independently of env1, got %v", err)
	}
}

func TestSetupTableFinishClearsPending(t *testing.T) {
	table := NewSetupTable()
	setup := &PendingSetup{}
	table.Begin("env1", setup)

	got, err := table.Finish("env1")
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if got != setup {
		t.Errorf("expected Finish to return the registered setup")
	}
	if table.Pending("env1") {
		t.Errorf("expected env1 to no longer be pending after Finish")
	}
}

func TestSetupTableFinishWithoutPendingFails(t *testing.T) {
	table := NewSetupTable()
	if _, err := table.Finish("nonexistent"); err == nil {
		t.Errorf("expected Finish on an unregistered environment to fail")
	}
}
