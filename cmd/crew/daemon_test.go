package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFileRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "crew.pid")
	if err := WritePIDFile(path, 4242); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != 4242 {
		t.Errorf("pid = %d, want 4242", pid)
	}
}

func TestRemovePIDFileIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "crew.pid")
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile on missing file: %v", err)
	}
	if err := WritePIDFile(path, 1); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("second RemovePIDFile: %v", err)
	}
}

func TestDaemonStatusStates(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "crew.pid")

	status, pid, err := DaemonStatus(path)
	if err != nil || status != StatusStopped || pid != 0 {
		t.Errorf("no pid file: status=%s pid=%d err=%v, want stopped", status, pid, err)
	}

	// Our own PID is alive by definition.
	if err := WritePIDFile(path, os.Getpid()); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	status, pid, err = DaemonStatus(path)
	if err != nil || status != StatusRunning || pid != os.Getpid() {
		t.Errorf("live pid: status=%s pid=%d err=%v, want running", status, pid, err)
	}

	// A PID far beyond pid_max is never alive.
	if err := WritePIDFile(path, 1<<30); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	status, _, err = DaemonStatus(path)
	if err != nil || status != StatusStale {
		t.Errorf("dead pid: status=%s err=%v, want stale", status, err)
	}
}

func TestDaemonStatusMalformedPIDFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "crew.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := DaemonStatus(path); err == nil {
		t.Error("DaemonStatus on malformed file returned nil error")
	}
}
