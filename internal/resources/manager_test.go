package resources

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"uscsv/internal/errs"
	"uscsv/internal/model"
)

func TestManager_ReserveAndRelease(t *testing.T) {
	t.Parallel()

	m, err := NewManager(model.ResourceLimits{MemoryMB: 100, SpillMB: 50, MaxWorkers: 4, TempDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	lease, err := m.Reserve(80, 40, 3)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := m.Reserve(30, 0, 0); err == nil {
		t.Fatalf("memory over-reservation accepted")
	} else if !errors.Is(err, errs.New(errs.ResourceLimitExceeded, "")) {
		t.Fatalf("wrong kind: %v", err)
	}
	if _, err := m.Reserve(0, 20, 0); err == nil {
		t.Fatalf("disk over-reservation accepted")
	}
	if _, err := m.Reserve(0, 0, 2); err == nil {
		t.Fatalf("worker over-reservation accepted")
	}

	lease.Release()
	lease.Release() // releasing twice is a no-op

	if _, err := m.Reserve(100, 50, 4); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestManager_UnlimitedWhenZero(t *testing.T) {
	t.Parallel()

	m, err := NewManager(model.ResourceLimits{TempDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := m.Reserve(1<<20, 1<<20, 1024); err != nil {
		t.Fatalf("unlimited budgets rejected: %v", err)
	}
}

func TestManager_PlanWorkers(t *testing.T) {
	t.Parallel()

	m, err := NewManager(model.ResourceLimits{MaxWorkers: 2, TempDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if got := m.PlanWorkers(8); got != 2 {
		t.Fatalf("plan = %d, want clamped 2", got)
	}
	if got := m.PlanWorkers(0); got != 1 {
		t.Fatalf("plan = %d, want floor 1", got)
	}
}

func TestManager_ScratchDirAndCleanup(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	m, err := NewManager(model.ResourceLimits{TempDir: root})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	dir, err := m.ScratchDir("Job 42", "materialize", "Orders Schema")
	if err != nil {
		t.Fatalf("scratch dir: %v", err)
	}
	want := filepath.Join(root, "job-42", "materialize", "orders-schema")
	if dir != want {
		t.Fatalf("scratch dir = %s, want %s", dir, want)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("scratch dir missing: %v", err)
	}

	m.Cleanup("Job 42")
	if _, err := os.Stat(filepath.Join(root, "job-42")); !os.IsNotExist(err) {
		t.Fatalf("cleanup left scratch tree: %v", err)
	}
}
