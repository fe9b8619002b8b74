// Package resources enforces the per-run memory/disk/worker budgets and owns
// the scratch directory layout temp_dir/<job_id>/<phase>/<schema_slug>/.
package resources

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"uscsv/internal/errs"
	"uscsv/internal/model"
	"uscsv/internal/sandbox"
)

// Lease is a granted reservation. Release returns the counters; releasing
// twice is a no-op.
type Lease struct {
	manager  *Manager
	memoryMB int
	diskMB   int
	workers  int
	released bool
	mu       sync.Mutex
}

func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.manager.release(l.memoryMB, l.diskMB, l.workers)
}

// Manager tracks budget usage. Zero-valued limits mean unlimited.
type Manager struct {
	limits model.ResourceLimits

	mu          sync.Mutex
	memoryInUse int
	diskInUse   int
	workersUsed int
	tempRoot    string
	scratch     *sandbox.Sandbox
}

func NewManager(limits model.ResourceLimits) (*Manager, error) {
	root := limits.TempDir
	if root == "" {
		root = filepath.Join("artifacts", "tmp")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.IOError, err, "create temp root %s", root)
	}
	sb, err := sandbox.New(root)
	if err != nil {
		return nil, err
	}
	return &Manager{limits: limits, tempRoot: root, scratch: sb}, nil
}

// PlanWorkers clamps a requested worker count to the budget.
func (m *Manager) PlanWorkers(requested int) int {
	if requested < 1 {
		requested = 1
	}
	if m.limits.MaxWorkers > 0 && requested > m.limits.MaxWorkers {
		return m.limits.MaxWorkers
	}
	return requested
}

// Reserve takes memory/disk/worker counters out of the budgets, failing fast
// with ResourceLimitExceeded when any budget would be exceeded.
func (m *Manager) Reserve(memoryMB, diskMB, workers int) (*Lease, error) {
	if memoryMB < 0 {
		memoryMB = 0
	}
	if diskMB < 0 {
		diskMB = 0
	}
	if workers < 0 {
		workers = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limits.MemoryMB > 0 && m.memoryInUse+memoryMB > m.limits.MemoryMB {
		return nil, errs.New(errs.ResourceLimitExceeded,
			"RAM budget exceeded: requested %d MB, available %d MB", memoryMB, m.limits.MemoryMB-m.memoryInUse)
	}
	if m.limits.SpillMB > 0 && m.diskInUse+diskMB > m.limits.SpillMB {
		return nil, errs.New(errs.ResourceLimitExceeded,
			"disk spill budget exceeded: requested %d MB, available %d MB", diskMB, m.limits.SpillMB-m.diskInUse)
	}
	if m.limits.MaxWorkers > 0 && m.workersUsed+workers > m.limits.MaxWorkers {
		return nil, errs.New(errs.ResourceLimitExceeded,
			"worker budget exceeded: requested %d, available %d", workers, m.limits.MaxWorkers-m.workersUsed)
	}

	m.memoryInUse += memoryMB
	m.diskInUse += diskMB
	m.workersUsed += workers
	return &Lease{manager: m, memoryMB: memoryMB, diskMB: diskMB, workers: workers}, nil
}

func (m *Manager) release(memoryMB, diskMB, workers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memoryInUse = maxInt(0, m.memoryInUse-memoryMB)
	m.diskInUse = maxInt(0, m.diskInUse-diskMB)
	m.workersUsed = maxInt(0, m.workersUsed-workers)
}

// ScratchDir creates and returns temp_dir/<job_id>/<segments...>, resolved
// through the scratch sandbox before any IO.
func (m *Manager) ScratchDir(jobID string, segments ...string) (string, error) {
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, sanitize(jobID))
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		parts = append(parts, sanitize(seg))
	}
	path, err := m.scratch.Resolve(parts...)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", errs.Wrap(errs.IOError, err, "create scratch dir %s", path)
	}
	return path, nil
}

// Cleanup removes the job's scratch tree. Called on terminal states.
func (m *Manager) Cleanup(jobID string) {
	target := filepath.Join(m.tempRoot, sanitize(jobID))
	_ = os.RemoveAll(target)
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(value) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "segment"
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
