package metrics

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// MemWatcher samples this process's resident-set size, grounded on
// spec.md §4.5's observation that runtime.MemStats reports Go heap, not
// the resident-memory delta the adaptive sizer needs; gopsutil reads the
// OS-level RSS instead.
type MemWatcher struct {
	proc *process.Process
}

// NewMemWatcher attaches a MemWatcher to the current process.
func NewMemWatcher() (*MemWatcher, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("metrics: attaching to self: %w", err)
	}
	return &MemWatcher{proc: p}, nil
}

// ResidentBytes returns the process's current RSS in bytes.
func (m *MemWatcher) ResidentBytes() (int64, error) {
	info, err := m.proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("metrics: reading memory info: %w", err)
	}
	return int64(info.RSS), nil
}

// Delta samples ResidentBytes and returns the difference from baseline,
// clamped to zero if memory has shrunk since the sample was taken (a
// shrinking RSS is not a watermark breach).
func (m *MemWatcher) Delta(baseline int64) (int64, error) {
	current, err := m.ResidentBytes()
	if err != nil {
		return 0, err
	}
	delta := current - baseline
	if delta < 0 {
		return 0, nil
	}
	return delta, nil
}
