package procmon

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// GopsutilLister enumerates the OS process table via gopsutil. Per-process
// attribute reads are best-effort: a process that exits between enumeration
// and inspection keeps its pid in the table with zeroed attributes.
type GopsutilLister struct{}

var _ HostLister = GopsutilLister{}

// Processes implements HostLister.
func (GopsutilLister) Processes(ctx context.Context) ([]HostProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	out := make([]HostProcess, 0, len(procs))
	for _, p := range procs {
		hp := HostProcess{PID: p.Pid}
		if name, err := p.NameWithContext(ctx); err == nil {
			hp.Name = name
		}
		if user, err := p.UsernameWithContext(ctx); err == nil {
			hp.User = user
		}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			hp.CPUPercent = cpu
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			hp.RSSBytes = mem.RSS
		}
		out = append(out, hp)
	}
	return out, nil
}
