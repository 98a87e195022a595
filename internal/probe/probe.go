// Package probe enumerates local agent-runtime processes for diagnostics
// and leak detection.
package probe

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/orchd/orchd/internal/common/logger"
)

// ProcessInfo describes one observed agent-runtime process.
type ProcessInfo struct {
	PID      int      `json:"pid"`
	RSSBytes int64    `json:"rss_bytes"`
	Args     []string `json:"args"`
	WorkerID string   `json:"worker_id,omitempty"` // from ORCH_WORKER_ID when visible
}

// Prober scans the local process table for agent-runtime instances.
type Prober struct {
	binary string // runtime executable name to match against argv[0]
	procFS string
	logger *logger.Logger
}

// New creates a Prober matching processes whose command names the given
// runtime binary.
func New(binary string, log *logger.Logger) *Prober {
	return &Prober{
		binary: binary,
		procFS: "/proc",
		logger: log.WithComponent("process-probe"),
	}
}

// Snapshot returns all currently visible agent-runtime processes.
func (p *Prober) Snapshot() ([]ProcessInfo, error) {
	entries, err := os.ReadDir(p.procFS)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p.procFS, err)
	}

	var out []ProcessInfo
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		args := p.cmdline(pid)
		if len(args) == 0 || !p.matches(args[0]) {
			continue
		}
		out = append(out, ProcessInfo{
			PID:      pid,
			RSSBytes: p.rss(pid),
			Args:     args,
			WorkerID: p.workerID(pid),
		})
	}
	return out, nil
}

// Duplicates groups processes by worker id and returns groups with more than
// one live process. A non-empty result means a profile leaked a runtime.
func (p *Prober) Duplicates() (map[string][]ProcessInfo, error) {
	procs, err := p.Snapshot()
	if err != nil {
		return nil, err
	}

	byWorker := make(map[string][]ProcessInfo)
	for _, proc := range procs {
		if proc.WorkerID == "" {
			continue
		}
		byWorker[proc.WorkerID] = append(byWorker[proc.WorkerID], proc)
	}

	dups := make(map[string][]ProcessInfo)
	for id, group := range byWorker {
		if len(group) > 1 {
			dups[id] = group
		}
	}
	return dups, nil
}

func (p *Prober) matches(argv0 string) bool {
	return filepath.Base(argv0) == p.binary
}

func (p *Prober) cmdline(pid int) []string {
	data, err := os.ReadFile(filepath.Join(p.procFS, strconv.Itoa(pid), "cmdline"))
	if err != nil || len(data) == 0 {
		return nil
	}
	parts := bytes.Split(bytes.TrimRight(data, "\x00"), []byte{0})
	args := make([]string, 0, len(parts))
	for _, part := range parts {
		args = append(args, string(part))
	}
	return args
}

// rss reads VmRSS from /proc/<pid>/status, in bytes. Returns 0 when the
// process vanished mid-scan.
func (p *Prober) rss(pid int) int64 {
	data, err := os.ReadFile(filepath.Join(p.procFS, strconv.Itoa(pid), "status"))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

// workerID extracts ORCH_WORKER_ID from the process environment when the
// kernel lets us read it (same-user processes).
func (p *Prober) workerID(pid int) string {
	data, err := os.ReadFile(filepath.Join(p.procFS, strconv.Itoa(pid), "environ"))
	if err != nil {
		return ""
	}
	for _, kv := range bytes.Split(data, []byte{0}) {
		const prefix = "ORCH_WORKER_ID="
		if bytes.HasPrefix(kv, []byte(prefix)) {
			return string(kv[len(prefix):])
		}
	}
	return ""
}
