// Package pidfile tracks running room-relay servers in a shared JSON file so that the ps,
// kill and killall commands can find them.
package pidfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// ProcessName is matched against process names to tell relay servers from recycled PIDs.
const ProcessName = "room-relay"

// stopWait is how long Kill and KillAll wait after SIGTERM before sending SIGKILL.
const stopWait = 5 * time.Second

// File is the JSON structure of the tracking file
type File struct {
	PIDs []int32 `json:"pids"`
}

// Tracker manages one tracking file.
type Tracker struct {
	mu    sync.Mutex
	path  string
	match string
}

// New returns a tracker for path that accepts processes whose name contains match.
func New(path, match string) *Tracker {
	return &Tracker{path: path, match: match}
}

var defaultTracker = New(filepath.Join(os.TempDir(), "."+ProcessName), ProcessName)

// Default returns the tracker shared by the server and the process commands.
func Default() *Tracker {
	return defaultTracker
}

// Path returns the tracking file location.
func (t *Tracker) Path() string {
	return t.path
}

// withLocked opens and locks the tracking file, hands fn the live PIDs and writes back
// whatever fn returns. A nil result leaves the file as verified.
func (t *Tracker) withLocked(fn func(pids []int32) ([]int32, error)) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(t.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open PID file: %w", err)
	}
	defer file.Close()

	if err := flock(file, true); err != nil {
		return err
	}
	defer flock(file, false)

	var stored File
	if stat, err := file.Stat(); err != nil {
		return err
	} else if stat.Size() > 0 {
		if err := json.NewDecoder(file).Decode(&stored); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "withLocked",
				"path":     t.path,
				"error":    err,
			}).Warn("Discarding unreadable PID file")
		}
	}

	live := t.filterLive(stored.PIDs)
	next, err := fn(live)
	if err != nil {
		return err
	}
	if next == nil {
		if len(live) == len(stored.PIDs) {
			return nil
		}
		next = live
	}
	return write(file, next)
}

func (t *Tracker) filterLive(pids []int32) []int32 {
	live := []int32{}
	for _, pid := range pids {
		if t.isRelay(pid) {
			live = append(live, pid)
		}
	}
	return live
}

// isRelay reports whether pid is a running process whose name matches the tracker.
func (t *Tracker) isRelay(pid int32) bool {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	if running, err := proc.IsRunning(); err != nil || !running {
		return false
	}
	name, err := proc.Name()
	if err != nil {
		return false
	}
	return strings.Contains(name, t.match)
}

func write(file *os.File, pids []int32) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(&File{PIDs: pids})
}

func without(pids []int32, drop int32) []int32 {
	out := []int32{}
	for _, pid := range pids {
		if pid != drop {
			out = append(out, pid)
		}
	}
	return out
}

// Register adds the current process to the tracking file.
func (t *Tracker) Register() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	self := int32(os.Getpid())
	return t.withLocked(func(pids []int32) ([]int32, error) {
		for _, pid := range pids {
			if pid == self {
				return nil, nil
			}
		}
		return append(pids, self), nil
	})
}

// Unregister removes the current process from the tracking file.
func (t *Tracker) Unregister() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	self := int32(os.Getpid())
	return t.withLocked(func(pids []int32) ([]int32, error) {
		return without(pids, self), nil
	})
}

// List returns the verified running relay PIDs.
func (t *Tracker) List() ([]int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []int32
	err := t.withLocked(func(pids []int32) ([]int32, error) {
		result = pids
		return nil, nil
	})
	return result, err
}

// Kill stops one tracked relay: SIGTERM, then SIGKILL if it is still running after stopWait.
func (t *Tracker) Kill(pid int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isRelay(pid) {
		return fmt.Errorf("PID %d is not a running %s process", pid, t.match)
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to get process: %w", err)
	}
	if err := stop(map[int32]*process.Process{pid: proc}); err != nil {
		return err
	}

	// best-effort: the process normally unregisters itself on shutdown
	_ = t.withLocked(func(pids []int32) ([]int32, error) {
		return without(pids, pid), nil
	})
	return nil
}

// KillAll stops every tracked relay and clears the file. It returns how many were signalled.
func (t *Tracker) KillAll() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var targets []int32
	err := t.withLocked(func(pids []int32) ([]int32, error) {
		targets = pids
		return []int32{}, nil
	})
	if err != nil {
		return 0, err
	}

	procs := make(map[int32]*process.Process, len(targets))
	for _, pid := range targets {
		if proc, err := process.NewProcess(pid); err == nil {
			procs[pid] = proc
		}
	}
	return len(targets), stop(procs)
}

// stop terminates procs, escalating to SIGKILL for any that outlive stopWait.
func stop(procs map[int32]*process.Process) error {
	waiting := make(map[int32]*process.Process, len(procs))
	for pid, proc := range procs {
		if err := proc.Terminate(); err != nil {
			if err := proc.Kill(); err != nil {
				return fmt.Errorf("failed to kill process %d: %w", pid, err)
			}
			continue
		}
		waiting[pid] = proc
	}

	deadline := time.Now().Add(stopWait)
	for len(waiting) > 0 && time.Now().Before(deadline) {
		for pid, proc := range waiting {
			if running, err := proc.IsRunning(); err != nil || !running {
				delete(waiting, pid)
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	for pid, proc := range waiting {
		if err := proc.Kill(); err != nil {
			return fmt.Errorf("failed to force kill process %d: %w", pid, err)
		}
	}
	return nil
}

// ProcessInfo returns the command line of pid, or "" when it cannot be read.
func ProcessInfo(pid int32) (string, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return "", err
	}
	cmdline, err := proc.Cmdline()
	if err != nil {
		return "", nil
	}
	return cmdline, nil
}
