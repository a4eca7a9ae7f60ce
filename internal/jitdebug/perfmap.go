package jitdebug

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// PerfMap writes symbols for emitted code to the file perf reads for JIT code.
//
// See https://github.com/torvalds/linux/blob/master/tools/perf/Documentation/jit-interface.txt
type PerfMap struct {
	mu      sync.Mutex
	fh      *os.File
	entries []perfMapEntry
	logger  *slog.Logger
}

type perfMapEntry struct {
	addr uintptr
	size uint64
	name string
}

// PerfMapPath returns /tmp/perf-<pid>.map for the current process.
func PerfMapPath() string {
	return "/tmp/perf-" + strconv.Itoa(os.Getpid()) + ".map"
}

// OpenPerfMap opens the perf map at path for appending. On failure it logs and returns nil, and every
// method of a nil *PerfMap is a no-op.
func OpenPerfMap(path string, logger *slog.Logger) *PerfMap {
	if logger == nil {
		logger = slog.Default()
	}
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		logger.Warn("failed to open perf map", "path", path, "err", err)
		return nil
	}
	return &PerfMap{fh: fh, logger: logger}
}

// AddEntry adds a symbol of size bytes at addr. Entries are written by Flush.
func (p *PerfMap) AddEntry(addr uintptr, size uint64, name string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, perfMapEntry{addr: addr, size: size, name: name})
}

// Flush appends the pending entries to the file.
func (p *PerfMap) Flush() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if _, err := fmt.Fprintf(p.fh, "%x %x %s\n", e.addr, e.size, e.name); err != nil {
			p.logger.Warn("failed to write perf map", "err", err)
			break
		}
	}
	p.entries = p.entries[:0]
	if err := p.fh.Sync(); err != nil {
		p.logger.Warn("failed to sync perf map", "err", err)
	}
}

// Close flushes and closes the file.
func (p *PerfMap) Close() {
	if p == nil {
		return
	}
	p.Flush()
	if err := p.fh.Close(); err != nil {
		p.logger.Warn("failed to close perf map", "err", err)
	}
}
