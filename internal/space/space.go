//go:build linux

// Package space implements the Space Accountant (spec.md §4.1): it
// computes current on-disk usage of a journal directory, combines it
// with filesystem-free figures and operator ceilings, and caches the
// resulting verdict for a staleness window.
package space

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sysdlog/journald-core/internal/logging"
)

var log = logging.For("space")

// staleness is the minimum interval between re-queries; spec.md §4.1.
const staleness = 30 * time.Second

// Metrics are the operator-configured ceilings for one storage tier
// (runtime or system), spec.md's JournalStorage.metrics.
type Metrics struct {
	MaxUse     uint64
	KeepFree   uint64
	MinUse     uint64
	NMaxFiles  int
	MaxFileAge time.Duration
}

// Verdict is the cached outcome of a space query.
type Verdict struct {
	Limit     uint64
	Available uint64
	Used      uint64
	At        time.Time
}

// Accountant tracks space usage for a single journal directory.
type Accountant struct {
	dir string

	mu       sync.Mutex
	metrics  Metrics
	cached   Verdict
	hasCache bool
}

// New creates an Accountant for dir with the given metrics. MinUse is
// raised, never lowered, at construction time per spec.md §4.1.
func New(dir string, metrics Metrics) *Accountant {
	a := &Accountant{dir: dir, metrics: metrics}
	if used, err := DirUsage(dir); err == nil && used > a.metrics.MinUse {
		a.metrics.MinUse = used
	}
	return a
}

// Query returns the current verdict, reusing the cached value if it
// is younger than the staleness window. The bool result reports
// whether the cache was used, for testability (spec.md §8).
func (a *Accountant) Query(now time.Time) (Verdict, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.hasCache && now.Sub(a.cached.At) < staleness {
		return a.cached, true
	}

	used, err := DirUsage(a.dir)
	if err != nil {
		log.WithError(err).WithField("dir", a.dir).Debug("failed to compute directory usage")
		used = 0
	}
	if used > a.metrics.MinUse {
		a.metrics.MinUse = used
	}

	avail, err := filesystemAvailable(a.dir)
	if err != nil {
		log.WithError(err).WithField("dir", a.dir).Debug("failed to stat filesystem")
		avail = 0
	}

	limit := computeLimit(used, avail, a.metrics)
	available := uint64(0)
	if limit > used {
		available = limit - used
	}

	v := Verdict{Limit: limit, Available: available, Used: used, At: now}
	a.cached = v
	a.hasCache = true
	return v, false
}

// Invalidate forces the next Query to re-stat the directory.
func (a *Accountant) Invalidate() {
	a.mu.Lock()
	a.hasCache = false
	a.mu.Unlock()
}

// computeLimit implements the verdict formula in spec.md §4.1:
//
//	limit = min(max_use, max(vfs_used + max(0, vfs_available - keep_free), min_use))
func computeLimit(vfsUsed, vfsAvailable uint64, m Metrics) uint64 {
	headroom := uint64(0)
	if vfsAvailable > m.KeepFree {
		headroom = vfsAvailable - m.KeepFree
	}
	candidate := vfsUsed + headroom
	if candidate < m.MinUse {
		candidate = m.MinUse
	}
	if m.MaxUse != 0 && candidate > m.MaxUse {
		candidate = m.MaxUse
	}
	return candidate
}

// DirUsage sums the on-disk block usage of *.journal and *.journal~
// files directly under dir. A missing directory is not an error: it
// simply reports zero usage (spec.md §4.1).
func DirUsage(dir string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var total uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".journal") && !strings.HasSuffix(name, ".journal~") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			log.WithError(err).WithField("file", name).Debug("stat failed, skipping")
			continue
		}
		total += blocksUsed(info)
	}
	return total, nil
}

// blocksUsed reports the on-disk size in bytes (512-byte block count
// times 512), falling
// back to the apparent size when block-count stats are unavailable.
func blocksUsed(info os.FileInfo) uint64 {
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(sys.Blocks) * 512
	}
	return uint64(info.Size())
}

func filesystemAvailable(dir string) (uint64, error) {
	probe := dir
	for {
		var st unix.Statfs_t
		if err := unix.Statfs(probe, &st); err == nil {
			return uint64(st.Bavail) * uint64(st.Bsize), nil
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return 0, os.ErrNotExist
		}
		probe = parent
	}
}
