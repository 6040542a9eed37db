// Package storagepolicy implements the runtime/system storage mode
// decision and the runtime -> system flush (spec.md §4.5).
package storagepolicy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sysdlog/journald-core/internal/journal"
	"github.com/sysdlog/journald-core/internal/logging"
)

var log = logging.For("storagepolicy")

// Mode selects how the runtime and system tiers are used.
type Mode int

const (
	ModeNone Mode = iota
	ModeVolatile
	ModePersistent
	ModeAuto
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeVolatile:
		return "volatile"
	case ModePersistent:
		return "persistent"
	case ModeAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// ParseMode accepts the four spec.md §4.5 mode names.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "none":
		return ModeNone, nil
	case "volatile":
		return ModeVolatile, nil
	case "persistent":
		return ModePersistent, nil
	case "auto":
		return ModeAuto, nil
	default:
		return 0, fmt.Errorf("storagepolicy: unknown mode %q", s)
	}
}

// Tiers holds the two live journal directories storage policy
// arbitrates between. Either may be nil/unopened if the policy says
// that tier should never be written.
type Tiers struct {
	RuntimeDir string
	SystemDir  string
}

// Decision is what the caller should do for a single write, given the
// current mode and flush-flag state.
type Decision struct {
	WriteRuntime bool
	WriteSystem  bool
}

// defaultFlagName names the auto-mode persistence flag file under the
// run directory; its presence means "act as persistent from now on" (spec.md §4.5 "auto... opens
// only after flag file").
const defaultFlagName = "flushed"

// Resolve returns which tier(s) should receive a new write, given the
// current mode, whether the flush flag file exists (see FlagPresent),
// and whether the system tier can be opened.
func Resolve(mode Mode, flagPresent, systemOpenable bool) Decision {
	switch mode {
	case ModeNone:
		return Decision{}
	case ModeVolatile:
		return Decision{WriteRuntime: true}
	case ModePersistent:
		if systemOpenable {
			return Decision{WriteSystem: true}
		}
		return Decision{WriteRuntime: true}
	case ModeAuto:
		if flagPresent {
			if systemOpenable {
				return Decision{WriteSystem: true}
			}
			return Decision{WriteRuntime: true}
		}
		return Decision{WriteRuntime: true}
	default:
		return Decision{}
	}
}

// FlushResult reports what the flush moved.
type FlushResult struct {
	EntriesCopied int
	Elapsed       time.Duration
}

// Flush implements spec.md §4.5's flush algorithm: walk the runtime
// directory's journal files oldest first, copy every entry to system,
// rotating system and retrying the single entry on a retryable
// failure; abort (keeping runtime intact) if the retry also fails. On
// full success, the runtime directory is unlinked. system may be
// replaced by a rotation partway through; Flush returns the system
// handle that is live afterward as its second result.
func Flush(runtimeDir string, system *journal.File) (FlushResult, *journal.File, error) {
	start := time.Now()
	paths, err := runtimeJournalFiles(runtimeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return FlushResult{}, system, nil
		}
		return FlushResult{}, system, fmt.Errorf("storagepolicy: list runtime dir: %w", err)
	}

	copied := 0
	for _, path := range paths {
		cur, err := journal.OpenFileCursor(path)
		if err != nil {
			return FlushResult{EntriesCopied: copied, Elapsed: time.Since(start)}, system, err
		}
		cur.SeekHead()
		for cur.Next() {
			offset, err := cur.CurrentOffset()
			if err != nil {
				cur.Close()
				return FlushResult{EntriesCopied: copied, Elapsed: time.Since(start)}, system, err
			}

			if err := journal.CopyEntry(system, cur, offset); err != nil {
				if _, retryable := journal.AsRetryable(err); retryable {
					res, rerr := system.Rotate()
					if rerr != nil {
						cur.Close()
						return FlushResult{EntriesCopied: copied, Elapsed: time.Since(start)}, system,
							fmt.Errorf("storagepolicy: rotate system during flush: %w", rerr)
					}
					system = res.Next
					if err := journal.CopyEntry(system, cur, offset); err != nil {
						cur.Close()
						log.WithError(err).WithField("file", path).
							Warn("flush retry failed, aborting with runtime intact")
						return FlushResult{EntriesCopied: copied, Elapsed: time.Since(start)}, system, err
					}
				} else {
					cur.Close()
					return FlushResult{EntriesCopied: copied, Elapsed: time.Since(start)}, system, err
				}
			}
			copied++
		}
		cur.Close()
	}

	if err := os.RemoveAll(runtimeDir); err != nil {
		return FlushResult{EntriesCopied: copied, Elapsed: time.Since(start)}, system,
			fmt.Errorf("storagepolicy: remove runtime dir: %w", err)
	}

	return FlushResult{EntriesCopied: copied, Elapsed: time.Since(start)}, system, nil
}

func runtimeJournalFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type candidate struct {
		path string
		mod  time.Time
	}
	var cands []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".journal") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		cands = append(cands, candidate{path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if !cands[i].mod.Equal(cands[j].mod) {
			return cands[i].mod.Before(cands[j].mod)
		}
		return cands[i].path < cands[j].path
	})
	paths := make([]string, 0, len(cands))
	for _, c := range cands {
		paths = append(paths, c.path)
	}
	return paths, nil
}

// TouchFlag creates (or updates the mtime of) the auto-mode
// persistence flag at runDir/flushed, recording the mode transition.
func TouchFlag(runDir string) error {
	path := runDir + string(os.PathSeparator) + defaultFlagName
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("storagepolicy: touch flag: %w", err)
	}
	return f.Close()
}

// FlagPresent reports whether runDir/flushed exists.
func FlagPresent(runDir string) bool {
	_, err := os.Stat(runDir + string(os.PathSeparator) + defaultFlagName)
	return err == nil
}
