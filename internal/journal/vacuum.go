package journal

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// VacuumLimits bounds what Vacuum will keep (spec.md glossary:
// "Vacuum: delete archived files, oldest first, until usage <= limit
// and count <= n_max_files and age <= max_retention_usec").
type VacuumLimits struct {
	UsageLimit   uint64
	NMaxFiles    int
	MaxRetention time.Duration
	Now          func() time.Time
}

// VacuumResult reports what was removed.
type VacuumResult struct {
	Removed    []string
	BytesFreed uint64
}

// Vacuum deletes archived files under dir, oldest first, until all of
// VacuumLimits are satisfied. Only files matching the archived naming
// convention (containing "@") are candidates; the live file is never
// touched.
func Vacuum(dir string, limits VacuumLimits) (VacuumResult, error) {
	now := time.Now
	if limits.Now != nil {
		now = limits.Now
	}

	entries, err := sortedDirEntries(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return VacuumResult{}, nil
		}
		return VacuumResult{}, err
	}

	type candidate struct {
		path string
		size uint64
		mod  time.Time
	}
	var cands []candidate
	var totalUsage uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".journal") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		totalUsage += uint64(info.Size())
		if !isArchivedName(e.Name()) {
			continue
		}
		cands = append(cands, candidate{
			path: filepath.Join(dir, e.Name()),
			size: uint64(info.Size()),
			mod:  info.ModTime(),
		})
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].mod.Before(cands[j].mod) })

	archivedCount := len(cands)
	var result VacuumResult
	nowT := now()

	shouldRemoveMore := func() bool {
		if limits.UsageLimit != 0 && totalUsage > limits.UsageLimit {
			return true
		}
		if limits.NMaxFiles != 0 && archivedCount > limits.NMaxFiles {
			return true
		}
		return false
	}

	for i := 0; i < len(cands); i++ {
		c := cands[i]
		tooOld := limits.MaxRetention != 0 && nowT.Sub(c.mod) > limits.MaxRetention
		if !tooOld && !shouldRemoveMore() {
			continue
		}
		if err := os.Remove(c.path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return result, err
		}
		result.Removed = append(result.Removed, c.path)
		result.BytesFreed += c.size
		totalUsage -= c.size
		archivedCount--
	}

	return result, nil
}

func isArchivedName(name string) bool {
	return strings.Contains(name, "@")
}
