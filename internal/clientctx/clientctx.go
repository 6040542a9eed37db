//go:build linux

// Package clientctx implements the Client Context Cache (spec.md §3,
// §4.3 step 4): identity, cgroup, and SELinux metadata for a sender
// pid, bounded and cacheable so a busy logger does not re-read /proc
// for every record.
package clientctx

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/selinux/go-selinux"
	"go.etcd.io/bbolt"
	"golang.org/x/sys/unix"

	"github.com/sysdlog/journald-core/internal/logging"
)

var log = logging.For("clientctx")

// maxEntries bounds the cache; a flood of short-lived processes must
// not grow this without limit (spec.md §5 "each ClientContext owns
// references to text buffers... released only after flushing").
const maxEntries = 4096

// Context is the metadata attached to every record sent by pid
// (spec.md §4.3 step 4's enrichment field list, minus the fields the
// dispatcher itself knows: _BOOT_ID, _MACHINE_ID, _HOSTNAME).
type Context struct {
	PID              int
	UID              int
	GID              int
	Comm             string
	Exe              string
	Cmdline          string
	CapEffective     string
	SELinuxContext   string
	AuditSession     string
	AuditLoginUID    string
	SystemdCGroup    string
	SystemdSession   string
	SystemdOwnerUID  string
	SystemdUnit      string
	SystemdUserUnit  string
	SystemdSlice     string
	SystemdUserSlice string
	InvocationID     string

	fetchedAt time.Time
}

// Cache is a bounded pid -> Context lookup, optionally backed by a
// bbolt bucket for stale-but-present serving across restarts (spec.md
// recovered behavior, SPEC_FULL.md Client Context Cache section).
type Cache struct {
	mu    sync.Mutex
	cache *lru.Cache[int, *Context]
	db    *bbolt.DB
}

var bucketName = []byte("clientctx")

// New builds a Cache. dbPath may be empty to disable persistence.
func New(dbPath string) (*Cache, error) {
	c := &Cache{}
	cache, err := lru.New[int, *Context](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("clientctx: new cache: %w", err)
	}
	c.cache = cache

	if dbPath != "" {
		db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("clientctx: open bbolt store: %w", err)
		}
		if err := db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketName)
			return err
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("clientctx: init bucket: %w", err)
		}
		c.db = db
	}
	return c, nil
}

// Get returns the cached Context for pid, fetching from /proc on a
// miss. A fetch failure (process already exited) falls back to the
// persisted stale copy when one exists, otherwise a bare Context
// carrying only the credentials the caller already has.
func (c *Cache) Get(pid, uid, gid int) *Context {
	c.mu.Lock()
	if ctx, ok := c.cache.Get(pid); ok {
		c.mu.Unlock()
		return ctx
	}
	c.mu.Unlock()

	ctx, err := fetch(pid, uid, gid)
	if err != nil {
		log.WithError(err).WithField("pid", pid).Debug("client context fetch failed, falling back")
		if stale := c.loadPersisted(pid); stale != nil {
			c.mu.Lock()
			c.cache.Add(pid, stale)
			c.mu.Unlock()
			return stale
		}
		ctx = &Context{PID: pid, UID: uid, GID: gid, fetchedAt: time.Now()}
	}

	c.mu.Lock()
	c.cache.Add(pid, ctx)
	c.mu.Unlock()
	return ctx
}

func fetch(pid, uid, gid int) (*Context, error) {
	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err != nil {
		return nil, err
	}
	ctx := &Context{PID: pid, UID: uid, GID: gid, fetchedAt: time.Now()}

	if comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
		ctx.Comm = strings.TrimSpace(string(comm))
	}
	if exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
		ctx.Exe = exe
	}
	if cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid)); err == nil {
		ctx.Cmdline = strings.ReplaceAll(strings.TrimRight(string(cmdline), "\x00"), "\x00", " ")
	}
	if cgroup, err := readCGroup(pid); err == nil {
		ctx.SystemdCGroup = cgroup
		deriveSystemdFields(ctx, cgroup)
		ctx.InvocationID = readInvocationID(cgroup)
	}
	if capEff, auditSession, auditLoginUID, err := readStatus(pid); err == nil {
		ctx.CapEffective = capEff
		ctx.AuditSession = auditSession
		ctx.AuditLoginUID = auditLoginUID
	}
	if label, err := selinux.PidLabel(pid); err == nil {
		ctx.SELinuxContext = label
	}

	return ctx, nil
}

// readCGroup extracts the unified (cgroupv2) cgroup path for pid, the
// raw input deriveSystemdFields and readInvocationID parse the
// unit/slice/session/invocation-id fields out of.
func readCGroup(pid int) (string, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var last string
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.LastIndex(line, ":")
		if idx == -1 {
			continue
		}
		last = line[idx+1:]
	}
	return last, scanner.Err()
}

func readStatus(pid int) (capEffective, auditSession, auditLoginUID string, err error) {
	f, ferr := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if ferr != nil {
		return "", "", "", ferr
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "CapEff:"):
			capEffective = strings.TrimSpace(strings.TrimPrefix(line, "CapEff:"))
		case strings.HasPrefix(line, "loginuid:"):
			auditLoginUID = strings.TrimSpace(strings.TrimPrefix(line, "loginuid:"))
		}
	}

	if session, serr := os.ReadFile(fmt.Sprintf("/proc/%d/sessionid", pid)); serr == nil {
		auditSession = strings.TrimSpace(string(session))
	}
	return capEffective, auditSession, auditLoginUID, scanner.Err()
}

// unitSuffixes are the cgroup path component suffixes systemd reserves
// for unit names (src/basic/unit-name.c's UNIT_NAME_MAX family).
var unitSuffixes = []string{
	".service", ".socket", ".device", ".mount", ".automount",
	".swap", ".target", ".path", ".timer", ".slice", ".scope",
}

func hasUnitSuffix(s string) bool {
	for _, suf := range unitSuffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

// matchPrefixSuffix strips prefix/suffix from s and returns the middle
// token, e.g. matchPrefixSuffix("user-1000.slice", "user-", ".slice")
// -> ("1000", true).
func matchPrefixSuffix(s, prefix, suffix string) (string, bool) {
	if strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix) && len(s) > len(prefix)+len(suffix) {
		return s[len(prefix) : len(s)-len(suffix)], true
	}
	return "", false
}

// lastUnitAndSlice walks parts from the leaf backward looking for the
// deepest unit-suffixed component (the running unit itself) and the
// nearest enclosing ".slice" component, matching systemd's
// cg_path_get_unit/cg_path_get_slice.
func lastUnitAndSlice(parts []string) (unit, slice string) {
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		if !hasUnitSuffix(p) {
			continue
		}
		if strings.HasSuffix(p, ".slice") {
			if slice == "" {
				slice = p
			}
			continue
		}
		if unit == "" {
			unit = p
		}
	}
	return unit, slice
}

// deriveSystemdFields fills _SYSTEMD_UNIT/_SYSTEMD_SLICE (or their
// user-manager counterparts) and _SYSTEMD_SESSION/_SYSTEMD_OWNER_UID
// from a cgroupv2 path, the way systemd-journald's cg_path_get_* family
// does (src/basic/cgroup-util.c): a "user@<uid>.service" component
// marks the boundary into a user manager's own tree, past which units
// are reported as user units/slices instead of system ones.
func deriveSystemdFields(ctx *Context, cgroup string) {
	parts := strings.Split(strings.Trim(cgroup, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return
	}

	userManagerIdx := -1
	for i, p := range parts {
		if uid, ok := matchPrefixSuffix(p, "user-", ".slice"); ok {
			ctx.SystemdOwnerUID = uid
		}
		if session, ok := matchPrefixSuffix(p, "session-", ".scope"); ok {
			ctx.SystemdSession = session
		}
		if strings.HasPrefix(p, "user@") && strings.HasSuffix(p, ".service") {
			userManagerIdx = i
		}
	}

	if userManagerIdx >= 0 && userManagerIdx+1 < len(parts) {
		ctx.SystemdUserUnit, ctx.SystemdUserSlice = lastUnitAndSlice(parts[userManagerIdx+1:])
		return
	}
	if ctx.SystemdSession != "" {
		// A login session scope with no user-manager component of its
		// own still belongs to the user, not a system unit.
		return
	}
	ctx.SystemdUnit, ctx.SystemdSlice = lastUnitAndSlice(parts)
}

// readInvocationID reads the "trusted.invocation_id" xattr systemd
// sets on every unit's cgroup directory (src/core/unit.c
// unit_set_invocation_id), formatted as journald does: lowercase hex,
// no dashes.
func readInvocationID(cgroup string) string {
	if cgroup == "" {
		return ""
	}
	buf := make([]byte, 16)
	n, err := unix.Lgetxattr(filepath.Join("/sys/fs/cgroup", cgroup), "trusted.invocation_id", buf)
	if err != nil || n != 16 {
		return ""
	}
	return hex.EncodeToString(buf[:n])
}

// Flush persists every cached Context to the bbolt store so a restart
// can serve stale metadata for pids that may have already exited
// before the next lookup (spec.md recovered behavior).
func (c *Cache) Flush() error {
	if c.db == nil {
		return nil
	}
	c.mu.Lock()
	keys := c.cache.Keys()
	entries := make(map[int]*Context, len(keys))
	for _, k := range keys {
		if v, ok := c.cache.Peek(k); ok {
			entries[k] = v
		}
	}
	c.mu.Unlock()

	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		for pid, ctx := range entries {
			key := []byte(strconv.Itoa(pid))
			b.Put(key, encodeContext(ctx))
		}
		return nil
	})
}

func (c *Cache) loadPersisted(pid int) *Context {
	if c.db == nil {
		return nil
	}
	var ctx *Context
	_ = c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get([]byte(strconv.Itoa(pid)))
		if v == nil {
			return nil
		}
		ctx = decodeContext(pid, v)
		return nil
	})
	return ctx
}

// Close flushes and releases the backing store.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	if err := c.Flush(); err != nil {
		log.WithError(err).Warn("flush on close failed")
	}
	return c.db.Close()
}

// encodeContext/decodeContext use a plain `name\x00value\n`-separated
// encoding; the cache is a best-effort stale-data fallback, not a
// format anything else needs to read, so the simplest reversible
// encoding wins over a general serializer.
func encodeContext(ctx *Context) []byte {
	fields := []string{
		ctx.Comm, ctx.Exe, ctx.Cmdline, ctx.CapEffective, ctx.SELinuxContext,
		ctx.AuditSession, ctx.AuditLoginUID, ctx.SystemdCGroup, ctx.SystemdSession,
		ctx.SystemdOwnerUID, ctx.SystemdUnit, ctx.SystemdUserUnit, ctx.SystemdSlice,
		ctx.SystemdUserSlice, ctx.InvocationID,
		strconv.Itoa(ctx.UID), strconv.Itoa(ctx.GID),
	}
	return []byte(strings.Join(fields, "\x00"))
}

func decodeContext(pid int, raw []byte) *Context {
	parts := strings.Split(string(raw), "\x00")
	for len(parts) < 17 {
		parts = append(parts, "")
	}
	uid, _ := strconv.Atoi(parts[15])
	gid, _ := strconv.Atoi(parts[16])
	return &Context{
		PID: pid, UID: uid, GID: gid,
		Comm: parts[0], Exe: parts[1], Cmdline: parts[2],
		CapEffective: parts[3], SELinuxContext: parts[4],
		AuditSession: parts[5], AuditLoginUID: parts[6],
		SystemdCGroup: parts[7], SystemdSession: parts[8],
		SystemdOwnerUID: parts[9], SystemdUnit: parts[10],
		SystemdUserUnit: parts[11], SystemdSlice: parts[12],
		SystemdUserSlice: parts[13], InvocationID: parts[14],
		fetchedAt: time.Now(),
	}
}
