//go:build linux

package dispatcher

import (
	"strconv"
	"time"

	"github.com/sysdlog/journald-core/internal/clientctx"
	"github.com/sysdlog/journald-core/internal/drivermsg"
	"github.com/sysdlog/journald-core/internal/journal"
	"github.com/sysdlog/journald-core/internal/ratelimit"
	"github.com/sysdlog/journald-core/internal/record"
	"github.com/sysdlog/journald-core/internal/storagepolicy"
)

// nobodyUID is the conventional "unprivileged nobody" id spec.md §4.3
// calls out by name as always routing to the system file.
const nobodyUID = 65534

// systemUIDCeiling is the boundary below which a uid is considered a
// "system" uid for split-mode purposes (spec.md §4.3: "System uids
// (including dynamic system ids and the unprivileged-nobody id)
// always go to the system file"), matching the conventional
// UID_MIN/SYS_UID_MAX split used by login.defs-based distros.
const systemUIDCeiling = 1000

func isSystemUID(uid int) bool {
	return uid < systemUIDCeiling || uid == nobodyUID
}

// process implements spec.md §4.3's seven-step per-record pipeline.
func (d *Dispatcher) process(msg ingested) {
	ctx := d.cctx.Get(msg.pid, msg.uid, msg.gid)

	if msg.priority > d.opts.Config.MaxLevelStore {
		return
	}

	unit := ctx.SystemdUnit
	if unit == "" {
		unit = "_uid" + strconv.Itoa(msg.uid)
	}
	available, limit := d.availableAndLimit()
	n := d.limiter.Allow(ratelimit.Key{Unit: unit, Priority: msg.priority}, available, limit)
	if n == 0 {
		return
	}
	if n > 1 {
		d.emitDriver(drivermsg.SuppressedNotice(d.identity, unit, msg.priority, n-1))
	}

	items := d.enrich(msg, ctx)
	d.appendToTarget(msg.uid, ctx, items)
}

// availableAndLimit reports the space verdict for whichever tier is
// primary right now, feeding the Rate Limiter's space-scaled burst
// (spec.md §4.4).
func (d *Dispatcher) availableAndLimit() (available, limit uint64) {
	acct := d.systemSpace
	if acct == nil {
		acct = d.runtimeSpace
	}
	if acct == nil {
		return 0, 0
	}
	verdict, _ := acct.Query(d.opts.now())
	return verdict.Available, verdict.Limit
}

func (d *Dispatcher) enrich(msg ingested, ctx *clientctx.Context) []journal.Item {
	items := make([]journal.Item, 0, len(msg.fields)+24)
	for _, f := range msg.fields {
		items = append(items, journal.Item{Name: f.Name, Value: f.Value})
	}

	addStr := func(name, value string) {
		if value != "" {
			items = append(items, journal.Item{Name: name, Value: []byte(value)})
		}
	}
	addInt := func(name string, value int) {
		if value != 0 {
			addStr(name, strconv.Itoa(value))
		}
	}

	addInt(record.FieldPID, msg.pid)
	addInt(record.FieldUID, msg.uid)
	addInt(record.FieldGID, msg.gid)
	addStr(record.FieldComm, ctx.Comm)
	addStr(record.FieldExe, ctx.Exe)
	addStr(record.FieldCmdline, ctx.Cmdline)
	addStr(record.FieldCapEffective, ctx.CapEffective)
	addStr(record.FieldSELinuxContext, ctx.SELinuxContext)
	addStr(record.FieldAuditSession, ctx.AuditSession)
	addStr(record.FieldAuditLoginUID, ctx.AuditLoginUID)
	addStr(record.FieldSystemdCGroup, ctx.SystemdCGroup)
	addStr(record.FieldSystemdSession, ctx.SystemdSession)
	addStr(record.FieldSystemdOwnerUID, ctx.SystemdOwnerUID)
	addStr(record.FieldSystemdUnit, ctx.SystemdUnit)
	addStr(record.FieldSystemdUserUnit, ctx.SystemdUserUnit)
	addStr(record.FieldSystemdSlice, ctx.SystemdSlice)
	addStr(record.FieldSystemdUserSlice, ctx.SystemdUserSlice)
	addStr(record.FieldSystemdInvocationID, ctx.InvocationID)
	addStr(record.FieldBootID, d.opts.BootID.String())
	addStr(record.FieldMachineID, d.opts.MachineID.String())
	addStr(record.FieldHostname, d.identity.Hostname)
	addStr(record.FieldTransport, string(msg.transport))
	items = append(items, journal.Item{Name: "PRIORITY", Value: []byte(strconv.Itoa(msg.priority))})
	if msg.hasSourceRealtime {
		addStr(record.FieldSourceRealtimeTimestamp, strconv.FormatInt(msg.sourceRealtime.UnixMicro(), 10))
	}

	return items
}

// appendToTarget selects the split-mode/storage-policy target (spec.md
// §4.3 step 5) and writes through appendWithRetry (step 7).
func (d *Dispatcher) appendToTarget(uid int, ctx *clientctx.Context, items []journal.Item) {
	if d.opts.Config.SplitMode != "none" && !isSystemUID(uid) {
		shardUID := uid
		if d.opts.Config.SplitMode == "login" {
			if login, err := strconv.Atoi(ctx.AuditLoginUID); err == nil && login > 0 && !isSystemUID(login) {
				shardUID = login
			} else {
				shardUID = -1
			}
		}
		if shardUID >= 0 {
			f, err := d.shards.Get(uint32(shardUID))
			if err == nil {
				if d.appendWithRetry(f, items, func(next *journal.File) { d.shards.Replace(uint32(shardUID), next) }) {
					return
				}
			} else {
				log.WithError(err).WithField("uid", shardUID).Warn("failed to open per-user shard, falling back to system file")
			}
		}
	}

	target := d.primaryTarget()
	if target == nil {
		return
	}
	d.appendWithRetry(target, items, d.replacePrimary(target))
}

// primaryTarget applies Storage Policy (spec.md §4.5) to decide which
// tier a non-sharded write goes to.
func (d *Dispatcher) primaryTarget() *journal.File {
	flagPresent := d.opts.RunDir != "" && storagepolicy.FlagPresent(d.opts.RunDir)
	decision := storagepolicy.Resolve(d.opts.Config.Storage, flagPresent, d.system != nil)
	if decision.WriteSystem && d.system != nil {
		return d.system
	}
	if decision.WriteRuntime && d.runtime != nil {
		return d.runtime
	}
	if d.system != nil {
		return d.system
	}
	return d.runtime
}

func (d *Dispatcher) replacePrimary(was *journal.File) func(*journal.File) {
	return func(next *journal.File) {
		if d.system == was {
			d.system = next
			return
		}
		if d.runtime == was {
			d.runtime = next
		}
	}
}

// appendWithRetry implements spec.md §4.2/§4.3's "rotate and retry
// once" contract. It reports whether the write ultimately succeeded.
func (d *Dispatcher) appendWithRetry(f *journal.File, items []journal.Item, replace func(*journal.File)) bool {
	ts := d.opts.now()
	_, err := f.AppendEntry(ts, d.opts.BootID, items)
	if err == nil {
		return true
	}

	kind, retryable := journal.AsRetryable(err)
	if !retryable {
		log.WithError(err).Warn("fatal write error, dropping entry")
		return false
	}

	log.WithError(err).WithField("kind", kind).Info("retryable write error, rotating and retrying once")
	res, rerr := f.Rotate()
	if rerr != nil {
		log.WithError(rerr).Error("rotate failed during retry, dropping entry")
		return false
	}
	replace(res.Next)

	if _, err := res.Next.AppendEntry(ts, d.opts.BootID, items); err != nil {
		log.WithError(err).Warn("retry after rotate failed, dropping entry")
		return false
	}
	return true
}

// emitDriver appends a synthesized driver record (spec.md §4.6),
// bypassing the Rate Limiter entirely.
func (d *Dispatcher) emitDriver(r *record.Record) {
	items := make([]journal.Item, 0, len(r.Fields)+1)
	for _, f := range r.Fields {
		items = append(items, journal.Item{Name: f.Name, Value: f.Value})
	}
	items = append(items, journal.Item{Name: "PRIORITY", Value: []byte(strconv.Itoa(r.Priority))})
	target := d.primaryTarget()
	if target == nil {
		return
	}
	d.appendWithRetry(target, items, d.replacePrimary(target))
}

// flushRuntimeToSystem implements the SIGUSR1 handler (spec.md §4.3,
// §4.5).
func (d *Dispatcher) flushRuntimeToSystem() {
	if d.runtime == nil || d.system == nil || d.opts.Config.Storage == storagepolicy.ModeNone {
		return
	}
	runtimeDir := d.opts.RuntimeDir
	runtimePath := d.runtime.Path()
	// SetOffline runs the offline finisher on a background goroutine
	// registered in the deferred-close set (d.offliner); Wait then
	// blocks this goroutine until it finishes, so the read below sees a
	// fully offlined file (spec.md §5 "deferred-close set").
	if err := d.runtime.SetOffline(d.offliner, false); err != nil {
		log.WithError(err).Warn("failed to offline runtime journal before flush")
	}
	d.offliner.Wait(runtimePath)
	res, newSystem, err := storagepolicy.Flush(runtimeDir, d.system)
	d.system = newSystem
	d.emitDriver(drivermsg.FlushNotice(d.identity, res.EntriesCopied, res.Elapsed, err))
	if err != nil {
		log.WithError(err).Warn("flush failed, reopening runtime journal")
		if f, rerr := journal.Open(journal.Config{
			Path: systemPath(runtimeDir), Mode: journal.ModeCreateOrOpen,
			MachineID: d.opts.MachineID, BootID: d.opts.BootID, Now: d.opts.Now,
		}); rerr == nil {
			d.runtime = f
		}
		return
	}
	if d.opts.RunDir != "" {
		if err := storagepolicy.TouchFlag(d.opts.RunDir); err != nil {
			log.WithError(err).Warn("failed to touch flushed flag")
		}
	}
	d.runtime = nil
}

// rotateAndVacuumAll implements the SIGUSR2 handler.
func (d *Dispatcher) rotateAndVacuumAll() {
	if d.system != nil {
		if res, err := d.system.Rotate(); err != nil {
			log.WithError(err).Warn("rotate(system) failed")
		} else {
			d.system = res.Next
		}
	}
	if d.runtime != nil {
		if res, err := d.runtime.Rotate(); err != nil {
			log.WithError(err).Warn("rotate(runtime) failed")
		} else {
			d.runtime = res.Next
		}
	}
	d.shards.Range(func(uid uint32, f *journal.File) {
		if res, err := f.Rotate(); err != nil {
			log.WithError(err).WithField("uid", uid).Warn("rotate(shard) failed")
		} else {
			d.shards.Replace(uid, res.Next)
		}
	})

	if d.opts.SystemDir != "" {
		if _, err := journal.Vacuum(d.opts.SystemDir, journal.VacuumLimits{
			UsageLimit: d.opts.Config.SystemMaxUse, NMaxFiles: d.opts.Config.SystemMaxFiles,
			MaxRetention: d.opts.Config.MaxRetention, Now: d.opts.Now,
		}); err != nil {
			log.WithError(err).Warn("vacuum(system) failed")
		}
	}
}

// syncAll implements the SIGRTMIN+1 handler: sync everything and
// touch a mtime-refreshed flag file (spec.md §4.3).
func (d *Dispatcher) syncAll() {
	if d.system != nil {
		if err := d.system.Sync(); err != nil {
			log.WithError(err).Warn("sync(system) failed")
		}
	}
	if d.runtime != nil {
		if err := d.runtime.Sync(); err != nil {
			log.WithError(err).Warn("sync(runtime) failed")
		}
	}
	d.shards.Range(func(uid uint32, f *journal.File) {
		if err := f.Sync(); err != nil {
			log.WithError(err).WithField("uid", uid).Warn("sync(shard) failed")
		}
	})
	if d.opts.RunDir != "" {
		if err := touchFile(d.opts.RunDir+"/synced", time.Now()); err != nil {
			log.WithError(err).Warn("failed to touch synced flag")
		}
	}
}
