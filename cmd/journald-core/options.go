//go:build linux

package main

import (
	"os"

	"github.com/spf13/pflag"

	"github.com/sysdlog/journald-core/internal/config"
)

// daemonOptions mirrors cmd/dockerd's split between "flags the user
// can override on the command line" and "the config struct those
// flags ultimately populate" (cmd/dockerd/options.go's newDaemonOptions/
// installFlags pair).
type daemonOptions struct {
	ConfigFile string
	SystemDir  string
	RuntimeDir string
	RunDir     string

	NativeSocketPath string
	LegacySocketPath string
	StreamSocketPath string
	KernelDevPath    string
	EnableAudit      bool

	Config config.Config
}

func newDaemonOptions() *daemonOptions {
	return &daemonOptions{
		ConfigFile: "/etc/journald-core.conf",
		SystemDir:  "/var/log/journal",
		RuntimeDir: "/run/log/journal",
		RunDir:     "/run/journald-core",

		NativeSocketPath: "/run/journald-core/socket",
		LegacySocketPath: "/run/journald-core/dev-log",
		StreamSocketPath: "/run/journald-core/stdout",
		KernelDevPath:    "/dev/kmsg",
		EnableAudit:      os.Geteuid() == 0,

		Config: config.Default(),
	}
}

// installFlags binds the subset of configuration a caller may
// reasonably want to override without editing the config file,
// the same narrow set cmd/dockerd exposes as flags over its own
// config-file-primary model.
func (o *daemonOptions) installFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.ConfigFile, "config-file", o.ConfigFile, "path to the journald-core configuration file")
	flags.StringVar(&o.SystemDir, "system-dir", o.SystemDir, "base directory for persistent journal storage")
	flags.StringVar(&o.RuntimeDir, "runtime-dir", o.RuntimeDir, "base directory for volatile journal storage")
	flags.StringVar(&o.RunDir, "run-dir", o.RunDir, "directory holding flushed/rotated/synced flag files")
	flags.StringVar(&o.NativeSocketPath, "native-socket", o.NativeSocketPath, "path of the native SOCK_DGRAM socket")
	flags.StringVar(&o.LegacySocketPath, "syslog-socket", o.LegacySocketPath, "path of the legacy syslog SOCK_DGRAM socket")
	flags.StringVar(&o.StreamSocketPath, "stream-socket", o.StreamSocketPath, "path of the per-process SOCK_STREAM socket")
	flags.StringVar(&o.KernelDevPath, "kernel-device", o.KernelDevPath, "kmsg-formatted kernel ring device")
	flags.BoolVar(&o.EnableAudit, "audit", o.EnableAudit, "subscribe to the audit netlink multicast group")
}
