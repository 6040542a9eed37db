//go:build linux

// Command journald-core is the standalone companion dispatcher
// process spec.md's CLI surface describes: no positional arguments,
// exits 0 on clean drain, nonzero on a fatal init error.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sysdlog/journald-core/internal/config"
	"github.com/sysdlog/journald-core/internal/dispatcher"
	"github.com/sysdlog/journald-core/internal/logging"
)

var log = logging.For("main")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.WithError(err).Error("fatal error")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := newDaemonOptions()

	cmd := &cobra.Command{
		Use:           "journald-core",
		Short:         "structured log collection and persistence core",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	opts.installFlags(cmd.Flags())
	return cmd
}

func run(opts *daemonOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	opts.Config = cfg

	machineID, err := readMachineID()
	if err != nil {
		return err
	}
	bootID := readBootID()

	systemDir := filepath.Join(opts.SystemDir, machineID.String())
	runtimeDir := filepath.Join(opts.RuntimeDir, machineID.String())
	for _, dir := range []string{systemDir, runtimeDir, opts.RunDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("journald-core: create %s: %w", dir, err)
		}
	}

	d, err := dispatcher.New(dispatcher.Options{
		Config:             opts.Config,
		SystemDir:          systemDir,
		RuntimeDir:         runtimeDir,
		RunDir:             opts.RunDir,
		MachineID:          machineID,
		BootID:             bootID,
		NativeSocketPath:   opts.NativeSocketPath,
		LegacySocketPath:   opts.LegacySocketPath,
		StreamSocketPath:   opts.StreamSocketPath,
		KernelDevPath:      opts.KernelDevPath,
		KernelSeqStatePath: filepath.Join(opts.RunDir, "kernel-seqnum"),
		EnableAudit:        opts.EnableAudit,
	})
	if err != nil {
		return fmt.Errorf("journald-core: init: %w", err)
	}

	if err := d.StartInputs(); err != nil {
		d.Close()
		return fmt.Errorf("journald-core: open inputs: %w", err)
	}

	trapForceExit()

	return d.Run(context.Background())
}

// loadConfig reads the config file (tolerating a missing default
// path the way moby tolerates a missing daemon.json) and layers
// kernel command-line overrides on top, the same precedence spec.md
// §6 describes ("same names under a reserved prefix take precedence
// at startup").
func loadConfig(opts *daemonOptions) (config.Config, error) {
	cfg := config.Default()
	if _, err := os.Stat(opts.ConfigFile); err == nil {
		loaded, err := config.Load(opts.ConfigFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("journald-core: load %s: %w", opts.ConfigFile, err)
		}
		cfg = loaded
	} else if !os.IsNotExist(err) {
		return config.Config{}, fmt.Errorf("journald-core: stat %s: %w", opts.ConfigFile, err)
	}

	overrides, err := kernelCmdlineOverrides("journald.")
	if err != nil {
		log.WithError(err).Debug("failed to read kernel command line, skipping overrides")
		return cfg, nil
	}
	return config.LoadOverlay(cfg, overrides), nil
}

// kernelCmdlineOverrides extracts "journald.Key=Value" tokens from
// /proc/cmdline into the bare "Key=Value" form config.LoadOverlay
// expects.
func kernelCmdlineOverrides(prefix string) (map[string]string, error) {
	data, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, tok := range strings.Fields(string(data)) {
		if !strings.HasPrefix(tok, prefix) {
			continue
		}
		kv := strings.TrimPrefix(tok, prefix)
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out, nil
}
