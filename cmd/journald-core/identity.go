//go:build linux

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// readMachineID reads /etc/machine-id, the conventional location
// spec.md's persisted-state paths key every journal directory on
// ("/var/log/journal/<machine-id>/..."). A host without one yet (a
// fresh container, typically) gets one minted and persisted so
// restarts see the same identity.
func readMachineID() (uuid.UUID, error) {
	const path = "/etc/machine-id"
	if data, err := os.ReadFile(path); err == nil {
		if id, perr := parseMachineID(string(data)); perr == nil {
			return id, nil
		}
	}
	id := uuid.New()
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o444); err != nil {
		return uuid.UUID{}, fmt.Errorf("journald-core: mint machine id: %w", err)
	}
	return id, nil
}

func parseMachineID(raw string) (uuid.UUID, error) {
	s := strings.TrimSpace(raw)
	if len(s) == 32 {
		s = s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]
	}
	return uuid.Parse(s)
}

// readBootID reads /proc/sys/kernel/random/boot_id, the kernel's own
// per-boot identity; falling back to a freshly minted one off Linux or
// in a restricted sandbox.
func readBootID() uuid.UUID {
	data, err := os.ReadFile("/proc/sys/kernel/random/boot_id")
	if err == nil {
		if id, perr := uuid.Parse(strings.TrimSpace(string(data))); perr == nil {
			return id
		}
	}
	return uuid.New()
}
