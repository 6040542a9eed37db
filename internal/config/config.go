// Package config implements the `.conf`-style configuration file and
// its defaults/clamping rules (spec.md §6). The file grammar is a
// small systemd-unit-like `Key=Value` scanner: one assignment per
// line, `#`/`;` comment lines, blank lines ignored. No pack library
// parses this exact grammar (see DESIGN.md), so the scanner itself is
// hand-rolled; size and duration values are parsed with
// `github.com/docker/go-units`.
package config

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"

	"github.com/sysdlog/journald-core/internal/logging"
	"github.com/sysdlog/journald-core/internal/storagepolicy"
)

var log = logging.For("config")

// lineMaxMin/Max bound LineMax per spec.md §6 ("minimum 79, maximum
// SSIZE_MAX-1"). SSIZE_MAX on a 64-bit Go runtime is effectively
// unbounded for config purposes; math.MaxInt32-1 is the practical
// ceiling this implementation enforces (spec.md §9 Open Question,
// decided in DESIGN.md).
const (
	lineMaxMin = 79
	lineMaxMax = math.MaxInt32 - 1

	defaultLineMax           = 48 * 1024
	defaultCompressThreshold = 512
	defaultRateLimitInterval = 30 * time.Second
	defaultRateLimitBurst    = 10000
	defaultSyncInterval      = 5 * time.Minute
)

// Compress represents the `Compress ∈ {bool | size}` config value
// (spec.md §6, §8 "Compress=0 disables, Compress=1 enables with
// default threshold, Compress=<size> enables with that threshold").
type Compress struct {
	Enabled   bool
	Threshold uint64
}

// Config is the fully resolved, defaulted, and clamped configuration.
type Config struct {
	Storage   storagepolicy.Mode
	Compress  Compress
	Seal      bool
	SplitMode string // "none" | "uid" | "login"

	RateLimitInterval time.Duration
	RateLimitBurst    uint64

	SystemMaxUse      uint64
	SystemKeepFree    uint64
	SystemMaxFileSize uint64
	SystemMaxFiles    int

	RuntimeMaxUse      uint64
	RuntimeKeepFree    uint64
	RuntimeMaxFileSize uint64
	RuntimeMaxFiles    int

	MaxRetention time.Duration
	MaxFileAge   time.Duration
	SyncInterval time.Duration

	LineMax int

	MaxLevelStore   int
	MaxLevelSyslog  int
	MaxLevelKMsg    int
	MaxLevelConsole int
	MaxLevelWall    int

	ForwardToSyslog  bool
	ForwardToKMsg    bool
	ForwardToConsole bool
	ForwardToWall    bool
}

// Default returns the built-in defaults, matching systemd-journald's
// own published defaults for every field spec.md §6 enumerates.
func Default() Config {
	return Config{
		Storage:  storagepolicy.ModeAuto,
		Compress: Compress{Enabled: true, Threshold: defaultCompressThreshold},
		Seal:     false,

		SplitMode: "uid",

		RateLimitInterval: defaultRateLimitInterval,
		RateLimitBurst:    defaultRateLimitBurst,

		SystemMaxFiles:  100,
		RuntimeMaxFiles: 100,

		SyncInterval: defaultSyncInterval,
		LineMax:      defaultLineMax,

		MaxLevelStore:   7,
		MaxLevelSyslog:  7,
		MaxLevelKMsg:    7,
		MaxLevelConsole: 7,
		MaxLevelWall:    4,

		ForwardToSyslog:  false,
		ForwardToKMsg:    false,
		ForwardToConsole: false,
		ForwardToWall:    true,
	}
}

// Load reads a `.conf` file into cfg, starting from Default() and
// overriding whichever keys are present. A syntax or range error on
// any one key is logged and the key falls back to its prior value
// (spec.md §7 Config error policy: "log a syntax warning, clamp to
// nearest valid or fall back to default, continue"); Load itself never
// fails on a malformed line.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return parse(f, Default())
}

// LoadOverlay applies kernel-command-line-style overrides on top of an
// already-loaded Config (spec.md §6 "Kernel command-line overrides...
// take precedence at startup"). kv is already split into key/value
// pairs by the caller (cmd/journald-core strips the reserved prefix).
func LoadOverlay(cfg Config, kv map[string]string) Config {
	for k, v := range kv {
		applyKey(&cfg, k, v)
	}
	return cfg
}

func parse(r io.Reader, cfg Config) (Config, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), lineMaxMax)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			log.WithField("line", lineNo).Warn("config: missing '=' in assignment, ignoring")
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		applyKey(&cfg, key, value)
	}
	if err := scanner.Err(); err != nil {
		return cfg, fmt.Errorf("config: scan: %w", err)
	}
	cfg.LineMax = clampLineMax(cfg.LineMax)
	return cfg, nil
}

func applyKey(cfg *Config, key, value string) {
	prev := *cfg
	var err error
	switch key {
	case "Storage":
		cfg.Storage, err = storagepolicy.ParseMode(value)
	case "Compress":
		cfg.Compress, err = parseCompress(value)
	case "Seal":
		cfg.Seal, err = parseBool(value)
	case "SplitMode":
		if value == "none" || value == "uid" || value == "login" {
			cfg.SplitMode = value
		} else {
			err = fmt.Errorf("unknown split mode %q", value)
		}
	case "RateLimitIntervalSec":
		cfg.RateLimitInterval, err = parseSeconds(value)
	case "RateLimitBurst":
		cfg.RateLimitBurst, err = parseUint(value)
	case "SystemMaxUse":
		cfg.SystemMaxUse, err = parseSize(value)
	case "SystemKeepFree":
		cfg.SystemKeepFree, err = parseSize(value)
	case "SystemMaxFileSize":
		cfg.SystemMaxFileSize, err = parseSize(value)
	case "SystemMaxFiles":
		cfg.SystemMaxFiles, err = parseInt(value)
	case "RuntimeMaxUse":
		cfg.RuntimeMaxUse, err = parseSize(value)
	case "RuntimeKeepFree":
		cfg.RuntimeKeepFree, err = parseSize(value)
	case "RuntimeMaxFileSize":
		cfg.RuntimeMaxFileSize, err = parseSize(value)
	case "RuntimeMaxFiles":
		cfg.RuntimeMaxFiles, err = parseInt(value)
	case "MaxRetentionSec":
		cfg.MaxRetention, err = parseSeconds(value)
	case "MaxFileSec":
		cfg.MaxFileAge, err = parseSeconds(value)
	case "SyncIntervalSec":
		cfg.SyncInterval, err = parseSeconds(value)
	case "LineMax":
		var n int
		n, err = parseInt(value)
		if err == nil {
			cfg.LineMax = clampLineMax(n)
		}
	case "MaxLevelStore":
		cfg.MaxLevelStore, err = parsePriority(value)
	case "MaxLevelSyslog":
		cfg.MaxLevelSyslog, err = parsePriority(value)
	case "MaxLevelKMsg":
		cfg.MaxLevelKMsg, err = parsePriority(value)
	case "MaxLevelConsole":
		cfg.MaxLevelConsole, err = parsePriority(value)
	case "MaxLevelWall":
		cfg.MaxLevelWall, err = parsePriority(value)
	case "ForwardToSyslog":
		cfg.ForwardToSyslog, err = parseBool(value)
	case "ForwardToKMsg":
		cfg.ForwardToKMsg, err = parseBool(value)
	case "ForwardToConsole":
		cfg.ForwardToConsole, err = parseBool(value)
	case "ForwardToWall":
		cfg.ForwardToWall, err = parseBool(value)
	default:
		log.WithField("key", key).Warn("config: unknown key, ignoring")
		return
	}
	if err != nil {
		*cfg = prev
		log.WithError(err).WithField("key", key).WithField("value", value).
			Warn("config: invalid value, keeping previous setting")
	}
}

// clampLineMax enforces spec.md §6/§8's LineMax bounds.
func clampLineMax(n int) int {
	if n < lineMaxMin {
		return lineMaxMin
	}
	if n > lineMaxMax {
		return lineMaxMax
	}
	return n
}

func parseCompress(v string) (Compress, error) {
	if v == "" {
		return Compress{Enabled: true, Threshold: defaultCompressThreshold}, nil
	}
	switch v {
	case "0", "false", "no", "off":
		return Compress{Enabled: false}, nil
	case "1", "true", "yes", "on":
		return Compress{Enabled: true, Threshold: defaultCompressThreshold}, nil
	}
	size, err := units.RAMInBytes(v)
	if err != nil {
		return Compress{}, fmt.Errorf("config: bad Compress value %q: %w", v, err)
	}
	return Compress{Enabled: true, Threshold: uint64(size)}, nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("config: bad boolean %q", v)
	}
}

func parseSize(v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("config: negative size %q", v)
	}
	return uint64(n), nil
}

func parseSeconds(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	if secs < 0 {
		return 0, fmt.Errorf("config: negative duration %q", v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func parseUint(v string) (uint64, error) {
	return strconv.ParseUint(v, 10, 64)
}

func parseInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	return n, err
}

func parsePriority(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 7 {
		return 0, fmt.Errorf("config: priority %d out of range 0..7", n)
	}
	return n, nil
}
