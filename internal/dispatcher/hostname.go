//go:build linux

package dispatcher

import (
	"os"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/sysdlog/journald-core/internal/logging"
)

// hostnameWatcher delivers the current hostname to Changes whenever it
// changes (SPEC_FULL.md's recovered "hostname-change watch" feature).
// It prefers a dbus signal subscription to org.freedesktop.hostname1's
// PropertiesChanged, falling back to re-reading /etc/hostname every
// 5 seconds and comparing its contents when the system bus is
// unavailable — the same degrade-gracefully
// shape moby's dbus-adjacent networking code uses in containers
// without a bus.
type hostnameWatcher struct {
	Changes chan string

	conn   *dbus.Conn
	stopCh chan struct{}
}

func newHostnameWatcher() *hostnameWatcher {
	w := &hostnameWatcher{Changes: make(chan string, 1), stopCh: make(chan struct{})}

	conn, err := dbus.SystemBus()
	if err != nil {
		log.WithError(err).Info("system bus unavailable, polling /etc/hostname for changes")
		go w.pollLoop()
		return w
	}
	w.conn = conn

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath("/org/freedesktop/hostname1"),
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		log.WithError(err).Info("failed to subscribe to hostname1 signals, polling instead")
		go w.pollLoop()
		return w
	}

	sigCh := make(chan *dbus.Signal, 4)
	conn.Signal(sigCh)
	go w.dbusLoop(sigCh)
	return w
}

func (w *hostnameWatcher) dbusLoop(sigCh chan *dbus.Signal) {
	for {
		select {
		case <-w.stopCh:
			return
		case <-sigCh:
			if name, err := os.Hostname(); err == nil {
				select {
				case w.Changes <- name:
				default:
				}
			}
		}
	}
}

func (w *hostnameWatcher) pollLoop() {
	last := readEtcHostname()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			cur := readEtcHostname()
			if cur != "" && cur != last {
				last = cur
				select {
				case w.Changes <- cur:
				default:
				}
			}
		}
	}
}

func readEtcHostname() string {
	data, err := os.ReadFile("/etc/hostname")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (w *hostnameWatcher) Close() {
	close(w.stopCh)
	if w.conn != nil {
		w.conn.Close()
	}
}
