//go:build linux

package dispatcher

import (
	"bufio"
	"net"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"golang.org/x/sys/unix"

	"github.com/sysdlog/journald-core/internal/record"
)

// StartInputs opens every configured input channel and starts the
// goroutines that feed d.inbox (spec.md §4.3, §4.7). It is separate
// from New so tests can construct a Dispatcher and drive Run/process
// directly without touching real sockets. Socket file descriptors
// inherited from a supervisor (coreos/go-systemd's activation
// package) are used in place of fresh ones when their local address
// matches a configured socket path. Inherited descriptors that match
// no configured path, such as already-connected stream clients, are
// left unused, so such streams are not resumed after a restart.
func (d *Dispatcher) StartInputs() error {
	inherited := activation.Files(true)

	if d.opts.NativeSocketPath != "" {
		conn, err := openOrInheritPacket(d.opts.NativeSocketPath, inherited)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, conn.Close)
		go d.readNativeDatagrams(conn)
	}

	if d.opts.LegacySocketPath != "" {
		conn, err := openOrInheritPacket(d.opts.LegacySocketPath, inherited)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, conn.Close)
		go d.readLegacyDatagrams(conn)
	}

	if d.opts.StreamSocketPath != "" {
		ln, err := openOrInheritStream(d.opts.StreamSocketPath, inherited)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, ln.Close)
		go d.acceptStreamClients(ln)
	}

	if d.opts.KernelDevPath != "" {
		f, err := os.Open(d.opts.KernelDevPath)
		if err != nil {
			log.WithError(err).WithField("path", d.opts.KernelDevPath).Warn("failed to open kernel ring, continuing without it")
		} else {
			d.closers = append(d.closers, f.Close)
			reader, err := newKernelRingReader(f, d.opts.KernelSeqStatePath)
			if err != nil {
				log.WithError(err).Warn("failed to open kernel seqnum state, continuing without kernel ring")
			} else {
				go d.readKernelRing(reader)
			}
		}
	}

	if d.opts.EnableAudit {
		reader, err := newAuditReader()
		if err != nil {
			log.WithError(err).Warn("failed to open audit netlink socket, continuing without it")
		} else {
			d.closers = append(d.closers, reader.Close)
			go d.readAudit(reader)
		}
	}

	return nil
}

// openOrInheritPacket returns a supervisor-inherited unixgram
// connection bound to path, or opens a fresh one.
func openOrInheritPacket(path string, inherited []*os.File) (*net.UnixConn, error) {
	for _, f := range inherited {
		if conn, err := net.FileConn(f); err == nil {
			if uc, ok := conn.(*net.UnixConn); ok && matchesLocalAddr(uc, path) {
				return uc, nil
			}
			conn.Close()
		}
	}
	os.Remove(path)
	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, err
	}
	os.Chmod(path, 0o666)
	return conn, nil
}

func openOrInheritStream(path string, inherited []*os.File) (*net.UnixListener, error) {
	for _, f := range inherited {
		if ln, err := net.FileListener(f); err == nil {
			if ul, ok := ln.(*net.UnixListener); ok && matchesLocalAddr(ul, path) {
				return ul, nil
			}
			ln.Close()
		}
	}
	os.Remove(path)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	os.Chmod(path, 0o666)
	return ln, nil
}

func matchesLocalAddr(conn interface{ LocalAddr() net.Addr }, path string) bool {
	a, ok := conn.LocalAddr().(*net.UnixAddr)
	return ok && a.Name == path
}

// readNativeDatagrams feeds the native protocol input channel
// (spec.md §4.3). Credentials come from SO_PASSCRED/SCM_CREDENTIALS
// ancillary data, matching how any unix-domain datagram server on
// Linux recovers a peer's pid/uid/gid since unixgram has no Getsockopt
// SO_PEERCRED equivalent.
func (d *Dispatcher) readNativeDatagrams(conn *net.UnixConn) {
	enablePasscred(conn)
	buf := make([]byte, 256*1024)
	oob := make([]byte, 256)
	for {
		n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
		if err != nil {
			if isClosed(err) {
				return
			}
			continue
		}
		pid, uid, gid := parseUcred(oob[:oobn])
		fields, err := parseNative(buf[:n])
		if err != nil {
			log.WithError(err).Debug("dropping malformed native datagram")
			continue
		}
		d.send(ingested{fields: fields, priority: fieldPriority(fields), transport: record.TransportNative, pid: pid, uid: uid, gid: gid})
	}
}

// readLegacyDatagrams feeds the syslog-compatible /dev/log input
// channel (spec.md §4.3).
func (d *Dispatcher) readLegacyDatagrams(conn *net.UnixConn) {
	enablePasscred(conn)
	buf := make([]byte, 64*1024)
	oob := make([]byte, 256)
	for {
		n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
		if err != nil {
			if isClosed(err) {
				return
			}
			continue
		}
		pid, uid, gid := parseUcred(oob[:oobn])
		parsed := parseSyslogLine(string(buf[:n]))
		if parsed.PID != 0 {
			pid = parsed.PID
		}
		d.send(ingested{fields: parsed.Fields(), priority: parsed.Priority, facility: parsed.Facility, transport: record.TransportSyslog, pid: pid, uid: uid, gid: gid})
	}
}

// acceptStreamClients feeds the stdout/stream input channel (spec.md
// §4.3): one goroutine per accepted connection, torn down on EOF or
// connection error.
func (d *Dispatcher) acceptStreamClients(ln *net.UnixListener) {
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if isClosed(err) {
				return
			}
			continue
		}
		go d.serveStreamClient(conn)
	}
}

func (d *Dispatcher) serveStreamClient(conn *net.UnixConn) {
	defer conn.Close()

	pid, uid, gid := peerCred(conn)

	r := bufio.NewReader(conn)
	identifier, priority, levelPrefix, err := readPreamble(r)
	if err != nil {
		return
	}
	client := &streamClient{conn: conn, identifier: identifier, priority: priority, levelPfx: levelPrefix, pid: pid, uid: uid, gid: gid}

	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			line = trimNewline(line)
			fields, prio := client.fieldsFor(line)
			d.send(ingested{fields: fields, priority: prio, transport: record.TransportStdout, pid: pid, uid: uid, gid: gid})
		}
		if err != nil {
			return
		}
	}
}

// readKernelRing feeds the kernel ring input channel (spec.md §4.3).
func (d *Dispatcher) readKernelRing(r *kernelRingReader) {
	for {
		fields, priority, ok, err := r.Next()
		if err != nil {
			log.WithError(err).Warn("kernel ring read error")
		}
		if !ok {
			return
		}
		if fields == nil {
			continue
		}
		d.send(ingested{fields: fields, priority: priority, transport: record.TransportKernel})
	}
}

// readAudit feeds the audit input channel (spec.md §4.3).
func (d *Dispatcher) readAudit(r *auditReader) {
	for {
		batch, err := r.Next()
		if err != nil {
			if isClosed(err) {
				return
			}
			log.WithError(err).Warn("audit read error")
			continue
		}
		for _, fields := range batch {
			d.send(ingested{fields: fields, priority: 5, transport: record.TransportAudit})
		}
	}
}

// send hands a normalized record to the single consumer loop. It
// never blocks indefinitely past a short grace period: a full inbox
// means the dispatcher itself is overloaded, and spec.md has no
// channel-level backpressure contract beyond the kernel socket buffers
// upstream of this point, so a slow consumer drops rather than stalls
// every reader goroutine.
func (d *Dispatcher) send(msg ingested) {
	select {
	case d.inbox <- msg:
	case <-time.After(time.Second):
		log.Warn("inbox full, dropping record")
	}
}

func fieldPriority(fields []record.Field) int {
	for _, f := range fields {
		if f.Name == record.FieldPriority {
			if n := parseSmallUint(f.Value); n >= 0 {
				return n
			}
		}
	}
	return 6
}

func parseSmallUint(b []byte) int {
	if len(b) == 0 || len(b) > 1 {
		return -1
	}
	if b[0] < '0' || b[0] > '7' {
		return -1
	}
	return int(b[0] - '0')
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func isClosed(err error) bool {
	return err == net.ErrClosed
}

func enablePasscred(conn *net.UnixConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	})
}

// parseUcred extracts pid/uid/gid from SCM_CREDENTIALS ancillary data.
func parseUcred(oob []byte) (pid, uid, gid int) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, 0, 0
	}
	for _, m := range msgs {
		if cred, err := unix.ParseUnixCredentials(&m); err == nil {
			return int(cred.Pid), int(cred.Uid), int(cred.Gid)
		}
	}
	return 0, 0, 0
}

// peerCred reads SO_PEERCRED for a connected SOCK_STREAM socket.
func peerCred(conn *net.UnixConn) (pid, uid, gid int) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, 0
	}
	var cred *unix.Ucred
	raw.Control(func(fd uintptr) {
		cred, err = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || cred == nil {
		return 0, 0, 0
	}
	return int(cred.Pid), int(cred.Uid), int(cred.Gid)
}
