//go:build linux

package dispatcher

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sysdlog/journald-core/internal/record"
)

// kernelSeqState hands out a synthetic seqnum to every kernel-ring
// line and persists the next one to a small state file, so numbering
// continues across restarts.
type kernelSeqState struct {
	mu   sync.Mutex
	path string
	next uint64
}

func openKernelSeqState(path string) (*kernelSeqState, error) {
	s := &kernelSeqState{path: path, next: 1}
	if data, err := os.ReadFile(path); err == nil && len(data) >= 8 {
		s.next = binary.LittleEndian.Uint64(data[:8])
	}
	return s, nil
}

// nextSeqnum returns the next synthetic seqnum, persisting the advance
// immediately so a crash between allocation and journal append never
// reissues a seqnum already handed out.
func (s *kernelSeqState) nextSeqnum() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	s.next++
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:8], s.next)
	if err := os.WriteFile(s.path, buf[:], 0o644); err != nil {
		return 0, fmt.Errorf("dispatcher: persist kernel seqnum: %w", err)
	}
	return n, nil
}

// parseKmsgLine decodes one /dev/kmsg-style line:
// "<facility*8+priority>,seq,timestamp,flags;message".
func parseKmsgLine(line string) (priority, facility int, message string, ok bool) {
	semi := strings.IndexByte(line, ';')
	if semi < 0 {
		return 0, 0, "", false
	}
	header := line[:semi]
	message = line[semi+1:]

	fields := strings.SplitN(header, ",", 2)
	if len(fields) < 1 {
		return 0, 0, "", false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, "", false
	}
	return n % 8, n / 8, message, true
}

// kernelRingReader scans kmsg-formatted lines from r, assigning each a
// persisted synthetic seqnum and rendering it into record.Field pairs.
type kernelRingReader struct {
	scanner *bufio.Scanner
	seq     *kernelSeqState
}

func newKernelRingReader(r *os.File, seqStatePath string) (*kernelRingReader, error) {
	seq, err := openKernelSeqState(seqStatePath)
	if err != nil {
		return nil, err
	}
	return &kernelRingReader{scanner: bufio.NewScanner(r), seq: seq}, nil
}

// Next blocks for the next kmsg line and returns its fields plus
// priority, or ok=false at EOF.
func (k *kernelRingReader) Next() (fields []record.Field, priority int, ok bool, err error) {
	if !k.scanner.Scan() {
		return nil, 0, false, k.scanner.Err()
	}
	priority, _, message, parsed := parseKmsgLine(k.scanner.Text())
	if !parsed {
		return nil, 0, true, nil
	}
	seqnum, err := k.seq.nextSeqnum()
	if err != nil {
		return nil, 0, true, err
	}
	fields = []record.Field{
		{Name: record.FieldMessage, Value: []byte(message)},
		{Name: "_KERNEL_SEQNUM", Value: []byte(strconv.FormatUint(seqnum, 10))},
		{Name: record.FieldSyslogIdentifier, Value: []byte("kernel")},
	}
	return fields, priority, true, nil
}
