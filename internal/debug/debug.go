// Package debug is a thread-safe binary trace log for device models.
//
// Each record is a 16 byte header followed by the source name and the
// payload:
//   - 2 bytes kind (0 = invalid, 1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes sequence number (0 for the first record after Open)
//
// Records are placed by atomically reserving space at the current end of the
// log, so concurrent writers never interleave inside a record. Records are
// ordered by sequence number, not wall-clock time.
package debug

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
)

const headerSize = 16

type DebugKind uint16

const (
	DebugKindInvalid DebugKind = iota
	DebugKindBytes
	DebugKindString
)

type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

var (
	fh       atomic.Pointer[writer]
	offset   atomic.Uint64
	sequence atomic.Uint64
)

func OpenFile(filename string) error {
	// Truncate to ensure successive runs don't leave stale trailing entries.
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return Open(f)
}

// The error is a warning, not an error. It indicates possible data loss.
func Open(w Writer) error {
	offset.Store(0)
	sequence.Store(0)
	if fh.Swap(&writer{w: w}) != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

// MemoryLog is an in-memory trace target.
type MemoryLog struct {
	mu   sync.Mutex
	data []byte
}

func (m *MemoryLog) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := int(off) + len(p); end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *MemoryLog) Close() error { return nil }

// Bytes returns a copy of everything written so far.
func (m *MemoryLog) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// OpenMemory starts tracing into a fresh MemoryLog.
func OpenMemory() (*MemoryLog, error) {
	mem := &MemoryLog{}
	if err := Open(mem); err != nil {
		return mem, err
	}
	return mem, nil
}

func Close() error {
	fh := fh.Swap(nil)
	if fh != nil {
		if err := fh.w.Close(); err != nil {
			return err
		}
	}
	offset.Store(0)
	return nil
}

// Enabled reports whether a trace target is open. Callers use it to skip
// formatting work when nobody is listening.
func Enabled() bool {
	return fh.Load() != nil
}

func encodeHeader(kind DebugKind, source string, data []byte, seq uint64) []byte {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], seq)
	return header
}

func decodeHeader(header [headerSize]byte) (kind DebugKind, sourceLength uint16, dataLength uint32, seq uint64) {
	kind = DebugKind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	dataLength = binary.LittleEndian.Uint32(header[4:8])
	seq = binary.LittleEndian.Uint64(header[8:16])
	return
}

func writeBytes(kind DebugKind, source string, data []byte) {
	fh := fh.Load()
	if fh == nil {
		return
	}

	size := uint64(headerSize + len(source) + len(data))
	off := offset.Add(size) - size
	seq := sequence.Add(1) - 1

	record := make([]byte, 0, size)
	record = append(record, encodeHeader(kind, source, data, seq)...)
	record = append(record, source...)
	record = append(record, data...)
	if _, err := fh.w.WriteAt(record, int64(off)); err != nil {
		panic(err)
	}
}

func WriteBytes(source string, data []byte) {
	writeBytes(DebugKindBytes, source, data)
}

func Write(source string, data string) {
	writeBytes(DebugKindString, source, []byte(data))
}

func Writef(source string, format string, args ...any) {
	if !Enabled() {
		return
	}
	writeBytes(DebugKindString, source, fmt.Appendf(nil, format, args...))
}

type Debug interface {
	WriteBytes(data []byte)
	Write(data string)
	Writef(format string, args ...any)
}

type debugImpl struct {
	source string
}

func (d *debugImpl) WriteBytes(data []byte) {
	writeBytes(DebugKindBytes, d.source, data)
}

func (d *debugImpl) Write(data string) {
	writeBytes(DebugKindString, d.source, []byte(data))
}

func (d *debugImpl) Writef(format string, args ...any) {
	Writef(d.source, format, args...)
}

func WithSource(source string) Debug {
	return &debugImpl{source: source}
}

// Record is one decoded trace entry.
type Record struct {
	Seq    uint64
	Kind   DebugKind
	Source string
	Data   []byte
}

type Reader interface {
	// Return a list of all sources in the order they first appear.
	Sources() []string

	// Iterate over all entries in sequence order.
	Each(fn func(rec Record) error) error

	// Iterate over all entries for a given source in sequence order.
	EachSource(source string, fn func(rec Record) error) error

	// Return the number of entries for the given sources, or all entries when
	// no source is given.
	Count(sources ...string) int
}

type reader struct {
	records []Record
	sources []string
}

func (r *reader) load(in io.Reader) error {
	br := bufio.NewReader(in)
	seen := make(map[string]bool)

	for {
		var headerBytes [headerSize]byte
		if _, err := io.ReadFull(br, headerBytes[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read header: %w", err)
		}
		kind, sourceLength, dataLength, seq := decodeHeader(headerBytes)
		if kind == DebugKindInvalid {
			return fmt.Errorf("invalid header at record %d", len(r.records))
		}

		body := make([]byte, int(sourceLength)+int(dataLength))
		if _, err := io.ReadFull(br, body); err != nil {
			return fmt.Errorf("failed to read record body: %w", err)
		}
		source := string(body[:sourceLength])
		if !seen[source] {
			seen[source] = true
			r.sources = append(r.sources, source)
		}

		r.records = append(r.records, Record{
			Seq:    seq,
			Kind:   kind,
			Source: source,
			Data:   body[sourceLength:],
		})
	}

	sort.SliceStable(r.records, func(i, j int) bool {
		return r.records[i].Seq < r.records[j].Seq
	})
	return nil
}

func (r *reader) Sources() []string {
	return append([]string(nil), r.sources...)
}

// Each implements Reader.
func (r *reader) Each(fn func(rec Record) error) error {
	for _, rec := range r.records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// EachSource implements Reader.
func (r *reader) EachSource(source string, fn func(rec Record) error) error {
	return r.Each(func(rec Record) error {
		if rec.Source != source {
			return nil
		}
		return fn(rec)
	})
}

// Count implements Reader.
func (r *reader) Count(sources ...string) int {
	if len(sources) == 0 {
		return len(r.records)
	}
	count := 0
	for _, rec := range r.records {
		for _, s := range sources {
			if rec.Source == s {
				count++
				break
			}
		}
	}
	return count
}

func NewReader(r io.Reader) (Reader, error) {
	ret := &reader{}
	if err := ret.load(r); err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	return ret, nil
}

func NewReaderFromFile(filename string) (Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return NewReader(f)
}
