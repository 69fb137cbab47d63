package debug

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func TestDebug(t *testing.T) {
	mem, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	Write("test", "hello, world")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reader, err := NewReader(bytes.NewReader(mem.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	var seen []string
	if err := reader.Each(func(rec Record) error {
		seen = append(seen, rec.Source)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(seen) != 1 {
		t.Fatalf("expected 1 source, got %d", len(seen))
	}
	if seen[0] != "test" {
		t.Fatalf("expected source to be 'test', got %s", seen[0])
	}
}

func TestDebugTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	if err := OpenFile(path); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	Writef("cchip", "write reg=%d", 8)
	WriteBytes("raw", []byte{1, 2, 3})
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReaderFromFile(path)
	if err != nil {
		t.Fatalf("NewReaderFromFile: %v", err)
	}

	if got := r.Sources(); len(got) != 2 || got[0] != "cchip" || got[1] != "raw" {
		t.Fatalf("Sources = %v", got)
	}

	var msgs []string
	if err := r.EachSource("cchip", func(rec Record) error {
		if rec.Kind != DebugKindString {
			t.Fatalf("unexpected kind %d", rec.Kind)
		}
		msgs = append(msgs, string(rec.Data))
		return nil
	}); err != nil {
		t.Fatalf("EachSource: %v", err)
	}
	if len(msgs) != 1 || msgs[0] != "write reg=8" {
		t.Fatalf("messages = %v", msgs)
	}
}

func TestDebugMessageOrdering(t *testing.T) {
	mem, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}

	const writers = 8
	const perWriter = 100

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			d := WithSource(fmt.Sprintf("w%d", w))
			for i := 0; i < perWriter; i++ {
				d.Writef("%d", i)
			}
		}(w)
	}
	wg.Wait()
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(bytes.NewReader(mem.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if got := r.Count(); got != writers*perWriter {
		t.Fatalf("Count = %d, want %d", got, writers*perWriter)
	}
	if got := r.Count("w0", "w1"); got != 2*perWriter {
		t.Fatalf("Count(w0, w1) = %d, want %d", got, 2*perWriter)
	}

	for w := 0; w < writers; w++ {
		next := 0
		if err := r.EachSource(fmt.Sprintf("w%d", w), func(rec Record) error {
			if string(rec.Data) != fmt.Sprint(next) {
				return fmt.Errorf("w%d: got %q, want %d", w, rec.Data, next)
			}
			next++
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	var last uint64
	if err := r.Each(func(rec Record) error {
		if rec.Seq < last {
			return fmt.Errorf("sequence went backwards: %d after %d", rec.Seq, last)
		}
		last = rec.Seq
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestDebugDisabledIsNoop(t *testing.T) {
	if Enabled() {
		t.Fatalf("trace unexpectedly open")
	}
	Writef("nobody", "dropped %d", 1)
}

func TestReaderRejectsGarbage(t *testing.T) {
	if _, err := NewReader(bytes.NewReader(make([]byte, 16))); err == nil {
		t.Fatalf("expected zero header to be rejected")
	}
}
