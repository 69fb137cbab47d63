package intrctrl

import (
	"fmt"
	"sync"
)

// Op is the kind of a recorded controller call.
type Op uint8

const (
	OpPost Op = iota
	OpClear
)

func (o Op) String() string {
	if o == OpPost {
		return "post"
	}
	return "clear"
}

// Call is one recorded Post or Clear.
type Call struct {
	Op    Op
	CPU   int
	Level Level
	Index int
}

func (c Call) String() string {
	return fmt.Sprintf("%s(cpu=%d, %s, %d)", c.Op, c.CPU, c.Level, c.Index)
}

// Recorder forwards calls to an inner Controller and keeps a log of them.
type Recorder struct {
	mu    sync.Mutex
	inner Controller
	calls []Call
}

// NewRecorder wraps inner. A nil inner drops requests after recording them.
func NewRecorder(inner Controller) *Recorder {
	if inner == nil {
		inner = Detached()
	}
	return &Recorder{inner: inner}
}

// Post implements Controller.
func (r *Recorder) Post(cpu int, level Level, index int) {
	r.record(Call{Op: OpPost, CPU: cpu, Level: level, Index: index})
	r.inner.Post(cpu, level, index)
}

// Clear implements Controller.
func (r *Recorder) Clear(cpu int, level Level, index int) {
	r.record(Call{Op: OpClear, CPU: cpu, Level: level, Index: index})
	r.inner.Clear(cpu, level, index)
}

func (r *Recorder) record(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Drain returns the recorded calls and forgets them.
func (r *Recorder) Drain() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := r.calls
	r.calls = nil
	return calls
}

var _ Controller = (*Recorder)(nil)
