// Package service implements the operations a caller performs against the
// bus: discover, scan, export, datapoint reads and writes, blink, output
// control, raw and custom exchanges, and action-table transfers. Every
// service composes the same protocol engine through its signals and drives
// a small state machine from Idle through Running to Done, delivering a
// typed result through OnFinish exactly once per run.
package service

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/signal"
)

// Status tags the outcome of one operation run.
type Status string

const (
	StatusOK               Status = "OK"
	StatusPartialTimeout   Status = "PARTIAL_TIMEOUT"
	StatusFailedTimeout    Status = "FAILED_TIMEOUT"
	StatusFailedNoDevices  Status = "FAILED_NO_DEVICES"
	StatusFailedWrite      Status = "FAILED_WRITE"
	StatusFailedConnection Status = "FAILED_CONNECTION"
	StatusFailed           Status = "FAILED"
)

// State is the observable lifecycle of a service scope.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Result is the spine every operation response shares. Concrete results
// embed it and add their decoded payload.
type Result struct {
	ID         string    `json:"id"`
	Operation  string    `json:"operation"`
	Status     Status    `json:"status"`
	Success    bool      `json:"success"`
	Partial    bool      `json:"partial,omitempty"`
	Error      string    `json:"error,omitempty"`
	Sent       []string  `json:"sent_telegrams"`
	Received   []string  `json:"received_telegrams"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// runner carries the run-scope mechanics shared by every operation
// service: handler attachment with guaranteed detach, single-shot result
// sealing, and reactor delegation. All of it runs on the protocol loop
// goroutine except State(), which is safe anywhere.
type runner struct {
	proto *conbus.Conn
	log   *log.Logger

	base        *Result
	state       State
	finished    bool
	disconnects []func()
}

func newRunner(proto *conbus.Conn, logger *log.Logger, name string) runner {
	if logger == nil {
		logger = log.Default()
	}
	return runner{proto: proto, log: logger.WithPrefix(name)}
}

// SetTimeout adjusts the protocol's rolling inactivity timeout for this
// operation.
func (r *runner) SetTimeout(d time.Duration) { r.proto.SetTimeout(d) }

// Stop aborts the run; the result seals with StatusFailed.
func (r *runner) Stop() { r.proto.Stop() }

// State reports the scope lifecycle.
func (r *runner) State() State {
	if r.base == nil {
		return StateIdle
	}
	if r.finished {
		return StateDone
	}
	return r.state
}

// begin opens a fresh scope around base.
func (r *runner) begin(op string, base *Result) {
	base.ID = uuid.New().String()
	base.Operation = op
	base.StartedAt = time.Now()
	base.Sent = []string{}
	base.Received = []string{}
	r.base = base
	r.finished = false
	r.state = StateRunning
}

// seal records the outcome once; the first caller wins and stops the
// protocol loop. Returns whether this call did the sealing.
func (r *runner) seal(st Status, errMsg string) bool {
	if r.finished {
		return false
	}
	r.finished = true
	r.base.Status = st
	r.base.Success = st == StatusOK
	r.base.Partial = st == StatusPartialTimeout
	r.base.Error = errMsg
	r.base.DurationMS = time.Since(r.base.StartedAt).Milliseconds()
	r.state = StateDone
	r.log.Debug("operation finished", "status", st, "duration_ms", r.base.DurationMS)
	r.proto.Stop()
	return true
}

// teardown detaches every handler this scope installed. Idempotent.
func (r *runner) teardown() {
	for _, off := range r.disconnects {
		off()
	}
	r.disconnects = nil
}

// hook attaches fn to sig for the current scope and registers the detach.
func hook[T any](r *runner, sig *signal.Signal[T], fn func(T)) {
	h := sig.Connect(fn)
	r.disconnects = append(r.disconnects, func() { sig.Disconnect(h) })
}

// wireBase installs the handlers every operation needs: frame bookkeeping
// on the shared result, timeout routing, and connection failures sealed
// through finish.
func (r *runner) wireBase(onReceived func(conbus.ReceivedEvent), onTimeout func(), finish func(Status, string)) {
	hook(r, &r.proto.TelegramSent, func(ev conbus.SentEvent) {
		r.base.Sent = append(r.base.Sent, ev.Frame)
	})
	hook(r, &r.proto.TelegramReceived, func(ev conbus.ReceivedEvent) {
		if r.finished {
			return
		}
		r.base.Received = append(r.base.Received, ev.Frame())
		if onReceived != nil {
			onReceived(ev)
		}
	})
	hook(r, &r.proto.Timeout, func(conbus.TimeoutEvent) {
		if !r.finished {
			onTimeout()
		}
	})
	hook(r, &r.proto.ConnectionFailed, func(ev conbus.FailureEvent) {
		finish(StatusFailedConnection, ev.Message())
	})
	hook(r, &r.proto.ConnectionLost, func(ev conbus.FailureEvent) {
		finish(StatusFailedConnection, ev.Message())
	})
}

// run drives the scope to completion: connect, pump the loop until it
// stops, then make sure the result is sealed even on paths no handler
// covered.
func (r *runner) run(finish func(Status, string)) {
	r.proto.Connect()
	_ = r.proto.Run()
	finish(StatusFailed, "stopped before completion")
}
