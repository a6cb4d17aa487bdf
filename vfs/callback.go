package vfs

import (
	"context"
	"time"
)

// Callback receives the outcome of a request. OnSuccess may be called
// several times with hasMore=true before the terminal delivery; exactly one
// terminal call (OnSuccess with hasMore=false, or OnError) happens per
// request. Callbacks run on the filesystem's dispatcher goroutine and must
// not block.
type Callback interface {
	OnSuccess(id RequestID, value RequestValue, hasMore bool)
	OnError(id RequestID, err error)
}

// CallbackFuncs adapts a pair of functions to Callback. Either may be nil.
type CallbackFuncs struct {
	Success func(id RequestID, value RequestValue, hasMore bool)
	Error   func(id RequestID, err error)
}

func (c CallbackFuncs) OnSuccess(id RequestID, value RequestValue, hasMore bool) {
	if c.Success != nil {
		c.Success(id, value, hasMore)
	}
}

func (c CallbackFuncs) OnError(id RequestID, err error) {
	if c.Error != nil {
		c.Error(id, err)
	}
}

// Request is one outbound provider request.
type Request struct {
	ID      RequestID
	Options RequestedOptions
}

// Reply is one inbound provider reply. Err, when set, makes the reply a
// terminal failure and Value and HasMore are ignored.
type Reply struct {
	FileSystemID string
	RequestID    RequestID
	Value        RequestValue
	HasMore      bool
	Err          error
}

// Transport carries requests to the provider that owns a filesystem.
// Replies come back through Filesystem.Deliver (or Registry.Deliver).
type Transport interface {
	Send(ctx context.Context, req Request) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) error

func (f TransportFunc) Send(ctx context.Context, req Request) error { return f(ctx, req) }

// Outcome classifies how a request ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeAborted Outcome = "aborted"
)

// Observer is notified of dispatcher and registry activity. Implementations
// must be safe for concurrent use.
type Observer interface {
	Mounted(fsID string)
	Unmounted(fsID string)
	RequestStarted(fsID string, op Operation)
	RequestFinished(fsID string, op Operation, outcome Outcome, elapsed time.Duration)
	ReplyDiscarded(fsID string)
}

type nopObserver struct{}

func (nopObserver) Mounted(string)                                            {}
func (nopObserver) Unmounted(string)                                          {}
func (nopObserver) RequestStarted(string, Operation)                          {}
func (nopObserver) RequestFinished(string, Operation, Outcome, time.Duration) {}
func (nopObserver) ReplyDiscarded(string)                                     {}
