package vfs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"vfsprovider/diag"
)

// Filesystem is one mounted provider-backed filesystem. It owns the
// open-file table and the pending-request table and serialises every
// change to them on a single dispatcher goroutine, so filesystems never
// contend with each other.
//
// Every operation returns a RequestID immediately and reports its outcome
// later through the supplied Callback. The returned error is non-nil only
// for malformed input or when the filesystem is no longer mounted; in that
// case no callback is invoked.
type Filesystem struct {
	options   MountOptions
	transport Transport
	registry  *Registry
	observer  Observer
	tracker   *diag.Tracker
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	nextID atomic.Uint32
	closed atomic.Bool
	events *queue[func()]
	done   chan struct{}

	// Owned by the dispatcher goroutine.
	pending      map[RequestID]*pendingRequest
	closing      map[RequestID]bool
	openReserved int
	torn         bool

	// Written only by the dispatcher goroutine; read by Info.
	infoMu sync.RWMutex
	opened map[RequestID]OpenedFile
}

type pendingRequest struct {
	id      RequestID
	options RequestedOptions
	cb      Callback
	started time.Time
	handle  *diag.Handle
	timer   *time.Timer

	// release runs on every terminal outcome, commit only on success.
	release func()
	commit  func()
}

func newFilesystem(r *Registry, options MountOptions, t Transport) *Filesystem {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Filesystem{
		options:   options,
		transport: t,
		registry:  r,
		observer:  r.observer,
		tracker:   r.tracker,
		timeout:   r.timeout,
		ctx:       ctx,
		cancel:    cancel,
		events:    newQueue[func()](),
		done:      make(chan struct{}),
		pending:   make(map[RequestID]*pendingRequest),
		closing:   make(map[RequestID]bool),
		opened:    make(map[RequestID]OpenedFile),
	}
	go f.run()
	return f
}

func (f *Filesystem) run() {
	defer close(f.done)
	for {
		fn, ok, _ := f.events.pop(context.Background())
		if !ok {
			return
		}
		fn()
	}
}

// ID returns the filesystem's id.
func (f *Filesystem) ID() string { return f.options.FileSystemID }

// Done is closed once the filesystem has been unmounted and its
// dispatcher has stopped.
func (f *Filesystem) Done() <-chan struct{} { return f.done }

// Options returns the options the filesystem was mounted with.
func (f *Filesystem) Options() MountOptions { return f.options }

// Info returns a snapshot of the filesystem and its open files, ordered by
// open request id.
func (f *Filesystem) Info() FileSystemInfo {
	f.infoMu.RLock()
	files := make([]OpenedFile, 0, len(f.opened))
	for _, of := range f.opened {
		files = append(files, of)
	}
	f.infoMu.RUnlock()
	sort.Slice(files, func(i, j int) bool { return files[i].OpenRequestID < files[j].OpenRequestID })
	return FileSystemInfo{Options: f.options, OpenedFiles: files}
}

// OpenFile opens filePath. On success the file is added to the open-file
// table under the returned id, which later CloseFile and ReadFile calls
// refer to.
func (f *Filesystem) OpenFile(filePath string, mode OpenMode, cb Callback) (RequestID, error) {
	opts, err := NewOpenFileOptions(f.ID(), filePath, mode)
	if err != nil {
		return 0, err
	}
	return f.submit(opts, cb)
}

// CloseFile closes the file opened by request openID.
func (f *Filesystem) CloseFile(openID RequestID, cb Callback) (RequestID, error) {
	opts, err := NewCloseFileOptions(f.ID(), openID)
	if err != nil {
		return 0, err
	}
	return f.submit(opts, cb)
}

// GetMetadata fetches the metadata of entryPath.
func (f *Filesystem) GetMetadata(entryPath string, cb Callback) (RequestID, error) {
	opts, err := NewGetMetadataOptions(f.ID(), entryPath)
	if err != nil {
		return 0, err
	}
	return f.submit(opts, cb)
}

// ReadDirectory lists dirPath. The provider may answer with several
// deliveries; each carries the next slice of entries and all but the last
// have hasMore set.
func (f *Filesystem) ReadDirectory(dirPath string, cb Callback) (RequestID, error) {
	opts, err := NewReadDirectoryOptions(f.ID(), dirPath)
	if err != nil {
		return 0, err
	}
	return f.submit(opts, cb)
}

// ReadFile reads up to length bytes at offset from the file opened by
// request openID.
func (f *Filesystem) ReadFile(openID RequestID, offset, length int64, cb Callback) (RequestID, error) {
	opts, err := NewReadFileOptions(f.ID(), openID, offset, length)
	if err != nil {
		return 0, err
	}
	return f.submit(opts, cb)
}

// Abort cancels request target. If target is still pending it fails with
// ErrAborted and any later provider reply for it is dropped; the abort is
// then forwarded to the provider and cb reports the provider's answer.
// If target already finished, or never existed, the abort succeeds
// without touching it.
func (f *Filesystem) Abort(target RequestID, cb Callback) (RequestID, error) {
	opts, err := NewAbortOptions(f.ID(), target)
	if err != nil {
		return 0, err
	}
	return f.submit(opts, cb)
}

// Unmount asks the provider to unmount and, once it agrees, removes the
// filesystem from its registry. Remaining requests fail with ErrAborted
// before cb is told about the success.
func (f *Filesystem) Unmount(cb Callback) (RequestID, error) {
	opts, err := NewUnmountOptions(f.ID())
	if err != nil {
		return 0, err
	}
	return f.submit(opts, cb)
}

// Deliver hands a provider reply to the dispatcher. Replies for requests
// that are no longer pending are dropped.
func (f *Filesystem) Deliver(r Reply) {
	if !f.events.push(func() { f.handleReply(r) }) {
		f.discard(r.RequestID, "file system unmounted")
	}
}

func (f *Filesystem) errNotMounted() error {
	return fmt.Errorf("%w: file system %q is not mounted", ErrNotFound, f.ID())
}

func (f *Filesystem) submit(opts RequestedOptions, cb Callback) (RequestID, error) {
	if cb == nil {
		return 0, fmt.Errorf("%w: callback is required", ErrInvalidArgument)
	}
	if f.closed.Load() {
		return 0, f.errNotMounted()
	}
	id := f.nextID.Add(1)
	rid := RequestID(id)
	if !f.events.push(func() { f.issue(rid, opts, cb) }) {
		return 0, f.errNotMounted()
	}
	return rid, nil
}

// issue runs on the dispatcher goroutine.
func (f *Filesystem) issue(id RequestID, opts RequestedOptions, cb Callback) {
	p := &pendingRequest{id: id, options: opts, cb: cb, started: time.Now()}
	f.observer.RequestStarted(f.ID(), opts.Operation())

	if f.torn {
		f.reject(p, fmt.Errorf("%w: file system %q unmounted", ErrAborted, f.ID()))
		return
	}
	if abort, ok := opts.(AbortOptions); ok {
		target, pending := f.pending[abort.OperationRequestID]
		if !pending {
			f.observer.RequestFinished(f.ID(), OpAbort, OutcomeSuccess, time.Since(p.started))
			cb.OnSuccess(id, nil, false)
			return
		}
		f.abortPending(target, ErrAborted)
	}
	if err := f.admit(p); err != nil {
		f.reject(p, err)
		return
	}
	f.dispatch(p)
}

// admit checks the open-file table and reserves what the request needs.
func (f *Filesystem) admit(p *pendingRequest) error {
	switch o := p.options.(type) {
	case OpenFileOptions:
		if o.Mode == OpenWrite && !f.options.Writable {
			return fmt.Errorf("%w: file system %q is read-only", ErrAccessDenied, f.ID())
		}
		if uint64(len(f.opened)+f.openReserved) >= uint64(f.options.OpenedFilesLimit) {
			return fmt.Errorf("%w: %d of %d", ErrQuotaExceeded, len(f.opened), f.options.OpenedFilesLimit)
		}
		f.openReserved++
		p.release = func() { f.openReserved-- }
		p.commit = func() {
			f.setOpened(p.id, &OpenedFile{FilePath: o.FilePath, OpenRequestID: p.id, Mode: o.Mode})
		}
	case CloseFileOptions:
		if _, ok := f.opened[o.OpenRequestID]; !ok || f.closing[o.OpenRequestID] {
			return fmt.Errorf("%w: request %d", ErrNotOpen, o.OpenRequestID)
		}
		f.closing[o.OpenRequestID] = true
		p.release = func() { delete(f.closing, o.OpenRequestID) }
		p.commit = func() { f.setOpened(o.OpenRequestID, nil) }
	case ReadFileOptions:
		if o.Offset < 0 || o.Length < 0 {
			return fmt.Errorf("%w: offset %d length %d", ErrOutOfRange, o.Offset, o.Length)
		}
		if _, ok := f.opened[o.OpenRequestID]; !ok {
			return fmt.Errorf("%w: request %d", ErrNotOpen, o.OpenRequestID)
		}
	case UnmountOptions:
		p.commit = func() { f.registry.unmountFromDispatcher(f) }
	}
	return nil
}

func (f *Filesystem) setOpened(id RequestID, of *OpenedFile) {
	f.infoMu.Lock()
	if of == nil {
		delete(f.opened, id)
	} else {
		f.opened[id] = *of
	}
	f.infoMu.Unlock()
}

func (f *Filesystem) dispatch(p *pendingRequest) {
	op := p.options.Operation()
	f.pending[p.id] = p
	p.handle = diag.Track(f.tracker, f.ID(), uint32(p.id), string(op), describe(p.options))
	if f.timeout > 0 {
		p.timer = time.AfterFunc(f.timeout, func() {
			f.events.push(func() { f.expire(p) })
		})
	}
	p.handle.SetPhase("sending")
	if err := f.transport.Send(f.ctx, Request{ID: p.id, Options: p.options}); err != nil {
		f.finish(p, nil, fmt.Errorf("%w: %w", ErrUnavailable, err))
		return
	}
	p.handle.SetPhase("awaiting provider")
	log.Debug().
		Str("fileSystemId", f.ID()).
		Uint32("requestId", uint32(p.id)).
		Str("op", string(op)).
		Msg("request sent")
}

func (f *Filesystem) handleReply(r Reply) {
	p, ok := f.pending[r.RequestID]
	if !ok {
		f.discard(r.RequestID, "no pending request")
		return
	}
	if r.Err != nil {
		f.finish(p, nil, r.Err)
		return
	}
	op := p.options.Operation()
	if err := checkValue(op, r.Value); err != nil {
		f.finish(p, nil, err)
		return
	}
	if r.HasMore && multipart(op) {
		recordDelivery(p.handle, r.Value)
		p.cb.OnSuccess(p.id, r.Value, true)
		return
	}
	f.finish(p, r.Value, nil)
}

// finish moves a pending request to its terminal state.
func (f *Filesystem) finish(p *pendingRequest, value RequestValue, err error) {
	f.retire(p)
	if err == nil && p.commit != nil {
		p.commit()
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	f.observer.RequestFinished(f.ID(), p.options.Operation(), outcome, time.Since(p.started))
	if err != nil {
		p.cb.OnError(p.id, err)
		return
	}
	p.cb.OnSuccess(p.id, value, false)
}

func (f *Filesystem) retire(p *pendingRequest) {
	delete(f.pending, p.id)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.handle.Done()
	if p.release != nil {
		p.release()
	}
}

func (f *Filesystem) reject(p *pendingRequest, err error) {
	f.observer.RequestFinished(f.ID(), p.options.Operation(), OutcomeError, time.Since(p.started))
	p.cb.OnError(p.id, err)
}

func (f *Filesystem) abortPending(p *pendingRequest, err error) {
	f.retire(p)
	f.observer.RequestFinished(f.ID(), p.options.Operation(), OutcomeAborted, time.Since(p.started))
	log.Debug().
		Str("fileSystemId", f.ID()).
		Uint32("requestId", uint32(p.id)).
		Err(err).
		Msg("request aborted")
	p.cb.OnError(p.id, err)
}

// expire aborts a request that outlived the configured timeout and tells
// the provider to stop working on it. An expired abort is only retired.
func (f *Filesystem) expire(p *pendingRequest) {
	if f.pending[p.id] != p {
		return
	}
	f.abortPending(p, fmt.Errorf("%w: timed out after %s", ErrAborted, f.timeout))
	if p.options.Operation() == OpAbort {
		return
	}
	abort := &pendingRequest{
		id:      RequestID(f.nextID.Add(1)),
		options: AbortOptions{FileSystemID: f.ID(), OperationRequestID: p.id},
		cb:      CallbackFuncs{},
		started: time.Now(),
	}
	f.observer.RequestStarted(f.ID(), OpAbort)
	f.dispatch(abort)
}

// teardown aborts every pending request and releases the open-file
// table. It runs on the dispatcher goroutine, which exits once the events
// queued before it have been handled.
func (f *Filesystem) teardown() {
	if f.torn {
		return
	}
	f.torn = true
	f.closed.Store(true)
	ids := make([]RequestID, 0, len(f.pending))
	for id := range f.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	reason := fmt.Errorf("%w: file system %q unmounted", ErrAborted, f.ID())
	for _, id := range ids {
		f.abortPending(f.pending[id], reason)
	}
	f.infoMu.Lock()
	f.opened = make(map[RequestID]OpenedFile)
	f.infoMu.Unlock()
	f.cancel()
	f.events.close()
}

// shutdown runs teardown on the dispatcher goroutine and waits for it to
// exit. It must not be called from a Callback.
func (f *Filesystem) shutdown() {
	f.closed.Store(true)
	f.events.push(f.teardown)
	<-f.done
}

func (f *Filesystem) discard(id RequestID, reason string) {
	f.observer.ReplyDiscarded(f.ID())
	log.Debug().
		Str("fileSystemId", f.ID()).
		Uint32("requestId", uint32(id)).
		Str("reason", reason).
		Msg("discarding provider reply")
}

func describe(opts RequestedOptions) string {
	switch o := opts.(type) {
	case AbortOptions:
		return fmt.Sprintf("target=%d", o.OperationRequestID)
	case GetMetadataOptions:
		return o.EntryPath
	case OpenFileOptions:
		return fmt.Sprintf("%s (%s)", o.FilePath, o.Mode)
	case CloseFileOptions:
		return fmt.Sprintf("open=%d", o.OpenRequestID)
	case ReadDirectoryOptions:
		return o.DirPath
	case ReadFileOptions:
		return fmt.Sprintf("open=%d offset=%d length=%d", o.OpenRequestID, o.Offset, o.Length)
	}
	return ""
}

func recordDelivery(h *diag.Handle, v RequestValue) {
	switch v := v.(type) {
	case ReadDirectoryValue:
		h.DeliveredEntries(len(v.Entries))
	case ReadFileValue:
		h.DeliveredBytes(len(v.Data))
	}
}
