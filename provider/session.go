package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"vfsprovider/vfs"
)

// ReplyFunc sends one reply to the host. op is the operation of the
// request being answered.
type ReplyFunc func(op vfs.Operation, r vfs.Reply) error

// Session dispatches the requests of one mounted filesystem to its
// Handler. Abort requests cancel the context of their target.
type Session struct {
	fsID    string
	handler Handler
	reply   ReplyFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[vfs.RequestID]context.CancelFunc
}

func NewSession(fsID string, h Handler, reply ReplyFunc) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		fsID:     fsID,
		handler:  h,
		reply:    reply,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[vfs.RequestID]context.CancelFunc),
	}
}

// FileSystemID returns the id of the filesystem the session serves.
func (s *Session) FileSystemID() string { return s.fsID }

// Handle starts serving req and returns immediately.
func (s *Session) Handle(req vfs.Request) {
	if abort, ok := req.Options.(vfs.AbortOptions); ok {
		s.mu.Lock()
		cancel, found := s.inflight[abort.OperationRequestID]
		s.mu.Unlock()
		if found {
			cancel()
		}
		s.send(req, nil, false, nil)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.inflight[req.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, req.ID)
			s.mu.Unlock()
			cancel()
		}()
		s.serve(ctx, req)
	}()
}

func (s *Session) serve(ctx context.Context, req vfs.Request) {
	switch o := req.Options.(type) {
	case vfs.GetMetadataOptions:
		md, err := s.handler.GetMetadata(ctx, o.EntryPath)
		if err != nil {
			s.send(req, nil, false, err)
			return
		}
		s.send(req, vfs.GetMetadataValue{Metadata: md}, false, nil)
	case vfs.OpenFileOptions:
		s.send(req, nil, false, s.handler.OpenFile(ctx, req.ID, o.FilePath, o.Mode))
	case vfs.CloseFileOptions:
		s.send(req, nil, false, s.handler.CloseFile(ctx, o.OpenRequestID))
	case vfs.ReadDirectoryOptions:
		s.readDirectory(ctx, req, o)
	case vfs.ReadFileOptions:
		data, err := s.handler.ReadFile(ctx, o.OpenRequestID, o.Offset, o.Length)
		if err != nil {
			s.send(req, nil, false, err)
			return
		}
		s.send(req, vfs.ReadFileValue{Data: data}, false, nil)
	case vfs.UnmountOptions:
		var err error
		if u, ok := s.handler.(Unmounter); ok {
			err = u.Unmount(ctx)
		}
		s.send(req, nil, false, err)
	default:
		s.send(req, nil, false, fmt.Errorf("%w: unsupported operation %s", vfs.ErrProtocol, req.Options.Operation()))
	}
}

// readDirectory holds back one page so the last page can carry the final
// marker.
func (s *Session) readDirectory(ctx context.Context, req vfs.Request, o vfs.ReadDirectoryOptions) {
	var held *vfs.ReadDirectoryValue
	emit := func(entries []vfs.EntryMetadata) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if held != nil {
			if err := s.send(req, *held, true, nil); err != nil {
				return err
			}
		}
		held = &vfs.ReadDirectoryValue{Entries: append([]vfs.EntryMetadata(nil), entries...)}
		return nil
	}
	if err := s.handler.ReadDirectory(ctx, o.DirPath, emit); err != nil {
		s.send(req, nil, false, err)
		return
	}
	if held == nil {
		held = &vfs.ReadDirectoryValue{Entries: []vfs.EntryMetadata{}}
	}
	s.send(req, *held, false, nil)
}

func (s *Session) send(req vfs.Request, v vfs.RequestValue, hasMore bool, err error) error {
	r := vfs.Reply{FileSystemID: s.fsID, RequestID: req.ID, HasMore: hasMore, Err: err}
	if err == nil {
		r.Value = v
	}
	if sendErr := s.reply(req.Options.Operation(), r); sendErr != nil {
		log.Warn().
			Str("fileSystemId", s.fsID).
			Uint32("requestId", uint32(req.ID)).
			Err(sendErr).
			Msg("failed to send reply")
		return sendErr
	}
	return nil
}

// Close cancels every running request and waits for the handlers to
// return.
func (s *Session) Close() {
	s.cancel()
	s.wg.Wait()
}
