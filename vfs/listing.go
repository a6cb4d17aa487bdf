package vfs

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
)

// ErrListingConsumed is yielded when a Listing is iterated a second time.
var ErrListingConsumed = errors.New("listing already consumed")

// Listing is the directory listing of one readDirectory request, seen as
// a lazy sequence of partial listings. The request is issued when
// iteration starts and the sequence ends after the provider's final
// delivery. A Listing can be iterated once.
type Listing struct {
	fs      *Filesystem
	ctx     context.Context
	dirPath string
	used    atomic.Bool
}

type listingPart struct {
	value ReadDirectoryValue
	err   error
}

// ReadDirectoryStream returns the listing of dirPath. Cancelling ctx or
// stopping iteration early aborts the request.
func (f *Filesystem) ReadDirectoryStream(ctx context.Context, dirPath string) *Listing {
	return &Listing{fs: f, ctx: ctx, dirPath: dirPath}
}

// Parts yields each delivery in the order the provider produced it. A
// failed request yields one final error.
func (l *Listing) Parts() iter.Seq2[ReadDirectoryValue, error] {
	return func(yield func(ReadDirectoryValue, error) bool) {
		if !l.used.CompareAndSwap(false, true) {
			yield(ReadDirectoryValue{}, ErrListingConsumed)
			return
		}
		parts := newQueue[listingPart]()
		id, err := l.fs.ReadDirectory(l.dirPath, CallbackFuncs{
			Success: func(_ RequestID, v RequestValue, hasMore bool) {
				parts.push(listingPart{value: v.(ReadDirectoryValue)})
				if !hasMore {
					parts.close()
				}
			},
			Error: func(_ RequestID, err error) {
				parts.push(listingPart{err: err})
				parts.close()
			},
		})
		if err != nil {
			yield(ReadDirectoryValue{}, err)
			return
		}
		for {
			p, ok, err := parts.pop(l.ctx)
			if err != nil {
				l.fs.Abort(id, CallbackFuncs{})
				yield(ReadDirectoryValue{}, fmt.Errorf("%w: %w", ErrAborted, err))
				return
			}
			if !ok {
				return
			}
			if !yield(p.value, p.err) {
				if p.err == nil {
					l.fs.Abort(id, CallbackFuncs{})
				}
				return
			}
			if p.err != nil {
				return
			}
		}
	}
}

// Collect concatenates every delivery into one listing.
func (l *Listing) Collect() (ReadDirectoryValue, error) {
	var all ReadDirectoryValue
	for part, err := range l.Parts() {
		if err != nil {
			return ReadDirectoryValue{}, err
		}
		all = all.Concat(part)
	}
	return all, nil
}
