// Package diag records provider requests that are still waiting for a
// reply, so a stuck mount can be inspected at runtime.
package diag

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Request is a snapshot of one in-flight provider request.
type Request struct {
	FileSystemID string    `json:"fileSystemId"`
	RequestID    uint32    `json:"requestId"`
	Operation    string    `json:"operation"`
	Detail       string    `json:"detail,omitempty"`
	Phase        string    `json:"phase,omitempty"`
	Deliveries   int       `json:"deliveries"`
	Bytes        uint64    `json:"bytes"`
	Entries      int       `json:"entries"`
	Started      time.Time `json:"started"`
}

type key struct {
	fsID string
	id   uint32
}

// Handle annotates a tracked request until Done is called.
type Handle struct {
	tracker *Tracker
	key     key
}

func (h *Handle) update(fn func(*Request)) {
	if h.tracker == nil {
		return
	}
	h.tracker.mu.Lock()
	if r, ok := h.tracker.reqs[h.key]; ok {
		fn(&r)
		h.tracker.reqs[h.key] = r
	}
	h.tracker.mu.Unlock()
}

// SetPhase records the current sub-step of the request.
func (h *Handle) SetPhase(phase string) {
	h.update(func(r *Request) { r.Phase = phase })
}

// DeliveredBytes records a partial delivery of file data.
func (h *Handle) DeliveredBytes(n int) {
	h.update(func(r *Request) {
		r.Deliveries++
		r.Bytes += uint64(n)
	})
}

// DeliveredEntries records a partial delivery of directory entries.
func (h *Handle) DeliveredEntries(n int) {
	h.update(func(r *Request) {
		r.Deliveries++
		r.Entries += n
	})
}

// Done removes the request from the tracker.
func (h *Handle) Done() {
	if h.tracker == nil {
		return
	}
	h.tracker.mu.Lock()
	delete(h.tracker.reqs, h.key)
	h.tracker.mu.Unlock()
}

// Tracker holds the in-flight requests of every mounted filesystem.
type Tracker struct {
	mu   sync.Mutex
	reqs map[key]Request
}

func NewTracker() *Tracker {
	return &Tracker{reqs: make(map[key]Request)}
}

// Track records a request that has just been sent to a provider.
func (t *Tracker) Track(fsID string, id uint32, op, detail string) *Handle {
	k := key{fsID: fsID, id: id}
	t.mu.Lock()
	t.reqs[k] = Request{
		FileSystemID: fsID,
		RequestID:    id,
		Operation:    op,
		Detail:       detail,
		Started:      time.Now(),
	}
	t.mu.Unlock()
	return &Handle{tracker: t, key: k}
}

// InFlight returns every tracked request, oldest first.
func (t *Tracker) InFlight() []Request {
	return t.filter(func(Request) bool { return true })
}

// ForFileSystem returns the tracked requests of one filesystem, oldest first.
func (t *Tracker) ForFileSystem(fsID string) []Request {
	return t.filter(func(r Request) bool { return r.FileSystemID == fsID })
}

func (t *Tracker) filter(keep func(Request) bool) []Request {
	t.mu.Lock()
	reqs := make([]Request, 0, len(t.reqs))
	for _, r := range t.reqs {
		if keep(r) {
			reqs = append(reqs, r)
		}
	}
	t.mu.Unlock()
	sort.Slice(reqs, func(i, j int) bool {
		a, b := reqs[i], reqs[j]
		if !a.Started.Equal(b.Started) {
			return a.Started.Before(b.Started)
		}
		if a.FileSystemID != b.FileSystemID {
			return a.FileSystemID < b.FileSystemID
		}
		return a.RequestID < b.RequestID
	})
	return reqs
}

// Dump renders requests as one line each.
func Dump(reqs []Request) string {
	if len(reqs) == 0 {
		return "no in-flight requests\n"
	}
	now := time.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "%d in-flight request(s):\n", len(reqs))
	for _, r := range reqs {
		fmt.Fprintf(&b, "  %s#%d %s", r.FileSystemID, r.RequestID, r.Operation)
		if r.Detail != "" {
			fmt.Fprintf(&b, " %s", r.Detail)
		}
		if r.Phase != "" {
			fmt.Fprintf(&b, " [%s]", r.Phase)
		}
		if r.Deliveries > 0 {
			fmt.Fprintf(&b, " parts=%d", r.Deliveries)
			if r.Bytes > 0 {
				fmt.Fprintf(&b, " (%s)", humanize.Bytes(r.Bytes))
			}
			if r.Entries > 0 {
				fmt.Fprintf(&b, " (%s entries)", humanize.Comma(int64(r.Entries)))
			}
		}
		fmt.Fprintf(&b, " (%s)\n", now.Sub(r.Started).Truncate(time.Millisecond))
	}
	return b.String()
}

// Dump renders every in-flight request.
func (t *Tracker) Dump() string {
	return Dump(t.InFlight())
}

// Handler serves the in-flight requests as text, or as JSON with ?json.
// ?fs=<id> restricts the output to one filesystem and ?stacks appends all
// goroutine stacks to the text form.
func (t *Tracker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		reqs := t.InFlight()
		if fsID := q.Get("fs"); fsID != "" {
			reqs = t.ForFileSystem(fsID)
		}
		if _, ok := q["json"]; ok {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(reqs); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, Dump(reqs))
		if _, ok := q["stacks"]; ok {
			fmt.Fprint(w, "\n")
			fmt.Fprint(w, GoroutineStacks())
		}
	})
}

// Track is the nil-safe form of Tracker.Track.
func Track(t *Tracker, fsID string, id uint32, op, detail string) *Handle {
	if t == nil {
		return &Handle{}
	}
	return t.Track(fsID, id, op, detail)
}

const maxGoroutineStackSize = 64 * 1024

// GoroutineStacks returns the stacks of all goroutines, truncated to 64KB.
func GoroutineStacks() string {
	buf := make([]byte, maxGoroutineStackSize)
	n := runtime.Stack(buf, true)
	s := string(buf[:n])
	if n >= maxGoroutineStackSize {
		s += "\n... truncated at 64KB ...\n"
	}
	return s
}
