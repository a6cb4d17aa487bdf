package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
)

// ErrIncomplete is returned when the stream ends before DONE.
var ErrIncomplete = errors.New("conformance run ended without DONE")

// Reporter records the assertions of one test.
type Reporter struct {
	test string
	out  *Writer
	res  *Result
}

func (r *Reporter) OK(msg string) { r.record(true, msg) }
func (r *Reporter) KO(msg string) { r.record(false, msg) }

// Check records msg as passed when cond holds and failed otherwise.
func (r *Reporter) Check(cond bool, msg string) bool {
	r.record(cond, msg)
	return cond
}

// Checkf is Check with a formatted message.
func (r *Reporter) Checkf(cond bool, format string, args ...any) bool {
	return r.Check(cond, fmt.Sprintf(format, args...))
}

func (r *Reporter) Info(msg string) {
	if r.out != nil {
		r.out.Info(r.test + ": " + msg)
	}
	log.Debug().Str("test", r.test).Msg(msg)
}

func (r *Reporter) record(ok bool, msg string) {
	r.res.add(r.test, ok, msg)
	if r.out != nil {
		r.out.Check(ok, r.test+": "+msg)
	}
}

// Test is one named conformance test. It runs to completion before the
// next line is read.
type Test func(ctx context.Context, r *Reporter)

// Result tallies the assertions of a run, including those reported by the
// other side.
type Result struct {
	mu       sync.Mutex
	Passed   int
	Failed   int
	Failures []string
	Ran      []string
}

func (res *Result) add(test string, ok bool, msg string) {
	res.mu.Lock()
	defer res.mu.Unlock()
	if ok {
		res.Passed++
		return
	}
	res.Failed++
	if test != "" {
		msg = test + ": " + msg
	}
	res.Failures = append(res.Failures, msg)
}

// Err combines every failure, or returns nil if there were none.
func (res *Result) Err() error {
	res.mu.Lock()
	defer res.mu.Unlock()
	var result *multierror.Error
	for _, f := range res.Failures {
		result = multierror.Append(result, errors.New(f))
	}
	return result.ErrorOrNil()
}

// Runner executes the tests the other side asks for.
type Runner struct {
	tests map[string]Test
	out   *Writer
}

// NewRunner creates a runner for tests. If out is non-nil the runner's own
// assertions are echoed to it as OK/KO lines.
func NewRunner(tests map[string]Test, out *Writer) *Runner {
	return &Runner{tests: tests, out: out}
}

// Run reads lines from in until DONE, running each commanded test and
// tallying OK/KO lines sent by the other side. It fails with ErrIncomplete
// if in ends first.
func (rn *Runner) Run(ctx context.Context, in io.Reader) (*Result, error) {
	res := &Result{}
	rd := NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		line, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return res, ErrIncomplete
		}
		if err != nil {
			return res, err
		}
		switch line.Tag {
		case TagOK:
			res.add("", true, line.Text)
		case TagKO:
			res.add("", false, line.Text)
		case TagInfo:
			log.Info().Str("from", "peer").Msg(line.Text)
		case TagCommand:
			rn.run(ctx, line.Command.DoTest, res)
		case TagDone:
			return res, nil
		}
	}
}

func (rn *Runner) run(ctx context.Context, name string, res *Result) {
	r := &Reporter{test: name, out: rn.out, res: res}
	test, ok := rn.tests[name]
	if !ok {
		r.KO("unknown test")
		return
	}
	res.mu.Lock()
	res.Ran = append(res.Ran, name)
	res.mu.Unlock()
	test(ctx, r)
}
