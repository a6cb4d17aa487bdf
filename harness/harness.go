// Package harness implements the tagged-line protocol used by conformance
// runs that cross a process or connection boundary.
//
// Every line starts with a tag:
//
//	OK <msg>        an assertion passed
//	KO <msg>        an assertion failed
//	INFO <msg>      diagnostic output
//	COMMAND <json>  asks the other side to run a named test, e.g. {"doTest":"testReadFile"}
//	DONE            the run is over
package harness

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Tag identifies the kind of a line.
type Tag string

const (
	TagOK      Tag = "OK"
	TagKO      Tag = "KO"
	TagInfo    Tag = "INFO"
	TagCommand Tag = "COMMAND"
	TagDone    Tag = "DONE"
)

// ErrMalformed is returned for lines that do not carry a known tag.
var ErrMalformed = errors.New("malformed harness line")

// Command is the payload of a COMMAND line.
type Command struct {
	DoTest string `json:"doTest"`
}

// Line is one parsed protocol line. Command is set only for COMMAND lines.
type Line struct {
	Tag     Tag
	Text    string
	Command *Command
}

func (l Line) String() string {
	if l.Tag == TagDone {
		return string(TagDone)
	}
	return string(l.Tag) + " " + l.Text
}

// Parse parses a single line, without its trailing newline.
func Parse(s string) (Line, error) {
	s = strings.TrimRight(s, "\r")
	if s == string(TagDone) {
		return Line{Tag: TagDone}, nil
	}
	tag, text, ok := strings.Cut(s, " ")
	if !ok {
		return Line{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	switch t := Tag(tag); t {
	case TagOK, TagKO, TagInfo:
		return Line{Tag: t, Text: text}, nil
	case TagCommand:
		var c Command
		if err := json.Unmarshal([]byte(text), &c); err != nil {
			return Line{}, fmt.Errorf("%w: bad command %q: %w", ErrMalformed, text, err)
		}
		if c.DoTest == "" {
			return Line{}, fmt.Errorf("%w: command without doTest", ErrMalformed)
		}
		return Line{Tag: t, Text: text, Command: &c}, nil
	default:
		return Line{}, fmt.Errorf("%w: unknown tag %q", ErrMalformed, tag)
	}
}

// Reader reads protocol lines. Blank lines are skipped.
type Reader struct {
	sc *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	return &Reader{sc: bufio.NewScanner(r)}
}

// Next returns the next line, or io.EOF when the stream ends.
func (r *Reader) Next() (Line, error) {
	for r.sc.Scan() {
		if strings.TrimSpace(r.sc.Text()) == "" {
			continue
		}
		return Parse(r.sc.Text())
	}
	if err := r.sc.Err(); err != nil {
		return Line{}, err
	}
	return Line{}, io.EOF
}

// Writer writes protocol lines. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) line(tag Tag, text string) error {
	// A newline would split the message into lines of its own.
	text = strings.ReplaceAll(text, "\n", " ")
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := fmt.Fprintf(w.w, "%s %s\n", tag, text)
	return err
}

func (w *Writer) OK(msg string) error   { return w.line(TagOK, msg) }
func (w *Writer) KO(msg string) error   { return w.line(TagKO, msg) }
func (w *Writer) Info(msg string) error { return w.line(TagInfo, msg) }

// Check writes OK when cond holds and KO otherwise.
func (w *Writer) Check(cond bool, msg string) error {
	if cond {
		return w.OK(msg)
	}
	return w.KO(msg)
}

// Command asks the other side to run the test called name.
func (w *Writer) Command(name string) error {
	b, err := json.Marshal(Command{DoTest: name})
	if err != nil {
		return err
	}
	return w.line(TagCommand, string(b))
}

func (w *Writer) Done() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := io.WriteString(w.w, string(TagDone)+"\n")
	return err
}
