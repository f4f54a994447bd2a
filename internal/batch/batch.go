// Package batch reads request files and writes result files, one JSON object
// per line. Each result carries the index of its request so an interrupted
// run can be resumed by skipping indexes that already succeeded.
package batch

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/jwjohns/curator/internal/upstream"
)

const maxLine = 16 << 20

// Item is one pending unit of work.
type Item struct {
	Index   int
	Request upstream.Request
}

// Record is one line of the result file.
type Record struct {
	Index    int             `json:"index"`
	ID       string          `json:"id"`
	Model    string          `json:"model"`
	Content  string          `json:"content,omitempty"`
	Usage    *upstream.Usage `json:"usage,omitempty"`
	Cost     float64         `json:"cost,omitempty"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error,omitempty"`
}

// ReadItems parses JSONL requests. Blank lines are skipped; requests without a
// model get defaultModel.
func ReadItems(r io.Reader, defaultModel string) ([]Item, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)

	var items []Item
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var req upstream.Request
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if req.Model == "" {
			req.Model = defaultModel
		}
		if req.Model == "" {
			return nil, fmt.Errorf("line %d: no model and no default model", line)
		}
		items = append(items, Item{Index: len(items), Request: req})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func ReadFile(path, defaultModel string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	items, err := ReadItems(f, defaultModel)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return items, nil
}

// Completed returns the indexes of successful records in an existing result
// file. A missing file is an empty set. Lines that do not parse, such as a
// line truncated by a crash, are ignored.
func Completed(path string) (map[int]struct{}, error) {
	done := map[int]struct{}{}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return done, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Error == "" {
			done[rec.Index] = struct{}{}
		}
	}
	return done, sc.Err()
}

// Writer appends records as JSON lines. Safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
	c   io.Closer
}

func NewWriter(w io.Writer) *Writer {
	bw := &Writer{w: w, enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		bw.c = c
	}
	return bw
}

// OpenAppend opens (or creates) path for appending results.
func OpenAppend(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return NewWriter(f), nil
}

func (w *Writer) Write(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(rec)
}

func (w *Writer) Close() error {
	if w.c == nil {
		return nil
	}
	return w.c.Close()
}
