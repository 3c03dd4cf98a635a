// Package filedrop implements a connector over JSON-lines files, one file
// per system and data type: <root>/<system>/<dataType>.jsonl.
package filedrop

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hyperengineering/syncd/internal/connector"
)

// maxLineSize bounds a single record line.
const maxLineSize = 4 << 20

var errMalformed = errors.New("malformed record")

// Connector reads source files and appends loaded records to target files.
type Connector struct {
	root string
	mu   sync.Mutex // serializes appends
}

var _ connector.Connector = (*Connector)(nil)

// New creates a connector rooted at dir, creating it if needed.
func New(dir string) (*Connector, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create filedrop root: %w", err)
	}
	return &Connector{root: dir}, nil
}

// Path returns the file backing a system and data type.
func (c *Connector) Path(system, dataType string) string {
	return filepath.Join(c.root, system, dataType+".jsonl")
}

// Extract opens the source file. Missing files and malformed lines are
// unrecoverable; the total is computed up front with a counting pass.
func (c *Connector) Extract(ctx context.Context, req connector.ExtractRequest) (connector.RecordStream, error) {
	path := c.Path(req.System, req.DataType)
	total, err := countMatching(path, req)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, errMalformed) {
			return nil, connector.Unrecoverable("extract", req.System, err)
		}
		return nil, &connector.Error{Op: "extract", System: req.System, Err: err}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &connector.Error{Op: "extract", System: req.System, Err: err}
	}
	return &stream{f: f, scanner: newScanner(f), req: req, total: total}, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return sc
}

func countMatching(path string, req connector.ExtractRequest) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := newScanner(f)
	for sc.Scan() {
		rec, ok, err := decodeLine(sc.Bytes())
		if err != nil {
			return 0, err
		}
		if ok && connector.Matches(rec, req.Filter) {
			n++
		}
	}
	return n, sc.Err()
}

func decodeLine(line []byte) (connector.Record, bool, error) {
	if len(line) == 0 {
		return connector.Record{}, false, nil
	}
	var rec connector.Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return connector.Record{}, false, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return rec, true, nil
}

// Load appends records to the target file. Records without an id are
// rejected individually.
func (c *Connector) Load(ctx context.Context, req connector.LoadRequest, records []connector.Record) ([]connector.RecordResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := c.Path(req.System, req.DataType)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, connector.Unrecoverable("load", req.System, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, &connector.Error{Op: "load", System: req.System, Err: err}
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	results := make([]connector.RecordResult, len(records))
	for i, rec := range records {
		results[i].RecordID = rec.ID
		if rec.ID == "" {
			results[i].Err = "record has no id"
			continue
		}
		line, err := json.Marshal(rec)
		if err != nil {
			results[i].Err = err.Error()
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return nil, &connector.Error{Op: "load", System: req.System, Err: err}
	}
	return results, nil
}

type stream struct {
	f       *os.File
	scanner *bufio.Scanner
	req     connector.ExtractRequest
	total   int
}

func (s *stream) Total() int { return s.total }

func (s *stream) Next(ctx context.Context, max int) ([]connector.Record, error) {
	var batch []connector.Record
	for len(batch) < max {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, &connector.Error{Op: "extract", System: s.req.System, Err: err}
			}
			break
		}
		rec, ok, err := decodeLine(s.scanner.Bytes())
		if err != nil {
			return nil, connector.Unrecoverable("extract", s.req.System, err)
		}
		if ok && connector.Matches(rec, s.req.Filter) {
			batch = append(batch, connector.Project(rec, s.req.Fields))
		}
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

func (s *stream) Close() error {
	return s.f.Close()
}
