// Package memory provides a scripted in-process connector for development
// and tests.
package memory

import (
	"context"
	"io"
	"sync"

	"github.com/hyperengineering/syncd/internal/connector"
)

// Connector keeps source datasets and loaded records in memory. The exported
// hooks script target behaviour; set them before the connector is used.
type Connector struct {
	// Reject returns a non-empty reason for records the target refuses.
	Reject func(rec connector.Record) string
	// BeforeLoad runs before every load call with its 1-based call number.
	// A returned error fails the whole call.
	BeforeLoad func(ctx context.Context, call int) error
	// UnknownTotal makes extract streams report a total of -1.
	UnknownTotal bool
	// ExtractErr, when set, is returned by every Extract call.
	ExtractErr error

	mu        sync.Mutex
	sources   map[key][]connector.Record
	loaded    map[key][]connector.Record
	loadCalls int
}

type key struct {
	system   string
	dataType string
}

var _ connector.Connector = (*Connector)(nil)

// New creates an empty connector.
func New() *Connector {
	return &Connector{
		sources: make(map[key][]connector.Record),
		loaded:  make(map[key][]connector.Record),
	}
}

// Seed sets the records Extract returns for a system and data type.
func (c *Connector) Seed(system, dataType string, records []connector.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[key{system, dataType}] = append([]connector.Record(nil), records...)
}

// Loaded returns the records accepted for a system and data type.
func (c *Connector) Loaded(system, dataType string) []connector.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]connector.Record(nil), c.loaded[key{system, dataType}]...)
}

// LoadCalls returns how many times Load has been called.
func (c *Connector) LoadCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadCalls
}

// Extract returns a stream over the seeded records matching the request.
func (c *Connector) Extract(ctx context.Context, req connector.ExtractRequest) (connector.RecordStream, error) {
	if c.ExtractErr != nil {
		return nil, c.ExtractErr
	}
	c.mu.Lock()
	src := c.sources[key{req.System, req.DataType}]
	records := make([]connector.Record, 0, len(src))
	for _, rec := range src {
		if connector.Matches(rec, req.Filter) {
			records = append(records, connector.Project(rec, req.Fields))
		}
	}
	c.mu.Unlock()

	total := len(records)
	if c.UnknownTotal {
		total = -1
	}
	return &stream{records: records, total: total}, nil
}

// Load accepts records unless Reject refuses them.
func (c *Connector) Load(ctx context.Context, req connector.LoadRequest, records []connector.Record) ([]connector.RecordResult, error) {
	c.mu.Lock()
	c.loadCalls++
	call := c.loadCalls
	c.mu.Unlock()

	if c.BeforeLoad != nil {
		if err := c.BeforeLoad(ctx, call); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]connector.RecordResult, len(records))
	var accepted []connector.Record
	for i, rec := range records {
		results[i].RecordID = rec.ID
		if c.Reject != nil {
			if reason := c.Reject(rec); reason != "" {
				results[i].Err = reason
				continue
			}
		}
		accepted = append(accepted, rec)
	}

	c.mu.Lock()
	k := key{req.System, req.DataType}
	c.loaded[k] = append(c.loaded[k], accepted...)
	c.mu.Unlock()
	return results, nil
}

type stream struct {
	mu      sync.Mutex
	records []connector.Record
	pos     int
	total   int
}

func (s *stream) Total() int { return s.total }

func (s *stream) Next(ctx context.Context, max int) ([]connector.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	end := s.pos + max
	if end > len(s.records) {
		end = len(s.records)
	}
	batch := s.records[s.pos:end]
	s.pos = end
	return batch, nil
}

func (s *stream) Close() error { return nil }
