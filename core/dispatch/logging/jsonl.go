package logging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// JSONLStore appends one JSON object per line to a file.
type JSONLStore struct {
	mu   sync.Mutex
	path string
	f    *os.File
	enc  *json.Encoder
}

// NewJSONLStore opens path for appending, creating parent directories.
func NewJSONLStore(path string) (*JSONLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	return &JSONLStore{path: path, f: f, enc: json.NewEncoder(f)}, nil
}

// Append writes rec as one line.
func (s *JSONLStore) Append(_ context.Context, rec LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	return s.enc.Encode(rec)
}

// Query scans the file. Records with bad field values are skipped and a
// torn tail ends the scan. With a
// limit only the newest q.Limit matches are returned, oldest first.
func (s *JSONLStore) Query(ctx context.Context, q LogQuery) ([]LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var res []LogRecord
	dec := json.NewDecoder(f)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r LogRecord
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			break
		}
		var syn *json.SyntaxError
		if errors.As(err, &syn) || errors.Is(err, io.ErrUnexpectedEOF) {
			// the decoder cannot resync past a torn line
			break
		}
		if err != nil {
			continue
		}
		if !q.Match(r) {
			continue
		}
		res = append(res, r)
		if q.Limit > 0 && len(res) > q.Limit {
			res = res[1:]
		}
	}
	return res, nil
}

// Close closes the file. Further appends fail.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
