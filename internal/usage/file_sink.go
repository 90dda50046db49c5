package usage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileRecord is the newline-delimited JSON shape of a Record. The timestamp
// is Unix seconds with a fractional part.
type fileRecord struct {
	Timestamp    float64 `json:"timestamp"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// FileSink appends records to a file as newline-delimited JSON.
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewFileSink opens (creating if needed) the log at path for appending.
func NewFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create usage log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open usage log: %w", err)
	}
	return &FileSink{path: path, f: f}, nil
}

// Path returns the log file path.
func (s *FileSink) Path() string { return s.path }

// Append implements Sink. Each record is written with a single write call.
func (s *FileSink) Append(_ context.Context, rec Record) error {
	line, err := json.Marshal(fileRecord{
		Timestamp:    float64(rec.Timestamp.UnixNano()) / 1e9,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		Cost:         rec.Cost,
	})
	if err != nil {
		return fmt.Errorf("encode usage record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("usage log %s is closed", s.path)
	}
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("write usage log: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ReadLog decodes a newline-delimited usage log. Blank lines are skipped.
func ReadLog(r io.Reader) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var fr fileRecord
		if err := json.Unmarshal(b, &fr); err != nil {
			return nil, fmt.Errorf("usage log line %d: %w", line, err)
		}
		sec, frac := math.Modf(fr.Timestamp)
		out = append(out, Record{
			Timestamp:    time.Unix(int64(sec), int64(frac*1e9)),
			InputTokens:  fr.InputTokens,
			OutputTokens: fr.OutputTokens,
			Cost:         fr.Cost,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read usage log: %w", err)
	}
	return out, nil
}

// Summarize totals a list of records.
func Summarize(recs []Record) Snapshot {
	var s Snapshot
	for _, r := range recs {
		s.InputTokens += r.InputTokens
		s.OutputTokens += r.OutputTokens
		s.Cost += r.Cost
	}
	return s
}
