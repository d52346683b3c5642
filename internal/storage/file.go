package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/webstalk-dev/webstalk/internal/types"
)

// fileStorage streams items to a single output file through a
// format-specific rowEncoder. All three formats write incrementally, so a
// crawl interrupted mid-run still leaves the rows stored so far on disk.
type fileStorage struct {
	name   string
	path   string
	file   *os.File
	enc    rowEncoder
	mu     sync.Mutex
	count  int
	logger *slog.Logger
}

// rowEncoder writes one item at a time to the underlying file and finishes
// the document on close.
type rowEncoder interface {
	encodeRow(item *types.Item) error
	finish() error
}

// NewFileStorage creates a file-backed Storage of the given type ("json",
// "jsonl", or "csv") writing under outputDir.
func NewFileStorage(storageType, outputDir string, logger *slog.Logger) (Storage, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	path := filepath.Join(outputDir, "results."+storageType)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}

	s := &fileStorage{
		name:   storageType,
		path:   path,
		file:   f,
		logger: logger.With("component", storageType+"_storage"),
	}

	switch storageType {
	case "json":
		s.enc = &jsonArrayEncoder{f: f}
	case "jsonl":
		s.enc = &jsonLinesEncoder{enc: json.NewEncoder(f)}
	case "csv":
		s.enc = &csvEncoder{w: csv.NewWriter(f)}
	default:
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}

	return s, nil
}

func (s *fileStorage) Name() string { return s.name }

// Store implements Storage.
func (s *fileStorage) Store(items []*types.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		if err := s.enc.encodeRow(item); err != nil {
			return fmt.Errorf("write %s row: %w", s.name, err)
		}
		s.count++
	}
	return nil
}

// Close implements Storage.
func (s *fileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.finish(); err != nil {
		return fmt.Errorf("finish %s output: %w", s.name, err)
	}
	s.logger.Info("output written", "path", s.path, "items", s.count)
	return s.file.Close()
}

// itemRow flattens an item into the map shape the JSON formats write.
func itemRow(item *types.Item) map[string]any {
	row := make(map[string]any, len(item.Fields)+2)
	row["_url"] = item.URL
	row["_timestamp"] = item.Timestamp
	for k, v := range item.Fields {
		row[k] = v
	}
	return row
}

// jsonArrayEncoder streams a JSON array: "[" up front, one element per row,
// "]" on finish. Unlike buffering the whole array in memory, a killed crawl
// still leaves parseable-after-repair output behind.
type jsonArrayEncoder struct {
	f     *os.File
	wrote bool
}

func (e *jsonArrayEncoder) encodeRow(item *types.Item) error {
	sep := ",\n  "
	if !e.wrote {
		sep = "[\n  "
		e.wrote = true
	}
	b, err := json.Marshal(itemRow(item))
	if err != nil {
		return err
	}
	if _, err := e.f.WriteString(sep); err != nil {
		return err
	}
	_, err = e.f.Write(b)
	return err
}

func (e *jsonArrayEncoder) finish() error {
	if !e.wrote {
		_, err := e.f.WriteString("[]\n")
		return err
	}
	_, err := e.f.WriteString("\n]\n")
	return err
}

// jsonLinesEncoder writes newline-delimited JSON, one object per item.
type jsonLinesEncoder struct {
	enc *json.Encoder
}

func (e *jsonLinesEncoder) encodeRow(item *types.Item) error {
	return e.enc.Encode(itemRow(item))
}

func (e *jsonLinesEncoder) finish() error { return nil }

// csvEncoder writes one CSV row per item, deriving the header from the
// first item's fields.
type csvEncoder struct {
	w       *csv.Writer
	headers []string
}

func (e *csvEncoder) encodeRow(item *types.Item) error {
	flat := item.ToFlatMap()

	if e.headers == nil {
		e.headers = make([]string, 0, len(flat))
		for k := range flat {
			e.headers = append(e.headers, k)
		}
		sort.Strings(e.headers)
		if err := e.w.Write(e.headers); err != nil {
			return err
		}
	}

	row := make([]string, len(e.headers))
	for i, h := range e.headers {
		row[i] = flat[h]
	}
	if err := e.w.Write(row); err != nil {
		return err
	}
	e.w.Flush()
	return e.w.Error()
}

func (e *csvEncoder) finish() error {
	e.w.Flush()
	return e.w.Error()
}
