package store

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/whaleflow/whaleflow/internal/models"
)

// Record file names under the sink directory.
const (
	jsonRecordsFile = "records.jsonl"
	csvRecordsFile  = "records.csv"
)

// FileRecordSink appends database_save records to files under a data
// directory: one JSON document per line for the json format, and a
// header-plus-rows CSV file for the csv format. The CSV header is fixed by
// the first record written; later records fill the same columns.
type FileRecordSink struct {
	dir string
	mu  sync.Mutex
}

// NewFileRecordSink creates the sink directory if needed.
func NewFileRecordSink(dir string) (*FileRecordSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("record sink directory not set")
	}
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create record sink directory: %w", err)
	}
	return &FileRecordSink{dir: dir}, nil
}

// AppendRecord writes one record in the requested format.
func (s *FileRecordSink) AppendRecord(record map[string]string, format models.RecordFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch format {
	case models.RecordFormatCSV:
		return s.appendCSV(record)
	case models.RecordFormatJSON, "":
		return s.appendJSON(record)
	default:
		return fmt.Errorf("unsupported record format %q", format)
	}
}

func (s *FileRecordSink) appendJSON(record map[string]string) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	path := filepath.Join(s.dir, jsonRecordsFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open record file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	slog.Debug("FileRecordSink appended JSON record", "path", path, "fields", len(record))
	return nil
}

func (s *FileRecordSink) appendCSV(record map[string]string) error {
	path := filepath.Join(s.dir, csvRecordsFile)

	header, err := s.csvHeader(path, record)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open record file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if header.fresh {
		if err := w.Write(header.columns); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
	}
	row := make([]string, len(header.columns))
	for i, col := range header.columns {
		row[i] = record[col]
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("failed to append CSV record: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV record: %w", err)
	}
	slog.Debug("FileRecordSink appended CSV record", "path", path, "columns", len(header.columns))
	return nil
}

type csvLayout struct {
	columns []string
	fresh   bool
}

// csvHeader returns the existing file's column layout, or a sorted layout
// derived from the record for a file about to be created.
func (s *FileRecordSink) csvHeader(path string, record map[string]string) (csvLayout, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		columns := make([]string, 0, len(record))
		for k := range record {
			columns = append(columns, k)
		}
		sort.Strings(columns)
		return csvLayout{columns: columns, fresh: true}, nil
	}
	if err != nil {
		return csvLayout{}, fmt.Errorf("failed to open record file: %w", err)
	}
	defer f.Close()

	columns, err := csv.NewReader(bufio.NewReader(f)).Read()
	if err != nil {
		return csvLayout{}, fmt.Errorf("failed to read CSV header: %w", err)
	}
	return csvLayout{columns: columns}, nil
}
