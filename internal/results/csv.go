package results

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// CSVRecorder appends "round,tag,value" rows to a file, flushing every row.
type CSVRecorder struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

func NewCSVRecorder(fileName string) (*CSVRecorder, error) {
	file, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open results file: %w", err)
	}

	r := &CSVRecorder{file: file, writer: csv.NewWriter(file)}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := r.write([]string{"round", "tag", "value"}); err != nil {
			file.Close()
			return nil, err
		}
	}

	return r, nil
}

func (r *CSVRecorder) AddScalar(tag string, value float64, round int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.write([]string{strconv.Itoa(round), tag, strconv.FormatFloat(value, 'f', -1, 64)})
}

func (r *CSVRecorder) write(record []string) error {
	if err := r.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	r.writer.Flush()
	return r.writer.Error()
}

func (r *CSVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.writer.Flush()
	if err := r.writer.Error(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
