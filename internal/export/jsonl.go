package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"fsbo_spider/internal/models"
)

// JSONLWriter writes one JSON object per line. Absent fields are omitted.
type JSONLWriter struct {
	mu  sync.Mutex
	out io.WriteCloser
	enc *json.Encoder
	n   int
}

func NewJSONLWriter(path string) (*JSONLWriter, error) {
	out, err := openOutput(path)
	if err != nil {
		return nil, err
	}
	return newJSONLWriter(out), nil
}

func newJSONLWriter(out io.WriteCloser) *JSONLWriter {
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{out: out, enc: enc}
}

func (w *JSONLWriter) WriteListing(_ context.Context, l *models.Listing) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enc.Encode(l); err != nil {
		return fmt.Errorf("jsonl write error: %w", err)
	}
	w.n++
	return nil
}

// Count returns the number of records written.
func (w *JSONLWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Close()
}
