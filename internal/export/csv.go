package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sync"

	"fsbo_spider/internal/models"
)

// CSVHeader is the column order of CSVWriter. Absent fields are empty cells.
var CSVHeader = []string{"id", "source", "address", "price", "url", "description", "scraped_at", "page_url"}

type CSVWriter struct {
	mu  sync.Mutex
	out io.WriteCloser
	w   *csv.Writer
}

func NewCSVWriter(path string) (*CSVWriter, error) {
	out, err := openOutput(path)
	if err != nil {
		return nil, err
	}
	return newCSVWriter(out)
}

func newCSVWriter(out io.WriteCloser) (*CSVWriter, error) {
	w := &CSVWriter{out: out, w: csv.NewWriter(out)}
	if err := w.writeRow(CSVHeader); err != nil {
		_ = out.Close()
		return nil, err
	}
	return w, nil
}

func (w *CSVWriter) WriteListing(_ context.Context, l *models.Listing) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.writeRow([]string{
		l.ID,
		l.Source,
		models.Value(l.Address),
		models.Value(l.Price),
		models.Value(l.URL),
		models.Value(l.Description),
		l.ScrapedAt,
		l.PageURL,
	})
}

func (w *CSVWriter) writeRow(row []string) error {
	if err := w.w.Write(row); err != nil {
		return fmt.Errorf("csv write error: %w", err)
	}
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return fmt.Errorf("csv write error: %w", err)
	}
	return nil
}

func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.w.Flush()
	if err := w.w.Error(); err != nil {
		_ = w.out.Close()
		return err
	}
	return w.out.Close()
}
