// Package export writes listings to local files: JSON lines and CSV.
//
// Both writers accept "-" as the path to write to stdout, serialise
// concurrent writes with a mutex and flush after every record so a killed
// crawl leaves a readable file.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Stdout is the path that selects standard output.
const Stdout = "-"

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// openOutput creates path (truncating it) or returns stdout for "-".
func openOutput(path string) (io.WriteCloser, error) {
	if path == Stdout {
		return nopCloser{os.Stdout}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("could not create output dir: %w", err)
	}
	f, err := os.Create(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("could not create file: %w", err)
	}
	return f, nil
}
