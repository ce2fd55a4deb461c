package grid

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// Save writes the series as a gzipped gob file. The write goes to a
// temporary file and is renamed into place so readers never see a
// half-written series.
func Save(path string, s *Series) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".series-*")
	if err != nil {
		return fmt.Errorf("save series: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := gzip.NewWriter(tmp)
	if err := gob.NewEncoder(zw).Encode(s); err != nil {
		tmp.Close()
		return fmt.Errorf("save series: encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("save series: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save series: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save series: %w", err)
	}
	return nil
}

// Load reads a series written by Save.
func Load(path string) (*Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load series: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("load series %s: %w", path, err)
	}
	defer zr.Close()

	var s Series
	if err := gob.NewDecoder(zr).Decode(&s); err != nil {
		return nil, fmt.Errorf("load series %s: decode: %w", path, err)
	}
	return &s, nil
}
