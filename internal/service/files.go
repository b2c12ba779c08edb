package service

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/damwatch/server/internal/raster"
)

// validateSegments checks name/value pairs that become single path
// components under the media root.
func validateSegments(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		name, v := pairs[i], pairs[i+1]
		switch {
		case strings.TrimSpace(v) == "":
			return fmt.Errorf("%w: %s is required", ErrInvalidInput, name)
		case v == "." || v == "..",
			strings.ContainsAny(v, `/\`),
			strings.ContainsRune(v, 0):
			return fmt.Errorf("%w: %s %q is not a valid name", ErrInvalidInput, name, v)
		}
	}
	return nil
}

// writeFileAtomic copies body into path through a temporary file in the same
// directory so readers never observe a partial raster.
func writeFileAtomic(path string, body io.Reader) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("%w: %w", raster.ErrIO, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return fmt.Errorf("%w: %w", raster.ErrIO, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return fmt.Errorf("%w: %w", raster.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", raster.ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %w", raster.ErrIO, err)
	}
	return nil
}

// requireFile maps a missing raster to ErrNotFound.
func requireFile(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return fmt.Errorf("%w: GeoTIFF file %s", ErrNotFound, filepath.Base(path))
	}
	if err != nil {
		return fmt.Errorf("%w: %w", raster.ErrIO, err)
	}
	return nil
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("[FloodMaps] failed to remove %s: %v", path, err)
	}
}
