package snapshot

import (
	"bufio"
	"fmt"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

// Encode writes frame in the format implied by the file extension of name.
// Unknown extensions are written as JPEG.
func Encode(out io.Writer, name string, frame *types.Frame, quality int) error {
	img := frame.Image()
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return png.Encode(out, img)
	case ".bmp":
		return bmp.Encode(out, img)
	default:
		return jpeg.Encode(out, img, &jpeg.Options{Quality: quality})
	}
}

// writeFile encodes into a temporary file next to path and renames it into
// place, so readers never open a partially written snapshot.
func writeFile(path string, frame *types.Frame, quality int) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	buf := bufio.NewWriter(tmp)
	if err := Encode(buf, path, frame, quality); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode: %w", err)
	}
	if err := buf.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
