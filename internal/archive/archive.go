// Package archive detects and extracts ZIP archives delivered as model
// files, the way the Foreground Coordinator and Background Download
// Manager expect: extraction happens before a file is considered
// complete, and a failed extraction preserves the original archive for
// diagnosis rather than deleting it.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/localmodels/modeldl/internal/errs"
)

// zipMagic is the four-byte local file header signature every ZIP
// archive begins with ("PK\x03\x04"); empty archives begin with the
// end-of-central-directory signature "PK\x05\x06" instead.
var zipMagic = [][]byte{
	{0x50, 0x4b, 0x03, 0x04},
	{0x50, 0x4b, 0x05, 0x06},
}

// IsZip reports whether path has a ".zip" extension, case-insensitively.
// This is a cheap pre-filter; IsValidZip does the authoritative check.
func IsZip(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".zip")
}

// IsValidZip reports whether path's content begins with a ZIP magic
// number, independent of its extension.
func IsValidZip(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil || n < 4 {
		return false
	}
	for _, magic := range zipMagic {
		if string(head) == string(magic) {
			return true
		}
	}
	return false
}

// ExtractZip extracts the archive at `at` into a fresh directory `to`.
// On any failure the original archive at `at` is left untouched and any
// partially-written files under `to` are removed, so callers can safely
// retry or report `at` for diagnosis.
func ExtractZip(at, to string) (string, error) {
	if !IsValidZip(at) {
		return "", errs.ErrArchiveInvalid
	}

	r, err := zip.OpenReader(at)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrArchiveInvalid, err)
	}
	defer r.Close()

	if err := os.MkdirAll(to, 0o755); err != nil {
		return "", fmt.Errorf("create extraction directory: %w", err)
	}

	if err := extractAll(r, to); err != nil {
		os.RemoveAll(to)
		return "", fmt.Errorf("%w: %v", errs.ErrExtractionFailed, err)
	}

	return to, nil
}

// ExtractZipInPlace extracts the archive at `at` into a sibling scratch
// directory, then promotes the extracted entries into the archive's own
// directory and removes the archive. On failure the archive is preserved
// and no partial extraction remains, as with ExtractZip. The result is a
// staging tree holding the archive's contents with no .zip left behind.
func ExtractZipInPlace(at string) error {
	scratch := at + ".extracting"
	if _, err := ExtractZip(at, scratch); err != nil {
		return err
	}

	parent := filepath.Dir(at)
	entries, err := os.ReadDir(scratch)
	if err != nil {
		os.RemoveAll(scratch)
		return fmt.Errorf("read extraction directory: %w", err)
	}
	for _, entry := range entries {
		target := filepath.Join(parent, entry.Name())
		if err := os.RemoveAll(target); err != nil {
			os.RemoveAll(scratch)
			return fmt.Errorf("clear extraction target %s: %w", target, err)
		}
		if err := os.Rename(filepath.Join(scratch, entry.Name()), target); err != nil {
			os.RemoveAll(scratch)
			return fmt.Errorf("promote extracted entry %s: %w", entry.Name(), err)
		}
	}

	if err := os.RemoveAll(scratch); err != nil {
		return err
	}
	return os.Remove(at)
}

func extractAll(r *zip.ReadCloser, to string) error {
	for _, entry := range r.File {
		if err := extractOne(entry, to); err != nil {
			return fmt.Errorf("extract %s: %w", entry.Name, err)
		}
	}
	return nil
}

// extractOne writes a single zip entry into destRoot, guarding against
// zip-slip path traversal: every resolved target path must stay within
// destRoot.
func extractOne(entry *zip.File, destRoot string) error {
	targetPath := filepath.Join(destRoot, entry.Name)

	cleanRoot := filepath.Clean(destRoot) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(targetPath)+string(os.PathSeparator), cleanRoot) {
		return fmt.Errorf("illegal file path in archive: %s", entry.Name)
	}

	if entry.FileInfo().IsDir() {
		return os.MkdirAll(targetPath, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return err
	}

	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, entry.Mode())
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}
