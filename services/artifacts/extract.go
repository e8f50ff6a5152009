package artifacts

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// ErrUnsupportedArchive is returned for archive names without a known suffix.
var ErrUnsupportedArchive = errors.New("unsupported archive format")

// ExtractionError reports a failure while unpacking an archive. Whatever was
// written to the destination before the failure is left in place.
type ExtractionError struct {
	Archive string
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", filepath.Base(e.Archive), e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

type archiveFormat int

const (
	formatUnknown archiveFormat = iota
	formatZip
	formatTarGz
	formatTar
)

func detectFormat(name string) archiveFormat {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return formatZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return formatTarGz
	case strings.HasSuffix(lower, ".tar"):
		return formatTar
	default:
		return formatUnknown
	}
}

// Extract unpacks archivePath into destDir. The container format is chosen
// from the file name suffix; unknown suffixes fail before anything is read.
func Extract(ctx context.Context, archivePath, destDir string) error {
	format := detectFormat(archivePath)
	if format == formatUnknown {
		return ErrUnsupportedArchive
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return &ExtractionError{Archive: archivePath, Err: err}
	}

	var err error
	switch format {
	case formatZip:
		err = extractZip(ctx, archivePath, destDir)
	case formatTarGz:
		err = extractTarFile(ctx, archivePath, destDir, true)
	case formatTar:
		err = extractTarFile(ctx, archivePath, destDir, false)
	}
	if err != nil {
		return &ExtractionError{Archive: archivePath, Err: err}
	}
	return nil
}

func extractZip(ctx context.Context, archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("mkdir %q: %w", f.Name, err)
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %q: %w", f.Name, err)
		}
		err = writeFile(target, rc, f.Mode().Perm())
		rc.Close()
		if err != nil {
			return fmt.Errorf("write %q: %w", f.Name, err)
		}
	}
	return nil
}

func extractTarFile(ctx context.Context, archivePath, destDir string, gzipped bool) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	var r io.Reader = file
	if gzipped {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("mkdir %q: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(header.Mode).Perm()); err != nil {
				return fmt.Errorf("write %q: %w", header.Name, err)
			}
		}
	}
}

func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid entry path %q", name)
	}
	return target, nil
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
