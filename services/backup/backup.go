// Package backup packs a scripthost data tree into a signed tar.zst archive
// and restores it after verifying every file.
package backup

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	manifestFileName = "manifest.yaml"
	filesTarPrefix   = "files"
)

var (
	// ErrDigestMismatch is returned when a file does not match its manifest entry.
	ErrDigestMismatch = errors.New("file does not match manifest")
	// ErrMissingManifest is returned when the archive does not start with a manifest.
	ErrMissingManifest = errors.New("backup missing manifest.yaml")
)

// BuildConfig configures backup creation.
type BuildConfig struct {
	Root   string
	Output string
	Signer *Signer
	// Skip excludes top-level entries of Root by name.
	Skip   []string
	Now    func() time.Time
	Stdout io.Writer
}

// Build walks cfg.Root and writes a signed archive to cfg.Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.Root == "" {
		return nil, errors.New("root directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", cfg.Root)
	}

	output, err := filepath.Abs(cfg.Output)
	if err != nil {
		return nil, err
	}
	files, err := collectFiles(ctx, cfg.Root, output, cfg.Skip)
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	manifest := &Manifest{
		Version:          ManifestVersion,
		ID:               uuid.NewString(),
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Source:           cfg.Root,
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Files:            files,
	}
	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	if manifest.Signature, err = cfg.Signer.Sign(payload); err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeArchive(ctx, cfg.Output, manifestBytes, cfg.Root, files); err != nil {
		_ = os.Remove(cfg.Output)
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote backup %s (%d files, %d bytes)\n", cfg.Output, len(files), manifest.TotalSize())
	return manifest, nil
}

func collectFiles(ctx context.Context, root, output string, skip []string) ([]ManifestFile, error) {
	skipped := make(map[string]bool, len(skip))
	for _, name := range skip {
		skipped[name] = true
	}

	var files []ManifestFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		if rel != "." && !strings.Contains(filepath.ToSlash(rel), "/") && skipped[rel] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if abs, err := filepath.Abs(path); err == nil && abs == output {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		sum, size, err := hashFile(path)
		if err != nil {
			return err
		}
		files = append(files, ManifestFile{
			Path:   filepath.ToSlash(rel),
			Mode:   uint32(info.Mode().Perm()),
			Size:   size,
			SHA256: sum,
		})
		return nil
	})
	return files, err
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func writeArchive(ctx context.Context, output string, manifest []byte, root string, files []ManifestFile) (err error) {
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	out, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	encoder, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	if err := tw.WriteHeader(&tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := appendFile(tw, root, entry); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	return encoder.Close()
}

func appendFile(tw *tar.Writer, root string, entry ManifestFile) error {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(entry.Path)))
	if err != nil {
		return fmt.Errorf("open %q: %w", entry.Path, err)
	}
	defer f.Close()

	if err := tw.WriteHeader(&tar.Header{
		Name:     filesTarPrefix + "/" + entry.Path,
		Mode:     int64(entry.Mode),
		Size:     entry.Size,
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write header for %q: %w", entry.Path, err)
	}
	if _, err := io.CopyN(tw, f, entry.Size); err != nil {
		return fmt.Errorf("copy %q: %w", entry.Path, err)
	}
	return nil
}

// Verify checks the manifest signature and the digest of every file.
func Verify(ctx context.Context, path string, signer *Signer) (*Manifest, error) {
	return scan(ctx, path, signer, func(ManifestFile, io.Reader) error { return nil })
}

// Restore verifies the archive at path and then writes its files under dest.
func Restore(ctx context.Context, path, dest string, signer *Signer) (*Manifest, error) {
	if dest == "" {
		return nil, errors.New("destination is required")
	}
	if _, err := Verify(ctx, path, signer); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create destination: %w", err)
	}
	return scan(ctx, path, signer, func(entry ManifestFile, r io.Reader) error {
		target, err := safeJoin(dest, entry.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("mkdir %q: %w", filepath.Dir(entry.Path), err)
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(entry.Mode)&fs.ModePerm)
		if err != nil {
			return fmt.Errorf("create %q: %w", entry.Path, err)
		}
		if _, err := io.Copy(f, r); err != nil {
			_ = f.Close()
			return fmt.Errorf("write %q: %w", entry.Path, err)
		}
		return f.Close()
	})
}

// scan reads the manifest, verifies it, and streams every file body through
// fn while checking it against its manifest entry.
func scan(ctx context.Context, path string, signer *Signer, fn func(ManifestFile, io.Reader) error) (*Manifest, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	in, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open backup: %w", err)
	}
	defer in.Close()

	decoder, err := zstd.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()
	tr := tar.NewReader(decoder)

	manifest, err := readManifest(tr, signer)
	if err != nil {
		return nil, err
	}
	expected := make(map[string]ManifestFile, len(manifest.Files))
	for _, f := range manifest.Files {
		expected[f.Path] = f
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		rel, ok := strings.CutPrefix(header.Name, filesTarPrefix+"/")
		if !ok {
			return nil, fmt.Errorf("unexpected entry %q", header.Name)
		}
		entry, ok := expected[rel]
		if !ok {
			return nil, fmt.Errorf("%w: %q is not in the manifest", ErrDigestMismatch, rel)
		}
		delete(expected, rel)

		h := sha256.New()
		counted := &countingReader{r: io.TeeReader(tr, h)}
		if err := fn(entry, counted); err != nil {
			return nil, err
		}
		if _, err := io.Copy(io.Discard, counted); err != nil {
			return nil, fmt.Errorf("read %q: %w", rel, err)
		}
		if counted.n != entry.Size || !strings.EqualFold(hex.EncodeToString(h.Sum(nil)), entry.SHA256) {
			return nil, fmt.Errorf("%w: %q", ErrDigestMismatch, rel)
		}
	}

	if len(expected) > 0 {
		missing := make([]string, 0, len(expected))
		for p := range expected {
			missing = append(missing, p)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: missing %s", ErrDigestMismatch, strings.Join(missing, ", "))
	}
	return manifest, nil
}

func readManifest(tr *tar.Reader, signer *Signer) (*Manifest, error) {
	header, err := tr.Next()
	if err != nil || header.Name != manifestFileName {
		return nil, ErrMissingManifest
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != ManifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, fmt.Errorf("%w: manifest is unsigned", ErrSignature)
	}
	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, err
	}
	for _, f := range manifest.Files {
		if _, err := safeJoin("root", f.Path); err != nil {
			return nil, err
		}
	}
	return &manifest, nil
}

func safeJoin(root, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("invalid path %q", name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes destination", name)
	}
	return target, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
