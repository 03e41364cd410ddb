package bundler

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	// MetadataFileName is the report descriptor stored at the root of every bundle.
	MetadataFileName = "lxreport.json"
	// DefaultBundleName is used when no output path is configured.
	DefaultBundleName = "bundle.tgz"
)

// Entries carry a fixed timestamp so identical inputs produce identical archives.
var bundleModTime = time.Unix(0, 0).UTC()

// ErrBuild is matched by *BuildError.
var ErrBuild = errors.New("bundle build failed")

// BuildError wraps every failure while producing a bundle.
type BuildError struct {
	Dir string
	Err error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s for %q: %v", ErrBuild, e.Dir, e.Err)
}

func (e *BuildError) Unwrap() []error {
	return []error{ErrBuild, e.Err}
}

// Bundle describes a written archive.
type Bundle struct {
	Path   string
	Files  []File
	SHA256 string
}

// File is one build artifact inside the bundle.
type File struct {
	Path   string
	Size   int64
	SHA256 string
}

// CreateBundle packages the metadata and every regular file below cfg.OutputDir into a
// gzip-compressed tar. The output directory itself is never written to.
func CreateBundle(ctx context.Context, cfg BuildConfig) (*Bundle, error) {
	bundle, err := createBundle(ctx, cfg)
	if err != nil {
		return nil, &BuildError{Dir: cfg.OutputDir, Err: err}
	}
	return bundle, nil
}

func createBundle(ctx context.Context, cfg BuildConfig) (*Bundle, error) {
	if cfg.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	if cfg.Metadata.ID == "" {
		return nil, errors.New("metadata is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outDir, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	info, err := os.Stat(outDir)
	if err != nil {
		return nil, fmt.Errorf("stat output dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("output dir %q is not a directory", outDir)
	}

	target := cfg.Output
	if target == "" {
		target = filepath.Join(filepath.Dir(outDir), DefaultBundleName)
	}
	target, err = filepath.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("resolve bundle path: %w", err)
	}
	if insideDir(outDir, target) {
		return nil, fmt.Errorf("bundle path %q must be outside the output directory", target)
	}

	files, err := collectFiles(ctx, outDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("no build output found to bundle")
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	descriptor, err := json.MarshalIndent(cfg.Metadata, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	if err := writeBundle(ctx, target, descriptor, outDir, files); err != nil {
		return nil, err
	}

	digest, err := fileDigest(target)
	if err != nil {
		return nil, err
	}

	if cfg.Stdout != nil {
		fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d files)\n", target, len(files))
	}
	return &Bundle{Path: target, Files: files, SHA256: digest}, nil
}

// insideDir reports whether path is dir itself or lies below it.
func insideDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func collectFiles(ctx context.Context, root string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		rel = filepath.ToSlash(rel)
		// the descriptor is generated from validated metadata
		if rel == MetadataFileName {
			return nil
		}

		sum, size, err := hashFile(path)
		if err != nil {
			return err
		}
		files = append(files, File{Path: rel, Size: size, SHA256: sum})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func writeBundle(ctx context.Context, output string, descriptor []byte, root string, files []File) (err error) {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create bundle file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close bundle file: %w", cerr)
		}
	}()

	gz, err := gzip.NewWriterLevel(file, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	if err := writeEntry(tw, MetadataFileName, int64(len(descriptor)), bytes.NewReader(descriptor)); err != nil {
		return err
	}

	for _, entry := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := os.Open(filepath.Join(root, filepath.FromSlash(entry.Path)))
		if err != nil {
			return fmt.Errorf("open %q: %w", entry.Path, err)
		}
		err = writeEntry(tw, entry.Path, entry.Size, f)
		f.Close()
		if err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}

func writeEntry(tw *tar.Writer, name string, size int64, r io.Reader) error {
	header := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     size,
		ModTime:  bundleModTime,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", name, err)
	}
	n, err := io.Copy(tw, r)
	if err != nil {
		return fmt.Errorf("copy %q: %w", name, err)
	}
	if n != size {
		return fmt.Errorf("%q changed while bundling: expected %d bytes, got %d", name, size, n)
	}
	return nil
}

func hashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

func fileDigest(path string) (string, error) {
	sum, _, err := hashFile(path)
	return sum, err
}
