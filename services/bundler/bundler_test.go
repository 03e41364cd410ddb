package bundler

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAP/leanix-custom-report-tools/pkg/metadata"
)

func testMetadata() metadata.CustomReportMetadata {
	return metadata.CustomReportMetadata{
		ID:            "net.example.report",
		Name:          "my-report",
		Title:         "My Report",
		Version:       "1.0.0",
		Author:        "Jane Doe",
		Description:   "Demo",
		DefaultConfig: map[string]any{"b": 1, "a": "x"},
	}
}

func writeDist(t *testing.T) string {
	t.Helper()
	project := t.TempDir()
	dist := filepath.Join(project, "dist")
	files := map[string]string{
		"index.html":       "<html></html>",
		"assets/main.js":   "console.log(1)",
		"assets/style.css": "body{}",
		"lxreport.json":    "stale",
		"assets/img/a.svg": "<svg/>",
	}
	for name, body := range files {
		path := filepath.Join(dist, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return dist
}

func readEntries(t *testing.T, path string) map[string]string {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	gz, err := gzip.NewReader(file)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	entries := map[string]string{}
	var order []string
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[header.Name] = string(data)
		order = append(order, header.Name)
	}
	require.NotEmpty(t, order)
	assert.Equal(t, MetadataFileName, order[0])
	return entries
}

func TestCreateBundleContents(t *testing.T) {
	dist := writeDist(t)

	bundle, err := CreateBundle(context.Background(), BuildConfig{Metadata: testMetadata(), OutputDir: dist})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(dist), DefaultBundleName), bundle.Path)
	assert.Len(t, bundle.Files, 4)
	assert.Equal(t, "assets/img/a.svg", bundle.Files[0].Path)

	entries := readEntries(t, bundle.Path)
	assert.Len(t, entries, 5)
	assert.Equal(t, "<html></html>", entries["index.html"])
	assert.Contains(t, entries[MetadataFileName], `"id": "net.example.report"`)
	assert.NotEqual(t, "stale", entries[MetadataFileName])
}

func TestCreateBundleDeterministic(t *testing.T) {
	dist := writeDist(t)
	out := t.TempDir()

	first, err := CreateBundle(context.Background(), BuildConfig{Metadata: testMetadata(), OutputDir: dist, Output: filepath.Join(out, "a.tgz")})
	require.NoError(t, err)
	second, err := CreateBundle(context.Background(), BuildConfig{Metadata: testMetadata(), OutputDir: dist, Output: filepath.Join(out, "b.tgz")})
	require.NoError(t, err)

	a, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	b, err := os.ReadFile(second.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))
	assert.Equal(t, first.SHA256, second.SHA256)
}

func TestCreateBundleDoesNotTouchOutputDir(t *testing.T) {
	dist := writeDist(t)
	before, err := os.ReadDir(dist)
	require.NoError(t, err)

	var stdout bytes.Buffer
	_, err = CreateBundle(context.Background(), BuildConfig{Metadata: testMetadata(), OutputDir: dist, Stdout: &stdout})
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "wrote bundle")

	after, err := os.ReadDir(dist)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestCreateBundleErrors(t *testing.T) {
	empty := t.TempDir()
	dist := writeDist(t)

	tests := []struct {
		name string
		cfg  BuildConfig
	}{
		{name: "missing dir", cfg: BuildConfig{Metadata: testMetadata(), OutputDir: filepath.Join(empty, "nope")}},
		{name: "empty dir", cfg: BuildConfig{Metadata: testMetadata(), OutputDir: empty}},
		{name: "no metadata", cfg: BuildConfig{OutputDir: dist}},
		{name: "output inside dir", cfg: BuildConfig{Metadata: testMetadata(), OutputDir: dist, Output: filepath.Join(dist, "bundle.tgz")}},
		{name: "dot-dot named output inside dir", cfg: BuildConfig{Metadata: testMetadata(), OutputDir: dist, Output: filepath.Join(dist, "..bundle.tgz")}},
		{name: "output is the dir", cfg: BuildConfig{Metadata: testMetadata(), OutputDir: dist, Output: dist}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CreateBundle(context.Background(), tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBuild))
			assert.False(t, errors.Is(err, ErrUpload))
		})
	}
}

func TestInsideDir(t *testing.T) {
	dir := filepath.Join(string(filepath.Separator), "work", "dist")

	tests := []struct {
		path string
		want bool
	}{
		{path: dir, want: true},
		{path: filepath.Join(dir, "bundle.tgz"), want: true},
		{path: filepath.Join(dir, "..bundle.tgz"), want: true},
		{path: filepath.Join(dir, "assets", "..", "b.tgz"), want: true},
		{path: filepath.Join(dir, "..", "bundle.tgz"), want: false},
		{path: filepath.Dir(dir), want: false},
		{path: filepath.Join(string(filepath.Separator), "work", "dist2", "bundle.tgz"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, insideDir(dir, tt.path))
		})
	}
}

func TestCreateBundleCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CreateBundle(ctx, BuildConfig{Metadata: testMetadata(), OutputDir: writeDist(t)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
