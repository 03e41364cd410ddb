package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAP/leanix-custom-report-tools/pkg/auth"
	"github.com/SAP/leanix-custom-report-tools/pkg/credentials"
	"github.com/SAP/leanix-custom-report-tools/pkg/metadata"
	"github.com/SAP/leanix-custom-report-tools/pkg/workspacetest"
	"github.com/SAP/leanix-custom-report-tools/services/bundler"
)

const manifest = `{
  "name": "capability-map",
  "version": "1.0.0",
  "author": "Report Team",
  "description": "Applications per capability",
  "leanixReport": {"id": "net.example.capability-map", "title": "Capability Map"}
}`

type fakeDevServer struct {
	host string
	addr net.Addr
}

func (f fakeDevServer) Host() string   { return f.host }
func (f fakeDevServer) Addr() net.Addr { return f.addr }

type project struct {
	root   string
	dist   string
	srv    *workspacetest.Server
	logBuf *bytes.Buffer
}

func newProject(t *testing.T, creds map[string]any) *project {
	t.Helper()
	root := t.TempDir()
	srv := workspacetest.NewServer(t, "secret-api-token", "Sandbox")

	if creds != nil {
		if _, ok := creds["host"]; !ok {
			creds["host"] = srv.Host()
		}
		data, err := json.Marshal(creds)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(root, credentials.FileName), data, 0o600))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, metadata.DefaultPath), []byte(manifest), 0o644))

	dist := filepath.Join(root, "dist")
	require.NoError(t, os.MkdirAll(dist, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dist, "index.html"), []byte("<html></html>"), 0o644))

	return &project{root: root, dist: dist, srv: srv, logBuf: &bytes.Buffer{}}
}

func (p *project) session() *Session {
	return New(Options{
		PackageJSONPath: filepath.Join(p.root, metadata.DefaultPath),
		Logger:          zerolog.New(p.logBuf),
		HTTPClient:      p.srv.Client(),
		RelayListen:     "127.0.0.1:0",
		RelayTransport:  p.srv.Client().Transport,
	})
}

func TestConfigMissingCredentials(t *testing.T) {
	p := newProject(t, nil)
	s := p.session()

	err := s.Config(context.Background(), Env{Command: CommandServe, Root: p.root})
	require.ErrorIs(t, err, credentials.ErrNotFound)

	var logs bytes.Buffer
	assert.Equal(t, 1, Report(zerolog.New(&logs), err))
	assert.Contains(t, logs.String(), "file not found in your project root")
	assert.Zero(t, p.srv.TokenRequests())
}

func TestConfigBuildSkipsCredentials(t *testing.T) {
	p := newProject(t, nil)
	s := p.session()

	require.NoError(t, s.Config(context.Background(), Env{Command: CommandBuild, Root: p.root}))
	require.NoError(t, s.ConfigResolved(context.Background()))
	_, _, ok := s.Token()
	assert.False(t, ok)
	assert.Zero(t, p.srv.TokenRequests())
}

func TestConfigResolvedUnauthorized(t *testing.T) {
	p := newProject(t, map[string]any{"apitoken": "wrong"})
	s := p.session()

	require.NoError(t, s.Config(context.Background(), Env{Command: CommandServe, Root: p.root}))
	err := s.ConfigResolved(context.Background())
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	var logs bytes.Buffer
	assert.Equal(t, 1, Report(zerolog.New(&logs), err))
	assert.Contains(t, logs.String(), "Invalid API token")
}

func startDevSession(t *testing.T, p *project) *Session {
	t.Helper()
	s := p.session()
	ctx := context.Background()
	require.NoError(t, s.Config(ctx, Env{Command: CommandServe, Root: p.root}))
	require.NoError(t, s.ConfigResolved(ctx))
	require.NoError(t, s.ConfigureServer(ctx, fakeDevServer{host: "0.0.0.0", addr: &net.TCPAddr{IP: net.IPv4zero, Port: 5173}}))
	t.Cleanup(func() { _ = s.CloseWatcher() })
	return s
}

func TestDevLaunchURL(t *testing.T) {
	p := newProject(t, map[string]any{"apitoken": "secret-api-token"})
	s := startDevSession(t, p)

	token, claims, ok := s.Token()
	require.True(t, ok)
	require.NotNil(t, claims)
	assert.Equal(t, "Sandbox", claims.WorkspaceName())

	relayAddr := s.RelayAddr()
	require.NotNil(t, relayAddr)
	relayPort := strconv.Itoa(relayAddr.(*net.TCPAddr).Port)

	urls, err := s.ResolvedURLs()
	require.NoError(t, err)
	require.Len(t, urls.Local, 1)
	assert.Empty(t, urls.Network)

	launch, err := url.Parse(urls.Local[0])
	require.NoError(t, err)
	assert.Equal(t, p.srv.Host(), launch.Host)
	assert.Equal(t, "/Sandbox/reports/dev", launch.Path)
	assert.Equal(t, "http://localhost:5173", launch.Query().Get("url"))
	assert.Equal(t, "http://localhost:"+relayPort, launch.Query().Get("relay"))
	assert.Equal(t, "Capability Map", launch.Query().Get("title"))
	assert.Equal(t, "access_token="+token.AccessToken, launch.Fragment)

	require.NoError(t, s.PrintURLs())
	assert.Contains(t, p.logBuf.String(), "Your LeanIX Custom Report is running at")
}

func TestRelayForwardsThroughSession(t *testing.T) {
	p := newProject(t, map[string]any{"apitoken": "secret-api-token"})
	s := startDevSession(t, p)

	resp, err := http.Get("http://" + s.RelayAddr().String() + "/services/pathfinder/v1/graphql")
	require.NoError(t, err)
	defer resp.Body.Close()

	var echo workspacetest.Echo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&echo))
	assert.Equal(t, p.srv.Host(), echo.Host)
	assert.Equal(t, "/services/pathfinder/v1/graphql", echo.Path)
}

func TestCloseWatcherReleasesRelay(t *testing.T) {
	p := newProject(t, map[string]any{"apitoken": "secret-api-token"})
	s := startDevSession(t, p)
	addr := s.RelayAddr().String()

	require.NoError(t, s.CloseWatcher())
	require.NoError(t, s.CloseWatcher())
	assert.Nil(t, s.RelayAddr())

	_, err := http.Get("http://" + addr + "/")
	assert.Error(t, err)
}

func TestCloseWatcherWithoutRelay(t *testing.T) {
	s := New(Options{Logger: zerolog.Nop()})
	require.NoError(t, s.CloseWatcher())
}

func TestConfigureServerGuards(t *testing.T) {
	p := newProject(t, map[string]any{"apitoken": "secret-api-token"})
	s := p.session()

	require.NoError(t, s.ConfigureServer(context.Background(), nil))
	require.NoError(t, s.ConfigureServer(context.Background(), fakeDevServer{host: "localhost"}))
	assert.Nil(t, s.RelayAddr())

	err := s.ConfigureServer(context.Background(), fakeDevServer{host: "localhost", addr: &net.TCPAddr{Port: 5173}})
	assert.ErrorIs(t, err, ErrNoAccessToken)
}

func TestWriteBundleBuildOnly(t *testing.T) {
	p := newProject(t, nil)
	s := p.session()
	require.NoError(t, s.Config(context.Background(), Env{Command: CommandBuild, Root: p.root}))
	require.NoError(t, s.ConfigResolved(context.Background()))

	bundle, err := s.WriteBundle(context.Background(), p.dist)
	require.NoError(t, err)
	assert.FileExists(t, bundle.Path)
	assert.Equal(t, filepath.Join(p.root, bundler.DefaultBundleName), bundle.Path)
	assert.Empty(t, p.srv.Uploads())
}

func uploadSession(t *testing.T, p *project) *Session {
	t.Helper()
	s := p.session()
	ctx := context.Background()
	require.NoError(t, s.Config(ctx, Env{Command: CommandBuild, Mode: ModeUpload, Root: p.root}))
	require.NoError(t, s.ConfigResolved(ctx))
	return s
}

func TestWriteBundleUploadsToWorkspace(t *testing.T) {
	p := newProject(t, map[string]any{"apitoken": "secret-api-token"})
	s := uploadSession(t, p)

	bundle, err := s.WriteBundle(context.Background(), p.dist)
	require.NoError(t, err)

	uploads := p.srv.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "/services/pathfinder/v1/reports/upload", uploads[0].Path)
	assert.Equal(t, bundler.DefaultBundleName, uploads[0].FileName)

	data, err := os.ReadFile(bundle.Path)
	require.NoError(t, err)
	assert.Equal(t, data, uploads[0].Body)
	assert.Contains(t, p.logBuf.String(), "was uploaded to workspace")
}

func TestWriteBundleUploadsToStore(t *testing.T) {
	p := newProject(t, map[string]any{"apitoken": "secret-api-token"})
	p.rewriteCredentials(t, map[string]any{
		"host":     p.srv.Host(),
		"apitoken": "secret-api-token",
		"store":    map[string]any{"assetId": "asset-42", "host": p.srv.Host(), "apitoken": "secret-api-token"},
	})
	s := uploadSession(t, p)

	_, err := s.WriteBundle(context.Background(), p.dist)
	require.NoError(t, err)

	uploads := p.srv.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "asset-42", uploads[0].AssetID)
	assert.Equal(t, 2, p.srv.TokenRequests())
	assert.Contains(t, p.logBuf.String(), "Deploying asset id asset-42")
}

func (p *project) rewriteCredentials(t *testing.T, creds map[string]any) {
	t.Helper()
	data, err := json.Marshal(creds)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(p.root, credentials.FileName), data, 0o600))
}

func TestWriteBundleRejectedKeepsBundle(t *testing.T) {
	p := newProject(t, map[string]any{"apitoken": "secret-api-token"})
	p.srv.UploadResponse = map[string]any{"status": "ERROR", "errors": []string{"version already exists"}}
	s := uploadSession(t, p)

	bundle, err := s.WriteBundle(context.Background(), p.dist)
	var rejected *bundler.RejectedError
	require.ErrorAs(t, err, &rejected)
	require.NotNil(t, bundle)
	assert.FileExists(t, bundle.Path)

	var logs bytes.Buffer
	assert.Equal(t, 1, Report(zerolog.New(&logs), err))
	assert.Contains(t, logs.String(), "version already exists")
}

func TestWriteBundleInvalidMetadata(t *testing.T) {
	p := newProject(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(p.root, metadata.DefaultPath), []byte(`{"name":"x","version":"one"}`), 0o644))
	s := p.session()
	require.NoError(t, s.Config(context.Background(), Env{Command: CommandBuild, Root: p.root}))

	bundle, err := s.WriteBundle(context.Background(), p.dist)
	require.Error(t, err)
	assert.Nil(t, bundle)
	assert.NoFileExists(t, filepath.Join(p.root, bundler.DefaultBundleName))

	var invalid *metadata.ValidationError
	require.ErrorAs(t, err, &invalid)

	var logs bytes.Buffer
	assert.Equal(t, 1, Report(zerolog.New(&logs), err))
	assert.Contains(t, logs.String(), "errors while validating metadata")
	assert.Contains(t, logs.String(), "#1 ")
}

func TestWriteBundleMissingMetadata(t *testing.T) {
	p := newProject(t, nil)
	s := New(Options{PackageJSONPath: filepath.Join(p.root, "missing.json"), Logger: zerolog.Nop()})

	_, err := s.WriteBundle(context.Background(), p.dist)
	require.ErrorIs(t, err, metadata.ErrNotFound)

	var logs bytes.Buffer
	assert.Equal(t, 1, Report(zerolog.New(&logs), err))
	assert.Contains(t, logs.String(), "Have you initialized this project?")
}

func TestWriteBundleUnknownOutDir(t *testing.T) {
	p := newProject(t, nil)
	s := p.session()

	_, err := s.WriteBundle(context.Background(), "")
	require.ErrorIs(t, err, bundler.ErrBuild)

	var logs bytes.Buffer
	assert.Equal(t, 1, Report(zerolog.New(&logs), err))
	assert.Contains(t, logs.String(), "Error while creating project bundle")
}

func TestReportNil(t *testing.T) {
	assert.Equal(t, 0, Report(zerolog.Nop(), nil))
}
