// Package plugin drives the custom report lifecycle: credentials and token before anything
// talks to the workspace, a relay and launch URL while developing, and a validated bundle plus
// upload when a build completes. A build runner calls the Session hooks in order.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SAP/leanix-custom-report-tools/pkg/auth"
	"github.com/SAP/leanix-custom-report-tools/pkg/credentials"
	"github.com/SAP/leanix-custom-report-tools/pkg/metadata"
	"github.com/SAP/leanix-custom-report-tools/pkg/transport"
	"github.com/SAP/leanix-custom-report-tools/services/bundler"
	"github.com/SAP/leanix-custom-report-tools/services/relay"
)

// Command is the build runner's top-level command.
type Command string

const (
	CommandServe Command = "serve"
	CommandBuild Command = "build"

	// ModeUpload turns a build into build-and-upload.
	ModeUpload = "upload"

	defaultUploadTimeout = 5 * time.Minute
)

// ErrNoAccessToken is returned by ConfigureServer when ConfigResolved did not obtain a token.
var ErrNoAccessToken = errors.New("missing access token")

// Env is what the build runner knows when it first consults the plugin.
type Env struct {
	Command Command
	Mode    string
	// Root is the project root; lxr.json and the dev manifest are looked up here.
	Root string
}

// Options configures a Session.
type Options struct {
	// PackageJSONPath is the manifest validated by WriteBundle; defaults to package.json in the
	// working directory.
	PackageJSONPath string
	// CredentialsPath overrides <root>/lxr.json.
	CredentialsPath string
	// BundlePath overrides bundle.tgz next to the output directory.
	BundlePath string
	Logger     zerolog.Logger
	// HTTPClient is used for the token exchange and the upload when set.
	HTTPClient    *http.Client
	HTTPTimeout   time.Duration
	UploadTimeout time.Duration

	RelayListen    string
	RelayRateLimit int
	// RelayTransport replaces the relay's outbound round tripper.
	RelayTransport http.RoundTripper

	Now func() time.Time
}

// DevServer is the dev server the relay is paired with. Addr is nil until it listens.
type DevServer interface {
	Host() string
	Addr() net.Addr
}

// ResolvedURLs replaces the dev server's own URL list.
type ResolvedURLs struct {
	Local   []string
	Network []string
}

// Session holds the state one build runner invocation accumulates across hooks.
type Session struct {
	opts   Options
	logger zerolog.Logger
	auth   *auth.Client

	env             Env
	shouldUpload    bool
	loadCredentials bool
	credentials     credentials.Credentials
	accessToken     *auth.AccessToken
	claims          *auth.JwtClaims

	mu           sync.Mutex
	devMetadata  *metadata.CustomReportMetadata
	relay        *relay.Relay
	devServerURL string
	relayURL     string
}

// New returns a Session. No I/O happens until the first hook.
func New(opts Options) *Session {
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = defaultUploadTimeout
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = transport.DefaultTimeout
	}
	return &Session{
		opts:   opts,
		logger: opts.Logger,
		auth: &auth.Client{
			HTTPClient: opts.HTTPClient,
			Timeout:    opts.HTTPTimeout,
			Now:        opts.Now,
		},
	}
}

// Config records the invocation and, when serving or uploading, loads the credentials.
func (s *Session) Config(_ context.Context, env Env) error {
	s.env = env
	s.shouldUpload = env.Mode == ModeUpload
	s.loadCredentials = env.Command == CommandServe || s.shouldUpload
	if !s.loadCredentials {
		return nil
	}

	var (
		creds credentials.Credentials
		err   error
	)
	if s.opts.CredentialsPath != "" {
		creds, err = credentials.LoadFile(s.opts.CredentialsPath)
	} else {
		creds, err = credentials.Load(env.Root)
	}
	if err != nil {
		return err
	}
	s.credentials = creds
	return nil
}

// ConfigResolved reads the dev title and exchanges the API token when credentials were loaded.
func (s *Session) ConfigResolved(ctx context.Context) error {
	s.mu.Lock()
	s.devMetadata = metadata.ReadDev(s.devManifestPath())
	s.mu.Unlock()

	if !s.loadCredentials {
		return nil
	}
	if s.credentials.HasProxy() {
		s.logger.Info().Str("proxy", s.credentials.ProxyURL).Msgf("Using proxy: %s", s.credentials.ProxyURL)
	}

	token, err := s.auth.AccessToken(ctx, s.credentials)
	if err != nil {
		return err
	}
	s.accessToken = &token
	s.claims = auth.Claims(token.AccessToken)
	if s.claims != nil {
		s.logger.Info().Str("workspace", s.claims.WorkspaceName()).Msgf("Using workspace: %s", s.claims.WorkspaceName())
	}
	return nil
}

func (s *Session) devManifestPath() string {
	return filepath.Join(s.env.Root, metadata.DefaultPath)
}

// RefreshMetadata re-reads the dev manifest so the next launch URL carries the current title.
func (s *Session) RefreshMetadata() {
	meta := metadata.ReadDev(s.devManifestPath())
	s.mu.Lock()
	s.devMetadata = meta
	s.mu.Unlock()
}

// ConfigureServer starts the relay next to a listening dev server. A nil server, or one that
// is not listening, leaves the session without a relay.
func (s *Session) ConfigureServer(ctx context.Context, srv DevServer) error {
	if srv == nil || srv.Addr() == nil {
		return nil
	}
	if s.accessToken == nil {
		return ErrNoAccessToken
	}

	r, err := relay.New(relay.Config{
		Host:      s.credentials.Host,
		ProxyURL:  s.credentials.ProxyURL,
		Listen:    s.opts.RelayListen,
		RateLimit: s.opts.RelayRateLimit,
		Logger:    s.logger,
		Transport: s.opts.RelayTransport,
	})
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return err
	}

	hostname := relay.ResolveHostname(srv.Host()).Name
	devURL, err := relay.BaseURL(hostname, srv.Addr())
	if err != nil {
		_ = r.Close()
		return err
	}
	relayURL, err := relay.BaseURL(hostname, r.Addr())
	if err != nil {
		_ = r.Close()
		return err
	}

	s.mu.Lock()
	previous := s.relay
	s.relay = r
	s.devServerURL = devURL
	s.relayURL = relayURL
	s.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

// LaunchURL composes the workspace deep link from the current session state.
func (s *Session) LaunchURL() (string, error) {
	if s.accessToken == nil {
		return "", ErrNoAccessToken
	}
	s.mu.Lock()
	devURL, relayURL := s.devServerURL, s.relayURL
	var title string
	if s.devMetadata != nil {
		title = s.devMetadata.Title
	}
	s.mu.Unlock()

	if devURL == "" {
		return "", errors.New("dev server is not configured")
	}
	return relay.LaunchURL(devURL, s.accessToken.AccessToken, relayURL, title)
}

// ResolvedURLs lists the launch URL as the only local URL.
func (s *Session) ResolvedURLs() (ResolvedURLs, error) {
	launchURL, err := s.LaunchURL()
	if err != nil {
		return ResolvedURLs{}, err
	}
	return ResolvedURLs{Local: []string{launchURL}, Network: []string{}}, nil
}

// PrintURLs logs the launch URL in place of the dev server's address banner.
func (s *Session) PrintURLs() error {
	launchURL, err := s.LaunchURL()
	if err != nil {
		return err
	}
	s.logger.Info().Msgf("Your LeanIX Custom Report is running at:\n  %s\n", launchURL)
	return nil
}

// RelayAddr returns the relay's bound address, or nil when no relay runs.
func (s *Session) RelayAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relay.Addr()
}

// CloseWatcher stops the relay. Safe without a relay and when called twice.
func (s *Session) CloseWatcher() error {
	s.mu.Lock()
	r := s.relay
	s.relay = nil
	s.mu.Unlock()
	return r.Close()
}

// WriteBundle validates the manifest, bundles outDir and, in upload mode, sends the bundle.
// The bundle stays on disk whatever the upload outcome.
func (s *Session) WriteBundle(ctx context.Context, outDir string) (*bundler.Bundle, error) {
	meta, err := metadata.Read(s.opts.PackageJSONPath)
	if err != nil {
		return nil, err
	}
	if outDir == "" {
		return nil, &bundler.BuildError{Err: errors.New("output directory is unknown")}
	}

	bundle, err := bundler.CreateBundle(ctx, bundler.BuildConfig{
		Metadata:  meta,
		OutputDir: outDir,
		Output:    s.opts.BundlePath,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("bundle", bundle.Path).Int("files", len(bundle.Files)).Str("sha256", bundle.SHA256).Msg("bundle written")

	if !s.shouldUpload || s.accessToken == nil {
		return bundle, nil
	}
	if err := s.upload(ctx, meta, bundle); err != nil {
		return bundle, err
	}
	return bundle, nil
}

func (s *Session) upload(ctx context.Context, meta metadata.CustomReportMetadata, bundle *bundler.Bundle) error {
	store := s.credentials.Store
	targetsStore := s.credentials.TargetsStore()
	bearer := s.accessToken.AccessToken

	switch {
	case targetsStore:
		s.logger.Info().Str("asset_id", store.AssetID).Msgf("Deploying asset id %s to %s...", store.AssetID, auth.StoreHost(*store))
		if store.APIToken != "" {
			token, err := s.auth.StoreToken(ctx, *store, s.credentials.ProxyURL)
			if err != nil {
				return err
			}
			bearer = token.AccessToken
		}
	case s.claims != nil:
		s.logger.Info().Str("report", meta.ID).Str("version", meta.Version).
			Msgf("Uploading report %s with version %q to workspace %q...", meta.ID, meta.Version, s.claims.WorkspaceName())
	}

	_, err := bundler.Upload(ctx, bundler.UploadConfig{
		BundlePath:  bundle.Path,
		BearerToken: bearer,
		ProxyURL:    s.credentials.ProxyURL,
		Store:       store,
		HTTPClient:  s.opts.HTTPClient,
		Timeout:     s.opts.UploadTimeout,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", bundle.Path, err)
	}

	switch {
	case targetsStore:
		s.logger.Info().Msgf("Asset id %s has been deployed to %s", store.AssetID, auth.StoreHost(*store))
	case s.claims != nil:
		s.logger.Info().Msgf("Report %q with version %q was uploaded to workspace %q!", meta.ID, meta.Version, s.claims.WorkspaceName())
	}
	return nil
}

// Token returns the access token obtained by ConfigResolved.
func (s *Session) Token() (auth.AccessToken, *auth.JwtClaims, bool) {
	if s.accessToken == nil {
		return auth.AccessToken{}, nil, false
	}
	return *s.accessToken, s.claims, true
}
