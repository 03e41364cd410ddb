package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/SAP/leanix-custom-report-tools/pkg/metadata"
	"github.com/SAP/leanix-custom-report-tools/pkg/telemetry"
	"github.com/SAP/leanix-custom-report-tools/services/devserver"
	"github.com/SAP/leanix-custom-report-tools/services/plugin"
	"github.com/SAP/leanix-custom-report-tools/services/plugin/internal/config"
)

const serviceName = "lxr"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and converts any error into an exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, logger: telemetry.NewLogger(stderr, "", "")}
	cmd := a.rootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	return plugin.Report(a.logger, err)
}

type app struct {
	stdout io.Writer
	stderr io.Writer
	logger zerolog.Logger
	cfg    config.Config

	root        string
	credentials string
	packageJSON string
	envFile     string
	logLevel    string
	logFormat   string
}

func (a *app) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lxr",
		Short:         "Develop, bundle and upload LeanIX custom reports",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}

	a.bindRootFlags(cmd.PersistentFlags())
	cmd.AddCommand(a.devCommand())
	cmd.AddCommand(a.buildCommand("build", "Bundle the build output", ""))
	cmd.AddCommand(a.buildCommand("upload", "Bundle the build output and upload it", plugin.ModeUpload))
	cmd.AddCommand(a.tokenCommand())
	cmd.AddCommand(a.metadataCommand())
	return cmd
}

func (a *app) bindRootFlags(fs *pflag.FlagSet) {
	fs.StringVar(&a.root, "root", ".", "Project root containing lxr.json and package.json")
	fs.StringVar(&a.credentials, "credentials", "", "Credentials file (default <root>/lxr.json, env LXR_CREDENTIALS)")
	fs.StringVar(&a.packageJSON, "package-json", "", "Report manifest (default <root>/package.json)")
	fs.StringVar(&a.envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	fs.StringVar(&a.logLevel, "log-level", "", "Log level (env LXR_LOG_LEVEL)")
	fs.StringVar(&a.logFormat, "log-format", "", "Log format: console or json (env LXR_LOG_FORMAT)")
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(ctx, a.envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.LogFormat = a.logFormat
	}
	if a.credentials != "" {
		cfg.Credentials = a.credentials
	}
	a.cfg = cfg
	a.logger = telemetry.NewLogger(a.stderr, cfg.LogFormat, cfg.LogLevel)
	return nil
}

func (a *app) manifestPath() string {
	if a.packageJSON != "" {
		return a.packageJSON
	}
	return filepath.Join(a.root, metadata.DefaultPath)
}

func (a *app) session(opts plugin.Options) *plugin.Session {
	opts.PackageJSONPath = a.manifestPath()
	opts.CredentialsPath = a.cfg.Credentials
	opts.Logger = a.logger
	opts.HTTPTimeout = a.cfg.HTTPTimeout
	opts.UploadTimeout = a.cfg.UploadTimeout
	return plugin.New(opts)
}

// withTelemetry runs fn with tracing configured and flushes spans afterwards.
func (a *app) withTelemetry(ctx context.Context, fn func(context.Context) error) error {
	shutdown, err := telemetry.Init(ctx, serviceName, a.cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()
	return fn(ctx)
}

func (a *app) devCommand() *cobra.Command {
	var (
		dir       string
		host      string
		port      int
		rateLimit int
	)

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Serve a report directory and open it inside the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("relay-rate-limit") {
				rateLimit = a.cfg.RelayRate
			}
			return a.withTelemetry(cmd.Context(), func(ctx context.Context) error {
				return a.dev(ctx, dir, host, port, rateLimit)
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "Directory served by the dev server")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "Dev server bind host")
	cmd.Flags().IntVar(&port, "port", 5173, "Dev server port (0 picks a free port)")
	cmd.Flags().IntVar(&rateLimit, "relay-rate-limit", 0, "Relayed requests per minute, 0 disables (env LXR_RELAY_RATE_LIMIT)")
	return cmd
}

func (a *app) dev(ctx context.Context, dir, host string, port, rateLimit int) error {
	s := a.session(plugin.Options{RelayRateLimit: rateLimit})
	if err := s.Config(ctx, plugin.Env{Command: plugin.CommandServe, Root: a.root}); err != nil {
		return err
	}
	if err := s.ConfigResolved(ctx); err != nil {
		return err
	}

	srv, err := devserver.New(devserver.Config{Dir: dir, Host: host, Port: port, Logger: a.logger})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Close()

	if err := s.ConfigureServer(ctx, srv); err != nil {
		return err
	}
	watcher, err := plugin.NewWatcher(s)
	if err != nil {
		_ = s.CloseWatcher()
		return err
	}
	if err := s.PrintURLs(); err != nil {
		_ = watcher.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return watcher.Close()
	})
	return g.Wait()
}

func (a *app) buildCommand(use, short, mode string) *cobra.Command {
	var (
		outDir string
		output string
	)

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withTelemetry(cmd.Context(), func(ctx context.Context) error {
				s := a.session(plugin.Options{BundlePath: output})
				if err := s.Config(ctx, plugin.Env{Command: plugin.CommandBuild, Mode: mode, Root: a.root}); err != nil {
					return err
				}
				if err := s.ConfigResolved(ctx); err != nil {
					return err
				}
				if !filepath.IsAbs(outDir) {
					outDir = filepath.Join(a.root, outDir)
				}
				bundle, err := s.WriteBundle(ctx, outDir)
				if bundle != nil {
					fmt.Fprintf(a.stdout, "%s %s\n", bundle.SHA256, bundle.Path)
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&outDir, "out-dir", "dist", "Build output directory, relative to --root")
	cmd.Flags().StringVar(&output, "output", "", "Bundle path (default bundle.tgz next to --out-dir)")
	return cmd
}

func (a *app) tokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Exchange the API token and show the workspace it grants access to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s := a.session(plugin.Options{})
			if err := s.Config(ctx, plugin.Env{Command: plugin.CommandServe, Root: a.root}); err != nil {
				return err
			}
			if err := s.ConfigResolved(ctx); err != nil {
				return err
			}
			token, claims, _ := s.Token()
			if claims != nil {
				fmt.Fprintf(a.stdout, "instance:  %s\nworkspace: %s\n", claims.InstanceURL, claims.WorkspaceName())
			}
			if !token.ExpiresAt.IsZero() {
				fmt.Fprintf(a.stdout, "expires:   %s\n", token.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func (a *app) metadataCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Inspect the report manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate the report manifest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := a.manifestPath()
			if len(args) == 1 {
				path = args[0]
			}
			md, err := metadata.Read(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s %s is valid\n", md.ID, md.Version)
			return nil
		},
	})
	return cmd
}
