// Command story-cache is an offline-first caching proxy for the story sharing app.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/wolfeidau/story-cache/credentials"
	"github.com/wolfeidau/story-cache/credentials/opprovider"
	"github.com/wolfeidau/story-cache/manifest"
	"github.com/wolfeidau/story-cache/server"
	"github.com/wolfeidau/story-cache/store/generations"
	"github.com/wolfeidau/story-cache/store/records"
	"github.com/wolfeidau/story-cache/telemetry"
)

var version = "dev"

// Globals are shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json"`
	DataDir   string `help:"Directory holding the record and cache databases." default:"./data" type:"path"`

	logger *slog.Logger
	out    io.Writer
}

type CLI struct {
	Globals

	Serve       ServeCmd       `cmd:"" default:"withargs" help:"Run the caching proxy (default)."`
	Manifest    ManifestCmd    `cmd:"" help:"Work with shell manifests."`
	Stories     StoriesCmd     `cmd:"" help:"Inspect the offline story store."`
	Generations GenerationsCmd `cmd:"" help:"List cache generations."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("story-cache"),
		kong.Description("Offline-first caching proxy for the story sharing app."),
		kong.DefaultEnvars("STORY_CACHE"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)
	cli.logger = logger
	cli.out = os.Stdout

	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func newLogger(levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    !isTerminal(os.Stderr),
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ServeCmd runs the proxy.
type ServeCmd struct {
	Address      string   `help:"Address to listen on." default:":8080"`
	Origin       string   `help:"Application origin serving the shell, e.g. https://stories.example.com." required:""`
	APIPrefix    string   `name:"api-prefix" help:"Story API base URL, e.g. https://story-api.dicoding.dev/v1." required:""`
	ShellVersion int      `help:"Shell generation version. Bump whenever the manifest changes." default:"1"`
	ImageVersion int      `help:"Image generation version." default:"1"`
	APIVersion   int      `name:"api-snapshot-version" help:"API snapshot generation version." default:"1"`
	Precache     []string `help:"Shell URLs to precache, relative to the origin or absolute." sep:","`
	ManifestFile string   `help:"JSON manifest of shell URLs to precache." type:"existingfile"`
	APIToken     string   `name:"api-token" help:"Bearer token for API requests that carry none."`
	AuthToken    string   `help:"Bearer token protecting the /_sw and /_offline routes."`
	Credentials  string   `name:"credentials-file" help:"Credentials template resolving api_token and auth_token." type:"existingfile"`
	Prometheus   bool     `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
	OTLPEndpoint string   `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)."`
}

func (c *ServeCmd) Run(g *Globals) error {
	logger := g.logger

	entries := c.Precache
	if c.ManifestFile != "" {
		loaded, err := manifest.LoadFile(c.ManifestFile)
		if err != nil {
			return err
		}
		entries = append(entries, loaded...)
	}

	apiToken, authToken := c.APIToken, c.AuthToken
	if c.Credentials != "" {
		resolver := credentials.NewResolver(
			credentials.WithLogger(logger),
			opprovider.WithOnePassword(),
		)
		creds, err := resolver.ResolveFile(context.Background(), c.Credentials)
		if err != nil {
			return err
		}
		creds.Apply(&apiToken, &authToken)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "story-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:     c.Address,
		DataDir:     g.DataDir,
		Origin:      c.Origin,
		APIPrefix:   c.APIPrefix,
		Generations: generations.NewSet(c.ShellVersion, c.ImageVersion, c.APIVersion),
		Manifest:    entries,
		APIToken:    apiToken,
		AuthToken:   authToken,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"proxy_url", fmt.Sprintf("http://localhost%s", srv.Address()),
		"status_url", fmt.Sprintf("http://localhost%s/_sw/status", srv.Address()),
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		srv.Close()
		return err
	}
}

// ManifestCmd groups manifest tooling.
type ManifestCmd struct {
	Discover ManifestDiscoverCmd `cmd:"" help:"Print the shell manifest referenced by an index page."`
}

// ManifestDiscoverCmd scans an index page for same-origin assets.
type ManifestDiscoverCmd struct {
	Index string `help:"Index HTML file to scan." required:"" type:"existingfile"`
	Path  string `help:"Path the index page is served at." default:"/index.html"`
}

func (c *ManifestDiscoverCmd) Run(g *Globals) error {
	f, err := os.Open(c.Index)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	urls, err := manifest.Discover(f, c.Path)
	if err != nil {
		return err
	}
	return printJSON(g.out, manifest.File{URLs: urls})
}

// StoriesCmd groups offline store tooling.
type StoriesCmd struct {
	List   StoriesListCmd   `cmd:"" help:"List stored stories, newest first."`
	Get    StoriesGetCmd    `cmd:"" help:"Print one stored story."`
	Delete StoriesDeleteCmd `cmd:"" help:"Remove a story from the offline store."`
}

func openRecords(g *Globals) (*records.Store, error) {
	store := records.New(filepath.Join(g.DataDir, "records.db"), records.WithLogger(g.logger))
	if err := store.Open(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

type StoriesListCmd struct{}

func (c *StoriesListCmd) Run(g *Globals) error {
	store, err := openRecords(g)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	stories, err := store.GetAll(context.Background())
	if err != nil {
		return err
	}
	return printJSON(g.out, stories)
}

type StoriesGetCmd struct {
	ID string `arg:"" help:"Story id."`
}

func (c *StoriesGetCmd) Run(g *Globals) error {
	store, err := openRecords(g)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	story, err := store.Get(context.Background(), c.ID)
	if err != nil {
		return fmt.Errorf("story %s: %w", c.ID, err)
	}
	return printJSON(g.out, story)
}

type StoriesDeleteCmd struct {
	ID string `arg:"" help:"Story id."`
}

func (c *StoriesDeleteCmd) Run(g *Globals) error {
	store, err := openRecords(g)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Delete(context.Background(), c.ID); err != nil {
		return err
	}
	g.logger.Info("deleted story", "id", c.ID)
	return nil
}

// GenerationsCmd lists cache generations.
type GenerationsCmd struct{}

func (c *GenerationsCmd) Run(g *Globals) error {
	mgr := generations.NewManager(filepath.Join(g.DataDir, "cache.db"), generations.WithLogger(g.logger))
	defer func() { _ = mgr.Close() }()

	infos, err := mgr.List(context.Background())
	if err != nil {
		return err
	}
	if infos == nil {
		infos = []generations.Info{}
	}
	return printJSON(g.out, infos)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
