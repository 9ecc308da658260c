package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/dotsetgreg/tripmind/pkg/bus"
	"github.com/dotsetgreg/tripmind/pkg/config"
	"github.com/dotsetgreg/tripmind/pkg/logger"
	"github.com/dotsetgreg/tripmind/pkg/memory"
	"github.com/dotsetgreg/tripmind/pkg/providers"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "tripmind"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath string
	tenant     string
	user       string
	debug      bool
}

func (o *globalOptions) identity() (memory.Identity, error) {
	ident := memory.Identity{TenantID: strings.TrimSpace(o.tenant), UserID: strings.TrimSpace(o.user)}
	if ident.TenantID == "" || ident.UserID == "" {
		return ident, fmt.Errorf("--tenant and --user are required")
	}
	return ident, nil
}

func (o *globalOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if strings.TrimSpace(path) == "" {
		path = config.DefaultPath
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func configureLogging(cfg *config.Config, debug bool) {
	logger.SetOutput(os.Stderr, cfg.Log.JSON)
	level := logger.ParseLevel(cfg.Log.Level)
	if debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)
}

// openService wires config, providers and storage into a memory service.
// The background sweeper is left to long-running commands.
func openService(ctx context.Context, opts *globalOptions, background bool, events *bus.EventBus) (*memory.Service, *config.Config, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	configureLogging(cfg, opts.debug)

	embedder, err := providers.CreateEmbedder(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("embedding provider: %w", err)
	}
	classifier, err := providers.CreateClassifier(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("classifier provider: %w", err)
	}

	deps := memory.Deps{Embedder: embedder, Classifier: classifier, Events: events}
	if strings.EqualFold(strings.TrimSpace(cfg.Storage.Driver), "postgres") {
		store, err := memory.NewPostgresStore(ctx, cfg.Storage.DatabaseURL, embedder.Dims())
		if err != nil {
			return nil, nil, err
		}
		deps.Store = store
	}

	svcCfg := cfg.ServiceConfig()
	if !background {
		svcCfg.SweepSchedule = "off"
	}
	svc, err := memory.NewService(ctx, svcCfg, deps)
	if err != nil {
		if deps.Store != nil {
			_ = deps.Store.Close()
		}
		return nil, nil, err
	}
	logger.DebugCF("cli", "Memory service ready", map[string]interface{}{
		"driver":     cfg.Storage.Driver,
		"embedder":   embedder.ModelID(),
		"classifier": providers.ClassifierName(cfg),
	})
	return svc, cfg, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
