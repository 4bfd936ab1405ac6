package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/fiap/smartlocation/internal/api"
	"github.com/fiap/smartlocation/internal/log"
	"github.com/fiap/smartlocation/internal/model"
	"github.com/fiap/smartlocation/internal/service"
	"github.com/fiap/smartlocation/internal/store"
)

const configName = "smartlocation.yaml"

var (
	userConfigPath string // /default/config/path/smartlocation on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "smartlocation")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initSmartLocation

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("smartlocation failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "smartlocation",
	Short:        "Runs the motorcycle detection pipeline and collects its results",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve starts the HTTP API and runs analyses on request or on schedule",
	RunE:  doServe,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run executes a single analysis and prints its report",
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a smartlocation",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("smartlocation: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("smartlocation: %s\n", info.Main.Version)
		fmt.Printf("go:            %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:        %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:          %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:         %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("smartlocation",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	// a single run ignores the schedule
	cfg := config
	cfg.Service.Mode = model.ServiceModeManual

	supervisor, err := service.NewSupervisor(ctx, cfg, db)
	if err != nil {
		return err
	}
	return supervisor.SetOneshot(true).Do(ctx)
}

func doServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("smartlocation",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	metrics, err := service.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	supervisor, err := service.NewSupervisor(ctx, config, db, service.WithMetrics(metrics))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              config.HTTP.Address(),
		Handler:           api.NewRouter(&api.Handlers{Orch: supervisor.Orchestrator(), DB: db}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Do(gctx)
	})
	g.Go(func() error {
		slog.InfoContext(ctx, "starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context) (*sql.DB, error) {
	if config.Database.Path == "" {
		slog.DebugContext(ctx, "no database configured, run history is disabled")
		return nil, nil
	}
	db, err := store.Open(ctx, config.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", config.Database.Path, err)
	}
	return db, nil
}

func initSmartLocation(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("SMARTLOCATIONCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, configName)
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			var ce *model.ConfigError
			if errors.As(err, &ce) {
				for _, d := range ce.Details {
					slog.Error("invalid configuration", d.Attr("detail"))
				}
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	slog.SetDefault(log.New(config.Service.Verbose))

	slog.Debug("smartlocation run", "configPath", configPath)
	slog.Debug("smartlocation run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
