package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pvetools/scriptdeck/internal/backend"
	"github.com/pvetools/scriptdeck/internal/config"
	"github.com/pvetools/scriptdeck/internal/history"
	"github.com/pvetools/scriptdeck/internal/profile"
	"github.com/pvetools/scriptdeck/internal/scripts"
	"github.com/pvetools/scriptdeck/internal/session"
	"github.com/pvetools/scriptdeck/internal/sshexec"
	"github.com/pvetools/scriptdeck/internal/ws"
)

var (
	version = "dev"
	commit  = ""
)

type serveOptions struct {
	configPath  string
	listenAddr  string
	scriptsRoot string
	stagingDir  string
	logLevel    string
	logJSON     bool
}

func main() {
	opts := &serveOptions{}
	rootCmd := &cobra.Command{
		Use:   "scriptdeck",
		Short: "Proxmox VE helper-script dashboard",
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath(), "path to config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "emit logs as JSON (default when stderr is not a terminal)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	serveCmd.Flags().StringVar(&opts.listenAddr, "listen", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&opts.scriptsRoot, "scripts-root", "", "local scripts directory (overrides config)")
	serveCmd.Flags().StringVar(&opts.stagingDir, "staging-dir", "", "remote staging directory (overrides config)")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scriptdeck %s %s\n", version, commit)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, opts *serveOptions) error {
	logger := newLogger(opts)
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if opts.listenAddr != "" {
		cfg.ListenAddr = opts.listenAddr
	}
	if opts.scriptsRoot != "" {
		cfg.ScriptsRoot = opts.scriptsRoot
	}
	if opts.stagingDir != "" {
		cfg.StagingDir = opts.stagingDir
	}
	if err := os.MkdirAll(cfg.ScriptsRoot, 0o755); err != nil {
		return fmt.Errorf("scripts root: %w", err)
	}

	profiles, err := profile.Open(cfg.ProfilesPath)
	if err != nil {
		return fmt.Errorf("open profiles: %w", err)
	}
	records := history.Open(cfg.HistoryDir, logger)

	validator := &scripts.Validator{Root: cfg.ScriptsRoot}
	localRunner := &backend.LocalRunner{
		ScriptsRoot: cfg.ScriptsRoot,
		MaxDuration: cfg.MaxDuration(),
		Logger:      logger,
	}
	transfer := &sshexec.Transfer{
		LocalRoot:  cfg.ScriptsRoot,
		StagingDir: cfg.StagingDir,
		Logger:     logger,
	}
	shellRunner := &sshexec.ShellRunner{
		Transfer:    transfer,
		MaxDuration: cfg.MaxDuration(),
		Logger:      logger,
	}
	registry := session.New(localRunner, shellRunner, records, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", &ws.Handler{
		Registry:  registry,
		Validator: validator,
		Profiles:  profiles,
		Logger:    logger,
	})
	(&profile.API{Store: profiles, Logger: logger}).Register(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "scripts", cfg.ScriptsRoot)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newLogger(opts *serveOptions) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(opts.logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hopts := &slog.HandlerOptions{Level: level}
	if opts.logJSON || !term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts))
}
