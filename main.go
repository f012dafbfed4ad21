// Description: remotefs server
// The serve command starts the http and websocket harness that opens FTP, SFTP and local
// sessions and runs the remote file operations on them.
// With --sftp-addr the local root is also served over SFTP to the same users.

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/telebroad/remotefs/config"
	"github.com/telebroad/remotefs/filesystem"
	"github.com/telebroad/remotefs/ftp"
	"github.com/telebroad/remotefs/httphandler"
	"github.com/telebroad/remotefs/keys"
	"github.com/telebroad/remotefs/ops"
	"github.com/telebroad/remotefs/session"
	"github.com/telebroad/remotefs/sftp"
	"github.com/telebroad/remotefs/tree"
	"github.com/telebroad/remotefs/users"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// version is set at build time via ldflags
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "remotefs",
		Short:         "Remote file operations over FTP, SFTP and local directories",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "remotefs", version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath, sftpAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the http harness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := setupLogger(os.Stdout, cfg.Log.Level, isatty.IsTerminal(os.Stdout.Fd()))
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, sftpAddr, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "TOML config file")
	cmd.Flags().StringVar(&sftpAddr, "sftp-addr", "", "serve the local root over SFTP on this address")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, sftpAddr string, logger *slog.Logger) error {
	u := newUsers(cfg.Local.Users, logger)
	registry, err := newRegistry(cfg, u, logger)
	if err != nil {
		return err
	}

	engine := tree.NewEngine()
	engine.MaxDepth = cfg.Tree.MaxDepth
	engine.SetLogger(logger)
	o := ops.New(registry, engine)
	o.SetLogger(logger)

	h := httphandler.NewHandler(o)
	h.SetLogger(logger)
	httpServer := httphandler.NewServer(cfg.HTTP.Addr, h)
	// try is the same of listen and serve but with a timeout if no error is returned it returns nil
	if err := httpServer.TryListenAndServe(time.Second); err != nil {
		return fmt.Errorf("error starting http server: %w", err)
	}
	logger.Info("HTTP server started", "addr", cfg.HTTP.Addr, "protocols", registry.Protocols())

	var sftpServer *sftp.Server
	if sftpAddr != "" {
		if cfg.Local.Root == "" {
			return errors.New("--sftp-addr needs local.root")
		}
		sftpServer = sftp.NewSFTPServer(sftpAddr, filesystem.NewLocalFS(cfg.Local.Root), u)
		sftpServer.HostKeyType = cfg.SFTP.HostKeyType
		sftpServer.SetLogger(logger)
		if err := sftpServer.TryListenAndServe(time.Second); err != nil {
			return fmt.Errorf("error starting sftp server: %w", err)
		}
		logger.Info("SFTP server started", "addr", sftpAddr, "root", cfg.Local.Root)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	// graceful shutdown, the http server first so no request opens a session while they close
	shutdownCtx, cancel := context.WithTimeoutCause(context.Background(), cfg.HTTP.ShutdownTimeout.Duration, fmt.Errorf("shutdown timed out"))
	defer cancel()
	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	if sftpServer != nil {
		if err := sftpServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sftp server close: %w", err))
		}
	}
	if err := registry.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("closing sessions: %w", err))
	}
	return errors.Join(errs...)
}

// newRegistry registers a service per configured protocol
func newRegistry(cfg *config.Config, u users.Users, logger *slog.Logger) (*session.Registry, error) {
	registry := session.NewRegistry()
	registry.SetLogger(logger)

	ftpService := ftp.NewService()
	ftpService.Timeout = cfg.FTP.Timeout.Duration
	if cfg.FTP.ExplicitTLS || cfg.FTP.ImplicitTLS {
		ftpService.TLSConfig = &tls.Config{InsecureSkipVerify: cfg.FTP.InsecureSkipVerify}
		ftpService.ImplicitTLS = cfg.FTP.ImplicitTLS
	}
	ftpService.SetLogger(logger)
	registry.Register("ftp", ftpService)

	sftpService := sftp.NewService()
	sftpService.Timeout = cfg.SFTP.Timeout.Duration
	sftpService.KnownHostsFile = cfg.SFTP.KnownHosts
	if cfg.SFTP.KeyFile != "" {
		signer, err := keys.LoadSigner(cfg.SFTP.KeyFile, cfg.SFTP.KeyPassphrase)
		if err != nil {
			return nil, err
		}
		sftpService.Signer = signer
	}
	sftpService.SetLogger(logger)
	registry.Register("sftp", sftpService)

	if cfg.Local.Root != "" {
		localService := filesystem.NewService(cfg.Local.Root, u)
		localService.SetLogger(logger)
		registry.Register("local", localService)
	}

	registry.SetDefaultProtocol(cfg.DefaultProtocol)
	return registry, nil
}

// newUsers loads the configured users of the local and sftp server side
func newUsers(list []config.UserConfig, logger *slog.Logger) *users.LocalUsers {
	u := users.NewLocalUsers()
	for _, uc := range list {
		user := u.Add(uc.Username, uc.Password, 0)
		for _, ip := range uc.IPs {
			user.AddIP(strings.TrimSpace(ip))
		}
		logger.Debug("user loaded", "username", uc.Username, "Allowed form origin IPs", uc.IPs)
	}
	if len(list) == 0 {
		logger.Info("no users configured, the local protocol rejects every login")
	}
	return u
}

func setupLogger(w io.Writer, level string, color bool) *slog.Logger {
	logLevel := slog.LevelInfo
	AddSource := false
	switch strings.ToUpper(level) {
	case "DEBUG":
		logLevel = slog.LevelDebug
		AddSource = true
	case "INFO":
		logLevel = slog.LevelInfo
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	}

	handlerOptions := &tint.Options{
		AddSource: AddSource,
		Level:     logLevel,
		NoColor:   !color,
	}

	logger := slog.New(tint.NewHandler(w, handlerOptions)).With("app", "remotefs")
	logger.Debug("Logger initialized", "level", logLevel)
	return logger
}
