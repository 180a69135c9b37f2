// Package main provides the CLI entry point for the socks5d proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/socks5d/socks5d/internal/admin"
	"github.com/socks5d/socks5d/internal/config"
	"github.com/socks5d/socks5d/internal/logging"
	"github.com/socks5d/socks5d/internal/metrics"
	"github.com/socks5d/socks5d/internal/socks5"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "socks5d",
		Short:   "socks5d - a SOCKS5 proxy server",
		Long:    "socks5d is a SOCKS5 proxy server supporting Username/Password authentication, an optional WebSocket-carried ingress, and Prometheus metrics.",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(hashPasswordCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	}
}

func hashPasswordCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Generate a bcrypt hash for use in auth.users[].password_hash",
		Long: `Generate a bcrypt password hash for the proxy's configuration file.

If no password is given as an argument, you will be prompted to enter one
interactively (recommended, since it keeps the plaintext out of shell
history).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) > 0 {
				password = args[0]
			} else {
				fmt.Print("Enter password: ")
				pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}

				fmt.Print("Confirm password: ")
				confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("failed to read confirmation: %w", err)
				}

				if string(pwBytes) != string(confirmBytes) {
					return fmt.Errorf("passwords do not match")
				}
				password = string(pwBytes)
			}

			if password == "" {
				return fmt.Errorf("password cannot be empty")
			}
			if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
				return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return fmt.Errorf("failed to generate hash: %w", err)
			}
			fmt.Println(string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor (4-31, higher = slower but more secure)")
	return cmd
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SOCKS5 proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file (defaults built in if omitted)")
	return cmd
}

func runServe(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting socks5d", logging.KeyComponent, "main", "version", Version)

	m := metrics.NewMetrics()

	authCfg := socks5.AuthHandlerConfig{Required: cfg.Auth.Required}
	if len(cfg.Auth.Users) > 0 {
		authCfg.HashedUsers = make(map[string]string)
		authCfg.Users = make(map[string]string)
		for _, u := range cfg.Auth.Users {
			if u.PasswordHash != "" {
				authCfg.HashedUsers[u.Username] = u.PasswordHash
			} else {
				authCfg.Users[u.Username] = u.Password
			}
		}
	}
	auth := socks5.BuildAuthHandler(authCfg)

	serverCfg := socks5.DefaultServerConfig()
	serverCfg.Address = cfg.Proxy.Address
	serverCfg.MaxConnections = cfg.Proxy.MaxConnections
	serverCfg.Auth = auth
	serverCfg.Events = &slogEventHandler{logger: logger}
	serverCfg.Metrics = m
	serverCfg.Logger = logger
	serverCfg.Timeouts = socks5.Timeouts{
		Greeting: cfg.Proxy.GreetingTimeout,
		Auth:     cfg.Proxy.AuthTimeout,
		Request:  cfg.Proxy.RequestTimeout,
		Dial:     cfg.Proxy.DialTimeout,
	}

	server := socks5.NewServer(serverCfg)
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start proxy: %w", err)
	}
	logger.Info("proxy listening", logging.KeyAddress, server.Address().String())

	var wsListener *socks5.WebSocketListener
	if cfg.WS.Enabled {
		wsCfg := socks5.NewWebSocketListenerConfig(serverCfg, cfg.WS.Address, cfg.WS.Path, nil, cfg.WS.PlainText, nil, func(err error) {
			logger.Error("websocket listener error", logging.KeyError, err.Error())
		})
		if !cfg.WS.PlainText {
			cert, err := loadTLSConfig(cfg.WS.CertFile, cfg.WS.KeyFile)
			if err != nil {
				server.Stop()
				return fmt.Errorf("failed to load websocket TLS materials: %w", err)
			}
			wsCfg.TLSConfig = cert
		}

		var err error
		wsListener, err = socks5.NewWebSocketListener(wsCfg)
		if err != nil {
			server.Stop()
			return fmt.Errorf("failed to configure websocket listener: %w", err)
		}
		if err := wsListener.Start(); err != nil {
			server.Stop()
			return fmt.Errorf("failed to start websocket listener: %w", err)
		}
		logger.Info("websocket proxy listening", logging.KeyAddress, wsListener.Address())
	}

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.NewServer(admin.ServerConfig{Address: cfg.Admin.Address}, server)
		if err := adminServer.Start(); err != nil {
			logger.Error("failed to start admin server", logging.KeyError, err.Error())
		} else {
			logger.Info("admin server listening", logging.KeyAddress, adminServer.Address().String())
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if adminServer != nil {
		adminServer.Stop()
	}
	if wsListener != nil {
		wsListener.Stop()
	}
	if err := server.StopWithContext(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

