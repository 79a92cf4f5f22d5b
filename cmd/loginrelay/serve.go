package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/loginrelay/loginrelay/pkg/identity"
	"github.com/loginrelay/loginrelay/pkg/nonce"
	"github.com/loginrelay/loginrelay/pkg/oidc"
	"github.com/loginrelay/loginrelay/pkg/rp"
	"github.com/loginrelay/loginrelay/pkg/rp/rpweb"
	"github.com/loginrelay/loginrelay/pkg/token"
	"github.com/loginrelay/loginrelay/pkg/util"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relying party server",
	Run: func(cmd *cobra.Command, args []string) {
		configPath := util.GetEnv("LOGINRELAY_CONFIG_PATH", "config/loginrelay.yaml")
		slog.Info("Loading config", "config_path", configPath)
		config, err := rp.LoadConfigFile(configPath)
		if err != nil {
			log.Fatal(err)
		}
		if err := serve(config); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(config *rp.Config) error {
	signingKey, err := loadSigningKey(config.SigningKeyPath)
	if err != nil {
		return err
	}

	users, err := openUserStore(config.UserDBPath)
	if err != nil {
		return err
	}

	issuerOpts := []token.IssuerOption{
		token.WithRequireVerifiedEmail(config.RequireVerifiedEmail),
	}
	if config.AccessTokenTTL > 0 {
		issuerOpts = append(issuerOpts, token.WithAccessTokenTTL(config.AccessTokenTTL.Std()))
	}
	if config.RefreshTokenTTL > 0 {
		issuerOpts = append(issuerOpts, token.WithRefreshTokenTTL(config.RefreshTokenTTL.Std()))
	}

	issuer, err := token.NewIssuer(config.BaseURL, signingKey, users, issuerOpts...)
	if err != nil {
		return fmt.Errorf("unable to create credential issuer: %w", err)
	}

	nonces, err := nonce.NewService()
	if err != nil {
		return err
	}

	serverOpts := []rp.Option{
		rp.WithIssuer(issuer),
		rp.WithNonceService(nonces),
		rp.WithSecureCookies(config.SecureCookies),
	}
	if config.AttemptTTL > 0 {
		serverOpts = append(serverOpts, rp.WithAttemptTTL(config.AttemptTTL.Std()))
	}
	if config.FlowTimeout > 0 {
		serverOpts = append(serverOpts, rp.WithFlowTimeout(config.FlowTimeout.Std()))
	}

	for _, providerConfig := range config.Providers {
		client, err := oidc.NewClient(providerConfig)
		if err != nil {
			return fmt.Errorf("unable to create OIDC client %q: %w", providerConfig.Name, err)
		}
		serverOpts = append(serverOpts, rp.WithOpenidProvider(client))
	}

	server, err := rp.NewServer(serverOpts...)
	if err != nil {
		return err
	}

	root := echo.New()
	root.HideBanner = true
	server.MountRoutes(root.Group(""))
	rpweb.MountRoutes(root, server)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := root.Shutdown(ctx); err != nil {
			slog.Error("Shutdown failed", "error", err)
		}
	}()

	slog.Info("Starting relying party server", "address", config.Address, "base_url", config.BaseURL)
	if err := root.Start(config.Address); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loadSigningKey reads the issuer signing key. Without a configured path a
// fresh key is generated, which invalidates all credentials on restart.
func loadSigningKey(path string) (jwk.Key, error) {
	if path == "" {
		slog.Warn("No signing key configured, generating an ephemeral key")
		return util.RandomJWK()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read signing key: %w", err)
	}
	key, err := jwk.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("unable to parse signing key: %w", err)
	}
	return key, nil
}

func openUserStore(path string) (identity.Store, error) {
	if path == "" {
		slog.Warn("No user database configured, using the in-memory store")
		return identity.NewMemoryStore(), nil
	}
	slog.Info("Opening user database", "path", path)
	return identity.OpenSQLiteStore(path)
}
