/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/autojoin/internal/auth"
	"github.com/friendsincode/autojoin/internal/oauth"
	"github.com/friendsincode/autojoin/internal/server"
	"github.com/friendsincode/autojoin/internal/tabs"
)

var (
	loginNoBrowser bool

	tokenClient string
	tokenScopes []string
	tokenTTL    time.Duration
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to Google Calendar",
	Long: `Sign in to Google Calendar with read-only access.

The consent page opens in the configured browser; with --no-browser the URL
is printed instead. The token is stored in the data directory and refreshed
automatically by the daemon.`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored Google token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		if err := newProvider(nil).SignOut(); err != nil {
			return fmt.Errorf("sign out: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		if cfg.JWTSigningKey == "" {
			return fmt.Errorf("AUTOJOIN_JWT_SIGNING_KEY is not set; the API accepts unauthenticated requests")
		}
		signed, err := auth.Issue([]byte(cfg.JWTSigningKey), tokenClient, tokenScopes, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		return nil
	},
}

func init() {
	loginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "Print the consent URL instead of opening it")

	tokenCmd.Flags().StringVar(&tokenClient, "client", "cli", "Client name recorded in the token")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", []string{auth.ScopeRead, auth.ScopeWrite}, "Granted scopes")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "Token lifetime")

	rootCmd.AddCommand(loginCmd, logoutCmd, tokenCmd)
}

func newProvider(open oauth.URLOpener) *oauth.GoogleProvider {
	return oauth.NewGoogleProvider(oauth.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthSecret,
		TokenPath:    cfg.TokenPath,
		ListenAddr:   cfg.OAuthListenAddr,
	}, open, logger)
}

func runLogin(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var open oauth.URLOpener
	if loginNoBrowser {
		open = func(_ context.Context, url string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to sign in:\n\n  %s\n\n", url)
			return nil
		}
	} else {
		browser, err := tabs.New(tabs.Config{
			Backend:    cfg.BrowserBackend,
			ControlURL: cfg.BrowserControlURL,
			Headless:   false,
		}, logger)
		if err != nil {
			return err
		}
		defer browser.Shutdown()
		open = server.TabOpener(browser)
	}

	if _, err := newProvider(open).Login(ctx); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Signed in to Google Calendar.")

	// A running daemon picks up the new token on its next pass; ask for one now.
	refreshCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := newAPIClient(apiAddr(), apiToken).do(refreshCtx, http.MethodPost, "/api/v1/refresh", nil, nil); err != nil {
		logger.Debug().Err(err).Msg("daemon refresh after login skipped")
	}
	return nil
}

func apiAddr() string {
	if apiURL != "" {
		return apiURL
	}
	addr := cfg.ListenAddr()
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1:" + strings.TrimPrefix(addr, "0.0.0.0:")
	}
	return addr
}
