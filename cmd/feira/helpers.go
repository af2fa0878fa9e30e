package main

import (
	"fmt"
	"os"

	feiralivre "github.com/feiralivre/feiralivre-go"
)

// getSession loads the stored session identity, exiting when the user has
// not logged in yet.
func getSession() (feiralivre.Session, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	session := feiralivre.Session{
		UserID:      cfg.Session.UserID,
		DisplayName: cfg.Session.DisplayName,
		Token:       cfg.Session.Token,
	}
	if !session.Ready() {
		fmt.Fprintln(os.Stderr, "No session. Run 'feira login <user-id> <display-name> <token>' first.")
		os.Exit(1)
	}
	return session, cfg
}

// getClient creates a FeiraLivre client authenticated with the stored token.
func getClient() (*feiralivre.Client, feiralivre.Session, *Config) {
	session, cfg := getSession()

	var opts []feiralivre.ClientOption
	if cfg.API.BaseURL != "" {
		opts = append(opts, feiralivre.WithBaseURL(cfg.API.BaseURL))
	}

	return feiralivre.NewClient(session.Token, opts...), session, cfg
}
