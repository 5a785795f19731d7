package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/sibyl-dev/sibyl/internal/adapter/postgres"
	"github.com/sibyl-dev/sibyl/internal/config"
	"github.com/sibyl-dev/sibyl/internal/domain/principal"
	"github.com/sibyl-dev/sibyl/internal/logger"
	"github.com/sibyl-dev/sibyl/internal/middleware"
	"github.com/sibyl-dev/sibyl/internal/secrets"
	"github.com/sibyl-dev/sibyl/internal/service"
)

// runAdmin dispatches admin subcommands (issue-token, revoke-token).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "issue-token":
		return runAdminIssueToken(args[1:])
	case "revoke-token":
		return runAdminRevokeToken(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: sibyl admin <command> [options]

Commands:
  issue-token    Mint a runner registration token
  revoke-token   Revoke a runner registration token
  help           Show this help message

Examples:
  sibyl admin issue-token --org acme --name build-host-1
  sibyl admin revoke-token --org acme --id 4f7c...
`)
}

func loadAdminDeps() (*service.RegistryService, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, closeLog := logger.New(cfg.Logging)

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		closeLog.Close()
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	vault, err := secrets.NewVault(tokenSecretLoader())
	if err != nil {
		pool.Close()
		closeLog.Close()
		return nil, nil, err
	}

	store := postgres.NewStore(pool)
	registry := service.NewRegistryService(store, nil, vault, nil, nil, log)

	cleanup := func() {
		pool.Close()
		closeLog.Close()
	}
	return registry, cleanup, nil
}

// tokenSecretLoader reads the HMAC key from the environment, prompting
// on the terminal when it is unset.
func tokenSecretLoader() secrets.Loader {
	return func() (map[string]string, error) {
		secret := os.Getenv(secrets.KeyRunnerTokenSecret)
		if secret == "" {
			var err error
			secret, err = promptSecret("Runner token secret: ")
			if err != nil {
				return nil, fmt.Errorf("read token secret: %w", err)
			}
		}
		if secret == "" {
			return nil, fmt.Errorf("%s is required", secrets.KeyRunnerTokenSecret)
		}
		return map[string]string{secrets.KeyRunnerTokenSecret: secret}, nil
	}
}

func runAdminIssueToken(args []string) error {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	org := fs.String("org", "", "organization id (required)")
	name := fs.String("name", "", "token name, e.g. the host it is for (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" {
		return fmt.Errorf("--org is required")
	}
	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	registry, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := middleware.WithPrincipal(context.Background(), &principal.Principal{
		OrganizationID: *org,
		Role:           principal.RoleAdmin,
	})
	tok, plain, err := registry.IssueToken(ctx, *name)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Token created: %s (id=%s)\n", tok.Name, tok.ID)
	fmt.Fprintln(os.Stderr, "The token is shown once and never stored:")
	fmt.Println(plain)
	return nil
}

func runAdminRevokeToken(args []string) error {
	fs := flag.NewFlagSet("revoke-token", flag.ContinueOnError)
	org := fs.String("org", "", "organization id (required)")
	id := fs.String("id", "", "token id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" {
		return fmt.Errorf("--org is required")
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}

	registry, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := middleware.WithPrincipal(context.Background(), &principal.Principal{
		OrganizationID: *org,
		Role:           principal.RoleAdmin,
	})
	if err := registry.RevokeToken(ctx, *id); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Token revoked: %s\n", *id)
	return nil
}

// promptSecret reads a secret from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
