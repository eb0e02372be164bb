// Package main is the credential management tool. It creates users and
// grants per-type access rights directly in the store's database; the
// bcrypt password hash it prints is the wire secret a client needs to
// talk to the server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"

	"ledgerstore/internal/models"
	"ledgerstore/internal/storage"
)

const usage = `Usage:
  useradm -d <dsn> create <username> <password>
  useradm -d <dsn> grant <username> <type> <GET|PUT|REMOVE>
  useradm -d <dsn> show <username>`

func main() {
	dsn := flag.String("d", "", "db address")
	flag.Parse()

	if *dsn == "" || flag.NArg() < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	db, err := storage.InitPostgres(*dsn)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer db.Close()
	backend := storage.NewPostgres(db)
	ctx := context.Background()

	args := flag.Args()
	switch args[0] {
	case "create":
		if flag.NArg() != 3 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		if err := create(ctx, backend, args[1], args[2]); err != nil {
			fmt.Fprintln(os.Stderr, "create:", err)
			os.Exit(1)
		}
	case "grant":
		if flag.NArg() != 4 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		if err := grant(ctx, backend, args[1], args[2], models.Action(args[3])); err != nil {
			fmt.Fprintln(os.Stderr, "grant:", err)
			os.Exit(1)
		}
	case "show":
		if err := show(ctx, backend, args[1]); err != nil {
			fmt.Fprintln(os.Stderr, "show:", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func create(ctx context.Context, backend *storage.Postgres, username, password string) error {
	if _, err := backend.User(ctx, username); err == nil {
		return fmt.Errorf("user %s already exists", username)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	profile := &models.UserProfile{
		Username:     username,
		PasswordHash: string(hash),
	}
	if err := backend.SaveUser(ctx, profile); err != nil {
		return err
	}

	fmt.Printf("created user %s\n", username)
	fmt.Printf("wire secret (store in the client config, shown only once):\n%s\n", hash)
	return nil
}

func grant(ctx context.Context, backend *storage.Postgres, username, typeName string, action models.Action) error {
	switch action {
	case models.ActionGet, models.ActionPut, models.ActionRemove:
	default:
		return fmt.Errorf("unknown action %q", action)
	}

	profile, err := backend.User(ctx, username)
	if err != nil {
		return err
	}
	if profile.HasRight(typeName, action) {
		fmt.Printf("%s already has %s on %s\n", username, action, typeName)
		return nil
	}
	profile.Rights = append(profile.Rights, models.Right{TypeName: typeName, Action: action})
	if err := backend.SaveUser(ctx, profile); err != nil {
		return err
	}
	fmt.Printf("granted %s on %s to %s\n", action, typeName, username)
	return nil
}

func show(ctx context.Context, backend *storage.Postgres, username string) error {
	profile, err := backend.User(ctx, username)
	if err != nil {
		return err
	}
	fmt.Printf("user: %s\n", profile.Username)
	for _, r := range profile.Rights {
		fmt.Printf("  %s %s\n", r.Action, r.TypeName)
	}
	return nil
}
