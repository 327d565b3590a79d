// Command provision bootstraps the users and groups that relay messages refer to.
//
//	provision user  -name alice
//	provision group -slug general -name "General" -admin alice
//	provision member -group general -user bob
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/grouprelay/internal/server"
	"github.com/Tyrowin/grouprelay/internal/store"
)

type provisioner interface {
	store.Provisioner
	Close() error
}

var errUsage = errors.New("usage: provision <user|group|member> [flags]")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	config, err := server.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger := server.NewLogger(config)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := open(ctx, config)
	if err != nil {
		logger.Error().Err(err).Msg("open database")
		return 1
	}
	defer func() { _ = p.Close() }()

	if err := execute(ctx, p, args, os.Stderr, logger); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		if errors.Is(err, errUsage) {
			logger.Error().Err(err).Msg("invalid arguments")
			return 2
		}
		logger.Error().Err(err).Msg("provision failed")
		return 1
	}
	return 0
}

func open(ctx context.Context, config *server.Config) (provisioner, error) {
	if config.DatabaseURL != "" {
		return store.OpenPostgres(ctx, config.DatabaseURL)
	}
	return store.OpenSQLite(ctx, config.SQLitePath)
}

// execute runs one subcommand against p.
func execute(ctx context.Context, p store.Provisioner, args []string, stderr io.Writer, logger zerolog.Logger) error {
	if len(args) == 0 {
		fmt.Fprintln(stderr, errUsage)
		return errUsage
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)

	switch args[0] {
	case "user":
		name := fs.String("name", "", "username")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *name == "" {
			return fmt.Errorf("%w: -name is required", errUsage)
		}
		id, err := p.CreateUser(ctx, *name)
		if err != nil {
			return fmt.Errorf("create user %q: %w", *name, err)
		}
		logger.Info().Int64("id", id).Str("username", *name).Msg("user created")

	case "group":
		slug := fs.String("slug", "", "group slug used in /ws/<slug>/")
		name := fs.String("name", "", "display name")
		admin := fs.String("admin", "", "username of the group admin")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if !server.ValidSlug(*slug) || *admin == "" {
			return fmt.Errorf("%w: -slug must match [-a-zA-Z0-9_]+ and -admin is required", errUsage)
		}
		if *name == "" {
			*name = *slug
		}
		id, err := p.CreateGroup(ctx, *slug, *name, *admin)
		if err != nil {
			return fmt.Errorf("create group %q: %w", *slug, err)
		}
		logger.Info().Int64("id", id).Str("slug", *slug).Msg("group created")

	case "member":
		group := fs.String("group", "", "group slug")
		user := fs.String("user", "", "username")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *group == "" || *user == "" {
			return fmt.Errorf("%w: -group and -user are required", errUsage)
		}
		if err := p.AddMember(ctx, *group, *user); err != nil {
			return fmt.Errorf("add %q to %q: %w", *user, *group, err)
		}
		logger.Info().Str("group", *group).Str("username", *user).Msg("member added")

	default:
		fmt.Fprintln(stderr, errUsage)
		return errUsage
	}

	return nil
}
