package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.mau.fi/util/dbutil"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lrhodin/matrix-timeline/pkg/timeline"
)

type contextKey int

const (
	contextKeyStore contextKey = iota
	contextKeyLog
)

func getStore(ctx *cli.Context) timeline.Store {
	return ctx.Context.Value(contextKeyStore).(timeline.Store)
}

func getLog(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLog).(zerolog.Logger)
}

func prepareApp(ctx *cli.Context) error {
	level, err := zerolog.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	uri := ctx.String("db")
	dialect := "sqlite3"
	if strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://") {
		dialect = "postgres"
	}
	db, err := dbutil.NewWithDialect(uri, dialect)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "database").Logger())
	store, err := timeline.NewSQLStore(ctx.Context, db)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	newCtx := context.WithValue(ctx.Context, contextKeyStore, store)
	newCtx = context.WithValue(newCtx, contextKeyLog, log)
	ctx.Context = newCtx
	return nil
}

func main() {
	app := &cli.App{
		Name:    "timelinectl",
		Usage:   "Inspect a matrix-timeline database",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Usage: "Database URI (sqlite file path or postgres:// URI)",
				Value: "timeline.db",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level",
				Value: "warn",
			},
		},
		Before: prepareApp,
		Commands: []*cli.Command{
			roomsCommand,
			timelineCommand,
			outboxCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
