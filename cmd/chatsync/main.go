// chatsync - A client-side chat synchronization engine.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/chatsync"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyService
)

func getConfig(ctx *cli.Context) *chatsync.Config {
	return ctx.Context.Value(contextKeyConfig).(*chatsync.Config)
}

func getService(ctx *cli.Context) *chatsync.Service {
	return ctx.Context.Value(contextKeyService).(*chatsync.Service)
}

func getConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "chatsync", "config.yaml")
}

func makeLogger(ctx *cli.Context) zerolog.Logger {
	level := zerolog.WarnLevel
	if ctx.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Kitchen,
	}).With().Timestamp().Logger().Level(level)
}

// prepareService signs in as --user and starts the engine. Commands
// that touch the stores use it as their Before hook.
func prepareService(ctx *cli.Context) error {
	user := ctx.String("user")
	if user == "" {
		return fmt.Errorf("the --user flag is required")
	}
	cfg := chatsync.DefaultConfig()
	path := ctx.String("config")
	if _, err := os.Stat(path); err == nil {
		cfg, err = chatsync.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	svc, err := chatsync.New(user, cfg, makeLogger(ctx))
	if err != nil {
		return err
	}
	if err = svc.Start(ctx.Context); err != nil {
		svc.Close()
		return fmt.Errorf("failed to start sync engine: %w", err)
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyService, svc)
	ctx.Context = newCtx
	return nil
}

func closeService(ctx *cli.Context) error {
	if svc, ok := ctx.Context.Value(contextKeyService).(*chatsync.Service); ok {
		return svc.Close()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:    "chatsync",
		Usage:   "Inspect and drive the chat synchronization engine",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: getConfigPath(),
			},
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "User id to sign in as",
				EnvVars: []string{"CHATSYNC_USER"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			conversationsCommand,
			sendCommand,
			watchCommand,
			historyCommand,
			presenceCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
