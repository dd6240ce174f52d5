// chatsync - A client-side chat synchronization engine.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"fmt"
	"sync"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/reconcile"
)

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "Print a conversation's message history",
	ArgsUsage: "CONVERSATION",
	Before:    prepareService,
	After:     closeService,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    "pages",
			Aliases: []string{"p"},
			Usage:   "Number of additional history pages to load",
			Value:   0,
		},
	},
	Action: cmdHistory,
}

func cmdHistory(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a conversation id")
	}
	convID := ctx.Args().Get(0)
	svc := getService(ctx)

	rec, release, err := svc.OpenConversation(ctx.Context, convID)
	if err != nil {
		return fmt.Errorf("failed to open conversation: %w", err)
	}
	defer release()

	for i := 0; i < ctx.Int("pages"); i++ {
		older, err := svc.LoadOlderMessages(ctx.Context, convID)
		if err != nil {
			return fmt.Errorf("failed to load older messages: %w", err)
		}
		if len(older) == 0 {
			break
		}
	}

	var mu sync.Mutex
	var latest reconcile.Snapshot
	unsub := rec.Subscribe(func(snap reconcile.Snapshot) {
		mu.Lock()
		latest = snap
		mu.Unlock()
	})
	unsub()

	mu.Lock()
	defer mu.Unlock()
	if !latest.HistoryExhausted {
		fmt.Println("(older messages available, use --pages to load more)")
	}
	for _, msg := range latest.Messages {
		printMessage(msg)
	}
	return nil
}
