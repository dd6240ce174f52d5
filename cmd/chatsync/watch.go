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
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/chat"
	"github.com/lrhodin/chatsync/pkg/convlist"
	"github.com/lrhodin/chatsync/pkg/reconcile"
)

var watchCommand = &cli.Command{
	Name:      "watch",
	Usage:     "Stream live updates until interrupted",
	ArgsUsage: "[CONVERSATION]",
	Before:    prepareService,
	After:     closeService,
	Action:    cmdWatch,
}

// cmdWatch tails either the conversation list (no argument) or one
// conversation's reconciled message view.
func cmdWatch(ctx *cli.Context) error {
	svc := getService(ctx)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	if ctx.NArg() == 0 {
		unsub := svc.SubscribeConversationList(func(views []convlist.View) {
			fmt.Printf("--- %s ---\n", time.Now().Format(time.Kitchen))
			printViews(svc.UserID(), views)
		})
		defer unsub()
		<-stop
		return nil
	}

	convID := ctx.Args().Get(0)
	rec, release, err := svc.OpenConversation(ctx.Context, convID)
	if err != nil {
		return fmt.Errorf("failed to open conversation: %w", err)
	}
	defer release()
	if err = svc.SetActiveConversation(convID); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to publish active conversation: %v\n", err)
	}

	unsub := rec.Subscribe(func(snap reconcile.Snapshot) {
		fmt.Printf("--- %s ---\n", time.Now().Format(time.Kitchen))
		for _, msg := range snap.Messages {
			printMessage(msg)
		}
		if len(snap.Typing) > 0 {
			fmt.Printf("  %s typing...\n", strings.Join(snap.Typing, ", "))
		}
	})
	defer unsub()
	<-stop
	return nil
}

func printMessage(msg *chat.Message) {
	marker := " "
	if msg.Pending {
		marker = "~"
	} else if msg.Signal {
		marker = "*"
	}
	ts := time.UnixMilli(msg.CreatedAt).Format("15:04:05")
	fmt.Printf("%s [%s] %s: %s\n", marker, ts, msg.SenderID, msg.Payload)
}
