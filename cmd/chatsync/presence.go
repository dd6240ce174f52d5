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
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/chat"
)

var presenceCommand = &cli.Command{
	Name:      "presence",
	Usage:     "Watch another user's presence",
	ArgsUsage: "USER",
	Before:    prepareService,
	After:     closeService,
	Action:    cmdPresence,
}

func cmdPresence(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a user id")
	}
	target := ctx.Args().Get(0)
	svc := getService(ctx)

	handle, err := svc.SubscribePresence(target, func(rec *chat.PresenceRecord) {
		since := time.UnixMilli(rec.LastChanged).Format(time.Kitchen)
		line := fmt.Sprintf("%s is %s (since %s)", rec.UserID, rec.State, since)
		if rec.ActiveConversation != "" {
			line += fmt.Sprintf(", viewing %s", rec.ActiveConversation)
		}
		fmt.Println(line)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer handle.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	return nil
}
