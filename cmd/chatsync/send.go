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
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/chat"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a text message",
	ArgsUsage: "TEXT...",
	Before:    prepareService,
	After:     closeService,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "conversation",
			Aliases: []string{"c"},
			Usage:   "Conversation id to send into",
		},
		&cli.StringFlag{
			Name:  "to",
			Usage: "User id to start or continue a 1:1 conversation with",
		},
		&cli.StringFlag{
			Name:  "reply-to",
			Usage: "Message id this message replies to",
		},
	},
	Action: cmdSend,
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must provide the message text")
	}
	text := strings.Join(ctx.Args().Slice(), " ")
	svc := getService(ctx)

	convID := ctx.String("conversation")
	if to := ctx.String("to"); to != "" {
		if convID != "" {
			return fmt.Errorf("--conversation and --to are mutually exclusive")
		}
		conv, err := svc.StartDirectConversation(ctx.Context, to)
		if err != nil {
			return fmt.Errorf("failed to open conversation with %s: %w", to, err)
		}
		convID = conv.ID
	}
	if convID == "" {
		return fmt.Errorf("either --conversation or --to is required")
	}

	id, err := svc.SendMessage(ctx.Context, convID, chat.MessageText, text, ctx.String("reply-to"))
	if err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	fmt.Printf("Sent %s to %s\n", id, convID)
	return nil
}
