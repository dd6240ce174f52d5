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
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/convlist"
)

var conversationsCommand = &cli.Command{
	Name:    "conversations",
	Aliases: []string{"ls"},
	Usage:   "Print the merged conversation list once",
	Before:  prepareService,
	After:   closeService,
	Action:  cmdConversations,
}

func cmdConversations(ctx *cli.Context) error {
	svc := getService(ctx)

	done := make(chan []convlist.View, 1)
	var once sync.Once
	unsub := svc.SubscribeConversationList(func(views []convlist.View) {
		once.Do(func() { done <- views })
	})
	defer unsub()

	select {
	case views := <-done:
		printViews(svc.UserID(), views)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timed out waiting for the conversation list")
	}
	return nil
}

func printViews(viewer string, views []convlist.View) {
	if len(views) == 0 {
		fmt.Println("No conversations")
		return
	}
	for _, v := range views {
		badge := ""
		if v.Unread > 0 {
			badge = fmt.Sprintf(" (%d unread)", v.Unread)
		}
		others := make([]string, 0, len(v.Conversation.Participants))
		for _, p := range v.Conversation.Participants {
			if p != viewer {
				others = append(others, p)
			}
		}
		ts := time.UnixMilli(v.LastMessage.Timestamp).Format("2006-01-02 15:04")
		fmt.Printf("%s  %s%s\n    %s: %s  [%s]\n",
			v.Conversation.ID, strings.Join(others, ", "), badge,
			v.LastMessage.Sender, v.LastMessage.Text, ts)
	}
}
