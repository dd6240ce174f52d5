// chatsync - A client-side chat synchronization engine.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package canonical

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/chatsync/pkg/chat"
)

// SQLiteStore implements Store over a local SQLite database. The
// change feed is process-local: writes through this client fan out to
// this client's subscribers after commit, in write order.
type SQLiteStore struct {
	db  *dbutil.Database
	log zerolog.Logger
	hub *changeHub

	// orderedIndex mirrors whether the composite last-message ordering
	// index was provisioned. Without it the store refuses ordered
	// conversation queries, like a document store rejecting an
	// unindexed composite query.
	orderedIndex bool
}

const defaultQueryLimit = 100

func NewSQLiteStore(path string, orderedIndex bool, log zerolog.Logger) (*SQLiteStore, error) {
	rawDB, err := sql.Open("sqlite3", path+"?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to wrap database: %w", err)
	}
	store := &SQLiteStore{
		db:           db,
		log:          log.With().Str("component", "canonical_sqlite").Logger(),
		hub:          newChangeHub(),
		orderedIndex: orderedIndex,
	}
	return store, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversation (
			id TEXT PRIMARY KEY,
			participants TEXT NOT NULL,
			display_names TEXT,
			last_sender TEXT NOT NULL DEFAULT '',
			last_text TEXT NOT NULL DEFAULT '',
			last_ts BIGINT NOT NULL DEFAULT 0,
			unread TEXT,
			cleared_before TEXT,
			hidden TEXT,
			created_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS participant (
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			PRIMARY KEY (user_id, conversation_id)
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			conversation_id TEXT NOT NULL,
			id TEXT NOT NULL,
			sender TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_ts BIGINT NOT NULL,
			delivered BOOLEAN NOT NULL DEFAULT FALSE,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			hidden_for TEXT,
			reply_to TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (conversation_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS user_activity (
			user_id TEXT PRIMARY KEY,
			last_active_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS message_conv_ts_idx
			ON message (conversation_id, created_ts, id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure canonical schema: %w", err)
		}
	}
	if s.orderedIndex {
		_, err := s.db.Exec(ctx, `CREATE INDEX IF NOT EXISTS conversation_last_ts_idx
			ON conversation (last_ts DESC, id)`)
		if err != nil {
			return fmt.Errorf("failed to create ordering index: %w", err)
		}
	}
	return nil
}

const conversationColumns = `id, participants, display_names, last_sender, last_text, last_ts, unread, cleared_before, hidden, created_ts`

func scanConversation(row dbutil.Scannable) (*chat.Conversation, error) {
	var conv chat.Conversation
	var participants string
	var displayNames, unread, clearedBefore, hidden sql.NullString
	err := row.Scan(&conv.ID, &participants, &displayNames, &conv.LastMessage.Sender,
		&conv.LastMessage.Text, &conv.LastMessage.Timestamp, &unread, &clearedBefore,
		&hidden, &conv.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &conv.Participants); err != nil {
		return nil, fmt.Errorf("corrupt participants for %s: %w", conv.ID, err)
	}
	unmarshalNullable(displayNames, &conv.DisplayNames)
	unmarshalNullable(unread, &conv.Unread)
	unmarshalNullable(clearedBefore, &conv.ClearedBefore)
	unmarshalNullable(hidden, &conv.Hidden)
	return &conv, nil
}

func unmarshalNullable[T any](src sql.NullString, dst *T) {
	if src.Valid && src.String != "" {
		_ = json.Unmarshal([]byte(src.String), dst)
	}
}

func marshalMap[T any](m map[string]T) any {
	if len(m) == 0 {
		return nil
	}
	data, _ := json.Marshal(m)
	return string(data)
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	row := s.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversation WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return conv, nil
}

func (s *SQLiteStore) CreateDirectConversation(ctx context.Context, a, b string) (*chat.Conversation, error) {
	id := chat.DirectConversationID(a, b)
	var conv *chat.Conversation
	created := false
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		row := s.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversation WHERE id = ?`, id)
		existing, err := scanConversation(row)
		if err == nil {
			conv = existing
			return nil
		} else if err != sql.ErrNoRows {
			return err
		}
		conv = &chat.Conversation{
			ID:           id,
			Participants: []string{a, b},
			CreatedAt:    chat.NowMS(),
		}
		created = true
		return s.insertConversationTxn(ctx, conv)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create direct conversation: %w", err)
	}
	if created {
		s.hub.broadcastConversation(nil, conv)
	}
	return conv, nil
}

func (s *SQLiteStore) CreateGroupConversation(ctx context.Context, participants []string) (*chat.Conversation, error) {
	conv := &chat.Conversation{
		ID:           uuid.NewString(),
		Participants: append([]string(nil), participants...),
		CreatedAt:    chat.NowMS(),
	}
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		return s.insertConversationTxn(ctx, conv)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create group conversation: %w", err)
	}
	s.hub.broadcastConversation(nil, conv)
	return conv, nil
}

func (s *SQLiteStore) insertConversationTxn(ctx context.Context, conv *chat.Conversation) error {
	participants, _ := json.Marshal(conv.Participants)
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversation (id, participants, display_names, last_sender, last_text, last_ts,
		                          unread, cleared_before, hidden, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, conv.ID, string(participants), marshalMap(conv.DisplayNames),
		conv.LastMessage.Sender, conv.LastMessage.Text, conv.LastMessage.Timestamp,
		marshalMap(conv.Unread), marshalMap(conv.ClearedBefore), marshalMap(conv.Hidden),
		conv.CreatedAt)
	if err != nil {
		return err
	}
	for _, p := range conv.Participants {
		if _, err := s.db.Exec(ctx, `INSERT OR IGNORE INTO participant (user_id, conversation_id) VALUES (?, ?)`, p, conv.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, mutate func(*chat.Conversation) error) error {
	var conv *chat.Conversation
	var prevMembers map[string]bool
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		row := s.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversation WHERE id = ?`, id)
		var err error
		conv, err = scanConversation(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		prevMembers = make(map[string]bool, len(conv.Participants))
		for _, p := range conv.Participants {
			prevMembers[p] = true
		}
		if err := mutate(conv); err != nil {
			return err
		}
		return s.writeConversationTxn(ctx, conv, prevMembers)
	})
	if err != nil {
		return err
	}
	s.hub.broadcastConversation(prevMembers, conv)
	return nil
}

func (s *SQLiteStore) writeConversationTxn(ctx context.Context, conv *chat.Conversation, prevMembers map[string]bool) error {
	participants, _ := json.Marshal(conv.Participants)
	_, err := s.db.Exec(ctx, `
		UPDATE conversation
		SET participants = ?, display_names = ?, last_sender = ?, last_text = ?, last_ts = ?,
		    unread = ?, cleared_before = ?, hidden = ?
		WHERE id = ?
	`, string(participants), marshalMap(conv.DisplayNames),
		conv.LastMessage.Sender, conv.LastMessage.Text, conv.LastMessage.Timestamp,
		marshalMap(conv.Unread), marshalMap(conv.ClearedBefore), marshalMap(conv.Hidden),
		conv.ID)
	if err != nil {
		return err
	}
	for _, p := range conv.Participants {
		if !prevMembers[p] {
			if _, err := s.db.Exec(ctx, `INSERT OR IGNORE INTO participant (user_id, conversation_id) VALUES (?, ?)`, p, conv.ID); err != nil {
				return err
			}
		}
	}
	now := make(map[string]bool, len(conv.Participants))
	for _, p := range conv.Participants {
		now[p] = true
	}
	for p := range prevMembers {
		if !now[p] {
			if _, err := s.db.Exec(ctx, `DELETE FROM participant WHERE user_id = ? AND conversation_id = ?`, p, conv.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *chat.Message) error {
	var conv *chat.Conversation
	inserted := false
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx, `
			INSERT OR IGNORE INTO message (conversation_id, id, sender, type, payload, created_ts,
			                               delivered, is_read, deleted, hidden_for, reply_to)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, msg.ConversationID, msg.ID, msg.SenderID, string(msg.Type), msg.Payload,
			msg.CreatedAt, msg.Delivered, msg.Read, msg.Deleted, marshalMap(msg.HiddenFor), msg.ReplyTo)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			// Idempotent retry of an already-stored id.
			return nil
		}
		inserted = true

		row := s.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversation WHERE id = ?`, msg.ConversationID)
		conv, err = scanConversation(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		if msg.CreatedAt >= conv.LastMessage.Timestamp {
			conv.LastMessage = msg.AsPreview()
		}
		if conv.Unread == nil {
			conv.Unread = make(map[string]int)
		}
		for _, p := range conv.Participants {
			if p != msg.SenderID {
				conv.Unread[p]++
			}
		}
		prev := make(map[string]bool, len(conv.Participants))
		for _, p := range conv.Participants {
			prev[p] = true
		}
		return s.writeConversationTxn(ctx, conv, prev)
	})
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	if inserted {
		s.hub.broadcastMessage(MessageChange{Kind: Added, Message: msg})
		prev := make(map[string]bool, len(conv.Participants))
		for _, p := range conv.Participants {
			prev[p] = true
		}
		s.hub.broadcastConversation(prev, conv)
	}
	return nil
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, convID string, msgIDs []string) error {
	return s.markFlag(ctx, convID, msgIDs, "delivered")
}

func (s *SQLiteStore) MarkRead(ctx context.Context, convID string, msgIDs []string) error {
	return s.markFlag(ctx, convID, msgIDs, "is_read")
}

func (s *SQLiteStore) markFlag(ctx context.Context, convID string, msgIDs []string, column string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(msgIDs)), ",")
	args := make([]any, 0, len(msgIDs)+1)
	args = append(args, convID)
	for _, id := range msgIDs {
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE message SET %s = TRUE WHERE conversation_id = ? AND id IN (%s)`, column, placeholders)
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark %s: %w", column, err)
	}
	msgs, err := s.messagesByID(ctx, convID, msgIDs)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		s.hub.broadcastMessage(MessageChange{Kind: Modified, Message: msg})
	}
	return nil
}

func (s *SQLiteStore) QueryConversations(ctx context.Context, userID string, limit int) ([]*chat.Conversation, error) {
	if !s.orderedIndex {
		return nil, ErrMissingIndex
	}
	return s.queryConversations(ctx, userID, limit, true)
}

func (s *SQLiteStore) QueryConversationsUnordered(ctx context.Context, userID string, limit int) ([]*chat.Conversation, error) {
	return s.queryConversations(ctx, userID, limit, false)
}

func (s *SQLiteStore) queryConversations(ctx context.Context, userID string, limit int, ordered bool) ([]*chat.Conversation, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query := `
		SELECT ` + prefixColumns("c") + `
		FROM conversation c
		JOIN participant p ON p.conversation_id = c.id
		WHERE p.user_id = ?`
	if ordered {
		query += ` ORDER BY c.last_ts DESC, c.id`
	}
	query += ` LIMIT ?`
	rows, err := s.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()
	var out []*chat.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func prefixColumns(alias string) string {
	cols := strings.Split(conversationColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

const messageColumns = `conversation_id, id, sender, type, payload, created_ts, delivered, is_read, deleted, hidden_for, reply_to`

func scanMessage(row dbutil.Scannable) (*chat.Message, error) {
	var msg chat.Message
	var msgType string
	var hiddenFor sql.NullString
	err := row.Scan(&msg.ConversationID, &msg.ID, &msg.SenderID, &msgType, &msg.Payload,
		&msg.CreatedAt, &msg.Delivered, &msg.Read, &msg.Deleted, &hiddenFor, &msg.ReplyTo)
	if err != nil {
		return nil, err
	}
	msg.Type = chat.MessageType(msgType)
	unmarshalNullable(hiddenFor, &msg.HiddenFor)
	return &msg, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, convID string, n int) ([]*chat.Message, error) {
	if n <= 0 {
		n = defaultQueryLimit
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE conversation_id = ?
		ORDER BY created_ts DESC, id DESC
		LIMIT ?
	`, convID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer rows.Close()
	return collectMessagesReversed(rows)
}

func (s *SQLiteStore) QueryMessagesBefore(ctx context.Context, convID string, cursor Cursor, limit int) ([]*chat.Message, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE conversation_id = ?
		  AND (created_ts < ? OR (created_ts = ? AND id < ?))
		ORDER BY created_ts DESC, id DESC
		LIMIT ?
	`, convID, cursor.Timestamp, cursor.Timestamp, cursor.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query message page: %w", err)
	}
	defer rows.Close()
	return collectMessagesReversed(rows)
}

// collectMessagesReversed drains a descending result set into an
// ascending slice.
func collectMessagesReversed(rows dbutil.Rows) ([]*chat.Message, error) {
	var desc []*chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		desc = append(desc, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*chat.Message, len(desc))
	for i, msg := range desc {
		out[len(desc)-1-i] = msg
	}
	return out, nil
}

func (s *SQLiteStore) messagesByID(ctx context.Context, convID string, msgIDs []string) ([]*chat.Message, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(msgIDs)), ",")
	args := make([]any, 0, len(msgIDs)+1)
	args = append(args, convID)
	for _, id := range msgIDs {
		args = append(args, id)
	}
	rows, err := s.db.Query(ctx, `SELECT `+messageColumns+` FROM message WHERE conversation_id = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()
	var out []*chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SubscribeConversations(ctx context.Context, userID string, fn func(ConversationChange)) (func(), error) {
	teardown := s.hub.subscribeConversations(userID, fn)
	// Initial snapshot after registration: a write landing in between
	// is delivered twice, which the id-keyed merge absorbs.
	convs, err := s.QueryConversationsUnordered(ctx, userID, defaultQueryLimit)
	if err != nil {
		teardown()
		return nil, err
	}
	for _, conv := range convs {
		fn(ConversationChange{Kind: Added, Conversation: conv})
	}
	return teardown, nil
}

func (s *SQLiteStore) SubscribeMessages(ctx context.Context, convID string, fn func(MessageChange)) (func(), error) {
	return s.hub.subscribeMessages(convID, fn), nil
}

func (s *SQLiteStore) TouchUserActivity(ctx context.Context, userID string, ts int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_activity (user_id, last_active_ms) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET last_active_ms = excluded.last_active_ms
	`, userID, ts)
	if err != nil {
		return fmt.Errorf("failed to touch user activity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUserActivity(ctx context.Context, userID string) (int64, error) {
	var ts int64
	err := s.db.QueryRow(ctx, `SELECT last_active_ms FROM user_activity WHERE user_id = ?`, userID).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	} else if err != nil {
		return 0, fmt.Errorf("failed to get user activity: %w", err)
	}
	return ts, nil
}

func (s *SQLiteStore) Close() error {
	s.hub.close()
	return s.db.Close()
}
