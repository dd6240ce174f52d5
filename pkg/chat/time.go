// chatsync - A client-side chat synchronization engine.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"strconv"
	"time"
)

// Timestamps arrive in whatever shape the source uses: time.Time from
// user actions, unix-ms integers from store rows, float64 from JSON
// decoding, RFC 3339 strings from older payloads. UnixMS is the single
// normalization point; every ingestion boundary goes through it so
// consumers only ever see unix milliseconds.
func UnixMS(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case time.Time:
		if t.IsZero() {
			return 0
		}
		return t.UnixMilli()
	case int64:
		return normalizeMS(t)
	case int:
		return normalizeMS(int64(t))
	case float64:
		return normalizeMS(int64(t))
	case string:
		if t == "" {
			return 0
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return normalizeMS(n)
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UnixMilli()
		}
		return 0
	default:
		return 0
	}
}

// normalizeMS promotes unix-seconds values to milliseconds. Anything
// below the cutoff (~Nov 2286 in seconds, ~Jan 1971 in ms) is treated
// as seconds.
func normalizeMS(n int64) int64 {
	if n <= 0 {
		return 0
	}
	const msCutoff = 10_000_000_000
	if n < msCutoff {
		return n * 1000
	}
	return n
}

// NowMS returns the current time in unix milliseconds.
func NowMS() int64 {
	return time.Now().UnixMilli()
}
