package store

import (
	"bytes"
	"strings"
	"time"
)

// AppleEpochOffset is the number of seconds between 1970-01-01 and 2001-01-01.
const AppleEpochOffset = 978307200

// AppleTime converts a chat.db date value (nanoseconds since the Apple epoch)
// to wall-clock time in UTC.
func AppleTime(ns int64) time.Time {
	return time.Unix(AppleEpochOffset, ns).UTC()
}

// ParseStreamTyped recovers plain text from an attributedBody typedstream
// blob. Newer Messages versions leave the text column NULL and store the body
// only in this archived form; the plain-text span sits between two known
// sentinels.
func ParseStreamTyped(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	const (
		startA = 0x01
		startB = 0x2b
		endA   = 0x86
		endB   = 0x84
	)

	if idx := bytes.Index(body, []byte{startA, startB}); idx >= 0 && idx+2 < len(body) {
		body = body[idx+2:]
	}
	if idx := bytes.Index(body, []byte{endA, endB}); idx >= 0 {
		body = body[:idx]
	}

	out := string(bytes.ToValidUTF8(body, nil))
	// Typedstream payloads are often prefixed with length bytes and control
	// characters; strip them.
	return strings.TrimLeftFunc(out, func(r rune) bool { return r < 32 })
}
