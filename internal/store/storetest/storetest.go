// Package storetest builds throwaway chat.db fixtures for tests.
package storetest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/imsglab/imsg/internal/store"
)

// Schema mirrors the chat.db tables the store reads, including the columns
// the schema probe looks for.
var Schema = []string{
	`CREATE TABLE chat (
		ROWID INTEGER PRIMARY KEY,
		guid TEXT,
		chat_identifier TEXT,
		display_name TEXT,
		service_name TEXT,
		style INTEGER DEFAULT 45
	)`,
	`CREATE TABLE message (
		ROWID INTEGER PRIMARY KEY,
		guid TEXT,
		thread_originator_guid TEXT,
		handle_id INTEGER,
		text TEXT,
		attributedBody BLOB,
		date INTEGER,
		is_from_me INTEGER DEFAULT 0,
		service TEXT,
		associated_message_guid TEXT,
		associated_message_type INTEGER DEFAULT 0,
		associated_message_emoji TEXT
	)`,
	`CREATE TABLE handle (ROWID INTEGER PRIMARY KEY, id TEXT)`,
	`CREATE TABLE chat_message_join (chat_id INTEGER, message_id INTEGER)`,
	`CREATE TABLE chat_handle_join (chat_id INTEGER, handle_id INTEGER)`,
	`CREATE TABLE attachment (
		ROWID INTEGER PRIMARY KEY,
		filename TEXT,
		transfer_name TEXT,
		uti TEXT,
		mime_type TEXT,
		total_bytes INTEGER,
		is_sticker INTEGER DEFAULT 0
	)`,
	`CREATE TABLE message_attachment_join (message_id INTEGER, attachment_id INTEGER)`,
}

// AppleNS converts wall-clock time to the chat.db date representation.
func AppleNS(t time.Time) int64 {
	return t.Add(-time.Duration(store.AppleEpochOffset) * time.Second).UnixNano()
}

// BodyBlob wraps text in the typedstream sentinels the decoder looks for.
func BodyBlob(s string) []byte {
	return append(append([]byte{0x01, 0x2b}, []byte(s)...), 0x86, 0x84)
}

// Empty creates an on-disk database with the schema but no rows, returning a
// read-only store handle and the writer connection for appending rows.
func Empty(t *testing.T) (*store.DB, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	writer, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	t.Cleanup(func() { _ = writer.Close() })
	for _, stmt := range Schema {
		if _, err := writer.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}

	reader, err := store.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })
	return reader, writer
}

// Seed creates the standard fixture: one direct chat "+123" named "Test"
// holding three messages at now-10m, now-9m (from me, with an attachment)
// and now-1m.
func Seed(t *testing.T) (*store.DB, *sql.DB) {
	t.Helper()
	reader, writer := Empty(t)
	now := time.Now().UTC()

	mustExec(t, writer, `INSERT INTO chat (ROWID, guid, chat_identifier, display_name, service_name, style)
		VALUES (1, 'iMessage;-;+123', '+123', 'Test', 'iMessage', 45)`)
	mustExec(t, writer, `INSERT INTO handle (ROWID, id) VALUES (1, '+123')`)
	mustExec(t, writer, `INSERT INTO chat_handle_join (chat_id, handle_id) VALUES (1, 1)`)

	InsertMessage(t, writer, Message{RowID: 1, GUID: "g-1", HandleID: 1, Text: "hello", Date: now.Add(-10 * time.Minute)})
	InsertMessage(t, writer, Message{RowID: 2, GUID: "g-2", Text: "hi back", FromMe: true, Date: now.Add(-9 * time.Minute)})
	InsertMessage(t, writer, Message{RowID: 3, GUID: "g-3", HandleID: 1, Text: "photo", Date: now.Add(-1 * time.Minute)})

	mustExec(t, writer, `INSERT INTO attachment (ROWID, filename, transfer_name, uti, mime_type, total_bytes)
		VALUES (1, '~/Library/Messages/Attachments/test.dat', 'test.dat', 'public.data', 'application/octet-stream', 123)`)
	mustExec(t, writer, `INSERT INTO message_attachment_join (message_id, attachment_id) VALUES (2, 1)`)

	return reader, writer
}

// Message describes one row for InsertMessage. A zero HandleID leaves the
// sender NULL, matching rows sent by the local user.
type Message struct {
	RowID          int64
	ChatID         int64 // defaults to 1
	GUID           string
	ReplyToGUID    string
	HandleID       int64
	Text           string
	Body           []byte
	FromMe         bool
	Date           time.Time
	AssociatedGUID string
	AssociatedType int64
	NoChatJoin     bool
}

// InsertMessage appends a message row plus its chat_message_join entry.
func InsertMessage(t *testing.T, writer *sql.DB, m Message) {
	t.Helper()
	if m.ChatID == 0 {
		m.ChatID = 1
	}
	var handle any
	if m.HandleID != 0 {
		handle = m.HandleID
	}
	var text any
	if m.Text != "" {
		text = m.Text
	}
	var reply any
	if m.ReplyToGUID != "" {
		reply = m.ReplyToGUID
	}
	var assocGUID any
	if m.AssociatedGUID != "" {
		assocGUID = m.AssociatedGUID
	}
	mustExec(t, writer, `INSERT INTO message
		(ROWID, guid, thread_originator_guid, handle_id, text, attributedBody, date, is_from_me, service, associated_message_guid, associated_message_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'iMessage', ?, ?)`,
		m.RowID, m.GUID, reply, handle, text, m.Body, AppleNS(m.Date), m.FromMe, assocGUID, m.AssociatedType)
	if !m.NoChatJoin {
		mustExec(t, writer, `INSERT INTO chat_message_join (chat_id, message_id) VALUES (?, ?)`, m.ChatID, m.RowID)
	}
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec: %v", err)
	}
}
