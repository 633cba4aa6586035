package store

import (
	"context"
	"database/sql"
)

// groupChatStyle is the chat.style value Messages uses for group threads.
const groupChatStyle = 43

// ListChats returns chats ordered by most recent message, capped at limit.
// A chat with an empty display_name falls back to its chat_identifier.
func (d *DB) ListChats(ctx context.Context, limit int) ([]Chat, error) {
	const q = `
SELECT c.ROWID, IFNULL(c.guid, ''), c.chat_identifier,
       IFNULL(NULLIF(c.display_name, ''), c.chat_identifier) AS name,
       IFNULL(c.service_name, ''), IFNULL(c.style, 0),
       MAX(m.date) AS last_date
FROM chat c
JOIN chat_message_join cmj ON c.ROWID = cmj.chat_id
JOIN message m ON m.ROWID = cmj.message_id
GROUP BY c.ROWID
ORDER BY last_date DESC
LIMIT ?`
	rows, err := d.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	chats := []Chat{}
	for rows.Next() {
		var (
			c      Chat
			ident  sql.NullString
			name   sql.NullString
			style  int64
			lastNs sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.GUID, &ident, &name, &c.Service, &style, &lastNs); err != nil {
			return nil, err
		}
		c.Identifier = ident.String
		c.Name = name.String
		c.IsGroup = style == groupChatStyle
		c.LastMessageAt = AppleTime(lastNs.Int64)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// ChatInfo returns the metadata for a single chat. sql.ErrNoRows when the
// rowid is unknown.
func (d *DB) ChatInfo(ctx context.Context, chatID int64) (Chat, error) {
	const q = `
SELECT c.ROWID, IFNULL(c.guid, ''), c.chat_identifier,
       IFNULL(NULLIF(c.display_name, ''), c.chat_identifier) AS name,
       IFNULL(c.service_name, ''), IFNULL(c.style, 0)
FROM chat c
WHERE c.ROWID = ?`
	var (
		c     Chat
		ident sql.NullString
		name  sql.NullString
		style int64
	)
	err := d.QueryRowContext(ctx, q, chatID).
		Scan(&c.ID, &c.GUID, &ident, &name, &c.Service, &style)
	if err != nil {
		return Chat{}, err
	}
	c.Identifier = ident.String
	c.Name = name.String
	c.IsGroup = style == groupChatStyle
	return c, nil
}

// Participants returns the handle strings of everyone in a chat, sorted.
func (d *DB) Participants(ctx context.Context, chatID int64) ([]string, error) {
	const q = `
SELECT h.id
FROM chat_handle_join chj
JOIN handle h ON h.ROWID = chj.handle_id
WHERE chj.chat_id = ?
ORDER BY h.id`
	rows, err := d.QueryContext(ctx, q, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}
