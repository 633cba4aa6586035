package store

import (
	"context"
	"database/sql"
	"fmt"
)

// messageProjection is the shared column list for message scans. The body and
// reply columns depend on the schema probe, so queries are assembled with
// fmt.Sprintf rather than const strings.
func (d *DB) messageProjection() string {
	return fmt.Sprintf(`m.ROWID, cmj.chat_id, IFNULL(m.guid, ''), %s, IFNULL(h.id, ''),
       IFNULL(m.text, '') AS text, m.date, m.is_from_me, IFNULL(m.service, ''), %s AS body`,
		d.replyColumn(), d.bodyColumn())
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var (
		m      Message
		chatID sql.NullInt64
		dateNs sql.NullInt64
		body   []byte
	)
	err := rows.Scan(&m.RowID, &chatID, &m.GUID, &m.ReplyToGUID, &m.Sender,
		&m.Text, &dateNs, &m.IsFromMe, &m.Service, &body)
	if err != nil {
		return Message{}, err
	}
	if m.Text == "" {
		m.Text = ParseStreamTyped(body)
	}
	m.ChatID = chatID.Int64
	m.Date = AppleTime(dateNs.Int64)
	return m, nil
}

// MessagesByChat returns up to limit messages for a chat, newest first.
func (d *DB) MessagesByChat(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	q := fmt.Sprintf(`
SELECT %s
FROM message m
JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
LEFT JOIN handle h ON m.handle_id = h.ROWID
WHERE cmj.chat_id = ?
ORDER BY m.date DESC
LIMIT ?`, d.messageProjection())

	rows, err := d.QueryContext(ctx, q, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessagesAfter returns messages with rowid strictly greater than afterRowID
// in ascending rowid order. chatIDFilter zero means all chats. This is the
// watcher's polling query.
func (d *DB) MessagesAfter(ctx context.Context, afterRowID, chatIDFilter int64, limit int) ([]Message, error) {
	q := fmt.Sprintf(`
SELECT %s
FROM message m
LEFT JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
LEFT JOIN handle h ON m.handle_id = h.ROWID
WHERE m.ROWID > ?`, d.messageProjection())
	args := []any{afterRowID}
	if chatIDFilter != 0 {
		q += " AND cmj.chat_id = ?"
		args = append(args, chatIDFilter)
	}
	q += " ORDER BY m.ROWID ASC LIMIT ?"
	args = append(args, limit)

	rows, err := d.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageByGUID looks up a single message by its guid. Used to resolve the
// chat context when reacting to a message. sql.ErrNoRows on unknown guids.
func (d *DB) MessageByGUID(ctx context.Context, guid string) (Message, error) {
	q := fmt.Sprintf(`
SELECT %s
FROM message m
LEFT JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
LEFT JOIN handle h ON m.handle_id = h.ROWID
WHERE m.guid = ?
LIMIT 1`, d.messageProjection())

	rows, err := d.QueryContext(ctx, q, guid)
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, sql.ErrNoRows
	}
	return scanMessage(rows)
}

// MaxRowID returns the current highest message rowid, used to bootstrap
// subscription watermarks.
func (d *DB) MaxRowID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	if err := d.QueryRowContext(ctx, "SELECT MAX(ROWID) FROM message").Scan(&maxID); err != nil {
		return 0, err
	}
	return maxID.Int64, nil
}
