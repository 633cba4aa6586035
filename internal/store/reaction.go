package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ReactionsByMessage returns the tapbacks attached to a message. Tapbacks are
// themselves message rows whose associated_message_guid references the target
// guid, either bare or behind a "p:0/" / "bp:" prefix.
func (d *DB) ReactionsByMessage(ctx context.Context, messageID int64) ([]Reaction, error) {
	emojiCol := "''"
	if d.hasAssociatedEmoji {
		emojiCol = "IFNULL(r.associated_message_emoji, '')"
	}
	q := fmt.Sprintf(`
SELECT r.ROWID, r.associated_message_type, %s, IFNULL(h.id, ''), r.is_from_me, r.date
FROM message t
JOIN message r ON (
       r.associated_message_guid = 'p:0/' || t.guid
    OR r.associated_message_guid = 'bp:' || t.guid
    OR r.associated_message_guid = t.guid
)
LEFT JOIN handle h ON r.handle_id = h.ROWID
WHERE t.ROWID = ? AND r.associated_message_type BETWEEN %d AND %d
ORDER BY r.ROWID`, emojiCol, tapbackLove, tapbackSticker)

	rows, err := d.QueryContext(ctx, q, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Reaction
	for rows.Next() {
		var (
			r      Reaction
			typ    int64
			emoji  string
			dateNs sql.NullInt64
		)
		if err := rows.Scan(&r.RowID, &typ, &emoji, &r.Sender, &r.IsFromMe, &dateNs); err != nil {
			return nil, err
		}
		r.Kind, r.Emoji = reactionKind(typ, emoji)
		r.Date = AppleTime(dateNs.Int64)
		out = append(out, r)
	}
	return out, rows.Err()
}
