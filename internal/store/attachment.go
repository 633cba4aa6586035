package store

import (
	"context"
	"os"
	"strings"
)

// AttachmentsByMessage returns attachment metadata for a message rowid, with
// tilde-prefixed filenames resolved against the home directory.
func (d *DB) AttachmentsByMessage(ctx context.Context, messageID int64) ([]Attachment, error) {
	const q = `
SELECT IFNULL(a.filename, ''), IFNULL(a.transfer_name, ''), IFNULL(a.uti, ''),
       IFNULL(a.mime_type, ''), IFNULL(a.total_bytes, 0), a.is_sticker
FROM message_attachment_join maj
JOIN attachment a ON a.ROWID = maj.attachment_id
WHERE maj.message_id = ?
ORDER BY a.ROWID`

	rows, err := d.QueryContext(ctx, q, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.Filename, &a.TransferName, &a.UTI, &a.MimeType, &a.TotalBytes, &a.IsSticker); err != nil {
			return nil, err
		}
		a.Path, a.Missing = resolvePath(a.Filename)
		out = append(out, a)
	}
	return out, rows.Err()
}

// resolvePath expands a leading tilde and reports whether the path currently
// points at a regular file.
func resolvePath(p string) (string, bool) {
	if p == "" {
		return "", true
	}
	if strings.HasPrefix(p, "~") {
		home, _ := os.UserHomeDir()
		p = strings.Replace(p, "~", home, 1)
	}
	if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
		return p, false
	}
	return p, true
}
