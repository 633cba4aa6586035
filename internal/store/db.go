// Package store provides read-only access to the macOS Messages chat.db.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a read-only SQLite connection to the Messages database together
// with the results of the one-time schema probe.
type DB struct {
	*sql.DB

	hasAttributedBody   bool
	hasThreadOriginator bool
	hasAssociatedEmoji  bool
}

// DefaultPath returns the default location of chat.db for the current user.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// Open opens chat.db read-only with a 5s busy timeout. The database must not
// be opened immutable: Messages.app keeps appending rows and the reader has
// to observe them.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", filepath.Clean(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, enhanceError(err, path)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, enhanceError(err, path)
	}

	d := &DB{DB: db}
	d.hasAttributedBody = d.columnExists(ctx, "message", "attributedBody")
	d.hasThreadOriginator = d.columnExists(ctx, "message", "thread_originator_guid")
	d.hasAssociatedEmoji = d.columnExists(ctx, "message", "associated_message_emoji")
	return d, nil
}

// enhanceError adds an actionable hint for the common permission failure.
func enhanceError(err error, path string) error {
	msg := err.Error()
	// SQLITE_CANTOPEN surfaces as "out of memory (14)" through some driver
	// paths; "authorization denied" is the sandbox variant.
	if strings.Contains(msg, "out of memory (14)") ||
		strings.Contains(msg, "authorization denied") ||
		strings.Contains(msg, "unable to open database") ||
		os.IsPermission(err) {
		return fmt.Errorf(`%w

cannot access the Messages database at %s

macOS protects chat.db behind Full Disk Access. To fix:
  1. Open System Settings -> Privacy & Security -> Full Disk Access
  2. Add your terminal application (Terminal.app, iTerm, ...)
  3. Restart the terminal and try again`, err, path)
	}
	return err
}

// columnExists reports whether a column is present on a table. Older Messages
// schemas are missing several columns and the projections adjust accordingly.
func (d *DB) columnExists(ctx context.Context, table, column string) bool {
	rows, err := d.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   sql.NullString
			notnull sql.NullInt64
			dflt    sql.NullString
			pk      sql.NullInt64
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if strings.EqualFold(name, column) {
			return true
		}
	}
	return false
}

// bodyColumn returns the attributedBody projection, or an empty literal when
// the schema predates the column.
func (d *DB) bodyColumn() string {
	if d.hasAttributedBody {
		return "m.attributedBody"
	}
	return "''"
}

// replyColumn returns the thread_originator_guid projection when available.
func (d *DB) replyColumn() string {
	if d.hasThreadOriginator {
		return "IFNULL(m.thread_originator_guid, '')"
	}
	return "''"
}
