// Package cache memoises per-chat metadata lookups.
package cache

import (
	"context"
	"sync"

	"github.com/imsglab/imsg/internal/store"
)

// Entry is the cached metadata for one chat.
type Entry struct {
	ID           int64
	GUID         string
	Identifier   string
	Name         string
	Service      string
	IsGroup      bool
	Participants []string
}

// Chats caches chat identifier/guid/service/participant lookups for the
// lifetime of the process. Chat metadata changes rarely and the process is
// restarted on client reconnect, so entries are never evicted.
type Chats struct {
	db *store.DB

	mu      sync.Mutex
	entries map[int64]Entry
}

// New creates an empty cache over the given store.
func New(db *store.DB) *Chats {
	return &Chats{db: db, entries: make(map[int64]Entry)}
}

// Get returns the metadata for a chat, populating the cache on first miss.
// Unknown chat ids surface the store's sql.ErrNoRows. The returned Entry is a
// copy; callers may not mutate shared state through it.
func (c *Chats) Get(ctx context.Context, chatID int64) (Entry, error) {
	c.mu.Lock()
	e, ok := c.entries[chatID]
	c.mu.Unlock()
	if ok {
		return copied(e), nil
	}

	info, err := c.db.ChatInfo(ctx, chatID)
	if err != nil {
		return Entry{}, err
	}
	participants, err := c.db.Participants(ctx, chatID)
	if err != nil {
		return Entry{}, err
	}
	e = Entry{
		ID:           info.ID,
		GUID:         info.GUID,
		Identifier:   info.Identifier,
		Name:         info.Name,
		Service:      info.Service,
		IsGroup:      info.IsGroup,
		Participants: participants,
	}

	c.mu.Lock()
	c.entries[chatID] = e
	c.mu.Unlock()
	return copied(e), nil
}

// Len returns the number of cached chats.
func (c *Chats) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func copied(e Entry) Entry {
	out := e
	out.Participants = append([]string(nil), e.Participants...)
	return out
}
