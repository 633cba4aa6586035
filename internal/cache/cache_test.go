package cache_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/imsglab/imsg/internal/cache"
	"github.com/imsglab/imsg/internal/store/storetest"
)

func TestGetPopulatesOnce(t *testing.T) {
	db, w := storetest.Seed(t)
	chats := cache.New(db)
	ctx := context.Background()

	e, err := chats.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Name != "Test" || e.Identifier != "+123" || e.GUID != "iMessage;-;+123" {
		t.Errorf("entry = %+v", e)
	}
	if len(e.Participants) != 1 || e.Participants[0] != "+123" {
		t.Errorf("participants = %v", e.Participants)
	}
	if chats.Len() != 1 {
		t.Errorf("Len = %d, want 1", chats.Len())
	}

	// Later writes are invisible; the first read pinned the entry.
	if _, err := w.Exec(`UPDATE chat SET display_name = 'Renamed' WHERE ROWID = 1`); err != nil {
		t.Fatalf("update: %v", err)
	}
	e, err = chats.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Name != "Test" {
		t.Errorf("cached name = %q, want original", e.Name)
	}
}

func TestGetUnknownChat(t *testing.T) {
	db, _ := storetest.Seed(t)
	chats := cache.New(db)

	if _, err := chats.Get(context.Background(), 404); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("got %v, want sql.ErrNoRows", err)
	}
	if chats.Len() != 0 {
		t.Errorf("failed lookup was cached, Len = %d", chats.Len())
	}
}

func TestGetReturnsCopies(t *testing.T) {
	db, _ := storetest.Seed(t)
	chats := cache.New(db)
	ctx := context.Background()

	first, err := chats.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	first.Participants[0] = "clobbered"

	second, err := chats.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if second.Participants[0] != "+123" {
		t.Errorf("mutation leaked into cache: %v", second.Participants)
	}
}
