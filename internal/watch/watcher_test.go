package watch_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/imsglab/imsg/internal/store/storetest"
	"github.com/imsglab/imsg/internal/watch"
)

func testConfig() watch.Config {
	return watch.Config{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Batch:           50,
	}
}

func collect(t *testing.T, ch <-chan watch.Event, n int) []watch.Event {
	t.Helper()
	var out []watch.Event
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed after %d of %d events", len(out), n)
			}
			out = append(out, evt)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestStreamBackfillsPastWatermark(t *testing.T) {
	db, _ := storetest.Seed(t)
	w := watch.New(db, testConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := w.Stream(ctx, watch.Options{AfterRowID: 1})
	events := collect(t, ch, 2)
	if events[0].Message.RowID != 2 || events[1].Message.RowID != 3 {
		t.Errorf("rowids = %d, %d; want 2, 3", events[0].Message.RowID, events[1].Message.RowID)
	}
}

func TestStreamObservesAppendedRows(t *testing.T) {
	db, writer := storetest.Seed(t)
	w := watch.New(db, testConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := w.Stream(ctx, watch.Options{AfterRowID: 3})

	// Let the first poll come up empty before appending.
	time.Sleep(20 * time.Millisecond)
	storetest.InsertMessage(t, writer, storetest.Message{RowID: 4, GUID: "g-4", HandleID: 1, Text: "new", Date: time.Now().UTC()})

	events := collect(t, ch, 1)
	if events[0].Err != nil {
		t.Fatalf("unexpected error event: %v", events[0].Err)
	}
	if events[0].Message.RowID != 4 || events[0].Message.Text != "new" {
		t.Errorf("event = %+v", events[0].Message)
	}
}

func TestStreamAdvancesWatermark(t *testing.T) {
	// A row emitted once must not be emitted again on the next poll.
	db, writer := storetest.Seed(t)
	w := watch.New(db, testConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := w.Stream(ctx, watch.Options{AfterRowID: 2})
	first := collect(t, ch, 1)
	if first[0].Message.RowID != 3 {
		t.Fatalf("first event rowid = %d", first[0].Message.RowID)
	}

	storetest.InsertMessage(t, writer, storetest.Message{RowID: 4, GUID: "g-4", HandleID: 1, Text: "next", Date: time.Now().UTC()})
	second := collect(t, ch, 1)
	if second[0].Message.RowID != 4 {
		t.Errorf("second event rowid = %d, want 4 (no replay of 3)", second[0].Message.RowID)
	}
}

func TestStreamChatFilter(t *testing.T) {
	db, writer := storetest.Seed(t)
	if _, err := writer.Exec(`INSERT INTO chat (ROWID, guid, chat_identifier, display_name, service_name)
		VALUES (2, 'g2', 'other', '', 'iMessage')`); err != nil {
		t.Fatalf("insert chat: %v", err)
	}
	w := watch.New(db, testConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := w.Stream(ctx, watch.Options{ChatID: 1, AfterRowID: 3})
	storetest.InsertMessage(t, writer, storetest.Message{RowID: 4, ChatID: 2, GUID: "g-4", HandleID: 1, Text: "elsewhere", Date: time.Now().UTC()})
	storetest.InsertMessage(t, writer, storetest.Message{RowID: 5, ChatID: 1, GUID: "g-5", HandleID: 1, Text: "here", Date: time.Now().UTC()})

	events := collect(t, ch, 1)
	if events[0].Message.RowID != 5 {
		t.Errorf("rowid = %d, want 5 (chat 2 row filtered out)", events[0].Message.RowID)
	}
}

func TestStreamClosesOnCancel(t *testing.T) {
	db, _ := storetest.Seed(t)
	w := watch.New(db, testConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	ch := w.Stream(ctx, watch.Options{AfterRowID: 3})
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// A poll may have been in flight; the close must still follow.
			if _, ok := <-ch; ok {
				t.Error("stream still open after cancel")
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

func TestStreamEmitsTerminalError(t *testing.T) {
	db, _ := storetest.Seed(t)
	w := watch.New(db, testConfig(), zap.NewNop())

	// Closing the store underneath the watcher makes the next poll fail.
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := w.Stream(ctx, watch.Options{AfterRowID: 0})
	events := collect(t, ch, 1)
	if events[0].Err == nil {
		t.Fatalf("expected error event, got %+v", events[0])
	}
	if _, ok := <-ch; ok {
		t.Error("stream still open after terminal error")
	}
}
