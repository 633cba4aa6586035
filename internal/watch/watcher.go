package watch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/imsglab/imsg/internal/store"
)

// Config controls the polling cadence. chat.db offers no change feed, so the
// watcher polls by rowid watermark; the defaults trade freshness for CPU.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Batch           int
}

// DefaultConfig returns the stock 500ms..5s exponential backoff with batches
// of 200 rows.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Batch:           200,
	}
}

// Options select what a single stream observes.
type Options struct {
	// ChatID restricts the stream to one chat; zero means all chats.
	ChatID int64
	// AfterRowID is the starting watermark. Only rows with a strictly
	// greater rowid are emitted.
	AfterRowID int64
}

// Event is one element of a stream: either a message or a terminal error.
type Event struct {
	Message store.Message
	Err     error
}

// Watcher produces lazy, cancellable streams of newly appended messages.
type Watcher struct {
	db     *store.DB
	cfg    Config
	logger *zap.Logger
}

// New creates a watcher over the given store.
func New(db *store.DB, cfg Config, logger *zap.Logger) *Watcher {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultConfig().InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = DefaultConfig().MaxInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultConfig().Batch
	}
	return &Watcher{db: db, cfg: cfg, logger: logger}
}

// Stream returns an infinite single-consumer stream of messages appended
// after opts.AfterRowID, in ascending rowid order. The channel is closed when
// ctx is cancelled or after a terminal Event.Err. Each subscription owns its
// own stream; a slow database poll on one stream never stalls another.
func (w *Watcher) Stream(ctx context.Context, opts Options) <-chan Event {
	ch := make(chan Event)
	go w.run(ctx, opts, ch)
	return ch
}

func (w *Watcher) run(ctx context.Context, opts Options, ch chan<- Event) {
	defer close(ch)

	watermark := opts.AfterRowID
	delay := w.cfg.InitialInterval

	for {
		msgs, err := w.db.MessagesAfter(ctx, watermark, opts.ChatID, w.cfg.Batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("watch poll failed", zap.Int64("watermark", watermark), zap.Error(err))
			select {
			case ch <- Event{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		if len(msgs) > 0 {
			for _, m := range msgs {
				select {
				case ch <- Event{Message: m}:
					watermark = m.RowID
				case <-ctx.Done():
					return
				}
			}
			delay = w.cfg.InitialInterval
		} else if delay < w.cfg.MaxInterval {
			// Quiet poll: back off exponentially up to the cap.
			delay *= 2
			if delay > w.cfg.MaxInterval {
				delay = w.cfg.MaxInterval
			}
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}
