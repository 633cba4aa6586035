package rpc

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/imsglab/imsg/internal/bus"
	"github.com/imsglab/imsg/internal/cache"
	"github.com/imsglab/imsg/internal/imessage"
	"github.com/imsglab/imsg/internal/store"
	"github.com/imsglab/imsg/internal/watch"
)

// Server ties the JSON-RPC core together: one reader loop, one serialised
// writer, a dispatcher, and a worker per active subscription.
type Server struct {
	db       *store.DB
	chats    *cache.Chats
	watcher  *watch.Watcher
	sender   imessage.Sender
	contacts imessage.Contacts

	writer     *Writer
	dispatcher *Dispatcher
	subs       *Subscriptions
	bus        *bus.Bus
	logger     *zap.Logger

	// lifetime parents every subscription worker. It outlives individual
	// requests and is cancelled when the session ends.
	lifetime context.Context
	cancel   context.CancelFunc
}

// NewServer builds a server writing frames to out.
func NewServer(
	db *store.DB,
	chats *cache.Chats,
	watcher *watch.Watcher,
	sender imessage.Sender,
	contacts imessage.Contacts,
	out io.Writer,
	b *bus.Bus,
	logger *zap.Logger,
) *Server {
	writer := NewWriter(out, logger)
	s := &Server{
		db:         db,
		chats:      chats,
		watcher:    watcher,
		sender:     sender,
		contacts:   contacts,
		writer:     writer,
		dispatcher: NewDispatcher(writer, b, logger),
		subs:       NewSubscriptions(),
		bus:        b,
		logger:     logger,
	}

	s.dispatcher.Register("chats.list", s.handleChatsList)
	s.dispatcher.Register("messages.history", s.handleHistory)
	s.dispatcher.Register("watch.subscribe", s.handleSubscribe)
	s.dispatcher.Register("watch.unsubscribe", s.handleUnsubscribe)
	s.dispatcher.Register("send", s.handleSend)
	s.dispatcher.Register("reactions.send", s.handleReactionsSend)
	s.dispatcher.Register("contacts.search", s.handleContactsSearch)
	s.dispatcher.Register("contacts.resolve", s.handleContactsResolve)
	return s
}

// Serve reads frames from in until EOF, dispatching each on its own handler
// goroutine. On return all subscriptions are cancelled and all in-flight
// handlers have finished. A clean EOF returns nil.
func (s *Server) Serve(ctx context.Context, in io.Reader) error {
	s.lifetime, s.cancel = context.WithCancel(ctx)
	defer s.shutdown()

	err := Frames(in, func(line []byte) {
		s.dispatcher.Dispatch(s.lifetime, line)
	}, func() {
		if werr := s.writer.Write(errorResponse(nil, Errorf(CodeParse, "parse error: frame exceeds %d bytes", maxFrameSize))); werr != nil {
			s.logger.Warn("oversize error write failed", zap.Error(werr))
		}
	})
	if err != nil {
		s.logger.Warn("read loop ended", zap.Error(err))
		return err
	}
	s.logger.Info("peer closed input")
	return nil
}

func (s *Server) shutdown() {
	s.publish(bus.SessionClosed, nil)
	s.cancel()
	// Drain handlers before touching the subscription table: a subscribe
	// still in flight may register a worker, and Subscriptions.Go must not
	// race CancelAll's wait. Workers registered late exit immediately
	// because their context derives from the cancelled lifetime.
	s.dispatcher.Wait()
	s.subs.CancelAll()
}

func (s *Server) publish(kind bus.Kind, payload any) {
	s.bus.Publish(bus.Event{Kind: kind, Payload: payload})
}

// watchWorker drains one subscription's stream through its filter and writes
// message notifications. Any downstream failure is reported to the client
// exactly once as an "error" notification, then the worker exits.
func (s *Server) watchWorker(ctx context.Context, id int64, filter *watch.Filter, opts watch.Options, withAttachments bool) {
	for ev := range s.watcher.Stream(ctx, opts) {
		if ev.Err != nil {
			s.notifyWatchError(id, ev.Err)
			return
		}
		if !filter.Match(ev.Message) {
			continue
		}
		wm, err := s.shapeMessage(ctx, ev.Message, withAttachments)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.notifyWatchError(id, err)
			return
		}
		note := notification{
			JSONRPC: Version,
			Method:  "message",
			Params:  map[string]any{"subscription": id, "message": wm},
		}
		if err := s.writer.Write(note); err != nil {
			s.logger.Warn("notification write failed", zap.Int64("subscription", id), zap.Error(err))
			return
		}
		s.publish(bus.NotificationSent, id)
	}
}

func (s *Server) notifyWatchError(id int64, cause error) {
	s.logger.Warn("subscription failed", zap.Int64("subscription", id), zap.Error(cause))
	note := notification{
		JSONRPC: Version,
		Method:  "error",
		Params: map[string]any{
			"subscription": id,
			"error":        map[string]any{"message": cause.Error()},
		},
	}
	if err := s.writer.Write(note); err != nil {
		s.logger.Warn("error notification write failed", zap.Int64("subscription", id), zap.Error(err))
	}
	s.publish(bus.WatchFailed, id)
}
