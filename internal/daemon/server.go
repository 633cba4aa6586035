package daemon

import (
	"context"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/imsglab/imsg/internal/bus"
	"github.com/imsglab/imsg/internal/cache"
	"github.com/imsglab/imsg/internal/imessage"
	"github.com/imsglab/imsg/internal/rpc"
	"github.com/imsglab/imsg/internal/store"
	"github.com/imsglab/imsg/internal/watch"
)

// Server binds the RPC core to the peer byte stream (stdio unless overridden)
// and manages its lifetime.
type Server struct {
	core   *rpc.Server
	in     io.Reader
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewServer wires the RPC core against the configured streams.
func NewServer(
	p Params,
	db *store.DB,
	chats *cache.Chats,
	watcher *watch.Watcher,
	sender imessage.Sender,
	contacts imessage.Contacts,
	b *bus.Bus,
	logger *zap.Logger,
) *Server {
	in := p.In
	if in == nil {
		in = os.Stdin
	}
	out := p.Out
	if out == nil {
		out = os.Stdout
	}
	return &Server{
		core:   rpc.NewServer(db, chats, watcher, sender, contacts, out, b, logger),
		in:     in,
		logger: logger,
	}
}

// Run serves the session until the peer closes its end or Stop is called.
// Blocks; returns nil on clean EOF.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.logger.Info("rpc session started")
	return s.core.Serve(ctx, s.in)
}

// Stop cancels all subscription workers. The reader goroutine itself exits
// when its input stream closes.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}
