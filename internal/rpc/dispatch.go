package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/imsglab/imsg/internal/bus"
	"github.com/imsglab/imsg/internal/imessage"
)

// HandlerFunc implements one RPC method. params is always a JSON object.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

var emptyParams = json.RawMessage("{}")

// Dispatcher validates inbound frames, routes them to method handlers and
// writes the responses. Validation runs on the reader goroutine; handler
// invocations run on their own goroutines so a blocking send or contact call
// never stalls the reader.
type Dispatcher struct {
	methods map[string]HandlerFunc
	writer  *Writer
	bus     *bus.Bus
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher writing through w.
func NewDispatcher(w *Writer, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		methods: make(map[string]HandlerFunc),
		writer:  w,
		bus:     b,
		logger:  logger,
	}
}

// Register adds a method handler. Must be called before dispatching starts.
func (d *Dispatcher) Register(method string, fn HandlerFunc) {
	d.methods[method] = fn
}

// Dispatch processes one inbound line. Parse and validation failures are
// answered immediately; valid requests are handed to a handler goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, line []byte) {
	if !json.Valid(line) {
		d.respond(errorResponse(nil, Errorf(CodeParse, "parse error: invalid JSON")))
		return
	}

	var req request
	if err := json.Unmarshal(line, &req); err != nil || !isObject(line) {
		d.respond(errorResponse(nil, Errorf(CodeInvalidRequest, "invalid request: expected a JSON object")))
		return
	}
	if req.JSONRPC != nil && *req.JSONRPC != Version {
		d.respond(errorResponse(req.ID, Errorf(CodeInvalidRequest, "invalid request: unsupported jsonrpc version %q", *req.JSONRPC)))
		return
	}
	if req.Method == "" {
		d.respond(errorResponse(req.ID, Errorf(CodeInvalidRequest, "invalid request: missing method")))
		return
	}
	fn, ok := d.methods[req.Method]
	if !ok {
		d.respond(errorResponse(req.ID, Errorf(CodeMethodNotFound, "method %q not found", req.Method)))
		return
	}

	params := emptyParams
	if len(req.Params) > 0 && !bytes.Equal(req.Params, []byte("null")) {
		if !isObject(req.Params) {
			d.respond(errorResponse(req.ID, invalidParams("params must be an object")))
			return
		}
		params = req.Params
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.invoke(ctx, &req, fn, params)
	}()
}

// Wait blocks until all in-flight handler invocations have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) invoke(ctx context.Context, req *request, fn HandlerFunc, params json.RawMessage) {
	result, err := fn(ctx, params)
	d.bus.Publish(bus.Event{Kind: bus.RequestHandled, Payload: req.Method})

	if err != nil {
		d.logger.Debug("handler failed", zap.String("method", req.Method), zap.Error(err))
		d.respond(errorResponse(req.ID, classify(err)))
		return
	}
	if req.isNotification() {
		return
	}
	d.respond(resultResponse(req.ID, result))
}

func (d *Dispatcher) respond(resp response) {
	if err := d.writer.Write(resp); err != nil {
		d.logger.Warn("response write failed", zap.Error(err))
	}
}

// classify maps a handler error to a JSON-RPC error object. Typed *Error
// values pass through; collaborator input problems become invalid params;
// everything else is internal.
func classify(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var inputErr *imessage.InputError
	if errors.As(err, &inputErr) {
		return invalidParams("%s", inputErr.Reason)
	}
	return Errorf(CodeInternal, "internal error: %v", err)
}

// isObject reports whether raw starts with '{' after whitespace.
func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}
