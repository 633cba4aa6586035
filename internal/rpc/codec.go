package rpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"
)

// maxFrameSize caps one inbound line. A megabyte of JSON is far beyond any
// legitimate request.
const maxFrameSize = 1 << 20

// internalErrorFrame is emitted when JSON encoding itself fails, so the peer
// can still advance by one line.
var internalErrorFrame = []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error: response encoding failed"}}`)

// Writer serialises outbound frames. Responses from the dispatcher and
// notifications from subscription workers share one output stream, so every
// frame is written and flushed under the lock: exactly one JSON object, one
// newline, no interleaving.
type Writer struct {
	mu     sync.Mutex
	out    *bufio.Writer
	logger *zap.Logger
}

// NewWriter wraps the output side of the peer stream.
func NewWriter(w io.Writer, logger *zap.Logger) *Writer {
	return &Writer{out: bufio.NewWriter(w), logger: logger}
}

// Write encodes v and emits it as one frame.
func (w *Writer) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		w.logger.Error("frame encoding failed", zap.Error(err))
		data = internalErrorFrame
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(data); err != nil {
		return err
	}
	if err := w.out.WriteByte('\n'); err != nil {
		return err
	}
	return w.out.Flush()
}

// Frames reads newline-terminated frames from r, invoking handle for each
// non-empty line with the terminator stripped. A line longer than
// maxFrameSize is discarded through its newline and reported through
// tooLong, once, so one oversized frame never ends the session. Returns nil
// on EOF and the underlying error otherwise.
func Frames(r io.Reader, handle func(line []byte), tooLong func()) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		buf      []byte
		dropping bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if !dropping {
			if len(buf)+len(chunk) > maxFrameSize {
				dropping = true
				buf = nil
				tooLong()
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil && err != io.EOF {
			return err
		}

		if !dropping {
			if line := bytes.TrimSpace(buf); len(line) > 0 {
				// buf is reused for the next frame; hand out a copy.
				handle(append([]byte(nil), line...))
			}
		}
		buf = buf[:0]
		dropping = false
		if err == io.EOF {
			return nil
		}
	}
}
