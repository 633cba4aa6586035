package rpc

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/imsglab/imsg/internal/bus"
	"github.com/imsglab/imsg/internal/cache"
	"github.com/imsglab/imsg/internal/imessage"
	"github.com/imsglab/imsg/internal/store/storetest"
	"github.com/imsglab/imsg/internal/watch"
)

type fakeSender struct {
	mu        sync.Mutex
	messages  []imessage.SendOptions
	reactions []imessage.ReactionOptions
	err       error
}

func (f *fakeSender) SendMessage(_ context.Context, opts imessage.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, opts)
	return nil
}

func (f *fakeSender) SendReaction(_ context.Context, opts imessage.ReactionOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reactions = append(f.reactions, opts)
	return nil
}

func (f *fakeSender) lastMessage(t *testing.T) imessage.SendOptions {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		t.Fatal("no message sent")
	}
	return f.messages[len(f.messages)-1]
}

func (f *fakeSender) lastReaction(t *testing.T) imessage.ReactionOptions {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reactions) == 0 {
		t.Fatal("no reaction sent")
	}
	return f.reactions[len(f.reactions)-1]
}

type fakeContacts struct {
	contacts []imessage.Contact
	err      error
}

func (f *fakeContacts) Search(_ context.Context, query string, limit int) ([]imessage.Contact, error) {
	if f.err != nil {
		return nil, f.err
	}
	needle := strings.ToLower(query)
	var out []imessage.Contact
	for _, c := range f.contacts {
		if strings.Contains(strings.ToLower(c.Name), needle) {
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeContacts) Resolve(_ context.Context, handles []string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string)
	for _, h := range handles {
		for _, c := range f.contacts {
			for _, ch := range c.Handles {
				if ch == h {
					out[h] = c.Name
				}
			}
		}
	}
	return out, nil
}

// session drives a server over pipes the way a real stdio peer would.
type session struct {
	t        *testing.T
	in       *io.PipeWriter
	frames   chan map[string]any
	stopped  chan struct{}
	serveErr error

	db       *sql.DB
	sender   *fakeSender
	contacts *fakeContacts
}

func startSession(t *testing.T) *session {
	t.Helper()
	reader, writer := storetest.Seed(t)
	chats := cache.New(reader)
	watcher := watch.New(reader, watch.Config{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Batch:           50,
	}, zap.NewNop())

	s := &session{
		t:        t,
		frames:   make(chan map[string]any, 64),
		stopped:  make(chan struct{}),
		db:       writer,
		sender:   &fakeSender{},
		contacts: &fakeContacts{contacts: []imessage.Contact{{Name: "Ada Lovelace", Handles: []string{"+123", "ada@example.com"}}}},
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	s.in = inW

	srv := NewServer(reader, chats, watcher, s.sender, s.contacts, outW, bus.New(), zap.NewNop())
	go func() {
		s.serveErr = srv.Serve(context.Background(), inR)
		_ = outW.Close()
		close(s.stopped)
	}()
	go func() {
		scanner := bufio.NewScanner(outR)
		scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
		for scanner.Scan() {
			var frame map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
				t.Errorf("unparseable frame %q: %v", scanner.Text(), err)
				continue
			}
			s.frames <- frame
		}
	}()

	t.Cleanup(func() {
		_ = inW.Close()
		select {
		case <-s.stopped:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop on EOF")
		}
	})
	return s
}

func (s *session) send(line string) {
	s.t.Helper()
	if _, err := io.WriteString(s.in, line+"\n"); err != nil {
		s.t.Fatalf("write request: %v", err)
	}
}

func (s *session) next() map[string]any {
	s.t.Helper()
	select {
	case frame := <-s.frames:
		return frame
	case <-time.After(5 * time.Second):
		s.t.Fatal("no frame arrived")
		return nil
	}
}

func (s *session) expectSilence(d time.Duration) {
	s.t.Helper()
	select {
	case frame := <-s.frames:
		s.t.Fatalf("unexpected frame: %v", frame)
	case <-time.After(d):
	}
}

// call sends one request and returns the next frame. Only safe while no
// subscription can interleave notifications.
func (s *session) call(id int, method, params string) map[string]any {
	s.t.Helper()
	if params == "" {
		s.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q}`, id, method))
	} else {
		s.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q,"params":%s}`, id, method, params))
	}
	frame := s.next()
	if frame["id"] != float64(id) {
		s.t.Fatalf("frame id = %v, want %d: %v", frame["id"], id, frame)
	}
	return frame
}

func mustResult(t *testing.T, frame map[string]any) map[string]any {
	t.Helper()
	if errObj, ok := frame["error"]; ok {
		t.Fatalf("unexpected error: %v", errObj)
	}
	res, ok := frame["result"].(map[string]any)
	if !ok {
		t.Fatalf("result is %T", frame["result"])
	}
	return res
}

func mustErrorCode(t *testing.T, frame map[string]any, want float64) string {
	t.Helper()
	obj, ok := frame["error"].(map[string]any)
	if !ok {
		t.Fatalf("frame has no error: %v", frame)
	}
	if obj["code"].(float64) != want {
		t.Fatalf("code = %v, want %v", obj["code"], want)
	}
	msg, _ := obj["message"].(string)
	return msg
}

func TestChatsList(t *testing.T) {
	s := startSession(t)

	res := mustResult(t, s.call(1, "chats.list", ""))
	chats, ok := res["chats"].([]any)
	if !ok || len(chats) != 1 {
		t.Fatalf("chats = %v", res["chats"])
	}
	c := chats[0].(map[string]any)
	if c["id"] != float64(1) || c["name"] != "Test" || c["identifier"] != "+123" {
		t.Errorf("chat = %v", c)
	}
	if c["is_group"] != false || c["service"] != "iMessage" {
		t.Errorf("chat = %v", c)
	}
	parts, _ := c["participants"].([]any)
	if len(parts) != 1 || parts[0] != "+123" {
		t.Errorf("participants = %v", c["participants"])
	}
	if _, err := time.Parse(time.RFC3339, c["last_message_at"].(string)); err != nil {
		t.Errorf("last_message_at: %v", err)
	}
}

func TestHistory(t *testing.T) {
	s := startSession(t)

	mustErrorCode(t, s.call(1, "messages.history", `{}`), CodeInvalidParams)
	mustErrorCode(t, s.call(2, "messages.history", `{"chat_id":99}`), CodeInvalidParams)
	mustErrorCode(t, s.call(3, "messages.history", `{"chat_id":1,"start":"not-a-time"}`), CodeInvalidParams)

	res := mustResult(t, s.call(4, "messages.history", `{"chat_id":1}`))
	msgs := res["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	first := msgs[0].(map[string]any)
	if first["guid"] != "g-3" || first["text"] != "photo" || first["sender"] != "+123" {
		t.Errorf("newest message = %v", first)
	}
	if first["chat_identifier"] != "+123" || first["chat_name"] != "Test" {
		t.Errorf("chat context = %v", first)
	}
	if _, present := first["attachments"]; present {
		t.Error("attachments present without the flag")
	}
	second := msgs[1].(map[string]any)
	if second["guid"] != "g-2" || second["is_from_me"] != true || second["sender"] != "" {
		t.Errorf("from-me message = %v", second)
	}
	if msgs[2].(map[string]any)["guid"] != "g-1" {
		t.Errorf("order wrong: %v", msgs)
	}
}

func TestHistoryWithAttachments(t *testing.T) {
	s := startSession(t)
	storetest.InsertMessage(t, s.db, storetest.Message{
		RowID: 4, GUID: "r-1", HandleID: 1,
		AssociatedGUID: "p:0/g-3", AssociatedType: 2000, Date: time.Now().UTC(),
		NoChatJoin: true,
	})

	res := mustResult(t, s.call(1, "messages.history", `{"chat_id":1,"attachments":true}`))
	msgs := res["messages"].([]any)

	var withAtt, withReact map[string]any
	for _, raw := range msgs {
		m := raw.(map[string]any)
		switch m["guid"] {
		case "g-2":
			withAtt = m
		case "g-3":
			withReact = m
		}
	}
	atts := withAtt["attachments"].([]any)
	if len(atts) != 1 {
		t.Fatalf("attachments = %v", withAtt["attachments"])
	}
	a := atts[0].(map[string]any)
	if a["transfer_name"] != "test.dat" || a["missing"] != true {
		t.Errorf("attachment = %v", a)
	}
	reacts := withReact["reactions"].([]any)
	if len(reacts) != 1 {
		t.Fatalf("reactions = %v", withReact["reactions"])
	}
	r := reacts[0].(map[string]any)
	if r["kind"] != "love" || r["sender"] != "+123" {
		t.Errorf("reaction = %v", r)
	}
	// Requested but empty lists still serialise as arrays.
	if empty, ok := withReact["attachments"].([]any); !ok || len(empty) != 0 {
		t.Errorf("empty attachments = %v", withReact["attachments"])
	}
}

func TestHistoryBodyFallback(t *testing.T) {
	s := startSession(t)
	storetest.InsertMessage(t, s.db, storetest.Message{
		RowID: 4, GUID: "g-4", HandleID: 1,
		Body: storetest.BodyBlob("only archived"),
		Date: time.Now().UTC(),
	})

	res := mustResult(t, s.call(1, "messages.history", `{"chat_id":1,"limit":1}`))
	msgs := res["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", msgs)
	}
	if got := msgs[0].(map[string]any)["text"]; got != "only archived" {
		t.Errorf("text = %v, want decoded attributedBody", got)
	}
}

func TestHistoryParticipantFilter(t *testing.T) {
	s := startSession(t)

	res := mustResult(t, s.call(1, "messages.history", `{"chat_id":1,"participants":["+123"]}`))
	msgs := res["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (from-me excluded)", len(msgs))
	}
	for _, raw := range msgs {
		if m := raw.(map[string]any); m["is_from_me"] == true {
			t.Errorf("from-me message passed the participant filter: %v", m)
		}
	}
}

func TestSubscribeLifecycle(t *testing.T) {
	s := startSession(t)

	res := mustResult(t, s.call(1, "watch.subscribe", `{"chat_id":1}`))
	sub1 := res["subscription"].(float64)
	if sub1 != 1 {
		t.Errorf("first subscription id = %v", sub1)
	}

	storetest.InsertMessage(t, s.db, storetest.Message{RowID: 4, GUID: "g-4", HandleID: 1, Text: "live", Date: time.Now().UTC()})
	note := s.next()
	if note["method"] != "message" {
		t.Fatalf("frame = %v", note)
	}
	params := note["params"].(map[string]any)
	if params["subscription"] != sub1 {
		t.Errorf("subscription = %v, want %v", params["subscription"], sub1)
	}
	msg := params["message"].(map[string]any)
	if msg["id"] != float64(4) || msg["text"] != "live" || msg["chat_name"] != "Test" {
		t.Errorf("message = %v", msg)
	}
	if _, present := note["id"]; present {
		t.Error("notification carries an id")
	}

	res = mustResult(t, s.call(2, "watch.unsubscribe", fmt.Sprintf(`{"subscription":%v}`, sub1)))
	if res["ok"] != true {
		t.Errorf("unsubscribe result = %v", res)
	}

	// Rows appended while unsubscribed are not delivered...
	storetest.InsertMessage(t, s.db, storetest.Message{RowID: 5, GUID: "g-5", HandleID: 1, Text: "missed", Date: time.Now().UTC()})
	s.expectSilence(100 * time.Millisecond)

	// ...and a fresh subscription starts at the current watermark.
	res = mustResult(t, s.call(3, "watch.subscribe", `{"chat_id":1}`))
	sub2 := res["subscription"].(float64)
	if sub2 <= sub1 {
		t.Errorf("second subscription id %v not greater than first %v", sub2, sub1)
	}
	storetest.InsertMessage(t, s.db, storetest.Message{RowID: 6, GUID: "g-6", HandleID: 1, Text: "fresh", Date: time.Now().UTC()})
	note = s.next()
	params = note["params"].(map[string]any)
	if params["subscription"] != sub2 {
		t.Errorf("subscription = %v, want %v", params["subscription"], sub2)
	}
	if got := params["message"].(map[string]any)["id"]; got != float64(6) {
		t.Errorf("message id = %v, want 6 (row 5 skipped)", got)
	}
}

func TestSubscribeSinceRowID(t *testing.T) {
	s := startSession(t)

	// The backfill races the subscribe response on the wire, so collect all
	// three frames before asserting.
	s.send(`{"jsonrpc":"2.0","id":1,"method":"watch.subscribe","params":{"chat_id":1,"since_rowid":1}}`)

	var sub float64 = -1
	var ids []float64
	for i := 0; i < 3; i++ {
		frame := s.next()
		if frame["id"] == float64(1) {
			sub = mustResult(t, frame)["subscription"].(float64)
			continue
		}
		if frame["method"] != "message" {
			t.Fatalf("frame = %v", frame)
		}
		params := frame["params"].(map[string]any)
		ids = append(ids, params["message"].(map[string]any)["id"].(float64))
	}
	if sub != 1 {
		t.Errorf("subscription = %v", sub)
	}
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Errorf("backfilled ids = %v, want [2 3]", ids)
	}
}

func TestSubscribeUnknownChat(t *testing.T) {
	s := startSession(t)
	mustErrorCode(t, s.call(1, "watch.subscribe", `{"chat_id":42}`), CodeInvalidParams)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	s := startSession(t)
	res := mustResult(t, s.call(1, "watch.unsubscribe", `{"subscription":999}`))
	if res["ok"] != true {
		t.Errorf("result = %v", res)
	}
	mustErrorCode(t, s.call(2, "watch.unsubscribe", `{}`), CodeInvalidParams)
}

func TestSendValidation(t *testing.T) {
	s := startSession(t)

	cases := []string{
		`{}`,
		`{"text":"hi"}`,
		`{"to":"+1","chat_id":1,"text":"hi"}`,
		`{"to":"+1"}`,
		`{"to":"+1","text":"hi","service":"fax"}`,
		`{"chat_id":42,"text":"hi"}`,
	}
	for i, params := range cases {
		mustErrorCode(t, s.call(i+1, "send", params), CodeInvalidParams)
	}
}

func TestSendToHandle(t *testing.T) {
	s := startSession(t)

	res := mustResult(t, s.call(1, "send", `{"to":"5550102030","text":"hi"}`))
	if res["ok"] != true {
		t.Errorf("result = %v", res)
	}
	opts := s.sender.lastMessage(t)
	if opts.To != "5550102030" || opts.Text != "hi" || opts.Region != "US" || opts.Service != imessage.ServiceAuto {
		t.Errorf("opts = %+v", opts)
	}
}

func TestSendResolvesChatID(t *testing.T) {
	s := startSession(t)

	mustResult(t, s.call(1, "send", `{"chat_id":1,"text":"hi","service":"sms"}`))
	opts := s.sender.lastMessage(t)
	if opts.ChatIdentifier != "+123" || opts.ChatGUID != "iMessage;-;+123" {
		t.Errorf("chat target = %+v", opts)
	}
	if opts.Service != imessage.ServiceSMS {
		t.Errorf("service = %v", opts.Service)
	}
}

func TestSendErrors(t *testing.T) {
	s := startSession(t)

	s.sender.err = imessage.Inputf("messages rejected target")
	mustErrorCode(t, s.call(1, "send", `{"to":"+1","text":"hi"}`), CodeInvalidParams)

	s.sender.err = fmt.Errorf("osascript exploded")
	mustErrorCode(t, s.call(2, "send", `{"to":"+1","text":"hi"}`), CodeInternal)
}

func TestReactionsSend(t *testing.T) {
	s := startSession(t)

	mustErrorCode(t, s.call(1, "reactions.send", `{}`), CodeInvalidParams)
	mustErrorCode(t, s.call(2, "reactions.send", `{"guid":"g-3"}`), CodeInvalidParams)
	mustErrorCode(t, s.call(3, "reactions.send", `{"guid":"g-3","reaction":"thumbsup"}`), CodeInvalidParams)
	mustErrorCode(t, s.call(4, "reactions.send", `{"guid":"nope","reaction":"love"}`), CodeInvalidParams)

	// Chat context is recovered from the message row when not supplied.
	res := mustResult(t, s.call(5, "reactions.send", `{"guid":"g-3","reaction":"love"}`))
	if res["ok"] != true {
		t.Errorf("result = %v", res)
	}
	opts := s.sender.lastReaction(t)
	if opts.MessageGUID != "g-3" || opts.Tapback != imessage.TapbackLove || opts.Emoji != "" {
		t.Errorf("opts = %+v", opts)
	}
	if opts.ChatGUID != "iMessage;-;+123" || opts.ChatIdentifier != "+123" {
		t.Errorf("chat context = %+v", opts)
	}

	mustResult(t, s.call(6, "reactions.send", `{"guid":"g-3","reaction":"🔥","chat_id":1}`))
	opts = s.sender.lastReaction(t)
	if opts.Tapback != imessage.TapbackCustom || opts.Emoji != "🔥" {
		t.Errorf("custom opts = %+v", opts)
	}
}

func TestContactsSearch(t *testing.T) {
	s := startSession(t)

	mustErrorCode(t, s.call(1, "contacts.search", `{}`), CodeInvalidParams)

	res := mustResult(t, s.call(2, "contacts.search", `{"query":"ada"}`))
	matches := res["matches"].([]any)
	if len(matches) != 1 {
		t.Fatalf("matches = %v", matches)
	}
	if matches[0].(map[string]any)["name"] != "Ada Lovelace" {
		t.Errorf("match = %v", matches[0])
	}

	res = mustResult(t, s.call(3, "contacts.search", `{"query":"zz"}`))
	if matches := res["matches"].([]any); len(matches) != 0 {
		t.Errorf("matches = %v", matches)
	}
}

func TestContactsResolve(t *testing.T) {
	s := startSession(t)

	mustErrorCode(t, s.call(1, "contacts.resolve", `{"handles":[]}`), CodeInvalidParams)

	res := mustResult(t, s.call(2, "contacts.resolve", `{"handles":["+123","+999"]}`))
	contacts := res["contacts"].([]any)
	if len(contacts) != 1 {
		t.Fatalf("contacts = %v", contacts)
	}
	c := contacts[0].(map[string]any)
	if c["handle"] != "+123" || c["name"] != "Ada Lovelace" {
		t.Errorf("contact = %v", c)
	}
}

func TestContactsUnauthorizedDegrades(t *testing.T) {
	s := startSession(t)
	s.contacts.err = imessage.ErrUnauthorized

	res := mustResult(t, s.call(1, "contacts.search", `{"query":"ada"}`))
	if res["warning"] != "contacts_unavailable" {
		t.Errorf("search result = %v", res)
	}
	if matches := res["matches"].([]any); len(matches) != 0 {
		t.Errorf("matches = %v", matches)
	}

	res = mustResult(t, s.call(2, "contacts.resolve", `{"handles":["+123"]}`))
	if res["warning"] != "contacts_unavailable" {
		t.Errorf("resolve result = %v", res)
	}
}

func TestBadLineThenGoodLine(t *testing.T) {
	s := startSession(t)

	s.send(`{"jsonrpc": `)
	s.send(`{"jsonrpc":"2.0","id":2,"method":"chats.list"}`)

	first := s.next()
	mustErrorCode(t, first, CodeParse)
	if first["id"] != nil {
		t.Errorf("parse error id = %v, want null", first["id"])
	}

	second := s.next()
	if second["id"] != float64(2) {
		t.Fatalf("second frame = %v", second)
	}
	mustResult(t, second)
}

func TestOversizedLineKeepsSessionAlive(t *testing.T) {
	s := startSession(t)

	s.send(`{"jsonrpc":"2.0","id":1,"method":"send","params":{"to":"+1","text":"` + strings.Repeat("x", maxFrameSize) + `"}}`)
	s.send(`{"jsonrpc":"2.0","id":2,"method":"chats.list"}`)

	first := s.next()
	mustErrorCode(t, first, CodeParse)
	if first["id"] != nil {
		t.Errorf("oversize error id = %v, want null", first["id"])
	}

	second := s.next()
	if second["id"] != float64(2) {
		t.Fatalf("second frame = %v", second)
	}
	mustResult(t, second)
}

func TestSubscribeRacingEOF(t *testing.T) {
	// Subscribes immediately followed by EOF: the in-flight handlers may
	// register workers while the session is already tearing down. Shutdown
	// must still answer every request and stop cleanly.
	s := startSession(t)

	for i := 1; i <= 5; i++ {
		s.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"watch.subscribe","params":{"chat_id":1}}`, i))
	}
	_ = s.in.Close()

	select {
	case <-s.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	if s.serveErr != nil {
		t.Errorf("Serve returned %v", s.serveErr)
	}
	// Every request is answered before Serve returns. Handlers racing the
	// teardown may answer with a cancellation error; either way the frame
	// carries its id.
	for i := 0; i < 5; i++ {
		frame := s.next()
		if frame["id"] == nil {
			t.Errorf("frame without id: %v", frame)
		}
	}
}

func TestUnknownMethod(t *testing.T) {
	s := startSession(t)
	mustErrorCode(t, s.call(1, "messages.purge", ""), CodeMethodNotFound)
}

func TestNotificationRequestGetsNoResponse(t *testing.T) {
	s := startSession(t)
	s.send(`{"jsonrpc":"2.0","method":"chats.list"}`)
	s.expectSilence(100 * time.Millisecond)
}

func TestServeReturnsNilOnEOF(t *testing.T) {
	s := startSession(t)
	mustResult(t, s.call(1, "chats.list", ""))

	_ = s.in.Close()
	select {
	case <-s.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	if s.serveErr != nil {
		t.Errorf("Serve returned %v, want nil on EOF", s.serveErr)
	}
}
