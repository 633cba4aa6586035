package rpc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/imsglab/imsg/internal/bus"
	"github.com/imsglab/imsg/internal/cache"
	"github.com/imsglab/imsg/internal/imessage"
	"github.com/imsglab/imsg/internal/store"
	"github.com/imsglab/imsg/internal/watch"
)

// Wire shapes. Timestamps are RFC 3339 UTC; raw Apple-epoch integers never
// reach a client.

type wireChat struct {
	ID            int64    `json:"id"`
	Identifier    string   `json:"identifier"`
	GUID          string   `json:"guid,omitempty"`
	Name          string   `json:"name"`
	Service       string   `json:"service"`
	LastMessageAt string   `json:"last_message_at"`
	Participants  []string `json:"participants"`
	IsGroup       bool     `json:"is_group"`
}

type wireAttachment struct {
	Filename     string `json:"filename"`
	TransferName string `json:"transfer_name"`
	UTI          string `json:"uti"`
	MimeType     string `json:"mime_type"`
	TotalBytes   int64  `json:"total_bytes"`
	IsSticker    bool   `json:"is_sticker"`
	Path         string `json:"path"`
	Missing      bool   `json:"missing"`
}

type wireReaction struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Emoji     string `json:"emoji,omitempty"`
	Sender    string `json:"sender"`
	IsFromMe  bool   `json:"is_from_me"`
	CreatedAt string `json:"created_at"`
}

type wireMessage struct {
	ID          int64  `json:"id"`
	ChatID      int64  `json:"chat_id"`
	GUID        string `json:"guid"`
	ReplyToGUID string `json:"reply_to_guid,omitempty"`
	Sender      string `json:"sender"`
	IsFromMe    bool   `json:"is_from_me"`
	Text        string `json:"text"`
	CreatedAt   string `json:"created_at"`

	// Present only when the caller asked for attachments; the two ride the
	// same flag. Pointers so an empty-but-requested list still serialises.
	Attachments *[]wireAttachment `json:"attachments,omitempty"`
	Reactions   *[]wireReaction   `json:"reactions,omitempty"`

	ChatIdentifier string   `json:"chat_identifier"`
	ChatGUID       string   `json:"chat_guid"`
	ChatName       string   `json:"chat_name"`
	Participants   []string `json:"participants"`
	IsGroup        bool     `json:"is_group"`
}

func isoTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func decodeParams(raw json.RawMessage, into any) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return invalidParams("malformed params: %v", err)
	}
	return nil
}

// limitOrDefault applies the documented limit semantics: absent means the
// method default, zero or negative clamps to one.
func limitOrDefault(p *int, def int) int {
	if p == nil {
		return def
	}
	if *p <= 0 {
		return 1
	}
	return *p
}

// chatEntry resolves chat metadata, translating an unknown rowid into an
// invalid-params error.
func (s *Server) chatEntry(ctx context.Context, chatID int64) (cache.Entry, error) {
	entry, err := s.chats.Get(ctx, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, invalidParams("unknown chat_id %d", chatID)
	}
	return entry, err
}

// shapeMessage builds the wire form of a message, attaching chat context and,
// when requested, attachments and reactions.
func (s *Server) shapeMessage(ctx context.Context, m store.Message, withAttachments bool) (wireMessage, error) {
	wm := wireMessage{
		ID:           m.RowID,
		ChatID:       m.ChatID,
		GUID:         m.GUID,
		ReplyToGUID:  m.ReplyToGUID,
		Sender:       m.Sender,
		IsFromMe:     m.IsFromMe,
		Text:         m.Text,
		CreatedAt:    isoTime(m.Date),
		Participants: []string{},
	}
	if m.ChatID != 0 {
		entry, err := s.chats.Get(ctx, m.ChatID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return wireMessage{}, err
		}
		if err == nil {
			wm.ChatIdentifier = entry.Identifier
			wm.ChatGUID = entry.GUID
			wm.ChatName = entry.Name
			wm.IsGroup = entry.IsGroup
			if entry.Participants != nil {
				wm.Participants = entry.Participants
			}
		}
	}
	if withAttachments {
		attachments, err := s.db.AttachmentsByMessage(ctx, m.RowID)
		if err != nil {
			return wireMessage{}, err
		}
		was := make([]wireAttachment, 0, len(attachments))
		for _, a := range attachments {
			was = append(was, wireAttachment{
				Filename:     a.Filename,
				TransferName: a.TransferName,
				UTI:          a.UTI,
				MimeType:     a.MimeType,
				TotalBytes:   a.TotalBytes,
				IsSticker:    a.IsSticker,
				Path:         a.Path,
				Missing:      a.Missing,
			})
		}
		wm.Attachments = &was

		reactions, err := s.db.ReactionsByMessage(ctx, m.RowID)
		if err != nil {
			return wireMessage{}, err
		}
		wrs := make([]wireReaction, 0, len(reactions))
		for _, r := range reactions {
			wrs = append(wrs, wireReaction{
				ID:        r.RowID,
				Kind:      r.Kind,
				Emoji:     r.Emoji,
				Sender:    r.Sender,
				IsFromMe:  r.IsFromMe,
				CreatedAt: isoTime(r.Date),
			})
		}
		wm.Reactions = &wrs
	}
	return wm, nil
}

// chats.list

type chatsListParams struct {
	Limit *int `json:"limit"`
}

func (s *Server) handleChatsList(ctx context.Context, raw json.RawMessage) (any, error) {
	var p chatsListParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	limit := limitOrDefault(p.Limit, 20)

	chats, err := s.db.ListChats(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]wireChat, 0, len(chats))
	for _, c := range chats {
		wc := wireChat{
			ID:            c.ID,
			Identifier:    c.Identifier,
			GUID:          c.GUID,
			Name:          c.Name,
			Service:       c.Service,
			IsGroup:       c.IsGroup,
			LastMessageAt: isoTime(c.LastMessageAt),
			Participants:  []string{},
		}
		if entry, err := s.chats.Get(ctx, c.ID); err == nil && entry.Participants != nil {
			wc.Participants = entry.Participants
		}
		out = append(out, wc)
	}
	return map[string]any{"chats": out}, nil
}

// messages.history

type historyParams struct {
	ChatID       *int64   `json:"chat_id"`
	Limit        *int     `json:"limit"`
	Participants []string `json:"participants"`
	Start        string   `json:"start"`
	End          string   `json:"end"`
	Attachments  bool     `json:"attachments"`
}

func (s *Server) handleHistory(ctx context.Context, raw json.RawMessage) (any, error) {
	var p historyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ChatID == nil {
		return nil, invalidParams("chat_id is required")
	}
	if _, err := s.chatEntry(ctx, *p.ChatID); err != nil {
		return nil, err
	}
	filter, err := watch.NewFilter(p.Participants, p.Start, p.End)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	limit := limitOrDefault(p.Limit, 50)

	msgs, err := s.db.MessagesByChat(ctx, *p.ChatID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		if !filter.Match(m) {
			continue
		}
		wm, err := s.shapeMessage(ctx, m, p.Attachments)
		if err != nil {
			return nil, err
		}
		out = append(out, wm)
	}
	return map[string]any{"messages": out}, nil
}

// watch.subscribe / watch.unsubscribe

type subscribeParams struct {
	ChatID       *int64   `json:"chat_id"`
	SinceRowID   *int64   `json:"since_rowid"`
	Participants []string `json:"participants"`
	Start        string   `json:"start"`
	End          string   `json:"end"`
	Attachments  bool     `json:"attachments"`
}

func (s *Server) handleSubscribe(ctx context.Context, raw json.RawMessage) (any, error) {
	var p subscribeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	var chatID int64
	if p.ChatID != nil {
		if _, err := s.chatEntry(ctx, *p.ChatID); err != nil {
			return nil, err
		}
		chatID = *p.ChatID
	}
	filter, err := watch.NewFilter(p.Participants, p.Start, p.End)
	if err != nil {
		return nil, invalidParams("%v", err)
	}

	watermark := int64(0)
	if p.SinceRowID != nil {
		watermark = *p.SinceRowID
	} else if watermark, err = s.db.MaxRowID(ctx); err != nil {
		return nil, err
	}

	id, wctx := s.subs.Add(s.lifetime)
	opts := watch.Options{ChatID: chatID, AfterRowID: watermark}
	s.subs.Go(id, func() {
		s.watchWorker(wctx, id, filter, opts, p.Attachments)
	})
	s.publish(bus.Subscribed, id)
	return map[string]any{"subscription": id}, nil
}

type unsubscribeParams struct {
	Subscription *int64 `json:"subscription"`
}

func (s *Server) handleUnsubscribe(_ context.Context, raw json.RawMessage) (any, error) {
	var p unsubscribeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Subscription == nil {
		return nil, invalidParams("subscription is required")
	}
	// Idempotent: cancelling an id that was never allocated, or was already
	// torn down, still succeeds.
	s.subs.Cancel(*p.Subscription)
	s.publish(bus.Unsubscribed, *p.Subscription)
	return map[string]any{"ok": true}, nil
}

// send

type sendParams struct {
	To             string `json:"to"`
	ChatID         *int64 `json:"chat_id"`
	ChatIdentifier string `json:"chat_identifier"`
	ChatGUID       string `json:"chat_guid"`
	Text           string `json:"text"`
	File           string `json:"file"`
	Service        string `json:"service"`
	Region         string `json:"region"`
}

func (s *Server) handleSend(ctx context.Context, raw json.RawMessage) (any, error) {
	var p sendParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	targets := 0
	for _, set := range []bool{p.To != "", p.ChatID != nil, p.ChatIdentifier != "", p.ChatGUID != ""} {
		if set {
			targets++
		}
	}
	if targets != 1 {
		return nil, invalidParams("exactly one of to, chat_id, chat_identifier or chat_guid is required")
	}
	if p.Text == "" && p.File == "" {
		return nil, invalidParams("one of text or file is required")
	}
	service, err := imessage.ParseService(p.Service)
	if err != nil {
		return nil, err
	}
	region := p.Region
	if region == "" {
		region = "US"
	}

	opts := imessage.SendOptions{
		To:             p.To,
		ChatIdentifier: p.ChatIdentifier,
		ChatGUID:       p.ChatGUID,
		Text:           p.Text,
		File:           p.File,
		Service:        service,
		Region:         region,
	}
	if p.ChatID != nil {
		entry, err := s.chatEntry(ctx, *p.ChatID)
		if err != nil {
			return nil, err
		}
		opts.ChatIdentifier = entry.Identifier
		opts.ChatGUID = entry.GUID
	}

	if err := s.sender.SendMessage(ctx, opts); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// reactions.send

type reactionParams struct {
	GUID           string `json:"guid"`
	Reaction       string `json:"reaction"`
	ChatID         *int64 `json:"chat_id"`
	ChatIdentifier string `json:"chat_identifier"`
	ChatGUID       string `json:"chat_guid"`
}

func (s *Server) handleReactionsSend(ctx context.Context, raw json.RawMessage) (any, error) {
	var p reactionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.GUID == "" {
		return nil, invalidParams("guid is required")
	}
	if p.Reaction == "" {
		return nil, invalidParams("reaction is required")
	}
	tapback, emoji, err := imessage.ParseTapback(p.Reaction)
	if err != nil {
		return nil, err
	}

	opts := imessage.ReactionOptions{
		MessageGUID:    p.GUID,
		Tapback:        tapback,
		Emoji:          emoji,
		ChatIdentifier: p.ChatIdentifier,
		ChatGUID:       p.ChatGUID,
	}
	switch {
	case p.ChatID != nil:
		entry, err := s.chatEntry(ctx, *p.ChatID)
		if err != nil {
			return nil, err
		}
		opts.ChatIdentifier = entry.Identifier
		opts.ChatGUID = entry.GUID
	case p.ChatIdentifier == "" && p.ChatGUID == "":
		// No chat target supplied: recover it from the message itself.
		msg, err := s.db.MessageByGUID(ctx, p.GUID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, invalidParams("unknown message guid %q", p.GUID)
		}
		if err != nil {
			return nil, err
		}
		if msg.ChatID != 0 {
			entry, err := s.chatEntry(ctx, msg.ChatID)
			if err != nil {
				return nil, err
			}
			opts.ChatIdentifier = entry.Identifier
			opts.ChatGUID = entry.GUID
		}
	}

	if err := s.sender.SendReaction(ctx, opts); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// contacts.search / contacts.resolve

const contactsUnavailable = "contacts_unavailable"

type searchParams struct {
	Query string `json:"query"`
	Limit *int   `json:"limit"`
}

func (s *Server) handleContactsSearch(ctx context.Context, raw json.RawMessage) (any, error) {
	var p searchParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Query == "" {
		return nil, invalidParams("query is required")
	}
	limit := limitOrDefault(p.Limit, 10)

	matches, err := s.contacts.Search(ctx, p.Query, limit)
	if errors.Is(err, imessage.ErrUnauthorized) {
		return map[string]any{"matches": []imessage.Contact{}, "warning": contactsUnavailable}, nil
	}
	if err != nil {
		return nil, err
	}
	if matches == nil {
		matches = []imessage.Contact{}
	}
	return map[string]any{"matches": matches}, nil
}

type resolveParams struct {
	Handles []string `json:"handles"`
}

type resolvedContact struct {
	Handle string `json:"handle"`
	Name   string `json:"name"`
}

func (s *Server) handleContactsResolve(ctx context.Context, raw json.RawMessage) (any, error) {
	var p resolveParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if len(p.Handles) == 0 {
		return nil, invalidParams("handles must be a non-empty array")
	}

	names, err := s.contacts.Resolve(ctx, p.Handles)
	if errors.Is(err, imessage.ErrUnauthorized) {
		return map[string]any{"contacts": []resolvedContact{}, "warning": contactsUnavailable}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]resolvedContact, 0, len(names))
	for handle, name := range names {
		out = append(out, resolvedContact{Handle: handle, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return map[string]any{"contacts": out}, nil
}
