package imessage

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Script sends messages and tapbacks by driving Messages.app through
// osascript. It is inherently macOS-only; on other platforms every call fails
// with the exec error.
type Script struct {
	logger *zap.Logger
}

// NewScript creates the osascript-backed sender.
func NewScript(logger *zap.Logger) *Script {
	return &Script{logger: logger}
}

// SendMessage composes and sends one message through Messages.app.
func (s *Script) SendMessage(ctx context.Context, opts SendOptions) error {
	var b strings.Builder
	b.WriteString("tell application \"Messages\"\n")
	switch {
	case opts.ChatGUID != "":
		fmt.Fprintf(&b, "  set theTarget to a reference to text chat id %s\n", quoteAS(opts.ChatGUID))
	case opts.ChatIdentifier != "":
		fmt.Fprintf(&b, "  set theService to 1st account whose service type = %s\n", serviceType(opts.Service))
		fmt.Fprintf(&b, "  set theTarget to participant %s of theService\n", quoteAS(opts.ChatIdentifier))
	default:
		fmt.Fprintf(&b, "  set theService to 1st account whose service type = %s\n", serviceType(opts.Service))
		fmt.Fprintf(&b, "  set theTarget to participant %s of theService\n", quoteAS(NormalizeHandle(opts.To, opts.Region)))
	}
	if opts.Text != "" {
		fmt.Fprintf(&b, "  send %s to theTarget\n", quoteAS(opts.Text))
	}
	if opts.File != "" {
		fmt.Fprintf(&b, "  send POSIX file %s to theTarget\n", quoteAS(opts.File))
	}
	b.WriteString("end tell\n")

	return s.run(ctx, b.String())
}

// SendReaction attaches a tapback to an existing message. Messages.app has no
// scripting verb for tapbacks, so this drives the context menu through System
// Events on the most recent matching bubble.
func (s *Script) SendReaction(ctx context.Context, opts ReactionOptions) error {
	label := tapbackMenuItem(opts.Tapback, opts.Emoji)
	var b strings.Builder
	b.WriteString("tell application \"Messages\" to activate\n")
	b.WriteString("tell application \"System Events\" to tell process \"Messages\"\n")
	fmt.Fprintf(&b, "  set theChat to %s\n", quoteAS(opts.ChatGUID))
	fmt.Fprintf(&b, "  set theMessage to %s\n", quoteAS(opts.MessageGUID))
	b.WriteString("  perform action \"AXShowMenu\" of group 1 of UI element theMessage of window 1\n")
	fmt.Fprintf(&b, "  click menu item %s of menu 1 of group 1 of window 1\n", quoteAS(label))
	b.WriteString("end tell\n")

	return s.run(ctx, b.String())
}

func (s *Script) run(ctx context.Context, script string) error {
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	detail := strings.TrimSpace(string(out))
	s.logger.Warn("osascript failed", zap.String("detail", detail), zap.Error(err))
	lower := strings.ToLower(detail)
	// "Can't get participant ..." and friends mean the caller named a target
	// Messages does not know, not that the automation broke.
	if strings.Contains(lower, "can't get") || strings.Contains(lower, "invalid") {
		return Inputf("messages rejected target: %s", detail)
	}
	if detail == "" {
		return err
	}
	return fmt.Errorf("osascript: %s: %w", detail, err)
}

// NormalizeHandle canonicalises a direct recipient: separators are stripped
// and bare 10-digit numbers get the +1 prefix when the region is US.
func NormalizeHandle(to, region string) string {
	if strings.Contains(to, "@") {
		return strings.TrimSpace(to)
	}
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '(', ')', '-', '.':
			return -1
		}
		return r
	}, to)
	if region == "" {
		region = "US"
	}
	if region == "US" && len(cleaned) == 10 && !strings.HasPrefix(cleaned, "+") {
		return "+1" + cleaned
	}
	return cleaned
}

func serviceType(svc Service) string {
	if svc == ServiceSMS {
		return "SMS"
	}
	return "iMessage"
}

func tapbackMenuItem(t Tapback, emoji string) string {
	switch t {
	case TapbackLove:
		return "Love"
	case TapbackLike:
		return "Like"
	case TapbackDislike:
		return "Dislike"
	case TapbackLaugh:
		return "Laugh"
	case TapbackEmphasis:
		return "Emphasize"
	case TapbackQuestion:
		return "Question"
	default:
		return emoji
	}
}

// quoteAS renders a Go string as an AppleScript string literal.
func quoteAS(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
