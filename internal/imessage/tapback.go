package imessage

import (
	"strings"
	"unicode"
)

// Tapback is a quick-reaction kind.
type Tapback int

const (
	TapbackLove Tapback = iota
	TapbackLike
	TapbackDislike
	TapbackLaugh
	TapbackEmphasis
	TapbackQuestion
	// TapbackCustom carries an arbitrary emoji instead of a named kind.
	TapbackCustom
)

var tapbackNames = map[string]Tapback{
	"love":     TapbackLove,
	"like":     TapbackLike,
	"dislike":  TapbackDislike,
	"laugh":    TapbackLaugh,
	"emphasis": TapbackEmphasis,
	"question": TapbackQuestion,
}

// String returns the wire name of a tapback kind.
func (t Tapback) String() string {
	for name, kind := range tapbackNames {
		if kind == t {
			return name
		}
	}
	return "custom"
}

// ParseTapback interprets a caller-supplied reaction string: either one of
// the six named kinds, or a custom emoji. Plain ASCII words that are not a
// known kind are rejected rather than sent as emoji.
func ParseTapback(s string) (Tapback, string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, "", Inputf("reaction must not be empty")
	}
	if kind, ok := tapbackNames[strings.ToLower(trimmed)]; ok {
		return kind, "", nil
	}
	for _, r := range trimmed {
		if r > unicode.MaxASCII {
			return TapbackCustom, trimmed, nil
		}
	}
	return 0, "", Inputf("unknown reaction %q (want love, like, dislike, laugh, emphasis, question or an emoji)", s)
}
