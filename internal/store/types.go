package store

import "time"

// Chat is one conversation row. The Messages process owns the data; from this
// side it is immutable.
type Chat struct {
	ID            int64
	GUID          string
	Identifier    string
	Name          string
	Service       string
	IsGroup       bool
	LastMessageAt time.Time
	Participants  []string
}

// Message is a single message row. Sender is empty for messages sent by the
// local user.
type Message struct {
	RowID       int64
	ChatID      int64
	GUID        string
	ReplyToGUID string
	Sender      string
	Text        string
	Service     string
	IsFromMe    bool
	Date        time.Time
}

// Attachment is the metadata for one attachment, with the filename resolved
// against the home directory.
type Attachment struct {
	Filename     string
	TransferName string
	UTI          string
	MimeType     string
	TotalBytes   int64
	IsSticker    bool
	Path         string
	Missing      bool
}

// Reaction is a tapback attached to another message.
type Reaction struct {
	RowID    int64
	Kind     string
	Emoji    string
	Sender   string
	IsFromMe bool
	Date     time.Time
}

// Tapback kinds as stored in message.associated_message_type.
const (
	tapbackLove     = 2000
	tapbackLike     = 2001
	tapbackDislike  = 2002
	tapbackLaugh    = 2003
	tapbackEmphasis = 2004
	tapbackQuestion = 2005
	tapbackCustom   = 2006
	tapbackSticker  = 2007
)

// reactionKind maps an associated_message_type to a stable kind name and the
// emoji Messages renders for it.
func reactionKind(typ int64, customEmoji string) (kind, emoji string) {
	switch typ {
	case tapbackLove:
		return "love", "❤️"
	case tapbackLike:
		return "like", "\U0001f44d"
	case tapbackDislike:
		return "dislike", "\U0001f44e"
	case tapbackLaugh:
		return "laugh", "\U0001f602"
	case tapbackEmphasis:
		return "emphasis", "‼️"
	case tapbackQuestion:
		return "question", "❓"
	default:
		return "custom", customEmoji
	}
}
