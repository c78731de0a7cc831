package domain

import "time"

// ChatKind is the kind of chat a message arrived from.
type ChatKind string

const (
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
	ChatPrivate    ChatKind = "private"
	ChatChannel    ChatKind = "channel"
)

// InboundMessage is a transport-neutral view of a message observed in a chat.
// The Telegram update loop converts raw updates into this shape before
// handing them to the engine.
type InboundMessage struct {
	ChatID     int64
	MessageID  int
	ChatKind   ChatKind
	Type       MessageType
	Text       string // text or caption payload
	MediaRef   string
	From       *UserInfo
	SenderChat *ChatInfo // set when the platform attributes the message to a chat entity
	Timestamp  time.Time
}

// UserInfo describes the account that authored a message.
type UserInfo struct {
	ID        int64
	IsBot     bool
	Username  string
	FirstName string
	LastName  string
}

// ChatInfo describes a chat entity acting as a sender (a channel or group
// posting as itself).
type ChatInfo struct {
	ID       int64
	Title    string
	Username string
}

// SenderInfo is the resolved logical sender of a message. Derived once at
// ingest, never persisted.
type SenderInfo struct {
	IsUser           bool
	IsGroupOrChannel bool
	ChatID           string // user id or sender-chat id, stringified
	VerboseName      string

	// User case only.
	Username  string
	FirstName string
	LastName  string
}
