package transport

import "errors"

// ErrStaleThread marks a send that failed because the target forum topic no
// longer exists. The router recovers from it by recreating the topic; every
// other transport failure propagates.
var ErrStaleThread = errors.New("transport: stale thread reference")

// IsStaleThread reports whether err denotes a deleted or unknown forum
// topic.
func IsStaleThread(err error) bool {
	return errors.Is(err, ErrStaleThread)
}

// Client is the outbound messaging capability a relay session depends on.
// The production implementation is Telegram; tests substitute a fake.
type Client interface {
	// Username of the authenticated bot identity.
	Username() string

	SendText(chatID int64, text string) (Message, error)
	SendHTML(chatID int64, text string) (Message, error)
	ReplyText(chatID int64, replyToID int, text string) (Message, error)
	ReplyHTML(chatID int64, replyToID int, text string) (Message, error)

	// ForwardTo copies a message with its origin header preserved.
	// threadID 0 targets the plain chat.
	ForwardTo(toChatID int64, threadID int, fromChatID int64, messageID int) (Message, error)

	// CopyTo delivers a copy without the origin header.
	CopyTo(toChatID int64, fromChatID int64, messageID int) (Message, error)

	CreateTopic(chatID int64, name string) (int, error)
	DeleteMessage(chatID int64, messageID int) error
	GetChat(chatID int64) (Chat, error)
}
