package transport

import "strings"

// The released telegram-bot-api client predates Bot API 6.3 forum topics,
// so inbound payloads are decoded into these local types instead of the
// library's. Only the fields the relay consumes are kept.

type Update struct {
	UpdateID      int            `json:"update_id"`
	Message       *Message       `json:"message"`
	CallbackQuery *CallbackQuery `json:"callback_query"`
}

type Message struct {
	MessageID      int      `json:"message_id"`
	ThreadID       int      `json:"message_thread_id"`
	From           *User    `json:"from"`
	Chat           Chat     `json:"chat"`
	Text           string   `json:"text"`
	Caption        string   `json:"caption"`
	IsTopicMessage bool     `json:"is_topic_message"`
	ReplyTo        *Message `json:"reply_to_message"`
	ForwardFrom    *User    `json:"forward_from"`
}

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type Chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	IsForum   bool   `json:"is_forum"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *User    `json:"from"`
	Message *Message `json:"message"`
	Data    string   `json:"data"`
}

// ForumTopic is the createForumTopic result.
type ForumTopic struct {
	ThreadID int    `json:"message_thread_id"`
	Name     string `json:"name"`
}

// Content returns the text body of a message, falling back to the media
// caption.
func (m *Message) Content() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// IsCommand reports whether the message starts a bot command.
func (m *Message) IsCommand() bool {
	return strings.HasPrefix(m.Text, "/")
}

// Command returns the command token without the leading slash or @bot
// suffix, or "" when the message is not a command.
func (m *Message) Command() string {
	if !m.IsCommand() {
		return ""
	}
	token := strings.Fields(m.Text)[0][1:]
	if at := strings.Index(token, "@"); at >= 0 {
		token = token[:at]
	}
	return token
}

// CommandArgs returns everything after the command token.
func (m *Message) CommandArgs() string {
	if !m.IsCommand() {
		return ""
	}
	fields := strings.SplitN(m.Text, " ", 2)
	if len(fields) < 2 {
		return ""
	}
	return strings.TrimSpace(fields[1])
}

// IsPrivate reports whether the message arrived in a private chat.
func (m *Message) IsPrivate() bool {
	return m.Chat.Type == "private"
}

// TopicID returns the forum thread the message belongs to, looking through
// the reply when the message itself carries no thread id.
func (m *Message) TopicID() int {
	if m.ThreadID != 0 {
		return m.ThreadID
	}
	if m.ReplyTo != nil {
		return m.ReplyTo.ThreadID
	}
	return 0
}

// DisplayName returns the best human-readable name for a user.
func (u *User) DisplayName() string {
	if u == nil {
		return "Guest"
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return "Guest"
}

// FullName returns the chat's human name, for private chats built from the
// first/last name pair.
func (c Chat) FullName() string {
	if c.Title != "" {
		return c.Title
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}
