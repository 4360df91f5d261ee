package relay

import (
	"errors"
	"sync"

	"github.com/birelay/birelay/internal/transport"
)

type sentCall struct {
	chatID  int64
	replyTo int
	text    string
	html    bool
}

type forwardCall struct {
	to       int64
	thread   int
	from     int64
	msgID    int
	assigned int
}

type copyCall struct {
	to    int64
	from  int64
	msgID int
}

// fakeClient records every outbound call and lets tests inject per-call
// forward failures (stale-thread recovery paths).
type fakeClient struct {
	mu sync.Mutex

	username    string
	nextID      int
	nextTopicID int

	sent     []sentCall
	forwards []forwardCall
	copies   []copyCall
	deleted  []int
	topics   []string

	forwardErrs []error // popped per ForwardTo call; nil = success
	topicErr    error
	chats       map[int64]transport.Chat
}

func newFakeClient(username string) *fakeClient {
	return &fakeClient{
		username:    username,
		nextID:      1000,
		nextTopicID: 500,
		chats:       make(map[int64]transport.Chat),
	}
}

func (f *fakeClient) Username() string { return f.username }

func (f *fakeClient) record(chatID int64, replyTo int, text string, html bool) (transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentCall{chatID, replyTo, text, html})
	return transport.Message{MessageID: f.nextID, Chat: transport.Chat{ID: chatID}}, nil
}

func (f *fakeClient) SendText(chatID int64, text string) (transport.Message, error) {
	return f.record(chatID, 0, text, false)
}

func (f *fakeClient) SendHTML(chatID int64, text string) (transport.Message, error) {
	return f.record(chatID, 0, text, true)
}

func (f *fakeClient) ReplyText(chatID int64, replyToID int, text string) (transport.Message, error) {
	return f.record(chatID, replyToID, text, false)
}

func (f *fakeClient) ReplyHTML(chatID int64, replyToID int, text string) (transport.Message, error) {
	return f.record(chatID, replyToID, text, true)
}

func (f *fakeClient) ForwardTo(toChatID int64, threadID int, fromChatID int64, messageID int) (transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.forwardErrs) > 0 {
		err := f.forwardErrs[0]
		f.forwardErrs = f.forwardErrs[1:]
		if err != nil {
			return transport.Message{}, err
		}
	}
	f.nextID++
	f.forwards = append(f.forwards, forwardCall{toChatID, threadID, fromChatID, messageID, f.nextID})
	return transport.Message{MessageID: f.nextID}, nil
}

func (f *fakeClient) CopyTo(toChatID int64, fromChatID int64, messageID int) (transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.copies = append(f.copies, copyCall{toChatID, fromChatID, messageID})
	return transport.Message{MessageID: f.nextID}, nil
}

func (f *fakeClient) CreateTopic(chatID int64, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.topicErr != nil {
		return 0, f.topicErr
	}
	f.nextTopicID++
	f.topics = append(f.topics, name)
	return f.nextTopicID, nil
}

func (f *fakeClient) DeleteMessage(chatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeClient) GetChat(chatID int64) (transport.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[chatID]
	if !ok {
		return transport.Chat{}, errors.New("Bad Request: chat not found")
	}
	return chat, nil
}

func (f *fakeClient) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	texts := make([]string, len(f.sent))
	for i, call := range f.sent {
		texts[i] = call.text
	}
	return texts
}

func (f *fakeClient) lastSent() sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentCall{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeClient) deletedIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.deleted...)
}

var _ transport.Client = (*fakeClient)(nil)
