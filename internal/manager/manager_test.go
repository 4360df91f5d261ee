package manager

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/birelay/birelay/internal/captcha"
	"github.com/birelay/birelay/internal/models"
	"github.com/birelay/birelay/internal/relay"
	"github.com/birelay/birelay/internal/storage"
	"github.com/birelay/birelay/internal/supervisor"
	"github.com/birelay/birelay/internal/transport"
)

const (
	testOwnerID = int64(99)
	adminChatID = int64(-100777)
)

type sentMsg struct {
	chatID int64
	text   string
	html   bool
}

type editCall struct {
	chatID    int64
	messageID int
	text      string
	markup    any
}

// fakeManagerClient records every outbound manager call.
type fakeManagerClient struct {
	sent    []sentMsg
	edits   []editCall
	answers []string
	nextID  int
}

func newFakeManagerClient() *fakeManagerClient {
	return &fakeManagerClient{nextID: 1000}
}

var _ Client = (*fakeManagerClient)(nil)

func (f *fakeManagerClient) Username() string { return "managerbot" }

func (f *fakeManagerClient) record(chatID int64, text string, html bool) transport.Message {
	f.nextID++
	f.sent = append(f.sent, sentMsg{chatID: chatID, text: text, html: html})
	return transport.Message{MessageID: f.nextID, Chat: transport.Chat{ID: chatID}}
}

func (f *fakeManagerClient) SendText(chatID int64, text string) (transport.Message, error) {
	return f.record(chatID, text, false), nil
}
func (f *fakeManagerClient) SendHTML(chatID int64, text string) (transport.Message, error) {
	return f.record(chatID, text, true), nil
}
func (f *fakeManagerClient) ReplyText(chatID int64, _ int, text string) (transport.Message, error) {
	return f.record(chatID, text, false), nil
}
func (f *fakeManagerClient) ReplyHTML(chatID int64, _ int, text string) (transport.Message, error) {
	return f.record(chatID, text, true), nil
}
func (f *fakeManagerClient) SendMenu(chatID int64, text string, _ any) (transport.Message, error) {
	return f.record(chatID, text, false), nil
}
func (f *fakeManagerClient) EditText(chatID int64, messageID int, text string, markup any) error {
	f.edits = append(f.edits, editCall{chatID: chatID, messageID: messageID, text: text, markup: markup})
	return nil
}
func (f *fakeManagerClient) AnswerCallback(_, text string) error {
	f.answers = append(f.answers, text)
	return nil
}
func (f *fakeManagerClient) ForwardTo(int64, int, int64, int) (transport.Message, error) {
	return transport.Message{}, nil
}
func (f *fakeManagerClient) CopyTo(int64, int64, int) (transport.Message, error) {
	return transport.Message{}, nil
}
func (f *fakeManagerClient) CreateTopic(int64, string) (int, error) { return 0, nil }
func (f *fakeManagerClient) DeleteMessage(int64, int) error         { return nil }
func (f *fakeManagerClient) GetChat(int64) (transport.Chat, error)  { return transport.Chat{}, nil }

func (f *fakeManagerClient) lastSent() sentMsg {
	if len(f.sent) == 0 {
		return sentMsg{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeManagerClient) lastEdit() editCall {
	if len(f.edits) == 0 {
		return editCall{}
	}
	return f.edits[len(f.edits)-1]
}

// fakeSessionTransport is the inert transport the supervisor dials for
// hosted bots in these tests.
type fakeSessionTransport struct {
	username string
	updates  chan transport.Update
	stopOnce sync.Once
}

func newFakeSessionTransport(username string) *fakeSessionTransport {
	return &fakeSessionTransport{username: username, updates: make(chan transport.Update)}
}

func (f *fakeSessionTransport) Username() string                 { return f.username }
func (f *fakeSessionTransport) Listen() <-chan transport.Update { return f.updates }
func (f *fakeSessionTransport) Stop()                            { f.stopOnce.Do(func() { close(f.updates) }) }
func (f *fakeSessionTransport) SendText(int64, string) (transport.Message, error) {
	return transport.Message{}, nil
}
func (f *fakeSessionTransport) SendHTML(int64, string) (transport.Message, error) {
	return transport.Message{}, nil
}
func (f *fakeSessionTransport) ReplyText(int64, int, string) (transport.Message, error) {
	return transport.Message{}, nil
}
func (f *fakeSessionTransport) ReplyHTML(int64, int, string) (transport.Message, error) {
	return transport.Message{}, nil
}
func (f *fakeSessionTransport) ForwardTo(int64, int, int64, int) (transport.Message, error) {
	return transport.Message{}, nil
}
func (f *fakeSessionTransport) CopyTo(int64, int64, int) (transport.Message, error) {
	return transport.Message{}, nil
}
func (f *fakeSessionTransport) CreateTopic(int64, string) (int, error) { return 0, nil }
func (f *fakeSessionTransport) DeleteMessage(int64, int) error         { return nil }
func (f *fakeSessionTransport) GetChat(int64) (transport.Chat, error)  { return transport.Chat{}, nil }

func managerFixture(t *testing.T) (*Handler, *fakeManagerClient, *storage.MemoryStorage, *supervisor.Supervisor) {
	t.Helper()
	store := storage.NewMemoryStorage()
	sup := supervisor.New(supervisor.Config{
		Store:  store,
		Gate:   relay.NewGate(store, rand.New(rand.NewSource(1)), zap.NewNop()),
		Logger: zap.NewNop(),
		Dial: func(token string) (supervisor.Transport, error) {
			if strings.HasPrefix(token, "bad") {
				return nil, errors.New("401 unauthorized")
			}
			return newFakeSessionTransport(usernameForToken(token)), nil
		},
	})
	client := newFakeManagerClient()
	handler := New(client, store, sup, adminChatID, zap.NewNop())
	t.Cleanup(sup.StopAll)
	return handler, client, store, sup
}

// usernameForToken derives a stable fake identity from a test token.
func usernameForToken(token string) string {
	if i := strings.IndexByte(token, ':'); i > 0 {
		return token[:i] + "bot"
	}
	return token + "bot"
}

func ownerText(text string) transport.Update {
	return transport.Update{Message: &transport.Message{
		MessageID: 10,
		From:      &transport.User{ID: testOwnerID, Username: "owner"},
		Chat:      transport.Chat{ID: testOwnerID, Type: "private"},
		Text:      text,
	}}
}

func ownerCallback(data string) transport.Update {
	return transport.Update{CallbackQuery: &transport.CallbackQuery{
		ID:   "cb1",
		From: &transport.User{ID: testOwnerID, Username: "owner"},
		Message: &transport.Message{
			MessageID: 500,
			Chat:      transport.Chat{ID: testOwnerID, Type: "private"},
		},
		Data: data,
	}}
}

func TestStartShowsHomeMenuAndRegistersOwner(t *testing.T) {
	handler, client, store, _ := managerFixture(t)

	handler.HandleUpdate(ownerText("/start"))

	assert.Equal(t, DefaultManagerWelcome, client.lastSent().text)
	owner, err := store.GetOwnerStartText(testOwnerID)
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestStartUsesCustomManagerWelcome(t *testing.T) {
	handler, client, store, _ := managerFixture(t)
	require.NoError(t, store.UpsertOwner(testOwnerID, "owner"))
	require.NoError(t, store.SetOwnerStartText(testOwnerID, "hello boss"))

	handler.HandleUpdate(ownerText("/start"))

	assert.Equal(t, "hello boss", client.lastSent().text)
}

func TestAddBotFlow(t *testing.T) {
	handler, client, store, sup := managerFixture(t)

	handler.HandleUpdate(ownerCallback("menu:add"))
	assert.Contains(t, client.lastEdit().text, "token")

	handler.HandleUpdate(ownerText("support:abc123"))

	assert.Contains(t, client.lastSent().text, "@supportbot")
	bot, err := store.GetBot("supportbot")
	require.NoError(t, err)
	assert.Equal(t, testOwnerID, bot.OwnerID)
	assert.Equal(t, models.ModeDirect, bot.Mode)
	assert.True(t, bot.CaptchaEnabled)
	assert.True(t, sup.IsRunning("supportbot"))

	// The registration is mirrored to the admin channel.
	var adminNotes int
	for _, msg := range client.sent {
		if msg.chatID == adminChatID {
			adminNotes++
			assert.Contains(t, msg.text, "@supportbot")
		}
	}
	assert.Equal(t, 1, adminNotes)
}

func TestAddBotRejectsBadToken(t *testing.T) {
	handler, client, store, _ := managerFixture(t)

	handler.HandleUpdate(ownerCallback("menu:add"))
	handler.HandleUpdate(ownerText("bad:token"))

	assert.Contains(t, client.lastSent().text, "rejected")
	bots, err := store.ListAllBots()
	require.NoError(t, err)
	assert.Empty(t, bots)
}

func TestAddBotDuplicate(t *testing.T) {
	handler, client, _, _ := managerFixture(t)

	handler.HandleUpdate(ownerCallback("menu:add"))
	handler.HandleUpdate(ownerText("support:abc123"))
	handler.HandleUpdate(ownerCallback("menu:add"))
	handler.HandleUpdate(ownerText("support:other"))

	assert.Contains(t, client.lastSent().text, "already hosted")
}

func TestPendingInputIsOneShot(t *testing.T) {
	handler, client, store, _ := managerFixture(t)

	handler.HandleUpdate(ownerCallback("menu:add"))
	handler.HandleUpdate(ownerText("support:abc123"))
	sentBefore := len(client.sent)

	// Free text after the flow completed is ignored, not treated as a token.
	handler.HandleUpdate(ownerText("support2:zzz"))

	assert.Len(t, client.sent, sentBefore)
	bots, err := store.ListAllBots()
	require.NoError(t, err)
	assert.Len(t, bots, 1)
}

func TestModeSwitchRequiresForumBinding(t *testing.T) {
	handler, client, store, _ := managerFixture(t)
	handler.HandleUpdate(ownerCallback("menu:add"))
	handler.HandleUpdate(ownerText("support:abc123"))

	handler.HandleUpdate(ownerCallback(fmt.Sprintf("mode:supportbot:%s", models.ModeForum)))

	bot, err := store.GetBot("supportbot")
	require.NoError(t, err)
	assert.Equal(t, models.ModeDirect, bot.Mode, "switch refused without a binding")
	assert.Contains(t, client.answers[len(client.answers)-1], "forum")

	// The refusal arms the forum-id prompt; supplying the id binds it.
	handler.HandleUpdate(ownerText("-100900"))
	handler.HandleUpdate(ownerCallback(fmt.Sprintf("mode:supportbot:%s", models.ModeForum)))

	bot, err = store.GetBot("supportbot")
	require.NoError(t, err)
	assert.Equal(t, models.ModeForum, bot.Mode)
	assert.Equal(t, int64(-100900), bot.ForumGroupID)
}

func TestForumBindingRejectsNonNumericInput(t *testing.T) {
	handler, client, store, _ := managerFixture(t)
	handler.HandleUpdate(ownerCallback("menu:add"))
	handler.HandleUpdate(ownerText("support:abc123"))

	handler.HandleUpdate(ownerCallback("forum:supportbot"))
	handler.HandleUpdate(ownerText("my group"))

	assert.Contains(t, client.lastSent().text, "numeric")
	bot, err := store.GetBot("supportbot")
	require.NoError(t, err)
	assert.Zero(t, bot.ForumGroupID)
}

func TestCaptchaToggle(t *testing.T) {
	handler, _, store, _ := managerFixture(t)
	handler.HandleUpdate(ownerCallback("menu:add"))
	handler.HandleUpdate(ownerText("support:abc123"))

	handler.HandleUpdate(ownerCallback("captcha:toggle:supportbot"))

	bot, err := store.GetBot("supportbot")
	require.NoError(t, err)
	assert.False(t, bot.CaptchaEnabled)

	handler.HandleUpdate(ownerCallback("captcha:toggle:supportbot"))
	bot, err = store.GetBot("supportbot")
	require.NoError(t, err)
	assert.True(t, bot.CaptchaEnabled)
}

func TestCaptchaPoolSelection(t *testing.T) {
	handler, client, store, _ := managerFixture(t)
	handler.HandleUpdate(ownerCallback("menu:add"))
	handler.HandleUpdate(ownerText("support:abc123"))

	// From "all", dropping one key materializes the remainder.
	handler.HandleUpdate(ownerCallback("captcha:pool:supportbot:math"))
	bot, err := store.GetBot("supportbot")
	require.NoError(t, err)
	assert.Len(t, bot.CaptchaPools, len(captcha.PoolKeys())-1)
	assert.NotContains(t, bot.CaptchaPools, "math")

	// Re-adding the key completes the set and collapses back to "all".
	handler.HandleUpdate(ownerCallback("captcha:pool:supportbot:math"))
	bot, err = store.GetBot("supportbot")
	require.NoError(t, err)
	assert.Empty(t, bot.CaptchaPools)

	// The last remaining pool cannot be dropped.
	require.NoError(t, store.SetCaptchaPools("supportbot", []string{"clock"}))
	handler.HandleUpdate(ownerCallback("captcha:pool:supportbot:clock"))
	bot, err = store.GetBot("supportbot")
	require.NoError(t, err)
	assert.Equal(t, []string{"clock"}, bot.CaptchaPools)
	assert.Contains(t, client.answers[len(client.answers)-1], "at least one")

	// The reset action restores "all".
	handler.HandleUpdate(ownerCallback("captcha:topicaction:supportbot:reset"))
	bot, err = store.GetBot("supportbot")
	require.NoError(t, err)
	assert.Empty(t, bot.CaptchaPools)
}

func TestTogglePool(t *testing.T) {
	all := captcha.PoolKeys()

	next, ok := togglePool(nil, "math")
	require.True(t, ok)
	assert.Len(t, next, len(all)-1)
	assert.NotContains(t, next, "math")

	next, ok = togglePool([]string{"math", "clock"}, "math")
	require.True(t, ok)
	assert.Equal(t, []string{"clock"}, next)

	_, ok = togglePool([]string{"clock"}, "clock")
	assert.False(t, ok, "last pool cannot be dropped")

	next, ok = togglePool(all[:len(all)-1], all[len(all)-1])
	require.True(t, ok)
	assert.Nil(t, next, "full set collapses to all")
}

func TestClientWelcomeUpdateAndReset(t *testing.T) {
	handler, client, store, _ := managerFixture(t)
	handler.HandleUpdate(ownerCallback("menu:add"))
	handler.HandleUpdate(ownerText("support:abc123"))

	handler.HandleUpdate(ownerCallback("welcome:supportbot"))
	handler.HandleUpdate(ownerText("Hi! Leave your question here."))

	bot, err := store.GetBot("supportbot")
	require.NoError(t, err)
	assert.Equal(t, "Hi! Leave your question here.", bot.StartText)

	handler.HandleUpdate(ownerCallback("welcome:supportbot"))
	handler.HandleUpdate(ownerText("default"))

	bot, err = store.GetBot("supportbot")
	require.NoError(t, err)
	assert.Empty(t, bot.StartText)
	assert.Contains(t, client.lastSent().text, "restored")
}

func TestManagerWelcomeUpdateAndReset(t *testing.T) {
	handler, client, store, _ := managerFixture(t)

	handler.HandleUpdate(ownerCallback("menu:welcome"))
	handler.HandleUpdate(ownerText("my custom greeting"))

	text, err := store.GetOwnerStartText(testOwnerID)
	require.NoError(t, err)
	assert.Equal(t, "my custom greeting", text)

	handler.HandleUpdate(ownerCallback("menu:welcome"))
	handler.HandleUpdate(ownerText("/reset"))

	text, err = store.GetOwnerStartText(testOwnerID)
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Contains(t, client.lastSent().text, "restored")
}

func TestDropBotStopsAndDeletes(t *testing.T) {
	handler, _, store, sup := managerFixture(t)
	handler.HandleUpdate(ownerCallback("menu:add"))
	handler.HandleUpdate(ownerText("support:abc123"))
	require.True(t, sup.IsRunning("supportbot"))

	handler.HandleUpdate(ownerCallback("drop:supportbot"))

	assert.False(t, sup.IsRunning("supportbot"))
	_, err := store.GetBot("supportbot")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// Callback data is attacker-controllable: a modified client can send any
// string. Truncated or garbage payloads must be ignored, never crash the
// manager loop.
func TestMalformedCallbackDataIgnored(t *testing.T) {
	handler, client, store, sup := managerFixture(t)
	handler.HandleUpdate(ownerCallback("menu:add"))
	handler.HandleUpdate(ownerText("support:abc123"))
	editsBefore := len(client.edits)

	for _, data := range []string{
		"", "bot", "forum", "welcome", "drop", "mode", "captcha", "menu",
		"mode:supportbot", "captcha:pool", "captcha:pool:supportbot",
		"captcha:topicaction:supportbot", "unknown:supportbot", ":",
	} {
		handler.HandleUpdate(ownerCallback(data))
	}

	assert.Len(t, client.edits, editsBefore, "garbage callbacks never reach a menu edit")
	assert.True(t, sup.IsRunning("supportbot"), "no session was dropped")
	bot, err := store.GetBot("supportbot")
	require.NoError(t, err)
	assert.Equal(t, models.ModeDirect, bot.Mode, "no setting was mutated")
}

func TestForeignBotIsUntouchable(t *testing.T) {
	handler, client, store, _ := managerFixture(t)
	require.NoError(t, store.RegisterBot(&models.Bot{
		Username: "otherbot",
		Token:    "other:token",
		OwnerID:  12345,
		Mode:     models.ModeDirect,
	}))

	handler.HandleUpdate(ownerCallback("drop:otherbot"))

	_, err := store.GetBot("otherbot")
	assert.NoError(t, err, "still registered")
	assert.Contains(t, client.answers[len(client.answers)-1], "gone")
}

func TestIsResetCommand(t *testing.T) {
	for _, input := range []string{"default", "/default", "reset", "/reset", " Default ", "/RESET"} {
		assert.True(t, isResetCommand(input), input)
	}
	assert.False(t, isResetCommand("defaults"))
	assert.False(t, isResetCommand("keep this text"))
}

func TestBotCardContents(t *testing.T) {
	card := formatBotCard(&models.Bot{
		Username:       "supportbot",
		Mode:           models.ModeForum,
		ForumGroupID:   -100900,
		CaptchaEnabled: true,
		CaptchaPools:   []string{"math", "clock"},
		StartText:      "custom",
	})

	assert.Contains(t, card, "@supportbot")
	assert.Contains(t, card, "topic per user")
	assert.Contains(t, card, "-100900")
	assert.Contains(t, card, "on")
	assert.Contains(t, card, captcha.PoolLabel("math"))
	assert.Contains(t, card, "custom")
}
