package supervisor

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/birelay/birelay/internal/models"
	"github.com/birelay/birelay/internal/relay"
	"github.com/birelay/birelay/internal/storage"
	"github.com/birelay/birelay/internal/transport"
)

// fakeTransport satisfies Transport with inert outbound calls and a
// test-controlled update stream.
type fakeTransport struct {
	username string
	updates  chan transport.Update
	stopOnce sync.Once
}

func newFakeTransport(username string) *fakeTransport {
	return &fakeTransport{username: username, updates: make(chan transport.Update)}
}

func (f *fakeTransport) Username() string                 { return f.username }
func (f *fakeTransport) Listen() <-chan transport.Update { return f.updates }
func (f *fakeTransport) Stop()                            { f.stopOnce.Do(func() { close(f.updates) }) }

func (f *fakeTransport) SendText(int64, string) (transport.Message, error) {
	return transport.Message{}, nil
}
func (f *fakeTransport) SendHTML(int64, string) (transport.Message, error) {
	return transport.Message{}, nil
}
func (f *fakeTransport) ReplyText(int64, int, string) (transport.Message, error) {
	return transport.Message{}, nil
}
func (f *fakeTransport) ReplyHTML(int64, int, string) (transport.Message, error) {
	return transport.Message{}, nil
}
func (f *fakeTransport) ForwardTo(int64, int, int64, int) (transport.Message, error) {
	return transport.Message{}, nil
}
func (f *fakeTransport) CopyTo(int64, int64, int) (transport.Message, error) {
	return transport.Message{}, nil
}
func (f *fakeTransport) CreateTopic(int64, string) (int, error) { return 0, nil }
func (f *fakeTransport) DeleteMessage(int64, int) error         { return nil }
func (f *fakeTransport) GetChat(int64) (transport.Chat, error)  { return transport.Chat{}, nil }

func fixture(t *testing.T, dial Dialer) (*Supervisor, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	sup := New(Config{
		Store:  store,
		Gate:   relay.NewGate(store, rand.New(rand.NewSource(1)), zap.NewNop()),
		Logger: zap.NewNop(),
		Dial:   dial,
	})
	return sup, store
}

func storedBot(t *testing.T, store storage.Storage, username string) *models.Bot {
	t.Helper()
	bot := &models.Bot{
		Username:       username,
		Token:          username + ":token",
		OwnerID:        99,
		Mode:           models.ModeDirect,
		CaptchaEnabled: true,
	}
	require.NoError(t, store.RegisterBot(bot))
	return bot
}

func TestStartBotIdempotent(t *testing.T) {
	var dials atomic.Int32
	dial := func(token string) (Transport, error) {
		dials.Add(1)
		return newFakeTransport("supportbot"), nil
	}
	sup, store := fixture(t, dial)
	bot := storedBot(t, store, "supportbot")

	require.NoError(t, sup.StartBot(bot))
	require.NoError(t, sup.StartBot(bot))

	assert.Equal(t, int32(1), dials.Load(), "second start is a no-op")
	assert.True(t, sup.IsRunning("supportbot"))
	sup.StopAll()
}

func TestStartBotFailureLeavesNoSession(t *testing.T) {
	dial := func(token string) (Transport, error) {
		return nil, errors.New("401 unauthorized")
	}
	sup, store := fixture(t, dial)
	bot := storedBot(t, store, "supportbot")

	err := sup.StartBot(bot)
	require.Error(t, err)
	assert.False(t, sup.IsRunning("supportbot"))

	// The identity can be retried once the credential is fixed.
	okDial := func(token string) (Transport, error) { return newFakeTransport("supportbot"), nil }
	sup.dial = okDial
	require.NoError(t, sup.StartBot(bot))
	assert.True(t, sup.IsRunning("supportbot"))
	sup.StopAll()
}

func TestStopBotDrainsAndIsIdempotent(t *testing.T) {
	tr := newFakeTransport("supportbot")
	sup, store := fixture(t, func(string) (Transport, error) { return tr, nil })
	bot := storedBot(t, store, "supportbot")
	require.NoError(t, sup.StartBot(bot))

	done := make(chan struct{})
	go func() {
		sup.StopBot("supportbot")
		sup.StopBot("supportbot") // absent now: no-op
		sup.StopBot("neverexisted")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StopBot did not drain")
	}
	assert.False(t, sup.IsRunning("supportbot"))
}

func TestRegisterValidatesBeforeWriting(t *testing.T) {
	dial := func(token string) (Transport, error) {
		if token == "bad" {
			return nil, errors.New("404 not found")
		}
		return newFakeTransport("supportbot"), nil
	}
	sup, store := fixture(t, dial)

	_, err := sup.Register(99, "bad")
	require.Error(t, err)
	bots, err := store.ListAllBots()
	require.NoError(t, err)
	assert.Empty(t, bots, "no orphaned record on validation failure")

	bot, err := sup.Register(99, "good")
	require.NoError(t, err)
	assert.Equal(t, "supportbot", bot.Username)
	assert.Equal(t, models.ModeDirect, bot.Mode)
	assert.True(t, bot.CaptchaEnabled)
	assert.True(t, sup.IsRunning("supportbot"))

	// Same identity again is a duplicate, not a second session.
	_, err = sup.Register(99, "good2")
	assert.ErrorIs(t, err, storage.ErrDuplicate)
	sup.StopAll()
}

func TestRemoveCascades(t *testing.T) {
	sup, store := fixture(t, func(string) (Transport, error) {
		return newFakeTransport("supportbot"), nil
	})
	bot := storedBot(t, store, "supportbot")
	require.NoError(t, sup.StartBot(bot))
	require.NoError(t, store.RecordForward("supportbot", 10, 555))

	require.NoError(t, sup.Remove("supportbot"))

	assert.False(t, sup.IsRunning("supportbot"))
	_, err := store.GetBot("supportbot")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetForwardTarget("supportbot", 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReconcileAllStartsEveryStoredBot(t *testing.T) {
	var mu sync.Mutex
	started := map[string]bool{}
	dial := func(token string) (Transport, error) {
		username := token[:len(token)-len(":token")]
		if username == "brokenbot" {
			return nil, errors.New("revoked")
		}
		mu.Lock()
		started[username] = true
		mu.Unlock()
		return newFakeTransport(username), nil
	}
	sup, store := fixture(t, dial)
	storedBot(t, store, "alphabot")
	storedBot(t, store, "betabot")
	storedBot(t, store, "brokenbot")

	require.NoError(t, sup.ReconcileAll(), "one broken credential does not abort the rest")

	assert.True(t, sup.IsRunning("alphabot"))
	assert.True(t, sup.IsRunning("betabot"))
	assert.False(t, sup.IsRunning("brokenbot"))
	mu.Lock()
	assert.Len(t, started, 2)
	mu.Unlock()
	sup.StopAll()
}

func TestManagerSessionOutsideRemovalPath(t *testing.T) {
	sup, _ := fixture(t, func(string) (Transport, error) {
		return newFakeTransport("supportbot"), nil
	})
	tr := newFakeTransport("managerbot")

	var handled atomic.Int32
	sup.RunManager(tr, func(transport.Update) { handled.Add(1) })

	tr.updates <- transport.Update{UpdateID: 1}
	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)

	// StopBot by the manager's username must not touch the manager session.
	sup.StopBot("managerbot")
	tr.updates <- transport.Update{UpdateID: 2}
	require.Eventually(t, func() bool { return handled.Load() == 2 }, time.Second, 5*time.Millisecond)

	sup.StopAll()
}
