package supervisor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/birelay/birelay/internal/models"
	"github.com/birelay/birelay/internal/relay"
	"github.com/birelay/birelay/internal/storage"
	"github.com/birelay/birelay/internal/transport"
)

// reconcileParallelism bounds concurrent session starts at process startup.
const reconcileParallelism = 8

// Transport is what a running session needs from the network layer: the
// outbound capability plus an update stream with a stop switch.
type Transport interface {
	transport.Client
	Listen() <-chan transport.Update
	Stop()
}

// Dialer validates a token and opens a transport for it.
type Dialer func(token string) (Transport, error)

// DialTelegram is the production dialer.
func DialTelegram(token string) (Transport, error) {
	return transport.Dial(token)
}

// running is one live session record. Dispatch is keyed by the bot
// username attached to each record, never by handler closures.
type running struct {
	id        string
	username  string
	transport Transport
	ready     chan struct{} // closed once the listener is attached (or the start failed)
	done      chan struct{} // closed when the listener loop has drained
	failed    bool
}

// Supervisor owns every live relay session plus the manager's own session.
// It is the only component that attaches or detaches transport listeners.
type Supervisor struct {
	store  storage.Storage
	gate   *relay.Gate
	dial   Dialer
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*running
	manager  *running
	adminLog func(string)
}

type Config struct {
	Store  storage.Storage
	Gate   *relay.Gate
	Logger *zap.Logger
	// Dial defaults to DialTelegram.
	Dial Dialer
}

func New(cfg Config) *Supervisor {
	dial := cfg.Dial
	if dial == nil {
		dial = DialTelegram
	}
	return &Supervisor{
		store:    cfg.Store,
		gate:     cfg.Gate,
		dial:     dial,
		logger:   cfg.Logger,
		sessions: make(map[string]*running),
	}
}

// SetAdminLog wires the operator's admin-channel sink. Sessions started
// before or after pick it up on their next event.
func (s *Supervisor) SetAdminLog(fn func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adminLog = fn
}

func (s *Supervisor) emitAdminLog(text string) {
	s.mu.Lock()
	fn := s.adminLog
	s.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

// IsRunning reports whether a session for the bot is currently attached.
func (s *Supervisor) IsRunning(botUsername string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, exists := s.sessions[botUsername]
	return exists && !r.failed
}

// StartBot brings up a session for a stored bot. Starting an
// already-running identity is a no-op.
func (s *Supervisor) StartBot(bot *models.Bot) error {
	s.mu.Lock()
	if _, exists := s.sessions[bot.Username]; exists {
		s.mu.Unlock()
		return nil
	}
	r := &running{
		id:       uuid.NewString(),
		username: bot.Username,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.sessions[bot.Username] = r
	s.mu.Unlock()

	tr, err := s.dial(bot.Token)
	if err != nil {
		s.mu.Lock()
		r.failed = true
		delete(s.sessions, bot.Username)
		s.mu.Unlock()
		close(r.ready)
		close(r.done)
		return fmt.Errorf("starting @%s: %w", bot.Username, err)
	}
	s.attach(r, tr, bot)
	return nil
}

// attach binds a dialed transport to the session record and spawns the
// listener loop.
func (s *Supervisor) attach(r *running, tr Transport, bot *models.Bot) {
	session := relay.NewSession(relay.Config{
		BotUsername: bot.Username,
		OwnerID:     bot.OwnerID,
		Client:      tr,
		Store:       s.store,
		Gate:        s.gate,
		Logger:      s.logger,
		AdminLog:    s.emitAdminLog,
	})

	s.mu.Lock()
	r.transport = tr
	s.mu.Unlock()
	close(r.ready)

	updates := tr.Listen()
	go func() {
		session.Run(updates)
		close(r.done)
	}()

	s.logger.Info("relay session started",
		zap.String("session_id", r.id),
		zap.String("bot", bot.Username),
		zap.Int64("owner_id", bot.OwnerID))
}

// StopBot detaches a session and waits for its loop to drain. Once StopBot
// returns, no handler for the identity starts; stopping an absent identity
// is a no-op.
func (s *Supervisor) StopBot(botUsername string) {
	s.mu.Lock()
	r, exists := s.sessions[botUsername]
	if exists {
		delete(s.sessions, botUsername)
	}
	s.mu.Unlock()
	if !exists {
		return
	}

	<-r.ready
	s.mu.Lock()
	tr := r.transport
	s.mu.Unlock()
	if tr != nil {
		tr.Stop()
	}
	<-r.done
	s.logger.Info("relay session stopped",
		zap.String("session_id", r.id),
		zap.String("bot", botUsername))
}

// Register live-validates a token, persists the bot, and starts its
// session. Validation happens before the registry write, so a bad token
// never leaves an orphaned record. A start failure after the write is
// surfaced but leaves the record in place for the next reconcile.
func (s *Supervisor) Register(ownerID int64, token string) (*models.Bot, error) {
	tr, err := s.dial(token)
	if err != nil {
		return nil, fmt.Errorf("validating token: %w", err)
	}

	username := tr.Username()
	if _, err := s.store.GetBot(username); err == nil {
		tr.Stop()
		return nil, storage.ErrDuplicate
	} else if !errors.Is(err, storage.ErrNotFound) {
		tr.Stop()
		return nil, fmt.Errorf("checking registry: %w", err)
	}

	bot := &models.Bot{
		Username:       username,
		Token:          token,
		OwnerID:        ownerID,
		Mode:           models.ModeDirect,
		CaptchaEnabled: true,
	}
	if err := s.store.RegisterBot(bot); err != nil {
		tr.Stop()
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.sessions[username]; exists {
		s.mu.Unlock()
		tr.Stop()
		return bot, nil
	}
	r := &running{
		id:       uuid.NewString(),
		username: username,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.sessions[username] = r
	s.mu.Unlock()

	s.attach(r, tr, bot)
	return bot, nil
}

// Remove stops the session (if any) and cascades the registry delete.
func (s *Supervisor) Remove(botUsername string) error {
	s.StopBot(botUsername)
	if err := s.store.RemoveBot(botUsername); err != nil {
		return fmt.Errorf("removing @%s: %w", botUsername, err)
	}
	return nil
}

// ReconcileAll starts a session for every stored bot. Per-identity start
// failures are logged and surfaced to the admin channel without aborting
// the rest.
func (s *Supervisor) ReconcileAll() error {
	bots, err := s.store.ListAllBots()
	if err != nil {
		return fmt.Errorf("listing bots: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(reconcileParallelism)
	for _, bot := range bots {
		bot := bot
		g.Go(func() error {
			if err := s.StartBot(bot); err != nil {
				s.logger.Error("failed to start hosted bot",
					zap.String("bot", bot.Username),
					zap.Error(err))
				s.emitAdminLog(fmt.Sprintf("⚠️ @%s failed to start: %v", bot.Username, err))
			}
			return nil
		})
	}
	return g.Wait()
}

// RunManager attaches the manager's own session. It follows the same
// lifecycle as any other session but is not reachable through StopBot.
func (s *Supervisor) RunManager(tr Transport, handle func(transport.Update)) {
	r := &running{
		id:       uuid.NewString(),
		username: tr.Username(),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	s.manager = r
	r.transport = tr
	s.mu.Unlock()
	close(r.ready)

	updates := tr.Listen()
	go func() {
		for update := range updates {
			handle(update)
		}
		close(r.done)
	}()
	s.logger.Info("manager session started", zap.String("session_id", r.id))
}

// StopAll drains every session, manager included. Used at process shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	usernames := make([]string, 0, len(s.sessions))
	for username := range s.sessions {
		usernames = append(usernames, username)
	}
	manager := s.manager
	s.manager = nil
	s.mu.Unlock()

	for _, username := range usernames {
		s.StopBot(username)
	}
	if manager != nil {
		manager.transport.Stop()
		<-manager.done
	}
}
