package relay

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/birelay/birelay/internal/models"
	"github.com/birelay/birelay/internal/storage"
	"github.com/birelay/birelay/internal/transport"
)

const (
	defaultAckDelay = 3 * time.Second
	topicTitleLimit = 64 // runes, Telegram topic name cap
)

// Config wires one relay session.
type Config struct {
	BotUsername string
	OwnerID     int64
	Client      transport.Client
	Store       storage.Storage
	Gate        *Gate
	Logger      *zap.Logger

	// AdminLog mirrors moderation events into the operator's admin
	// channel. Optional.
	AdminLog func(text string)

	// AckDelay overrides the self-deleting acknowledgement timer. Zero
	// selects the default.
	AckDelay time.Duration
}

// Session relays one hosted bot. Settings (mode, binding, captcha, welcome)
// are re-read from the store per message, so operator changes apply without
// a restart; only the owner id is fixed at registration time.
type Session struct {
	botUsername string
	ownerID     int64
	client      transport.Client
	store       storage.Storage
	gate        *Gate
	logger      *zap.Logger
	adminLog    func(string)
	ackDelay    time.Duration
}

func NewSession(cfg Config) *Session {
	ackDelay := cfg.AckDelay
	if ackDelay == 0 {
		ackDelay = defaultAckDelay
	}
	adminLog := cfg.AdminLog
	if adminLog == nil {
		adminLog = func(string) {}
	}
	return &Session{
		botUsername: cfg.BotUsername,
		ownerID:     cfg.OwnerID,
		client:      cfg.Client,
		store:       cfg.Store,
		gate:        cfg.Gate,
		logger:      cfg.Logger.With(zap.String("bot", cfg.BotUsername)),
		adminLog:    adminLog,
		ackDelay:    ackDelay,
	}
}

// Run consumes the update stream until it closes. Messages are handled
// sequentially, preserving the transport's receipt order for this identity.
func (s *Session) Run(updates <-chan transport.Update) {
	for update := range updates {
		if update.Message == nil {
			continue
		}
		s.Handle(update.Message)
	}
}

// Handle classifies and routes one inbound message. All errors stop at this
// boundary: they are logged and, where useful, surfaced as notices, but the
// listening loop never dies.
func (s *Session) Handle(msg *transport.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message handler panicked", zap.Any("panic", r))
		}
	}()
	if msg.From == nil {
		return
	}

	bot, err := s.store.GetBot(s.botUsername)
	if errors.Is(err, storage.ErrNotFound) {
		s.reply(msg, noticeBotGone)
		return
	}
	if err != nil {
		s.logger.Error("failed to load bot settings", zap.Error(err))
		return
	}

	isOwner := msg.From.ID == s.ownerID

	// Admin commands only count in an authorized surface: the owner's
	// private chat, or the bound group in topic mode.
	if isOwner && msg.IsCommand() && s.authorizedSurface(bot, msg) {
		s.handleAdminCommand(bot, msg)
		return
	}

	switch {
	case msg.IsPrivate() && !isOwner:
		s.handleUserMessage(bot, msg)
	case msg.IsPrivate() && isOwner:
		s.handleOwnerReply(bot, msg)
	case bot.Mode == models.ModeForum && bot.ForumGroupID != 0 &&
		msg.Chat.ID == bot.ForumGroupID && msg.IsTopicMessage:
		s.handleTopicMessage(bot, msg)
	}
}

func (s *Session) authorizedSurface(bot *models.Bot, msg *transport.Message) bool {
	if msg.IsPrivate() && msg.Chat.ID == s.ownerID {
		return true
	}
	return bot.Mode == models.ModeForum && bot.ForumGroupID != 0 && msg.Chat.ID == bot.ForumGroupID
}

func (s *Session) handleUserMessage(bot *models.Bot, msg *transport.Message) {
	userID := msg.Chat.ID

	blocked, err := s.store.IsBlacklisted(bot.Username, userID)
	if err != nil {
		s.logger.Error("blacklist lookup failed", zap.Error(err), zap.Int64("user_id", userID))
		return
	}
	if blocked {
		s.reply(msg, noticeBlacklisted)
		return
	}

	if msg.Command() == "start" {
		if err := s.gate.Greet(s.client, bot, msg); err != nil {
			s.logger.Error("greeting failed", zap.Error(err), zap.Int64("user_id", userID))
		}
		return
	}

	pass, err := s.gate.Ensure(s.client, bot, msg)
	if err != nil {
		s.logger.Error("verification gate failed", zap.Error(err), zap.Int64("user_id", userID))
		return
	}
	if !pass {
		return
	}

	switch bot.Mode {
	case models.ModeForum:
		s.relayForum(bot, msg)
	default:
		s.relayDirect(bot, msg)
	}
}

func (s *Session) relayDirect(bot *models.Bot, msg *transport.Message) {
	forwarded, err := s.client.ForwardTo(s.ownerID, 0, msg.Chat.ID, msg.MessageID)
	if err != nil {
		s.logger.Error("direct relay failed", zap.Error(err), zap.Int64("user_id", msg.Chat.ID))
		return
	}
	if err := s.store.RecordForward(bot.Username, forwarded.MessageID, msg.Chat.ID); err != nil {
		s.logger.Error("failed to record route",
			zap.Error(err),
			zap.Int("forward_id", forwarded.MessageID),
			zap.Int64("user_id", msg.Chat.ID))
		return
	}
	s.ephemeralAck(msg, noticeDirectAck)
}

func (s *Session) relayForum(bot *models.Bot, msg *transport.Message) {
	if bot.ForumGroupID == 0 {
		s.reply(msg, noticeNotConfigured)
		return
	}

	topicID, err := s.store.GetTopic(bot.Username, msg.Chat.ID)
	if errors.Is(err, storage.ErrNotFound) {
		topicID, err = s.openTopic(bot, msg)
	}
	if err != nil {
		s.logger.Error("topic resolution failed", zap.Error(err), zap.Int64("user_id", msg.Chat.ID))
		return
	}

	_, err = s.client.ForwardTo(bot.ForumGroupID, topicID, msg.Chat.ID, msg.MessageID)
	if transport.IsStaleThread(err) {
		// The topic was deleted out-of-band: rebind once and retry.
		topicID, err = s.openTopic(bot, msg)
		if err == nil {
			_, err = s.client.ForwardTo(bot.ForumGroupID, topicID, msg.Chat.ID, msg.MessageID)
		}
	}
	if err != nil {
		s.logger.Error("topic relay failed",
			zap.Error(err),
			zap.Int64("user_id", msg.Chat.ID),
			zap.Int("topic_id", topicID))
		return
	}
	s.ephemeralAck(msg, noticeTopicAck)
}

// openTopic creates a fresh forum topic named after the user and overwrites
// the binding.
func (s *Session) openTopic(bot *models.Bot, msg *transport.Message) (int, error) {
	title := msg.From.DisplayName()
	if runes := []rune(title); len(runes) > topicTitleLimit {
		title = string(runes[:topicTitleLimit])
	}
	topicID, err := s.client.CreateTopic(bot.ForumGroupID, title)
	if err != nil {
		return 0, err
	}
	if err := s.store.UpsertTopic(bot.Username, msg.Chat.ID, topicID); err != nil {
		return 0, err
	}
	return topicID, nil
}

// handleOwnerReply resolves an owner's private reply back to the original
// user. Routes are one-shot: the pop consumes the entry.
func (s *Session) handleOwnerReply(bot *models.Bot, msg *transport.Message) {
	if msg.ReplyTo == nil {
		return
	}
	target, err := s.store.PopForwardTarget(bot.Username, msg.ReplyTo.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		s.reply(msg, noticeReplyExpired)
		return
	}
	if err != nil {
		s.logger.Error("route pop failed", zap.Error(err), zap.Int("forward_id", msg.ReplyTo.MessageID))
		return
	}
	if _, err := s.client.CopyTo(target, msg.Chat.ID, msg.MessageID); err != nil {
		s.logger.Error("owner reply delivery failed", zap.Error(err), zap.Int64("user_id", target))
		return
	}
	s.reply(msg, noticeReplySent)
}

// handleTopicMessage delivers owner/admin chatter inside a bound topic to
// the topic's user. Unlike direct routes, topic bindings are reusable.
func (s *Session) handleTopicMessage(bot *models.Bot, msg *transport.Message) {
	target, err := s.store.UserByTopic(bot.Username, msg.TopicID())
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("topic lookup failed", zap.Error(err), zap.Int("topic_id", msg.TopicID()))
		return
	}
	if _, err := s.client.CopyTo(target, msg.Chat.ID, msg.MessageID); err != nil {
		s.logger.Error("topic reply delivery failed", zap.Error(err), zap.Int64("user_id", target))
	}
}

func (s *Session) reply(msg *transport.Message, text string) {
	if _, err := s.client.ReplyText(msg.Chat.ID, msg.MessageID, text); err != nil {
		s.logger.Warn("failed to send notice", zap.Error(err), zap.Int64("chat_id", msg.Chat.ID))
	}
}

// ephemeralAck confirms delivery to the user and retracts the confirmation
// shortly after. Cosmetic: retraction failures are swallowed.
func (s *Session) ephemeralAck(msg *transport.Message, text string) {
	ack, err := s.client.ReplyText(msg.Chat.ID, msg.MessageID, text)
	if err != nil {
		return
	}
	chatID := msg.Chat.ID
	time.AfterFunc(s.ackDelay, func() {
		_ = s.client.DeleteMessage(chatID, ack.MessageID)
	})
}
