package manager

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/birelay/birelay/internal/models"
	"github.com/birelay/birelay/internal/storage"
	"github.com/birelay/birelay/internal/supervisor"
	"github.com/birelay/birelay/internal/transport"
)

// DefaultManagerWelcome greets owners on the manager surface when they have
// not configured an override.
const DefaultManagerWelcome = `👋 Welcome to the relay control panel
➕ "Add bot" hosts a new bot from its token;
🗂 "My bots" shows status, mode and captcha settings;
✏️ "Manager welcome" customizes this /start text;
Pick an option below to continue.`

// Client is what the manager surface needs from its transport: the relay
// capability plus menus, edits and callback answers.
type Client interface {
	transport.Client
	SendMenu(chatID int64, text string, markup any) (transport.Message, error)
	EditText(chatID int64, messageID int, text string, markup any) error
	AnswerCallback(callbackID, text string) error
}

type inputKind int

const (
	inputNone inputKind = iota
	inputToken
	inputForumID
	inputManagerWelcome
	inputClientWelcome
)

type pendingInput struct {
	kind        inputKind
	botUsername string
}

// Handler drives the owner-facing manager bot: menus, token registration,
// per-bot settings and welcome-text updates.
type Handler struct {
	client       Client
	store        storage.Storage
	sup          *supervisor.Supervisor
	logger       *zap.Logger
	adminChannel int64

	mu      sync.Mutex
	pending map[int64]pendingInput
}

func New(client Client, store storage.Storage, sup *supervisor.Supervisor, adminChannel int64, logger *zap.Logger) *Handler {
	return &Handler{
		client:       client,
		store:        store,
		sup:          sup,
		logger:       logger,
		adminChannel: adminChannel,
		pending:      make(map[int64]pendingInput),
	}
}

// AdminLog mirrors an event into the admin channel, if one is configured.
// Failures are logged and swallowed.
func (h *Handler) AdminLog(text string) {
	if h.adminChannel == 0 {
		return
	}
	if _, err := h.client.SendHTML(h.adminChannel, text); err != nil {
		h.logger.Warn("failed to send admin log", zap.Error(err))
	}
}

// HandleUpdate dispatches one inbound manager update. Errors stop here:
// the manager loop must survive any single update, forged ones included.
func (h *Handler) HandleUpdate(update transport.Update) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("manager handler panicked", zap.Any("panic", r))
		}
	}()
	switch {
	case update.CallbackQuery != nil:
		h.handleCallback(update.CallbackQuery)
	case update.Message != nil:
		h.handleMessage(update.Message)
	}
}

func (h *Handler) setPending(ownerID int64, input pendingInput) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[ownerID] = input
}

func (h *Handler) takePending(ownerID int64) pendingInput {
	h.mu.Lock()
	defer h.mu.Unlock()
	input := h.pending[ownerID]
	delete(h.pending, ownerID)
	return input
}

func (h *Handler) handleMessage(msg *transport.Message) {
	if msg.From == nil || !msg.IsPrivate() {
		return
	}
	ownerID := msg.From.ID

	if msg.Command() == "start" {
		if err := h.store.UpsertOwner(ownerID, msg.From.Username); err != nil {
			h.logger.Error("failed to upsert owner", zap.Error(err), zap.Int64("owner_id", ownerID))
		}
		h.setPending(ownerID, pendingInput{})
		h.sendHome(msg.Chat.ID, ownerID)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	switch input := h.takePending(ownerID); input.kind {
	case inputToken:
		h.registerToken(msg, ownerID, text)
	case inputForumID:
		h.assignForum(msg, ownerID, input.botUsername, text)
	case inputManagerWelcome:
		h.setManagerWelcome(msg, ownerID, text)
	case inputClientWelcome:
		h.setClientWelcome(msg, ownerID, input.botUsername, text)
	}
}

func (h *Handler) sendHome(chatID, ownerID int64) {
	if _, err := h.client.SendMenu(chatID, h.managerWelcome(ownerID), homeKeyboard()); err != nil {
		h.logger.Warn("failed to send manager menu", zap.Error(err), zap.Int64("chat_id", chatID))
	}
}

func (h *Handler) managerWelcome(ownerID int64) string {
	custom, err := h.store.GetOwnerStartText(ownerID)
	if err != nil {
		h.logger.Error("failed to load manager welcome", zap.Error(err), zap.Int64("owner_id", ownerID))
	}
	if custom != "" {
		return custom
	}
	return DefaultManagerWelcome
}

// isResetCommand recognizes the sentinel that restores a default text.
func isResetCommand(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "default", "/default", "reset", "/reset":
		return true
	}
	return false
}

func (h *Handler) registerToken(msg *transport.Message, ownerID int64, token string) {
	if err := h.store.UpsertOwner(ownerID, msg.From.Username); err != nil {
		h.logger.Error("failed to upsert owner", zap.Error(err), zap.Int64("owner_id", ownerID))
		return
	}

	bot, err := h.sup.Register(ownerID, token)
	if errors.Is(err, storage.ErrDuplicate) {
		h.reply(msg, "⚠️ That bot is already hosted, nothing to add.")
		return
	}
	if err != nil {
		h.reply(msg, fmt.Sprintf("❌ Token rejected, please send another one.\nDetails: %v", err))
		return
	}

	h.reply(msg, fmt.Sprintf("✅ Now hosting @%s\nDirect forwarding is the default; switch modes under \"My bots\".", bot.Username))
	h.AdminLog(fmt.Sprintf("🆕 New hosted bot\n👤 <code>%d</code>\n🤖 @%s", ownerID, bot.Username))
}

func (h *Handler) assignForum(msg *transport.Message, ownerID int64, botUsername, raw string) {
	if _, ok := h.ownedBot(botUsername, ownerID); !ok {
		h.reply(msg, "❌ That bot is gone or not yours.")
		return
	}
	forumID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		h.reply(msg, "⚠️ Send the numeric group id, e.g. -100xxxx.")
		return
	}
	if err := h.store.AssignForum(botUsername, forumID); err != nil {
		h.logger.Error("failed to assign forum", zap.Error(err), zap.String("bot", botUsername))
		h.reply(msg, "❌ Could not save the binding, try again.")
		return
	}
	h.reply(msg, fmt.Sprintf("🏷️ Bound @%s to forum group %d", botUsername, forumID))
	h.AdminLog(fmt.Sprintf("🏷️ @%s forum binding updated\nGroup: <code>%d</code>", botUsername, forumID))
}

func (h *Handler) setManagerWelcome(msg *transport.Message, ownerID int64, text string) {
	if err := h.store.UpsertOwner(ownerID, msg.From.Username); err != nil {
		h.logger.Error("failed to upsert owner", zap.Error(err), zap.Int64("owner_id", ownerID))
	}
	if isResetCommand(text) {
		if err := h.store.SetOwnerStartText(ownerID, ""); err != nil {
			h.logger.Error("failed to reset manager welcome", zap.Error(err))
			return
		}
		h.reply(msg, "✅ Manager welcome restored to the default.")
		return
	}
	if err := h.store.SetOwnerStartText(ownerID, text); err != nil {
		h.logger.Error("failed to set manager welcome", zap.Error(err))
		return
	}
	h.reply(msg, "✅ Manager welcome updated.")
}

func (h *Handler) setClientWelcome(msg *transport.Message, ownerID int64, botUsername, text string) {
	if _, ok := h.ownedBot(botUsername, ownerID); !ok {
		h.reply(msg, "❌ Cannot set the welcome for that bot.")
		return
	}
	if isResetCommand(text) {
		if err := h.store.SetClientStartText(botUsername, ""); err != nil {
			h.logger.Error("failed to reset client welcome", zap.Error(err), zap.String("bot", botUsername))
			return
		}
		h.reply(msg, fmt.Sprintf("✅ @%s member welcome restored to the default.", botUsername))
		return
	}
	if err := h.store.SetClientStartText(botUsername, text); err != nil {
		h.logger.Error("failed to set client welcome", zap.Error(err), zap.String("bot", botUsername))
		return
	}
	h.reply(msg, fmt.Sprintf("✅ @%s member welcome updated.", botUsername))
}

func (h *Handler) ownedBot(botUsername string, ownerID int64) (*models.Bot, bool) {
	bot, err := h.store.GetBot(botUsername)
	if err != nil || bot.OwnerID != ownerID {
		return nil, false
	}
	return bot, true
}

func (h *Handler) reply(msg *transport.Message, text string) {
	if _, err := h.client.ReplyText(msg.Chat.ID, msg.MessageID, text); err != nil {
		h.logger.Warn("failed to reply", zap.Error(err), zap.Int64("chat_id", msg.Chat.ID))
	}
}
