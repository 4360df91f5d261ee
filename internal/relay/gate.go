package relay

import (
	"fmt"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/birelay/birelay/internal/captcha"
	"github.com/birelay/birelay/internal/models"
	"github.com/birelay/birelay/internal/storage"
	"github.com/birelay/birelay/internal/transport"
)

// Gate decides per (bot, user) whether a message passes through to the
// relay or is intercepted by a challenge. Outstanding challenges live only
// in memory: a restart re-issues them on the next contact.
type Gate struct {
	mu      sync.Mutex
	rng     *rand.Rand
	pending map[string]captcha.Challenge

	store  storage.Storage
	logger *zap.Logger
}

func NewGate(store storage.Storage, rng *rand.Rand, logger *zap.Logger) *Gate {
	return &Gate{
		rng:     rng,
		pending: make(map[string]captcha.Challenge),
		store:   store,
		logger:  logger,
	}
}

func gateKey(botUsername string, userID int64) string {
	return fmt.Sprintf("%s:%d", botUsername, userID)
}

func (g *Gate) issue(bot *models.Bot, userID int64) captcha.Challenge {
	g.mu.Lock()
	defer g.mu.Unlock()
	challenge := captcha.Generate(g.rng, bot.CaptchaPools)
	g.pending[gateKey(bot.Username, userID)] = challenge
	return challenge
}

func (g *Gate) outstanding(botUsername string, userID int64) (captcha.Challenge, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	challenge, ok := g.pending[gateKey(botUsername, userID)]
	return challenge, ok
}

func (g *Gate) clear(botUsername string, userID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, gateKey(botUsername, userID))
}

// passed reports whether the user may skip the gate entirely.
func (g *Gate) passed(bot *models.Bot, userID int64) (bool, error) {
	if !bot.CaptchaEnabled {
		return true, nil
	}
	return g.store.IsVerified(bot.Username, userID)
}

// Greet handles a /start from an end user: verified (or ungated) users get
// the welcome text, everyone else gets a fresh challenge, replacing any
// outstanding one.
func (g *Gate) Greet(client transport.Client, bot *models.Bot, msg *transport.Message) error {
	ok, err := g.passed(bot, msg.From.ID)
	if err != nil {
		return fmt.Errorf("checking verification: %w", err)
	}
	if ok {
		_, err := client.SendText(msg.Chat.ID, clientWelcome(bot))
		return err
	}
	challenge := g.issue(bot, msg.From.ID)
	_, err = client.ReplyText(msg.Chat.ID, msg.MessageID, challenge.Render())
	return err
}

// Ensure runs the verification state machine for one inbound message. It
// returns true when the message should continue into the relay; false means
// the gate consumed it (challenge issued, wrong answer, or the correct
// answer itself — the answering message is never relayed).
func (g *Gate) Ensure(client transport.Client, bot *models.Bot, msg *transport.Message) (bool, error) {
	userID := msg.From.ID
	ok, err := g.passed(bot, userID)
	if err != nil {
		return false, fmt.Errorf("checking verification: %w", err)
	}
	if ok {
		return true, nil
	}

	if challenge, exists := g.outstanding(bot.Username, userID); exists {
		if !challenge.Check(msg.Content()) {
			// The cached challenge stays; no auto-regeneration on a miss.
			_, err := client.ReplyText(msg.Chat.ID, msg.MessageID, noticeWrongAnswer)
			return false, err
		}

		if err := g.store.VerifyUser(bot.Username, userID); err != nil {
			return false, fmt.Errorf("recording verification: %w", err)
		}
		g.clear(bot.Username, userID)
		if _, err := client.SendText(msg.Chat.ID, clientWelcome(bot)); err != nil {
			g.logger.Warn("failed to send welcome",
				zap.Error(err),
				zap.String("bot", bot.Username),
				zap.Int64("user_id", userID))
		}
		g.notifyOwnerVerified(client, bot, msg.From)
		return false, nil
	}

	challenge := g.issue(bot, userID)
	_, err = client.ReplyText(msg.Chat.ID, msg.MessageID, challenge.Render())
	return false, err
}

func (g *Gate) notifyOwnerVerified(client transport.Client, bot *models.Bot, user *transport.User) {
	text := fmt.Sprintf("🆗 A user passed verification\n🤖 @%s\n👤 %s\n🆔 <code>%d</code>",
		bot.Username, user.DisplayName(), user.ID)
	if _, err := client.SendHTML(bot.OwnerID, text); err != nil {
		g.logger.Warn("failed to notify owner about verification",
			zap.Error(err),
			zap.String("bot", bot.Username),
			zap.Int64("owner_id", bot.OwnerID))
	}
}
