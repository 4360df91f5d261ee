package relay

import (
	"github.com/birelay/birelay/internal/models"
)

// DefaultClientWelcome greets end users of a hosted bot when the owner has
// not configured an override.
const DefaultClientWelcome = `🤖 Welcome to the relay support bot
📨 Direct mode: your messages go straight to the operator;
🧵 Topic mode: a dedicated thread tracks your conversation;
🛡 If you lose access, ask the operator to reset your verification with /uv;
Please be patient while waiting for a reply.`

const (
	noticeBotGone        = "⚠️ This bot is no longer hosted. Please contact the operator."
	noticeBlacklisted    = "🚫 You have been restricted. Contact the operator to appeal."
	noticeNotConfigured  = "⚠️ The operator has not finished setting up topic mode. Please try again later."
	noticeDirectAck      = "📨 Delivered to support, please wait for a reply."
	noticeTopicAck       = "🗂️ Delivered to your dedicated thread."
	noticeReplySent      = "✅ Reply delivered."
	noticeReplyExpired   = "ℹ️ This message is no longer linked to a user. Ask them to write again."
	noticeWrongAnswer    = "❌ Wrong answer. Send /start to get a fresh puzzle, or try again."
	noticeNeedTarget     = "⚠️ Reply to a relayed message or append a numeric user id."
	noticeBadTarget      = "⚠️ The user id must be numeric, e.g. /b 123456789."
	noticeAlreadyBlocked = "ℹ️ That user is already on the blacklist."
	noticeNotBlocked     = "🙅 That user is not on the blacklist."
	noticeNotVerified    = "ℹ️ That user has not passed verification."
	noticeEmptyBlacklist = "👍 The blacklist is empty."
)

// clientWelcome returns the per-bot welcome override or the process-wide
// default. Callers always hold a freshly loaded row, so no re-read here.
func clientWelcome(bot *models.Bot) string {
	if bot.StartText != "" {
		return bot.StartText
	}
	return DefaultClientWelcome
}
