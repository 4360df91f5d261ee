package relay

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/birelay/birelay/internal/models"
	"github.com/birelay/birelay/internal/storage"
	"github.com/birelay/birelay/internal/transport"
)

const blacklistPageSize = 30

var (
	errNoTarget  = errors.New("no target user resolved")
	errBadTarget = errors.New("non-numeric target id")
)

func (s *Session) handleAdminCommand(bot *models.Bot, msg *transport.Message) {
	switch msg.Command() {
	case "bl":
		s.cmdListBlacklist(bot, msg)
	case "b":
		s.cmdBlock(bot, msg)
	case "ub":
		s.cmdUnblock(bot, msg)
	case "uv":
		s.cmdUnverify(bot, msg)
	case "id":
		s.cmdUserCard(bot, msg)
	case "start":
		// The owner previewing their own bot sees the client welcome.
		s.reply(msg, clientWelcome(bot))
	}
}

// resolveTarget finds the end user an admin command refers to, in priority
// order: explicit numeric argument, the replied-to message's route or topic,
// then the enclosing topic.
func (s *Session) resolveTarget(bot *models.Bot, msg *transport.Message) (int64, error) {
	if args := msg.CommandArgs(); args != "" {
		raw := strings.Fields(args)[0]
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, errBadTarget
		}
		return id, nil
	}

	if reply := msg.ReplyTo; reply != nil {
		if bot.Mode == models.ModeDirect {
			// Non-consuming lookup: resolving a target must not burn the
			// one-shot reply route.
			target, err := s.store.GetForwardTarget(bot.Username, reply.MessageID)
			if err == nil {
				return target, nil
			}
			s.logResolveFailure("route lookup failed", err, zap.Int("forward_id", reply.MessageID))
		} else {
			if reply.ForwardFrom != nil {
				return reply.ForwardFrom.ID, nil
			}
			if reply.ThreadID != 0 {
				target, err := s.store.UserByTopic(bot.Username, reply.ThreadID)
				if err == nil {
					return target, nil
				}
				s.logResolveFailure("topic lookup failed", err, zap.Int("topic_id", reply.ThreadID))
			}
			if reply.From != nil && reply.From.ID != msg.From.ID {
				return reply.From.ID, nil
			}
		}
	}

	if bot.Mode == models.ModeForum {
		if topicID := msg.TopicID(); topicID != 0 {
			target, err := s.store.UserByTopic(bot.Username, topicID)
			if err == nil {
				return target, nil
			}
			s.logResolveFailure("topic lookup failed", err, zap.Int("topic_id", topicID))
		}
	}

	return 0, errNoTarget
}

// logResolveFailure surfaces store failures during target resolution. A
// missing record is the expected miss on the resolution ladder; anything
// else means the store itself is failing and must not be mistaken for it.
func (s *Session) logResolveFailure(msg string, err error, fields ...zap.Field) {
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	s.logger.Error(msg, append(fields, zap.Error(err))...)
}

// requireTarget resolves the target or reports the failure to the issuer.
// The zero return means the command must stop without mutating state.
func (s *Session) requireTarget(bot *models.Bot, msg *transport.Message) int64 {
	target, err := s.resolveTarget(bot, msg)
	switch {
	case errors.Is(err, errBadTarget):
		s.reply(msg, noticeBadTarget)
		return 0
	case errors.Is(err, errNoTarget):
		s.reply(msg, noticeNeedTarget)
		return 0
	}
	return target
}

func (s *Session) cmdListBlacklist(bot *models.Bot, msg *transport.Message) {
	entries, err := s.store.ListBlacklist(bot.Username)
	if err != nil {
		s.logger.Error("blacklist listing failed", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		s.reply(msg, noticeEmptyBlacklist)
		return
	}
	if len(entries) > blacklistPageSize {
		entries = entries[:blacklistPageSize]
	}
	lines := make([]string, 0, len(entries)+1)
	lines = append(lines, "🛑 Blacklist:")
	for _, entry := range entries {
		lines = append(lines, fmt.Sprintf("• <code>%d</code> (%s)",
			entry.UserID, entry.CreatedAt.Format("2006-01-02 15:04")))
	}
	if _, err := s.client.ReplyHTML(msg.Chat.ID, msg.MessageID, strings.Join(lines, "\n")); err != nil {
		s.logger.Warn("failed to send blacklist", zap.Error(err))
	}
}

func (s *Session) cmdBlock(bot *models.Bot, msg *transport.Message) {
	target := s.requireTarget(bot, msg)
	if target == 0 {
		return
	}
	added, err := s.store.AddBlacklist(bot.Username, target)
	if err != nil {
		s.logger.Error("blacklist insert failed", zap.Error(err), zap.Int64("user_id", target))
		return
	}
	if !added {
		s.reply(msg, noticeAlreadyBlocked)
		return
	}
	s.reply(msg, fmt.Sprintf("🚫 Blocked %d", target))
	s.adminLog(fmt.Sprintf("🚫 @%s blocked <code>%d</code>", bot.Username, target))
}

func (s *Session) cmdUnblock(bot *models.Bot, msg *transport.Message) {
	target := s.requireTarget(bot, msg)
	if target == 0 {
		return
	}
	removed, err := s.store.RemoveBlacklist(bot.Username, target)
	if err != nil {
		s.logger.Error("blacklist delete failed", zap.Error(err), zap.Int64("user_id", target))
		return
	}
	if !removed {
		s.reply(msg, noticeNotBlocked)
		return
	}
	s.reply(msg, fmt.Sprintf("✅ Unblocked %d", target))
	s.adminLog(fmt.Sprintf("✅ @%s unblocked <code>%d</code>", bot.Username, target))
}

func (s *Session) cmdUnverify(bot *models.Bot, msg *transport.Message) {
	target := s.requireTarget(bot, msg)
	if target == 0 {
		return
	}
	removed, err := s.store.UnverifyUser(bot.Username, target)
	if err != nil {
		s.logger.Error("unverify failed", zap.Error(err), zap.Int64("user_id", target))
		return
	}
	if !removed {
		s.reply(msg, noticeNotVerified)
		return
	}
	s.reply(msg, fmt.Sprintf("♻️ Verification revoked for %d.", target))
}

func (s *Session) cmdUserCard(bot *models.Bot, msg *transport.Message) {
	target := s.requireTarget(bot, msg)
	if target == 0 {
		return
	}
	chat, err := s.client.GetChat(target)
	if err != nil {
		s.reply(msg, fmt.Sprintf("❌ Could not fetch user: %v", err))
		return
	}
	blocked, err := s.store.IsBlacklisted(bot.Username, target)
	if err != nil {
		s.logger.Error("blacklist lookup failed", zap.Error(err), zap.Int64("user_id", target))
		return
	}
	verified, err := s.store.IsVerified(bot.Username, target)
	if err != nil {
		s.logger.Error("verification lookup failed", zap.Error(err), zap.Int64("user_id", target))
		return
	}

	status := make([]string, 0, 2)
	if blocked {
		status = append(status, "🚫 blacklisted")
	} else {
		status = append(status, "🟢 in good standing")
	}
	if verified {
		status = append(status, "✅ verified")
	} else {
		status = append(status, "❓ unverified")
	}

	name := chat.FullName()
	if name == "" {
		name = "-"
	}
	username := chat.Username
	if username == "" {
		username = "none"
	}
	card := fmt.Sprintf("👤 User card\n🆔 <code>%d</code>\n📛 %s\n🌐 @%s\n🛡️ Status: %s",
		chat.ID, name, username, strings.Join(status, " | "))
	if _, err := s.client.ReplyHTML(msg.Chat.ID, msg.MessageID, card); err != nil {
		s.logger.Warn("failed to send user card", zap.Error(err))
	}
}
