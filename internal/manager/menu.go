package manager

import (
	"fmt"
	"html"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/birelay/birelay/internal/captcha"
	"github.com/birelay/birelay/internal/models"
	"github.com/birelay/birelay/internal/transport"
)

func homeKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ Add bot", "menu:add"),
			tgbotapi.NewInlineKeyboardButtonData("🗂 My bots", "menu:list"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✏️ Manager welcome", "menu:welcome"),
		),
	)
}

func botListKeyboard(bots []*models.Bot) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(bots)+1)
	for _, bot := range bots {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("@"+bot.Username, "bot:"+bot.Username),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("« Back", "menu:home"),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func botKeyboard(bot *models.Bot) tgbotapi.InlineKeyboardMarkup {
	var modeBtn tgbotapi.InlineKeyboardButton
	if bot.Mode == models.ModeForum {
		modeBtn = tgbotapi.NewInlineKeyboardButtonData("↩️ Switch to direct", fmt.Sprintf("mode:%s:%s", bot.Username, models.ModeDirect))
	} else {
		modeBtn = tgbotapi.NewInlineKeyboardButtonData("🗨 Switch to topics", fmt.Sprintf("mode:%s:%s", bot.Username, models.ModeForum))
	}

	captchaLabel := "🧩 Captcha: off"
	if bot.CaptchaEnabled {
		captchaLabel = "🧩 Captcha: on"
	}

	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			modeBtn,
			tgbotapi.NewInlineKeyboardButtonData("🏷 Bind forum", "forum:"+bot.Username),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(captchaLabel, "captcha:toggle:"+bot.Username),
			tgbotapi.NewInlineKeyboardButtonData("🎲 Pools", "captcha:topics:"+bot.Username),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✏️ Member welcome", "welcome:"+bot.Username),
			tgbotapi.NewInlineKeyboardButtonData("🗑 Remove", "drop:"+bot.Username),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("« Back", "menu:list"),
		),
	)
}

func poolKeyboard(bot *models.Bot) tgbotapi.InlineKeyboardMarkup {
	selected := captcha.Normalize(bot.CaptchaPools)
	active := make(map[string]bool, len(selected))
	for _, key := range selected {
		active[key] = true
	}
	all := len(selected) == 0

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(captcha.PoolKeys())+2)
	for _, key := range captcha.PoolKeys() {
		mark := "◻️"
		if all || active[key] {
			mark = "✅"
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				mark+" "+captcha.PoolLabel(key),
				fmt.Sprintf("captcha:pool:%s:%s", bot.Username, key),
			),
		))
	}
	rows = append(rows,
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 Use all pools", fmt.Sprintf("captcha:topicaction:%s:reset", bot.Username)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("« Back", "bot:"+bot.Username),
		),
	)
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func formatBotCard(bot *models.Bot) string {
	mode := "direct forwarding"
	if bot.Mode == models.ModeForum {
		mode = "topic per user"
	}

	forum := "not bound"
	if bot.ForumGroupID != 0 {
		forum = fmt.Sprintf("<code>%d</code>", bot.ForumGroupID)
	}

	captchaState := "off"
	if bot.CaptchaEnabled {
		captchaState = "on"
	}

	pools := "all"
	if selected := captcha.Normalize(bot.CaptchaPools); len(selected) > 0 {
		labels := make([]string, len(selected))
		for i, key := range selected {
			labels[i] = captcha.PoolLabel(key)
		}
		pools = strings.Join(labels, ", ")
	}

	welcome := "default"
	if bot.StartText != "" {
		welcome = "custom"
	}

	card := fmt.Sprintf(`🤖 @%s
🚦 Mode: %s
🏷 Forum: %s
🧩 Captcha: %s (%s)
✏️ Member welcome: %s`,
		html.EscapeString(bot.Username), mode, forum, captchaState, pools, welcome)
	if !bot.CreatedAt.IsZero() {
		card += fmt.Sprintf("\n📅 Hosted since: %s", bot.CreatedAt.Format("2006-01-02"))
	}
	return card
}

// togglePool flips one pool in the selection. An empty selection means
// "all pools", so the first toggle materializes the full set minus the
// key. Dropping the last remaining pool is refused; re-completing the
// set collapses back to "all".
func togglePool(current []string, key string) (next []string, ok bool) {
	selected := captcha.Normalize(current)
	if len(selected) == 0 {
		selected = captcha.PoolKeys()
	}

	next = make([]string, 0, len(selected)+1)
	removed := false
	for _, k := range selected {
		if k == key {
			removed = true
			continue
		}
		next = append(next, k)
	}
	if !removed {
		next = append(next, key)
	}

	if len(next) == 0 {
		return nil, false
	}
	if len(next) == len(captcha.PoolKeys()) {
		return nil, true
	}
	return next, true
}

func (h *Handler) handleCallback(cb *transport.CallbackQuery) {
	if cb.From == nil || cb.Message == nil {
		return
	}
	ownerID := cb.From.ID
	chatID := cb.Message.Chat.ID
	messageID := cb.Message.MessageID

	answer := func(text string) {
		if err := h.client.AnswerCallback(cb.ID, text); err != nil {
			h.logger.Warn("failed to answer callback", zap.Error(err))
		}
	}
	edit := func(text string, markup any) {
		if err := h.client.EditText(chatID, messageID, text, markup); err != nil {
			h.logger.Warn("failed to edit menu", zap.Error(err), zap.Int64("chat_id", chatID))
		}
	}

	// Callback data arrives from the network; every arm below needs at
	// least an action and one argument.
	parts := strings.Split(cb.Data, ":")
	if len(parts) < 2 {
		answer("")
		return
	}
	switch parts[0] {
	case "menu":
		switch parts[1] {
		case "home":
			answer("")
			edit(h.managerWelcome(ownerID), homeKeyboard())
		case "add":
			answer("")
			h.setPending(ownerID, pendingInput{kind: inputToken})
			edit("🔑 Send me the bot token from @BotFather.", nil)
		case "list":
			answer("")
			h.showBotList(ownerID, edit)
		case "welcome":
			answer("")
			h.setPending(ownerID, pendingInput{kind: inputManagerWelcome})
			edit("✏️ Send the new manager welcome text, or \"default\" to restore it.", nil)
		}

	case "bot":
		bot, ok := h.ownedBot(parts[1], ownerID)
		if !ok {
			answer("That bot is gone.")
			return
		}
		answer("")
		edit(formatBotCard(bot), botKeyboard(bot))

	case "mode":
		if len(parts) < 3 {
			answer("")
			return
		}
		h.switchMode(ownerID, parts[1], models.Mode(parts[2]), answer, edit)

	case "forum":
		if _, ok := h.ownedBot(parts[1], ownerID); !ok {
			answer("That bot is gone.")
			return
		}
		answer("")
		h.setPending(ownerID, pendingInput{kind: inputForumID, botUsername: parts[1]})
		edit("🏷 Send the forum group id (add the bot there as admin first, then forward any message to @getidsbot if unsure).", nil)

	case "welcome":
		if _, ok := h.ownedBot(parts[1], ownerID); !ok {
			answer("That bot is gone.")
			return
		}
		answer("")
		h.setPending(ownerID, pendingInput{kind: inputClientWelcome, botUsername: parts[1]})
		edit("✏️ Send the new member welcome text, or \"default\" to restore it.", nil)

	case "drop":
		h.dropBot(ownerID, parts[1], answer, edit)

	case "captcha":
		if len(parts) < 3 {
			answer("")
			return
		}
		h.handleCaptchaCallback(ownerID, parts[1:], answer, edit)
	}
}

func (h *Handler) showBotList(ownerID int64, edit func(string, any)) {
	bots, err := h.store.ListBotsByOwner(ownerID)
	if err != nil {
		h.logger.Error("failed to list bots", zap.Error(err), zap.Int64("owner_id", ownerID))
		return
	}
	if len(bots) == 0 {
		edit("🗂 You have no hosted bots yet. Add one with the button below.", homeKeyboard())
		return
	}
	edit(fmt.Sprintf("🗂 Hosted bots: %d\nPick one to configure.", len(bots)), botListKeyboard(bots))
}

func (h *Handler) switchMode(ownerID int64, botUsername string, mode models.Mode, answer func(string), edit func(string, any)) {
	bot, ok := h.ownedBot(botUsername, ownerID)
	if !ok {
		answer("That bot is gone.")
		return
	}
	if mode != models.ModeDirect && mode != models.ModeForum {
		answer("Unknown mode.")
		return
	}
	if mode == models.ModeForum && bot.ForumGroupID == 0 {
		answer("Bind a forum group first.")
		h.setPending(ownerID, pendingInput{kind: inputForumID, botUsername: botUsername})
		edit("🏷 Topic mode needs a forum group. Send its id to bind one.", nil)
		return
	}
	if err := h.store.UpdateMode(botUsername, mode); err != nil {
		h.logger.Error("failed to switch mode", zap.Error(err), zap.String("bot", botUsername))
		answer("Could not switch the mode.")
		return
	}
	answer("Mode updated.")
	h.refreshBotCard(ownerID, botUsername, edit)
	h.AdminLog(fmt.Sprintf("🚦 @%s switched to %s mode", botUsername, mode))
}

func (h *Handler) dropBot(ownerID int64, botUsername string, answer func(string), edit func(string, any)) {
	if _, ok := h.ownedBot(botUsername, ownerID); !ok {
		answer("That bot is gone.")
		return
	}
	if err := h.sup.Remove(botUsername); err != nil {
		h.logger.Error("failed to remove bot", zap.Error(err), zap.String("bot", botUsername))
		answer("Could not remove the bot.")
		return
	}
	answer("Removed.")
	h.showBotList(ownerID, edit)
	h.AdminLog(fmt.Sprintf("🗑 @%s removed by its owner <code>%d</code>", botUsername, ownerID))
}

func (h *Handler) handleCaptchaCallback(ownerID int64, parts []string, answer func(string), edit func(string, any)) {
	action, botUsername := parts[0], parts[1]
	bot, ok := h.ownedBot(botUsername, ownerID)
	if !ok {
		answer("That bot is gone.")
		return
	}

	switch action {
	case "toggle":
		if err := h.store.SetCaptchaEnabled(botUsername, !bot.CaptchaEnabled); err != nil {
			h.logger.Error("failed to toggle captcha", zap.Error(err), zap.String("bot", botUsername))
			answer("Could not update the captcha.")
			return
		}
		answer("Captcha updated.")
		h.refreshBotCard(ownerID, botUsername, edit)

	case "topics":
		answer("")
		edit("🎲 Pick the challenge pools new members can draw from.", poolKeyboard(bot))

	case "pool":
		if len(parts) < 3 {
			answer("")
			return
		}
		next, ok := togglePool(bot.CaptchaPools, parts[2])
		if !ok {
			answer("Keep at least one pool enabled.")
			return
		}
		if err := h.store.SetCaptchaPools(botUsername, next); err != nil {
			h.logger.Error("failed to update captcha pools", zap.Error(err), zap.String("bot", botUsername))
			answer("Could not update the pools.")
			return
		}
		answer("Pools updated.")
		if fresh, ok := h.ownedBot(botUsername, ownerID); ok {
			edit("🎲 Pick the challenge pools new members can draw from.", poolKeyboard(fresh))
		}

	case "topicaction":
		if len(parts) < 3 || parts[2] != "reset" {
			answer("")
			return
		}
		if err := h.store.SetCaptchaPools(botUsername, nil); err != nil {
			h.logger.Error("failed to reset captcha pools", zap.Error(err), zap.String("bot", botUsername))
			answer("Could not reset the pools.")
			return
		}
		answer("All pools enabled.")
		if fresh, ok := h.ownedBot(botUsername, ownerID); ok {
			edit("🎲 Pick the challenge pools new members can draw from.", poolKeyboard(fresh))
		}
	}
}

func (h *Handler) refreshBotCard(ownerID int64, botUsername string, edit func(string, any)) {
	if bot, ok := h.ownedBot(botUsername, ownerID); ok {
		edit(formatBotCard(bot), botKeyboard(bot))
	}
}
