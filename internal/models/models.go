package models

import "time"

// Mode selects how a hosted bot relays end-user messages to its owner.
type Mode string

const (
	// ModeDirect forwards every user message straight into the owner's
	// private chat with the bot.
	ModeDirect Mode = "direct"
	// ModeForum groups each user's messages under a dedicated topic in a
	// bound forum supergroup.
	ModeForum Mode = "forum"
)

// Owner is an account that manages one or more hosted bots through the
// manager surface. Owners are created on first contact and never deleted.
type Owner struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username,omitempty"`
	StartText string    `json:"start_text,omitempty"` // empty = default manager welcome
	CreatedAt time.Time `json:"created_at"`
}

// Bot is one hosted relay identity.
type Bot struct {
	Username       string    `json:"username"`
	Token          string    `json:"token"`
	OwnerID        int64     `json:"owner_id"`
	Mode           Mode      `json:"mode"`
	ForumGroupID   int64     `json:"forum_group_id,omitempty"` // 0 = not bound
	StartText      string    `json:"start_text,omitempty"`     // empty = default client welcome
	CaptchaEnabled bool      `json:"captcha_enabled"`
	CaptchaPools   []string  `json:"captcha_pools,omitempty"` // empty = all pools
	CreatedAt      time.Time `json:"created_at"`
}

// BlacklistEntry marks a user denied relay service for one bot.
type BlacklistEntry struct {
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
