package storage

import (
	"errors"

	"github.com/birelay/birelay/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("storage: duplicate")
)

// Storage is the durable registry behind the relay. All writes are
// immediately durable: in-memory caches elsewhere must be reconstructible
// from this store alone after a restart.
type Storage interface {
	// Owners.
	UpsertOwner(ownerID int64, username string) error
	SetOwnerStartText(ownerID int64, text string) error
	GetOwnerStartText(ownerID int64) (string, error)

	// Hosted bots. RegisterBot fails with ErrDuplicate when the username or
	// token is already managed. RemoveBot cascades over routes, topics,
	// blacklist and verification state.
	RegisterBot(bot *models.Bot) error
	RemoveBot(botUsername string) error
	GetBot(botUsername string) (*models.Bot, error)
	ListBotsByOwner(ownerID int64) ([]*models.Bot, error)
	ListAllBots() ([]*models.Bot, error)
	UpdateMode(botUsername string, mode models.Mode) error
	AssignForum(botUsername string, forumGroupID int64) error
	SetCaptchaEnabled(botUsername string, enabled bool) error
	SetCaptchaPools(botUsername string, pools []string) error
	SetClientStartText(botUsername string, text string) error

	// Direct-mode routes. PopForwardTarget consumes the entry: a second pop
	// for the same forward id returns ErrNotFound.
	RecordForward(botUsername string, forwardID int, userID int64) error
	GetForwardTarget(botUsername string, forwardID int) (int64, error)
	PopForwardTarget(botUsername string, forwardID int) (int64, error)

	// Forum topic bindings, queryable in both directions. At most one
	// binding per (bot, user); UpsertTopic overwrites on recovery.
	UpsertTopic(botUsername string, userID int64, topicID int) error
	GetTopic(botUsername string, userID int64) (int, error)
	UserByTopic(botUsername string, topicID int) (int64, error)

	// Blacklist. Add reports false when the user was already listed,
	// Remove reports false when the user was not listed.
	AddBlacklist(botUsername string, userID int64) (bool, error)
	RemoveBlacklist(botUsername string, userID int64) (bool, error)
	ListBlacklist(botUsername string) ([]models.BlacklistEntry, error)
	IsBlacklisted(botUsername string, userID int64) (bool, error)

	// Verification records. VerifyUser is idempotent. UnverifyUser reports
	// false when no record existed.
	VerifyUser(botUsername string, userID int64) error
	UnverifyUser(botUsername string, userID int64) (bool, error)
	IsVerified(botUsername string, userID int64) (bool, error)

	Close() error
}
