package storage

import (
	"sync"
	"time"

	"github.com/birelay/birelay/internal/models"
)

type routeKey struct {
	bot       string
	forwardID int
}

type topicKey struct {
	bot    string
	userID int64
}

type pairKey struct {
	bot    string
	userID int64
}

// MemoryStorage keeps the full registry in process memory. It mirrors the
// PostgresStorage contracts exactly and backs the test suite and the
// use_in_memory config switch.
type MemoryStorage struct {
	mu        sync.RWMutex
	owners    map[int64]*models.Owner
	bots      map[string]*models.Bot
	tokens    map[string]string // token -> bot username
	routes    map[routeKey]int64
	routeAt   map[routeKey]time.Time
	topics    map[topicKey]int
	blacklist map[pairKey]time.Time
	verified  map[pairKey]time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		owners:    make(map[int64]*models.Owner),
		bots:      make(map[string]*models.Bot),
		tokens:    make(map[string]string),
		routes:    make(map[routeKey]int64),
		routeAt:   make(map[routeKey]time.Time),
		topics:    make(map[topicKey]int),
		blacklist: make(map[pairKey]time.Time),
		verified:  make(map[pairKey]time.Time),
	}
}

func (s *MemoryStorage) UpsertOwner(ownerID int64, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, exists := s.owners[ownerID]; exists {
		owner.Username = username
		return nil
	}
	s.owners[ownerID] = &models.Owner{
		ID:        ownerID,
		Username:  username,
		CreatedAt: time.Now(),
	}
	return nil
}

func (s *MemoryStorage) SetOwnerStartText(ownerID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, exists := s.owners[ownerID]; exists {
		owner.StartText = text
	}
	return nil
}

func (s *MemoryStorage) GetOwnerStartText(ownerID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if owner, exists := s.owners[ownerID]; exists {
		return owner.StartText, nil
	}
	return "", nil
}

func (s *MemoryStorage) RegisterBot(bot *models.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bots[bot.Username]; exists {
		return ErrDuplicate
	}
	if _, exists := s.tokens[bot.Token]; exists {
		return ErrDuplicate
	}
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = time.Now()
	}
	stored := *bot
	s.bots[bot.Username] = &stored
	s.tokens[bot.Token] = bot.Username
	return nil
}

func (s *MemoryStorage) RemoveBot(botUsername string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bot, exists := s.bots[botUsername]; exists {
		delete(s.tokens, bot.Token)
	}
	delete(s.bots, botUsername)
	for key := range s.routes {
		if key.bot == botUsername {
			delete(s.routes, key)
			delete(s.routeAt, key)
		}
	}
	for key := range s.topics {
		if key.bot == botUsername {
			delete(s.topics, key)
		}
	}
	for key := range s.blacklist {
		if key.bot == botUsername {
			delete(s.blacklist, key)
		}
	}
	for key := range s.verified {
		if key.bot == botUsername {
			delete(s.verified, key)
		}
	}
	return nil
}

func (s *MemoryStorage) GetBot(botUsername string) (*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bot, exists := s.bots[botUsername]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *bot
	return &copied, nil
}

func (s *MemoryStorage) ListBotsByOwner(ownerID int64) ([]*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bots []*models.Bot
	for _, bot := range s.bots {
		if bot.OwnerID == ownerID {
			copied := *bot
			bots = append(bots, &copied)
		}
	}
	return bots, nil
}

func (s *MemoryStorage) ListAllBots() ([]*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bots []*models.Bot
	for _, bot := range s.bots {
		copied := *bot
		bots = append(bots, &copied)
	}
	return bots, nil
}

func (s *MemoryStorage) mutateBot(botUsername string, mutate func(*models.Bot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, exists := s.bots[botUsername]
	if !exists {
		return ErrNotFound
	}
	mutate(bot)
	return nil
}

func (s *MemoryStorage) UpdateMode(botUsername string, mode models.Mode) error {
	return s.mutateBot(botUsername, func(bot *models.Bot) { bot.Mode = mode })
}

func (s *MemoryStorage) AssignForum(botUsername string, forumGroupID int64) error {
	return s.mutateBot(botUsername, func(bot *models.Bot) { bot.ForumGroupID = forumGroupID })
}

func (s *MemoryStorage) SetCaptchaEnabled(botUsername string, enabled bool) error {
	return s.mutateBot(botUsername, func(bot *models.Bot) { bot.CaptchaEnabled = enabled })
}

func (s *MemoryStorage) SetCaptchaPools(botUsername string, pools []string) error {
	return s.mutateBot(botUsername, func(bot *models.Bot) {
		bot.CaptchaPools = append([]string(nil), pools...)
	})
}

func (s *MemoryStorage) SetClientStartText(botUsername string, text string) error {
	return s.mutateBot(botUsername, func(bot *models.Bot) { bot.StartText = text })
}

func (s *MemoryStorage) RecordForward(botUsername string, forwardID int, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := routeKey{botUsername, forwardID}
	s.routes[key] = userID
	s.routeAt[key] = time.Now()
	return nil
}

func (s *MemoryStorage) GetForwardTarget(botUsername string, forwardID int) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, exists := s.routes[routeKey{botUsername, forwardID}]
	if !exists {
		return 0, ErrNotFound
	}
	return userID, nil
}

func (s *MemoryStorage) PopForwardTarget(botUsername string, forwardID int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := routeKey{botUsername, forwardID}
	userID, exists := s.routes[key]
	if !exists {
		return 0, ErrNotFound
	}
	delete(s.routes, key)
	delete(s.routeAt, key)
	return userID, nil
}

func (s *MemoryStorage) UpsertTopic(botUsername string, userID int64, topicID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.topics[topicKey{botUsername, userID}] = topicID
	return nil
}

func (s *MemoryStorage) GetTopic(botUsername string, userID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topicID, exists := s.topics[topicKey{botUsername, userID}]
	if !exists {
		return 0, ErrNotFound
	}
	return topicID, nil
}

func (s *MemoryStorage) UserByTopic(botUsername string, topicID int) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, id := range s.topics {
		if key.bot == botUsername && id == topicID {
			return key.userID, nil
		}
	}
	return 0, ErrNotFound
}

func (s *MemoryStorage) AddBlacklist(botUsername string, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{botUsername, userID}
	if _, exists := s.blacklist[key]; exists {
		return false, nil
	}
	s.blacklist[key] = time.Now()
	return true, nil
}

func (s *MemoryStorage) RemoveBlacklist(botUsername string, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{botUsername, userID}
	if _, exists := s.blacklist[key]; !exists {
		return false, nil
	}
	delete(s.blacklist, key)
	return true, nil
}

func (s *MemoryStorage) ListBlacklist(botUsername string) ([]models.BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []models.BlacklistEntry
	for key, at := range s.blacklist {
		if key.bot == botUsername {
			entries = append(entries, models.BlacklistEntry{UserID: key.userID, CreatedAt: at})
		}
	}
	return entries, nil
}

func (s *MemoryStorage) IsBlacklisted(botUsername string, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.blacklist[pairKey{botUsername, userID}]
	return exists, nil
}

func (s *MemoryStorage) VerifyUser(botUsername string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{botUsername, userID}
	if _, exists := s.verified[key]; !exists {
		s.verified[key] = time.Now()
	}
	return nil
}

func (s *MemoryStorage) UnverifyUser(botUsername string, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{botUsername, userID}
	if _, exists := s.verified[key]; !exists {
		return false, nil
	}
	delete(s.verified, key)
	return true, nil
}

func (s *MemoryStorage) IsVerified(botUsername string, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.verified[pairKey{botUsername, userID}]
	return exists, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
