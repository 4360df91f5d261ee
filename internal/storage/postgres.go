package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/birelay/birelay/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(config DatabaseConfig) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db}

	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// nullIfEmpty maps "" to SQL NULL so that empty overrides fall back to the
// process-wide defaults.
func nullIfEmpty(text string) sql.NullString {
	return sql.NullString{String: text, Valid: text != ""}
}

func (s *PostgresStorage) UpsertOwner(ownerID int64, username string) error {
	query := `
		INSERT INTO owners (owner_id, username)
		VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE SET username = EXCLUDED.username`

	if _, err := s.db.Exec(query, ownerID, nullIfEmpty(username)); err != nil {
		return fmt.Errorf("error upserting owner: %w", err)
	}
	return nil
}

func (s *PostgresStorage) SetOwnerStartText(ownerID int64, text string) error {
	if _, err := s.db.Exec(
		`UPDATE owners SET manager_start_text = $1 WHERE owner_id = $2`,
		nullIfEmpty(text), ownerID,
	); err != nil {
		return fmt.Errorf("error setting owner start text: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetOwnerStartText(ownerID int64) (string, error) {
	var text sql.NullString
	err := s.db.QueryRow(
		`SELECT manager_start_text FROM owners WHERE owner_id = $1`, ownerID,
	).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("error getting owner start text: %w", err)
	}
	return text.String, nil
}

func (s *PostgresStorage) RegisterBot(bot *models.Bot) error {
	query := `
		INSERT INTO bots (bot_username, owner_id, token, mode, captcha_enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	err := s.db.QueryRow(
		query, bot.Username, bot.OwnerID, bot.Token, string(bot.Mode), bot.CaptchaEnabled,
	).Scan(&bot.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("error registering bot: %w", err)
	}
	return nil
}

func (s *PostgresStorage) RemoveBot(botUsername string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("error starting removal: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"direct_routes", "forum_topics", "blacklist", "verified_users"} {
		if _, err := tx.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE bot_username = $1", table), botUsername,
		); err != nil {
			return fmt.Errorf("error cascading removal to %s: %w", table, err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM bots WHERE bot_username = $1`, botUsername); err != nil {
		return fmt.Errorf("error removing bot: %w", err)
	}
	return tx.Commit()
}

const botColumns = `bot_username, owner_id, token, mode, forum_group_id,
	client_start_text, captcha_enabled, captcha_topics, created_at`

func scanBot(row interface{ Scan(...any) error }) (*models.Bot, error) {
	bot := &models.Bot{}
	var mode string
	var forumGroupID sql.NullInt64
	var startText, captchaTopics sql.NullString
	err := row.Scan(
		&bot.Username,
		&bot.OwnerID,
		&bot.Token,
		&mode,
		&forumGroupID,
		&startText,
		&bot.CaptchaEnabled,
		&captchaTopics,
		&bot.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	bot.Mode = models.Mode(mode)
	bot.ForumGroupID = forumGroupID.Int64
	bot.StartText = startText.String
	if captchaTopics.Valid && captchaTopics.String != "" {
		bot.CaptchaPools = strings.Split(captchaTopics.String, ",")
	}
	return bot, nil
}

func (s *PostgresStorage) GetBot(botUsername string) (*models.Bot, error) {
	row := s.db.QueryRow(
		`SELECT `+botColumns+` FROM bots WHERE bot_username = $1`, botUsername,
	)
	bot, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting bot: %w", err)
	}
	return bot, nil
}

func (s *PostgresStorage) listBots(query string, args ...any) ([]*models.Bot, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying bots: %w", err)
	}
	defer rows.Close()

	var bots []*models.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning bot: %w", err)
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

func (s *PostgresStorage) ListBotsByOwner(ownerID int64) ([]*models.Bot, error) {
	return s.listBots(
		`SELECT `+botColumns+` FROM bots WHERE owner_id = $1 ORDER BY created_at DESC`,
		ownerID,
	)
}

func (s *PostgresStorage) ListAllBots() ([]*models.Bot, error) {
	return s.listBots(`SELECT ` + botColumns + ` FROM bots ORDER BY created_at`)
}

func (s *PostgresStorage) updateBot(query string, args ...any) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("error updating bot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) UpdateMode(botUsername string, mode models.Mode) error {
	return s.updateBot(`UPDATE bots SET mode = $1 WHERE bot_username = $2`, string(mode), botUsername)
}

func (s *PostgresStorage) AssignForum(botUsername string, forumGroupID int64) error {
	var id sql.NullInt64
	if forumGroupID != 0 {
		id = sql.NullInt64{Int64: forumGroupID, Valid: true}
	}
	return s.updateBot(`UPDATE bots SET forum_group_id = $1 WHERE bot_username = $2`, id, botUsername)
}

func (s *PostgresStorage) SetCaptchaEnabled(botUsername string, enabled bool) error {
	return s.updateBot(`UPDATE bots SET captcha_enabled = $1 WHERE bot_username = $2`, enabled, botUsername)
}

func (s *PostgresStorage) SetCaptchaPools(botUsername string, pools []string) error {
	return s.updateBot(
		`UPDATE bots SET captcha_topics = $1 WHERE bot_username = $2`,
		nullIfEmpty(strings.Join(pools, ",")), botUsername,
	)
}

func (s *PostgresStorage) SetClientStartText(botUsername string, text string) error {
	return s.updateBot(`UPDATE bots SET client_start_text = $1 WHERE bot_username = $2`, nullIfEmpty(text), botUsername)
}

func (s *PostgresStorage) RecordForward(botUsername string, forwardID int, userID int64) error {
	query := `
		INSERT INTO direct_routes (bot_username, forward_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (bot_username, forward_id) DO UPDATE SET user_id = EXCLUDED.user_id`

	if _, err := s.db.Exec(query, botUsername, forwardID, userID); err != nil {
		return fmt.Errorf("error recording forward: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetForwardTarget(botUsername string, forwardID int) (int64, error) {
	var userID int64
	err := s.db.QueryRow(
		`SELECT user_id FROM direct_routes WHERE bot_username = $1 AND forward_id = $2`,
		botUsername, forwardID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("error getting forward target: %w", err)
	}
	return userID, nil
}

func (s *PostgresStorage) PopForwardTarget(botUsername string, forwardID int) (int64, error) {
	var userID int64
	err := s.db.QueryRow(
		`DELETE FROM direct_routes WHERE bot_username = $1 AND forward_id = $2 RETURNING user_id`,
		botUsername, forwardID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("error popping forward target: %w", err)
	}
	return userID, nil
}

func (s *PostgresStorage) UpsertTopic(botUsername string, userID int64, topicID int) error {
	query := `
		INSERT INTO forum_topics (bot_username, user_id, topic_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (bot_username, user_id) DO UPDATE SET topic_id = EXCLUDED.topic_id`

	if _, err := s.db.Exec(query, botUsername, userID, topicID); err != nil {
		return fmt.Errorf("error upserting topic: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetTopic(botUsername string, userID int64) (int, error) {
	var topicID int
	err := s.db.QueryRow(
		`SELECT topic_id FROM forum_topics WHERE bot_username = $1 AND user_id = $2`,
		botUsername, userID,
	).Scan(&topicID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("error getting topic: %w", err)
	}
	return topicID, nil
}

func (s *PostgresStorage) UserByTopic(botUsername string, topicID int) (int64, error) {
	var userID int64
	err := s.db.QueryRow(
		`SELECT user_id FROM forum_topics WHERE bot_username = $1 AND topic_id = $2`,
		botUsername, topicID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("error resolving topic user: %w", err)
	}
	return userID, nil
}

func (s *PostgresStorage) AddBlacklist(botUsername string, userID int64) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO blacklist (bot_username, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		botUsername, userID,
	)
	if err != nil {
		return false, fmt.Errorf("error adding blacklist entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStorage) RemoveBlacklist(botUsername string, userID int64) (bool, error) {
	result, err := s.db.Exec(
		`DELETE FROM blacklist WHERE bot_username = $1 AND user_id = $2`,
		botUsername, userID,
	)
	if err != nil {
		return false, fmt.Errorf("error removing blacklist entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStorage) ListBlacklist(botUsername string) ([]models.BlacklistEntry, error) {
	rows, err := s.db.Query(
		`SELECT user_id, created_at FROM blacklist WHERE bot_username = $1 ORDER BY created_at DESC`,
		botUsername,
	)
	if err != nil {
		return nil, fmt.Errorf("error listing blacklist: %w", err)
	}
	defer rows.Close()

	var entries []models.BlacklistEntry
	for rows.Next() {
		var entry models.BlacklistEntry
		if err := rows.Scan(&entry.UserID, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning blacklist entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStorage) IsBlacklisted(botUsername string, userID int64) (bool, error) {
	return s.exists(`SELECT 1 FROM blacklist WHERE bot_username = $1 AND user_id = $2`, botUsername, userID)
}

func (s *PostgresStorage) VerifyUser(botUsername string, userID int64) error {
	if _, err := s.db.Exec(
		`INSERT INTO verified_users (bot_username, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		botUsername, userID,
	); err != nil {
		return fmt.Errorf("error verifying user: %w", err)
	}
	return nil
}

func (s *PostgresStorage) UnverifyUser(botUsername string, userID int64) (bool, error) {
	result, err := s.db.Exec(
		`DELETE FROM verified_users WHERE bot_username = $1 AND user_id = $2`,
		botUsername, userID,
	)
	if err != nil {
		return false, fmt.Errorf("error unverifying user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStorage) IsVerified(botUsername string, userID int64) (bool, error) {
	return s.exists(`SELECT 1 FROM verified_users WHERE bot_username = $1 AND user_id = $2`, botUsername, userID)
}

func (s *PostgresStorage) exists(query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRow(query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error checking existence: %w", err)
	}
	return true, nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
