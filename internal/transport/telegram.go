package transport

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	pollTimeout  = 60 // seconds, long-poll
	pollBackoff  = 3 * time.Second
	updateBuffer = 100
)

// Telegram is the production Client. It reuses the bot-api library for
// authentication and request plumbing but performs its own payload
// decoding: the library's last release predates forum topics, and the relay
// needs message_thread_id on both directions.
type Telegram struct {
	api      *tgbotapi.BotAPI
	stop     chan struct{}
	stopOnce sync.Once
}

// Dial validates the token against the Telegram API (getMe) and returns a
// ready client. A bad or revoked token fails here, before any registry
// write.
func Dial(token string) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("validating token: %w", err)
	}
	return &Telegram{api: api, stop: make(chan struct{})}, nil
}

func (t *Telegram) Username() string {
	return t.api.Self.UserName
}

func (t *Telegram) BotID() int64 {
	return t.api.Self.ID
}

// Listen starts the long-poll loop and returns the update stream. The
// channel closes after Stop, and nothing is delivered past that point.
func (t *Telegram) Listen() <-chan Update {
	updates := make(chan Update, updateBuffer)
	go func() {
		defer close(updates)
		offset := 0
		for {
			select {
			case <-t.stop:
				return
			default:
			}

			params := make(tgbotapi.Params)
			params.AddNonZero("offset", offset)
			params.AddNonZero("timeout", pollTimeout)

			resp, err := t.api.MakeRequest("getUpdates", params)
			if err != nil {
				select {
				case <-t.stop:
					return
				case <-time.After(pollBackoff):
					continue
				}
			}

			batch, next, err := decodeUpdates(resp.Result, offset)
			if err != nil {
				// Undecodable payload with no update ids to skip past:
				// back off instead of re-polling it in a hot loop.
				select {
				case <-t.stop:
					return
				case <-time.After(pollBackoff):
					continue
				}
			}
			offset = next
			for _, update := range batch {
				select {
				case updates <- update:
				case <-t.stop:
					return
				}
			}
		}
	}()
	return updates
}

// Stop terminates the long-poll loop. Safe to call more than once.
func (t *Telegram) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// decodeUpdates parses one getUpdates batch and returns the next poll
// offset. An element that fails to decode is dropped, but its update_id
// still advances the offset so a poison update is fetched at most once.
func decodeUpdates(result []byte, offset int) ([]Update, int, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, offset, fmt.Errorf("decoding update batch: %w", err)
	}

	batch := make([]Update, 0, len(raw))
	for _, item := range raw {
		var update Update
		if err := json.Unmarshal(item, &update); err != nil {
			var header struct {
				UpdateID int `json:"update_id"`
			}
			if json.Unmarshal(item, &header) == nil && header.UpdateID >= offset {
				offset = header.UpdateID + 1
			}
			continue
		}
		if update.UpdateID >= offset {
			offset = update.UpdateID + 1
		}
		batch = append(batch, update)
	}
	return batch, offset, nil
}

// classify wraps stale-topic failures with ErrStaleThread so callers can
// branch with errors.Is instead of sniffing API strings.
func classify(endpoint string, err error) error {
	if err == nil {
		return nil
	}
	detail := strings.ToLower(err.Error())
	if strings.Contains(detail, "message thread not found") ||
		strings.Contains(detail, "topic not found") ||
		strings.Contains(detail, "topic deleted") {
		return fmt.Errorf("%s: %w (%s)", endpoint, ErrStaleThread, detail)
	}
	return fmt.Errorf("%s: %w", endpoint, err)
}

func (t *Telegram) request(endpoint string, params tgbotapi.Params, result any) error {
	resp, err := t.api.MakeRequest(endpoint, params)
	if err != nil {
		return classify(endpoint, err)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("%s: decoding result: %w", endpoint, err)
		}
	}
	return nil
}

func (t *Telegram) send(chatID int64, replyToID int, text, parseMode string, markup any) (Message, error) {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", chatID)
	params.AddNonEmpty("text", text)
	params.AddNonEmpty("parse_mode", parseMode)
	params.AddNonZero("reply_to_message_id", replyToID)
	params.AddBool("disable_web_page_preview", true)
	if markup != nil {
		if err := params.AddInterface("reply_markup", markup); err != nil {
			return Message{}, fmt.Errorf("sendMessage: encoding markup: %w", err)
		}
	}
	var sent Message
	if err := t.request("sendMessage", params, &sent); err != nil {
		return Message{}, err
	}
	return sent, nil
}

func (t *Telegram) SendText(chatID int64, text string) (Message, error) {
	return t.send(chatID, 0, text, "", nil)
}

func (t *Telegram) SendHTML(chatID int64, text string) (Message, error) {
	return t.send(chatID, 0, text, "HTML", nil)
}

func (t *Telegram) ReplyText(chatID int64, replyToID int, text string) (Message, error) {
	return t.send(chatID, replyToID, text, "", nil)
}

func (t *Telegram) ReplyHTML(chatID int64, replyToID int, text string) (Message, error) {
	return t.send(chatID, replyToID, text, "HTML", nil)
}

// SendMenu sends text with an inline keyboard. markup is a
// tgbotapi.InlineKeyboardMarkup; the manager surface builds those.
func (t *Telegram) SendMenu(chatID int64, text string, markup any) (Message, error) {
	return t.send(chatID, 0, text, "", markup)
}

// EditText rewrites a previously sent message, optionally replacing its
// inline keyboard.
func (t *Telegram) EditText(chatID int64, messageID int, text string, markup any) error {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", messageID)
	params.AddNonEmpty("text", text)
	params.AddNonEmpty("parse_mode", "HTML")
	if markup != nil {
		if err := params.AddInterface("reply_markup", markup); err != nil {
			return fmt.Errorf("editMessageText: encoding markup: %w", err)
		}
	}
	return t.request("editMessageText", params, nil)
}

func (t *Telegram) AnswerCallback(callbackID, text string) error {
	params := make(tgbotapi.Params)
	params.AddNonEmpty("callback_query_id", callbackID)
	params.AddNonEmpty("text", text)
	return t.request("answerCallbackQuery", params, nil)
}

func (t *Telegram) ForwardTo(toChatID int64, threadID int, fromChatID int64, messageID int) (Message, error) {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", toChatID)
	params.AddNonZero("message_thread_id", threadID)
	params.AddNonZero64("from_chat_id", fromChatID)
	params.AddNonZero("message_id", messageID)
	var forwarded Message
	if err := t.request("forwardMessage", params, &forwarded); err != nil {
		return Message{}, err
	}
	return forwarded, nil
}

func (t *Telegram) CopyTo(toChatID int64, fromChatID int64, messageID int) (Message, error) {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", toChatID)
	params.AddNonZero64("from_chat_id", fromChatID)
	params.AddNonZero("message_id", messageID)
	var copied Message
	if err := t.request("copyMessage", params, &copied); err != nil {
		return Message{}, err
	}
	return copied, nil
}

func (t *Telegram) CreateTopic(chatID int64, name string) (int, error) {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", chatID)
	params.AddNonEmpty("name", name)
	var topic ForumTopic
	if err := t.request("createForumTopic", params, &topic); err != nil {
		return 0, err
	}
	return topic.ThreadID, nil
}

func (t *Telegram) DeleteMessage(chatID int64, messageID int) error {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", messageID)
	return t.request("deleteMessage", params, nil)
}

func (t *Telegram) GetChat(chatID int64) (Chat, error) {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", chatID)
	var chat Chat
	if err := t.request("getChat", params, &chat); err != nil {
		return Chat{}, err
	}
	return chat, nil
}
