package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultAPIBase is the production Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// ErrConflict signals that another getUpdates consumer holds this bot's
// update stream. Two bridges polling one bot token steal updates from each
// other, so the caller should exit rather than keep polling.
var ErrConflict = errors.New("another consumer is polling this bot")

// Update is one entry from the getUpdates stream.
type Update struct {
	UpdateID int64        `json:"update_id"`
	Message  *ChatMessage `json:"message"`
}

// ChatMessage is an incoming Telegram message, reduced to the fields routing
// needs.
type ChatMessage struct {
	MessageID int64     `json:"message_id"`
	From      *ChatUser `json:"from"`
	Chat      ChatRef   `json:"chat"`
	Text      string    `json:"text"`
}

// ChatUser identifies a message sender.
type ChatUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// ChatRef identifies the conversation a message belongs to.
type ChatRef struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// TelegramError is a Bot API error response (ok: false).
type TelegramError struct {
	Method      string
	Code        int
	Description string
}

func (e *TelegramError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// TelegramClient is a minimal Bot API client covering what the bridge uses:
// getUpdates long-polling and sendMessage. Calls are bounded by the caller's
// context rather than a client-level timeout, because getUpdates blocks
// server-side for the whole poll window.
type TelegramClient struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewTelegramClient returns a client against the production Bot API.
func NewTelegramClient(token string) *TelegramClient {
	return NewTelegramClientURL(token, DefaultAPIBase)
}

// NewTelegramClientURL returns a client with an explicit API base URL. Tests
// point this at an httptest server.
func NewTelegramClientURL(token, baseURL string) *TelegramClient {
	return &TelegramClient{token: token, baseURL: baseURL, http: &http.Client{}}
}

// GetUpdates long-polls for updates past offset, blocking up to the poll
// window when nothing is pending. A 409 from the API maps to ErrConflict.
func (c *TelegramClient) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	q := url.Values{}
	if offset > 0 {
		q.Set("offset", strconv.FormatInt(offset, 10))
	}
	q.Set("timeout", strconv.Itoa(int(timeout/time.Second)))

	var out []Update
	if err := c.get(ctx, "getUpdates", q, &out); err != nil {
		var apiErr *TelegramError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
			return nil, fmt.Errorf("getUpdates: %w", ErrConflict)
		}
		return nil, err
	}
	return out, nil
}

// SendMessage posts text to a chat. A zero replyTo sends a plain message
// instead of a threaded reply.
func (c *TelegramClient) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error {
	body := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if replyTo != 0 {
		body["reply_to_message_id"] = replyTo
	}
	return c.post(ctx, "sendMessage", body, nil)
}

func (c *TelegramClient) get(ctx context.Context, method string, q url.Values, out any) error {
	u := c.methodURL(method)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, method, out)
}

func (c *TelegramClient) post(ctx context.Context, method string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, out)
}

func (c *TelegramClient) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

// do executes the request and unwraps the Bot API envelope. Error responses
// carry ok: false plus a numeric code and description.
func (c *TelegramClient) do(req *http.Request, method string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		Description string          `json:"description"`
		ErrorCode   int             `json:"error_code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("telegram %s: decode response: %w", method, err)
	}
	if !envelope.OK {
		code := envelope.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &TelegramError{Method: method, Code: code, Description: envelope.Description}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}
