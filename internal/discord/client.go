package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const DefaultAPIURL = "https://discord.com/api/v10"

// Client is a Discord REST API client authenticated as a bot.
type Client struct {
	token    string
	apiURL   string
	client   *http.Client
	logger   *slog.Logger
	maxFetch int64
}

func NewClient(token, apiURL string, logger *slog.Logger) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		token:  token,
		apiURL: strings.TrimRight(apiURL, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// APIError is a non-2xx Discord response.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("discord api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("discord api error %d: %s", e.StatusCode, e.Message)
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

type Guild struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CurrentUser returns the bot's own user.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/@me", nil, &u); err != nil {
		return User{}, fmt.Errorf("get current user: %w", err)
	}
	return u, nil
}

// SendMessage posts content to a channel, optionally as a reply to
// replyTo. Returns the new message ID.
func (c *Client) SendMessage(ctx context.Context, channelID, content, replyTo string) (string, error) {
	payload := map[string]any{
		"content": content,
	}
	if replyTo != "" {
		payload["message_reference"] = map[string]any{
			"message_id":         replyTo,
			"channel_id":         channelID,
			"fail_if_not_exists": false,
		}
		payload["allowed_mentions"] = map[string]any{
			"parse":        []string{"users", "roles", "everyone"},
			"replied_user": false,
		}
	}

	var msg struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", payload, &msg); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	c.logger.Debug("message sent", "channel_id", channelID, "message_id", msg.ID, "reply_to", replyTo)
	return msg.ID, nil
}

// TriggerTyping shows the typing indicator in a channel for a few seconds.
func (c *Client) TriggerTyping(ctx context.Context, channelID string) error {
	if err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/typing", nil, nil); err != nil {
		return fmt.Errorf("trigger typing: %w", err)
	}
	return nil
}

// SetMaxFetchSize caps attachment downloads. Fetch reads at most n+1 bytes
// so callers can tell an oversized file from one exactly at the limit.
// Zero or less removes the cap.
func (c *Client) SetMaxFetchSize(n int64) {
	c.maxFetch = n
}

// Fetch downloads an attachment from the Discord CDN.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "attachment download failed"}
	}
	var body io.Reader = resp.Body
	if c.maxFetch > 0 {
		body = io.LimitReader(resp.Body, c.maxFetch+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	return data, nil
}

// Guilds lists the guilds the bot is a member of.
func (c *Client) Guilds(ctx context.Context) ([]Guild, error) {
	var guilds []Guild
	if err := c.do(ctx, http.MethodGet, "/users/@me/guilds", nil, &guilds); err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	return guilds, nil
}

// SetNickname changes the bot's display name in one guild.
func (c *Client) SetNickname(ctx context.Context, guildID, nick string) error {
	if err := c.do(ctx, http.MethodPatch, "/guilds/"+guildID+"/members/@me", map[string]any{"nick": nick}, nil); err != nil {
		return fmt.Errorf("set nickname: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	req.Header.Set("Authorization", "Bot "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
			apiErr.Code = errResp.Code
			apiErr.Message = errResp.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse discord response: %w", err)
	}
	return nil
}
