package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MikeSquared-Agency/parley/internal/conversation"
)

const chatPath = "/api/chat"

// Client talks to an Ollama server's chat endpoint.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewClient returns a client for the given server and model. Deadlines
// come from the caller's context, so the HTTP client carries no timeout.
func NewClient(baseURL, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
	}
}

func (c *Client) Model() string {
	return c.model
}

type options struct {
	Temperature float64 `json:"temperature"`
}

type request struct {
	Model    string                 `json:"model"`
	Messages []conversation.Message `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  options                `json:"options"`
}

type response struct {
	Model   string               `json:"model"`
	Message conversation.Message `json:"message"`
	Done    bool                 `json:"done"`
}

// APIError is returned for non-200 responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ollama api error %d: %s", e.StatusCode, e.Message)
}

// Chat sends the conversation to the model and returns the reply text.
func (c *Client) Chat(ctx context.Context, messages []conversation.Message, temperature float64) (string, error) {
	reqBody := request{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Options:  options{Temperature: temperature},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("api call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return "", &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return "", &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	return apiResp.Message.Content, nil
}
