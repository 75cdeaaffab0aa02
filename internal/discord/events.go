package discord

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Message types that carry user-authored content. Everything else
// (joins, pins, boosts, ...) is a system message.
const (
	messageTypeDefault            = 0
	messageTypeReply              = 19
	messageTypeChatInputCommand   = 20
	messageTypeThreadStarter      = 21
	messageTypeContextMenuCommand = 23
)

// Attachment is a file attached to a message.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// MessageEvent is a MESSAGE_CREATE payload relayed from the gateway
// forwarder over NATS.
type MessageEvent struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	GuildID     string       `json:"guild_id,omitempty"`
	Content     string       `json:"content"`
	Type        int          `json:"type"`
	Author      User         `json:"author"`
	Attachments []Attachment `json:"attachments"`
}

// IsSystem reports whether the message was generated by Discord rather
// than written by a user.
func (m MessageEvent) IsSystem() bool {
	switch m.Type {
	case messageTypeDefault, messageTypeReply, messageTypeChatInputCommand,
		messageTypeThreadStarter, messageTypeContextMenuCommand:
		return false
	default:
		return true
	}
}

// ParseMessageEvent decodes a forwarded MESSAGE_CREATE payload. The
// forwarder sends either the bare message object or a gateway dispatch
// envelope ({"t": "MESSAGE_CREATE", "d": {...}}).
func ParseMessageEvent(data []byte) (*MessageEvent, error) {
	var envelope struct {
		T string          `json:"t"`
		D json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("parse message event: %w", err)
	}
	if envelope.T != "" {
		if envelope.T != "MESSAGE_CREATE" {
			return nil, fmt.Errorf("unexpected dispatch type %s", envelope.T)
		}
		data = envelope.D
	}

	var evt MessageEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("parse message event: %w", err)
	}
	if evt.ID == "" || evt.ChannelID == "" {
		return nil, fmt.Errorf("message event missing id or channel_id")
	}
	return &evt, nil
}

// ParseCommand splits "!reset now" into ("reset", "now") for prefix "!".
// The name ends at the first whitespace of any kind. ok is false when
// content does not start with the prefix.
func ParseCommand(content, prefix string) (name, args string, ok bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(content, prefix)
	i := strings.IndexFunc(rest, unicode.IsSpace)
	if i < 0 {
		return rest, "", true
	}
	return rest[:i], strings.TrimSpace(rest[i:]), true
}
