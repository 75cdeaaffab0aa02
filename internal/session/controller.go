package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/MikeSquared-Agency/parley/internal/attachment"
	"github.com/MikeSquared-Agency/parley/internal/config"
	"github.com/MikeSquared-Agency/parley/internal/conversation"
	"github.com/MikeSquared-Agency/parley/internal/delivery"
	"github.com/MikeSquared-Agency/parley/internal/discord"
	"github.com/MikeSquared-Agency/parley/internal/hermes"
	"github.com/MikeSquared-Agency/parley/internal/responder"
	"github.com/MikeSquared-Agency/parley/internal/store"
)

// ResetReply confirms the reset command.
const ResetReply = "Conversation context has been reset."

const globalConversation = "global"

// Transport is the part of the chat platform the controller talks to.
type Transport interface {
	SendMessage(ctx context.Context, channelID, content, replyTo string) (string, error)
	TriggerTyping(ctx context.Context, channelID string) error
}

type Ingester interface {
	Ingest(ctx context.Context, attachments []attachment.Attachment) (string, error)
}

type Responder interface {
	Complete(ctx context.Context, messages []conversation.Message) responder.Reply
}

type Archive interface {
	WriteTurn(ctx context.Context, t store.Turn) (uuid.UUID, error)
}

type Publisher interface {
	PublishTurn(evt hermes.TurnCompleted) error
}

// Options configures a Controller. Archive and Publisher are optional.
type Options struct {
	Registry       *conversation.Registry
	Ingester       Ingester
	Responder      Responder
	Transport      Transport
	Archive        Archive
	Publisher      Publisher
	Logger         *slog.Logger
	BotUserID      string
	CommandPrefix  string
	Scope          string
	ChunkSize      int
	TypingInterval time.Duration
}

// Controller runs one conversational turn per inbound chat message. It is
// the only writer of the registry; turns and resets are serialized on mu.
type Controller struct {
	mu             sync.Mutex
	registry       *conversation.Registry
	ingester       Ingester
	responder      Responder
	transport      Transport
	sender         *delivery.Sender
	archive        Archive
	publisher      Publisher
	logger         *slog.Logger
	botUserID      string
	prefix         string
	scope          string
	typingInterval time.Duration
}

func New(opts Options) *Controller {
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = defaultTypingInterval
	}
	if opts.Scope == "" {
		opts.Scope = config.ScopeChannel
	}
	return &Controller{
		registry:       opts.Registry,
		ingester:       opts.Ingester,
		responder:      opts.Responder,
		transport:      opts.Transport,
		sender:         delivery.NewSender(opts.Transport, opts.ChunkSize),
		archive:        opts.Archive,
		publisher:      opts.Publisher,
		logger:         opts.Logger,
		botUserID:      opts.BotUserID,
		prefix:         opts.CommandPrefix,
		scope:          opts.Scope,
		typingInterval: opts.TypingInterval,
	}
}

// Handler returns a NATS handler for forwarded MESSAGE_CREATE events.
func (c *Controller) Handler(ctx context.Context) func(subject string, data []byte) {
	return func(subject string, data []byte) {
		evt, err := discord.ParseMessageEvent(data)
		if err != nil {
			c.logger.Error("failed to parse message event", "subject", subject, "error", err)
			return
		}
		c.HandleMessage(ctx, evt)
	}
}

// HandleMessage processes one inbound message to completion.
func (c *Controller) HandleMessage(ctx context.Context, evt *discord.MessageEvent) {
	if evt.Author.ID != "" && evt.Author.ID == c.botUserID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	logger := c.logger.With("channel_id", evt.ChannelID, "message_id", evt.ID, "author_id", evt.Author.ID)

	if name, args, ok := discord.ParseCommand(evt.Content, c.prefix); ok {
		// Other bots may chat through the relay but not issue commands.
		if !evt.IsSystem() && !evt.Author.Bot {
			c.dispatchCommand(ctx, logger, evt, name, args)
		}
		return
	}
	if evt.IsSystem() {
		return
	}

	content := evt.Content
	if len(evt.Attachments) > 0 {
		text, err := c.ingester.Ingest(ctx, toAttachments(evt.Attachments))
		if err != nil {
			c.rejectAttachments(ctx, logger, evt.ChannelID, err)
			return
		}
		content = evt.Content + "\n\n" + text
	}

	key := c.ConversationKey(evt)
	log := c.registry.Get(key)
	log.Append(conversation.RoleUser, content)

	reply := c.complete(ctx, logger, evt.ChannelID, log.Snapshot())
	text := reply.Content()

	log.Append(conversation.RoleAssistant, text)
	evicted := log.EnforceBound()

	chunks, err := c.sender.Send(ctx, evt.ChannelID, text, evt.ID)
	if err != nil {
		logger.Error("reply delivery failed", "chunks_sent", chunks, "error", err)
	}

	turnID := uuid.New()
	c.archiveTurn(ctx, logger, store.Turn{
		ID:               turnID,
		ConversationKey:  key,
		ChannelID:        evt.ChannelID,
		MessageID:        evt.ID,
		AuthorID:         evt.Author.ID,
		UserContent:      content,
		AssistantContent: text,
		Outcome:          string(reply.Outcome),
		DurationMS:       reply.Duration.Milliseconds(),
	})
	if c.publisher != nil {
		if err := c.publisher.PublishTurn(hermes.TurnCompleted{
			TurnID:       turnID.String(),
			Conversation: key,
			ChannelID:    evt.ChannelID,
			MessageID:    evt.ID,
			Outcome:      string(reply.Outcome),
			Chunks:       chunks,
			DurationMS:   reply.Duration.Milliseconds(),
		}); err != nil {
			logger.Warn("failed to publish turn", "error", err)
		}
	}

	logger.Info("turn complete",
		"turn_id", turnID,
		"conversation", key,
		"outcome", string(reply.Outcome),
		"log_len", log.Len(),
		"evicted", evicted,
		"chunks", chunks,
	)
}

// ResetConversation restores the log for key to the system message alone.
// It waits for any turn in progress and reports false when key is unknown.
func (c *Controller) ResetConversation(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registry.Lookup(key); !ok {
		return false
	}
	c.registry.Reset(key)
	c.logger.Info("conversation reset", "conversation", key, "source", "api")
	return true
}

// ConversationKey resolves which log an event belongs to.
func (c *Controller) ConversationKey(evt *discord.MessageEvent) string {
	if c.scope == config.ScopeGlobal {
		return globalConversation
	}
	return evt.ChannelID
}

func (c *Controller) dispatchCommand(ctx context.Context, logger *slog.Logger, evt *discord.MessageEvent, name, args string) {
	switch name {
	case "reset":
		key := c.ConversationKey(evt)
		c.registry.Reset(key)
		logger.Info("conversation reset", "conversation", key)
		if _, err := c.transport.SendMessage(ctx, evt.ChannelID, ResetReply, ""); err != nil {
			logger.Error("failed to confirm reset", "error", err)
		}
	default:
		logger.Debug("unknown command", "command", name, "args", args)
	}
}

func (c *Controller) rejectAttachments(ctx context.Context, logger *slog.Logger, channelID string, err error) {
	msg, ok := attachment.UserMessage(err)
	if !ok {
		logger.Error("attachment ingestion failed", "error", err)
		return
	}
	logger.Info("attachments rejected", "reason", err.Error())
	if _, err := c.transport.SendMessage(ctx, channelID, msg, ""); err != nil {
		logger.Error("failed to report rejected attachments", "error", err)
	}
}

// complete calls the model while the typing indicator is shown.
func (c *Controller) complete(ctx context.Context, logger *slog.Logger, channelID string, messages []conversation.Message) responder.Reply {
	stop := startTyping(ctx, c.transport, channelID, c.typingInterval, logger)
	defer stop()
	return c.responder.Complete(ctx, messages)
}

func (c *Controller) archiveTurn(ctx context.Context, logger *slog.Logger, turn store.Turn) {
	if c.archive == nil {
		return
	}
	if _, err := c.archive.WriteTurn(ctx, turn); err != nil {
		logger.Error("failed to archive turn", "turn_id", turn.ID, "error", err)
	}
}

func toAttachments(in []discord.Attachment) []attachment.Attachment {
	out := make([]attachment.Attachment, len(in))
	for i, a := range in {
		out[i] = attachment.Attachment{
			ID:       a.ID,
			Filename: a.Filename,
			Size:     a.Size,
			URL:      a.URL,
		}
	}
	return out
}
