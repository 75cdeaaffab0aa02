package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/MikeSquared-Agency/parley/internal/attachment"
	"github.com/MikeSquared-Agency/parley/internal/config"
	"github.com/MikeSquared-Agency/parley/internal/conversation"
	"github.com/MikeSquared-Agency/parley/internal/discord"
	"github.com/MikeSquared-Agency/parley/internal/hermes"
	"github.com/MikeSquared-Agency/parley/internal/responder"
	"github.com/MikeSquared-Agency/parley/internal/store"
)

const systemPrompt = "P"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMessage struct {
	channel string
	content string
	replyTo string
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentMessage
	typing  int
	sendErr error
}

func (f *fakeTransport) SendMessage(_ context.Context, channelID, content, replyTo string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentMessage{channel: channelID, content: content, replyTo: replyTo})
	return fmt.Sprintf("out-%d", len(f.sent)), nil
}

func (f *fakeTransport) TriggerTyping(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeTransport) Fetch(_ context.Context, url string) ([]byte, error) {
	switch url {
	case "binary":
		return []byte{0xff, 0xfe, 0x00}, nil
	case "broken":
		return nil, errors.New("cdn unavailable")
	default:
		return []byte("contents of " + url), nil
	}
}

func (f *fakeTransport) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) typingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typing
}

type scriptedBackend struct {
	mu      sync.Mutex
	reply   func(messages []conversation.Message) (string, error)
	delay   time.Duration
	calls   int
	lastLen int
}

func (b *scriptedBackend) Chat(ctx context.Context, messages []conversation.Message, _ float64) (string, error) {
	b.mu.Lock()
	b.calls++
	b.lastLen = len(messages)
	b.mu.Unlock()
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return b.reply(messages)
}

type recordingArchive struct {
	turns []store.Turn
	err   error
}

func (a *recordingArchive) WriteTurn(_ context.Context, t store.Turn) (uuid.UUID, error) {
	if a.err != nil {
		return uuid.Nil, a.err
	}
	a.turns = append(a.turns, t)
	return t.ID, nil
}

type recordingPublisher struct {
	events []hermes.TurnCompleted
}

func (p *recordingPublisher) PublishTurn(evt hermes.TurnCompleted) error {
	p.events = append(p.events, evt)
	return nil
}

type harness struct {
	ctrl      *Controller
	registry  *conversation.Registry
	transport *fakeTransport
	backend   *scriptedBackend
	archive   *recordingArchive
	publisher *recordingPublisher
}

type harnessOpts struct {
	maxLog  int
	scope   string
	timeout time.Duration
	backend *scriptedBackend
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.maxLog == 0 {
		o.maxLog = 50
	}
	if o.timeout == 0 {
		o.timeout = time.Second
	}
	if o.backend == nil {
		o.backend = &scriptedBackend{reply: func([]conversation.Message) (string, error) { return "R", nil }}
	}

	h := &harness{
		registry:  conversation.NewRegistry(systemPrompt, o.maxLog),
		transport: &fakeTransport{},
		backend:   o.backend,
		archive:   &recordingArchive{},
		publisher: &recordingPublisher{},
	}
	logger := discardLogger()
	h.ctrl = New(Options{
		Registry:       h.registry,
		Ingester:       attachment.NewIngester(h.transport, 2*1024*1024, 20000),
		Responder:      responder.New(h.backend, 0.7, o.timeout, logger),
		Transport:      h.transport,
		Archive:        h.archive,
		Publisher:      h.publisher,
		Logger:         logger,
		BotUserID:      "BOT",
		CommandPrefix:  "!",
		Scope:          o.scope,
		TypingInterval: 5 * time.Millisecond,
	})
	return h
}

func userMessage(id, channel, content string) *discord.MessageEvent {
	return &discord.MessageEvent{
		ID:        id,
		ChannelID: channel,
		Content:   content,
		Author:    discord.User{ID: "U1", Username: "mike"},
	}
}

func TestHandleMessage_EndToEnd(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	h.ctrl.HandleMessage(ctx, userMessage("M1", "C1", "hello"))

	log, ok := h.registry.Lookup("C1")
	if !ok {
		t.Fatal("expected a conversation for C1")
	}
	got := log.Snapshot()
	want := []conversation.Message{
		{Role: conversation.RoleSystem, Content: systemPrompt},
		{Role: conversation.RoleUser, Content: "hello"},
		{Role: conversation.RoleAssistant, Content: "R"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("log[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	sent := h.transport.messages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 outbound message, got %d", len(sent))
	}
	if sent[0] != (sentMessage{channel: "C1", content: "R", replyTo: "M1"}) {
		t.Errorf("unexpected outbound message: %+v", sent[0])
	}

	for i := 0; i < 50; i++ {
		h.ctrl.HandleMessage(ctx, userMessage(fmt.Sprintf("M%d", i+2), "C1", fmt.Sprintf("turn %d", i)))

		snap := log.Snapshot()
		if len(snap) > 50 {
			t.Fatalf("turn %d: log length %d exceeds bound", i, len(snap))
		}
		if snap[0] != (conversation.Message{Role: conversation.RoleSystem, Content: systemPrompt}) {
			t.Fatalf("turn %d: system message displaced: %+v", i, snap[0])
		}
	}

	final := log.Snapshot()
	if len(final) != 50 {
		t.Errorf("expected 50 messages after eviction, got %d", len(final))
	}
	last := final[len(final)-2]
	if last.Role != conversation.RoleUser || last.Content != "turn 49" {
		t.Errorf("expected newest user turn to survive, got %+v", last)
	}
}

func TestHandleMessage_BackendSeesSnapshotWithUserMessage(t *testing.T) {
	var seen []conversation.Message
	backend := &scriptedBackend{reply: func(m []conversation.Message) (string, error) {
		seen = m
		return "ok", nil
	}}
	h := newHarness(t, harnessOpts{backend: backend})

	h.ctrl.HandleMessage(context.Background(), userMessage("M1", "C1", "question"))

	if len(seen) != 2 {
		t.Fatalf("expected system + user sent to backend, got %d messages", len(seen))
	}
	if seen[1].Role != conversation.RoleUser || seen[1].Content != "question" {
		t.Errorf("unexpected last message: %+v", seen[1])
	}
}

func TestHandleMessage_Ignored(t *testing.T) {
	tests := []struct {
		name string
		evt  *discord.MessageEvent
	}{
		{"own message", &discord.MessageEvent{ID: "M1", ChannelID: "C1", Content: "hi", Author: discord.User{ID: "BOT"}}},
		{"system message", &discord.MessageEvent{ID: "M1", ChannelID: "C1", Content: "joined", Type: 7, Author: discord.User{ID: "U1"}}},
		{"unknown command", userMessage("M1", "C1", "!weather")},
		{"system command", &discord.MessageEvent{ID: "M1", ChannelID: "C1", Content: "!reset", Type: 6, Author: discord.User{ID: "U1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			h.ctrl.HandleMessage(context.Background(), tt.evt)

			if _, ok := h.registry.Lookup("C1"); ok {
				t.Error("expected no conversation to be created")
			}
			if n := len(h.transport.messages()); n != 0 {
				t.Errorf("expected no outbound messages, got %d", n)
			}
			if h.backend.calls != 0 {
				t.Errorf("expected no backend calls, got %d", h.backend.calls)
			}
		})
	}
}

func TestHandleMessage_ResetCommand(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	h.ctrl.HandleMessage(ctx, userMessage("M1", "C1", "hello"))
	h.ctrl.HandleMessage(ctx, userMessage("M2", "C1", "again"))
	h.ctrl.HandleMessage(ctx, userMessage("M3", "C1", "!reset"))

	log, _ := h.registry.Lookup("C1")
	snap := log.Snapshot()
	if len(snap) != 1 || snap[0].Role != conversation.RoleSystem {
		t.Fatalf("expected only the system message after reset, got %+v", snap)
	}

	sent := h.transport.messages()
	confirm := sent[len(sent)-1]
	if confirm.content != ResetReply || confirm.replyTo != "" {
		t.Errorf("unexpected reset confirmation: %+v", confirm)
	}
	if h.backend.calls != 2 {
		t.Errorf("reset should not call the backend, got %d calls", h.backend.calls)
	}
}

func TestHandleMessage_WithAttachments(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	evt := userMessage("M1", "C1", "please review")
	evt.Attachments = []discord.Attachment{
		{ID: "A1", Filename: "main.go", Size: 10, URL: "main.go"},
	}
	h.ctrl.HandleMessage(context.Background(), evt)

	log, _ := h.registry.Lookup("C1")
	user := log.Snapshot()[1]
	want := "please review\n\n\n\nmain.go\ncontents of main.go\n"
	if user.Content != want {
		t.Errorf("user content = %q, want %q", user.Content, want)
	}
}

func TestHandleMessage_AttachmentRejected(t *testing.T) {
	tests := []struct {
		name       string
		attachment discord.Attachment
		wantMsg    string
	}{
		{
			name:       "too large",
			attachment: discord.Attachment{Filename: "huge.txt", Size: 2*1024*1024 + 1, URL: "huge"},
			wantMsg:    "The file huge.txt is too large. Please send files smaller than 2.0 MB.",
		},
		{
			name:       "binary",
			attachment: discord.Attachment{Filename: "image.png", Size: 3, URL: "binary"},
			wantMsg:    "The file image.png is not a valid text file.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			evt := userMessage("M1", "C1", "look")
			evt.Attachments = []discord.Attachment{tt.attachment}

			h.ctrl.HandleMessage(context.Background(), evt)

			if _, ok := h.registry.Lookup("C1"); ok {
				t.Error("rejected attachments must not touch the conversation")
			}
			sent := h.transport.messages()
			if len(sent) != 1 {
				t.Fatalf("expected 1 diagnostic message, got %d", len(sent))
			}
			if sent[0].content != tt.wantMsg {
				t.Errorf("diagnostic = %q, want %q", sent[0].content, tt.wantMsg)
			}
			if h.backend.calls != 0 {
				t.Error("backend must not be called")
			}
		})
	}
}

func TestHandleMessage_AttachmentFetchFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	evt := userMessage("M1", "C1", "look")
	evt.Attachments = []discord.Attachment{{Filename: "a.txt", Size: 5, URL: "broken"}}

	h.ctrl.HandleMessage(context.Background(), evt)

	if _, ok := h.registry.Lookup("C1"); ok {
		t.Error("failed fetch must not touch the conversation")
	}
	if n := len(h.transport.messages()); n != 0 {
		t.Errorf("expected no outbound messages, got %d", n)
	}
}

func TestHandleMessage_TimeoutFallbackAppended(t *testing.T) {
	backend := &scriptedBackend{
		delay: time.Second,
		reply: func([]conversation.Message) (string, error) { return "late", nil },
	}
	h := newHarness(t, harnessOpts{backend: backend, timeout: 20 * time.Millisecond})

	h.ctrl.HandleMessage(context.Background(), userMessage("M1", "C1", "slow question"))

	log, _ := h.registry.Lookup("C1")
	snap := log.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(snap))
	}
	if snap[2] != (conversation.Message{Role: conversation.RoleAssistant, Content: responder.TimeoutReply}) {
		t.Errorf("expected timeout fallback as assistant message, got %+v", snap[2])
	}
	sent := h.transport.messages()
	if len(sent) != 1 || sent[0].content != responder.TimeoutReply {
		t.Errorf("expected fallback delivered, got %+v", sent)
	}
	if h.archive.turns[0].Outcome != string(responder.OutcomeTimedOut) {
		t.Errorf("expected archived outcome timed_out, got %q", h.archive.turns[0].Outcome)
	}
}

func TestHandleMessage_BackendErrorAppended(t *testing.T) {
	backend := &scriptedBackend{reply: func([]conversation.Message) (string, error) {
		return "", errors.New("model not loaded")
	}}
	h := newHarness(t, harnessOpts{backend: backend})

	h.ctrl.HandleMessage(context.Background(), userMessage("M1", "C1", "hi"))

	log, _ := h.registry.Lookup("C1")
	got := log.Snapshot()[2].Content
	if got != "An error occurred: model not loaded" {
		t.Errorf("unexpected assistant content %q", got)
	}
}

func TestHandleMessage_ChunkedReply(t *testing.T) {
	long := strings.Repeat("x", 4500)
	backend := &scriptedBackend{reply: func([]conversation.Message) (string, error) { return long, nil }}
	h := newHarness(t, harnessOpts{backend: backend})

	h.ctrl.HandleMessage(context.Background(), userMessage("M1", "C1", "write a lot"))

	sent := h.transport.messages()
	if len(sent) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(sent))
	}
	if sent[0].replyTo != "M1" || sent[1].replyTo != "" || sent[2].replyTo != "" {
		t.Errorf("only the first chunk should reference M1: %q %q %q", sent[0].replyTo, sent[1].replyTo, sent[2].replyTo)
	}
	if sent[0].content+sent[1].content+sent[2].content != long {
		t.Error("chunks do not reassemble the reply")
	}
	if h.publisher.events[0].Chunks != 3 {
		t.Errorf("expected 3 chunks in turn event, got %d", h.publisher.events[0].Chunks)
	}
}

func TestHandleMessage_DeliveryFailureKeepsHistory(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.transport.sendErr = errors.New("missing permissions")

	h.ctrl.HandleMessage(context.Background(), userMessage("M1", "C1", "hello"))

	log, _ := h.registry.Lookup("C1")
	if log.Len() != 3 {
		t.Errorf("expected the turn to stay in history, got length %d", log.Len())
	}
}

func TestHandleMessage_ConversationsArePerChannel(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	h.ctrl.HandleMessage(ctx, userMessage("M1", "C1", "in one"))
	h.ctrl.HandleMessage(ctx, userMessage("M2", "C2", "in two"))

	for _, key := range []string{"C1", "C2"} {
		log, ok := h.registry.Lookup(key)
		if !ok {
			t.Fatalf("expected conversation %s", key)
		}
		if log.Len() != 3 {
			t.Errorf("%s: expected 3 messages, got %d", key, log.Len())
		}
	}

	h.ctrl.HandleMessage(ctx, userMessage("M3", "C1", "!reset"))
	if log, _ := h.registry.Lookup("C2"); log.Len() != 3 {
		t.Errorf("reset in C1 must not touch C2")
	}
}

func TestHandleMessage_GlobalScopeSharesLog(t *testing.T) {
	h := newHarness(t, harnessOpts{scope: config.ScopeGlobal})
	ctx := context.Background()

	h.ctrl.HandleMessage(ctx, userMessage("M1", "C1", "in one"))
	h.ctrl.HandleMessage(ctx, userMessage("M2", "C2", "in two"))

	log, ok := h.registry.Lookup("global")
	if !ok {
		t.Fatal("expected the global conversation")
	}
	if log.Len() != 5 {
		t.Errorf("expected 5 messages in the shared log, got %d", log.Len())
	}
	if h.backend.lastLen != 4 {
		t.Errorf("second turn should see both channels' history, got %d messages", h.backend.lastLen)
	}
}

func TestHandleMessage_TypingIndicatorReleased(t *testing.T) {
	backend := &scriptedBackend{
		delay: 30 * time.Millisecond,
		reply: func([]conversation.Message) (string, error) { return "done", nil },
	}
	h := newHarness(t, harnessOpts{backend: backend})

	h.ctrl.HandleMessage(context.Background(), userMessage("M1", "C1", "think"))

	after := h.transport.typingCount()
	if after < 1 {
		t.Fatal("expected the typing indicator to be triggered")
	}
	time.Sleep(30 * time.Millisecond)
	if h.transport.typingCount() != after {
		t.Error("typing indicator kept running after the turn finished")
	}
}

func TestHandleMessage_ArchivesAndPublishesTurn(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	h.ctrl.HandleMessage(context.Background(), userMessage("M1", "C1", "hello"))

	if len(h.archive.turns) != 1 {
		t.Fatalf("expected 1 archived turn, got %d", len(h.archive.turns))
	}
	turn := h.archive.turns[0]
	if turn.ConversationKey != "C1" || turn.MessageID != "M1" || turn.AuthorID != "U1" {
		t.Errorf("unexpected turn identity: %+v", turn)
	}
	if turn.UserContent != "hello" || turn.AssistantContent != "R" || turn.Outcome != "ok" {
		t.Errorf("unexpected turn content: %+v", turn)
	}

	if len(h.publisher.events) != 1 {
		t.Fatalf("expected 1 turn event, got %d", len(h.publisher.events))
	}
	evt := h.publisher.events[0]
	if evt.TurnID != turn.ID.String() {
		t.Errorf("turn event id %s does not match archive id %s", evt.TurnID, turn.ID)
	}
	if evt.Chunks != 1 || evt.Outcome != "ok" {
		t.Errorf("unexpected turn event: %+v", evt)
	}
}

func TestHandleMessage_ArchiveFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.archive.err = errors.New("database down")

	h.ctrl.HandleMessage(context.Background(), userMessage("M1", "C1", "hello"))

	if n := len(h.transport.messages()); n != 1 {
		t.Errorf("expected reply to be delivered, got %d messages", n)
	}
	if len(h.publisher.events) != 1 {
		t.Error("expected turn event despite archive failure")
	}
}

func TestHandler_ParsesForwardedEvent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	handle := h.ctrl.Handler(context.Background())

	handle("swarm.discord.message.created", []byte(`{"t":"MESSAGE_CREATE","d":{"id":"M1","channel_id":"C1","content":"hello","type":0,"author":{"id":"U1"}}}`))
	handle("swarm.discord.message.created", []byte(`garbage`))

	log, ok := h.registry.Lookup("C1")
	if !ok || log.Len() != 3 {
		t.Fatalf("expected one completed turn in C1")
	}
	if n := len(h.transport.messages()); n != 1 {
		t.Errorf("expected 1 outbound message, got %d", n)
	}
}

func TestResetConversation_WaitsForTurnInProgress(t *testing.T) {
	backend := &scriptedBackend{reply: func([]conversation.Message) (string, error) { return "answer", nil }}
	h := newHarness(t, harnessOpts{backend: backend})
	ctx := context.Background()

	h.ctrl.HandleMessage(ctx, userMessage("M1", "C1", "warmup"))
	backend.delay = 100 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ctrl.HandleMessage(ctx, userMessage("M2", "C1", "question"))
	}()

	time.Sleep(30 * time.Millisecond)
	if !h.ctrl.ResetConversation("C1") {
		t.Fatal("expected reset of a known conversation to succeed")
	}
	<-done

	log, _ := h.registry.Lookup("C1")
	snap := log.Snapshot()
	if len(snap) != 1 || snap[0].Role != conversation.RoleSystem {
		t.Fatalf("expected only the system message after reset, got %+v", snap)
	}
	if n := len(h.transport.messages()); n != 2 {
		t.Errorf("expected the in-flight turn to finish before the reset, got %d replies", n)
	}

	h.ctrl.HandleMessage(ctx, userMessage("M3", "C1", "fresh start"))
	snap = log.Snapshot()
	if len(snap) != 3 || snap[1].Content != "fresh start" || snap[2].Content != "answer" {
		t.Errorf("expected a clean turn after reset, got %+v", snap)
	}
}

func TestResetConversation_UnknownKey(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	if h.ctrl.ResetConversation("C404") {
		t.Error("expected reset of an unknown conversation to report false")
	}
	if _, ok := h.registry.Lookup("C404"); ok {
		t.Error("reset must not create a conversation")
	}
}

func TestHandleMessage_OtherBots(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	bot := discord.User{ID: "B2", Username: "helper", Bot: true}

	h.ctrl.HandleMessage(ctx, &discord.MessageEvent{ID: "M1", ChannelID: "C1", Content: "status report", Author: bot})

	log, ok := h.registry.Lookup("C1")
	if !ok || log.Len() != 3 {
		t.Fatal("expected chat from another bot to be relayed")
	}

	h.ctrl.HandleMessage(ctx, &discord.MessageEvent{ID: "M2", ChannelID: "C1", Content: "!reset", Author: bot})

	if log.Len() != 3 {
		t.Errorf("another bot must not reset the conversation, log length %d", log.Len())
	}
	if n := len(h.transport.messages()); n != 1 {
		t.Errorf("expected no reset confirmation, got %d messages", n)
	}
}

func TestHandleMessage_ResetCommandWithWhitespace(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	h.ctrl.HandleMessage(ctx, userMessage("M1", "C1", "hello"))
	h.ctrl.HandleMessage(ctx, userMessage("M2", "C1", "!reset\nthanks"))

	log, _ := h.registry.Lookup("C1")
	if log.Len() != 1 {
		t.Errorf("expected reset, log length %d", log.Len())
	}
}
