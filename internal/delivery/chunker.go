package delivery

import (
	"context"
	"fmt"
	"unicode/utf8"
)

// DefaultChunkSize matches Discord's message length ceiling.
const DefaultChunkSize = 2000

// Poster delivers one message to a channel. replyTo is empty when the
// message should not reference another one.
type Poster interface {
	SendMessage(ctx context.Context, channelID, content, replyTo string) (string, error)
}

// Split breaks text into consecutive chunks of at most size characters.
// Empty text yields no chunks.
func Split(text string, size int) []string {
	if size < 1 {
		size = DefaultChunkSize
	}
	if text == "" {
		return nil
	}

	chunks := make([]string, 0, (utf8.RuneCountInString(text)+size-1)/size)
	start, n := 0, 0
	for pos := range text {
		if n == size {
			chunks = append(chunks, text[start:pos])
			start, n = pos, 0
		}
		n++
	}
	chunks = append(chunks, text[start:])
	return chunks
}

type Sender struct {
	poster    Poster
	chunkSize int
}

func NewSender(poster Poster, chunkSize int) *Sender {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}
	return &Sender{poster: poster, chunkSize: chunkSize}
}

// Send posts text in order, one chunk at a time, waiting for each post to
// finish before the next. Only the first chunk references replyTo.
// It returns the number of chunks delivered.
func (s *Sender) Send(ctx context.Context, channelID, text, replyTo string) (int, error) {
	chunks := Split(text, s.chunkSize)
	for i, chunk := range chunks {
		ref := ""
		if i == 0 {
			ref = replyTo
		}
		if _, err := s.poster.SendMessage(ctx, channelID, chunk, ref); err != nil {
			return i, fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return len(chunks), nil
}
