package attachment

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Attachment describes a file attached to an inbound chat message.
type Attachment struct {
	ID       string
	Filename string
	Size     int64
	URL      string
}

// Fetcher downloads attachment bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type Ingester struct {
	fetcher     Fetcher
	maxFileSize int64
	maxTextSize int
}

func NewIngester(fetcher Fetcher, maxFileSize int64, maxTextSize int) *Ingester {
	return &Ingester{
		fetcher:     fetcher,
		maxFileSize: maxFileSize,
		maxTextSize: maxTextSize,
	}
}

// Ingest validates and decodes a batch of attachments into one text block.
// Any failure rejects the whole batch. The combined-size check runs after
// every file, so a batch can be rejected even when the final truncation
// would have fit.
func (in *Ingester) Ingest(ctx context.Context, attachments []Attachment) (string, error) {
	var sb strings.Builder
	chars := 0

	for _, a := range attachments {
		if a.Size > in.maxFileSize {
			return "", &FileTooLargeError{Filename: a.Filename, Limit: in.maxFileSize}
		}

		data, err := in.fetcher.Fetch(ctx, a.URL)
		if err != nil {
			return "", fmt.Errorf("fetch attachment %s: %w", a.Filename, err)
		}
		// The declared size comes from the event; the body is what counts.
		if int64(len(data)) > in.maxFileSize {
			return "", &FileTooLargeError{Filename: a.Filename, Limit: in.maxFileSize}
		}
		if !utf8.Valid(data) {
			return "", &NotTextFileError{Filename: a.Filename}
		}

		part := "\n\n" + a.Filename + "\n" + string(data) + "\n"
		sb.WriteString(part)
		chars += utf8.RuneCountInString(part)
		if chars > in.maxTextSize {
			return "", &CombinedTooLargeError{Limit: in.maxTextSize}
		}
	}

	return truncateRunes(sb.String(), in.maxTextSize), nil
}

func truncateRunes(s string, max int) string {
	if max < 0 {
		max = 0
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	i := 0
	for pos := range s {
		if i == max {
			return s[:pos]
		}
		i++
	}
	return s
}
