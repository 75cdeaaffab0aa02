package attachment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FileTooLargeError is returned when a single attachment exceeds the
// per-file byte limit.
type FileTooLargeError struct {
	Filename string
	Limit    int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("attachment %s exceeds %d bytes", e.Filename, e.Limit)
}

func (e *FileTooLargeError) UserMessage() string {
	return fmt.Sprintf("The file %s is too large. Please send files smaller than %s MB.", e.Filename, formatMiB(e.Limit))
}

// NotTextFileError is returned when an attachment is not valid UTF-8.
type NotTextFileError struct {
	Filename string
}

func (e *NotTextFileError) Error() string {
	return fmt.Sprintf("attachment %s is not utf-8 text", e.Filename)
}

func (e *NotTextFileError) UserMessage() string {
	return fmt.Sprintf("The file %s is not a valid text file.", e.Filename)
}

// CombinedTooLargeError is returned when the accumulated text of a batch
// exceeds the character limit.
type CombinedTooLargeError struct {
	Limit int
}

func (e *CombinedTooLargeError) Error() string {
	return fmt.Sprintf("combined attachments exceed %d characters", e.Limit)
}

func (e *CombinedTooLargeError) UserMessage() string {
	return fmt.Sprintf("The combined files are too large. Please send text files with a combined size of less than %d characters.", e.Limit)
}

type userFacing interface {
	UserMessage() string
}

// UserMessage returns the channel-facing diagnostic for a rejected batch.
// ok is false for errors that should only be logged.
func UserMessage(err error) (string, bool) {
	var uf userFacing
	if errors.As(err, &uf) {
		return uf.UserMessage(), true
	}
	return "", false
}

// formatMiB renders a byte count in MiB the way users have always seen it,
// e.g. 2097152 → "2.0" and 1572864 → "1.5".
func formatMiB(n int64) string {
	s := strconv.FormatFloat(float64(n)/(1024*1024), 'f', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}
