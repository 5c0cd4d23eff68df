package serverutils

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// SetSSEHeaders prepares a response for server-sent events: no caching,
// keep-alive, and no intermediary buffering.
func SetSSEHeaders(ctx *fiber.Ctx) {
	ctx.Set(fiber.HeaderContentType, "text/event-stream")
	ctx.Set(fiber.HeaderCacheControl, "no-cache")
	ctx.Set(fiber.HeaderConnection, "keep-alive")
	ctx.Set("X-Accel-Buffering", "no")
}

// SSEWriter frames events onto a streaming response body. A write or flush
// error means the client went away; callers stop the stream on it.
type SSEWriter struct {
	w *bufio.Writer
}

func NewSSEWriter(w *bufio.Writer) *SSEWriter {
	return &SSEWriter{w: w}
}

// WriteData emits one fragment as a data event. Every line of a multi-line
// fragment gets its own "data: " prefix; the event ends with a blank line.
func (s *SSEWriter) WriteData(fragment string) error {
	for _, line := range strings.Split(fragment, "\n") {
		if _, err := fmt.Fprintf(s.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	return s.w.Flush()
}

// WriteDone emits the terminal completion event.
func (s *SSEWriter) WriteDone() error {
	if _, err := fmt.Fprint(s.w, "event: done\ndata: ok\n\n"); err != nil {
		return err
	}
	return s.w.Flush()
}

// WriteError emits the terminal failure event carrying the message.
func (s *SSEWriter) WriteError(message string) error {
	message = strings.ReplaceAll(message, "\n", " ")
	if _, err := fmt.Fprintf(s.w, "event: error\ndata: %s\n\n", message); err != nil {
		return err
	}
	return s.w.Flush()
}
