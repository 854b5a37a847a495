package notify

import (
	"context"
	"fmt"
	"io"
	"os"
)

// ConsoleNotifier writes digests to a writer instead of a chat transport.
// Used by dry runs and local development.
type ConsoleNotifier struct {
	Out io.Writer
}

func NewConsoleNotifier() *ConsoleNotifier {
	return &ConsoleNotifier{Out: os.Stdout}
}

func (c *ConsoleNotifier) Send(_ context.Context, target, message string) error {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	_, err := fmt.Fprintf(out, "--- digest for %s ---\n%s\n", target, message)
	return err
}
