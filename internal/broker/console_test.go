package broker

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stjordanis/superhero-wallet/internal/wire"
)

func consoleRequest() PromptRequest {
	return PromptRequest{Kind: wire.KindConnect}
}

func TestConsolePrompterReadsSequentialAnswers(t *testing.T) {
	t.Parallel()
	c := &ConsolePrompter{In: strings.NewReader("y\nnope\n"), Out: io.Discard}

	if err := c.Prompt(context.Background(), consoleRequest()); err != nil {
		t.Fatalf("first answer: %v, want approval", err)
	}
	if err := c.Prompt(context.Background(), consoleRequest()); !errors.Is(err, ErrUserRejected) {
		t.Fatalf("second answer: %v, want rejection", err)
	}
	// Input exhausted: everything else is a rejection, not a hang.
	if err := c.Prompt(context.Background(), consoleRequest()); !errors.Is(err, ErrUserRejected) {
		t.Fatalf("after EOF: %v, want rejection", err)
	}
}

func TestConsolePrompterAbandonedPromptDoesNotSwallowNextLine(t *testing.T) {
	t.Parallel()
	in, w := io.Pipe()
	defer w.Close()
	c := &ConsolePrompter{In: in, Out: io.Discard}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Prompt(cancelled, consoleRequest()); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled prompt: %v", err)
	}

	// The answer typed for the next question must reach it, not vanish
	// into the abandoned prompt.
	go func() { _, _ = io.WriteString(w, "yes\n") }()
	if err := c.Prompt(context.Background(), consoleRequest()); err != nil {
		t.Fatalf("next prompt: %v, want approval", err)
	}
}
