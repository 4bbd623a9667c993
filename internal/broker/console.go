package broker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ConsolePrompter asks on a terminal. Answers other than "y"/"yes"
// reject the request. One reader goroutine owns the input stream for
// the prompter's lifetime, so a prompt abandoned mid-read does not
// leak a reader or swallow the line typed for the next prompt.
type ConsolePrompter struct {
	In  io.Reader
	Out io.Writer

	once  sync.Once
	lines chan string
}

func (c *ConsolePrompter) readLoop() {
	c.lines = make(chan string)
	go func() {
		sc := bufio.NewScanner(c.In)
		for sc.Scan() {
			c.lines <- sc.Text()
		}
		close(c.lines)
	}()
}

func (c *ConsolePrompter) Prompt(ctx context.Context, req PromptRequest) error {
	c.once.Do(c.readLoop)
	fmt.Fprintf(c.Out, "%s://%s (%q) requests %s. Allow? [y/N] ", req.App.Protocol, req.App.Host, req.App.Name, req.Kind)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case line, ok := <-c.lines:
		if !ok {
			// Input closed; nobody can approve anything anymore.
			return ErrUserRejected
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return nil
		default:
			return ErrUserRejected
		}
	}
}
