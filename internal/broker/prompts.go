package broker

import (
	"context"
	"errors"

	"github.com/stjordanis/superhero-wallet/internal/wire"
	"github.com/stjordanis/superhero-wallet/pkg/models"
)

const userRejectedMessage = "Rejected by user"

// ErrUserRejected marks an explicit user denial. Prompters may return
// this error directly or any error carrying the same message.
var ErrUserRejected = errors.New(userRejectedMessage)

// ErrPromptSuperseded denies a prompt that was queued for an identity
// no longer active.
var ErrPromptSuperseded = errors.New("prompt superseded by identity switch")

// PromptRequest is one authorization question for the user.
type PromptRequest struct {
	Kind wire.Kind
	App  models.AppInfo
}

// Prompter surfaces authorization requests to the user and blocks
// until a decision. nil means approved; a rejection carries the
// "Rejected by user" message.
type Prompter interface {
	Prompt(ctx context.Context, req PromptRequest) error
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, req PromptRequest) error

func (f PrompterFunc) Prompt(ctx context.Context, req PromptRequest) error { return f(ctx, req) }

// AutoDenyPrompter rejects everything. It is the fallback when no
// interactive surface is wired.
var AutoDenyPrompter = PrompterFunc(func(context.Context, PromptRequest) error {
	return ErrUserRejected
})

type promptJob struct {
	ctx  context.Context
	req  PromptRequest
	gen  int
	done chan error
}

// runPrompts serializes prompts so the user sees one question at a
// time, in arrival order.
func (b *Broker) runPrompts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-b.promptCh:
			b.servePrompt(job)
		}
	}
}

func (b *Broker) servePrompt(job *promptJob) {
	if job.gen != b.generation() {
		promptsTotal.WithLabelValues("superseded").Inc()
		job.done <- ErrPromptSuperseded
		return
	}
	select {
	case <-job.ctx.Done():
		// Peer went away while queued.
		job.done <- job.ctx.Err()
		return
	default:
	}
	err := b.prompter.Prompt(job.ctx, job.req)
	// The identity can switch while the user is looking at the prompt;
	// an approval for the old identity must not be honored.
	if err == nil && job.gen != b.generation() {
		promptsTotal.WithLabelValues("superseded").Inc()
		err = ErrPromptSuperseded
	}
	job.done <- err
}

// prompt enqueues one question and waits for the answer. ctx ending
// counts as a denial, so a disconnected peer never leaves a prompt
// claiming its slot.
func (b *Broker) prompt(ctx context.Context, req PromptRequest) error {
	job := &promptJob{ctx: ctx, req: req, gen: b.generation(), done: make(chan error, 1)}
	select {
	case b.promptCh <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isLocalDeny reports decisions that end a request without being a
// wallet failure: the user said no, the identity changed under the
// prompt, or the peer abandoned the request.
func isLocalDeny(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUserRejected) || errors.Is(err, ErrPromptSuperseded) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return err.Error() == userRejectedMessage
}

func (b *Broker) generation() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

func (b *Broker) bumpGeneration() {
	b.mu.Lock()
	b.gen++
	b.mu.Unlock()
}
