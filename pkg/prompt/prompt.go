// Package prompt abstracts the human operator behind ask and output
// actions. The engine blocks on these calls in normal mode; autonomous
// mode never reaches them.
package prompt

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// Prompter collects operator input for ask actions and approval for
// output artifacts.
type Prompter interface {
	// Ask surfaces a resolved prompt and blocks for the operator's
	// response.
	Ask(ctx context.Context, question string) (string, error)

	// Approve presents a generated artifact and blocks for an
	// approve/reject decision.
	Approve(ctx context.Context, artifact string) (bool, error)
}

// Console prompts interactively on the terminal via readline.
type Console struct {
	rl *readline.Instance
}

// NewConsole opens a readline instance for interactive prompting.
func NewConsole() (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return nil, fmt.Errorf("init readline: %w", err)
	}
	return &Console{rl: rl}, nil
}

// Close releases the terminal.
func (c *Console) Close() error { return c.rl.Close() }

func (c *Console) Ask(ctx context.Context, question string) (string, error) {
	fmt.Printf("\n❓ %s\n", question)
	line, err := c.readLine(ctx)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (c *Console) Approve(ctx context.Context, artifact string) (bool, error) {
	fmt.Printf("\n📄 Output requires approval:\n%s\n", artifact)
	c.rl.SetPrompt("approve? (y/n) ")
	defer c.rl.SetPrompt("> ")
	line, err := c.readLine(ctx)
	if err != nil {
		return false, fmt.Errorf("read approval: %w", err)
	}
	answer := strings.TrimSpace(strings.ToLower(line))
	return answer == "y" || answer == "yes", nil
}

// readLine runs the blocking readline call on a goroutine so an
// expired context abandons the wait instead of hanging the engine.
func (c *Console) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt {
			err = io.EOF
		}
		ch <- result{line, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}

// Auto answers every prompt without asking: empty responses, approvals
// granted. Useful for non-interactive callers that still run in normal
// mode.
type Auto struct{}

func (Auto) Ask(context.Context, string) (string, error)   { return "", nil }
func (Auto) Approve(context.Context, string) (bool, error) { return true, nil }
