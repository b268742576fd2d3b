package cerberus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/Wikid82/netgate/internal/logger"
	"github.com/Wikid82/netgate/internal/models"
	"github.com/Wikid82/netgate/internal/services"
	"github.com/Wikid82/netgate/internal/util"
)

// Prompter asks an operator what to do with a pending request.
type Prompter interface {
	Ask(ctx context.Context, entry models.PendingEntry) (models.Action, error)
}

// TerminalPrompter asks on the controlling terminal.
type TerminalPrompter struct{}

// Ask shows a single-choice form listing the six actions.
func (TerminalPrompter) Ask(ctx context.Context, entry models.PendingEntry) (models.Action, error) {
	var choice string
	options := make([]huh.Option[string], 0, len(models.AllActions))
	for _, a := range models.AllActions {
		options = append(options, huh.NewOption(actionLabel(a, entry), a.String()))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("%s %s", entry.Method, util.SanitizeForLog(entry.URL))).
				Description(fmt.Sprintf("Outbound request pending (expires %s)", entry.ExpiresAt.Local().Format(time.Kitchen))).
				Options(options...).
				Value(&choice),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return models.Action{}, err
	}
	return models.ParseAction(choice)
}

func actionLabel(a models.Action, entry models.PendingEntry) string {
	verb := "Allow"
	if !a.Allowed() {
		verb = "Deny"
	}
	switch a.Scope {
	case models.ScopeURL:
		return verb + " this URL from now on"
	case models.ScopeDomain:
		return verb + " " + entry.Host + " from now on"
	default:
		return verb + " once"
	}
}

// RunPrompter answers pending entries with p, one at a time, until ctx is
// done. Entries resolved elsewhere while waiting in line are skipped.
func (c *Cerberus) RunPrompter(ctx context.Context, p Prompter) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-c.prompts:
			if _, ok := c.pending.Get(entry.ID); !ok {
				continue
			}
			c.ask(ctx, p, entry)
		}
	}
}

func (c *Cerberus) ask(ctx context.Context, p Prompter, entry models.PendingEntry) {
	askCtx, cancel := context.WithDeadline(ctx, entry.ExpiresAt)
	defer cancel()

	action, err := p.Ask(askCtx, entry)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			logger.Log().WithError(err).WithField("pending_id", entry.ID).Warn("interactive prompt failed")
		}
		return
	}
	if _, err := c.Resolve(entry.ID, action); err != nil && !errors.Is(err, services.ErrPendingNotFound) {
		logger.Log().WithError(err).WithField("pending_id", entry.ID).Error("failed to apply prompt answer")
	}
}

// EnablePrompts makes new pending entries available to RunPrompter.
func (c *Cerberus) EnablePrompts() {
	size := c.cfg.MaxPending
	if size <= 0 {
		size = 100
	}
	c.prompts = make(chan models.PendingEntry, size)
}

func (c *Cerberus) offerPrompt(entry models.PendingEntry) {
	if c.prompts == nil {
		return
	}
	select {
	case c.prompts <- entry:
	default:
		logger.Log().WithField("pending_id", entry.ID).Warn("prompt backlog full; request stays pending")
	}
}
