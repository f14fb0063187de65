package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kairon-os/kairon/internal/ledger"
	"github.com/kairon-os/kairon/internal/query"
)

const commandHelp = `Commands:
  confirm <id>    confirm a pending record
  reject <id>     reject a record
  recent [type]   list recent records (activity, note, todo)
  help            show this message`

// runCommand executes a "::" command synchronously. Commands change or read
// projections directly and record no trace.
func (p *Pipeline) runCommand(ctx context.Context, run Run, text string) (Run, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return run.withReply(commandHelp), nil
	}
	name, args := strings.ToLower(fields[0]), fields[1:]
	switch name {
	case "confirm", "reject":
		if len(args) != 1 {
			return run.withReply(fmt.Sprintf("usage: %s <id>", name)), nil
		}
		var (
			proj ledger.Projection
			err  error
		)
		if name == "confirm" {
			proj, err = p.ledger.Confirm(ctx, args[0])
		} else {
			proj, err = p.ledger.Reject(ctx, args[0])
		}
		if reply, ok := commandConflict(err, args[0]); ok {
			return run.withReply(reply), nil
		}
		if err != nil {
			return run, err
		}
		return run.withAffected(proj.ID).withReply(fmt.Sprintf("%s %s is now %s.", proj.ProjectionType, proj.ID, proj.Status)), nil
	case "recent":
		projectionType := ""
		if len(args) > 0 {
			projectionType = strings.ToLower(args[0])
		}
		res, err := p.gateway.One(ctx, query.CurrentProjections, map[string]any{"projection_type": projectionType, "limit": 10})
		if err != nil {
			return run, err
		}
		projs, err := res.Projections()
		if err != nil {
			return run, err
		}
		if len(projs) == 0 {
			return run.withReply("No records yet."), nil
		}
		lines := make([]string, 0, len(projs))
		for _, pr := range projs {
			lines = append(lines, describe(pr))
		}
		return run.withReply(strings.Join(lines, "\n")), nil
	case "help":
		return run.withReply(commandHelp), nil
	default:
		return run.withReply(fmt.Sprintf("Unknown command %q.\n%s", name, commandHelp)), nil
	}
}

// commandConflict turns lifecycle errors the user can act on into replies.
func commandConflict(err error, id string) (string, bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, ledger.ErrNotFound):
		return fmt.Sprintf("No record with id %s.", id), true
	case errors.Is(err, ledger.ErrAlreadyVoided):
		return fmt.Sprintf("Record %s was already removed.", id), true
	case errors.Is(err, ledger.ErrInvalidTransition), errors.Is(err, ledger.ErrAlreadySuperseded):
		return fmt.Sprintf("Record %s cannot be changed: %v", id, err), true
	}
	return "", false
}

// describe renders a projection as one line for replies and summaries.
func describe(p ledger.Projection) string {
	var text string
	switch d := p.Data.(type) {
	case ledger.Activity:
		text = d.Description
	case ledger.Note:
		text = firstNonEmpty(d.Title, d.Text)
	case ledger.Todo:
		text = d.Description
	case ledger.ThreadExtraction:
		text = d.Summary
	case ledger.AssistantMessage:
		text = d.Text
	default:
		text = p.ProjectionType
	}
	if p.Category != "" {
		return fmt.Sprintf("[%s/%s] %s (%s)", p.ProjectionType, p.Category, text, p.ID)
	}
	return fmt.Sprintf("[%s] %s (%s)", p.ProjectionType, text, p.ID)
}
