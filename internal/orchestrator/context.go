package orchestrator

import (
	"fmt"
	"strings"

	"workspace-assistant/internal/contextpack"
	"workspace-assistant/internal/models"
	"workspace-assistant/internal/provider"
)

const (
	commandPrompt = `You are a workplace assistant acting for one user. Use the tools to carry out
the user's request. Every mutating tool is checked against the user's autonomy
policy; report what happened plainly.`

	proactivePrompt = `A message arrived for the user you assist. Read context first, then choose the
least intrusive tool that fits: log it, brief the user, or (only when offered)
reply on their behalf.`
)

// renderContext flattens a pack into the prompt's relevant-context block.
func renderContext(p contextpack.Pack) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User: %s (%s)\n", p.User.Name, p.User.ID)
	if len(p.Users) > 0 {
		names := make([]string, 0, len(p.Users))
		for _, u := range p.Users {
			names = append(names, fmt.Sprintf("%s (%s)", u.Name, u.ID))
		}
		fmt.Fprintf(&b, "People: %s\n", strings.Join(names, ", "))
	}
	if len(p.Channels) > 0 {
		slugs := make([]string, 0, len(p.Channels))
		for _, c := range p.Channels {
			slugs = append(slugs, "#"+c.Slug)
		}
		fmt.Fprintf(&b, "Channels: %s\n", strings.Join(slugs, ", "))
	}
	if len(p.Messages) > 0 {
		b.WriteString("Recent messages:\n")
		for i := len(p.Messages) - 1; i >= 0; i-- {
			m := p.Messages[i]
			sender := m.SenderID
			if u, ok := p.UserByID(m.SenderID); ok {
				sender = u.Name
			}
			fmt.Fprintf(&b, "- %s: %s\n", sender, clip(m.Body, 200))
		}
	}
	if len(p.Tasks) > 0 {
		b.WriteString("Tasks:\n")
		for _, t := range p.Tasks {
			fmt.Fprintf(&b, "- %s (%s)\n", t.Title, statusLabel(t.Status))
		}
	}
	if len(p.CalendarEvents) > 0 {
		b.WriteString("Calendar:\n")
		for _, ev := range p.CalendarEvents {
			fmt.Fprintf(&b, "- %s, %s\n", ev.Title, when(ev.StartAt, ev.EndAt))
		}
	}
	if len(p.FilePaths) > 0 {
		fmt.Fprintf(&b, "Files: %s\n", strings.Join(p.FilePaths, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// history keeps the user's private thread, minus notes, oldest first.
func history(turns []models.ChatTurn) []provider.HistoryEntry {
	out := make([]provider.HistoryEntry, 0, len(turns))
	for _, t := range turns {
		if t.Role == models.ChatRoleNote {
			continue
		}
		out = append(out, provider.HistoryEntry{Role: t.Role, Content: t.Content})
	}
	return out
}
