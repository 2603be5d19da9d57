package router

import (
	"sort"
	"strings"
	"unicode"

	kit "hundredbot/internal/transport"
)

// sanitizeTelegramCommand converts a name into a Telegram-safe bot command.
// Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	// Clients expect commands to start with a letter.
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = strings.TrimRight(("cmd_" + out)[:min(32, len(out)+4)], "_")
	}
	return out
}

// buildMenuCommands lists public, visible commands in name order.
func buildMenuCommands(cmds []Command) []kit.BotCommand {
	seen := map[string]bool{}
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		if c.Hidden || c.Access == AccessOwnerOnly || c.Handle == nil {
			continue
		}
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		out = append(out, kit.BotCommand{Command: name, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	if len(out) > 100 {
		out = out[:100]
	}
	return out
}

func sortCommands(cmds []Command) {
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
}
