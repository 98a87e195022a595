package orchestrator

import (
	"fmt"
	"strings"
)

// SystemContext renders the worker roster injected into the host agent's
// context, bounded by context.systemContextMaxWorkers so a large override
// file cannot flood the host prompt.
func (o *Orchestrator) SystemContext() string {
	profiles, err := o.resolver.ResolveAll()
	if err != nil {
		o.logger.Warn("could not resolve profiles for system context")
		return ""
	}

	max := o.cfg.Context.SystemContextMaxWorkers
	truncated := 0
	if max > 0 && len(profiles) > max {
		truncated = len(profiles) - max
		profiles = profiles[:max]
	}

	var b strings.Builder
	b.WriteString("Available workers (use task_start to delegate):\n")
	for _, p := range profiles {
		fmt.Fprintf(&b, "- %s: %s", p.ID, p.Purpose)
		if p.WhenToUse != "" {
			fmt.Fprintf(&b, " Use for: %s.", strings.TrimSuffix(p.WhenToUse, "."))
		}
		b.WriteString("\n")
	}
	if truncated > 0 {
		fmt.Fprintf(&b, "(%d more workers; run task_list with view=workers for the full roster)\n", truncated)
	}
	return b.String()
}

// clampBytes truncates s to at most max bytes on a rune boundary, appending
// a marker naming how much was dropped. max <= 0 disables clamping.
func clampBytes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s\n... [truncated %d bytes]", s[:cut], len(s)-cut)
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
