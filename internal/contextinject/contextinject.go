// Package contextinject implements the context builder (component H): it
// assembles a token-budgeted Markdown block of relevant project memories
// for injection into an agent's prompt.
package contextinject

import (
	"fmt"
	"strings"

	"github.com/opencodemem/opencodemem/internal/store"
)

// Options configures one Build call.
type Options struct {
	Project        string
	MaxTokens      int
	MaxMemories    int
	ExcludeSession string
	MaxAgeDays     int
}

// Result is the context builder's output.
type Result struct {
	// Context is nil when no memories qualified.
	Context       *string
	Count         int
	TokenEstimate int
}

// Build queries memories for a project and assembles them into a
// token-budgeted Markdown section.
func Build(st *store.Store, opts Options) (*Result, error) {
	memories, err := st.ListMemories(store.MemoryFilter{
		Project:          opts.Project,
		ExcludeSessionID: opts.ExcludeSession,
		MaxAgeDays:       opts.MaxAgeDays,
		Limit:            opts.MaxMemories,
	})
	if err != nil {
		return nil, fmt.Errorf("contextinject: list memories: %w", err)
	}

	var lines []string
	consumed := 0
	count := 0

	for _, m := range memories {
		text := memoryText(m)
		itemTokens := estimateTokens(text)
		if consumed+itemTokens > opts.MaxTokens {
			break
		}
		lines = append(lines, fmt.Sprintf("[#%s] %s", m.ID, text))
		consumed += itemTokens
		count++
	}

	if len(lines) == 0 {
		return &Result{Count: 0, TokenEstimate: 0}, nil
	}

	var b strings.Builder
	b.WriteString("## Relevant Project Context\n\n")
	for _, line := range lines {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("\n_%d memories, ~%d tokens_\n", count, consumed))

	out := b.String()
	return &Result{Context: &out, Count: count, TokenEstimate: consumed}, nil
}

// memoryText is the text a memory contributes: its summary, or the first
// 200 characters of content when no summary was written.
func memoryText(m store.Memory) string {
	if m.Summary != "" {
		return m.Summary
	}
	runes := []rune(m.Content)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return m.Content
}

// estimateTokens is ceil(len/4), a fixed character-per-token estimate.
func estimateTokens(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}
