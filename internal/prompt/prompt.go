// Package prompt implements the Prompt Assembler (spec §4.2): tiered
// token budgeting across system prompt, examples, summaries, vector
// memory, lorebook entries, and recent history.
package prompt

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/chatmodel"
)

// TokenCounter estimates the token length of a string.
type TokenCounter func(string) int

// HeuristicTokenCounter is the ⌈chars/4⌉ counter Assemble uses when
// Input.Count is nil.
func HeuristicTokenCounter(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// Section labels one segment of the assembled prompt for the debug
// dump capability, tagging which tier produced it and its token cost.
type Section struct {
	Tier   int
	Name   string
	Text   string
	Tokens int
}

// Prompt is the assembler's output: ordered text ready to hand the
// sidecar, plus the accounting used for the debug dump and for
// PromptTooLong detection.
type Prompt struct {
	Text        string
	TotalTokens int
	Truncated   bool
}

// Input bundles everything the assembler needs for one assembly pass.
type Input struct {
	Conversation    *chatmodel.Conversation
	Character       *chatmodel.Character // the currently responding character
	Persona         *chatmodel.Persona   // nil means no persona attached
	ActivePath      []*chatmodel.Message // root-to-leaf, from Branch Manager
	LorebookHits    map[chatmodel.InsertionPosition][]chatmodel.LorebookEntry
	Summaries       []string
	Memories        []string
	Settings        chatmodel.Settings
	Count           TokenCounter
}

// Assemble builds the prompt per spec §4.2. When debug is true, it
// also returns the per-tier Section breakdown for the debug dump
// capability; otherwise sections is nil (skip the extra allocation on
// the hot path).
func Assemble(in Input, debug bool) (Prompt, []Section, error) {
	if in.Count == nil {
		in.Count = HeuristicTokenCounter
	}

	budget := in.Settings.GenerationContextSize - in.Settings.GenerationResponseReserve
	if budget <= 0 {
		return Prompt{}, nil, apperr.PromptTooLong("context_size %d leaves no room after response_reserve %d",
			in.Settings.GenerationContextSize, in.Settings.GenerationResponseReserve)
	}
	remaining := budget

	userName := "You"
	if in.Persona != nil && in.Persona.Name != "" {
		userName = in.Persona.Name
	}
	charName := ""
	if in.Character != nil {
		charName = in.Character.Name
	}
	substitute := func(s string) string { return substituteTemplate(s, userName, charName) }

	var sections []Section
	var parts []string
	truncated := false

	add := func(tier int, name, text string) bool {
		text = strings.TrimSpace(text)
		if text == "" {
			return true
		}
		cost := in.Count(text)
		if cost > remaining {
			return false
		}
		remaining -= cost
		parts = append(parts, text)
		if debug {
			sections = append(sections, Section{Tier: tier, Name: name, Text: text, Tokens: cost})
		}
		return true
	}

	// Tier 0: system prompt.
	add(0, "system", substitute(systemPrompt(in.Character, in.Persona)))

	// Tier 1: example dialogues.
	if in.Character != nil && in.Character.ExampleDialogues != "" {
		budgetTier := min(remaining, in.Settings.GenerationExampleBudget)
		fitTierText(substitute(flattenMarkdown(in.Character.ExampleDialogues)), budgetTier, in.Count,
			func(t string, cost int) {
				remaining -= cost
				parts = append(parts, t)
				if debug {
					sections = append(sections, Section{Tier: 1, Name: "examples", Text: t, Tokens: cost})
				}
			})
	}

	// Tier 2: running summaries.
	if len(in.Summaries) > 0 {
		budgetTier := min(remaining, in.Settings.GenerationSummaryBudget)
		fitTierText(strings.Join(in.Summaries, "\n\n"), budgetTier, in.Count, func(t string, cost int) {
			remaining -= cost
			parts = append(parts, t)
			if debug {
				sections = append(sections, Section{Tier: 2, Name: "summaries", Text: t, Tokens: cost})
			}
		})
	}

	// Tier 3: vector memories.
	if len(in.Memories) > 0 {
		budgetTier := min(remaining, in.Settings.GenerationMemoryBudget)
		fitTierText(strings.Join(in.Memories, "\n\n"), budgetTier, in.Count, func(t string, cost int) {
			remaining -= cost
			parts = append(parts, t)
			if debug {
				sections = append(sections, Section{Tier: 3, Name: "memory", Text: t, Tokens: cost})
			}
		})
	}

	// Tier 4: lorebook entries, grouped by insertion_position. Entries
	// were already budget-admitted by internal/lorebook against
	// lorebook_budget; here we only guard the overall remaining budget.
	for _, pos := range []chatmodel.InsertionPosition{
		chatmodel.PositionBeforeSystem, chatmodel.PositionAfterSystem, chatmodel.PositionBeforeHistory,
	} {
		for _, e := range in.LorebookHits[pos] {
			add(4, "lorebook:"+string(pos), substitute(e.Content))
		}
	}

	// Tier 5: recent history, newest-first accumulation then reversed.
	historyParts, historyTruncated := assembleHistory(in.ActivePath, remaining, in.Count, substitute)
	if len(historyParts) == 0 && len(in.ActivePath) > 0 {
		return Prompt{}, nil, apperr.PromptTooLong("newest message alone exceeds remaining budget of %d tokens", remaining)
	}
	truncated = historyTruncated
	for _, h := range historyParts {
		cost := in.Count(h)
		remaining -= cost
		parts = append(parts, h)
		if debug {
			sections = append(sections, Section{Tier: 5, Name: "history", Text: h, Tokens: cost})
		}
	}

	text := strings.Join(parts, "\n\n")
	return Prompt{Text: text, TotalTokens: budget - remaining, Truncated: truncated}, sections, nil
}

func systemPrompt(c *chatmodel.Character, p *chatmodel.Persona) string {
	if c == nil {
		return ""
	}
	if c.SystemPrompt != "" {
		return appendPersonaSuffix(c.SystemPrompt, p)
	}
	var b strings.Builder
	writeField := func(label, v string) {
		if v == "" {
			return
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(flattenMarkdown(v))
		b.WriteString("\n")
	}
	writeField("Description", c.Description)
	writeField("Personality", c.Personality)
	writeField("Scenario", c.Scenario)
	writeField("Speech patterns", c.SpeechPatterns)
	writeField("Physical traits", c.PhysicalTraits)
	return appendPersonaSuffix(b.String(), p)
}

func appendPersonaSuffix(s string, p *chatmodel.Persona) string {
	if p == nil || p.Description == "" {
		return s
	}
	return strings.TrimSpace(s) + "\n\nYou are talking to " + p.Name + ": " + p.Description
}

// fitTierText truncates text to fit within budget tokens (by
// paragraph, from the start) before invoking emit, so earlier tiers'
// unused tokens are never redistributed to it (predictability over
// density, per spec).
func fitTierText(text string, budget int, count TokenCounter, emit func(string, int)) {
	if budget <= 0 || text == "" {
		return
	}
	if count(text) <= budget {
		emit(text, count(text))
		return
	}
	paras := strings.Split(text, "\n\n")
	var kept []string
	used := 0
	for _, p := range paras {
		cost := count(p)
		if used+cost > budget {
			break
		}
		kept = append(kept, p)
		used += cost
	}
	if len(kept) == 0 {
		return
	}
	emit(strings.Join(kept, "\n\n"), used)
}

// assembleHistory walks the active path from the newest message
// backward, accumulating token_count until the next message would
// overflow remaining, per the History inclusion rule. The newest user
// message is always force-included, truncated from the middle if
// necessary, which is reported via truncated.
func assembleHistory(path []*chatmodel.Message, remaining int, count TokenCounter, substitute func(string) string) (lines []string, truncated bool) {
	if len(path) == 0 {
		return nil, false
	}
	var included []*chatmodel.Message
	used := 0
	for i := len(path) - 1; i >= 0; i-- {
		m := path[i]
		cost := m.TokenCount
		if cost == 0 {
			cost = count(m.Content)
		}
		if used+cost > remaining {
			if len(included) == 0 {
				// Force-include the newest message, truncated from the middle.
				truncatedContent := truncateMiddle(m.Content, remaining, count)
				included = append(included, &chatmodel.Message{
					AuthorType: m.AuthorType, AuthorID: m.AuthorID, Content: truncatedContent,
				})
				truncated = true
			}
			break
		}
		included = append(included, m)
		used += cost
	}
	// included is newest-first; reverse to chronological order.
	for i := len(included) - 1; i >= 0; i-- {
		m := included[i]
		label := substitute(roleLabel(m))
		lines = append(lines, label+": "+substitute(m.Content))
	}
	return lines, truncated
}

func roleLabel(m *chatmodel.Message) string {
	switch m.AuthorType {
	case chatmodel.AuthorUser:
		return "{{user}}"
	case chatmodel.AuthorSystem:
		return "System"
	default:
		return "{{char}}"
	}
}

func truncateMiddle(s string, budget int, count TokenCounter) string {
	if budget <= 0 {
		return ""
	}
	for count(s) > budget && len(s) > 1 {
		mid := len(s) / 2
		cut := len(s) / 8
		if cut < 1 {
			cut = 1
		}
		lo, hi := mid-cut, mid+cut
		if lo < 0 {
			lo = 0
		}
		if hi > len(s) {
			hi = len(s)
		}
		s = s[:lo] + "…" + s[hi:]
	}
	return s
}

func substituteTemplate(s, userName, charName string) string {
	s = strings.ReplaceAll(s, "{{user}}", userName)
	s = strings.ReplaceAll(s, "{{char}}", charName)
	return s
}

// flattenMarkdown strips markdown formatting down to plain prompt
// text by walking the parsed AST and concatenating text-node segments,
// the same parse-then-walk idiom the teacher uses for markdown→HTML
// conversion, adapted here to render plain text instead of HTML.
func flattenMarkdown(src string) string {
	if src == "" {
		return ""
	}
	source := []byte(src)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	var buf bytes.Buffer
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			switch n.Kind() {
			case ast.KindParagraph, ast.KindHeading, ast.KindListItem:
				buf.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		if t, ok := n.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(buf.String())
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
