package prompt

import (
	"strings"
	"testing"

	"github.com/inkwell-ai/inkwell/internal/chatmodel"
)

func charCountCounter(s string) int { return len(s) }

func baseSettings() chatmodel.Settings {
	return chatmodel.Settings{
		GenerationContextSize:     1000,
		GenerationResponseReserve: 100,
		GenerationExampleBudget:   1000,
		GenerationSummaryBudget:   1000,
		GenerationMemoryBudget:    1000,
		GenerationLorebookBudget:  1000,
	}
}

func TestAssembleSubstitutesUserAndCharPlaceholders(t *testing.T) {
	in := Input{
		Character: &chatmodel.Character{Name: "Aria", SystemPrompt: "{{char}} greets {{user}}."},
		Persona:   &chatmodel.Persona{Name: "Sam"},
		Settings:  baseSettings(),
		Count:     charCountCounter,
	}
	out, _, err := Assemble(in, false)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(out.Text, "Aria greets Sam.") {
		t.Fatalf("text = %q, want substituted placeholders", out.Text)
	}
}

func TestAssembleErrorsWhenNoRoomAfterReserve(t *testing.T) {
	settings := baseSettings()
	settings.GenerationContextSize = 100
	settings.GenerationResponseReserve = 100
	_, _, err := Assemble(Input{Settings: settings, Count: charCountCounter}, false)
	if err == nil {
		t.Fatal("expected PromptTooLong error when reserve consumes the whole context")
	}
}

func TestAssembleForceIncludesNewestMessageWhenOverBudget(t *testing.T) {
	settings := baseSettings()
	settings.GenerationContextSize = 130
	settings.GenerationResponseReserve = 100 // budget = 30, barely fits one short message

	path := []*chatmodel.Message{
		{AuthorType: chatmodel.AuthorUser, Content: strings.Repeat("x", 500)},
	}
	in := Input{Settings: settings, ActivePath: path, Count: charCountCounter}
	out, _, err := Assemble(in, false)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !out.Truncated {
		t.Fatal("expected Truncated=true when newest message is force-included over budget")
	}
	if !strings.Contains(out.Text, "…") {
		t.Fatalf("text = %q, want a middle-truncation ellipsis", out.Text)
	}
}

func TestAssembleResolvesHistoryRoleLabels(t *testing.T) {
	in := Input{
		Character:  &chatmodel.Character{Name: "Aria"},
		Persona:    &chatmodel.Persona{Name: "Sam"},
		ActivePath: []*chatmodel.Message{{AuthorType: chatmodel.AuthorUser, Content: "hi"}},
		Settings:   baseSettings(),
		Count:      charCountCounter,
	}
	out, _, err := Assemble(in, false)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(out.Text, "Sam: hi") {
		t.Fatalf("text = %q, want history role label resolved to persona name", out.Text)
	}
	if strings.Contains(out.Text, "{{user}}") {
		t.Fatalf("text = %q, want no unresolved {{user}} placeholder", out.Text)
	}
}

func TestAssembleOrdersHistoryChronologically(t *testing.T) {
	path := []*chatmodel.Message{
		{AuthorType: chatmodel.AuthorUser, Content: "first"},
		{AuthorType: chatmodel.AuthorCharacter, Content: "second"},
		{AuthorType: chatmodel.AuthorUser, Content: "third"},
	}
	in := Input{Settings: baseSettings(), ActivePath: path, Count: charCountCounter}
	out, _, err := Assemble(in, false)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	firstIdx := strings.Index(out.Text, "first")
	secondIdx := strings.Index(out.Text, "second")
	thirdIdx := strings.Index(out.Text, "third")
	if !(firstIdx < secondIdx && secondIdx < thirdIdx) {
		t.Fatalf("history not chronological in %q", out.Text)
	}
}

func TestAssembleDebugReturnsTieredSections(t *testing.T) {
	in := Input{
		Character: &chatmodel.Character{Name: "Aria", Description: "a knight"},
		Settings:  baseSettings(),
		Count:     charCountCounter,
	}
	_, sections, err := Assemble(in, true)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(sections) == 0 {
		t.Fatal("expected at least one debug section")
	}
	if sections[0].Tier != 0 || sections[0].Name != "system" {
		t.Fatalf("sections[0] = %+v, want tier 0 system prompt", sections[0])
	}
}

func TestAssembleSkipsSectionsWithoutDebug(t *testing.T) {
	in := Input{
		Character: &chatmodel.Character{Name: "Aria", Description: "a knight"},
		Settings:  baseSettings(),
		Count:     charCountCounter,
	}
	_, sections, err := Assemble(in, false)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if sections != nil {
		t.Fatalf("sections = %v, want nil when debug is false", sections)
	}
}

func TestAssembleOrdersLorebookTiersBeforeAfterSystemThenHistory(t *testing.T) {
	in := Input{
		Character: &chatmodel.Character{Name: "Aria", SystemPrompt: "SYS"},
		LorebookHits: map[chatmodel.InsertionPosition][]chatmodel.LorebookEntry{
			chatmodel.PositionBeforeSystem:  {{Content: "BEFORE_SYS"}},
			chatmodel.PositionAfterSystem:   {{Content: "AFTER_SYS"}},
			chatmodel.PositionBeforeHistory: {{Content: "BEFORE_HIST"}},
		},
		ActivePath: []*chatmodel.Message{{AuthorType: chatmodel.AuthorUser, Content: "hello"}},
		Settings:   baseSettings(),
		Count:      charCountCounter,
	}
	out, _, err := Assemble(in, false)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	beforeSys := strings.Index(out.Text, "BEFORE_SYS")
	afterSys := strings.Index(out.Text, "AFTER_SYS")
	beforeHist := strings.Index(out.Text, "BEFORE_HIST")
	hello := strings.Index(out.Text, "hello")
	if !(beforeSys < afterSys && afterSys < beforeHist && beforeHist < hello) {
		t.Fatalf("lorebook/history ordering wrong in %q", out.Text)
	}
}

func TestHeuristicTokenCounter(t *testing.T) {
	if got := HeuristicTokenCounter(""); got != 0 {
		t.Fatalf("HeuristicTokenCounter(\"\") = %d, want 0", got)
	}
	if got := HeuristicTokenCounter("abcd"); got != 1 {
		t.Fatalf("HeuristicTokenCounter(\"abcd\") = %d, want 1", got)
	}
}

func TestFitTierTextDropsParagraphsOverBudget(t *testing.T) {
	var got string
	var gotCost int
	fitTierText("short one\n\nway too long to fit the remaining budget here", 10, charCountCounter, func(text string, cost int) {
		got = text
		gotCost = cost
	})
	if got != "short one" {
		t.Fatalf("got %q, want only the first paragraph kept", got)
	}
	if gotCost != len("short one") {
		t.Fatalf("cost = %d, want %d", gotCost, len("short one"))
	}
}
