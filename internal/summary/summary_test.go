package summary

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/internal/branch"
	"github.com/inkwell-ai/inkwell/internal/chatmodel"
	"github.com/inkwell-ai/inkwell/internal/store"

	_ "modernc.org/sqlite"
)

type stubGenerator struct {
	text string
	err  error
	got  []*chatmodel.Message
}

func (g *stubGenerator) Summarize(ctx context.Context, messages []*chatmodel.Message) (string, error) {
	g.got = messages
	return g.text, g.err
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	st, err := store.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedConversation(t *testing.T, st *store.Store, messageCount int) *chatmodel.Conversation {
	t.Helper()
	now := time.Now()
	char := &chatmodel.Character{ID: uuid.NewString(), Name: "Aria", CreatedAt: now, UpdatedAt: now}
	if err := st.InsertCharacter(char); err != nil {
		t.Fatalf("insert character: %v", err)
	}
	conv := &chatmodel.Conversation{ID: uuid.NewString(), CharacterIDs: []string{char.ID}, CreatedAt: now, UpdatedAt: now}
	if err := st.InsertConversation(conv); err != nil {
		t.Fatalf("insert conversation: %v", err)
	}

	parentID := ""
	for i := 0; i < messageCount; i++ {
		idx, err := st.NextBranchIndex(conv.ID, parentID)
		if err != nil {
			t.Fatalf("NextBranchIndex: %v", err)
		}
		m := &chatmodel.Message{
			ID: uuid.NewString(), ConversationID: conv.ID, ParentID: parentID,
			AuthorType: chatmodel.AuthorUser, Content: "turn", BranchIndex: idx,
			IsActiveBranch: true, CreatedAt: now.Add(time.Duration(i) * time.Millisecond), UpdatedAt: now,
		}
		if err := st.InsertMessage(m); err != nil {
			t.Fatalf("insert message: %v", err)
		}
		parentID = m.ID
	}
	if parentID != "" {
		if err := st.SetConversationActiveMessage(conv.ID, parentID); err != nil {
			t.Fatalf("SetConversationActiveMessage: %v", err)
		}
	}
	return conv
}

func TestCompactIfNeededSkipsBelowThreshold(t *testing.T) {
	st := newTestStore(t)
	conv := seedConversation(t, st, 5)
	gen := &stubGenerator{text: "summary"}
	w := New(st, branch.New(st), gen, nil, Config{CompactionThreshold: 40, KeepRecent: 20, Timeout: time.Second})

	w.compactIfNeeded(context.Background(), conv)

	summaries, err := st.ListSummaries(conv.ID)
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(summaries) != 0 {
		t.Fatalf("summaries = %d, want 0 below threshold", len(summaries))
	}
}

func TestCompactIfNeededSummarizesStaleTurns(t *testing.T) {
	st := newTestStore(t)
	conv := seedConversation(t, st, 10)
	gen := &stubGenerator{text: "condensed history"}
	w := New(st, branch.New(st), gen, nil, Config{CompactionThreshold: 5, KeepRecent: 3, Timeout: time.Second})

	w.compactIfNeeded(context.Background(), conv)

	summaries, err := st.ListSummaries(conv.ID)
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("summaries = %d, want 1", len(summaries))
	}
	if summaries[0].Content != "condensed history" {
		t.Fatalf("content = %q, want %q", summaries[0].Content, "condensed history")
	}
	if len(gen.got) != 7 {
		t.Fatalf("messages passed to Summarize = %d, want 7 (10 - keepRecent 3)", len(gen.got))
	}
}

func TestCompactIfNeededOnlySummarizesActivePath(t *testing.T) {
	st := newTestStore(t)
	conv := seedConversation(t, st, 10)

	// An inactive, abandoned branch off the second message: never shown
	// to the user, and must never be folded into the running summary.
	msgs, err := st.ListMessagesByConversation(conv.ID)
	if err != nil {
		t.Fatalf("ListMessagesByConversation: %v", err)
	}
	idx, err := st.NextBranchIndex(conv.ID, msgs[1].ID)
	if err != nil {
		t.Fatalf("NextBranchIndex: %v", err)
	}
	abandoned := &chatmodel.Message{
		ID: uuid.NewString(), ConversationID: conv.ID, ParentID: msgs[1].ID,
		AuthorType: chatmodel.AuthorUser, Content: "never shown to anyone", BranchIndex: idx,
		IsActiveBranch: false, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := st.InsertMessage(abandoned); err != nil {
		t.Fatalf("insert abandoned message: %v", err)
	}

	gen := &stubGenerator{text: "condensed history"}
	w := New(st, branch.New(st), gen, nil, Config{CompactionThreshold: 5, KeepRecent: 3, Timeout: time.Second})

	w.compactIfNeeded(context.Background(), conv)

	for _, m := range gen.got {
		if m.ID == abandoned.ID {
			t.Fatal("summarization must not include messages from an inactive branch")
		}
	}
	if len(gen.got) != 7 {
		t.Fatalf("messages passed to Summarize = %d, want 7 (10 - keepRecent 3) from the active path only", len(gen.got))
	}
}

func TestCompactIfNeededSkipsEmptySummary(t *testing.T) {
	st := newTestStore(t)
	conv := seedConversation(t, st, 10)
	gen := &stubGenerator{text: "   "}
	w := New(st, branch.New(st), gen, nil, Config{CompactionThreshold: 5, KeepRecent: 3, Timeout: time.Second})

	w.compactIfNeeded(context.Background(), conv)

	summaries, err := st.ListSummaries(conv.ID)
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(summaries) != 0 {
		t.Fatalf("summaries = %d, want 0 when generator returns blank text", len(summaries))
	}
}
