// Package chatengine implements the Chat Engine (spec §4.4): the
// orchestrator that turns send/regenerate/edit/stop commands into
// branch mutations, assembled prompts, sidecar generations, and
// streamed chat:* events, while keeping per-conversation operations
// serialized against a request-scoped logger the way the teacher's
// internal/agent.Loop serializes and logs a request.
package chatengine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/branch"
	"github.com/inkwell-ai/inkwell/internal/chatmodel"
	"github.com/inkwell-ai/inkwell/internal/events"
	"github.com/inkwell-ai/inkwell/internal/groupchat"
	"github.com/inkwell-ai/inkwell/internal/lorebook"
	"github.com/inkwell-ai/inkwell/internal/memoryhook"
	"github.com/inkwell-ai/inkwell/internal/prompt"
	"github.com/inkwell-ai/inkwell/internal/sidecar"
	"github.com/inkwell-ai/inkwell/internal/store"
)

// historyWindowSize is how many of the most recent active-path messages
// are scanned for lorebook keyword matches and used as the vector
// memory query.
const historyWindowSize = 3

// memoryTopK is how many vector memories are retrieved per generation.
const memoryTopK = 5

// Config controls the stale-generation sweep and checkpoint cadence.
type Config struct {
	// StaleTimeout is how long a generation may go without a token
	// before the sweep finalizes it as GenerationInterrupted.
	StaleTimeout time.Duration
	// SweepInterval is how often the stale sweep runs.
	SweepInterval time.Duration
	// CheckpointInterval is the minimum spacing between in-progress
	// content checkpoints written to the store during streaming.
	CheckpointInterval time.Duration
}

// DefaultConfig returns the spec's defaults (~30s stale timeout).
func DefaultConfig() Config {
	return Config{
		StaleTimeout:       30 * time.Second,
		SweepInterval:       10 * time.Second,
		CheckpointInterval: 2 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = d.StaleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
}

// Generator is the sidecar capability the engine needs: streaming
// generation and single-shot cancellation. *sidecar.Supervisor
// satisfies this; tests supply a stub.
type Generator interface {
	Generate(ctx context.Context, prompt string, params sidecar.Params) (<-chan sidecar.Token, error)
	Cancel()
}

// Engine orchestrates conversation turns. One engine mutex per
// conversation serializes send/edit/regenerate/switch_branch against
// each other; the sidecar's own singleton mutex serializes generation
// across conversations.
type Engine struct {
	store   *store.Store
	branch  *branch.Manager
	sidecar Generator
	bus     *events.Bus
	memory  memoryhook.Provider
	logger  *slog.Logger
	config  Config

	convMu sync.Mutex
	convs  map[string]*sync.Mutex

	genMu sync.Mutex
	gens  map[string]*generation // keyed by message id

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// generation tracks one in-flight streaming assistant message.
type generation struct {
	conversationID string
	buf            strings.Builder
	startedAt      time.Time
	lastActivity   time.Time
}

// New creates an Engine. Call StartSweep to begin stale-generation
// cleanup; callers that never leave generations dangling may omit it.
func New(st *store.Store, br *branch.Manager, sc Generator, bus *events.Bus, mem memoryhook.Provider, logger *slog.Logger, cfg Config) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if mem == nil {
		mem = memoryhook.Null{}
	}
	return &Engine{
		store:   st,
		branch:  br,
		sidecar: sc,
		bus:     bus,
		memory:  mem,
		logger:  logger.With("component", "chatengine"),
		config:  cfg,
		convs:   make(map[string]*sync.Mutex),
		gens:    make(map[string]*generation),
	}
}

func (e *Engine) lockConv(id string) *sync.Mutex {
	e.convMu.Lock()
	mu, ok := e.convs[id]
	if !ok {
		mu = &sync.Mutex{}
		e.convs[id] = mu
	}
	e.convMu.Unlock()
	mu.Lock()
	return mu
}

// StartSweep begins the background goroutine that finalizes
// generations which have gone quiet for longer than config.StaleTimeout.
func (e *Engine) StartSweep(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	e.sweepCancel = cancel
	e.sweepDone = make(chan struct{})
	go e.sweepLoop(sweepCtx)
}

// StopSweep stops the sweep goroutine and waits for it to exit.
func (e *Engine) StopSweep() {
	if e.sweepCancel != nil {
		e.sweepCancel()
		<-e.sweepDone
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer close(e.sweepDone)
	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepStale()
		}
	}
}

func (e *Engine) sweepStale() {
	now := time.Now()
	var stale []string
	e.genMu.Lock()
	for id, g := range e.gens {
		if now.Sub(g.lastActivity) > e.config.StaleTimeout {
			stale = append(stale, id)
		}
	}
	e.genMu.Unlock()

	for _, id := range stale {
		e.logger.Warn("sweeping stale generation", "message_id", id)
		e.genMu.Lock()
		g, ok := e.gens[id]
		delete(e.gens, id)
		e.genMu.Unlock()
		if !ok {
			continue
		}
		e.finalizeError(g.conversationID, id, g.buf.String(), apperr.GenerationInterrupted("generation timed out with no activity"))
	}
}

// SendMessage appends a user message, allocates a placeholder assistant
// message for the next speaker, and starts generation asynchronously.
// It returns once the placeholder exists; callers observe the stream
// via the event bus.
func (e *Engine) SendMessage(conversationID, content string) (*chatmodel.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperr.Validation("message content must not be empty")
	}

	mu := e.lockConv(conversationID)
	defer mu.Unlock()

	conv, err := e.store.GetConversation(conversationID)
	if err != nil {
		return nil, apperr.Storage(err, "load conversation")
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation", conversationID)
	}

	userMsg, err := e.branch.AppendChild(conversationID, conv.ActiveMessageID, chatmodel.AuthorUser, conv.PersonaID, content)
	if err != nil {
		return nil, err
	}

	speakerID, nextCursor := e.resolveSpeaker(conv)
	placeholder, err := e.branch.AppendChild(conversationID, userMsg.ID, chatmodel.AuthorCharacter, speakerID, "")
	if err != nil {
		return nil, err
	}
	if conv.IsGroupChat() {
		if err := e.store.SetSpeakerCursor(conversationID, nextCursor); err != nil {
			e.logger.Warn("failed to advance speaker cursor", "conversation", conversationID, "error", err)
		}
	}

	e.startGeneration(conversationID, placeholder.ID, speakerID)
	return placeholder, nil
}

// resolveSpeaker picks the character for the next assistant turn: the
// sole character for a one-on-one chat, or the next in round-robin
// order for a group chat (spec §4.8).
func (e *Engine) resolveSpeaker(conv *chatmodel.Conversation) (speakerID string, nextCursor int) {
	if !conv.IsGroupChat() {
		if len(conv.CharacterIDs) == 0 {
			return "", 0
		}
		return conv.CharacterIDs[0], 0
	}
	return groupchat.NextSpeaker(conv.CharacterIDs, conv.SpeakerCursor)
}

// RegenerateMessage discards the given assistant message's place as
// active leaf by appending a fresh sibling under the same parent and
// starting a new generation for it. The original sibling remains
// reachable via GetBranchSiblings (law: regeneration preserves history).
func (e *Engine) RegenerateMessage(messageID string) (*chatmodel.Message, error) {
	original, err := e.store.GetMessage(messageID)
	if err != nil {
		return nil, apperr.Storage(err, "load message")
	}
	if original == nil {
		return nil, apperr.NotFound("message", messageID)
	}
	if original.AuthorType != chatmodel.AuthorCharacter {
		return nil, apperr.Validation("only assistant messages can be regenerated")
	}

	mu := e.lockConv(original.ConversationID)
	defer mu.Unlock()

	if e.isGenerating(original.ConversationID) {
		return nil, apperr.Busy("a generation is already in flight for this conversation")
	}

	sibling, err := e.branch.AppendChild(original.ConversationID, original.ParentID, chatmodel.AuthorCharacter, original.AuthorID, "")
	if err != nil {
		return nil, err
	}
	e.startGeneration(original.ConversationID, sibling.ID, original.AuthorID)
	return sibling, nil
}

// EditMessage creates a new sibling of messageID with the given
// content, leaving messageID itself untouched and still reachable via
// GetBranchSiblings (law: edit is branch-safe). If the edited message
// was a user turn, a fresh character reply is immediately queued under
// the new sibling, same as a newly sent message.
func (e *Engine) EditMessage(messageID, content string) (*chatmodel.Message, error) {
	original, err := e.store.GetMessage(messageID)
	if err != nil {
		return nil, apperr.Storage(err, "load message")
	}
	if original == nil {
		return nil, apperr.NotFound("message", messageID)
	}

	mu := e.lockConv(original.ConversationID)
	defer mu.Unlock()

	sibling, err := e.branch.AppendChild(original.ConversationID, original.ParentID, original.AuthorType, original.AuthorID, content)
	if err != nil {
		return nil, err
	}

	if original.AuthorType != chatmodel.AuthorUser {
		return sibling, nil
	}

	if e.isGenerating(original.ConversationID) {
		return nil, apperr.Busy("a generation is already in flight for this conversation")
	}

	conv, err := e.store.GetConversation(original.ConversationID)
	if err != nil {
		return nil, apperr.Storage(err, "load conversation")
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation", original.ConversationID)
	}

	speakerID, nextCursor := e.resolveSpeaker(conv)
	placeholder, err := e.branch.AppendChild(original.ConversationID, sibling.ID, chatmodel.AuthorCharacter, speakerID, "")
	if err != nil {
		return nil, err
	}
	if conv.IsGroupChat() {
		if err := e.store.SetSpeakerCursor(original.ConversationID, nextCursor); err != nil {
			e.logger.Warn("failed to advance speaker cursor", "conversation", original.ConversationID, "error", err)
		}
	}

	e.startGeneration(original.ConversationID, placeholder.ID, speakerID)
	return placeholder, nil
}

// StopGeneration fires the sidecar's single-shot cancel token. Safe to
// call when nothing is generating (idempotent, per spec).
func (e *Engine) StopGeneration() {
	e.sidecar.Cancel()
}

// GetBranchSiblings returns every sibling of messageID (including
// itself), ordered by branch_index.
func (e *Engine) GetBranchSiblings(messageID string) ([]*chatmodel.Message, error) {
	msg, err := e.store.GetMessage(messageID)
	if err != nil {
		return nil, apperr.Storage(err, "load message")
	}
	if msg == nil {
		return nil, apperr.NotFound("message", messageID)
	}
	return e.branch.Siblings(msg.ConversationID, msg.ParentID)
}

// SwitchBranch moves the conversation's active leaf to messageID.
// Refused while a generation is in flight for that conversation.
func (e *Engine) SwitchBranch(messageID string) error {
	msg, err := e.store.GetMessage(messageID)
	if err != nil {
		return apperr.Storage(err, "load message")
	}
	if msg == nil {
		return apperr.NotFound("message", messageID)
	}

	mu := e.lockConv(msg.ConversationID)
	defer mu.Unlock()

	if e.isGenerating(msg.ConversationID) {
		return apperr.Busy("cannot switch branches while a generation is in flight")
	}
	return e.branch.SwitchBranch(msg.ConversationID, messageID)
}

// GetConversationMessages returns the active root-to-leaf path.
func (e *Engine) GetConversationMessages(conversationID string) ([]*chatmodel.Message, error) {
	return e.branch.ActivePath(conversationID)
}

func (e *Engine) isGenerating(conversationID string) bool {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	for _, g := range e.gens {
		if g.conversationID == conversationID {
			return true
		}
	}
	return false
}

// startGeneration assembles the prompt and streams a generation into
// messageID on a background goroutine. Returning from SendMessage /
// RegenerateMessage does not wait for it.
func (e *Engine) startGeneration(conversationID, messageID, speakerID string) {
	e.genMu.Lock()
	e.gens[messageID] = &generation{conversationID: conversationID, startedAt: time.Now(), lastActivity: time.Now()}
	e.genMu.Unlock()

	go e.runGeneration(conversationID, messageID, speakerID)
}

func (e *Engine) runGeneration(conversationID, messageID, speakerID string) {
	ctx := context.Background()
	log := e.logger.With("conversation", conversationID, "message", messageID)

	p, err := e.assemble(conversationID, speakerID)
	if err != nil {
		if apperr.Is(err, apperr.KindPromptTooLong) {
			e.publishWarning(conversationID, err.Error())
		}
		e.untrack(messageID)
		e.finalizeError(conversationID, messageID, "", err)
		return
	}
	if p.prompt.Truncated {
		e.publishWarning(conversationID, "context budget truncated this turn's history")
	}

	tokens, err := e.sidecar.Generate(ctx, p.prompt.Text, p.params)
	if err != nil {
		e.untrack(messageID)
		e.finalizeError(conversationID, messageID, "", err)
		return
	}

	lastCheckpoint := time.Now()
	for tok := range tokens {
		if tok.Err != nil {
			partial := e.partialContent(messageID)
			e.untrack(messageID)
			if errors.Is(tok.Err, context.Canceled) {
				e.finalizeStopped(conversationID, messageID, partial)
				return
			}
			e.finalizeError(conversationID, messageID, partial, tok.Err)
			return
		}
		if tok.Text != "" {
			e.appendToken(messageID, tok.Text)
			e.touch(messageID)
			e.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceChat,
				Kind:      events.KindChatToken,
				Data: map[string]any{
					"conversation_id": conversationID,
					"message_id":      messageID,
					"token":           tok.Text,
				},
			})
			if time.Since(lastCheckpoint) >= e.config.CheckpointInterval {
				content := e.partialContent(messageID)
				cp := store.Checkpoint{
					ConversationID: conversationID,
					MessageID:      messageID,
					Content:        content,
					TokenCount:     sidecar.TokenCount(content),
					CreatedAt:      time.Now(),
				}
				if cerr := e.store.SaveCheckpoint(cp); cerr != nil {
					log.Warn("failed to save generation checkpoint", "error", cerr)
				}
				lastCheckpoint = time.Now()
			}
		}
		if tok.Done {
			break
		}
	}

	content := e.partialContent(messageID)
	e.untrack(messageID)

	tokenCount := sidecar.TokenCount(content)
	if err := e.store.UpdateMessageContent(messageID, content, tokenCount); err != nil {
		log.Error("failed to persist generated content", "error", err)
	}
	if err := e.store.DeleteCheckpoint(conversationID, messageID); err != nil {
		log.Warn("failed to clear generation checkpoint", "error", err)
	}

	msg, err := e.store.GetMessage(messageID)
	if err != nil || msg == nil {
		log.Error("failed to reload completed message", "error", err)
		return
	}
	if content != "" {
		if merr := e.memory.Remember(ctx, content); merr != nil {
			log.Warn("failed to remember completed turn", "error", merr)
		}
	}
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceChat,
		Kind:      events.KindChatComplete,
		Data: map[string]any{
			"conversation_id": conversationID,
			"message":         msg,
		},
	})
}

type assembled struct {
	prompt prompt.Prompt
	params sidecar.Params
}

func (e *Engine) assemble(conversationID, speakerID string) (assembled, error) {
	conv, err := e.store.GetConversation(conversationID)
	if err != nil {
		return assembled{}, apperr.Storage(err, "load conversation")
	}
	if conv == nil {
		return assembled{}, apperr.NotFound("conversation", conversationID)
	}

	character, err := e.store.GetCharacter(speakerID)
	if err != nil {
		return assembled{}, apperr.Storage(err, "load character")
	}
	if character == nil {
		return assembled{}, apperr.NotFound("character", speakerID)
	}

	var persona *chatmodel.Persona
	if conv.PersonaID != "" {
		persona, err = e.store.GetPersona(conv.PersonaID)
		if err != nil {
			return assembled{}, apperr.Storage(err, "load persona")
		}
	}

	activePath, err := e.branch.ActivePath(conversationID)
	if err != nil {
		return assembled{}, err
	}

	entries, err := e.store.LorebookEntriesFor(conv.AttachedLorebookIDs)
	if err != nil {
		return assembled{}, apperr.Storage(err, "load lorebook entries")
	}

	settings, err := e.store.LoadSettings()
	if err != nil {
		return assembled{}, apperr.Storage(err, "load settings")
	}

	window := recentWindow(activePath, historyWindowSize)
	hits := lorebook.Match(entries, window, settings.GenerationLorebookBudget, sidecar.TokenCount)

	summaryRecords, err := e.store.ListSummaries(conversationID)
	if err != nil {
		return assembled{}, apperr.Storage(err, "load summaries")
	}
	summaries := make([]string, len(summaryRecords))
	for i, s := range summaryRecords {
		summaries[i] = s.Content
	}

	var memories []string
	if window != "" {
		mems, merr := e.memory.Retrieve(context.Background(), window, memoryTopK)
		if merr != nil {
			e.logger.Warn("vector memory retrieval failed, continuing without it", "error", merr)
		}
		for _, mem := range mems {
			memories = append(memories, mem.Text)
		}
	}

	in := prompt.Input{
		Conversation: conv,
		Character:    character,
		Persona:      persona,
		ActivePath:   activePath,
		LorebookHits: hits,
		Summaries:    summaries,
		Memories:     memories,
		Settings:     settings,
		Count:        sidecar.TokenCount,
	}
	p, _, err := prompt.Assemble(in, false)
	if err != nil {
		return assembled{}, err
	}

	return assembled{
		prompt: p,
		params: sidecar.Params{
			Temperature: settings.GenerationTemperature,
			TopP:        settings.GenerationTopP,
			MaxTokens:   settings.GenerationMaxTokens,
		},
	}, nil
}

// recentWindow concatenates the content of the last n active-path
// messages, the text the Lorebook Matcher scans for keywords and the
// query vector memory retrieval uses.
func recentWindow(path []*chatmodel.Message, n int) string {
	if len(path) == 0 {
		return ""
	}
	start := len(path) - n
	if start < 0 {
		start = 0
	}
	var parts []string
	for _, m := range path[start:] {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

func (e *Engine) appendToken(messageID, text string) {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	if g, ok := e.gens[messageID]; ok {
		g.buf.WriteString(text)
	}
}

func (e *Engine) partialContent(messageID string) string {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	if g, ok := e.gens[messageID]; ok {
		return g.buf.String()
	}
	return ""
}

func (e *Engine) touch(messageID string) {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	if g, ok := e.gens[messageID]; ok {
		g.lastActivity = time.Now()
	}
}

func (e *Engine) untrack(messageID string) {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	delete(e.gens, messageID)
}

func (e *Engine) finalizeError(conversationID, messageID, partial string, err error) {
	e.logger.Warn("generation finalized with error", "conversation", conversationID, "message", messageID, "error", err)
	if serr := e.store.FinalizeMessageError(messageID, partial, err.Error(), false); serr != nil {
		e.logger.Error("failed to persist generation error", "error", serr)
	}
	if serr := e.store.DeleteCheckpoint(conversationID, messageID); serr != nil {
		e.logger.Warn("failed to clear checkpoint after error", "error", serr)
	}
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceChat,
		Kind:      events.KindChatError,
		Data: map[string]any{
			"conversation_id": conversationID,
			"message_id":      messageID,
			"error":           err.Error(),
		},
	})
}

func (e *Engine) finalizeStopped(conversationID, messageID, partial string) {
	tokenCount := sidecar.TokenCount(partial)
	if err := e.store.UpdateMessageContent(messageID, partial, tokenCount); err != nil {
		e.logger.Error("failed to persist stopped generation content", "error", err)
	}
	if err := e.store.FinalizeMessageError(messageID, partial, "", true); err != nil {
		e.logger.Error("failed to mark generation stopped", "error", err)
	}
	if err := e.store.DeleteCheckpoint(conversationID, messageID); err != nil {
		e.logger.Warn("failed to clear checkpoint after stop", "error", err)
	}
	msg, err := e.store.GetMessage(messageID)
	if err != nil || msg == nil {
		e.logger.Error("failed to reload stopped message", "error", err)
		return
	}
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceChat,
		Kind:      events.KindChatComplete,
		Data: map[string]any{
			"conversation_id": conversationID,
			"message":         msg,
		},
	})
}

func (e *Engine) publishWarning(conversationID, message string) {
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceChat,
		Kind:      events.KindChatWarning,
		Data: map[string]any{
			"conversation_id": conversationID,
			"message":         message,
		},
	})
}
