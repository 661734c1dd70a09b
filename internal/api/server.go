// Package api implements the thin HTTP boundary between the view layer
// and the chat orchestration core: the command surface (spec §6) as
// REST-ish JSON endpoints, grounded on the teacher's internal/api
// Server (net/http.ServeMux method+path patterns, a writeJSON/
// errorResponse helper pair, and a logging middleware wrapping
// Start/Shutdown).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/buildinfo"
	"github.com/inkwell-ai/inkwell/internal/chatengine"
	"github.com/inkwell-ai/inkwell/internal/chatmodel"
	"github.com/inkwell-ai/inkwell/internal/download"
	"github.com/inkwell-ai/inkwell/internal/hwprobe"
	"github.com/inkwell-ai/inkwell/internal/sidecar"
	"github.com/inkwell-ai/inkwell/internal/store"
)

// writeJSON encodes v as JSON to w, logging any encode failure at
// debug level (typically just means the client disconnected mid-write).
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP boundary: command surface plus the WebSocket
// event relay mounted at /ws.
type Server struct {
	address string
	port    int

	store           *store.Store
	engine          *chatengine.Engine
	sidecar         *sidecar.Supervisor
	dl              *download.Manager
	ws              http.Handler
	modelBinaryPath string
	modelPath       string

	logger *slog.Logger
	server *http.Server
}

// Config bundles the collaborators the API needs to dispatch the
// command surface.
type Config struct {
	Address         string
	Port            int
	Store           *store.Store
	Engine          *chatengine.Engine
	Sidecar         *sidecar.Supervisor
	Downloads       *download.Manager
	WebSocket       http.Handler
	ModelBinaryPath string
	ModelPath       string
	Logger          *slog.Logger
}

// NewServer builds a Server ready for Start.
func NewServer(cfg Config) *Server {
	return &Server{
		address:         cfg.Address,
		port:            cfg.Port,
		store:           cfg.Store,
		engine:          cfg.Engine,
		sidecar:         cfg.Sidecar,
		dl:              cfg.Downloads,
		ws:              cfg.WebSocket,
		modelBinaryPath: cfg.ModelBinaryPath,
		modelPath:       cfg.ModelPath,
		logger:          cfg.Logger,
	}
}

// Start begins serving HTTP requests. Blocks until the listener stops
// or errors; callers typically run it in a goroutine and stop it via
// Shutdown.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealthCheck)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/setup_status", s.handleGetSetupStatus)
	mux.HandleFunc("GET /v1/model_status", s.handleGetModelStatus)
	mux.HandleFunc("POST /v1/sidecar/start", s.handleStartSidecar)
	mux.HandleFunc("POST /v1/sidecar/stop", s.handleStopSidecar)

	mux.HandleFunc("POST /v1/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("PATCH /v1/conversations/{id}", s.handleUpdateConversation)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("GET /v1/conversations/by-character/{characterId}", s.handleFindConversationByCharacter)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleGetConversationMessages)
	mux.HandleFunc("POST /v1/conversations/{id}/lorebooks/{lorebookId}", s.handleAttachLorebook)
	mux.HandleFunc("DELETE /v1/conversations/{id}/lorebooks/{lorebookId}", s.handleDetachLorebook)

	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("POST /v1/messages/{id}/regenerate", s.handleRegenerateMessage)
	mux.HandleFunc("POST /v1/messages/{id}/edit", s.handleEditMessage)
	mux.HandleFunc("GET /v1/messages/{id}/siblings", s.handleGetBranchSiblings)
	mux.HandleFunc("POST /v1/messages/{id}/switch_branch", s.handleSwitchBranch)
	mux.HandleFunc("POST /v1/generation/stop", s.handleStopGeneration)

	mux.HandleFunc("POST /v1/characters", s.handleCreateCharacter)
	mux.HandleFunc("GET /v1/characters", s.handleListCharacters)
	mux.HandleFunc("GET /v1/characters/{id}", s.handleGetCharacter)
	mux.HandleFunc("PUT /v1/characters/{id}", s.handleUpdateCharacter)
	mux.HandleFunc("DELETE /v1/characters/{id}", s.handleDeleteCharacter)

	mux.HandleFunc("POST /v1/personas", s.handleCreatePersona)
	mux.HandleFunc("GET /v1/personas", s.handleListPersonas)
	mux.HandleFunc("POST /v1/personas/{id}/set_default", s.handleSetDefaultPersona)
	mux.HandleFunc("DELETE /v1/personas/{id}", s.handleDeletePersona)

	mux.HandleFunc("POST /v1/downloads", s.handleStartDownload)
	mux.HandleFunc("GET /v1/downloads/{id}", s.handleGetDownloadStatus)
	mux.HandleFunc("POST /v1/downloads/{id}/pause", s.handlePauseDownload)
	mux.HandleFunc("POST /v1/downloads/{id}/resume", s.handleResumeDownload)
	mux.HandleFunc("POST /v1/downloads/{id}/cancel", s.handleCancelDownload)

	if s.ws != nil {
		mux.Handle("GET /ws", s.ws)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // streaming chat:token relay runs over /ws, not this timeout
	}

	s.logger.Info("starting API server", "address", s.address, "port", s.port)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// writeError maps an apperr.Kind to an HTTP status and writes the
// error body, per spec §7's "boundary layer maps Kind to whatever wire
// representation it needs".
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindBusy:
		status = http.StatusConflict
	case apperr.KindPromptTooLong:
		status = http.StatusRequestEntityTooLarge
	case apperr.KindSidecarUnavailable:
		status = http.StatusServiceUnavailable
	case apperr.KindGenerationInterrupted:
		status = http.StatusBadGateway
	case apperr.KindDownload:
		status = http.StatusBadGateway
	case apperr.KindStorage:
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	writeJSON(w, map[string]any{
		"error": map[string]any{"kind": apperr.KindOf(err).String(), "message": err.Error()},
	}, s.logger)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleGetSetupStatus(w http.ResponseWriter, r *http.Request) {
	_, binErr := os.Stat(s.modelBinaryPath)
	_, modelErr := os.Stat(s.modelPath)
	rec := hwprobe.Recommend()
	writeJSON(w, map[string]any{
		"is_complete":         binErr == nil && modelErr == nil,
		"missing_binary":      binErr != nil,
		"missing_model":       modelErr != nil,
		"recommended_variant": rec.Variant,
		"detected_gpu":        rec.DetectedGPU,
	}, s.logger)
}

func (s *Server) handleGetModelStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": string(s.sidecar.Status())}, s.logger)
}

func (s *Server) handleStartSidecar(w http.ResponseWriter, r *http.Request) {
	if err := s.sidecar.Start(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": string(s.sidecar.Status())}, s.logger)
}

func (s *Server) handleStopSidecar(w http.ResponseWriter, r *http.Request) {
	if err := s.sidecar.Stop(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": string(s.sidecar.Status())}, s.logger)
}

type createConversationRequest struct {
	CharacterIDs []string `json:"characterIds"`
	Title        string   `json:"title,omitempty"`
	PersonaID    string   `json:"personaId,omitempty"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Validation("decode request body: %v", err))
		return
	}
	if len(req.CharacterIDs) == 0 {
		s.writeError(w, apperr.Validation("characterIds must not be empty"))
		return
	}
	now := time.Now()
	conv := &chatmodel.Conversation{
		ID:           randomID(),
		Title:        req.Title,
		CharacterIDs: req.CharacterIDs,
		PersonaID:    req.PersonaID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertConversation(conv); err != nil {
		s.writeError(w, apperr.Storage(err, "insert conversation"))
		return
	}
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations()
	if err != nil {
		s.writeError(w, apperr.Storage(err, "list conversations"))
		return
	}
	writeJSON(w, convs, s.logger)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.PathValue("id"))
	if err != nil {
		s.writeError(w, apperr.Storage(err, "load conversation"))
		return
	}
	if conv == nil {
		s.writeError(w, apperr.NotFound("conversation", r.PathValue("id")))
		return
	}
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.PathValue("id"))
	if err != nil {
		s.writeError(w, apperr.Storage(err, "load conversation"))
		return
	}
	if conv == nil {
		s.writeError(w, apperr.NotFound("conversation", r.PathValue("id")))
		return
	}
	var patch struct {
		Title     *string `json:"title"`
		PersonaID *string `json:"personaId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, apperr.Validation("decode request body: %v", err))
		return
	}
	if patch.Title != nil {
		conv.Title = *patch.Title
	}
	if patch.PersonaID != nil {
		conv.PersonaID = *patch.PersonaID
	}
	conv.UpdatedAt = time.Now()
	if err := s.store.UpdateConversation(conv); err != nil {
		s.writeError(w, apperr.Storage(err, "update conversation"))
		return
	}
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteConversation(r.PathValue("id")); err != nil {
		s.writeError(w, apperr.Storage(err, "delete conversation"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFindConversationByCharacter(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.FindConversationByCharacter(r.PathValue("characterId"))
	if err != nil {
		s.writeError(w, apperr.Storage(err, "find conversations by character"))
		return
	}
	writeJSON(w, convs, s.logger)
}

func (s *Server) handleGetConversationMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.engine.GetConversationMessages(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, msgs, s.logger)
}

func (s *Server) handleAttachLorebook(w http.ResponseWriter, r *http.Request) {
	if err := s.store.AttachLorebook(r.PathValue("id"), r.PathValue("lorebookId")); err != nil {
		s.writeError(w, apperr.Storage(err, "attach lorebook"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDetachLorebook(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DetachLorebook(r.PathValue("id"), r.PathValue("lorebookId")); err != nil {
		s.writeError(w, apperr.Storage(err, "detach lorebook"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Validation("decode request body: %v", err))
		return
	}
	msg, err := s.engine.SendMessage(r.PathValue("id"), req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, msg, s.logger)
}

func (s *Server) handleRegenerateMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.engine.RegenerateMessage(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, msg, s.logger)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Validation("decode request body: %v", err))
		return
	}
	msg, err := s.engine.EditMessage(r.PathValue("id"), req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, msg, s.logger)
}

func (s *Server) handleGetBranchSiblings(w http.ResponseWriter, r *http.Request) {
	sibs, err := s.engine.GetBranchSiblings(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, sibs, s.logger)
}

func (s *Server) handleSwitchBranch(w http.ResponseWriter, r *http.Request) {
	path, err := func() ([]*chatmodel.Message, error) {
		if err := s.engine.SwitchBranch(r.PathValue("id")); err != nil {
			return nil, err
		}
		msg, err := s.store.GetMessage(r.PathValue("id"))
		if err != nil {
			return nil, apperr.Storage(err, "load message")
		}
		return s.engine.GetConversationMessages(msg.ConversationID)
	}()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, path, s.logger)
}

func (s *Server) handleStopGeneration(w http.ResponseWriter, r *http.Request) {
	s.engine.StopGeneration()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateCharacter(w http.ResponseWriter, r *http.Request) {
	var c chatmodel.Character
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.writeError(w, apperr.Validation("decode request body: %v", err))
		return
	}
	if c.Name == "" {
		s.writeError(w, apperr.Validation("name must not be empty"))
		return
	}
	c.ID = randomID()
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	if err := s.store.InsertCharacter(&c); err != nil {
		s.writeError(w, apperr.Storage(err, "insert character"))
		return
	}
	writeJSON(w, &c, s.logger)
}

func (s *Server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	chars, err := s.store.ListCharacters()
	if err != nil {
		s.writeError(w, apperr.Storage(err, "list characters"))
		return
	}
	writeJSON(w, chars, s.logger)
}

func (s *Server) handleGetCharacter(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCharacter(r.PathValue("id"))
	if err != nil {
		s.writeError(w, apperr.Storage(err, "load character"))
		return
	}
	if c == nil {
		s.writeError(w, apperr.NotFound("character", r.PathValue("id")))
		return
	}
	writeJSON(w, c, s.logger)
}

func (s *Server) handleUpdateCharacter(w http.ResponseWriter, r *http.Request) {
	var c chatmodel.Character
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.writeError(w, apperr.Validation("decode request body: %v", err))
		return
	}
	c.ID = r.PathValue("id")
	c.UpdatedAt = time.Now()
	if err := s.store.UpdateCharacter(&c); err != nil {
		s.writeError(w, apperr.Storage(err, "update character"))
		return
	}
	writeJSON(w, &c, s.logger)
}

func (s *Server) handleDeleteCharacter(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCharacter(r.PathValue("id")); err != nil {
		s.writeError(w, apperr.Storage(err, "delete character"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreatePersona(w http.ResponseWriter, r *http.Request) {
	var p chatmodel.Persona
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, apperr.Validation("decode request body: %v", err))
		return
	}
	p.ID = randomID()
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	if err := s.store.InsertPersona(&p); err != nil {
		s.writeError(w, apperr.Storage(err, "insert persona"))
		return
	}
	writeJSON(w, &p, s.logger)
}

func (s *Server) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	personas, err := s.store.ListPersonas()
	if err != nil {
		s.writeError(w, apperr.Storage(err, "list personas"))
		return
	}
	writeJSON(w, personas, s.logger)
}

func (s *Server) handleSetDefaultPersona(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetDefaultPersona(r.PathValue("id")); err != nil {
		s.writeError(w, apperr.Storage(err, "set default persona"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeletePersona(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePersona(r.PathValue("id")); err != nil {
		s.writeError(w, apperr.Storage(err, "delete persona"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type startDownloadRequest struct {
	URL      string                 `json:"url"`
	Kind     chatmodel.DownloadKind `json:"kind"`
	Checksum string                 `json:"checksum,omitempty"`
	Dest     string                 `json:"dest"`
}

func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req startDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Validation("decode request body: %v", err))
		return
	}
	d, err := s.dl.Start(req.URL, req.Dest, req.Kind, req.Checksum)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, d, s.logger)
}

func (s *Server) handleGetDownloadStatus(w http.ResponseWriter, r *http.Request) {
	d, err := s.dl.Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, d, s.logger)
}

func (s *Server) handlePauseDownload(w http.ResponseWriter, r *http.Request) {
	if err := s.dl.Pause(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeDownload(w http.ResponseWriter, r *http.Request) {
	if err := s.dl.Resume(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	if err := s.dl.Cancel(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func randomID() string { return uuid.NewString() }
