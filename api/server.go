// Package api exposes the assistant over HTTP. One conversation state per
// session id; the UI layer owns everything visual.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nyaysaathi/nyay-agent/config"
	"github.com/nyaysaathi/nyay-agent/conversation"
	"github.com/nyaysaathi/nyay-agent/database"
	"github.com/nyaysaathi/nyay-agent/extraction"
	"github.com/nyaysaathi/nyay-agent/pipeline"
	"github.com/nyaysaathi/nyay-agent/retrieval"
)

// Asker is the answer pipeline contract the server depends on.
type Asker interface {
	Ask(ctx context.Context, q pipeline.Query) (pipeline.Answer, error)
	AuditDocumentUse(ctx context.Context, question, answer, documentContext string) bool
}

// Extractor is the document extraction contract.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType, language string) (extraction.Result, error)
}

// Persister is the optional session persistence collaborator. Writes are
// best-effort from the server's perspective; a persistence failure never
// fails a turn. Messages are stored under the ids the server hands out in
// responses, so feedback rows can reference them.
type Persister interface {
	EnsureSession(ctx context.Context, sessionID, authID, language string) (string, error)
	AddMessage(ctx context.Context, sessionID, messageID, role, content string, sources []string, usedDocument bool) (string, error)
	SessionMessages(ctx context.Context, sessionID string) ([]database.Message, error)
	UpdateSessionDocument(ctx context.Context, sessionID, documentContext string) error
	SaveDocumentRecord(ctx context.Context, userID, sessionID, filename string, fileSize int64, fileType, extractedText, explanation, language string) (string, error)
	AddFeedback(ctx context.Context, messageID, userID string, rating int, comment string) error
	LogEvent(ctx context.Context, userID, eventType string, eventData map[string]any) error
}

type Server struct {
	cfg       config.Config
	asker     Asker
	extractor Extractor
	store     Persister
	logger    *log.Logger
	handler   http.Handler

	mu       sync.Mutex
	sessions map[string]*conversation.State
	userIDs  map[string]string
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type askRequest struct {
	SessionID string `json:"sessionId"`
	Question  string `json:"question"`
	Language  string `json:"language"`
}

type askResponse struct {
	SessionID    string        `json:"sessionId"`
	MessageID    string        `json:"messageId"`
	Answer       string        `json:"answer"`
	GuideSources []guideSource `json:"guideSources"`
	UsedDocument bool          `json:"usedDocument"`
}

type guideSource struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

type explainResponse struct {
	SessionID   string `json:"sessionId"`
	Explanation string `json:"explanation"`
}

type feedbackRequest struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment"`
}

type clearRequest struct {
	SessionID string `json:"sessionId"`
}

type historyMessage struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Sources      []string  `json:"sources"`
	UsedDocument bool      `json:"usedDocument"`
	CreatedAt    time.Time `json:"createdAt"`
}

type historyResponse struct {
	SessionID string           `json:"sessionId"`
	Messages  []historyMessage `json:"messages"`
}

// New constructs the server. store may be nil when persistence is disabled.
func New(cfg config.Config, asker Asker, extractor Extractor, store Persister, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		cfg:       cfg,
		asker:     asker,
		extractor: extractor,
		store:     store,
		logger:    logger,
		sessions:  make(map[string]*conversation.State),
		userIDs:   make(map[string]string),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/ask", s.handleAsk)
	mux.HandleFunc("/v1/explain", s.handleExplain)
	mux.HandleFunc("/v1/feedback", s.handleFeedback)
	mux.HandleFunc("/v1/history", s.handleHistory)
	mux.HandleFunc("/v1/clear", s.handleClear)
	return mux
}

// session returns the conversation state for id, creating both when the id
// is empty. The map lock only guards the lookup; each state belongs to one
// session and turns within a session are processed one at a time.
func (s *Server) session(id string) (string, *conversation.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	state, ok := s.sessions[id]
	if !ok {
		state = conversation.NewState(s.cfg.DefaultLanguage, s.cfg.Conversation.MaxTurns)
		s.sessions[id] = state
	}
	return id, state
}

// persistedUser makes sure the user and session rows behind sessionID exist
// before any message, document, or feedback insert references them, and
// caches the owning user id. Returns "" when persistence is disabled or the
// bootstrap failed; a failure is retried on the next write.
func (s *Server) persistedUser(ctx context.Context, sessionID, language string) string {
	if s.store == nil {
		return ""
	}

	s.mu.Lock()
	userID, ok := s.userIDs[sessionID]
	s.mu.Unlock()
	if ok {
		return userID
	}

	userID, err := s.store.EnsureSession(ctx, sessionID, "session:"+sessionID, language)
	if err != nil {
		s.logger.Printf("warning: ensure session %s: %v", sessionID, err)
		return ""
	}

	s.mu.Lock()
	s.userIDs[sessionID] = userID
	s.mu.Unlock()

	if err := s.store.LogEvent(ctx, userID, "session_started", map[string]any{"session_id": sessionID}); err != nil {
		s.logger.Printf("warning: log session_started: %v", err)
	}
	return userID
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("question is required"))
		return
	}

	language := req.Language
	if language == "" {
		language = s.cfg.DefaultLanguage
	}
	if !config.IsSupportedLanguage(language) {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported language: %s", language))
		return
	}

	sessionID, state := s.session(req.SessionID)
	state.SetLanguage(language)

	ctx := r.Context()
	documentContext := state.DocumentContext()

	answer, err := s.asker.Ask(ctx, pipeline.Query{
		Question:        req.Question,
		Language:        language,
		ChatHistory:     state.HistoryString(s.cfg.Conversation.HistoryLimit),
		DocumentContext: documentContext,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrRetrieval) || errors.Is(err, pipeline.ErrGeneration) {
			status = http.StatusBadGateway
		}
		s.writeError(w, status, fmt.Errorf("ask failed: %w", err))
		return
	}

	// Guide sources take precedence; the audit only disambiguates the
	// empty-retrieval case.
	usedDocument := false
	if len(answer.GuideSources) == 0 && state.HasDocument() {
		usedDocument = s.asker.AuditDocumentUse(ctx, req.Question, answer.Answer, documentContext)
	}

	userTurn := state.Append(conversation.Turn{Role: conversation.RoleUser, Content: req.Question})
	assistantTurn := state.Append(conversation.Turn{
		Role:         conversation.RoleAssistant,
		Content:      answer.Answer,
		GuideSources: answer.GuideSources,
		UsedDocument: usedDocument,
	})

	s.persistTurn(ctx, sessionID, language, userTurn, assistantTurn)

	s.writeJSON(w, http.StatusOK, askResponse{
		SessionID:    sessionID,
		MessageID:    assistantTurn.ID,
		Answer:       answer.Answer,
		GuideSources: toGuideSources(answer.GuideSources),
		UsedDocument: usedDocument,
	})
}

// persistTurn stores both halves of an exchange under the turn ids already
// handed to the client, so the messageId in the response resolves to a
// chat_messages row.
func (s *Server) persistTurn(ctx context.Context, sessionID, language string, userTurn, assistantTurn conversation.Turn) {
	if s.store == nil {
		return
	}
	userID := s.persistedUser(ctx, sessionID, language)
	if userID == "" {
		return
	}

	if _, err := s.store.AddMessage(ctx, sessionID, userTurn.ID, userTurn.Role, userTurn.Content, nil, false); err != nil {
		s.logger.Printf("warning: persist user message: %v", err)
		return
	}
	if _, err := s.store.AddMessage(ctx, sessionID, assistantTurn.ID, assistantTurn.Role, assistantTurn.Content,
		retrieval.SourceLabels(assistantTurn.GuideSources), assistantTurn.UsedDocument); err != nil {
		s.logger.Printf("warning: persist assistant message: %v", err)
		return
	}
	if err := s.store.LogEvent(ctx, userID, "question_asked", map[string]any{
		"language":      language,
		"used_document": assistantTurn.UsedDocument,
	}); err != nil {
		s.logger.Printf("warning: log question_asked: %v", err)
	}
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("file field is required: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds %d byte limit", s.cfg.MaxUploadBytes))
		return
	}

	language := r.FormValue("language")
	if language == "" {
		language = s.cfg.DefaultLanguage
	}
	if !config.IsSupportedLanguage(language) {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported language: %s", language))
		return
	}

	sessionID, state := s.session(r.FormValue("sessionId"))
	mimeType := uploadMimeType(header)

	result, err := s.extractor.Extract(r.Context(), data, mimeType, language)
	if err != nil {
		// The prior document context, if any, stays loaded.
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, extraction.ErrUnsupportedType):
			status = http.StatusUnsupportedMediaType
		case errors.Is(err, extraction.ErrBadExtraction):
			status = http.StatusUnprocessableEntity
		}
		s.writeError(w, status, fmt.Errorf("extract document: %w", err))
		return
	}

	state.ReplaceDocumentContext(result.RawText)
	s.persistDocument(r.Context(), sessionID, language, header.Filename, mimeType, int64(len(data)), result)

	s.writeJSON(w, http.StatusOK, explainResponse{
		SessionID:   sessionID,
		Explanation: result.Explanation,
	})
}

func (s *Server) persistDocument(ctx context.Context, sessionID, language, filename, mimeType string, size int64, result extraction.Result) {
	if s.store == nil {
		return
	}
	userID := s.persistedUser(ctx, sessionID, language)
	if userID == "" {
		return
	}

	if err := s.store.UpdateSessionDocument(ctx, sessionID, result.RawText); err != nil {
		s.logger.Printf("warning: persist session document: %v", err)
	}
	if _, err := s.store.SaveDocumentRecord(ctx, userID, sessionID, filename, size, mimeType,
		result.RawText, result.Explanation, language); err != nil {
		s.logger.Printf("warning: persist document record: %v", err)
	}
	if err := s.store.LogEvent(ctx, userID, "document_uploaded", map[string]any{
		"file_type": mimeType,
		"file_size": size,
	}); err != nil {
		s.logger.Printf("warning: log document_uploaded: %v", err)
	}
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("feedback storage is not configured"))
		return
	}

	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.MessageID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("messageId is required"))
		return
	}
	if req.Rating != 1 && req.Rating != -1 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("rating must be 1 or -1"))
		return
	}

	userID := req.UserID
	if userID == "" && req.SessionID != "" {
		s.mu.Lock()
		userID = s.userIDs[req.SessionID]
		s.mu.Unlock()
	}

	if err := s.store.AddFeedback(r.Context(), req.MessageID, userID, req.Rating, req.Comment); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("save feedback: %w", err))
		return
	}

	eventType := "feedback_positive"
	if req.Rating == -1 {
		eventType = "feedback_negative"
	}
	if err := s.store.LogEvent(r.Context(), userID, eventType, map[string]any{"message_id": req.MessageID}); err != nil {
		s.logger.Printf("warning: log %s: %v", eventType, err)
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "feedback saved"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("history storage is not configured"))
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("sessionId is required"))
		return
	}

	messages, err := s.store.SessionMessages(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("load history: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, historyResponse{
		SessionID: sessionID,
		Messages:  toHistoryMessages(messages),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("sessionId is required"))
		return
	}

	s.mu.Lock()
	state, ok := s.sessions[req.SessionID]
	s.mu.Unlock()
	if ok {
		state.Clear()
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "session cleared"})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Printf("api error (%d): %v", status, err)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

func uploadMimeType(header *multipart.FileHeader) string {
	if header == nil {
		return ""
	}
	contentType := header.Header.Get("Content-Type")
	if contentType != "" {
		return contentType
	}
	name := strings.ToLower(header.Filename)
	switch {
	case strings.HasSuffix(name, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(name, ".png"):
		return "image/png"
	case strings.HasSuffix(name, ".jpg"), strings.HasSuffix(name, ".jpeg"):
		return "image/jpeg"
	default:
		return ""
	}
}

func toGuideSources(chunks []retrieval.Chunk) []guideSource {
	sources := make([]guideSource, len(chunks))
	for i, chunk := range chunks {
		sources[i] = guideSource{
			Content: chunk.Content,
			Source:  chunk.Source,
			Score:   chunk.Score,
		}
	}
	return sources
}

func toHistoryMessages(messages []database.Message) []historyMessage {
	out := make([]historyMessage, len(messages))
	for i, m := range messages {
		sources := m.Sources
		if sources == nil {
			sources = []string{}
		}
		out[i] = historyMessage{
			ID:           m.ID,
			Role:         m.Role,
			Content:      m.Content,
			Sources:      sources,
			UsedDocument: m.UsedDocument,
			CreatedAt:    m.CreatedAt,
		}
	}
	return out
}

var _ Persister = (*database.SessionStore)(nil)
