package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/nyaysaathi/nyay-agent/config"
	"github.com/nyaysaathi/nyay-agent/conversation"
	"github.com/nyaysaathi/nyay-agent/database"
	"github.com/nyaysaathi/nyay-agent/extraction"
	"github.com/nyaysaathi/nyay-agent/pipeline"
	"github.com/nyaysaathi/nyay-agent/retrieval"
)

type stubAsker struct {
	answer      pipeline.Answer
	err         error
	auditResult bool
	auditCalls  int
	lastQuery   pipeline.Query
}

func (s *stubAsker) Ask(ctx context.Context, q pipeline.Query) (pipeline.Answer, error) {
	s.lastQuery = q
	if s.err != nil {
		return pipeline.Answer{}, s.err
	}
	return s.answer, nil
}

func (s *stubAsker) AuditDocumentUse(ctx context.Context, question, answer, documentContext string) bool {
	s.auditCalls++
	return s.auditResult
}

var _ Asker = (*stubAsker)(nil)

type stubExtractor struct {
	result extraction.Result
	err    error
}

func (s *stubExtractor) Extract(ctx context.Context, data []byte, mimeType, language string) (extraction.Result, error) {
	if s.err != nil {
		return extraction.Result{}, s.err
	}
	return s.result, nil
}

var _ Extractor = (*stubExtractor)(nil)

type storedMessage struct {
	sessionID    string
	id           string
	role         string
	content      string
	sources      []string
	usedDocument bool
}

type storedDocument struct {
	userID    string
	sessionID string
	filename  string
	fileSize  int64
	fileType  string
}

type storedFeedback struct {
	messageID string
	userID    string
	rating    int
	comment   string
}

// recordingStore captures every persistence call so tests can check what
// the server would have written.
type recordingStore struct {
	ensureErr  error
	historyErr error
	history    []database.Message

	callOrder   []string
	ensureCalls []string
	messages    []storedMessage
	docUpdates  map[string]string
	documents   []storedDocument
	feedback    []storedFeedback
	events      []string
}

func (r *recordingStore) EnsureSession(ctx context.Context, sessionID, authID, language string) (string, error) {
	r.callOrder = append(r.callOrder, "ensure")
	if r.ensureErr != nil {
		return "", r.ensureErr
	}
	r.ensureCalls = append(r.ensureCalls, sessionID)
	return "user-" + sessionID, nil
}

func (r *recordingStore) AddMessage(ctx context.Context, sessionID, messageID, role, content string, sources []string, usedDocument bool) (string, error) {
	r.callOrder = append(r.callOrder, "message")
	r.messages = append(r.messages, storedMessage{
		sessionID:    sessionID,
		id:           messageID,
		role:         role,
		content:      content,
		sources:      sources,
		usedDocument: usedDocument,
	})
	return messageID, nil
}

func (r *recordingStore) SessionMessages(ctx context.Context, sessionID string) ([]database.Message, error) {
	if r.historyErr != nil {
		return nil, r.historyErr
	}
	return r.history, nil
}

func (r *recordingStore) UpdateSessionDocument(ctx context.Context, sessionID, documentContext string) error {
	if r.docUpdates == nil {
		r.docUpdates = make(map[string]string)
	}
	r.docUpdates[sessionID] = documentContext
	return nil
}

func (r *recordingStore) SaveDocumentRecord(ctx context.Context, userID, sessionID, filename string, fileSize int64, fileType, extractedText, explanation, language string) (string, error) {
	r.documents = append(r.documents, storedDocument{
		userID:    userID,
		sessionID: sessionID,
		filename:  filename,
		fileSize:  fileSize,
		fileType:  fileType,
	})
	return "doc-1", nil
}

func (r *recordingStore) AddFeedback(ctx context.Context, messageID, userID string, rating int, comment string) error {
	r.feedback = append(r.feedback, storedFeedback{messageID: messageID, userID: userID, rating: rating, comment: comment})
	return nil
}

func (r *recordingStore) LogEvent(ctx context.Context, userID, eventType string, eventData map[string]any) error {
	r.events = append(r.events, eventType)
	return nil
}

func (r *recordingStore) eventCount(eventType string) int {
	count := 0
	for _, e := range r.events {
		if e == eventType {
			count++
		}
	}
	return count
}

var _ Persister = (*recordingStore)(nil)

func testConfig() config.Config {
	return config.Config{
		Conversation:    config.ConversationConfig{MaxTurns: 20, HistoryLimit: 6},
		DefaultLanguage: "Simple English",
		MaxUploadBytes:  1 << 20,
	}
}

func newTestServer(asker Asker, extractor Extractor) *Server {
	return New(testConfig(), asker, extractor, nil, log.New(io.Discard, "", 0))
}

func newStoreServer(asker Asker, extractor Extractor, store Persister) *Server {
	return New(testConfig(), asker, extractor, store, log.New(io.Discard, "", 0))
}

func getPath(t *testing.T, server *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func postJSON(t *testing.T, server *Server, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func postUpload(t *testing.T, server *Server, sessionID, filename, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if sessionID != "" {
		if err := writer.WriteField("sessionId", sessionID); err != nil {
			t.Fatalf("write sessionId field: %v", err)
		}
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/explain", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestAskReturnsAnswerAndSources(t *testing.T) {
	asker := &stubAsker{answer: pipeline.Answer{
		Answer: "Step 1: stay calm.",
		GuideSources: []retrieval.Chunk{
			{Content: "tenant rights text", Source: "tenant_guide.md", Score: 0.6},
		},
	}}
	server := newTestServer(asker, &stubExtractor{})

	rec := postJSON(t, server, "/v1/ask", askRequest{Question: "My landlord wants to evict me"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	var resp askResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Answer != "Step 1: stay calm." {
		t.Fatalf("unexpected answer: %q", resp.Answer)
	}
	if resp.SessionID == "" || resp.MessageID == "" {
		t.Fatal("expected session and message ids")
	}
	if len(resp.GuideSources) != 1 || resp.GuideSources[0].Source != "tenant_guide.md" {
		t.Fatalf("unexpected sources: %+v", resp.GuideSources)
	}
	if resp.UsedDocument {
		t.Fatal("usedDocument should be false when guide sources exist")
	}
	if asker.auditCalls != 0 {
		t.Fatalf("audit must not run when guide sources exist, ran %d times", asker.auditCalls)
	}
}

func TestAskAuditRunsOnlyWithDocumentAndNoSources(t *testing.T) {
	asker := &stubAsker{answer: pipeline.Answer{Answer: "based on your notice..."}, auditResult: true}
	extractor := &stubExtractor{result: extraction.Result{RawText: "eviction notice text", Explanation: "simple words"}}
	server := newTestServer(asker, extractor)

	// No document loaded: audit must not run even with empty sources.
	rec := postJSON(t, server, "/v1/ask", askRequest{Question: "help"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var first askResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if asker.auditCalls != 0 || first.UsedDocument {
		t.Fatal("audit must not run without a loaded document")
	}

	// Load a document into the same session, then ask again.
	if rec := postUpload(t, server, first.SessionID, "notice.png", "image/png", []byte{0x1}); rec.Code != http.StatusOK {
		t.Fatalf("explain failed with status %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, server, "/v1/ask", askRequest{SessionID: first.SessionID, Question: "what does my notice say?"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var second askResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if asker.auditCalls != 1 {
		t.Fatalf("expected exactly one audit call, got %d", asker.auditCalls)
	}
	if !second.UsedDocument {
		t.Fatal("expected usedDocument true from audit")
	}
	if asker.lastQuery.DocumentContext != "eviction notice text" {
		t.Fatalf("expected extracted text as document context, got %q", asker.lastQuery.DocumentContext)
	}
}

func TestFailedExtractionLeavesDocumentContextIntact(t *testing.T) {
	asker := &stubAsker{answer: pipeline.Answer{Answer: "ok"}}
	extractor := &stubExtractor{result: extraction.Result{RawText: "first document", Explanation: "e"}}
	server := newTestServer(asker, extractor)

	rec := postUpload(t, server, "session-1", "doc.png", "image/png", []byte{0x1})
	if rec.Code != http.StatusOK {
		t.Fatalf("first explain failed: %d", rec.Code)
	}

	extractor.err = extraction.ErrBadExtraction
	rec = postUpload(t, server, "session-1", "doc2.png", "image/png", []byte{0x2})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad extraction, got %d", rec.Code)
	}

	postJSON(t, server, "/v1/ask", askRequest{SessionID: "session-1", Question: "question"})
	if asker.lastQuery.DocumentContext != "first document" {
		t.Fatalf("prior document context should survive a failed extraction, got %q", asker.lastQuery.DocumentContext)
	}
}

func TestClearResetsSession(t *testing.T) {
	asker := &stubAsker{answer: pipeline.Answer{Answer: "ok"}}
	extractor := &stubExtractor{result: extraction.Result{RawText: "doc text", Explanation: "e"}}
	server := newTestServer(asker, extractor)

	if rec := postUpload(t, server, "session-2", "doc.png", "image/png", []byte{0x1}); rec.Code != http.StatusOK {
		t.Fatalf("explain failed: %d", rec.Code)
	}

	if rec := postJSON(t, server, "/v1/clear", clearRequest{SessionID: "session-2"}); rec.Code != http.StatusOK {
		t.Fatalf("clear failed: %d", rec.Code)
	}

	postJSON(t, server, "/v1/ask", askRequest{SessionID: "session-2", Question: "question"})
	if asker.lastQuery.DocumentContext != conversation.NoDocumentSentinel {
		t.Fatalf("expected sentinel after clear, got %q", asker.lastQuery.DocumentContext)
	}
	if asker.lastQuery.ChatHistory != "" {
		t.Fatalf("expected empty history after clear, got %q", asker.lastQuery.ChatHistory)
	}
}

func TestAskRejectsBadRequests(t *testing.T) {
	server := newTestServer(&stubAsker{}, &stubExtractor{})

	rec := postJSON(t, server, "/v1/ask", askRequest{Question: "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty question, got %d", rec.Code)
	}

	rec = postJSON(t, server, "/v1/ask", map[string]any{"question": "hi", "bogus": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}

	rec = postJSON(t, server, "/v1/ask", askRequest{Question: "hi", Language: "Klingon"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported language, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/ask", nil)
	getRec := httptest.NewRecorder()
	server.ServeHTTP(getRec, req)
	if getRec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", getRec.Code)
	}
}

func TestAskMapsPipelineErrorsToBadGateway(t *testing.T) {
	asker := &stubAsker{err: pipeline.ErrGeneration}
	server := newTestServer(asker, &stubExtractor{})

	rec := postJSON(t, server, "/v1/ask", askRequest{Question: "hi"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for generation failure, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "error") {
		t.Fatal("expected an error envelope")
	}
}

func TestFeedbackWithoutStoreIsUnavailable(t *testing.T) {
	server := newTestServer(&stubAsker{}, &stubExtractor{})

	rec := postJSON(t, server, "/v1/feedback", feedbackRequest{MessageID: "m-1", Rating: 1})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a store, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	server := newTestServer(&stubAsker{}, &stubExtractor{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestExtractionFailureIsBadGatewayWhenNotSchema(t *testing.T) {
	extractor := &stubExtractor{err: errors.New("vision model offline")}
	server := newTestServer(&stubAsker{}, extractor)

	rec := postUpload(t, server, "", "doc.png", "image/png", []byte{0x1})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for transport failure, got %d", rec.Code)
	}
}

func TestUnsupportedUploadTypeIsUnsupportedMediaType(t *testing.T) {
	extractor := &stubExtractor{err: extraction.ErrUnsupportedType}
	server := newTestServer(&stubAsker{}, extractor)

	rec := postUpload(t, server, "", "evidence.docx", "", []byte{0x1})
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415 for an unsupported file type, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAskStoresMessagesUnderReturnedIDs(t *testing.T) {
	asker := &stubAsker{answer: pipeline.Answer{
		Answer:       "You can file a consumer complaint.",
		GuideSources: []retrieval.Chunk{{Content: "c", Source: "consumer_guide.md", Score: 0.5}},
	}}
	store := &recordingStore{}
	server := newStoreServer(asker, &stubExtractor{}, store)

	rec := postJSON(t, server, "/v1/ask", askRequest{Question: "the shop sold me a broken phone"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var resp askResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if len(store.messages) != 2 {
		t.Fatalf("expected user and assistant messages stored, got %d", len(store.messages))
	}
	if store.messages[0].role != conversation.RoleUser || store.messages[0].id == "" {
		t.Fatalf("unexpected user message: %+v", store.messages[0])
	}
	assistant := store.messages[1]
	if assistant.role != conversation.RoleAssistant {
		t.Fatalf("unexpected assistant role: %q", assistant.role)
	}
	if assistant.id != resp.MessageID {
		t.Fatalf("response messageId %q does not match stored message id %q", resp.MessageID, assistant.id)
	}
	if len(assistant.sources) != 1 || assistant.sources[0] != "consumer_guide.md" {
		t.Fatalf("unexpected stored sources: %v", assistant.sources)
	}

	// Feedback on the returned id must resolve against the stored row.
	rec = postJSON(t, server, "/v1/feedback", feedbackRequest{SessionID: resp.SessionID, MessageID: resp.MessageID, Rating: 1})
	if rec.Code != http.StatusOK {
		t.Fatalf("feedback failed: %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.feedback) != 1 || store.feedback[0].messageID != resp.MessageID {
		t.Fatalf("unexpected feedback rows: %+v", store.feedback)
	}
	if store.feedback[0].userID != "user-"+resp.SessionID {
		t.Fatalf("feedback not attributed to the session owner: %q", store.feedback[0].userID)
	}
	if store.eventCount("feedback_positive") != 1 {
		t.Fatalf("expected one feedback_positive event, got %v", store.events)
	}
}

func TestSessionRowsCreatedBeforeFirstMessage(t *testing.T) {
	asker := &stubAsker{answer: pipeline.Answer{Answer: "ok"}}
	store := &recordingStore{}
	server := newStoreServer(asker, &stubExtractor{}, store)

	rec := postJSON(t, server, "/v1/ask", askRequest{Question: "first question"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var resp askResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rec := postJSON(t, server, "/v1/ask", askRequest{SessionID: resp.SessionID, Question: "second question"}); rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	if len(store.callOrder) == 0 || store.callOrder[0] != "ensure" {
		t.Fatalf("user and session rows must exist before message inserts, call order: %v", store.callOrder)
	}
	if len(store.ensureCalls) != 1 {
		t.Fatalf("expected one bootstrap per session, got %v", store.ensureCalls)
	}
	if store.eventCount("session_started") != 1 {
		t.Fatalf("expected one session_started event, got %v", store.events)
	}
	if store.eventCount("question_asked") != 2 {
		t.Fatalf("expected two question_asked events, got %v", store.events)
	}
	if len(store.messages) != 4 {
		t.Fatalf("expected four stored messages, got %d", len(store.messages))
	}
}

func TestBootstrapFailureSkipsMessageInserts(t *testing.T) {
	asker := &stubAsker{answer: pipeline.Answer{Answer: "ok"}}
	store := &recordingStore{ensureErr: errors.New("database down")}
	server := newStoreServer(asker, &stubExtractor{}, store)

	rec := postJSON(t, server, "/v1/ask", askRequest{Question: "question"})
	if rec.Code != http.StatusOK {
		t.Fatalf("persistence failure must not fail the turn, got %d", rec.Code)
	}
	if len(store.messages) != 0 {
		t.Fatalf("messages must not be inserted without session rows, got %d", len(store.messages))
	}
}

func TestExplainPersistsDocumentRecord(t *testing.T) {
	extractor := &stubExtractor{result: extraction.Result{RawText: "notice text", Explanation: "plain words"}}
	store := &recordingStore{}
	server := newStoreServer(&stubAsker{}, extractor, store)

	rec := postUpload(t, server, "session-7", "notice.pdf", "application/pdf", []byte("%PDF"))
	if rec.Code != http.StatusOK {
		t.Fatalf("explain failed: %d: %s", rec.Code, rec.Body.String())
	}

	if store.docUpdates["session-7"] != "notice text" {
		t.Fatalf("session document not updated: %v", store.docUpdates)
	}
	if len(store.documents) != 1 {
		t.Fatalf("expected one document record, got %d", len(store.documents))
	}
	doc := store.documents[0]
	if doc.filename != "notice.pdf" || doc.fileType != "application/pdf" || doc.sessionID != "session-7" {
		t.Fatalf("unexpected document record: %+v", doc)
	}
	if doc.userID != "user-session-7" {
		t.Fatalf("document not attributed to the session owner: %q", doc.userID)
	}
	if store.eventCount("document_uploaded") != 1 {
		t.Fatalf("expected one document_uploaded event, got %v", store.events)
	}
}

func TestHistoryReturnsPersistedMessages(t *testing.T) {
	store := &recordingStore{history: []database.Message{
		{ID: "m-1", Role: conversation.RoleUser, Content: "what is this notice?"},
		{ID: "m-2", Role: conversation.RoleAssistant, Content: "it is an eviction notice", UsedDocument: true},
	}}
	server := newStoreServer(&stubAsker{}, &stubExtractor{}, store)

	rec := getPath(t, server, "/v1/history?sessionId=session-3")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var resp historyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("expected two messages, got %d", len(resp.Messages))
	}
	if resp.Messages[1].ID != "m-2" || !resp.Messages[1].UsedDocument {
		t.Fatalf("unexpected replay projection: %+v", resp.Messages[1])
	}

	if rec := getPath(t, server, "/v1/history"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without sessionId, got %d", rec.Code)
	}

	bare := newTestServer(&stubAsker{}, &stubExtractor{})
	if rec := getPath(t, bare, "/v1/history?sessionId=x"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a store, got %d", rec.Code)
	}
}
