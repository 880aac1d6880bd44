// Package pipeline turns a question, chat history, and two competing context
// sources into a single grounded answer with provenance.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/nyaysaathi/nyay-agent/conversation"
	"github.com/nyaysaathi/nyay-agent/llm"
	"github.com/nyaysaathi/nyay-agent/retrieval"
)

var (
	// ErrRetrieval marks a failed guide search. The turn is aborted; an
	// empty search result is not a retrieval error.
	ErrRetrieval = errors.New("guide retrieval failed")

	// ErrGeneration marks a failed or empty model completion. No retry
	// happens here; callers own any retry policy.
	ErrGeneration = errors.New("answer generation failed")
)

// Query is the immutable input for one turn.
type Query struct {
	Question        string
	Language        string
	ChatHistory     string
	DocumentContext string
}

type Answer struct {
	Answer       string
	GuideSources []retrieval.Chunk
}

// GuideSearcher is the retriever contract the pipeline depends on.
type GuideSearcher interface {
	Search(ctx context.Context, query string) ([]retrieval.Chunk, error)
}

type Service struct {
	retriever GuideSearcher
	llm       llm.Client
	logger    *log.Logger
}

func NewService(retriever GuideSearcher, llmClient llm.Client, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		retriever: retriever,
		llm:       llmClient,
		logger:    logger,
	}
}

// Ask runs one turn: guide retrieval, context arbitration, one generation
// attempt. It never touches conversation state; the caller decides what to
// append.
func (s *Service) Ask(ctx context.Context, q Query) (Answer, error) {
	q.Question = strings.TrimSpace(q.Question)
	if q.Question == "" {
		return Answer{}, fmt.Errorf("question cannot be empty")
	}
	if s.retriever == nil {
		return Answer{}, fmt.Errorf("retriever is not configured")
	}
	if s.llm == nil {
		return Answer{}, fmt.Errorf("llm client is not configured")
	}
	if q.DocumentContext == "" {
		q.DocumentContext = conversation.NoDocumentSentinel
	}

	chunks, err := s.retriever.Search(ctx, q.Question)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrRetrieval, err)
	}
	if len(chunks) == 0 {
		s.logger.Printf("no guide chunks cleared the threshold for this question")
	}

	rendered, err := answerPrompt.Render(map[string]string{
		"context":          formatGuideContext(chunks),
		"document_context": q.DocumentContext,
		"chat_history":     q.ChatHistory,
		"question":         q.Question,
		"language":         q.Language,
	})
	if err != nil {
		return Answer{}, fmt.Errorf("render answer prompt: %w", err)
	}

	generated, err := s.llm.Generate(ctx, []llm.Message{{Role: llm.RoleUser, Content: rendered}})
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	answer := strings.TrimSpace(generated)
	if answer == "" {
		return Answer{}, fmt.Errorf("%w: model returned empty text", ErrGeneration)
	}

	return Answer{Answer: answer, GuideSources: chunks}, nil
}

// formatGuideContext joins retrieved chunks with a source label per chunk.
// An empty retrieval renders as an explicit marker so the prompt stays
// well-formed and the model falls back gracefully.
func formatGuideContext(chunks []retrieval.Chunk) string {
	if len(chunks) == 0 {
		return "(no relevant guide passages found)"
	}

	parts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		parts = append(parts, fmt.Sprintf("source: %s\n%s", chunk.Source, chunk.Content))
	}
	return strings.Join(parts, "\n\n---\n\n")
}
