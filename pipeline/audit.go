package pipeline

import (
	"context"
	"strings"

	"github.com/nyaysaathi/nyay-agent/conversation"
	"github.com/nyaysaathi/nyay-agent/llm"
)

// auditContextLimit caps how much document text goes into the audit prompt.
const auditContextLimit = 1000

// AuditDocumentUse classifies whether an answer was primarily derived from
// the uploaded document. Callers run it only when guide retrieval returned
// nothing; when guide sources exist the answer is attributed to guides
// without a model call.
//
// This is best-effort provenance: under any uncertainty (failed call, odd
// reply) it returns false rather than over-claim document attribution.
func (s *Service) AuditDocumentUse(ctx context.Context, question, answer, documentContext string) bool {
	if documentContext == "" || documentContext == conversation.NoDocumentSentinel {
		return false
	}

	// Rune-based so Indic-script documents are not cut mid-character.
	truncated := documentContext
	if runes := []rune(truncated); len(runes) > auditContextLimit {
		truncated = string(runes[:auditContextLimit])
	}

	rendered, err := auditPrompt.Render(map[string]string{
		"question": question,
		"response": answer,
		"context":  truncated,
	})
	if err != nil {
		s.logger.Printf("warning: render audit prompt: %v", err)
		return false
	}

	reply, err := s.llm.Generate(ctx, []llm.Message{{Role: llm.RoleUser, Content: rendered}})
	if err != nil {
		s.logger.Printf("warning: could not audit response source: %v", err)
		return false
	}

	return strings.Contains(strings.ToUpper(reply), "YES")
}
