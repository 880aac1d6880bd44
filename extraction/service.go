// Package extraction turns an uploaded legal document into raw text plus a
// plain-language explanation.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/nyaysaathi/nyay-agent/llm"
	"github.com/nyaysaathi/nyay-agent/prompt"
)

// ErrBadExtraction marks a model reply that violates the expected
// {raw_text, explanation} schema. No partial recovery is attempted; callers
// should advise re-uploading a clearer file.
var ErrBadExtraction = errors.New("document extraction returned invalid output")

// ErrUnsupportedType marks an upload whose media type has no extraction
// path. The caller sent the wrong kind of file; nothing downstream failed.
var ErrUnsupportedType = errors.New("unsupported file type")

// Result is the strict extraction schema.
type Result struct {
	RawText     string `json:"raw_text"`
	Explanation string `json:"explanation"`
}

var extractImagePrompt = prompt.MustNew(`You are an AI assistant. The user has uploaded a document (MIME type: {file_type}).
Perform two tasks:
1. Extract all raw text from the document.
2. Explain the document in simple, everyday {language}.

Respond with ONLY a JSON object in this format:
{"raw_text": "The raw extracted text...", "explanation": "Your simple {language} explanation..."}`,
	"file_type", "language")

var explainTextPrompt = prompt.MustNew(`You are an AI assistant. The user has uploaded a legal document; its text is below.
Explain the document in simple, everyday {language}. Do not use any legal jargon.

DOCUMENT TEXT:
{text}`,
	"language", "text")

type Service struct {
	llm            llm.Client
	maxUploadBytes int64
	logger         *log.Logger
}

func NewService(llmClient llm.Client, maxUploadBytes int64, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		llm:            llmClient,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// Extract pulls text out of the uploaded file and explains it in the
// requested language. PDFs are parsed locally and only the explanation is
// delegated to the model; images go through the multimodal path. A failed
// extraction leaves the caller's existing document context untouched
// because no replacement value is ever produced on error.
func (s *Service) Extract(ctx context.Context, data []byte, mimeType, language string) (Result, error) {
	if len(data) == 0 {
		return Result{}, fmt.Errorf("uploaded file is empty")
	}
	if s.maxUploadBytes > 0 && int64(len(data)) > s.maxUploadBytes {
		return Result{}, fmt.Errorf("file too large: %d bytes exceeds limit of %d", len(data), s.maxUploadBytes)
	}
	if s.llm == nil {
		return Result{}, fmt.Errorf("llm client is not configured")
	}

	switch {
	case mimeType == "application/pdf":
		return s.extractPDF(ctx, data, language)
	case strings.HasPrefix(mimeType, "image/"):
		return s.extractImage(ctx, data, mimeType, language)
	default:
		if mimeType == "" {
			return Result{}, fmt.Errorf("%w: unknown media type", ErrUnsupportedType)
		}
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
}

func (s *Service) extractPDF(ctx context.Context, data []byte, language string) (Result, error) {
	text, err := pdfText(data)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadExtraction, err)
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("%w: pdf contains no extractable text", ErrBadExtraction)
	}

	rendered, err := explainTextPrompt.Render(map[string]string{
		"language": language,
		"text":     text,
	})
	if err != nil {
		return Result{}, fmt.Errorf("render explain prompt: %w", err)
	}

	explanation, err := s.llm.Generate(ctx, []llm.Message{{Role: llm.RoleUser, Content: rendered}})
	if err != nil {
		return Result{}, fmt.Errorf("explain document: %w", err)
	}
	explanation = strings.TrimSpace(explanation)
	if explanation == "" {
		return Result{}, fmt.Errorf("%w: model returned empty explanation", ErrBadExtraction)
	}

	return Result{RawText: text, Explanation: explanation}, nil
}

func (s *Service) extractImage(ctx context.Context, data []byte, mimeType, language string) (Result, error) {
	rendered, err := extractImagePrompt.Render(map[string]string{
		"file_type": mimeType,
		"language":  language,
	})
	if err != nil {
		return Result{}, fmt.Errorf("render extract prompt: %w", err)
	}

	reply, err := s.llm.DescribeFile(ctx, rendered, mimeType, data)
	if err != nil {
		return Result{}, fmt.Errorf("describe document: %w", err)
	}

	return ParseResult(reply)
}

// ParseResult decodes a model reply against the strict extraction schema.
// Markdown code fences around the JSON are tolerated; anything else that
// deviates from the schema is ErrBadExtraction.
func ParseResult(reply string) (Result, error) {
	cleaned := strings.TrimSpace(reply)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.DisallowUnknownFields()

	var result Result
	if err := dec.Decode(&result); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadExtraction, err)
	}
	if dec.More() {
		return Result{}, fmt.Errorf("%w: trailing data after JSON object", ErrBadExtraction)
	}
	if strings.TrimSpace(result.RawText) == "" {
		return Result{}, fmt.Errorf("%w: raw_text is empty", ErrBadExtraction)
	}
	if strings.TrimSpace(result.Explanation) == "" {
		return Result{}, fmt.Errorf("%w: explanation is empty", ErrBadExtraction)
	}

	return result, nil
}

func pdfText(data []byte) (string, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	plain, err := doc.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}

	return normalizePlainText(buf.String()), nil
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}
