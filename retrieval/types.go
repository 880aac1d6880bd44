package retrieval

// Chunk is one guide passage returned by a similarity search, ordered by
// descending relevance. Chunks live for a single turn; callers that persist
// sources flatten them to labels.
type Chunk struct {
	Content string
	Source  string
	Score   float64
}

// SourceLabels flattens chunks to their guide labels, preserving order.
func SourceLabels(chunks []Chunk) []string {
	labels := make([]string, len(chunks))
	for i, chunk := range chunks {
		labels[i] = chunk.Source
	}
	return labels
}
