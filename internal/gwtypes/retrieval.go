package gwtypes

// DocumentChunk is a single retrieved passage returned by a connector's
// Search call.
type DocumentChunk struct {
	SourceID  string            `json:"source_id"`
	Connector string            `json:"connector"`
	URI       string            `json:"uri"`
	ChunkID   string            `json:"chunk_id"`
	Text      string            `json:"text"`
	Score     float64           `json:"score"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Citation is the public projection of a DocumentChunk attached to a
// response message.
type Citation struct {
	SourceID  string  `json:"source_id"`
	Connector string  `json:"connector"`
	URI       string  `json:"uri"`
	ChunkID   string  `json:"chunk_id"`
	Score     float64 `json:"score"`
}

// CitationOf projects a DocumentChunk down to its Citation fields.
func CitationOf(c DocumentChunk) Citation {
	return Citation{
		SourceID:  c.SourceID,
		Connector: c.Connector,
		URI:       c.URI,
		ChunkID:   c.ChunkID,
		Score:     c.Score,
	}
}

// Document is the full document a connector's Fetch call may return.
type Document struct {
	SourceID string            `json:"source_id"`
	URI      string            `json:"uri"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
