// Package filesystem implements a retrieval connector over a directory of
// plain-text documents, scoring chunks by token-overlap ratio:
// score = |query_tokens ∩ chunk_tokens| / |query_tokens|.
package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sovereign-rag/gateway/internal/gwtypes"
)

// indexedChunk is one fixed-size word chunk of an indexed file, with its
// token set computed at construction time.
type indexedChunk struct {
	sourceID string
	uri      string
	chunkID  string
	text     string
	tokens   map[string]struct{}
	metadata map[string]string
}

// Connector serves Search/Fetch over an in-memory index built from a
// directory tree of .txt files.
type Connector struct {
	name       string
	chunks     []indexedChunk
	byDocument map[string]string
	chunkSize  int
}

// Config controls how a directory is indexed.
type Config struct {
	Name      string
	RootDir   string
	ChunkSize int // words per chunk; defaults to 200
}

// New builds a Connector by walking RootDir and chunking every .txt file it
// finds.
func New(cfg Config) (*Connector, error) {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 200
	}
	c := &Connector{name: cfg.Name, byDocument: make(map[string]string), chunkSize: chunkSize}

	err := filepath.WalkDir(cfg.RootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".txt") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("filesystem connector: read %s: %w", path, err)
		}
		sourceID := strings.TrimSuffix(filepath.Base(path), ".txt")
		c.byDocument[sourceID] = string(content)
		for i, chunkText := range chunkWords(string(content), chunkSize) {
			c.chunks = append(c.chunks, indexedChunk{
				sourceID: sourceID,
				uri:      "file://" + path,
				chunkID:  fmt.Sprintf("%s-%d", sourceID, i),
				text:     chunkText,
				tokens:   tokenSet(chunkText),
				metadata: map[string]string{"path": path},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func chunkWords(text string, size int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var chunks []string
	for i := 0; i < len(words); i += size {
		end := i + size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[i:end], " "))
	}
	return chunks
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = struct{}{}
	}
	return set
}

// Search scores every chunk by token-overlap ratio against the query,
// filters out chunks that do not match every supplied filter key/value
// exactly, and returns the top-k by descending score.
func (c *Connector) Search(_ context.Context, query string, filters map[string]string, k int) ([]gwtypes.DocumentChunk, error) {
	queryTokens := tokenSet(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	type scored struct {
		chunk indexedChunk
		score float64
	}
	var candidates []scored
	for _, chunk := range c.chunks {
		if !matchesFilters(chunk.metadata, filters) {
			continue
		}
		score := overlapRatio(queryTokens, chunk.tokens)
		if score <= 0 {
			continue
		}
		candidates = append(candidates, scored{chunk: chunk, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}
	out := make([]gwtypes.DocumentChunk, k)
	for i := 0; i < k; i++ {
		cand := candidates[i]
		out[i] = gwtypes.DocumentChunk{
			SourceID:  cand.chunk.sourceID,
			Connector: c.name,
			URI:       cand.chunk.uri,
			ChunkID:   cand.chunk.chunkID,
			Text:      cand.chunk.text,
			Score:     cand.score,
			Metadata:  cand.chunk.metadata,
		}
	}
	return out, nil
}

// Fetch returns the full indexed text of a document by its source id.
func (c *Connector) Fetch(_ context.Context, docID string) (*gwtypes.Document, error) {
	text, ok := c.byDocument[docID]
	if !ok {
		return nil, nil
	}
	return &gwtypes.Document{SourceID: docID, Text: text}, nil
}

func matchesFilters(metadata, filters map[string]string) bool {
	for k, v := range filters {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// overlapRatio computes |query ∩ chunk| / |query|, clamped to [0,1].
func overlapRatio(query, chunk map[string]struct{}) float64 {
	intersection := 0
	for tok := range query {
		if _, ok := chunk[tok]; ok {
			intersection++
		}
	}
	ratio := float64(intersection) / float64(len(query))
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return ratio
}
