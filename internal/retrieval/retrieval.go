// Package retrieval implements the named-connector registry and the
// orchestrator that dispatches a RAG request to a connector, guarded by the
// policy's connector allow-list, and projects returned chunks into
// citations.
package retrieval

import (
	"context"
	"fmt"

	"github.com/sovereign-rag/gateway/internal/gwtypes"
)

// Connector is the interface every retrieval backend implements, consumed
// by the orchestrator.
type Connector interface {
	Search(ctx context.Context, query string, filters map[string]string, k int) ([]gwtypes.DocumentChunk, error)
	Fetch(ctx context.Context, docID string) (*gwtypes.Document, error)
}

// Registry is a name→Connector map.
type Registry struct {
	connectors map[string]Connector
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds or replaces a connector under name.
func (r *Registry) Register(name string, c Connector) {
	r.connectors[name] = c
}

// Get returns the connector registered under name.
func (r *Registry) Get(name string) (Connector, bool) {
	c, ok := r.connectors[name]
	return c, ok
}

// Request is the normalized retrieval request built by the orchestrator's
// caller.
type Request struct {
	Query            string
	Connector        string
	K                int
	Filters          map[string]string
	AllowedConnectors []string
}

// DeniedError indicates the requested connector is not in the allowed list.
type DeniedError struct {
	Connector string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("retrieval: connector %q is not in the allowed list", e.Connector)
}

// NotFoundError indicates the requested connector is not registered.
type NotFoundError struct {
	Connector string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("retrieval: connector %q is not registered", e.Connector)
}

// Orchestrator dispatches retrieval requests through the registry.
type Orchestrator struct {
	registry *Registry
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(registry *Registry) *Orchestrator {
	return &Orchestrator{registry: registry}
}

// Search validates the connector against the allow-list and registry, then
// dispatches Search to it. An empty AllowedConnectors list means "any
// registered connector is allowed"; the config-level default allow list is
// resolved by the caller before this point.
func (o *Orchestrator) Search(ctx context.Context, req Request) ([]gwtypes.DocumentChunk, error) {
	if len(req.AllowedConnectors) > 0 && !contains(req.AllowedConnectors, req.Connector) {
		return nil, &DeniedError{Connector: req.Connector}
	}
	connector, ok := o.registry.Get(req.Connector)
	if !ok {
		return nil, &NotFoundError{Connector: req.Connector}
	}
	return connector.Search(ctx, req.Query, req.Filters, req.K)
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

// BuildCitations projects DocumentChunks into their Citation form.
func BuildCitations(chunks []gwtypes.DocumentChunk) []gwtypes.Citation {
	citations := make([]gwtypes.Citation, len(chunks))
	for i, c := range chunks {
		citations[i] = gwtypes.CitationOf(c)
	}
	return citations
}

// RenderContextMessage builds the synthesized system message appended after
// retrieval: "Retrieved context chunks:\n[<chunk_id>] <text>\n…".
func RenderContextMessage(chunks []gwtypes.DocumentChunk) string {
	out := "Retrieved context chunks:\n"
	for _, c := range chunks {
		out += fmt.Sprintf("[%s] %s\n", c.ChunkID, c.Text)
	}
	return out
}
