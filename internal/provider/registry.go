package provider

import (
	"fmt"
	"sort"
)

// Capabilities declares what a registered provider can do.
type Capabilities struct {
	Chat       bool
	Streaming  bool
	Embeddings bool
	// ModelPrefixes restricts which model names the provider accepts; an
	// empty slice means the provider accepts any model.
	ModelPrefixes []string
}

func (c Capabilities) supportsModel(model string) bool {
	if len(c.ModelPrefixes) == 0 {
		return true
	}
	for _, p := range c.ModelPrefixes {
		if len(model) >= len(p) && model[:len(p)] == p {
			return true
		}
	}
	return false
}

// Entry is one registered provider along with its routing metadata.
type Entry struct {
	Name         string
	Chat         ChatProvider
	Embeddings   EmbeddingsProvider
	Capabilities Capabilities
	Cost         CostFunc
	// Priority orders the fallback chain: lower values are tried first. The
	// primary provider should carry priority 0.
	Priority int
	Enabled  bool
}

func (e Entry) streaming() (StreamingChatProvider, bool) {
	s, ok := e.Chat.(StreamingChatProvider)
	return s, ok && e.Capabilities.Streaming
}

// Registry holds the set of configured providers, keyed by name.
type Registry struct {
	entries map[string]Entry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces a provider entry.
func (r *Registry) Register(e Entry) {
	r.entries[e.Name] = e
}

// Get returns the entry registered under name.
func (r *Registry) Get(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Names returns every registered provider name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FallbackChain returns, for a given operation ("chat" or "embeddings") and
// model, the eligible providers ordered primary-first by priority: the named
// primary (if eligible) followed by every other enabled, capable provider in
// ascending priority order. An ineligible or disabled primary is simply
// omitted rather than erroring, so the chain degrades to whichever
// secondaries remain.
func (r *Registry) FallbackChain(operation, primary, model string) ([]Entry, error) {
	var chain []Entry
	var rest []Entry

	for name, e := range r.entries {
		if !e.Enabled {
			continue
		}
		if !eligible(e, operation, model) {
			continue
		}
		if name == primary {
			chain = append(chain, e)
			continue
		}
		rest = append(rest, e)
	}

	sort.Slice(rest, func(i, j int) bool {
		if rest[i].Priority != rest[j].Priority {
			return rest[i].Priority < rest[j].Priority
		}
		return rest[i].Name < rest[j].Name
	})
	chain = append(chain, rest...)

	if len(chain) == 0 {
		return nil, fmt.Errorf("provider: no eligible provider for operation %q model %q", operation, model)
	}
	return chain, nil
}

func eligible(e Entry, operation, model string) bool {
	switch operation {
	case "chat":
		return e.Chat != nil && e.Capabilities.Chat && e.Capabilities.supportsModel(model)
	case "chat_stream":
		if e.Chat == nil || !e.Capabilities.Chat || !e.Capabilities.supportsModel(model) {
			return false
		}
		_, ok := e.streaming()
		return ok
	case "embeddings":
		return e.Embeddings != nil && e.Capabilities.Embeddings && e.Capabilities.supportsModel(model)
	default:
		return false
	}
}
