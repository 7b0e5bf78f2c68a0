package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/docuflow/docuflow/pkg/errors"
)

// Capability names an operation a provider can perform. The raw string only
// appears at the registration boundary; everywhere else the typed constant
// is used.
type Capability string

const (
	// CapGenerateCompletion is the base LLM completion capability
	CapGenerateCompletion Capability = "generate_completion"
	// CapSummarizeDocument produces a document summary
	CapSummarizeDocument Capability = "summarize_document"
	// CapExtractClauses pulls structured clauses out of a document
	CapExtractClauses Capability = "extract_clauses"
	// CapScoreRisk assigns risk scores to extracted clauses
	CapScoreRisk Capability = "score_risk"
	// CapHealthCheck is the lightweight probe used by the health monitor
	CapHealthCheck Capability = "health_check"
)

// Operation is a caller-supplied unit of work executed against a provider.
// The core never inspects the payload.
type Operation func(ctx context.Context, input interface{}) (interface{}, error)

// Provider describes a registered LLM provider: its capabilities, ranking
// priority, and the operation table keyed by capability.
type Provider struct {
	Name         string
	Capabilities []Capability
	Priority     int

	operations map[Capability]Operation
}

// HasCapability reports whether the provider supports the capability
func (p *Provider) HasCapability(capability Capability) bool {
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Operation returns the callable registered for the capability
func (p *Provider) Operation(capability Capability) (Operation, error) {
	op, ok := p.operations[capability]
	if !ok {
		return nil, errors.NewNotFoundError(
			fmt.Sprintf("capability %s on provider %s", capability, p.Name))
	}
	return op, nil
}

// Registry holds the registered providers. It is an injectable state
// container passed by reference to the components that need it.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

// NewRegistry creates an empty provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
	}
}

// Register registers a provider under its name
func (r *Registry) Register(name string, capabilities []Capability, priority int, operations map[Capability]Operation) error {
	if name == "" {
		return errors.NewValidationError("provider name cannot be empty")
	}
	if len(operations) == 0 {
		return errors.NewValidationError("provider must register at least one operation")
	}
	for _, c := range capabilities {
		if _, ok := operations[c]; !ok {
			return errors.NewValidationError(
				fmt.Sprintf("capability %s declared without an operation", c))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return errors.NewValidationError(fmt.Sprintf("provider %s is already registered", name))
	}

	ops := make(map[Capability]Operation, len(operations))
	for c, op := range operations {
		ops[c] = op
	}

	r.providers[name] = &Provider{
		Name:         name,
		Capabilities: append([]Capability(nil), capabilities...),
		Priority:     priority,
		operations:   ops,
	}

	return nil
}

// Unregister removes a provider from the registry
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; !exists {
		return errors.NewNotFoundError("provider")
	}

	delete(r.providers, name)
	return nil
}

// Get retrieves a provider by name
func (r *Registry) Get(name string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.providers[name]
	if !exists {
		return nil, errors.NewNotFoundError("provider")
	}

	return p, nil
}

// List returns the names of all registered providers
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}

	return names
}

// Priority returns the configured priority for a provider, zero if unknown
func (r *Registry) Priority(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.providers[name]; ok {
		return p.Priority
	}
	return 0
}
