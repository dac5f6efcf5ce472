// Package policy holds the process-local catalog of quota policies.
package policy

import (
	"sort"
	"sync"

	"github.com/pario-ai/kansas/pkg/errs"
	"github.com/pario-ai/kansas/pkg/models"
)

// Registry is a catalog of named policies. Policies are never replaced once
// registered; Create is first-writer-wins.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]models.Policy
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]models.Policy)}
}

// Create registers p and returns the stored policy. If a policy with the
// same name exists it is returned unchanged.
func (r *Registry) Create(p models.Policy) (models.Policy, error) {
	if p.Name == "" {
		return models.Policy{}, errs.Validation("policy name required")
	}
	if p.Period == "" {
		p.Period = models.PeriodMonth
	}
	if !p.Period.Valid() {
		return models.Policy{}, errs.Validation("policy %q: unsupported period %q", p.Name, p.Period)
	}
	if p.MaxTokens < 0 {
		return models.Policy{}, errs.Validation("policy %q: max_tokens must not be negative", p.Name)
	}
	if p.Count {
		p.Limit = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.policies[p.Name]; ok {
		return existing, nil
	}
	r.policies[p.Name] = p
	return p, nil
}

// Get returns the named policy or a policy not-found error.
func (r *Registry) Get(name string) (models.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	if !ok {
		return models.Policy{}, errs.PolicyNotFound(name)
	}
	return p, nil
}

// Has reports whether a policy is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.policies[name]
	return ok
}

// List returns all policies sorted by name.
func (r *Registry) List() []models.Policy {
	r.mu.RLock()
	out := make([]models.Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
