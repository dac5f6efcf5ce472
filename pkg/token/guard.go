package token

import (
	"context"
	"strings"

	"github.com/pario-ai/kansas/pkg/errs"
	"github.com/pario-ai/kansas/pkg/events"
	"github.com/pario-ai/kansas/pkg/models"
	"github.com/pario-ai/kansas/pkg/store"
)

// createRequest carries a create through the guard pipeline. Guards fill in
// policy as they go.
type createRequest struct {
	models.TokenRequest
	policy models.Policy
}

// guard runs before a token is written. A non-nil error aborts the create.
type guard func(ctx context.Context, req *createRequest) error

func (m *Manager) guards() []guard {
	g := []guard{validateOwner, validateTokenID, m.resolvePolicy}
	if !m.strict {
		g = append(g, m.checkCeiling)
	}
	return g
}

func validateOwner(_ context.Context, req *createRequest) error {
	if strings.TrimSpace(req.OwnerID) == "" {
		return errs.Validation("ownerId required")
	}
	return nil
}

// validateTokenID rejects caller supplied ids containing the key separator.
// "count:abc" would otherwise share a counter key with the count-mode
// counter of "abc".
func validateTokenID(_ context.Context, req *createRequest) error {
	if strings.Contains(req.Token, ":") {
		return errs.Validation("token %q must not contain ':'", req.Token)
	}
	return nil
}

func (m *Manager) resolvePolicy(_ context.Context, req *createRequest) error {
	p, err := m.policies.Get(req.PolicyName)
	if err != nil {
		return err
	}
	req.policy = p
	return nil
}

// checkCeiling is a soft limit: the count is read outside the create
// transaction, so concurrent creates for one owner can overshoot.
func (m *Manager) checkCeiling(ctx context.Context, req *createRequest) error {
	n, err := m.store.Client().SCard(ctx, m.store.IndexKey(req.OwnerID)).Result()
	if err != nil {
		return store.Wrap("count owner tokens", err)
	}
	return m.ceilingReached(req, n)
}

func (m *Manager) ceilingReached(req *createRequest, n int64) error {
	if n < req.policy.MaxTokens {
		return nil
	}
	m.logger.Debug("max tokens reached", "owner", req.OwnerID, "policy", req.policy.Name, "max", req.policy.MaxTokens)
	reqCopy := req.TokenRequest
	m.bus.Publish(events.Event{Type: events.MaxTokens, Request: &reqCopy, MaxTokens: req.policy.MaxTokens})
	return errs.MaxTokensPerUser(req.OwnerID, req.policy.MaxTokens)
}
