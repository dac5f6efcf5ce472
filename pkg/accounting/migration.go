// Package accounting moves owners between policies.
package accounting

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/kansas/pkg/errs"
	"github.com/pario-ai/kansas/pkg/events"
	"github.com/pario-ai/kansas/pkg/models"
	"github.com/pario-ai/kansas/pkg/period"
	"github.com/pario-ai/kansas/pkg/policy"
	"github.com/pario-ai/kansas/pkg/store"
)

// OwnerTokens lists the tokens held by an owner.
type OwnerTokens interface {
	GetByOwnerID(ctx context.Context, ownerID string) ([]models.Token, error)
}

// Migrator rewrites an owner's tokens onto a new policy.
type Migrator struct {
	store    *store.Store
	policies *policy.Registry
	periods  *period.Calculator
	tokens   OwnerTokens
	bus      events.Publisher
	logger   hclog.Logger
}

// New returns a Migrator. A nil bus discards events.
func New(s *store.Store, reg *policy.Registry, periods *period.Calculator, tokens OwnerTokens, bus events.Publisher, logger hclog.Logger) *Migrator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if bus == nil {
		bus = (*events.Bus)(nil)
	}
	return &Migrator{
		store:    s,
		policies: reg,
		periods:  periods,
		tokens:   tokens,
		bus:      bus,
		logger:   logger.Named("accounting"),
	}
}

// ChangePolicy moves every token of change.OwnerID to change.PolicyName and
// resets the current and next period counters to the new starting value.
// Each token is rewritten in its own transaction; the call fails if any of
// them fails.
func (m *Migrator) ChangePolicy(ctx context.Context, change models.PolicyChange) error {
	if change.OwnerID == "" {
		return errs.Validation("owner id required")
	}
	p, err := m.policies.Get(change.PolicyName)
	if err != nil {
		return err
	}
	toks, err := m.tokens.GetByOwnerID(ctx, change.OwnerID)
	if err != nil {
		return err
	}
	if len(toks) == 0 {
		return nil
	}

	cur, err := m.periods.Current(p.Period)
	if err != nil {
		return err
	}
	next, err := m.periods.Next(p.Period)
	if err != nil {
		return err
	}

	// Every token runs to completion; one failure does not cancel the rest.
	var g errgroup.Group
	for _, tok := range toks {
		g.Go(func() error {
			return m.migrate(ctx, tok, p, cur, next)
		})
	}
	err = g.Wait()
	// The writes are already issued; report the change either way.
	m.bus.Publish(events.Event{Type: events.PolicyChange, Change: &change, Policy: &p})
	if err != nil {
		return err
	}
	m.logger.Info("policy changed", "owner", change.OwnerID, "policy", p.Name, "tokens", len(toks))
	return nil
}

func (m *Migrator) migrate(ctx context.Context, tok models.Token, p models.Policy, cur, next string) error {
	start := p.StartValue()
	usage := m.store.UsageKey(cur, tok.Token, p.Count)
	future := m.store.UsageKey(next, tok.Token, p.Count)

	// Counters under the old mode or period would otherwise linger.
	var stale []string
	if tok.Count != p.Count || tok.Period != p.Period {
		oldCur, err := m.periods.Current(tok.Period)
		if err != nil {
			return fmt.Errorf("token %s: %w", tok.Token, err)
		}
		oldNext, err := m.periods.Next(tok.Period)
		if err != nil {
			return fmt.Errorf("token %s: %w", tok.Token, err)
		}
		for _, k := range []string{
			m.store.UsageKey(oldCur, tok.Token, tok.Count),
			m.store.UsageKey(oldNext, tok.Token, tok.Count),
		} {
			if k != usage && k != future {
				stale = append(stale, k)
			}
		}
	}

	_, err := m.store.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, m.store.TokenKey(tok.Token), store.EncodePolicy(p))
		pipe.Set(ctx, usage, start, 0)
		pipe.Set(ctx, future, start, 0)
		if len(stale) > 0 {
			pipe.Del(ctx, stale...)
		}
		return nil
	})
	if err != nil {
		return store.Wrap("change policy", err)
	}
	m.logger.Debug("token migrated", "token", tok.Token, "from", tok.PolicyName, "to", p.Name)
	return nil
}
