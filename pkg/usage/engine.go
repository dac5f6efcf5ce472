// Package usage consumes quota from tokens against the current period's
// counter.
//
// A single INCRBY or DECRBY cannot tell a missing counter from one sitting at
// its floor. Limit-mode consumption recovers the distinction by probing the
// token record once the counter goes negative; count-mode counters are
// seeded at models.CountStart so an increment that lands below it reveals a
// counter that was never seeded. Either way the stray counter the operation
// created is deleted before TokenNotExists is returned.
package usage

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/pario-ai/kansas/pkg/errs"
	"github.com/pario-ai/kansas/pkg/events"
	"github.com/pario-ai/kansas/pkg/models"
	"github.com/pario-ai/kansas/pkg/period"
	"github.com/pario-ai/kansas/pkg/store"
)

// TokenReader resolves tokens with their current usage.
type TokenReader interface {
	Get(ctx context.Context, token string) (*models.Token, error)
	GetByOwnerID(ctx context.Context, ownerID string) ([]models.Token, error)
}

// Engine performs consume and count operations.
type Engine struct {
	store   *store.Store
	periods *period.Calculator
	tokens  TokenReader
	bus     events.Publisher
	logger  hclog.Logger
}

// New returns an Engine. A nil bus discards events.
func New(s *store.Store, periods *period.Calculator, tokens TokenReader, bus events.Publisher, logger hclog.Logger) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if bus == nil {
		bus = (*events.Bus)(nil)
	}
	return &Engine{
		store:   s,
		periods: periods,
		tokens:  tokens,
		bus:     bus,
		logger:  logger.Named("usage"),
	}
}

// target is the counter an operation will hit.
type target struct {
	key   string
	count bool
}

// resolve finds the current counter for token. ok is false when the token
// record does not exist.
func (e *Engine) resolve(ctx context.Context, token string) (t target, ok bool, err error) {
	vals, err := e.store.Client().HMGet(ctx, e.store.TokenKey(token), store.FieldPeriod, store.FieldCount).Result()
	if err != nil {
		return target{}, false, store.Wrap("resolve token", err)
	}
	p, _ := vals[0].(string)
	if p == "" {
		return target{}, false, nil
	}
	c, _ := vals[1].(string)
	bucket, err := e.periods.Current(models.Period(p))
	if err != nil {
		return target{}, false, err
	}
	t.count = c == "1"
	t.key = e.store.UsageKey(bucket, token, t.count)
	return t, true, nil
}

// Consume takes units from a limit-mode token and returns what remains.
// The counter keeps going negative past exhaustion until it rolls over.
func (e *Engine) Consume(ctx context.Context, token string, units int64) (int64, error) {
	if units < 1 {
		return 0, errs.Validation("units must be positive, got %d", units)
	}
	t, ok, err := e.resolve(ctx, token)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, e.missing(token, units, false)
	}
	if t.count {
		return 0, errs.Validation("token %q counts usage, use count", token)
	}

	remaining, err := e.store.Client().DecrBy(ctx, t.key, units).Result()
	if err != nil {
		return 0, store.Wrap("consume", err)
	}
	e.bus.Publish(events.Event{Type: events.Consume, TokenID: token, Units: units, Value: remaining})

	if remaining >= 0 {
		return remaining, nil
	}
	return remaining, e.checkExhausted(ctx, token, t.key)
}

// checkExhausted tells an exhausted token from one deleted underneath us.
func (e *Engine) checkExhausted(ctx context.Context, token, key string) error {
	n, err := e.store.Client().Exists(ctx, e.store.TokenKey(token)).Result()
	if err != nil {
		return store.Wrap("check token exists", err)
	}
	if n > 0 {
		return errs.UsageLimit(token)
	}
	e.logger.Debug("dropping counter of missing token", "token", token, "key", key)
	if err := e.store.Client().Del(ctx, key).Err(); err != nil {
		return store.Wrap("delete stray counter", err)
	}
	return errs.TokenNotExists(token)
}

// missing publishes the consume event for a token that does not exist and
// returns the error.
func (e *Engine) missing(token string, units int64, count bool) error {
	err := errs.TokenNotExists(token)
	e.bus.Publish(events.Event{Type: events.Consume, TokenID: token, Units: units, Count: count, Err: err})
	return err
}

// Count adds units to a count-mode token and returns the total consumed in
// the current period.
func (e *Engine) Count(ctx context.Context, token string, units int64) (int64, error) {
	if units < 1 {
		return 0, errs.Validation("units must be positive, got %d", units)
	}
	t, ok, err := e.resolve(ctx, token)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, e.missing(token, units, true)
	}
	if !t.count {
		return 0, errs.Validation("token %q has a limit, use consume", token)
	}

	result, err := e.store.Client().IncrBy(ctx, t.key, units).Result()
	if err != nil {
		return 0, store.Wrap("count", err)
	}
	if result-units < models.CountStart {
		e.logger.Debug("dropping unseeded counter", "token", token, "key", t.key)
		if err := e.store.Client().Del(ctx, t.key).Err(); err != nil {
			return 0, store.Wrap("delete stray counter", err)
		}
		return 0, e.missing(token, units, true)
	}

	consumed := result - models.CountStart
	e.bus.Publish(events.Event{Type: events.Consume, TokenID: token, Units: units, Value: consumed, Count: true})
	return consumed, nil
}

// Usage returns remaining units for limit-mode tokens and consumed units for
// count-mode tokens in the current period.
func (e *Engine) Usage(ctx context.Context, token string) (int64, error) {
	tok, err := e.tokens.Get(ctx, token)
	if err != nil {
		return 0, err
	}
	if tok == nil {
		return 0, errs.TokenNotExists(token)
	}
	return tok.Usage(), nil
}

// UsageByOwner returns every token of an owner with its usage populated.
func (e *Engine) UsageByOwner(ctx context.Context, ownerID string) ([]models.Token, error) {
	return e.tokens.GetByOwnerID(ctx, ownerID)
}
