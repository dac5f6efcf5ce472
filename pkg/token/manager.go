// Package token manages the token lifecycle: creation with per-owner
// ceilings, lookup and deletion. A token's record, owner index entry and
// both usage counters are always written and removed in one transaction.
package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/pario-ai/kansas/pkg/events"
	"github.com/pario-ai/kansas/pkg/models"
	"github.com/pario-ai/kansas/pkg/period"
	"github.com/pario-ai/kansas/pkg/policy"
	"github.com/pario-ai/kansas/pkg/store"
)

// IDLength is the length of generated token identifiers.
const IDLength = 32

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Options configures a Manager.
type Options struct {
	Logger hclog.Logger
	// StrictMaxTokens makes the per-owner ceiling hard by checking it under
	// a WATCH on the owner index.
	StrictMaxTokens bool
	// MaxRetries bounds optimistic transaction retries in strict mode.
	MaxRetries int
}

// Manager creates, reads and deletes tokens.
type Manager struct {
	store      *store.Store
	policies   *policy.Registry
	periods    *period.Calculator
	bus        events.Publisher
	logger     hclog.Logger
	strict     bool
	maxRetries int
}

// New returns a Manager. A nil bus discards events.
func New(s *store.Store, reg *policy.Registry, periods *period.Calculator, bus events.Publisher, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if bus == nil {
		bus = (*events.Bus)(nil)
	}
	return &Manager{
		store:      s,
		policies:   reg,
		periods:    periods,
		bus:        bus,
		logger:     opts.Logger.Named("token"),
		strict:     opts.StrictMaxTokens,
		maxRetries: opts.MaxRetries,
	}
}

// Policies returns the registry the manager resolves policies from.
func (m *Manager) Policies() *policy.Registry { return m.policies }

// Set creates a token for req, or returns the existing token when req.Token
// names one that already exists.
func (m *Manager) Set(ctx context.Context, req models.TokenRequest) (*models.Token, error) {
	cr := &createRequest{TokenRequest: req}
	for _, g := range m.guards() {
		if err := g(ctx, cr); err != nil {
			return nil, err
		}
	}

	id := req.Token
	if id == "" {
		var err error
		if id, err = generateID(); err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}
	}

	existing, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		m.logger.Debug("token exists, returning it", "token", id)
		m.bus.Publish(events.Event{Type: events.Create, Token: existing})
		return existing, nil
	}

	tok := models.Token{
		Token:      id,
		PolicyName: cr.policy.Name,
		OwnerID:    req.OwnerID,
		Limit:      cr.policy.Limit,
		Period:     cr.policy.Period,
		Count:      cr.policy.Count,
		CreatedOn:  m.periods.Now().UTC(),
	}
	keys, err := m.Keys(tok)
	if err != nil {
		return nil, err
	}

	if m.strict {
		err = m.writeStrict(ctx, cr, tok, keys)
	} else {
		_, err = m.store.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			queueCreate(ctx, pipe, tok, keys)
			return nil
		})
		err = store.Wrap("create token", err)
	}
	if err != nil {
		return nil, err
	}

	if tok.Count {
		tok.Consumed = 0
	} else {
		tok.Remaining = tok.Limit
	}
	m.logger.Debug("token created", "token", id, "owner", tok.OwnerID, "policy", tok.PolicyName)
	out := tok
	m.bus.Publish(events.Event{Type: events.Create, Token: &out})
	return &tok, nil
}

func queueCreate(ctx context.Context, pipe redis.Pipeliner, tok models.Token, keys models.TokenKeys) {
	start := tok.StartValue()
	pipe.HSet(ctx, keys.Token, store.EncodeToken(tok))
	pipe.SAdd(ctx, keys.Index, tok.Token)
	pipe.Set(ctx, keys.Usage, start, 0)
	pipe.Set(ctx, keys.UsageFuture, start, 0)
}

// writeStrict checks the owner ceiling and writes the token in one
// optimistic transaction, retrying when the owner index changes underneath.
func (m *Manager) writeStrict(ctx context.Context, cr *createRequest, tok models.Token, keys models.TokenKeys) error {
	client := m.store.Client()
	txf := func(tx *redis.Tx) error {
		n, err := tx.SCard(ctx, keys.Index).Result()
		if err != nil {
			return err
		}
		if err := m.ceilingReached(cr, n); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			queueCreate(ctx, pipe, tok, keys)
			return nil
		})
		return err
	}

	for i := 0; i < m.maxRetries; i++ {
		err := client.Watch(ctx, txf, keys.Index)
		if errors.Is(err, redis.TxFailedErr) {
			m.logger.Trace("owner index changed, retrying create", "owner", tok.OwnerID, "attempt", i+1)
			continue
		}
		return store.Wrap("create token", err)
	}
	return store.Wrap("create token", fmt.Errorf("owner %s: %w after %d attempts", tok.OwnerID, redis.TxFailedErr, m.maxRetries))
}

// Get returns the token with its current usage, or nil if it does not exist.
//
// A missing current counter (rollover not yet pre-populated) reads as the
// starting value, while a consume against it starts from zero and reports
// UsageLimit until the counter is seeded.
func (m *Manager) Get(ctx context.Context, id string) (*models.Token, error) {
	fields, err := m.store.Client().HGetAll(ctx, m.store.TokenKey(id)).Result()
	if err != nil {
		return nil, store.Wrap("get token", err)
	}
	tok, ok, err := store.DecodeToken(fields)
	if err != nil || !ok {
		return nil, err
	}

	keys, err := m.Keys(tok)
	if err != nil {
		return nil, err
	}
	value, err := m.store.Client().Get(ctx, keys.Usage).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		// Period rolled over before pre-population reached this token.
		value = tok.StartValue()
	case err != nil:
		return nil, store.Wrap("get token usage", err)
	}
	if tok.Count {
		tok.Consumed = value - models.CountStart
	} else {
		tok.Remaining = value
	}
	return &tok, nil
}

// GetByOwnerID returns every token of an owner. Unknown owners yield an
// empty slice.
func (m *Manager) GetByOwnerID(ctx context.Context, ownerID string) ([]models.Token, error) {
	ids, err := m.store.Client().SMembers(ctx, m.store.IndexKey(ownerID)).Result()
	if err != nil {
		return nil, store.Wrap("get owner tokens", err)
	}
	out := make([]models.Token, 0, len(ids))
	for _, id := range ids {
		tok, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if tok == nil {
			m.logger.Warn("owner index references a missing token", "owner", ownerID, "token", id)
			continue
		}
		out = append(out, *tok)
	}
	return out, nil
}

// Del removes a token and its counters. Deleting an unknown token is a no-op.
func (m *Manager) Del(ctx context.Context, id string) error {
	tok, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	keys, err := m.Keys(*tok)
	if err != nil {
		return err
	}
	_, err = m.store.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys.Token)
		pipe.SRem(ctx, keys.Index, tok.Token)
		pipe.Del(ctx, keys.Usage, keys.UsageFuture)
		return nil
	})
	if err != nil {
		return store.Wrap("delete token", err)
	}
	m.logger.Debug("token deleted", "token", id, "owner", tok.OwnerID)
	m.bus.Publish(events.Event{Type: events.Delete, Token: tok})
	return nil
}

// Keys returns the store keys backing tok for the current and next period.
func (m *Manager) Keys(tok models.Token) (models.TokenKeys, error) {
	cur, err := m.periods.Current(tok.Period)
	if err != nil {
		return models.TokenKeys{}, fmt.Errorf("token %s: %w", tok.Token, err)
	}
	next, err := m.periods.Next(tok.Period)
	if err != nil {
		return models.TokenKeys{}, fmt.Errorf("token %s: %w", tok.Token, err)
	}
	return models.TokenKeys{
		Token:       m.store.TokenKey(tok.Token),
		Index:       m.store.IndexKey(tok.OwnerID),
		Usage:       m.store.UsageKey(cur, tok.Token, tok.Count),
		UsageFuture: m.store.UsageKey(next, tok.Token, tok.Count),
	}, nil
}

func generateID() (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, IDLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b), nil
}
