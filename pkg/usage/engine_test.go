package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/pario-ai/kansas/pkg/errs"
	"github.com/pario-ai/kansas/pkg/events"
	"github.com/pario-ai/kansas/pkg/models"
	"github.com/pario-ai/kansas/pkg/period"
	"github.com/pario-ai/kansas/pkg/policy"
	"github.com/pario-ai/kansas/pkg/store"
	"github.com/pario-ai/kansas/pkg/token"
)

type fixture struct {
	engine *Engine
	tokens *token.Manager
	mr     *miniredis.Miniredis
	bus    *events.Bus
	clock  *testingclock.FakePassiveClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	s := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() { _ = s.Close() })

	reg := policy.NewRegistry()
	for _, p := range []models.Policy{
		{Name: "free", MaxTokens: 3, Limit: 10},
		{Name: "start", MaxTokens: 3, Count: true},
	} {
		if _, err := reg.Create(p); err != nil {
			t.Fatal(err)
		}
	}
	clk := testingclock.NewFakePassiveClock(time.Date(2014, 2, 4, 10, 0, 0, 0, time.UTC))
	periods := period.New(clk)
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	tokens := token.New(s, reg, periods, bus, token.Options{})
	return &fixture{
		engine: New(s, periods, tokens, bus, nil),
		tokens: tokens,
		mr:     mr,
		bus:    bus,
		clock:  clk,
	}
}

func (f *fixture) create(t *testing.T, policyName, owner string) *models.Token {
	t.Helper()
	tok, err := f.tokens.Set(context.Background(), models.TokenRequest{PolicyName: policyName, OwnerID: owner})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestConsumeUntilExhausted(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tok := f.create(t, "free", "hip")

	for want := int64(9); want >= 0; want-- {
		got, err := f.engine.Consume(ctx, tok.Token, 1)
		if err != nil {
			t.Fatalf("expected %d remaining, got error %v", want, err)
		}
		if got != want {
			t.Fatalf("expected %d remaining, got %d", want, got)
		}
	}

	_, err := f.engine.Consume(ctx, tok.Token, 1)
	if !errors.Is(err, errs.ErrUsageLimit) {
		t.Fatalf("expected usage limit error, got %v", err)
	}
	if errs.KindOf(err) != errs.KindUsageLimit {
		t.Errorf("expected usage limit kind, got %s", errs.KindOf(err))
	}
}

func TestConsumeMany(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tok := f.create(t, "free", "hip")

	got, err := f.engine.Consume(ctx, tok.Token, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("expected 0 remaining, got %d", got)
	}
	if _, err := f.engine.Consume(ctx, tok.Token, 1); !errors.Is(err, errs.ErrUsageLimit) {
		t.Errorf("expected usage limit error, got %v", err)
	}

	// Exhausted counters keep decrementing until rollover.
	v, _ := f.mr.Get("test:kansas:usage:2014-02-01:" + tok.Token)
	if v != "-1" {
		t.Errorf("expected counter at -1, got %s", v)
	}
}

func TestConsumeLeavesCounterValue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tok := f.create(t, "free", "zip")

	if _, err := f.engine.Consume(ctx, tok.Token, 3); err != nil {
		t.Fatal(err)
	}
	v, _ := f.mr.Get("test:kansas:usage:2014-02-01:" + tok.Token)
	if v != "7" {
		t.Errorf("expected 7, got %s", v)
	}
	// Next period is untouched.
	v, _ = f.mr.Get("test:kansas:usage:2014-03-01:" + tok.Token)
	if v != "10" {
		t.Errorf("expected future counter 10, got %s", v)
	}
}

func TestConsumeUnknownToken(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ch, cancel := f.bus.Subscribe(8)
	defer cancel()

	_, err := f.engine.Consume(ctx, "doesNotExist", 2)
	if !errors.Is(err, errs.ErrTokenNotExists) {
		t.Fatalf("expected token not exists, got %v", err)
	}
	select {
	case e := <-ch:
		if e.Type != events.Consume || e.TokenID != "doesNotExist" || e.Units != 2 || !errors.Is(e.Err, errs.ErrTokenNotExists) {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for consume event")
	}
	if keys := f.mr.Keys(); len(keys) != 0 {
		t.Errorf("expected no keys left behind, got %v", keys)
	}
}

func TestConsumeDeletedDuringCall(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tok := f.create(t, "free", "hip")

	// Simulate a delete racing between resolution and decrement: the counter
	// is gone and the record vanishes right after being resolved.
	key := "test:kansas:usage:2014-02-01:" + tok.Token
	f.mr.Del(key)
	if err := f.engine.checkExhausted(ctx, tok.Token, key); !errors.Is(err, errs.ErrUsageLimit) {
		t.Errorf("expected usage limit while record exists, got %v", err)
	}

	f.mr.Set(key, "-1")
	f.mr.Del("test:kansas:token:" + tok.Token)
	if err := f.engine.checkExhausted(ctx, tok.Token, key); !errors.Is(err, errs.ErrTokenNotExists) {
		t.Errorf("expected token not exists, got %v", err)
	}
	if f.mr.Exists(key) {
		t.Error("expected stray counter to be deleted")
	}
}

func TestConsumeEvents(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tok := f.create(t, "free", "hip")
	ch, cancel := f.bus.Subscribe(8)
	defer cancel()

	if _, err := f.engine.Consume(ctx, tok.Token, 1); err != nil {
		t.Fatal(err)
	}
	_, _ = f.engine.Consume(ctx, tok.Token, 20)

	for _, want := range []events.Event{
		{Type: events.Consume, TokenID: tok.Token, Units: 1, Value: 9},
		{Type: events.Consume, TokenID: tok.Token, Units: 20, Value: -11},
	} {
		select {
		case e := <-ch:
			if e.Type != want.Type || e.TokenID != want.TokenID || e.Units != want.Units || e.Value != want.Value {
				t.Errorf("expected %+v, got %+v", want, e)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for consume event")
		}
	}
}

func TestCount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tok := f.create(t, "start", "hop")

	for want := int64(1); want <= 3; want++ {
		got, err := f.engine.Count(ctx, tok.Token, 1)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("expected %d consumed, got %d", want, got)
		}
	}

	got, err := f.engine.Count(ctx, tok.Token, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got != 7 {
		t.Errorf("expected 7 consumed, got %d", got)
	}
}

func TestCountUnknownToken(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if _, err := f.engine.Count(ctx, "doesNotExist", 1); !errors.Is(err, errs.ErrTokenNotExists) {
		t.Fatalf("expected token not exists, got %v", err)
	}
	if keys := f.mr.Keys(); len(keys) != 0 {
		t.Errorf("expected no keys left behind, got %v", keys)
	}
}

func TestCountUnseededCounter(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tok := f.create(t, "start", "hop")

	// Record present, counter missing: the increment lands below the seed.
	key := "test:kansas:usage:2014-02-01:count:" + tok.Token
	f.mr.Del(key)

	if _, err := f.engine.Count(ctx, tok.Token, 2); !errors.Is(err, errs.ErrTokenNotExists) {
		t.Fatalf("expected token not exists, got %v", err)
	}
	if f.mr.Exists(key) {
		t.Error("expected stray counter to be deleted")
	}
}

func TestModeMismatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	limit := f.create(t, "free", "hip")
	count := f.create(t, "start", "hop")

	if _, err := f.engine.Count(ctx, limit.Token, 1); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error counting a limit token, got %v", err)
	}
	if _, err := f.engine.Consume(ctx, count.Token, 1); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error consuming a count token, got %v", err)
	}
	if _, err := f.engine.Consume(ctx, limit.Token, 0); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for zero units, got %v", err)
	}
}

func TestUsage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	limit := f.create(t, "free", "hip")
	f.create(t, "free", "hip")
	count := f.create(t, "start", "hop")

	if _, err := f.engine.Consume(ctx, limit.Token, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Count(ctx, count.Token, 4); err != nil {
		t.Fatal(err)
	}

	remaining, err := f.engine.Usage(ctx, limit.Token)
	if err != nil {
		t.Fatal(err)
	}
	if remaining != 7 {
		t.Errorf("expected 7 remaining, got %d", remaining)
	}
	used, err := f.engine.Usage(ctx, count.Token)
	if err != nil {
		t.Fatal(err)
	}
	if used != 4 {
		t.Errorf("expected 4 consumed, got %d", used)
	}

	toks, err := f.engine.UsageByOwner(ctx, "hip")
	if err != nil {
		t.Fatal(err)
	}
	if len(toks) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(toks))
	}
	for _, tok := range toks {
		want := int64(10)
		if tok.Token == limit.Token {
			want = 7
		}
		if tok.Usage() != want {
			t.Errorf("token %s: expected %d, got %d", tok.Token, want, tok.Usage())
		}
	}

	if _, err := f.engine.Usage(ctx, "nope"); !errors.Is(err, errs.ErrTokenNotExists) {
		t.Errorf("expected token not exists, got %v", err)
	}
}

func TestConsumeAfterRollover(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tok := f.create(t, "free", "hip")

	if _, err := f.engine.Consume(ctx, tok.Token, 10); err != nil {
		t.Fatal(err)
	}
	f.clock.SetTime(time.Date(2014, 3, 1, 0, 0, 1, 0, time.UTC))

	got, err := f.engine.Consume(ctx, tok.Token, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got != 9 {
		t.Errorf("expected pre-created March counter to give 9, got %d", got)
	}
}

func TestGetAndConsumeAfterUnpopulatedRollover(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tok := f.create(t, "free", "hip")

	// April was never seeded: neither at creation nor by pre-population.
	f.clock.SetTime(time.Date(2014, 4, 2, 0, 0, 0, 0, time.UTC))

	got, err := f.tokens.Get(ctx, tok.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Remaining != 10 {
		t.Errorf("expected Get to report the policy limit 10, got %d", got.Remaining)
	}

	remaining, err := f.engine.Consume(ctx, tok.Token, 1)
	if !errors.Is(err, errs.ErrUsageLimit) {
		t.Errorf("expected usage limit on an unseeded counter, got %v", err)
	}
	if remaining != -1 {
		t.Errorf("expected -1, got %d", remaining)
	}
}
