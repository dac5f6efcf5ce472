package token

import (
	"context"
	"errors"
	"sync"
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
)

var testNow = time.Date(2014, 2, 4, 10, 30, 0, 0, time.UTC)

type fixture struct {
	m     *Manager
	mr    *miniredis.Miniredis
	bus   *events.Bus
	clock *testingclock.FakePassiveClock
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	s := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() { _ = s.Close() })

	reg := policy.NewRegistry()
	for _, p := range []models.Policy{
		{Name: "free", MaxTokens: 3, Limit: 10, Period: models.PeriodMonth},
		{Name: "daily", MaxTokens: 3, Limit: 5, Period: models.PeriodDay},
		{Name: "start", MaxTokens: 3, Count: true},
	} {
		if _, err := reg.Create(p); err != nil {
			t.Fatal(err)
		}
	}

	clk := testingclock.NewFakePassiveClock(testNow)
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return &fixture{
		m:     New(s, reg, period.New(clk), bus, opts),
		mr:    mr,
		bus:   bus,
		clock: clk,
	}
}

func next(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}

func TestSetLimitToken(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	ch, cancel := f.bus.Subscribe(8)
	defer cancel()

	tok, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "free", OwnerID: "hip"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tok.Token) != IDLength {
		t.Errorf("expected %d char token, got %q", IDLength, tok.Token)
	}
	if tok.PolicyName != "free" || tok.Limit != 10 || tok.Period != models.PeriodMonth || tok.OwnerID != "hip" {
		t.Errorf("unexpected token %+v", tok)
	}
	if tok.Remaining != 10 {
		t.Errorf("expected 10 remaining, got %d", tok.Remaining)
	}
	if !tok.CreatedOn.Equal(testNow) {
		t.Errorf("expected created on %v, got %v", testNow, tok.CreatedOn)
	}

	if !f.mr.Exists("test:kansas:token:" + tok.Token) {
		t.Error("token record missing")
	}
	if ok, _ := f.mr.SIsMember("test:kansas:index:token:hip", tok.Token); !ok {
		t.Error("token missing from owner index")
	}
	for _, key := range []string{
		"test:kansas:usage:2014-02-01:" + tok.Token,
		"test:kansas:usage:2014-03-01:" + tok.Token,
	} {
		v, err := f.mr.Get(key)
		if err != nil {
			t.Fatalf("%s: %v", key, err)
		}
		if v != "10" {
			t.Errorf("%s: expected 10, got %s", key, v)
		}
	}

	e := next(t, ch)
	if e.Type != events.Create || e.Token == nil || e.Token.Token != tok.Token {
		t.Errorf("unexpected event %+v", e)
	}
}

func TestSetCountToken(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	tok, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "start", OwnerID: "zit"})
	if err != nil {
		t.Fatal(err)
	}
	if !tok.Count || tok.Consumed != 0 {
		t.Errorf("expected fresh count token, got %+v", tok)
	}
	for _, key := range []string{
		"test:kansas:usage:2014-02-01:count:" + tok.Token,
		"test:kansas:usage:2014-03-01:count:" + tok.Token,
	} {
		v, err := f.mr.Get(key)
		if err != nil {
			t.Fatalf("%s: %v", key, err)
		}
		if v != "1" {
			t.Errorf("%s: expected 1, got %s", key, v)
		}
	}
	if got := f.mr.HGet("test:kansas:token:"+tok.Token, "count"); got != "1" {
		t.Errorf("expected count field 1, got %s", got)
	}
}

func TestSetDailyToken(t *testing.T) {
	f := setup(t, Options{})
	tok, err := f.m.Set(context.Background(), models.TokenRequest{PolicyName: "daily", OwnerID: "hip"})
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{
		"test:kansas:usage:2014-02-04:" + tok.Token,
		"test:kansas:usage:2014-02-05:" + tok.Token,
	} {
		if !f.mr.Exists(key) {
			t.Errorf("expected %s to exist", key)
		}
	}
}

func TestSetValidation(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	for _, owner := range []string{"", "   "} {
		_, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "free", OwnerID: owner})
		if !errors.Is(err, errs.ErrValidation) {
			t.Errorf("owner %q: expected validation error, got %v", owner, err)
		}
	}

	_, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "gold", OwnerID: "hip"})
	if !errors.Is(err, errs.ErrPolicyNotFound) {
		t.Errorf("expected policy not found, got %v", err)
	}

	for _, id := range []string{"count:abc", "abc:", ":"} {
		_, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "free", OwnerID: "hip", Token: id})
		if !errors.Is(err, errs.ErrValidation) {
			t.Errorf("token %q: expected validation error, got %v", id, err)
		}
	}
	if keys := f.mr.Keys(); len(keys) != 0 {
		t.Errorf("expected no keys written, got %v", keys)
	}
}

func TestCallerTokenIDsDoNotShareCounters(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	victim, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "start", OwnerID: "a", Token: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	countKey := "test:kansas:usage:2014-02-01:count:abc"
	f.mr.Set(countKey, "4")

	if _, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "free", OwnerID: "b", Token: "count:" + victim.Token}); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if v, _ := f.mr.Get(countKey); v != "4" {
		t.Errorf("expected count counter untouched at 4, got %s", v)
	}
}

func TestMaxTokens(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	for i := range 3 {
		if _, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "free", OwnerID: "hip"}); err != nil {
			t.Fatalf("token %d: %v", i, err)
		}
	}

	ch, cancel := f.bus.Subscribe(8)
	defer cancel()

	_, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "free", OwnerID: "hip"})
	if !errors.Is(err, errs.ErrMaxTokensPerUser) {
		t.Fatalf("expected max tokens error, got %v", err)
	}
	if errs.KindOf(err) != errs.KindPolicy || errs.TypeOf(err) != errs.TypeMaxTokensPerUser {
		t.Errorf("unexpected discriminant %s/%s", errs.KindOf(err), errs.TypeOf(err))
	}

	e := next(t, ch)
	if e.Type != events.MaxTokens || e.MaxTokens != 3 || e.Request == nil || e.Request.OwnerID != "hip" {
		t.Errorf("unexpected event %+v", e)
	}

	// Other owners are unaffected.
	if _, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "free", OwnerID: "hop"}); err != nil {
		t.Errorf("expected other owner to succeed, got %v", err)
	}
}

func TestMaxTokensStrictConcurrent(t *testing.T) {
	f := setup(t, Options{StrictMaxTokens: true, MaxRetries: 50})
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "free", OwnerID: "hip"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, errs.ErrMaxTokensPerUser):
				rejected++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 3 {
		t.Errorf("expected exactly 3 tokens created, got %d", created)
	}
	if rejected != 7 {
		t.Errorf("expected 7 rejections, got %d", rejected)
	}
	members, _ := f.mr.Members("test:kansas:index:token:hip")
	if len(members) != 3 {
		t.Errorf("expected 3 indexed tokens, got %d", len(members))
	}
}

func TestSetExistingToken(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	first, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "free", OwnerID: "hip", Token: "custom"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Token != "custom" {
		t.Errorf("expected caller supplied token, got %s", first.Token)
	}

	f.clock.SetTime(testNow.Add(time.Hour))
	ch, cancel := f.bus.Subscribe(8)
	defer cancel()

	second, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "free", OwnerID: "hip", Token: "custom"})
	if err != nil {
		t.Fatal(err)
	}
	if !second.CreatedOn.Equal(first.CreatedOn) {
		t.Errorf("expected existing record, created on changed from %v to %v", first.CreatedOn, second.CreatedOn)
	}
	if e := next(t, ch); e.Type != events.Create {
		t.Errorf("expected create event, got %s", e.Type)
	}
	members, _ := f.mr.Members("test:kansas:index:token:hip")
	if len(members) != 1 {
		t.Errorf("expected one indexed token, got %v", members)
	}
}

func TestGet(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	got, err := f.m.Get(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil for missing token, got %+v", got)
	}

	tok, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "free", OwnerID: "hip"})
	if err != nil {
		t.Fatal(err)
	}
	f.mr.Set("test:kansas:usage:2014-02-01:"+tok.Token, "7")

	got, err = f.m.Get(ctx, tok.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Remaining != 7 {
		t.Errorf("expected 7 remaining, got %d", got.Remaining)
	}
	if got.PolicyName != "free" || got.OwnerID != "hip" || got.Limit != 10 {
		t.Errorf("unexpected token %+v", got)
	}
}

func TestGetAcrossRollover(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	tok, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "free", OwnerID: "hip"})
	if err != nil {
		t.Fatal(err)
	}
	f.mr.Set("test:kansas:usage:2014-02-01:"+tok.Token, "2")

	// The next period's counter was created with the token.
	f.clock.SetTime(time.Date(2014, 3, 2, 0, 0, 0, 0, time.UTC))
	got, err := f.m.Get(ctx, tok.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Remaining != 10 {
		t.Errorf("expected fresh period with 10 remaining, got %d", got.Remaining)
	}

	// No counter at all for April reads as the starting value.
	f.clock.SetTime(time.Date(2014, 4, 2, 0, 0, 0, 0, time.UTC))
	got, err = f.m.Get(ctx, tok.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Remaining != 10 {
		t.Errorf("expected 10 remaining without a counter, got %d", got.Remaining)
	}
}

func TestGetByOwnerID(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	for range 2 {
		if _, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "free", OwnerID: "hip"}); err != nil {
			t.Fatal(err)
		}
	}
	toks, err := f.m.GetByOwnerID(ctx, "hip")
	if err != nil {
		t.Fatal(err)
	}
	if len(toks) != 2 {
		t.Errorf("expected 2 tokens, got %d", len(toks))
	}

	toks, err = f.m.GetByOwnerID(ctx, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if toks == nil || len(toks) != 0 {
		t.Errorf("expected empty slice, got %v", toks)
	}
}

func TestDel(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	tok, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "free", OwnerID: "hip"})
	if err != nil {
		t.Fatal(err)
	}
	other, err := f.m.Set(ctx, models.TokenRequest{PolicyName: "free", OwnerID: "hip"})
	if err != nil {
		t.Fatal(err)
	}

	ch, cancel := f.bus.Subscribe(8)
	defer cancel()

	if err := f.m.Del(ctx, tok.Token); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{
		"test:kansas:token:" + tok.Token,
		"test:kansas:usage:2014-02-01:" + tok.Token,
		"test:kansas:usage:2014-03-01:" + tok.Token,
	} {
		if f.mr.Exists(key) {
			t.Errorf("expected %s to be deleted", key)
		}
	}
	if ok, _ := f.mr.SIsMember("test:kansas:index:token:hip", tok.Token); ok {
		t.Error("expected token removed from owner index")
	}
	if ok, _ := f.mr.SIsMember("test:kansas:index:token:hip", other.Token); !ok {
		t.Error("expected other token to stay indexed")
	}

	e := next(t, ch)
	if e.Type != events.Delete || e.Token == nil || e.Token.Token != tok.Token {
		t.Errorf("unexpected event %+v", e)
	}

	got, err := f.m.Get(ctx, tok.Token)
	if err != nil || got != nil {
		t.Errorf("expected nil after delete, got %+v, %v", got, err)
	}
	if err := f.m.Del(ctx, tok.Token); err != nil {
		t.Errorf("expected second delete to be a no-op, got %v", err)
	}
}

func TestKeysMatchWrittenKeys(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	for _, name := range []string{"free", "start", "daily"} {
		tok, err := f.m.Set(ctx, models.TokenRequest{PolicyName: name, OwnerID: "keys"})
		if err != nil {
			t.Fatal(err)
		}
		keys, err := f.m.Keys(*tok)
		if err != nil {
			t.Fatal(err)
		}
		for _, key := range []string{keys.Token, keys.Index, keys.Usage, keys.UsageFuture} {
			if !f.mr.Exists(key) {
				t.Errorf("%s: key %s not written", name, key)
			}
		}
		if keys.Token != "test:kansas:token:"+tok.Token {
			t.Errorf("unexpected token key %s", keys.Token)
		}
		if keys.Index != "test:kansas:index:token:keys" {
			t.Errorf("unexpected index key %s", keys.Index)
		}
	}

	count := models.Token{Token: "abc", OwnerID: "o", Count: true, Period: models.PeriodMonth}
	keys, err := f.m.Keys(count)
	if err != nil {
		t.Fatal(err)
	}
	if keys.Usage != "test:kansas:usage:2014-02-01:count:abc" {
		t.Errorf("unexpected count usage key %s", keys.Usage)
	}
	if keys.UsageFuture != "test:kansas:usage:2014-03-01:count:abc" {
		t.Errorf("unexpected count future key %s", keys.UsageFuture)
	}
}

func TestGenerateID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id, err := generateID()
		if err != nil {
			t.Fatal(err)
		}
		if len(id) != IDLength {
			t.Fatalf("expected %d chars, got %d", IDLength, len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
