package policy

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pario-ai/kansas/pkg/errs"
	"github.com/pario-ai/kansas/pkg/models"
)

func TestCreateLimitPolicy(t *testing.T) {
	r := NewRegistry()
	p, err := r.Create(models.Policy{Name: "free", MaxTokens: 3, Limit: 10, Period: models.PeriodMonth})
	if err != nil {
		t.Fatal(err)
	}
	want := models.Policy{Name: "free", MaxTokens: 3, Limit: 10, Period: models.PeriodMonth}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("policy mismatch (-want +got):\n%s", diff)
	}

	got, err := r.Get("free")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}
	if !r.Has("free") {
		t.Error("expected Has(free) to be true")
	}
}

func TestCreateCountPolicyDefaults(t *testing.T) {
	r := NewRegistry()
	p, err := r.Create(models.Policy{Name: "aha", MaxTokens: 5, Limit: 99, Count: true})
	if err != nil {
		t.Fatal(err)
	}
	if p.Period != models.PeriodMonth {
		t.Errorf("expected default period month, got %s", p.Period)
	}
	if p.Limit != 0 {
		t.Errorf("expected count policy limit to be unused, got %d", p.Limit)
	}
	if p.StartValue() != models.CountStart {
		t.Errorf("expected start value %d, got %d", models.CountStart, p.StartValue())
	}
}

func TestCreateFirstWriterWins(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create(models.Policy{Name: "free", MaxTokens: 3, Limit: 10}); err != nil {
		t.Fatal(err)
	}
	p, err := r.Create(models.Policy{Name: "free", MaxTokens: 30, Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if p.Limit != 10 || p.MaxTokens != 3 {
		t.Errorf("expected original policy to survive, got %+v", p)
	}
}

func TestGetMissing(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nope")
	if !errors.Is(err, errs.ErrPolicyNotFound) {
		t.Errorf("expected ErrPolicyNotFound, got %v", err)
	}
	if r.Has("nope") {
		t.Error("expected Has(nope) to be false")
	}
}

func TestCreateInvalid(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create(models.Policy{}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for empty name, got %v", err)
	}
	if _, err := r.Create(models.Policy{Name: "x", Period: "week"}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for bad period, got %v", err)
	}
}

func TestList(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"start", "basic", "free"} {
		if _, err := r.Create(models.Policy{Name: name, Limit: 1}); err != nil {
			t.Fatal(err)
		}
	}
	var names []string
	for _, p := range r.List() {
		names = append(names, p.Name)
	}
	if diff := cmp.Diff([]string{"basic", "free", "start"}, names); diff != "" {
		t.Errorf("List order mismatch (-want +got):\n%s", diff)
	}
}
