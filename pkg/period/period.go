// Package period maps timestamps to the bucket identifiers usage counters
// are namespaced by.
package period

import (
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/pario-ai/kansas/pkg/models"
)

// Layout is the bucket format. Month buckets always carry day 01.
const Layout = "2006-01-02"

// Calculator computes period buckets against a clock. Buckets are UTC.
type Calculator struct {
	clock clock.PassiveClock
}

// New returns a Calculator. A nil clock uses the real wall clock.
func New(c clock.PassiveClock) *Calculator {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Calculator{clock: c}
}

// Current returns the bucket for the current time.
func (c *Calculator) Current(p models.Period) (string, error) {
	start, err := Floor(c.clock.Now(), p)
	if err != nil {
		return "", err
	}
	return start.Format(Layout), nil
}

// Next returns the bucket one period unit after the current one.
func (c *Calculator) Next(p models.Period) (string, error) {
	start, err := Floor(c.clock.Now(), p)
	if err != nil {
		return "", err
	}
	return Advance(start, p).Format(Layout), nil
}

// Now exposes the calculator's clock.
func (c *Calculator) Now() time.Time {
	return c.clock.Now()
}

// Floor truncates t to the start of its day or month in UTC.
func Floor(t time.Time, p models.Period) (time.Time, error) {
	t = t.UTC()
	switch p {
	case models.PeriodDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case models.PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported period %q", p)
	}
}

// Advance moves a floored time forward by exactly one period unit.
func Advance(start time.Time, p models.Period) time.Time {
	if p == models.PeriodMonth {
		return start.AddDate(0, 1, 0)
	}
	return start.AddDate(0, 0, 1)
}
