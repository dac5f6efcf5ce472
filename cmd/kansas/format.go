package main

import (
	"fmt"
	"strings"

	"github.com/pario-ai/kansas/pkg/models"
)

func formatToken(t models.Token) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Token:     %s\n", t.Token)
	fmt.Fprintf(&b, "Owner:     %s\n", t.OwnerID)
	fmt.Fprintf(&b, "Policy:    %s\n", t.PolicyName)
	fmt.Fprintf(&b, "Period:    %s\n", t.Period)
	if t.Count {
		fmt.Fprintf(&b, "Consumed:  %d\n", t.Consumed)
	} else {
		fmt.Fprintf(&b, "Limit:     %d\n", t.Limit)
		fmt.Fprintf(&b, "Remaining: %d\n", t.Remaining)
	}
	if !t.CreatedOn.IsZero() {
		fmt.Fprintf(&b, "Created:   %s\n", t.CreatedOn.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatTokens(toks []models.Token) string {
	if len(toks) == 0 {
		return "No tokens found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-34s %-16s %-6s %-6s %10s\n", "TOKEN", "POLICY", "PERIOD", "MODE", "USAGE")
	b.WriteString(strings.Repeat("-", 76) + "\n")
	for _, t := range toks {
		mode := "limit"
		if t.Count {
			mode = "count"
		}
		fmt.Fprintf(&b, "%-34s %-16s %-6s %-6s %10d\n", t.Token, t.PolicyName, t.Period, mode, t.Usage())
	}
	return b.String()
}

func formatPolicies(ps []models.Policy) string {
	if len(ps) == 0 {
		return "No policies configured.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-6s %-6s %10s %10s\n", "NAME", "PERIOD", "MODE", "LIMIT", "MAX TOKENS")
	b.WriteString(strings.Repeat("-", 52) + "\n")
	for _, p := range ps {
		period := p.Period
		if period == "" {
			period = models.PeriodMonth
		}
		mode, limit := "limit", fmt.Sprint(p.Limit)
		if p.Count {
			mode, limit = "count", "-"
		}
		fmt.Fprintf(&b, "%-16s %-6s %-6s %10s %10d\n", p.Name, period, mode, limit, p.MaxTokens)
	}
	return b.String()
}

func formatJournalEntries(entries []models.JournalEntry) string {
	if len(entries) == 0 {
		return "No journal entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-13s %-34s %-16s %6s %8s\n", "TIME", "TYPE", "TOKEN", "OWNER", "UNITS", "VALUE")
	b.WriteString(strings.Repeat("-", 102) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-20s %-13s %-34s %-16s %6d %8d\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type, e.Token, e.OwnerID, e.Units, e.Value)
	}
	return b.String()
}

func formatJournalStats(stats []models.JournalStat) string {
	if len(stats) == 0 {
		return "No journal stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-13s %-12s %8s\n", "TYPE", "DAY", "COUNT")
	b.WriteString(strings.Repeat("-", 35) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-13s %-12s %8d\n", s.Type, s.Day, s.Count)
	}
	return b.String()
}
