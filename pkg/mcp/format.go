package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/secrets"
)

const timeLayout = "2006-01-02 15:04:05"

func formatStats(st models.PoolStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-18s %6d\n", "Total", st.Total)
	fmt.Fprintf(&b, "%-18s %6d\n", "Healthy", st.Healthy)
	fmt.Fprintf(&b, "%-18s %6d\n", "Unhealthy", st.Unhealthy)
	fmt.Fprintf(&b, "%-18s %6d\n", "  Rate limited", st.RateLimited)
	fmt.Fprintf(&b, "%-18s %6d\n", "  Exhausted", st.Exhausted)
	fmt.Fprintf(&b, "%-18s %6d\n", "  Error", st.Errored)
	fmt.Fprintf(&b, "%-18s %6d\n", "Backups available", st.BackupsAvailable)
	if st.Healthy == 0 && st.Total > 0 {
		b.WriteString("\nWARNING: no credential is currently selectable.\n")
	}
	return b.String()
}

func formatMetrics(rows []models.SystemMetrics) string {
	if len(rows) == 0 {
		return "No metrics available."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-6s %12s %14s %12s %9s\n", "Period", "Requests", "Tokens", "Avg Latency", "Success")
	b.WriteString(strings.Repeat("-", 57) + "\n")
	for _, m := range rows {
		fmt.Fprintf(&b, "%-6s %12s %14s %10.0fms %8.1f%%\n",
			m.Period, humanize.Comma(m.TotalRequests), humanize.Comma(m.TokensUsed),
			m.AvgLatencyMs, m.SuccessRate*100)
	}
	return b.String()
}

func formatCredentials(creds []models.Credential) string {
	if len(creds) == 0 {
		return "No credentials in the pool."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-10s %-13s %10s %12s  %s\n",
		"ID", "Secret", "Status", "Requests", "Tokens", "Cooldown")
	b.WriteString(strings.Repeat("-", 90) + "\n")
	for _, c := range creds {
		cooldown := "-"
		if c.CooldownUntil != nil {
			cooldown = c.CooldownUntil.UTC().Format(timeLayout)
		}
		fmt.Fprintf(&b, "%-24s %-10s %-13s %10s %12s  %s\n",
			c.ID, secrets.Mask(c.Secret), c.Status,
			humanize.Comma(c.RequestsCount), humanize.Comma(c.TokensUsed), cooldown)
		if c.LastError != "" {
			fmt.Fprintf(&b, "    last error: %s\n", c.LastError)
		}
	}
	return b.String()
}

func formatBackups(backups []models.BackupCredential) string {
	if len(backups) == 0 {
		return "No backup credentials."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-10s %-10s %-24s %s\n", "ID", "Secret", "State", "Replaced", "Used At")
	b.WriteString(strings.Repeat("-", 90) + "\n")
	for _, bk := range backups {
		state := "available"
		switch {
		case bk.Activated:
			state = "activated"
		case bk.IsUsed:
			state = "pending"
		}
		usedFor, usedAt := "-", "-"
		if bk.UsedFor != "" {
			usedFor = bk.UsedFor
		}
		if bk.UsedAt != nil {
			usedAt = bk.UsedAt.UTC().Format(timeLayout)
		}
		fmt.Fprintf(&b, "%-24s %-10s %-10s %-24s %s\n", bk.ID, secrets.Mask(bk.Secret), state, usedFor, usedAt)
	}
	return b.String()
}

func formatQuotas(rows []models.QuotaStatus) string {
	if len(rows) == 0 {
		return "No quota accounts."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-5s %14s %14s %7s  %s\n", "User", "Tier", "Used", "Remaining", "Used%", "State")
	b.WriteString(strings.Repeat("-", 85) + "\n")
	for _, st := range rows {
		a := st.Account
		state := "active"
		switch {
		case !a.IsActive:
			state = "inactive"
		case st.PlanExpired:
			state = "plan expired"
		case st.IsExhausted:
			state = "EXHAUSTED"
		}
		fmt.Fprintf(&b, "%-24s %-5s %14s %14s %6.1f%%  %s\n",
			a.ID, a.Tier, humanize.Comma(a.TokensUsed), humanize.Comma(st.TokensRemaining),
			st.UsagePercent, state)
	}
	return b.String()
}

func formatEvents(events []models.PoolEvent) string {
	if len(events) == 0 {
		return "No events found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-19s %-17s %-24s %s\n", "Time", "Kind", "Credential", "Detail")
	b.WriteString(strings.Repeat("-", 90) + "\n")
	for _, e := range events {
		cred := e.CredentialID
		if cred == "" {
			cred = "-"
		}
		fmt.Fprintf(&b, "%-19s %-17s %-24s %s\n",
			e.CreatedAt.UTC().Format(timeLayout), e.Kind, cred, e.Detail)
	}
	fmt.Fprintf(&b, "\n%d event(s), newest %s\n", len(events), humanize.Time(newest(events)))
	return b.String()
}

func newest(events []models.PoolEvent) time.Time {
	var t time.Time
	for _, e := range events {
		if e.CreatedAt.After(t) {
			t = e.CreatedAt
		}
	}
	return t
}
