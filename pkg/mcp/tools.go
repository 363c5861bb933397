package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pario-ai/keypool/pkg/models"
)

type metricsArgs struct {
	Period       string `json:"period"`
	CredentialID string `json:"credential_id"`
}

type quotaArgs struct {
	UserID string `json:"user_id"`
}

type eventsArgs struct {
	Kind         string `json:"kind"`
	CredentialID string `json:"credential_id"`
	Since        string `json:"since"`
	Limit        int    `json:"limit"`
}

// toolHandler handles one tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"keypool_stats":       handleStats,
	"keypool_metrics":     handleMetrics,
	"keypool_credentials": handleCredentials,
	"keypool_backups":     handleBackups,
	"keypool_quota":       handleQuota,
	"keypool_events":      handleEvents,
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

var emptySchema = map[string]any{"type": "object", "properties": map[string]any{}}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "keypool_stats",
		Description: "Show how many pool credentials are healthy, rate limited, exhausted or failing, and how many backups remain.",
		InputSchema: emptySchema,
	},
	{
		Name:        "keypool_metrics",
		Description: "Show request volume, tokens, average latency and success rate over a trailing window.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"period":        stringProp("Window: 1h, 3h, 8h, 24h, 7d or all (omit for every window)"),
				"credential_id": stringProp("Restrict to one credential (optional)"),
			},
		},
	},
	{
		Name:        "keypool_credentials",
		Description: "List pool credentials with masked secrets, status, counters and cooldowns.",
		InputSchema: emptySchema,
	},
	{
		Name:        "keypool_backups",
		Description: "List backup credentials and which retired credential each one replaced.",
		InputSchema: emptySchema,
	},
	{
		Name:        "keypool_quota",
		Description: "Show end-user quota accounts and their remaining tokens.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id": stringProp("Show a single account (optional, omit for all)"),
			},
		},
	},
	{
		Name:        "keypool_events",
		Description: "Search the pool event log (rate limits, exhaustion, promotions, admin actions).",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"kind":          stringProp("Event kind, e.g. exhausted or promoted (optional)"),
				"credential_id": stringProp("Filter by credential (optional)"),
				"since":         stringProp("Only events newer than this duration, e.g. 24h (optional)"),
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of events (default 50)",
				},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func handleStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	stats, err := s.pool.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching pool stats: " + err.Error())
	}
	return textResult(formatStats(stats))
}

func handleMetrics(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args metricsArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.Period == "" {
		rows, err := s.pool.Dashboard(ctx, args.CredentialID)
		if err != nil {
			return errorResult("Error fetching metrics: " + err.Error())
		}
		return textResult(formatMetrics(rows))
	}
	period, err := models.ParsePeriod(args.Period)
	if err != nil {
		return errorResult(err.Error())
	}
	m, err := s.pool.Metrics(ctx, period, args.CredentialID)
	if err != nil {
		return errorResult("Error fetching metrics: " + err.Error())
	}
	return textResult(formatMetrics([]models.SystemMetrics{m}))
}

func handleCredentials(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	creds, err := s.pool.Credentials(ctx)
	if err != nil {
		return errorResult("Error listing credentials: " + err.Error())
	}
	return textResult(formatCredentials(creds))
}

func handleBackups(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	backups, err := s.pool.Backups(ctx)
	if err != nil {
		return errorResult("Error listing backups: " + err.Error())
	}
	return textResult(formatBackups(backups))
}

func handleQuota(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.admission == nil {
		return textResult("Quota enforcement is not configured.")
	}
	var args quotaArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.UserID != "" {
		st, err := s.admission.Status(ctx, args.UserID)
		if err != nil {
			return errorResult("Error fetching quota: " + err.Error())
		}
		return textResult(formatQuotas([]models.QuotaStatus{st}))
	}
	rows, err := s.admission.List(ctx)
	if err != nil {
		return errorResult("Error listing quotas: " + err.Error())
	}
	return textResult(formatQuotas(rows))
}

func handleEvents(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.events == nil {
		return textResult("Event log is not configured.")
	}
	var args eventsArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}

	opts := models.EventQueryOpts{
		Kind:         models.EventKind(args.Kind),
		CredentialID: args.CredentialID,
		Limit:        args.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if args.Since != "" {
		d, err := time.ParseDuration(args.Since)
		if err != nil {
			return errorResult("Invalid since duration (use e.g. 24h): " + err.Error())
		}
		opts.Since = time.Now().Add(-d)
	}

	events, err := s.events.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching event log: " + err.Error())
	}
	return textResult(formatEvents(events))
}
