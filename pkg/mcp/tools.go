package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pario-ai/kansas/pkg/errs"
	"github.com/pario-ai/kansas/pkg/models"
)

type tokenArgs struct {
	Token string `json:"token"`
	Units int64  `json:"units"`
}

type ownerArgs struct {
	OwnerID string `json:"owner_id"`
}

type changeArgs struct {
	OwnerID    string `json:"owner_id"`
	PolicyName string `json:"policy_name"`
}

type eventArgs struct {
	Type    string `json:"type"`
	Token   string `json:"token"`
	OwnerID string `json:"owner_id"`
	Since   string `json:"since"`
	Limit   int    `json:"limit"`
}

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"kansas_get_token":     handleGetToken,
	"kansas_owner_tokens":  handleOwnerTokens,
	"kansas_consume":       handleConsume,
	"kansas_count":         handleCount,
	"kansas_policies":      handlePolicies,
	"kansas_change_policy": handleChangePolicy,
	"kansas_events":        handleEvents,
}

func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

var allTools = []ToolDefinition{
	{
		Name:        "kansas_get_token",
		Description: "Show a token with its policy and current period usage.",
		InputSchema: object([]string{"token"}, map[string]any{
			"token": prop("string", "The token id"),
		}),
	},
	{
		Name:        "kansas_owner_tokens",
		Description: "List every token of an owner with its current period usage.",
		InputSchema: object([]string{"owner_id"}, map[string]any{
			"owner_id": prop("string", "The owner id"),
		}),
	},
	{
		Name:        "kansas_consume",
		Description: "Consume units from a limit token and return what remains this period.",
		InputSchema: object([]string{"token"}, map[string]any{
			"token": prop("string", "The token id"),
			"units": prop("integer", "Units to consume (default 1)"),
		}),
	},
	{
		Name:        "kansas_count",
		Description: "Record units against a count token and return the period total.",
		InputSchema: object([]string{"token"}, map[string]any{
			"token": prop("string", "The token id"),
			"units": prop("integer", "Units to record (default 1)"),
		}),
	},
	{
		Name:        "kansas_policies",
		Description: "List the registered policies.",
		InputSchema: object(nil, map[string]any{}),
	},
	{
		Name:        "kansas_change_policy",
		Description: "Move every token of an owner to another policy, resetting its counters.",
		InputSchema: object([]string{"owner_id", "policy_name"}, map[string]any{
			"owner_id":    prop("string", "The owner id"),
			"policy_name": prop("string", "The target policy"),
		}),
	},
	{
		Name:        "kansas_events",
		Description: "Search the event journal with optional filters.",
		InputSchema: object(nil, map[string]any{
			"type":     prop("string", "Event type: create, delete, consume, policyChange or maxTokens (optional)"),
			"token":    prop("string", "Filter by token (optional)"),
			"owner_id": prop("string", "Filter by owner (optional)"),
			"since":    prop("string", "Start date in YYYY-MM-DD format (optional)"),
			"limit":    prop("integer", "Maximum entries (default 50)"),
		}),
	},
}

func jsonResult(v any) ToolCallResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("encode result: " + err.Error())
	}
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: string(data)}}}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

// failure reports err prefixed with its kind so clients can branch on it.
func failure(err error) ToolCallResult {
	return errorResult(fmt.Sprintf("%s: %v", errs.KindOf(err), err))
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Validation("invalid arguments: %v", err)
	}
	return nil
}

func handleGetToken(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args tokenArgs
	if err := decode(raw, &args); err != nil {
		return failure(err)
	}
	if args.Token == "" {
		return errorResult("token is required")
	}
	tok, err := s.backend.Get(ctx, args.Token)
	if err != nil {
		return failure(err)
	}
	if tok == nil {
		return failure(errs.TokenNotExists(args.Token))
	}
	return jsonResult(tok)
}

func handleOwnerTokens(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args ownerArgs
	if err := decode(raw, &args); err != nil {
		return failure(err)
	}
	if args.OwnerID == "" {
		return errorResult("owner_id is required")
	}
	toks, err := s.backend.GetByOwnerID(ctx, args.OwnerID)
	if err != nil {
		return failure(err)
	}
	return jsonResult(toks)
}

func handleConsume(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args tokenArgs
	if err := decode(raw, &args); err != nil {
		return failure(err)
	}
	if args.Token == "" {
		return errorResult("token is required")
	}
	if args.Units == 0 {
		args.Units = 1
	}
	remaining, err := s.backend.Consume(ctx, args.Token, args.Units)
	if err != nil {
		return failure(err)
	}
	return jsonResult(map[string]any{"token": args.Token, "remaining": remaining})
}

func handleCount(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args tokenArgs
	if err := decode(raw, &args); err != nil {
		return failure(err)
	}
	if args.Token == "" {
		return errorResult("token is required")
	}
	if args.Units == 0 {
		args.Units = 1
	}
	consumed, err := s.backend.Count(ctx, args.Token, args.Units)
	if err != nil {
		return failure(err)
	}
	return jsonResult(map[string]any{"token": args.Token, "consumed": consumed})
}

func handlePolicies(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return jsonResult(s.backend.Policies())
}

func handleChangePolicy(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args changeArgs
	if err := decode(raw, &args); err != nil {
		return failure(err)
	}
	change := models.PolicyChange{OwnerID: args.OwnerID, PolicyName: args.PolicyName}
	if err := s.backend.ChangePolicy(ctx, change); err != nil {
		return failure(err)
	}
	return jsonResult(change)
}

func handleEvents(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.events == nil {
		return errorResult("Event journal is not configured.")
	}
	var args eventArgs
	if err := decode(raw, &args); err != nil {
		return failure(err)
	}
	opts := models.JournalQueryOpts{
		Type:    args.Type,
		Token:   args.Token,
		OwnerID: args.OwnerID,
		Limit:   args.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}
	entries, err := s.events.Query(ctx, opts)
	if err != nil {
		return failure(err)
	}
	return jsonResult(entries)
}
