package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nuetzliches/toolhorn/internal/progress"
)

func toolDescriptors() []toolDescriptor {
	return []toolDescriptor{
		{
			Name:        "document_get",
			Description: "Fetch one content document by id",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": map[string]any{"type": "string"},
				},
				"required": []string{"id"},
			},
		},
		{
			Name:        "document_search",
			Description: "Search content documents by query text",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "document_publish",
			Description: "Publish a content document by id",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": map[string]any{"type": "string"},
				},
				"required": []string{"id"},
			},
		},
		{
			Name:        "telemetry_status",
			Description: "Report telemetry shipping health and server counters",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
}

func (s *Server) callTool(ctx context.Context, name string, args map[string]any, report func(progress.Update)) (string, error) {
	switch name {
	case "document_get", "document_search", "document_publish":
		if s.Content == nil {
			return "", fmt.Errorf("content api is not configured (set TOOLHORN_CONTENT_BASE_URL)")
		}
	}
	switch name {
	case "document_get":
		return s.toolDocumentGet(ctx, args)
	case "document_search":
		return s.toolDocumentSearch(ctx, args, report)
	case "document_publish":
		return s.toolDocumentPublish(ctx, args, report)
	case "telemetry_status":
		return s.toolTelemetryStatus()
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

func (s *Server) toolDocumentGet(ctx context.Context, args map[string]any) (string, error) {
	id := stringArg(args, "id")
	if id == "" {
		return "", fmt.Errorf("argument 'id' is required")
	}
	doc, err := s.Content.GetDocument(ctx, id)
	if err != nil {
		return "", err
	}
	return marshalResult(doc)
}

func (s *Server) toolDocumentSearch(ctx context.Context, args map[string]any, report func(progress.Update)) (string, error) {
	query := stringArg(args, "query")
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("argument 'query' is required")
	}
	limit := intArg(args, "limit", 10)

	report(progress.Update{Progress: 0, Total: 100, HasTotal: true, Message: "searching"})
	docs, err := s.Content.SearchDocuments(ctx, query, limit)
	if err != nil {
		return "", err
	}
	report(progress.Update{Progress: 100, Total: 100, HasTotal: true, Message: "search complete"})
	return marshalResult(map[string]any{"count": len(docs), "items": docs})
}

func (s *Server) toolDocumentPublish(ctx context.Context, args map[string]any, report func(progress.Update)) (string, error) {
	id := stringArg(args, "id")
	if id == "" {
		return "", fmt.Errorf("argument 'id' is required")
	}

	report(progress.Update{Progress: 1, Total: 3, HasTotal: true, Message: "fetching document"})
	if _, err := s.Content.GetDocument(ctx, id); err != nil {
		return "", err
	}

	report(progress.Update{Progress: 2, Total: 3, HasTotal: true, Message: "publishing"})
	doc, err := s.Content.PublishDocument(ctx, id)
	if err != nil {
		return "", err
	}

	report(progress.Update{Progress: 3, Total: 3, HasTotal: true, Message: "published"})
	return marshalResult(doc)
}

func (s *Server) toolTelemetryStatus() (string, error) {
	status := map[string]any{
		"activeOperations":   len(s.Tracker.ActiveIDs()),
		"toolCallsTotal":     s.toolCallsTotal.Load(),
		"toolErrorsTotal":    s.toolErrorsTotal.Load(),
		"toolCancelledTotal": s.toolCancelledTotal.Load(),
	}
	if s.Reporter != nil {
		emitted, dropped := s.Reporter.Counters()
		status["progressEmittedTotal"] = emitted
		status["progressDroppedTotal"] = dropped
	}
	if s.Shipper != nil {
		status["shipper"] = s.Shipper.HealthStatus()
	}
	return marshalResult(status)
}

func marshalResult(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func intArg(args map[string]any, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}
