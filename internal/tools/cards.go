// ABOUTME: Card operations exposed as MCP tools over the upstream API.
// ABOUTME: Each tool parses its arguments, calls the client, renders text.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/cardbox/cardbox-gateway/internal/upstream"
)

// defaultPageSize is used for listings when the caller does not specify one.
const defaultPageSize = 50

// maxListItems caps fetch-all listings so a huge upstream collection cannot
// exhaust gateway memory.
const maxListItems = 1000

// RegisterCardTools registers the card tool set against the given client.
func RegisterCardTools(r *Registry, client *upstream.Client) error {
	for _, t := range cardTools(client) {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func cardTools(client *upstream.Client) []*Tool {
	return []*Tool{
		{
			Name:        "list_cards",
			Description: "List cards, optionally filtered by tag.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"tag":{"type":"string"},"limit":{"type":"integer"}}}`),
			Run: func(ctx context.Context, args json.RawMessage) (string, error) {
				var in struct {
					Tag   string `json:"tag"`
					Limit int    `json:"limit"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
				query := url.Values{}
				if in.Tag != "" {
					query.Set("tag", in.Tag)
				}
				limit := in.Limit
				if limit <= 0 {
					limit = defaultPageSize
				}
				items, err := client.FetchAll(ctx, "/cards", query, limit, maxListItems)
				if err != nil {
					return "", err
				}
				return renderItems(items)
			},
		},
		{
			Name:        "get_card",
			Description: "Fetch a single card by id.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
			Run: func(ctx context.Context, args json.RawMessage) (string, error) {
				id, err := requiredID(args)
				if err != nil {
					return "", err
				}
				raw, err := client.Get(ctx, "/cards/"+id, nil)
				if err != nil {
					return "", err
				}
				return renderJSON(raw)
			},
		},
		{
			Name:        "create_card",
			Description: "Create a new card with a title and markdown body.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"},"body":{"type":"string"},"tags":{"type":"array","items":{"type":"string"}}},"required":["title"]}`),
			Run: func(ctx context.Context, args json.RawMessage) (string, error) {
				var in struct {
					Title string   `json:"title"`
					Body  string   `json:"body"`
					Tags  []string `json:"tags"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
				if in.Title == "" {
					return "", fmt.Errorf("title is required")
				}
				raw, err := client.Post(ctx, "/cards", in)
				if err != nil {
					return "", err
				}
				return renderJSON(raw)
			},
		},
		{
			Name:        "update_card",
			Description: "Update an existing card's title, body, or tags.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"},"title":{"type":"string"},"body":{"type":"string"},"tags":{"type":"array","items":{"type":"string"}}},"required":["id"]}`),
			Run: func(ctx context.Context, args json.RawMessage) (string, error) {
				var in map[string]any
				if err := json.Unmarshal(args, &in); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
				id, _ := in["id"].(string)
				if id == "" {
					return "", fmt.Errorf("id is required")
				}
				delete(in, "id")
				raw, err := client.Patch(ctx, "/cards/"+id, in)
				if err != nil {
					return "", err
				}
				return renderJSON(raw)
			},
		},
		{
			Name:        "delete_card",
			Description: "Move a card to the trash.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
			Run: func(ctx context.Context, args json.RawMessage) (string, error) {
				id, err := requiredID(args)
				if err != nil {
					return "", err
				}
				if _, err := client.Delete(ctx, "/cards/"+id); err != nil {
					return "", err
				}
				return fmt.Sprintf("card %s deleted", id), nil
			},
		},
		{
			Name:        "search_cards",
			Description: "Full-text search over cards.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"}},"required":["query"]}`),
			Run: func(ctx context.Context, args json.RawMessage) (string, error) {
				var in struct {
					Query string `json:"query"`
					Limit int    `json:"limit"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
				if in.Query == "" {
					return "", fmt.Errorf("query is required")
				}
				query := url.Values{"q": {in.Query}}
				limit := in.Limit
				if limit <= 0 {
					limit = defaultPageSize
				}
				items, err := client.FetchAll(ctx, "/cards/search", query, limit, maxListItems)
				if err != nil {
					return "", err
				}
				return renderItems(items)
			},
		},
		{
			Name:        "export_backup",
			Description: "Download a full backup archive and report its size.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			Run: func(ctx context.Context, args json.RawMessage) (string, error) {
				data, contentType, err := client.Download(ctx, "/backup/export", nil)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("backup exported: %d bytes (%s)", len(data), contentType), nil
			},
		},
	}
}

// requiredID extracts the mandatory id argument.
func requiredID(args json.RawMessage) (string, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if in.ID == "" {
		return "", fmt.Errorf("id is required")
	}
	return in.ID, nil
}

// renderItems pretty-prints a listing as an indented JSON array.
func renderItems(items []json.RawMessage) (string, error) {
	out, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// renderJSON pretty-prints a single JSON document.
func renderJSON(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "{}", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
