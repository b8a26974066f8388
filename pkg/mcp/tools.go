package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// handleRun executes a stored chain by id, or an inline definition.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chainID := req.GetString("chain_id", "")
	vars := mcp.ParseStringMap(req, "variables", nil)
	userID := req.GetString("user_id", "")

	var chain *schema.ChainConfig
	switch {
	case chainID != "":
		stored, err := s.store.GetChain(ctx, chainID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("chain lookup failed: %v", err)), nil
		}
		chain = &stored.Definition
		if chain.ID == "" {
			chain.ID = stored.ID
		}
		if chain.WorkspaceID == "" {
			chain.WorkspaceID = stored.WorkspaceID
		}
	default:
		raw := mcp.ParseStringMap(req, "definition", nil)
		if raw == nil {
			return mcp.NewToolResultError("either chain_id or definition is required"), nil
		}
		def, err := decodeChain(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if def.ID == "" {
			def.ID = uuid.New().String()
		}
		chain = def
	}

	result, err := s.executor.ExecuteChain(ctx, chain, vars, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("chain execution failed: %v", err)), nil
	}
	s.logger.InfoContext(ctx, "chain run finished via mcp",
		"chain_id", result.ChainID, "run_id", result.RunID, "status", result.Status)
	return marshalResult(result)
}

// handleStatus returns the persisted run record.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	rec, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(rec)
}

// handleDefine validates a chain definition and stores it.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	def, err := decodeChain(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if s.validator != nil {
		if err := s.validator.ValidateChain(def); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid chain: %v", err)), nil
		}
	}

	name := def.Name
	if name == "" {
		name = def.ID
	}
	now := time.Now().UTC()
	c := &store.Chain{
		ID:          def.ID,
		WorkspaceID: def.WorkspaceID,
		Name:        name,
		Description: req.GetString("description", ""),
		Definition:  *def,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.PutChain(ctx, c); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store chain: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"id":    c.ID,
		"name":  c.Name,
		"steps": len(def.Steps),
	})
}

// handleQuery lists chains or runs.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "chains":
		chains, err := s.store.ListChains(ctx, store.ChainFilter{
			WorkspaceID: stringField(filter, "workspace_id"),
			Limit:       extractInt(filter, "limit", 50),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"chains": chains})

	case "runs":
		rf := store.RunFilter{
			ChainID:     stringField(filter, "chain_id"),
			WorkspaceID: stringField(filter, "workspace_id"),
			Status:      schema.RunStatus(stringField(filter, "status")),
			Limit:       extractInt(filter, "limit", 50),
		}
		if since := stringField(filter, "since"); since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("since must be RFC3339: %v", err)), nil
			}
			rf.Since = &t
		}
		runs, err := s.store.ListRuns(ctx, rf)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"runs": runs})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Internal helpers ---

// decodeChain round-trips a tool argument object into a ChainConfig.
func decodeChain(raw map[string]any) (*schema.ChainConfig, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	var def schema.ChainConfig
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	return &def, nil
}

func stringField(filter map[string]any, key string) string {
	v, _ := filter[key].(string)
	return v
}

// extractInt reads an integer filter value that may arrive as a JSON number
// or a string.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
