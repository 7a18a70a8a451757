package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/pkg/schema"
)

// listArgsSchema constrains defiflow.list arguments.
var listArgsSchema = []byte(`{
  "type": "object",
  "properties": {
    "status": { "enum": ["PENDING", "RUNNING", "COMPLETED", "FAILED"] },
    "user_id": { "type": "string" },
    "limit": { "type": "integer", "minimum": 0, "maximum": 1000 },
    "jq": { "type": "string", "minLength": 1 }
  }
}`)

// --- Tool definitions ---

func chatTool() mcp.Tool {
	return mcp.NewTool("defiflow.chat",
		mcp.WithDescription("Start a chat workflow; returns immediately with the execution id"),
		mcp.WithString("message", mcp.Required(), mcp.Description("The user's request, e.g. 'Find me the best yield opportunity for my USDC'")),
		mcp.WithString("wallet_address", mcp.Description("Wallet address (0x...)")),
		mcp.WithString("user_id", mcp.Description("ID of the requesting user; enables a completion notification")),
		mcp.WithNumber("chain_id", mcp.Description("EVM chain id (default 1)")),
		mcp.WithObject("balances", mcp.Description("Token balances, e.g. {\"USDC\": 10000}")),
		mcp.WithObject("positions", mcp.Description("Open positions by protocol, e.g. {\"Aave\": {\"USDC\": 10000, \"apy\": 0.05}}")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("defiflow.status",
		mcp.WithDescription("Get the current snapshot of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("defiflow.list",
		mcp.WithDescription("List executions, optionally filtered and projected with jq"),
		mcp.WithString("status",
			mcp.Enum("PENDING", "RUNNING", "COMPLETED", "FAILED"),
			mcp.Description("Only executions in this status"),
		),
		mcp.WithString("user_id", mcp.Description("Only executions of this user")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of executions")),
		mcp.WithString("jq", mcp.Description("jq expression evaluated over {\"executions\": [...]}")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("defiflow.cancel",
		mcp.WithDescription("Cancel an execution at its next stage boundary"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

// --- Handlers ---

// handleChat validates the request, submits it and returns the initial snapshot.
func (s *Server) handleChat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError("message is required"), nil
	}

	args := map[string]any{"message": message}
	for _, key := range []string{"wallet_address", "user_id"} {
		if v := req.GetString(key, ""); v != "" {
			args[key] = v
		}
	}
	if v := req.GetInt("chain_id", 0); v != 0 {
		args["chain_id"] = v
	}
	for _, key := range []string{"balances", "positions"} {
		if v := mcp.ParseStringMap(req, key, nil); v != nil {
			args[key] = v
		}
	}
	if s.validator != nil {
		if err := s.validator.ValidateChatRequest(args); err != nil {
			return toolError(err), nil
		}
	}

	meta, err := metadataFrom(args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid chat request: %v", err)), nil
	}
	if meta.WalletAddress == "" {
		meta.WalletAddress = s.defaultWallet
	}

	snap, err := s.dispatcher.Submit(ctx, meta)
	if err != nil {
		return toolError(err), nil
	}
	if s.captureSession(ctx, meta.UserID) {
		s.watch(ctx, snap.ID, meta.UserID)
	}

	return marshalResult(map[string]any{
		"execution_id": snap.ID,
		"status":       snap.Status,
	})
}

// handleStatus returns the current snapshot of an execution.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	snap, err := s.reader.Get(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(snap)
}

// handleList lists executions or runs a jq projection over them.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if args == nil {
		args = map[string]any{}
	}
	if s.validator != nil {
		if err := s.validator.ValidateInput(args, listArgsSchema); err != nil {
			return toolError(err), nil
		}
	}

	filter := store.ExecutionFilter{
		UserID: req.GetString("user_id", ""),
		Limit:  req.GetInt("limit", 0),
	}
	if v := req.GetString("status", ""); v != "" {
		status := schema.ExecutionStatus(v)
		filter.Status = &status
	}

	if expr := req.GetString("jq", ""); expr != "" {
		out, err := s.reader.Query(ctx, filter, expr)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(map[string]any{"result": out})
	}

	list, err := s.reader.List(ctx, filter)
	if err != nil {
		return toolError(err), nil
	}
	if list == nil {
		list = []*store.Execution{}
	}
	return marshalResult(map[string]any{
		"executions": list,
		"count":      len(list),
	})
}

// handleCancel asks the runner of an execution to stop.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if err := s.dispatcher.Cancel(ctx, id); err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": id,
	})
}

// --- Helpers ---

// metadataFrom decodes validated chat arguments.
func metadataFrom(args map[string]any) (store.Metadata, error) {
	var meta store.Metadata
	data, err := json.Marshal(args)
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

// toolError renders a core error as a tool error, keeping its code.
func toolError(err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", fe.Code, fe.Message))
	}
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
