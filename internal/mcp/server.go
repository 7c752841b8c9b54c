// Package mcp runs the stdio JSON-RPC tool server. The tool-dispatch layer
// here is thin glue: it registers each call with the request tracker before
// execution, derives a progress callback from the reporter, runs the tool
// with the cancellation token, and unregisters on completion. The outbound
// side of the same wire doubles as the notification sink for progress.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/toolhorn/internal/content"
	"github.com/nuetzliches/toolhorn/internal/progress"
	"github.com/nuetzliches/toolhorn/internal/telemetry"
	"github.com/nuetzliches/toolhorn/internal/track"
)

const protocolVersion = "2024-11-05"

type Server struct {
	In  io.Reader
	Out io.Writer

	Tracker  *track.Tracker
	Reporter *progress.Reporter
	Logger   *telemetry.Logger
	Shipper  *telemetry.Shipper
	Content  *content.Client

	ServerName string
	Version    string

	// writeMu guards Out: progress notifications and responses interleave
	// on the same stream.
	writeMu sync.Mutex
	tracer  trace.Tracer

	toolCallsTotal     atomic.Int64
	toolErrorsTotal    atomic.Int64
	toolCancelledTotal atomic.Int64
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsListResult struct {
	Tools []toolDescriptor `json:"tools"`
}

type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type callMeta struct {
	ProgressToken any `json:"progressToken,omitempty"`
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Meta      callMeta       `json:"_meta,omitempty"`
}

type toolsCallResult struct {
	Content           []toolContent `json:"content"`
	StructuredContent any           `json:"structuredContent,omitempty"`
	IsError           bool          `json:"isError,omitempty"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cancelledParams struct {
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

type progressParams struct {
	ProgressToken string   `json:"progressToken"`
	Progress      float64  `json:"progress"`
	Total         *float64 `json:"total,omitempty"`
	Message       string   `json:"message,omitempty"`
}

func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("nil mcp server")
	}
	if s.In == nil {
		return errors.New("nil input reader")
	}
	if s.Out == nil {
		return errors.New("nil output writer")
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("toolhorn/mcp")
	}

	r := bufio.NewReader(s.In)
	var calls sync.WaitGroup
	defer calls.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			_ = s.write(rpcResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: -32700, Message: "parse error"},
			})
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			_ = s.write(rpcResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: -32700, Message: "parse error"},
			})
			continue
		}

		// Tool calls run off the read loop so notifications/cancelled frames
		// arriving while a call is in flight still reach the tracker. writeMu
		// keeps the interleaved responses framed correctly.
		if req.Method == "tools/call" {
			if req.ID == nil {
				continue
			}
			calls.Add(1)
			go func(req rpcRequest) {
				defer calls.Done()
				if err := s.write(s.handleToolsCall(ctx, req)); err != nil {
					s.Logger.Error(telemetry.ComponentServer, "response_write_failed",
						"failed to write tool response",
						map[string]any{"err": err.Error()},
					)
				}
			}(req)
			continue
		}

		resp := s.handleRequest(ctx, req)
		if resp == nil {
			continue
		}
		if err := s.write(resp); err != nil {
			return err
		}
	}
}

func (s *Server) write(msg any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeFrame(s.Out, msg)
}

// NotifyProgress implements progress.Notifier by emitting a
// notifications/progress frame on the outbound wire.
func (s *Server) NotifyProgress(token string, u progress.Update) error {
	params := progressParams{
		ProgressToken: token,
		Progress:      u.Progress,
		Message:       u.Message,
	}
	if u.HasTotal {
		total := u.Total
		params.Total = &total
	}
	return s.write(rpcNotification{
		JSONRPC: "2.0",
		Method:  "notifications/progress",
		Params:  params,
	})
}

func (s *Server) handleRequest(ctx context.Context, req rpcRequest) *rpcResponse {
	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, -32600, "invalid request")
	}

	switch req.Method {
	case "initialize":
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: initializeResult{
				ProtocolVersion: protocolVersion,
				Capabilities: map[string]any{
					"tools": map[string]any{},
				},
				ServerInfo: serverInfo{
					Name:    s.ServerName,
					Version: s.Version,
				},
			},
		}
	case "notifications/initialized":
		return nil
	case "notifications/cancelled":
		s.handleCancelled(req.Params)
		return nil
	case "ping":
		if req.ID == nil {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  map[string]any{},
		}
	case "tools/list":
		if req.ID == nil {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  toolsListResult{Tools: toolDescriptors()},
		}
	default:
		if req.ID == nil {
			return nil
		}
		return s.errorResponse(req.ID, -32601, "method not found")
	}
}

func (s *Server) handleCancelled(params json.RawMessage) {
	var p cancelledParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	id := idString(p.RequestID)
	if id == "" {
		return
	}
	s.Tracker.Cancel(id, p.Reason)
}

func (s *Server) handleToolsCall(ctx context.Context, req rpcRequest) *rpcResponse {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, -32602, "invalid params")
	}
	if strings.TrimSpace(params.Name) == "" {
		return s.errorResponse(req.ID, -32602, "invalid params: missing tool name")
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	opID := idString(req.ID)
	progressToken := idString(params.Meta.ProgressToken)

	op := s.Tracker.Register(opID, progressToken, params.Name)
	defer func() {
		s.Tracker.Cleanup(opID)
		if progressToken != "" {
			s.Reporter.Cleanup(progressToken)
		}
	}()

	callCtx, release := op.Token.Context(ctx)
	defer release()

	callCtx, span := s.tracer.Start(callCtx, "tools/call "+params.Name,
		trace.WithAttributes(
			attribute.String("tool.name", params.Name),
			attribute.String("operation.id", opID),
		))
	defer span.End()

	s.toolCallsTotal.Add(1)
	s.Logger.ToolStart(params.Name, opID)
	start := time.Now()

	report := s.Reporter.Callback(progressToken)
	result, err := s.callTool(callCtx, params.Name, params.Arguments, report)
	elapsed := time.Since(start)

	if op.Token.Cancelled() {
		s.toolCancelledTotal.Add(1)
		reason := op.Token.Reason()
		s.Logger.Warn(telemetry.ComponentTool, "tool_cancelled",
			"tool call cancelled: "+params.Name,
			map[string]any{"operation_id": opID, "reason": reason},
		)
		span.SetStatus(codes.Error, "cancelled")
		return s.toolResult(req.ID, toolsCallResult{
			Content: []toolContent{{Type: "text", Text: "operation cancelled: " + reason}},
			IsError: true,
		})
	}
	if err != nil {
		s.toolErrorsTotal.Add(1)
		s.Logger.ToolError(params.Name, err, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s.toolResult(req.ID, toolsCallResult{
			Content: []toolContent{{Type: "text", Text: err.Error()}},
			IsError: true,
		})
	}

	s.Logger.ToolSuccess(params.Name, elapsed, result)
	return s.toolResult(req.ID, toolsCallResult{
		Content: []toolContent{{Type: "text", Text: result}},
	})
}

func (s *Server) toolResult(id any, result toolsCallResult) *rpcResponse {
	return &rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

func (s *Server) errorResponse(id any, code int, message string) *rpcResponse {
	return &rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	}
}

// idString normalizes a JSON-RPC id (string or number) to its string form;
// operation and progress identifiers are keyed by it.
func idString(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
