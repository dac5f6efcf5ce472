// Package mcp serves token and usage operations as MCP tools over a
// line-delimited JSON-RPC 2.0 stream.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"

	"github.com/pario-ai/kansas/pkg/models"
)

// Backend is the set of operations exposed as tools.
type Backend interface {
	Get(ctx context.Context, token string) (*models.Token, error)
	GetByOwnerID(ctx context.Context, ownerID string) ([]models.Token, error)
	Consume(ctx context.Context, token string, units int64) (int64, error)
	Count(ctx context.Context, token string, units int64) (int64, error)
	ChangePolicy(ctx context.Context, change models.PolicyChange) error
	Policies() []models.Policy
}

// EventSearcher queries the event journal.
type EventSearcher interface {
	Query(ctx context.Context, opts models.JournalQueryOpts) ([]models.JournalEntry, error)
}

// Server is an MCP server over stdio.
type Server struct {
	backend Backend
	events  EventSearcher
	version string
	logger  hclog.Logger
}

// New returns a Server. events may be nil when no journal is configured.
func New(backend Backend, events EventSearcher, version string, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		backend: backend,
		events:  events,
		version: version,
		logger:  logger.Named("mcp"),
	}
}

// Run reads requests from r one per line and writes responses to w. It
// returns when r is exhausted or ctx is done.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, Response{
				JSONRPC: "2.0",
				Error:   &RPCError{Code: CodeParseError, Message: "parse error"},
			})
			continue
		}
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, *resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != "2.0" {
		return errorResponse(req, CodeInvalidRequest, "jsonrpc must be 2.0")
	}
	switch req.Method {
	case "initialize":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: "kansas", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		}}
	case "ping":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}}
	case "tools/list":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: ToolsListResult{Tools: allTools}}
	case "tools/call":
		return s.call(ctx, req)
	}
	if len(req.ID) == 0 {
		return nil
	}
	return errorResponse(req, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
}

func (s *Server) call(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req, CodeInvalidParams, "invalid params")
	}
	handler, ok := toolHandlers[params.Name]
	if !ok {
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: errorResult(fmt.Sprintf("unknown tool: %s", params.Name))}
	}
	s.logger.Debug("tool call", "tool", params.Name)
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: handler(ctx, s, params.Arguments)}
}

func errorResponse(req *Request, code int, msg string) *Response {
	return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: code, Message: msg}}
}

func (s *Server) write(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write response", "error", err)
	}
}
