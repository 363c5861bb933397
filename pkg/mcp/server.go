// Package mcp exposes read-only pool inspection tools over the Model Context
// Protocol (JSON-RPC 2.0 on stdio).
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pario-ai/keypool/pkg/logger"
	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/pool"
	"github.com/pario-ai/keypool/pkg/quota"
)

// EventSource queries the pool event log.
type EventSource interface {
	Query(ctx context.Context, opts models.EventQueryOpts) ([]models.PoolEvent, error)
}

// Server is a minimal MCP server that communicates over stdio.
type Server struct {
	pool      *pool.Coordinator
	admission *quota.Admission
	events    EventSource
	version   string
}

// New creates a Server. admission and events may be nil when quota
// enforcement or the event log is disabled.
func New(p *pool.Coordinator, a *quota.Admission, events EventSource, version string) *Server {
	return &Server{
		pool:      p,
		admission: a,
		events:    events,
		version:   version,
	}
}

// Run reads JSON-RPC requests from r line by line and writes responses to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

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
			s.writeResponse(w, errorResponse(nil, CodeParseError, "parse error"))
			continue
		}

		// notifications get no response
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.writeResponse(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: serverName, Version: s.version},
			Capabilities:    Capabilities{Tools: &ToolsCapability{}},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	case "tools/list":
		return resultResponse(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return resultResponse(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}
	logger.Debug("mcp tool call", "tool", params.Name)
	return resultResponse(req.ID, handler(ctx, s, params.Arguments))
}

func (s *Server) writeResponse(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		logger.Error("mcp marshal failed", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		logger.Error("mcp write failed", "error", err)
	}
}
