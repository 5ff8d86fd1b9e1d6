// Package stdio implements a single-connection, newline-delimited JSON-RPC
// transport over stdin/stdout. There is no OAuth flow here: the peer is the
// local OS user, and an optional static bearer token covers downstream API
// calls. All MCP semantics live in the shared dispatcher, keeping this
// transport in lockstep with the streaming HTTP one.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/restmcp/gateway/internal/dispatcher"
	"github.com/restmcp/gateway/internal/jsonrpc"
)

// Config carries the handler's settings. Zero values mean os.Stdin/os.Stdout
// and no downstream bearer token.
type Config struct {
	ServerName    string
	ServerVersion string

	// Bearer is attached to downstream API calls made by tools. Local runs
	// against APIs that need no auth leave it empty.
	Bearer string

	In  io.Reader
	Out io.Writer
}

// Handler is the stdio transport loop. Safe to Serve at most once.
type Handler struct {
	cfg  Config
	disp *dispatcher.Dispatcher
	log  *slog.Logger

	writeMu sync.Mutex
}

func NewHandler(cfg Config, disp *dispatcher.Dispatcher, log *slog.Logger) *Handler {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{cfg: cfg, disp: disp, log: log}
}

// Serve reads newline-delimited JSON-RPC messages until EOF or context
// cancellation. Requests are answered; notifications and responses are
// accepted silently.
func (h *Handler) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(h.cfg.In)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	initialized := false
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			h.log.WarnContext(ctx, "stdio.message.invalid", slog.String("err", err.Error()))
			if writeErr := h.write(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message", nil)); writeErr != nil {
				return writeErr
			}
			continue
		}

		req := msg.AsRequest()
		if req == nil || req.ID == nil || req.ID.IsNil() {
			// Notification or response to a server-initiated request.
			continue
		}

		if req.Method == "initialize" {
			if err := h.write(h.initializeResponse(req, initialized)); err != nil {
				return err
			}
			initialized = true
			continue
		}
		if !initialized {
			if err := h.write(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "initialize must be the first request", nil)); err != nil {
				return err
			}
			continue
		}

		res := h.disp.Dispatch(ctx, req, h.cfg.Bearer)
		if err := h.write(res); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio read failed: %w", err)
	}
	return nil
}

func (h *Handler) initializeResponse(req *jsonrpc.Request, already bool) *jsonrpc.Response {
	if already {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil)
	}
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(req.Params, &params)
	pv := params.ProtocolVersion
	if pv == "" {
		pv = "2025-03-26"
	}
	res, err := jsonrpc.NewResultResponse(req.ID, map[string]any{
		"protocolVersion": pv,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    h.cfg.ServerName,
			"version": h.cfg.ServerVersion,
		},
	})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode initialize response", nil)
	}
	return res
}

func (h *Handler) write(res *jsonrpc.Response) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.cfg.Out.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}
