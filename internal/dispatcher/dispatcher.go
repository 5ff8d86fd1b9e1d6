// Package dispatcher holds the transport-agnostic tool and resource registry.
// The HTTP and stdio transports are thin adapters over a single Dispatch
// entry point, so handler logic is never duplicated per transport.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/restmcp/gateway/internal/jsonrpc"
)

// Content is one block of a tool or resource result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextContent wraps text in the standard content block.
func TextContent(text string) []Content {
	return []Content{{Type: "text", Text: text}}
}

// ToolResult is the outcome of a tool call. IsError marks a domain-level
// failure that should reach the model as content rather than a protocol
// error.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// ToolHandler executes one tool call. The bearer token is the caller's
// resolved credential for downstream API requests.
type ToolHandler func(ctx context.Context, args json.RawMessage, bearer string) (*ToolResult, error)

// Tool pairs a descriptor with its handler.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	Handler ToolHandler `json:"-"`
}

// ResourceReader loads a resource's contents.
type ResourceReader func(ctx context.Context) (mimeType, text string, err error)

// Resource is a readable piece of server-side content.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`

	Reader ResourceReader `json:"-"`
}

// Dispatcher is the shared registry. Registration happens at startup;
// lookups run concurrently from every transport.
type Dispatcher struct {
	log *slog.Logger

	mu        sync.RWMutex
	tools     map[string]Tool
	resources map[string]Resource
}

func New(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:       log,
		tools:     make(map[string]Tool),
		resources: make(map[string]Resource),
	}
}

// RegisterTool adds or replaces a tool by name.
func (d *Dispatcher) RegisterTool(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", t.Name)
	}
	d.mu.Lock()
	d.tools[t.Name] = t
	d.mu.Unlock()
	return nil
}

// UnregisterTool removes a tool; unknown names are a no-op.
func (d *Dispatcher) UnregisterTool(name string) {
	d.mu.Lock()
	delete(d.tools, name)
	d.mu.Unlock()
}

// RegisterResource adds or replaces a resource by URI.
func (d *Dispatcher) RegisterResource(r Resource) error {
	if r.URI == "" {
		return fmt.Errorf("resource uri is required")
	}
	if r.Reader == nil {
		return fmt.Errorf("resource %q has no reader", r.URI)
	}
	d.mu.Lock()
	d.resources[r.URI] = r
	d.mu.Unlock()
	return nil
}

// ListTools returns descriptors sorted by name.
func (d *Dispatcher) ListTools() []Tool {
	d.mu.RLock()
	out := make([]Tool, 0, len(d.tools))
	for _, t := range d.tools {
		out = append(out, t)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CallTool runs the named tool's handler.
func (d *Dispatcher) CallTool(ctx context.Context, name string, args json.RawMessage, bearer string) (*ToolResult, error) {
	d.mu.RLock()
	t, ok := d.tools[name]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return t.Handler(ctx, args, bearer)
}

// ListResources returns descriptors sorted by URI.
func (d *Dispatcher) ListResources() []Resource {
	d.mu.RLock()
	out := make([]Resource, 0, len(d.resources))
	for _, r := range d.resources {
		out = append(out, r)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// ReadResource loads the named resource's contents.
func (d *Dispatcher) ReadResource(ctx context.Context, uri string) (Resource, string, string, error) {
	d.mu.RLock()
	r, ok := d.resources[uri]
	d.mu.RUnlock()
	if !ok {
		return Resource{}, "", "", fmt.Errorf("unknown resource %q", uri)
	}
	mime, text, err := r.Reader(ctx)
	if err != nil {
		return Resource{}, "", "", err
	}
	if mime == "" {
		mime = r.MimeType
	}
	return r, mime, text, nil
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type readResourceParams struct {
	URI string `json:"uri"`
}

// Dispatch answers one JSON-RPC request. The bearer token travels to tool
// handlers for their downstream calls. initialize is a transport concern and
// never reaches this layer.
func (d *Dispatcher) Dispatch(ctx context.Context, req *jsonrpc.Request, bearer string) *jsonrpc.Response {
	switch req.Method {
	case "ping":
		return mustResult(req.ID, struct{}{})

	case "tools/list":
		return mustResult(req.ID, map[string]any{"tools": d.ListTools()})

	case "tools/call":
		var p callToolParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "tools/call requires a name parameter", nil)
		}
		res, err := d.CallTool(ctx, p.Name, p.Arguments, bearer)
		if err != nil {
			d.log.WarnContext(ctx, "dispatch.tool.fail",
				slog.String("tool", p.Name), slog.String("err", err.Error()))
			// Execution failures are surfaced as tool results, not protocol
			// errors, so the model can react to them.
			res = &ToolResult{Content: TextContent(err.Error()), IsError: true}
		}
		return mustResult(req.ID, res)

	case "resources/list":
		return mustResult(req.ID, map[string]any{"resources": d.ListResources()})

	case "resources/read":
		var p readResourceParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.URI == "" {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "resources/read requires a uri parameter", nil)
		}
		r, mime, text, err := d.ReadResource(ctx, p.URI)
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		}
		return mustResult(req.ID, map[string]any{
			"contents": []map[string]string{{"uri": r.URI, "mimeType": mime, "text": text}},
		})

	case "prompts/list":
		return mustResult(req.ID, map[string]any{"prompts": []any{}})

	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method %q is not supported", req.Method), nil)
	}
}

func mustResult(id *jsonrpc.RequestID, result any) *jsonrpc.Response {
	res, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
	}
	return res
}
