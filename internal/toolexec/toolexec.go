// Package toolexec turns OpenAPI 3 operations into callable tools. A document
// is loaded once, indexed by operationId, and each operation becomes a
// dispatcher tool that issues the downstream HTTP call with the caller's
// resolved bearer token.
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/restmcp/gateway/internal/dispatcher"
)

const defaultTimeout = 15 * time.Second

// document is the subset of an OpenAPI 3 document the executor needs. YAML is
// a superset of JSON, so one decoder handles both encodings.
type document struct {
	OpenAPI string `yaml:"openapi"`
	Info    struct {
		Title   string `yaml:"title"`
		Version string `yaml:"version"`
	} `yaml:"info"`
	Servers []struct {
		URL string `yaml:"url"`
	} `yaml:"servers"`
	Paths map[string]map[string]operationSpec `yaml:"paths"`
}

type operationSpec struct {
	OperationID string      `yaml:"operationId"`
	Summary     string      `yaml:"summary"`
	Description string      `yaml:"description"`
	Parameters  []parameter `yaml:"parameters"`
	RequestBody *struct {
		Required bool `yaml:"required"`
		Content  map[string]struct {
			Schema map[string]any `yaml:"schema"`
		} `yaml:"content"`
	} `yaml:"requestBody"`
}

type parameter struct {
	Name     string         `yaml:"name"`
	In       string         `yaml:"in"` // path | query | header
	Required bool           `yaml:"required"`
	Schema   map[string]any `yaml:"schema"`
}

// Operation is one indexed API operation.
type Operation struct {
	ID          string
	Method      string
	Path        string
	Summary     string
	Description string

	params  []parameter
	hasBody bool
}

// Result carries the downstream response verbatim; the gateway does not
// interpret it.
type Result struct {
	StatusCode int
	Body       []byte
}

// Executor holds an indexed API and issues its calls.
type Executor struct {
	baseURL string
	ops     map[string]Operation
	client  *http.Client
	log     *slog.Logger
}

// LoadFile reads an OpenAPI document from disk. baseURL overrides the
// document's first server URL when non-empty.
func LoadFile(path, baseURL string, log *slog.Logger) (*Executor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read OpenAPI document: %w", err)
	}
	return Load(data, baseURL, log)
}

// Load parses and indexes an OpenAPI document from bytes.
func Load(data []byte, baseURL string, log *slog.Logger) (*Executor, error) {
	if log == nil {
		log = slog.Default()
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI document: %w", err)
	}
	if !strings.HasPrefix(doc.OpenAPI, "3.") {
		return nil, fmt.Errorf("unsupported OpenAPI version %q", doc.OpenAPI)
	}

	if baseURL == "" {
		if len(doc.Servers) == 0 || doc.Servers[0].URL == "" {
			return nil, fmt.Errorf("document declares no server URL and none was configured")
		}
		baseURL = doc.Servers[0].URL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}

	ops := make(map[string]Operation)
	for path, methods := range doc.Paths {
		for method, spec := range methods {
			if spec.OperationID == "" {
				continue
			}
			if _, dup := ops[spec.OperationID]; dup {
				return nil, fmt.Errorf("duplicate operationId %q", spec.OperationID)
			}
			ops[spec.OperationID] = Operation{
				ID:          spec.OperationID,
				Method:      strings.ToUpper(method),
				Path:        path,
				Summary:     spec.Summary,
				Description: spec.Description,
				params:      spec.Parameters,
				hasBody:     spec.RequestBody != nil,
			}
		}
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("document contains no operations with an operationId")
	}

	log.Info("toolexec.loaded",
		slog.String("api", doc.Info.Title),
		slog.String("base_url", baseURL),
		slog.Int("operations", len(ops)))

	return &Executor{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		ops:     ops,
		client:  &http.Client{Timeout: defaultTimeout},
		log:     log,
	}, nil
}

// Operations lists the indexed operations sorted by id.
func (e *Executor) Operations() []Operation {
	out := make([]Operation, 0, len(e.ops))
	for _, op := range e.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Execute calls the named operation. params holds path and query parameter
// values by name; the "body" key, when present, becomes the JSON request
// body. The bearer token rides in the Authorization header.
func (e *Executor) Execute(ctx context.Context, operationID string, params map[string]json.RawMessage, bearer string) (*Result, error) {
	op, ok := e.ops[operationID]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", operationID)
	}

	path := op.Path
	query := url.Values{}
	for _, p := range op.params {
		raw, present := params[p.Name]
		if !present {
			if p.Required {
				return nil, fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}
		val := paramString(raw)
		switch p.In {
		case "path":
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(val))
		case "query":
			query.Set(p.Name, val)
		}
	}
	if strings.Contains(path, "{") {
		return nil, fmt.Errorf("unresolved path parameters in %q", path)
	}

	target := e.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if op.hasBody {
		if raw, ok := params["body"]; ok {
			body = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	res, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downstream call failed: %w", err)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read downstream response: %w", err)
	}

	e.log.InfoContext(ctx, "toolexec.call",
		slog.String("operation", op.ID),
		slog.Int("status", res.StatusCode),
		slog.Duration("dur", time.Since(start)))

	return &Result{StatusCode: res.StatusCode, Body: payload}, nil
}

// paramString renders a JSON scalar for URL placement, stripping quotes from
// strings.
func paramString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

// inputSchema builds a JSON schema describing the operation's parameters for
// tool listings.
func (op Operation) inputSchema() json.RawMessage {
	props := map[string]any{}
	var required []string
	for _, p := range op.params {
		schema := p.Schema
		if schema == nil {
			schema = map[string]any{"type": "string"}
		}
		props[p.Name] = schema
		if p.Required {
			required = append(required, p.Name)
		}
	}
	if op.hasBody {
		props["body"] = map[string]any{"type": "object", "description": "JSON request body"}
	}
	doc := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		sort.Strings(required)
		doc["required"] = required
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

// RegisterTools surfaces every indexed operation through the dispatcher.
func (e *Executor) RegisterTools(d *dispatcher.Dispatcher) error {
	for _, op := range e.Operations() {
		op := op
		desc := op.Summary
		if desc == "" {
			desc = op.Description
		}
		if desc == "" {
			desc = fmt.Sprintf("%s %s", op.Method, op.Path)
		}
		err := d.RegisterTool(dispatcher.Tool{
			Name:        op.ID,
			Description: desc,
			InputSchema: op.inputSchema(),
			Handler: func(ctx context.Context, args json.RawMessage, bearer string) (*dispatcher.ToolResult, error) {
				var params map[string]json.RawMessage
				if len(args) > 0 {
					if err := json.Unmarshal(args, &params); err != nil {
						return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
					}
				}
				res, err := e.Execute(ctx, op.ID, params, bearer)
				if err != nil {
					return nil, err
				}
				return &dispatcher.ToolResult{
					Content: dispatcher.TextContent(string(res.Body)),
					IsError: res.StatusCode >= 400,
				}, nil
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}
