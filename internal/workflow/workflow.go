// Package workflow serves declarative multi-step playbooks. Definitions are
// YAML files in a directory; each one becomes a tool that renders step-by-step
// instructions for the calling agent, templated against the caller's
// arguments. The advisor holds no execution state.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/restmcp/gateway/internal/dispatcher"
)

// Arg declares one input a workflow expects from the caller.
type Arg struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// Step is one instruction in a workflow. Tool names the gateway tool the
// agent should call; Note is a templated hint rendered with the caller's
// arguments.
type Step struct {
	Tool string `yaml:"tool"`
	Note string `yaml:"note"`
}

// Definition is one workflow file.
type Definition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Args        []Arg  `yaml:"args"`
	Steps       []Step `yaml:"steps"`

	// Template overrides the generated step list with a free-form
	// instruction template when present.
	Template string `yaml:"template"`
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(d.Steps) == 0 && d.Template == "" {
		return fmt.Errorf("workflow %q has neither steps nor a template", d.Name)
	}
	return nil
}

// Advisor loads and serves workflow definitions from a directory.
type Advisor struct {
	dir  string
	log  *slog.Logger
	disp *dispatcher.Dispatcher

	mu   sync.RWMutex
	defs map[string]Definition
}

func NewAdvisor(dir string, disp *dispatcher.Dispatcher, log *slog.Logger) *Advisor {
	if log == nil {
		log = slog.Default()
	}
	return &Advisor{dir: dir, log: log, disp: disp, defs: make(map[string]Definition)}
}

// Load reads every *.yaml/*.yml file in the directory, replacing the current
// set and updating tool registrations. Files that fail to parse are skipped
// with a warning so one bad file cannot take the rest down.
func (a *Advisor) Load() error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return fmt.Errorf("failed to read workflow directory: %w", err)
	}

	next := make(map[string]Definition)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(a.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			a.log.Warn("workflow.read.fail", slog.String("file", e.Name()), slog.String("err", err.Error()))
			continue
		}
		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			a.log.Warn("workflow.parse.fail", slog.String("file", e.Name()), slog.String("err", err.Error()))
			continue
		}
		if err := def.validate(); err != nil {
			a.log.Warn("workflow.invalid", slog.String("file", e.Name()), slog.String("err", err.Error()))
			continue
		}
		next[def.Name] = def
	}

	a.mu.Lock()
	prev := a.defs
	a.defs = next
	a.mu.Unlock()

	if a.disp != nil {
		for name := range prev {
			if _, kept := next[name]; !kept {
				a.disp.UnregisterTool(toolName(name))
			}
		}
		for _, def := range next {
			if err := a.disp.RegisterTool(a.toTool(def)); err != nil {
				a.log.Warn("workflow.register.fail", slog.String("workflow", def.Name), slog.String("err", err.Error()))
			}
		}
	}

	a.log.Info("workflow.loaded", slog.Int("count", len(next)))
	return nil
}

// Watch reloads the directory on file changes until ctx is cancelled.
func (a *Advisor) Watch(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		a.log.Warn("workflow.watch.unavailable", slog.String("err", err.Error()))
		return
	}
	defer func() {
		_ = w.Close()
	}()

	if err := w.Add(a.dir); err != nil {
		a.log.Warn("workflow.watch.add.fail", slog.String("err", err.Error()))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := a.Load(); err != nil {
					a.log.Warn("workflow.reload.fail", slog.String("err", err.Error()))
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			a.log.Warn("workflow.watch.err", slog.String("err", err.Error()))
		}
	}
}

// Names lists the loaded workflows.
func (a *Advisor) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.defs))
	for n := range a.defs {
		names = append(names, n)
	}
	return names
}

// Render produces the instruction text for a workflow given caller arguments.
func (a *Advisor) Render(name string, args map[string]any) (string, error) {
	a.mu.RLock()
	def, ok := a.defs[name]
	a.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown workflow %q", name)
	}

	for _, arg := range def.Args {
		if _, present := args[arg.Name]; arg.Required && !present {
			return "", fmt.Errorf("missing required argument %q", arg.Name)
		}
	}

	tpl, err := template.New(def.Name).Funcs(sprig.TxtFuncMap()).Option("missingkey=zero").Parse(def.templateText())
	if err != nil {
		return "", fmt.Errorf("workflow %q template is invalid: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, args); err != nil {
		return "", fmt.Errorf("failed to render workflow %q: %w", name, err)
	}
	return buf.String(), nil
}

func (d Definition) templateText() string {
	if d.Template != "" {
		return d.Template
	}
	var b strings.Builder
	if d.Description != "" {
		b.WriteString(d.Description)
		b.WriteString("\n\n")
	}
	for i, step := range d.Steps {
		fmt.Fprintf(&b, "%d. ", i+1)
		if step.Tool != "" {
			fmt.Fprintf(&b, "Call the %q tool. ", step.Tool)
		}
		b.WriteString(step.Note)
		b.WriteString("\n")
	}
	return b.String()
}

func toolName(workflow string) string {
	return "workflow_" + workflow
}

func (a *Advisor) toTool(def Definition) dispatcher.Tool {
	return dispatcher.Tool{
		Name:        toolName(def.Name),
		Description: def.Description,
		InputSchema: def.inputSchema(),
		Handler: func(_ context.Context, rawArgs json.RawMessage, _ string) (*dispatcher.ToolResult, error) {
			args := map[string]any{}
			if len(rawArgs) > 0 {
				if err := json.Unmarshal(rawArgs, &args); err != nil {
					return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
				}
			}
			text, err := a.Render(def.Name, args)
			if err != nil {
				return nil, err
			}
			return &dispatcher.ToolResult{Content: dispatcher.TextContent(text)}, nil
		},
	}
}

func (d Definition) inputSchema() json.RawMessage {
	props := map[string]any{}
	var required []string
	for _, arg := range d.Args {
		props[arg.Name] = map[string]any{"type": "string", "description": arg.Description}
		if arg.Required {
			required = append(required, arg.Name)
		}
	}
	doc := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		doc["required"] = required
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}
