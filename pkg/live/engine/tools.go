package engine

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/voicelink-go/voicelink/pkg/live/protocol"
)

// ToolHandler executes a tool call. The returned value is serialized to JSON
// as the tool result; a non-nil error produces a structured failure result
// instead.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// ToolDef declares a callable tool: its schema for the model and its local
// handler.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     ToolHandler
}

// ToolRegistry holds the tools available to the session. Lookup is
// case-insensitive.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolDef
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]ToolDef)}
}

// Register adds or replaces a tool. Registration with an empty name or nil
// handler is ignored.
func (r *ToolRegistry) Register(def ToolDef) {
	name := strings.TrimSpace(def.Name)
	if name == "" || def.Handler == nil {
		return
	}
	def.Name = name
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[strings.ToLower(name)] = def
}

// Resolve finds a tool by name, ignoring case.
func (r *ToolRegistry) Resolve(name string) (ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	return def, ok
}

// Declarations returns the tool schemas for session negotiation, sorted by
// name for stable output.
func (r *ToolRegistry) Declarations() []protocol.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.Tool, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, protocol.Tool{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// toolResult is the JSON shape sent back as function_call_output.
type toolResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func marshalToolResult(res toolResult) string {
	data, err := json.Marshal(res)
	if err != nil {
		// Marshal of this shape only fails on unserializable Data.
		fallback, _ := json.Marshal(toolResult{Success: false, Error: "unserializable tool result"})
		return string(fallback)
	}
	return string(data)
}
