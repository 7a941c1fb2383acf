package tool

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/pocketomega/pocket-omega/internal/llm"
)

// Registry manages all registered tools with thread-safe access.
//
// Tools are kept in an orderedmap.OrderedMap rather than a plain Go map so
// that discovery order survives: MCP servers are scanned and registered in a
// fixed sequence, and the per-prompt tool cap (GenerateToolDefinitions'
// callers truncate the result) needs to drop the *last-discovered* tools
// first, deterministically, rather than whichever names a plain map happens
// to range over first.
//
// A Registry can be either a "root" registry (parent == nil) that owns its
// tools map, or a "view" registry (parent != nil) created by WithExtra that
// overlays additional tools on top of a parent. Views delegate Get/List to
// the parent, so changes to the parent (Register/Unregister) are immediately
// visible through the view. This is critical for mcp_reload: the agent holds
// a view (via WithExtra for per-request tools like update_plan), while
// mcp_reload modifies the root registry. Without delegation, unregistered
// tools would remain visible to the agent.
type Registry struct {
	mu     sync.RWMutex
	tools  *orderedmap.OrderedMap[string, Tool]
	parent *Registry // non-nil → view mode; tools map holds extras only
}

// NewRegistry creates an empty root tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: orderedmap.New[string, Tool](),
	}
}

// Register adds a tool to the registry. If a tool with the same name already
// exists, its value is overwritten in place (discovery position unchanged)
// and a warning is logged; a genuinely new tool is appended at the newest
// end of the discovery order.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools.Get(t.Name()); exists {
		log.Printf("[Registry] WARNING: overwriting existing tool %q", t.Name())
	}
	r.tools.Set(t.Name(), t)
}

// Unregister removes a tool from the registry (for hot-reload).
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools.Delete(name)
	log.Printf("[Registry] Unregistered tool: %s", name)
}

// Get retrieves a tool by name.
// For view registries: checks extras first, then delegates to parent.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	t, ok := r.tools.Get(name)
	r.mu.RUnlock()
	if ok {
		return t, true
	}
	if r.parent != nil {
		return r.parent.Get(name)
	}
	return nil, false
}

// List returns all registered tools sorted by name. Most callers want a
// stable, human-readable ordering (prompt generation, the web UI tool list);
// use DiscoveryOrder when truncation order matters instead.
// For view registries: merges parent tools with extras (extras override parent).
func (r *Registry) List() []Tool {
	result := r.DiscoveryOrder()
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})
	return result
}

// DiscoveryOrder returns all registered tools in the order they were first
// registered (oldest first), merging parent and view extras. Truncating this
// slice from the end drops the last-discovered tools first, deterministically
// — the ordering GenerateToolDefinitions' callers rely on when enforcing a
// per-prompt tool cap.
func (r *Registry) DiscoveryOrder() []Tool {
	if r.parent != nil {
		return r.discoveryOrderView()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Tool, 0, r.tools.Len())
	for pair := r.tools.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// discoveryOrderView merges the parent's discovery order with this view's
// extras (appended after, in their own registration order). Extras take
// precedence over parent tools with the same name.
func (r *Registry) discoveryOrderView() []Tool {
	parentTools := r.parent.DiscoveryOrder()

	r.mu.RLock()
	defer r.mu.RUnlock()

	overridden := make(map[string]bool, r.tools.Len())
	for pair := r.tools.Oldest(); pair != nil; pair = pair.Next() {
		overridden[pair.Key] = true
	}

	result := make([]Tool, 0, len(parentTools)+r.tools.Len())
	for _, t := range parentTools {
		if !overridden[t.Name()] {
			result = append(result, t)
		}
	}
	for pair := r.tools.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// GenerateToolsPrompt creates a detailed description of all tools
// including their parameter schemas for injection into LLM prompts.
func (r *Registry) GenerateToolsPrompt() string {
	tools := r.List()
	if len(tools) == 0 {
		return "（无可用工具）"
	}

	var sb strings.Builder
	sb.WriteString("可用工具：\n")
	for _, t := range tools {
		sb.WriteString(fmt.Sprintf("\n### %s\n%s\n", t.Name(), t.Description()))
		schema := t.InputSchema()
		if len(schema) > 0 {
			sb.WriteString(fmt.Sprintf("参数 Schema: %s\n", string(schema)))
		}
	}
	return sb.String()
}

// GenerateToolDefinitions creates FC-compatible tool definitions, in
// discovery order so a caller enforcing a per-prompt tool cap truncates the
// last-discovered tools first, deterministically (§4.1 "by model size").
// Used by the FC path in DecideNode. The YAML path uses GenerateToolsPrompt instead.
func (r *Registry) GenerateToolDefinitions() []llm.ToolDefinition {
	tools := r.DiscoveryOrder()
	defs := make([]llm.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		}
	}
	return defs
}

// InitAll initializes all registered tools.
func (r *Registry) InitAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for pair := r.tools.Oldest(); pair != nil; pair = pair.Next() {
		if err := pair.Value.Init(ctx); err != nil {
			return fmt.Errorf("init tool %q: %w", pair.Key, err)
		}
	}
	log.Printf("[Registry] Initialized %d tools", r.tools.Len())
	return nil
}

// CloseAll closes all registered tools, logging errors but not failing.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for pair := r.tools.Oldest(); pair != nil; pair = pair.Next() {
		if err := pair.Value.Close(); err != nil {
			log.Printf("[Registry] Error closing tool %s: %v", pair.Key, err)
		}
	}
}

// WithExtra returns a view of this Registry with additional tools overlaid.
// Used for per-request tool injection (e.g. update_plan with session context).
//
// The returned Registry delegates Get/List to the parent, so changes to the
// parent (via Register/Unregister) are immediately visible through the view.
// Extras take precedence over parent tools with the same name.
//
// Can be chained: root.WithExtra(a).WithExtra(b) creates a view chain where
// lookups check b's extras → a's extras → root's tools.
func (r *Registry) WithExtra(extras ...Tool) *Registry {
	extrasMap := orderedmap.New[string, Tool]()
	for _, t := range extras {
		extrasMap.Set(t.Name(), t)
	}
	return &Registry{
		parent: r,
		tools:  extrasMap,
	}
}
