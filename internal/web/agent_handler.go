package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pocketomega/pocket-omega/internal/agent"
	"github.com/pocketomega/pocket-omega/internal/core"
	"github.com/pocketomega/pocket-omega/internal/gpuguard"
	"github.com/pocketomega/pocket-omega/internal/llm"
	"github.com/pocketomega/pocket-omega/internal/modelstate"
	"github.com/pocketomega/pocket-omega/internal/orchestration"
	"github.com/pocketomega/pocket-omega/internal/plan"
	"github.com/pocketomega/pocket-omega/internal/prompt"
	"github.com/pocketomega/pocket-omega/internal/retrieval"
	"github.com/pocketomega/pocket-omega/internal/session"
	"github.com/pocketomega/pocket-omega/internal/tool"
	"github.com/pocketomega/pocket-omega/internal/tool/builtin"
	"github.com/pocketomega/pocket-omega/internal/walkthrough"
)

const (
	maxRequestBody  = 1 << 20         // 1MB max request body
	maxMessageRunes = 8000            // max user message length in runes
	chatTimeout     = 5 * time.Minute // global timeout for chat flow
)

// agentTimeout is the global timeout for agent flow.
// Configurable via AGENT_TIMEOUT_MINUTES env var (default: 10, min: 1, max: 30).
var agentTimeout = loadAgentTimeout()

func loadAgentTimeout() time.Duration {
	const defaultMinutes = 10
	v := os.Getenv("AGENT_TIMEOUT_MINUTES")
	if v == "" {
		return time.Duration(defaultMinutes) * time.Minute
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > 30 {
		log.Printf("[Config] WARNING: invalid AGENT_TIMEOUT_MINUTES=%q (must be 1-30), using default %d", v, defaultMinutes)
		return time.Duration(defaultMinutes) * time.Minute
	}
	return time.Duration(n) * time.Minute
}

// ── Agent Handler (Phase 2) ──

// AgentHandlerOptions groups all configuration for AgentHandler.
// Use this instead of positional parameters to keep NewAgentHandler maintainable
// as new options are added over time.
type AgentHandlerOptions struct {
	Provider            llm.LLMProvider
	Registry            *tool.Registry
	WorkspaceDir        string
	ExecLogger          *agent.ExecLogger
	ThinkingMode        string
	ToolCallMode        string
	ContextWindowTokens int
	Store               *session.Store
	Loader              *prompt.PromptLoader // optional — falls back to hardcoded defaults
	OSName              string               // e.g. "Windows" — for runtime info line
	ShellCmd            string               // e.g. "cmd.exe /c" — for runtime info line
	ModelName           string               // e.g. "gemini-2.5-pro" — for runtime info line
	PlanStore           *plan.PlanStore      // optional — enables update_plan tool
	MaxAgentTokens      int64                // 0 = disabled; CostGuard token budget
	MaxAgentDuration    time.Duration        // 0 = disabled; CostGuard time limit
	WalkthroughStore    *walkthrough.Store   // optional — enables walkthrough tool + auto-write
	GPUGuard            *gpuguard.Guard      // optional — serializes this turn's LLM calls against others
	ModelState          *modelstate.Machine  // optional — turn is rejected unless IsReady()

	// Tier-1/2/3 orchestration (§4.1/§4.2) — nil Settings disables the whole
	// state-machine layer and every turn runs gate-free, as before.
	Settings        orchestration.AppSettings
	Corpus          *retrieval.Corpus // backs turn-start rag/schema relevancy precompute
	ToolSearchSrc   builtin.ToolSearchSource
	ModelSize       orchestration.ModelSize
}

// AgentHandler handles agent requests with tool usage capability.
type AgentHandler struct {
	llmProvider         llm.LLMProvider
	agentFlow           core.Workflow[agent.AgentState]
	toolRegistry        *tool.Registry
	workspaceDir        string
	execLogger          *agent.ExecLogger
	thinkingMode        string
	toolCallMode        string
	contextWindowTokens int
	sessionStore        *session.Store
	loader              *prompt.PromptLoader
	osName              string
	shellCmd            string
	modelName           string
	planStore           *plan.PlanStore
	maxAgentTokens      int64
	maxAgentDuration    time.Duration
	walkthroughStore    *walkthrough.Store
	gpuGuard            *gpuguard.Guard
	modelState          *modelstate.Machine

	settings      orchestration.AppSettings
	hasSettings   bool
	corpus        *retrieval.Corpus
	toolSearchSrc builtin.ToolSearchSource
	modelSize     orchestration.ModelSize
}

// NewAgentHandler creates a new agent handler from AgentHandlerOptions.
func NewAgentHandler(opts AgentHandlerOptions) *AgentHandler {
	return &AgentHandler{
		llmProvider:         opts.Provider,
		agentFlow:           agent.BuildAgentFlow(opts.Provider, opts.Registry, opts.ThinkingMode, opts.Loader),
		toolRegistry:        opts.Registry,
		workspaceDir:        opts.WorkspaceDir,
		execLogger:          opts.ExecLogger,
		thinkingMode:        opts.ThinkingMode,
		toolCallMode:        opts.ToolCallMode,
		contextWindowTokens: opts.ContextWindowTokens,
		sessionStore:        opts.Store,
		loader:              opts.Loader,
		osName:              opts.OSName,
		shellCmd:            opts.ShellCmd,
		modelName:           opts.ModelName,
		planStore:           opts.PlanStore,
		maxAgentTokens:      opts.MaxAgentTokens,
		maxAgentDuration:    opts.MaxAgentDuration,
		walkthroughStore:    opts.WalkthroughStore,
		gpuGuard:            opts.GPUGuard,
		modelState:          opts.ModelState,
		settings:            opts.Settings,
		hasSettings:         opts.Corpus != nil,
		corpus:              opts.Corpus,
		toolSearchSrc:       opts.ToolSearchSrc,
		modelSize:           opts.ModelSize,
	}
}

// HandleAgent processes agent requests using SSE streaming with tool calls.
func (h *AgentHandler) HandleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	userMsg := strings.TrimSpace(r.FormValue("message"))
	if userMsg == "" {
		http.Error(w, "Empty message", http.StatusBadRequest)
		return
	}
	if len([]rune(userMsg)) > maxMessageRunes {
		http.Error(w, "Message too long", http.StatusRequestEntityTooLarge)
		return
	}

	// §4.6: the frontend is blocked from submitting new chat turns in any
	// state != Ready; reject before any session/SSE machinery spins up.
	if h.modelState != nil && !h.modelState.IsReady() {
		http.Error(w, fmt.Sprintf("model not ready (state=%s)", h.modelState.State()), http.StatusServiceUnavailable)
		return
	}

	log.Printf("[Agent] Received: %s", userMsg)
	startTime := time.Now()

	// Session history lookup
	sessionID := strings.TrimSpace(r.FormValue("session_id"))
	var historyPrefix string
	if sessionID != "" && h.sessionStore != nil {
		if !h.sessionStore.TryAcquire(sessionID) {
			http.Error(w, "a turn is already in progress for this session", http.StatusConflict)
			return
		}
		defer h.sessionStore.Release(sessionID)
		turns, summary := h.sessionStore.GetSessionContext(sessionID)
		// allocate 30% of context window (in chars) to conversation history
		budget := h.contextWindowTokens * 2 * 30 / 100
		historyPrefix = session.ToProblemPrefix(turns, budget, summary)
	}

	sse := newEventBus(w, r)
	if sse == nil {
		return
	}

	// Global timeout for the entire agent flow
	ctx, cancel := context.WithTimeout(r.Context(), agentTimeout)
	defer cancel()

	// Send immediate status so user sees instant feedback
	sse.Send(EventChatStreamStatus, map[string]string{"message": "🤔 正在分析问题..."})

	// Start execution log session
	if h.execLogger != nil {
		h.execLogger.StartSession(userMsg)
	}

	// Per-request: create update_plan tool with session context + SSE callback.
	// Uses WithExtra to create a request-scoped registry copy — no mutation of global registry.
	reqRegistry := h.toolRegistry
	if h.planStore != nil {
		planTool := builtin.NewUpdatePlanTool(h.planStore, sessionID, func(steps []plan.PlanStep) {
			sse.Send(EventAgentPlan, ssePlanEvent{Steps: steps})
		})
		reqRegistry = h.toolRegistry.WithExtra(planTool)
		// Clean up plan data after agent completes (synchronous — safe with current design).
		// If agent is ever moved to goroutine, move Delete to agent completion callback.
		defer h.planStore.Delete(sessionID)
	}

	// Walkthrough: same per-request lifecycle as PlanStore.
	// defer Delete ensures cleanup when request ends.
	if h.walkthroughStore != nil {
		wtTool := builtin.NewWalkthroughTool(h.walkthroughStore, sessionID)
		reqRegistry = reqRegistry.WithExtra(wtTool)
		defer h.walkthroughStore.Delete(sessionID)
	}

	// Build agent state with SSE callback
	state := &agent.AgentState{
		Problem:             userMsg,
		ConversationHistory: historyPrefix,
		WorkspaceDir:        h.workspaceDir,
		ToolRegistry:        reqRegistry,
		ThinkingMode:        h.thinkingMode,
		ToolCallMode:        h.toolCallMode,
		ContextWindowTokens: h.contextWindowTokens,
		OSName:              h.osName,
		ShellCmd:            h.shellCmd,
		ModelName:           h.modelName,
		WalkthroughStore:    h.walkthroughStore,
		WalkthroughSID:      sessionID,
		ReadCache:           agent.NewReadCache(),
		OnStepComplete: func(step agent.StepRecord) {
			// Write to execution log
			if h.execLogger != nil {
				h.execLogger.LogStep(step)
			}
			switch step.Type {
			case "decide":
				sse.Send(EventAgentStep, step)
			case "tool":
				sse.Send(EventToolResult, step)
			case "think":
				sse.Send(EventAgentStep, step)
			}
		},
		OnStreamChunk: func(chunk string) {
			sse.Send(EventChatToken, map[string]string{"text": chunk})
		},
		OnToolBlocked: func(toolName string) {
			sse.Send(EventToolBlocked, sseBlockedEvent{ToolName: toolName})
		},
	}

	// Tier-1/2/3 orchestration (§4.1/§4.2): compute this turn's configuration
	// once up front, derive the matching AgenticStateMachine, and run the
	// Auto tool_search step (§4.3) before the flow's first iteration.
	if h.hasSettings {
		ragRelevancy, schemaRelevancy := 0.0, 0.0
		queryEmbedding := retrieval.HashEmbed(userMsg)
		if h.corpus != nil {
			if docs := h.corpus.SearchDocs(queryEmbedding, 1); len(docs) > 0 {
				ragRelevancy = docs[0].Relevancy
			}
			if tables := h.corpus.SearchTables(queryEmbedding); len(tables) > 0 {
				schemaRelevancy = tables[0].Relevancy
			}
		}

		var mcpTools []orchestration.ToolSchema
		if h.toolSearchSrc != nil {
			mcpTools = h.toolSearchSrc.ToolSchemas()
		}
		registrySnap := orchestration.RegistrySnapshot{McpTools: mcpTools}

		settingsSM := orchestration.NewSettingsStateMachine(h.settings, orchestration.CapabilityFilter{}, registrySnap, h.modelSize)
		turnConfig := settingsSM.ComputeForTurn(orchestration.ChatTurnContext{
			UserMessage:     userMsg,
			RagRelevancy:    ragRelevancy,
			SchemaRelevancy: schemaRelevancy,
		})

		var agenticSM *orchestration.AgenticStateMachine
		switch turnConfig.Mode {
		case orchestration.ModeCodeMode, orchestration.ModeToolMode:
			agenticSM = orchestration.NewAgenticStateMachineFromMode(turnConfig.Mode, turnConfig)
		default:
			agenticSM = orchestration.NewAgenticStateMachine(h.settings.Relevancy, ragRelevancy, schemaRelevancy)
		}

		state.TurnConfig = turnConfig
		state.AgenticSM = agenticSM
		state.MidTurnSM = orchestration.NewMidTurnStateMachine()

		// Auto tool_search (§4.3): when the capability is live and at least
		// one MCP tool is still deferred, run discovery once against the raw
		// user message before the model ever sees a prompt.
		if turnConfig.HasCapability(orchestration.CapToolSearch) && h.toolSearchSrc != nil {
			anyDeferred := false
			for _, t := range mcpTools {
				if t.DeferLoading {
					anyDeferred = true
					break
				}
			}
			if anyDeferred {
				materialized := builtin.Discover(h.toolSearchSrc, userMsg)
				if len(materialized) > 0 {
					agenticSM.Transition(orchestration.StateEvent{
						Kind:              orchestration.EventToolSearchComplete,
						MaterializedTools: materialized,
						AvailableForCall:  materialized,
					})
				}
			}
		}
	}

	// CostGuard: inject if configured
	if h.maxAgentTokens > 0 || h.maxAgentDuration > 0 {
		state.CostGuard = agent.NewCostGuard(h.maxAgentTokens, h.maxAgentDuration)
	}

	// ContextGuard: inject OnContextOverflow callback for auto-compact
	if sessionID != "" && h.sessionStore != nil && h.llmProvider != nil {
		sessID := sessionID // capture for closure
		state.OnContextOverflow = func(ctx context.Context) error {
			turns, existing := h.sessionStore.GetSessionContext(sessID)
			if len(turns) <= defaultCompactKeepN {
				return nil
			}
			summary, err := buildCompactSummary(ctx, h.llmProvider, turns, existing, defaultCompactKeepN)
			if err != nil {
				return err
			}
			h.sessionStore.Compact(sessID, summary, defaultCompactKeepN)
			log.Printf("[ContextGuard] Auto-compact done for session=%s", sessID)
			return nil
		}
	}

	// Run the agent flow with timeout context. §4.5: LLM inference holds the
	// GPU guard for the full streaming duration, which for the agent loop
	// spans every decide/tool/think step of this turn, not just one call.
	if h.gpuGuard != nil {
		if err := h.gpuGuard.Acquire(ctx, gpuguard.OpLLMInference, func(ctx context.Context) error {
			h.agentFlow.Run(ctx, state)
			return nil
		}); err != nil {
			log.Printf("[Agent] GPU guard acquire cancelled: %v", err)
			sse.Send(EventChatError, sseWarningEvent{Message: "request cancelled while waiting for GPU"})
			return
		}
	} else {
		h.agentFlow.Run(ctx, state)
	}

	// AnswerNode already synthesizes a polished answer with LLM.
	// Skip formatSolution here to avoid a redundant LLM round-trip
	// that adds 3-5s of latency with no visible benefit.
	solution := strings.TrimSpace(state.Solution)
	if solution == "" {
		solution = "抱歉，未能生成回答。请重试。"
	}

	// Build execution stats for done event
	stats := &agentStats{
		Steps:     len(state.StepHistory),
		ToolCalls: countToolSteps(state.StepHistory),
		ElapsedMs: time.Since(startTime).Milliseconds(),
	}
	if state.CostGuard != nil {
		stats.TokensUsed = state.CostGuard.UsedTokens()
	}

	sse.Send(EventChatFinished, sseDoneEvent{Solution: solution, Stats: stats})
	log.Printf("[Agent] Done: %d steps, solution %d chars", len(state.StepHistory), len(solution))

	// Write execution log summary
	if h.execLogger != nil {
		h.execLogger.EndSession(state)
	}

	// Persist this turn to session history
	if sessionID != "" && h.sessionStore != nil {
		h.sessionStore.AppendTurn(sessionID, session.Turn{
			UserMsg:   userMsg,
			Assistant: solution,
			IsAgent:   true,
		})
	}
}

// countToolSteps counts the number of tool execution steps in the history.
func countToolSteps(steps []agent.StepRecord) int {
	n := 0
	for _, s := range steps {
		if s.Type == "tool" {
			n++
		}
	}
	return n
}
