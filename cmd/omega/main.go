package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pocketomega/pocket-omega/internal/agent"
	"github.com/pocketomega/pocket-omega/internal/codeexec"
	"github.com/pocketomega/pocket-omega/internal/config"
	"github.com/pocketomega/pocket-omega/internal/gpuguard"
	"github.com/pocketomega/pocket-omega/internal/llm/openai"
	"github.com/pocketomega/pocket-omega/internal/mcp"
	"github.com/pocketomega/pocket-omega/internal/modelstate"
	"github.com/pocketomega/pocket-omega/internal/orchestration"
	"github.com/pocketomega/pocket-omega/internal/plan"
	"github.com/pocketomega/pocket-omega/internal/prompt"
	"github.com/pocketomega/pocket-omega/internal/retrieval"
	"github.com/pocketomega/pocket-omega/internal/session"
	"github.com/pocketomega/pocket-omega/internal/skill"
	"github.com/pocketomega/pocket-omega/internal/tool"
	"github.com/pocketomega/pocket-omega/internal/tool/builtin"
	"github.com/pocketomega/pocket-omega/internal/walkthrough"
	"github.com/pocketomega/pocket-omega/internal/web"
)

func main() {
	// Load .env file
	config.LoadEnv()

	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║       Pocket-Omega v0.2              ║")
	fmt.Println("║   CoT + Tools · Go + HTMX            ║")
	fmt.Println("╚══════════════════════════════════════╝")

	// Initialize LLM client
	llmClient, err := openai.NewClientFromEnv()
	if err != nil {
		log.Fatalf("❌ Failed to initialize LLM client: %v", err)
	}

	model := os.Getenv("LLM_MODEL")
	baseURL := os.Getenv("LLM_BASE_URL")
	fmt.Printf("🤖 LLM: %s @ %s\n", model, baseURL)

	// Initialize tool registry with built-in tools
	registry := tool.NewRegistry()
	workspaceDir := os.Getenv("WORKSPACE_DIR")
	if workspaceDir == "" {
		workspaceDir, _ = os.Getwd()
	}
	// Validate workspace directory exists
	if info, err := os.Stat(workspaceDir); err != nil || !info.IsDir() {
		log.Fatalf("❌ WORKSPACE_DIR %q does not exist or is not a directory", workspaceDir)
	}
	fmt.Printf("📂 Workspace: %s\n", workspaceDir)

	shellEnabled := os.Getenv("TOOL_SHELL_ENABLED") != "false"
	registry.Register(builtin.NewShellTool(workspaceDir, shellEnabled))
	registry.Register(builtin.NewFileReadTool(workspaceDir))
	registry.Register(builtin.NewFileWriteTool(workspaceDir))
	registry.Register(builtin.NewFileListTool(workspaceDir))
	registry.Register(builtin.NewFileFindTool(workspaceDir))
	registry.Register(builtin.NewTimeTool())
	registry.Register(builtin.NewWebReaderTool())

	// P1 — core file operations (unconditional)
	registry.Register(builtin.NewFileGrepTool(workspaceDir))
	registry.Register(builtin.NewFileMoveTool(workspaceDir))
	registry.Register(builtin.NewFileOpenTool(workspaceDir))

	// P2 — extended file operations (unconditional)
	registry.Register(builtin.NewFileDeleteTool(workspaceDir))
	registry.Register(builtin.NewFilePatchTool(workspaceDir))

	// P2 — HTTP request tool (enabled by default, disable via TOOL_HTTP_ENABLED=false)
	if os.Getenv("TOOL_HTTP_ENABLED") != "false" {
		allowInternal := os.Getenv("TOOL_HTTP_ALLOW_INTERNAL") == "true"
		registry.Register(builtin.NewHTTPRequestTool(allowInternal))
		if allowInternal {
			fmt.Println("🌐 HTTP request tool enabled (internal addresses allowed)")
		} else {
			fmt.Println("🌐 HTTP request tool enabled")
		}
	}

	// Conditional search tools — auto-enable when API key is configured
	if key := os.Getenv("TAVILY_API_KEY"); key != "" {
		registry.Register(builtin.NewTavilySearchTool(key))
		fmt.Println("🔍 Tavily web search enabled")
	}
	if key := os.Getenv("BRAVE_API_KEY"); key != "" {
		registry.Register(builtin.NewBraveSearchTool(key))
		fmt.Println("🔍 Brave search enabled")
	}

	// code_mode's wire format carries every tool call as a sandboxed script
	// invoking "python_execution" rather than a native/YAML tool call — the
	// built-in only makes sense to register when that format is active.
	if llmClient.GetConfig().ToolCallMode == "code_mode" {
		registry.Register(builtin.NewCodeExecutionTool(codeexec.New(), registry.List))
		fmt.Println("🐍 Code-mode sandbox enabled (python_execution)")
	}

	// In-memory retrieval corpus backing schema_search/sql_select/rag_search
	// (§4.1): real per-file chunking and database connectors are external
	// collaborators, so this only holds demo data the three built-ins rank
	// and filter in process.
	seedDocs, seedTbls := seedDocuments(), seedTables()
	corpus := retrieval.NewCorpus(seedDocs, seedTbls)
	relevancyScorer, err := orchestration.NewRelevancyScorer(orchestration.DefaultSchemaRelevancyExpression)
	if err != nil {
		log.Fatalf("❌ Failed to build relevancy scorer: %v", err)
	}
	registry.Register(builtin.NewSchemaSearchTool(corpus, relevancyScorer, orchestration.DefaultRelevancyThresholds().SqlEnableMin))
	registry.Register(builtin.NewSqlSelectTool(corpus))
	registry.Register(builtin.NewRagSearchTool(corpus))
	fmt.Printf("📚 Retrieval corpus: %d doc(s), %d table(s)\n", len(seedDocs), len(seedTbls))

	if err := registry.InitAll(context.Background()); err != nil {
		log.Fatalf("❌ Failed to initialize tools: %v", err)
	}
	defer registry.CloseAll()

	// Load workspace skills from <workspaceDir>/skills/
	skillMgr := skill.NewManager(workspaceDir)
	if n, skillErrs := skillMgr.LoadAll(context.Background(), registry); n > 0 || len(skillErrs) > 0 {
		fmt.Printf("🧩 Workspace skills: %d loaded\n", n)
		for _, e := range skillErrs {
			log.Printf("⚠️  Skill load: %v", e)
		}
	}
	// skill_reload is always available so the agent can hot-reload skills
	// even when mcp.json is absent.
	registry.Register(skill.NewReloadTool(skillMgr, registry))

	fmt.Printf("🛠️  Tools: %d registered\n", len(registry.List()))

	// Initialize the three-layer prompt loader (L2 embed defaults + L3 user rules).
	// Created before MCP so that mcpMgr.SetPromptLoader can wire Reload integration.
	promptsDir := os.Getenv("PROMPTS_DIR")
	if promptsDir == "" {
		promptsDir = filepath.Join(workspaceDir, "prompts")
	}
	rulesPath := os.Getenv("USER_RULES_PATH")
	if rulesPath == "" {
		rulesPath = filepath.Join(workspaceDir, "rules.md")
	}
	soulPath := os.Getenv("SOUL_PATH")
	if soulPath == "" {
		soulPath = filepath.Join(workspaceDir, "soul.md")
	}
	promptLoader := prompt.NewPromptLoader(promptsDir, rulesPath, soulPath)
	fmt.Printf("📋 Prompt loader: L2=%s L3=%s Soul=%s\n", promptsDir, rulesPath, soulPath)

	// Initialize MCP client manager (optional — only when mcp.json exists)
	mcpConfigPath := os.Getenv("MCP_CONFIG")
	if mcpConfigPath == "" {
		mcpConfigPath = "mcp.json"
	}
	var mcpMgr *mcp.Manager
	mcpServerCount := 0
	if _, statErr := os.Stat(mcpConfigPath); statErr == nil {
		mcpMgr = mcp.NewManager(mcpConfigPath)
		// Wire prompt cache invalidation into mcp_reload so hot-reloading
		// prompts and MCP config both happen with a single tool call.
		mcpMgr.SetPromptLoader(promptLoader)
		// Wire skill reload into mcp_reload so that calling mcp_reload also
		// reloads workspace skills — one command covers everything.
		mcpMgr.AddReloadHook(skillMgr.Reload)
		// Always register the reload tool so the agent can fix connection issues
		// even if the initial ConnectAll fails partially or completely.
		registry.Register(mcp.NewReloadTool(mcpMgr, registry))

		n, mcpErrs := mcpMgr.ConnectAll(context.Background())
		for _, e := range mcpErrs {
			log.Printf("⚠️  MCP connect: %v", e)
		}
		mcpServerCount = n
		if n > 0 {
			if err := mcpMgr.RegisterTools(context.Background(), registry); err != nil {
				log.Printf("⚠️  MCP register tools: %v", err)
			}
			registry.Register(builtin.NewToolSearchTool(mcpMgr))
			fmt.Printf("🔌 MCP: %d server(s) connected\n", n)
		}
		defer mcpMgr.CloseAll()
	}

	// Create execution logger for development debugging
	logDir := filepath.Join(workspaceDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Printf("⚠️ Failed to create log directory %q: %v", logDir, err)
	}
	execLogger, err := agent.NewExecLogger(filepath.Join(logDir, "agent_exec.md"))
	if err != nil {
		log.Printf("⚠️ Exec logger disabled: %v", err)
	} else {
		defer execLogger.Close()
		fmt.Printf("📝 Exec log: logs/agent_exec.md\n")
	}

	// Initialize session store for multi-turn conversation
	sessionTTL := 30 * time.Minute
	sessionMaxTurns := 10
	if v := os.Getenv("SESSION_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sessionTTL = time.Duration(n) * time.Minute
		} else {
			log.Printf("⚠️ Invalid SESSION_TTL_MINUTES=%q, using default 30m", v)
		}
	}
	if v := os.Getenv("SESSION_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sessionMaxTurns = n
		} else {
			log.Printf("⚠️ Invalid SESSION_MAX_TURNS=%q, using default 10", v)
		}
	}
	sessionStore := session.NewStore(sessionTTL, sessionMaxTurns)
	defer sessionStore.Close()
	fmt.Printf("💬 Session: TTL=%v MaxTurns=%d\n", sessionTTL, sessionMaxTurns)

	// GPU guard: one logical lock for the process lifetime (§4.5), serializing
	// this deployment's LLM inference calls against each other. Model state
	// machine: out-of-band control plane (§4.6) — this deployment has no
	// separate load step, so it moves straight to Ready once the model name
	// is known.
	gpuGuard := gpuguard.New(func(ev gpuguard.StatusEvent) {
		log.Printf("[GPUGuard] %s: %s", ev.Operation, ev.Phase)
	})
	modelMachine := modelstate.New(func(old, new modelstate.State) {
		log.Printf("[ModelState] %s -> %s", old, new)
	})
	modelMachine.OnServiceReady(model)

	// Create handlers
	thinkingMode := llmClient.GetConfig().ResolveThinkingMode()
	toolCallMode := llmClient.GetConfig().ToolCallMode // raw value: see validToolCallModes
	contextWindow := llmClient.GetConfig().ResolveContextWindow()
	chatHandler := web.NewChatHandler(web.ChatHandlerOptions{
		Provider:            llmClient,
		MaxRetries:          3,
		ContextWindowTokens: contextWindow,
		Store:               sessionStore,
		Loader:              promptLoader,
		GPUGuard:            gpuGuard,
		ModelState:          modelMachine,
	})

	planStore := plan.NewPlanStore()
	walkthroughStore := walkthrough.NewStore()

	maxAgentTokens := int64(getEnvIntOrDefault("AGENT_MAX_TOKENS", 0))
	maxAgentDuration := time.Duration(getEnvIntOrDefault("AGENT_MAX_DURATION_MINUTES", 0)) * time.Minute

	// Tier-1 process-wide settings (§4.1/§4.2): the four retrieval/discovery
	// built-ins are always-on whenever their capability gating admits them;
	// DatabaseSourceCount makes schema_search/sql_select reachable even with
	// no tables attached to a specific turn.
	appSettings := orchestration.AppSettings{
		AlwaysOnBuiltins: map[string]bool{
			orchestration.BuiltinPythonExecution: true,
			orchestration.BuiltinToolSearch:      true,
			orchestration.BuiltinSchemaSearch:    true,
			orchestration.BuiltinSqlSelect:       true,
		},
		McpServers:          mcpServerConfigs(mcpMgr),
		PrimaryToolFormat:   primaryToolFormat(toolCallMode),
		EnabledToolFormats:  map[orchestration.ToolCallFormat]bool{primaryToolFormat(toolCallMode): true},
		Relevancy:           orchestration.DefaultRelevancyThresholds(),
		BaseSystemPrompt:    "",
		Repetition:          orchestration.DefaultRepetitionConfig(),
		DatabaseSourceCount: len(seedTbls),
	}
	modelSize := modelSizeForContextWindow(contextWindow)
	fmt.Printf("🎛️  Orchestration: format=%s modelSize=%s dbSources=%d\n", appSettings.PrimaryToolFormat, modelSize, appSettings.DatabaseSourceCount)

	var toolSearchSrc builtin.ToolSearchSource
	if mcpMgr != nil {
		toolSearchSrc = mcpMgr
	}

	agentHandler := web.NewAgentHandler(web.AgentHandlerOptions{
		Provider:            llmClient,
		Registry:            registry,
		WorkspaceDir:        workspaceDir,
		ExecLogger:          execLogger,
		ThinkingMode:        thinkingMode,
		ToolCallMode:        toolCallMode,
		ContextWindowTokens: contextWindow,
		Store:               sessionStore,
		Loader:              promptLoader,
		OSName:              osDisplayName(),
		ShellCmd:            shellCmdName(),
		ModelName:           model,
		PlanStore:           planStore,
		MaxAgentTokens:      maxAgentTokens,
		MaxAgentDuration:    maxAgentDuration,
		WalkthroughStore:    walkthroughStore,
		GPUGuard:            gpuGuard,
		ModelState:          modelMachine,
		Settings:            appSettings,
		Corpus:              corpus,
		ToolSearchSrc:       toolSearchSrc,
		ModelSize:           modelSize,
	})
	fmt.Printf("🧠 Thinking: %s\n", thinkingMode)
	fmt.Printf("🔧 ToolCall: %s (resolved: %s)\n", toolCallMode, llmClient.GetConfig().ResolveToolCallMode())
	fmt.Printf("📐 ContextWindow: %d tokens\n", contextWindow)
	fmt.Printf("🖥️  Model state: %s\n", modelMachine.State())

	var mcpReload func()
	if mcpMgr != nil {
		mcpReload = func() {
			if _, err := mcpMgr.Reload(context.Background(), registry); err != nil {
				log.Printf("⚠️  MCP reload: %v", err)
			}
		}
	}
	commandHandler := web.NewCommandHandler(web.CommandHandlerOptions{
		Loader:       promptLoader,
		MCPReload:    mcpReload,
		Store:        sessionStore,
		LLMProvider:  llmClient,
		ToolRegistry: registry,
		ModelName:    model,
		ThinkingMode: thinkingMode,
		ToolCallMode: toolCallMode,
		ModelState:   modelMachine,
	})

	healthInfo := web.HealthInfo{
		LLMModel:       model,
		ToolCount:      len(registry.List()),
		MCPServerCount: mcpServerCount,
		SessionCount:   sessionStore.Count,
		ModelState:     modelMachine,
	}

	// Create and start web server
	server, err := web.NewServer(chatHandler, agentHandler, commandHandler, healthInfo)
	if err != nil {
		log.Fatalf("❌ Failed to create web server: %v", err)
	}

	if err := server.Start(); err != nil {
		log.Fatalf("❌ Server error: %v", err)
	}
}

// getEnvIntOrDefault reads an int env var, falling back to def on absence
// or a malformed value.
func getEnvIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("⚠️ Invalid %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

// osDisplayName maps GOOS to the display name DecideNode's runtime line
// expects (the "Runtime: os=... | shell=..." line built by buildRuntimeLine).
func osDisplayName() string {
	switch goruntime.GOOS {
	case "windows":
		return "Windows"
	case "darwin":
		return "macOS"
	default:
		return "Linux"
	}
}

// shellCmdName mirrors the shell invocation builtin/shell.go actually uses
// per platform (shell_windows.go vs shell_other.go), so the runtime line the
// model sees matches the shell tool's real behavior.
func shellCmdName() string {
	if goruntime.GOOS == "windows" {
		return "cmd.exe /c"
	}
	return "sh -c"
}

// seedDocuments returns the process's demo RAG corpus. A real deployment
// populates this from a file-chunking collaborator; this only proves out
// rag_search's ranking path.
func seedDocuments() []retrieval.Document {
	docs := []retrieval.Document{
		{ID: "doc-1", Source: "onboarding.md", Text: "新用户注册后默认进入 7 天试用期，试用期内所有工具不受配额限制。"},
		{ID: "doc-2", Source: "billing.md", Text: "账单按月结算，超出试用期后每次工具调用计入用量，月末统一出账。"},
		{ID: "doc-3", Source: "incident-2025-11.md", Text: "2025 年 11 月的一次事故源于数据库连接池耗尽，根因是慢查询未加索引。"},
		{ID: "doc-4", Source: "security.md", Text: "所有外部 HTTP 请求默认禁止访问内网地址，需要显式开启才能例外。"},
	}
	for i := range docs {
		docs[i].Embedding = retrieval.HashEmbed(docs[i].Source + " " + docs[i].Text)
	}
	return docs
}

// seedTables returns the process's demo tabular sources for
// schema_search/sql_select. Real deployments back this with an attached
// database's actual schema; this only proves out the ranking/filtering path.
func seedTables() []retrieval.Table {
	tables := []retrieval.Table{
		{
			Name:    "orders",
			Columns: []string{"id", "customer", "amount", "status"},
			Rows: []map[string]any{
				{"id": 1, "customer": "acme", "amount": 120.5, "status": "paid"},
				{"id": 2, "customer": "globex", "amount": 75.0, "status": "pending"},
				{"id": 3, "customer": "acme", "amount": 40.0, "status": "refunded"},
			},
		},
		{
			Name:    "customers",
			Columns: []string{"id", "name", "tier"},
			Rows: []map[string]any{
				{"id": 1, "name": "acme", "tier": "gold"},
				{"id": 2, "name": "globex", "tier": "silver"},
			},
		},
	}
	for i := range tables {
		tables[i].Embedding = retrieval.HashEmbed(tables[i].Name + " " + strings.Join(tables[i].Columns, " "))
	}
	return tables
}

// primaryToolFormat maps the configured ToolCallMode string onto the Tier-1
// format it corresponds to, for AppSettings.PrimaryToolFormat — mirrors
// internal/agent.formatToolCallModes without exporting that table.
func primaryToolFormat(toolCallMode string) orchestration.ToolCallFormat {
	switch toolCallMode {
	case "hermes":
		return orchestration.FormatHermes
	case "mistral":
		return orchestration.FormatMistral
	case "pythonic":
		return orchestration.FormatPythonic
	case "pure_json":
		return orchestration.FormatPureJson
	case "harmony":
		return orchestration.FormatHarmony
	case "code_mode":
		return orchestration.FormatCodeMode
	default:
		return orchestration.FormatNative
	}
}

// modelSizeForContextWindow buckets the configured context window into a
// orchestration.ModelSize for DefaultMcpToolCap — small-context models get a
// tighter auto-materialized MCP tool cap.
func modelSizeForContextWindow(contextWindow int) orchestration.ModelSize {
	switch {
	case contextWindow < 16000:
		return orchestration.ModelSmall
	case contextWindow < 64000:
		return orchestration.ModelMedium
	default:
		return orchestration.ModelLarge
	}
}

// mcpServerConfigs synthesizes one McpServerConfig per distinct server name
// seen in the manager's tool schemas — enough for computeEnabledCapabilities
// / deriveMode's admission checks, which only consult ID/Enabled.
func mcpServerConfigs(mgr *mcp.Manager) []orchestration.McpServerConfig {
	if mgr == nil {
		return nil
	}
	seen := map[string]bool{}
	var servers []orchestration.McpServerConfig
	for _, schema := range mgr.ToolSchemas() {
		if schema.Server == "" || seen[schema.Server] {
			continue
		}
		seen[schema.Server] = true
		servers = append(servers, orchestration.McpServerConfig{
			ID:          schema.Server,
			DisplayName: schema.Server,
			Enabled:     true,
		})
	}
	return servers
}
