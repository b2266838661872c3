// Command relay is the composition root for the agent orchestrator: it
// loads configuration and credentials, wires providers, built-in tools, and
// configured MCP servers into a registry, then drives one orchestrator turn
// per invocation — reading the prompt from flags or stdin and printing the
// event stream to stdout. It is deliberately thin: no chat UI, just enough
// wiring to exercise the whole core end to end.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relayhq/relay/internal/agent"
	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/internal/events"
	"github.com/relayhq/relay/internal/history"
	"github.com/relayhq/relay/internal/mcp"
	"github.com/relayhq/relay/internal/provider"
	"github.com/relayhq/relay/internal/shell"
	"github.com/relayhq/relay/internal/subagent"
	"github.com/relayhq/relay/internal/tools"
	"github.com/relayhq/relay/internal/webcache"
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	flagAgent := flag.String("agent", "", "agent profile to use (default: config's default_agent)")
	flagConversation := flag.String("c", "", "resume a conversation by ID")
	flagContinue := flag.Bool("continue", false, "continue the most recent conversation")
	flagList := flag.Bool("list", false, "list conversations and exit")
	flagPrompt := flag.String("m", "", "prompt text (default: read from stdin)")
	flag.Parse()

	configPath := defaultConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading credentials: %v\n", err)
		os.Exit(1)
	}

	store, err := openHistoryStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening history store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *flagList {
		listConversations(store)
		return
	}

	agentCfg, err := resolveAgent(cfg, *flagAgent)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	providerCfg, ok := cfg.Providers[agentCfg.Provider]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: provider %q not found for agent %q\n", agentCfg.Provider, agentCfg.Name)
		os.Exit(1)
	}

	registry := buildProviderRegistry(cfg, creds)
	prov, err := createProvider(registry, agentCfg, providerCfg, creds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating provider: %v\n", err)
		os.Exit(1)
	}
	defer prov.Close()

	pad := &tools.Scratchpad{}
	toolRegistry, cache, err := buildToolRegistry(cfg, creds, pad)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building tool registry: %v\n", err)
		os.Exit(1)
	}
	defer toolRegistry.Close()
	if cache != nil {
		defer cache.Close()
	}

	registerSubAgentTool(toolRegistry, prov, agentCfg)

	conversationID, err := resolveConversation(context.Background(), store, *flagConversation, *flagContinue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	prompt := *flagPrompt
	if prompt == "" {
		prompt, err = readStdinPrompt()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading prompt: %v\n", err)
			os.Exit(1)
		}
	}
	if strings.TrimSpace(prompt) == "" {
		fmt.Fprintln(os.Stderr, "Error: empty prompt (pass -m or pipe text on stdin)")
		os.Exit(1)
	}

	orch := &agent.Orchestrator{
		Provider:      prov,
		Tools:         toolRegistry,
		Store:         store,
		Scratchpad:    pad,
		MaxToolRounds: agentCfg.MaxToolRoundsOrDefault(),
	}

	sink := events.NewChannelSink(64)
	done := make(chan error, 1)
	go func() {
		done <- orch.SendTurn(context.Background(), conversationID, prompt, sink)
		sink.Close()
	}()

	for ev := range sink.Events() {
		printEvent(ev)
	}
	if err := <-done; err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n(conversation: %s)\n", conversationID)
}

func defaultConfigPath() string {
	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		dataDirPath := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(dataDirPath); err == nil {
			configPath = dataDirPath
		}
	}
	return configPath
}

func resolveAgent(cfg *config.Config, name string) (config.AgentSettings, error) {
	if name == "" {
		name = cfg.DefaultAgent
	}
	if name == "" && len(cfg.Agents) > 0 {
		return cfg.Agents[0], nil
	}
	for _, a := range cfg.Agents {
		if a.Name == name {
			return a, nil
		}
	}
	return config.AgentSettings{}, fmt.Errorf("no agent profile named %q configured", name)
}

// buildProviderRegistry registers one factory per configured provider kind,
// dispatching to the built-in OpenAI-compatible, Anthropic-native, or
// GitHub Copilot OAuth factory by kind name.
func buildProviderRegistry(cfg *config.Config, creds *config.Credentials) *provider.Registry {
	registry := provider.NewRegistry()
	for kind, pcfg := range cfg.Providers {
		apiKey := creds.GetAPIKey(kind)
		if apiKey == "" {
			apiKey = pcfg.APIKey
		}
		switch kind {
		case "anthropic":
			endpoint := pcfg.APIURL
			if endpoint == "" {
				endpoint = "https://api.anthropic.com/v1"
			}
			registry.RegisterFactory(kind, provider.NewAnthropicFactory(kind, endpoint, apiKey))
		case "github-copilot":
			registry.RegisterFactory(kind, provider.NewGithubCopilotFactory())
		case "echo":
			registry.RegisterFactory(kind, provider.NewEchoFactory(kind, pcfg.APIURL))
		default:
			endpoint := pcfg.APIURL
			if endpoint == "" {
				endpoint = provider.DefaultEndpoint(kind)
			}
			registry.RegisterFactory(kind, provider.NewOpenAICompatFactory(kind, endpoint, apiKey, nil))
		}
	}
	return registry
}

func createProvider(registry *provider.Registry, agentCfg config.AgentSettings, pcfg config.ProviderConfig, creds *config.Credentials) (provider.Provider, error) {
	opts := provider.Options{
		Temperature: agentCfg.Temperature,
	}
	if pcfg.OAuth != nil {
		oauthCreds := creds.GetOAuth(agentCfg.Provider)
		if oauthCreds == nil {
			c := pcfg.OAuth.Credentials()
			oauthCreds = &c
		}
		opts.OAuth = oauthCreds
		opts.OnTokenUpdate = config.NewSaveCredentialsFunc(agentCfg.Provider)
	}
	return registry.Create(agentCfg.Provider, agentCfg.Model, opts)
}

func openHistoryStore(cfg *config.Config) (history.Store, error) {
	dataDir, err := config.EnsureDataDir()
	if err != nil {
		log.Warn().Err(err).Msg("falling back to in-memory history store")
		return history.NewMemoryStore(), nil
	}
	return history.OpenSQLiteStore(filepath.Join(dataDir, "history.db"))
}

// buildToolRegistry registers the built-in tool set plus any configured MCP
// servers. The web cache is shared by the fetch/search tools; it is nil
// (and those tools degrade to uncached) if the data directory can't be
// created.
func buildToolRegistry(cfg *config.Config, creds *config.Credentials, pad *tools.Scratchpad) (*mcp.Registry, *webcache.Cache, error) {
	registry := mcp.NewRegistry("relay", "0.1.0")

	tracker := tools.NewFileReadTracker()
	sh := shell.New("", shell.DefaultBlockFuncs())
	cache := openWebCache(cfg)

	builtins := []struct {
		def     mcp.ToolDefinition
		handler mcp.ToolHandler
	}{
		{mcp.ToolDefinition{Tool: tools.NewBashTool()}, tools.NewBashHandler(sh).Handle},
		{mcp.ToolDefinition{Tool: tools.NewFileReadTool()}, tools.NewReadHandler(tracker).Handle},
		{mcp.ToolDefinition{Tool: tools.NewFileNewTool()}, tools.NewNewFileHandler(tracker).Handle},
		{mcp.ToolDefinition{Tool: tools.NewFileEditTool()}, tools.NewEditHandler(tracker).Handle},
		{mcp.ToolDefinition{Tool: tools.NewWebFetchTool()}, tools.MakeWebFetchHandler(cache)},
		{mcp.ToolDefinition{Tool: tools.NewWebSearchTool()}, tools.MakeWebSearchHandler(cache, creds.GetAPIKey("exa_ai"), "")},
		{mcp.ToolDefinition{Tool: tools.NewTodoReadTool()}, tools.MakeTodoReadHandler(pad)},
		{mcp.ToolDefinition{Tool: tools.NewTodoWriteTool()}, tools.MakeTodoWriteHandler(pad)},
		{mcp.ToolDefinition{Tool: tools.NewCalculatorTool()}, tools.MakeCalculatorHandler()},
		{mcp.ToolDefinition{Tool: tools.NewTimeTool()}, tools.MakeTimeHandler()},
		{mcp.ToolDefinition{Tool: tools.NewRandomTool()}, tools.MakeRandomHandler()},
	}
	for _, b := range builtins {
		if err := registry.Register(b.def, b.handler); err != nil {
			return nil, cache, fmt.Errorf("register tool %q: %w", b.def.Name, err)
		}
	}

	ctx := context.Background()
	for _, srv := range cfg.MCPServers {
		transport := mcp.TransportStdio
		if srv.Transport == "http" {
			transport = mcp.TransportHTTP
		}
		env := make([]string, 0, len(srv.Env))
		for k, v := range srv.Env {
			env = append(env, k+"="+v)
		}
		serverCfg := mcp.ServerConfig{
			ServerID:  srv.ID,
			Transport: transport,
			Command:   srv.Command,
			Args:      srv.Args,
			Env:       env,
			Endpoint:  srv.URL,
		}
		if err := registry.AddServer(ctx, serverCfg); err != nil {
			log.Warn().Err(err).Str("server", srv.ID).Msg("mcp server failed to start")
		}
	}

	return registry, cache, nil
}

func openWebCache(cfg *config.Config) *webcache.Cache {
	dataDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cache dir failed: %v\n", err)
		return nil
	}
	ttl := time.Duration(cfg.Cache.CacheTTLOrDefault()) * time.Hour
	cache, err := webcache.Open(filepath.Join(dataDir, "cache.db"), ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cache open failed: %v\n", err)
		return nil
	}
	return cache
}

// registerSubAgentTool wires the sub_agent built-in after the rest of the
// registry exists, since it needs a live provider and the registry's own
// tool list (minus itself) to spawn an isolated child orchestrator.
func registerSubAgentTool(registry *mcp.Registry, prov provider.Provider, agentCfg config.AgentSettings) {
	def := mcp.ToolDefinition{
		Tool: mcp.Tool{
			Name:        "sub_agent",
			Description: "Delegate a self-contained sub-task to an isolated sub-agent and receive only its final answer.",
			InputSchema: []byte(subAgentSchema),
		},
	}
	handler := func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args struct {
			Prompt        string `json:"prompt"`
			MaxIterations int    `json:"max_iterations"`
		}
		if err := json.Unmarshal(arguments, &args); err != nil {
			return &mcp.ToolResult{IsError: true, Content: []mcp.ContentBlock{{Type: "text", Text: "invalid arguments: " + err.Error()}}}, nil
		}
		res, err := subagent.Run(ctx, subagent.Options{
			Provider:      prov,
			Tools:         registry,
			Prompt:        args.Prompt,
			MaxIterations: args.MaxIterations,
		})
		if err != nil {
			return &mcp.ToolResult{IsError: true, Content: []mcp.ContentBlock{{Type: "text", Text: err.Error()}}}, nil
		}
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: res.Content}}}, nil
	}
	if err := registry.Register(def, handler); err != nil {
		log.Warn().Err(err).Msg("sub_agent tool registration failed")
	}
}

const subAgentSchema = `{"type":"object","properties":{"prompt":{"type":"string"},"max_iterations":{"type":"integer"}},"required":["prompt"]}`

func resolveConversation(ctx context.Context, store history.Store, flagConversation string, flagContinue bool) (string, error) {
	switch {
	case flagConversation != "":
		ok, err := store.ConversationExists(ctx, flagConversation)
		if err != nil {
			return "", fmt.Errorf("check conversation: %w", err)
		}
		if !ok {
			if err := store.CreateConversation(ctx, flagConversation); err != nil {
				return "", fmt.Errorf("create conversation: %w", err)
			}
		}
		return flagConversation, nil

	case flagContinue:
		id, err := store.LatestConversationID(ctx)
		if err != nil {
			return "", fmt.Errorf("no conversation to continue: %w", err)
		}
		return id, nil

	default:
		id := uuid.NewString()
		if err := store.CreateConversation(ctx, id); err != nil {
			return "", fmt.Errorf("create conversation: %w", err)
		}
		return id, nil
	}
}

func listConversations(store history.Store) {
	summaries, err := store.ListConversations(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing conversations: %v\n", err)
		return
	}
	if len(summaries) == 0 {
		fmt.Println("No conversations found")
		return
	}
	for _, s := range summaries {
		preview := strings.ReplaceAll(s.Preview, "\n", " ")
		if len(preview) > 60 {
			preview = preview[:60]
		}
		fmt.Printf("%s  %s  %s\n", s.ID, s.Timestamp.Format("2006-01-02 15:04"), preview)
	}
}

func readStdinPrompt() (string, error) {
	stat, err := os.Stdin.Stat()
	if err != nil || (stat.Mode()&os.ModeCharDevice) != 0 {
		return "", fmt.Errorf("no prompt given: pass -m or pipe text on stdin")
	}
	data, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// printEvent renders one orchestrator event as a single line of output.
// Chunk deltas print without a trailing newline so streamed text reads as
// one continuous line; turn.start and round.boundary print nothing, and
// every other event type gets its own line.
func printEvent(ev events.Event) {
	switch ev.Type {
	case events.TurnStart:
		// no output; the first chunk/tool.start carries visible content
	case events.Chunk:
		fmt.Print(ev.Text)
	case events.ToolStart:
		fmt.Printf("\n[tool %s %s]\n", ev.ToolName, ev.Args)
	case events.ToolEnd:
		status := "ok"
		if ev.IsError {
			status = "error"
		}
		fmt.Printf("[tool %s %s: %s]\n", ev.ToolName, status, truncateForDisplay(ev.Result, 200))
	case events.RoundBoundary:
		// internal bookkeeping only, not printed
	case events.TurnFinal:
		fmt.Println()
	case events.TurnError:
		fmt.Fprintf(os.Stderr, "\n[error: %s] %s\n", ev.ErrKind, ev.Detail)
	case events.TurnCancelled:
		fmt.Fprintln(os.Stderr, "\n[cancelled]")
	}
}

func truncateForDisplay(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "relay.log")
	//nolint:gosec // G302/G304: fixed path under the user's own config dir
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	return nil
}
