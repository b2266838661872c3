package provider

// OpenAICompatFactory creates OpenAICompatProvider instances for one
// OpenAI-compatible gateway (openai, openrouter, deepinfra, zai, moonshot,
// github-copilot), parameterized by base URL and static extra headers.
type OpenAICompatFactory struct {
	name      string
	endpoint  string
	apiKey    string
	extraHdrs map[string]string
}

// NewOpenAICompatFactory creates a factory for one OpenAI-compatible gateway.
func NewOpenAICompatFactory(name, endpoint, apiKey string, extraHdrs map[string]string) *OpenAICompatFactory {
	return &OpenAICompatFactory{name: name, endpoint: endpoint, apiKey: apiKey, extraHdrs: extraHdrs}
}

func (f *OpenAICompatFactory) Name() string { return f.name }

func (f *OpenAICompatFactory) Create(model string, opts Options) Provider {
	if opts.APIKey == "" {
		opts.APIKey = f.apiKey
	}
	return NewOpenAICompat(f.name, f.endpoint, model, opts, f.extraHdrs)
}

// knownEndpoints holds the default base URL for each built-in
// OpenAI-compatible gateway kind, used when a provider config omits one.
var knownEndpoints = map[string]string{
	"openai":         "https://api.openai.com/v1",
	"openrouter":     "https://openrouter.ai/api/v1",
	"deepinfra":      "https://api.deepinfra.com/v1/openai",
	"zai":            "https://api.z.ai/api/paas/v4",
	"moonshot":       "https://api.moonshot.ai/v1",
	"github-copilot": "https://api.githubcopilot.com",
}

// DefaultEndpoint returns the built-in base URL for a provider kind, or ""
// if the kind has no known default (anthropic and echo are handled by their
// own factories; callers must supply an endpoint for anything else).
func DefaultEndpoint(kind string) string {
	return knownEndpoints[kind]
}

// githubCopilotHeaders are the fixed headers GitHub's Copilot chat
// completions endpoint requires beyond the bearer token.
func githubCopilotHeaders() map[string]string {
	return map[string]string{
		"Editor-Version":        "relay/0.1.0",
		"Copilot-Integration-Id": "vscode-chat",
	}
}

// NewGithubCopilotFactory builds the OAuth-fronted github-copilot factory.
func NewGithubCopilotFactory() *OpenAICompatFactory {
	return NewOpenAICompatFactory("github-copilot", knownEndpoints["github-copilot"], "", githubCopilotHeaders())
}
