package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// openAICompatRequest is a custom request struct so Stream is always
// serialized — openai.ChatCompletionRequest has omitempty on Stream, which
// drops explicit false values some gateways require to see.
type openAICompatRequest struct {
	Model             string                         `json:"model"`
	Messages          []openai.ChatCompletionMessage `json:"messages"`
	Tools             []openai.Tool                  `json:"tools,omitempty"`
	Temperature       float32                        `json:"temperature,omitempty"`
	TopP              float32                        `json:"top_p,omitempty"`
	RepetitionPenalty float32                         `json:"repetition_penalty,omitempty"`
	MaxTokens         int                             `json:"max_tokens,omitempty"`
	Stream            bool                            `json:"stream"`
	StreamOptions     *chatStreamOptions              `json:"stream_options,omitempty"`
}

// OpenAICompatProvider implements Provider against any OpenAI Chat
// Completions-shaped gateway: openai, openrouter, deepinfra, zai, moonshot,
// and github-copilot (OAuth-fronted) all share this adapter, parameterized
// by base URL and an auth-header strategy.
type OpenAICompatProvider struct {
	name          string
	baseURL       string
	httpClient    *http.Client
	model         string
	temperature   float64
	topP          float64
	repeatPenalty float64
	maxTokens     int

	apiKey    string
	oauth     *oauthRefresher
	extraHdrs map[string]string
}

// NewOpenAICompat creates a generic OpenAI-compatible provider.
func NewOpenAICompat(name, endpoint, model string, opts Options, extraHdrs map[string]string) *OpenAICompatProvider {
	p := &OpenAICompatProvider{
		name:          name,
		baseURL:       strings.TrimRight(endpoint, "/"),
		httpClient:    &http.Client{},
		model:         model,
		temperature:   opts.Temperature,
		topP:          opts.TopP,
		repeatPenalty: opts.RepeatPenalty,
		maxTokens:     opts.MaxTokens,
		apiKey:        opts.APIKey,
		extraHdrs:     extraHdrs,
	}
	if opts.OAuth != nil {
		p.oauth = newOAuthRefresher(*opts.OAuth, opts.OnTokenUpdate)
	}
	return p
}

func (p *OpenAICompatProvider) Name() string { return p.name }

func (p *OpenAICompatProvider) authHeaders(ctx context.Context) (map[string]string, error) {
	headers := make(map[string]string, len(p.extraHdrs)+1)
	for k, v := range p.extraHdrs {
		headers[k] = v
	}
	switch {
	case p.oauth != nil:
		tok, err := p.oauth.Token(ctx)
		if err != nil {
			return nil, err
		}
		headers["Authorization"] = "Bearer " + tok
	case p.apiKey != "":
		headers["Authorization"] = "Bearer " + p.apiKey
	}
	return headers, nil
}

// StreamCompletion sends params to the chat completions endpoint and streams
// the SSE reply. A non-2xx response comes back as a *errkind.Error classified
// by status code (see classifyStatus); retrying rate-limited and
// transient-upstream failures is the orchestrator's decision, not this
// adapter's.
func (p *OpenAICompatProvider) StreamCompletion(ctx context.Context, params CompletionParams) (<-chan StreamEvent, error) {
	req := openAICompatRequest{
		Model:             p.model,
		Messages:          mergeSystemMessagesOpenAI(toOpenAIMessages(params.Messages)),
		Tools:             toOpenAITools(params.Tools),
		Temperature:       float32(firstNonZero(params.Temperature, p.temperature)),
		TopP:              float32(firstNonZero(params.TopP, p.topP)),
		RepetitionPenalty: float32(p.repeatPenalty),
		MaxTokens:         firstNonZeroInt(params.MaxTokens, p.maxTokens),
		Stream:            true,
		StreamOptions:     &chatStreamOptions{IncludeUsage: true},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	headers, err := p.authHeaders(ctx)
	if err != nil {
		return nil, err
	}

	reader, err := httpDoSSE(ctx, httpRequestConfig{
		client:   p.httpClient,
		url:      p.baseURL + "/chat/completions",
		body:     body,
		headers:  headers,
		provider: p.name,
		model:    p.model,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer reader.Close()
		parseSSEStream(ctx, reader, ch)
	}()
	return ch, nil
}

// GenerateCompletion drains StreamCompletion into a single result.
func (p *OpenAICompatProvider) GenerateCompletion(ctx context.Context, params CompletionParams) (*CompletionResult, error) {
	ch, err := p.StreamCompletion(ctx, params)
	if err != nil {
		return nil, err
	}
	return drainToResult(ch, p.model)
}

// ListModels queries the /models endpoint shared by OpenAI-compatible APIs.
func (p *OpenAICompatProvider) ListModels(ctx context.Context) ([]Model, error) {
	headers, err := p.authHeaders(ctx)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list models status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var listResp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, err
	}
	models := make([]Model, len(listResp.Data))
	for i, m := range listResp.Data {
		models[i] = Model{Name: m.ID}
	}
	return models, nil
}

// Refresh forces a credential refresh outside the normal proactive-expiry
// check. The orchestrator calls this exactly once after a reactive 401
// before retrying the same request (spec's OAuth refresh integration).
func (p *OpenAICompatProvider) Refresh(ctx context.Context) error {
	if p.oauth == nil {
		return fmt.Errorf("%s: no refreshable OAuth credentials configured", p.name)
	}
	_, err := p.oauth.ForceRefresh(ctx)
	return err
}

func (p *OpenAICompatProvider) Close() error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

func firstNonZero(vals ...float64) float64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonZeroInt(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
