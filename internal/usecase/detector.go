package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/harmlens/backend/internal/domain"
	"github.com/harmlens/backend/internal/infrastructure/logging"
)

// Tool names offered to the detector
const (
	toolWebSearch = "web_search"
	toolFetchPage = "fetch_page"
)

// Per-run tool call limits
const (
	maxSearchCalls = 5
	maxFetchCalls  = 3

	maxToolResultRunes = 20000
)

// defaultAgentConfidence is used when the final answer omits its confidence
const defaultAgentConfidence = 0.5

// Budget exhaustion reasons
const (
	reasonIterationCap = "iteration_cap"
	reasonTokenBudget  = "token_budget"
	reasonCostBudget   = "cost_budget"
)

// AgentState is a state of the detector loop
type AgentState int

const (
	StateRequesting AgentState = iota
	StateAwaitingTool
	StateFinalizing
	StateDone
	StateFailed
)

func (s AgentState) String() string {
	switch s {
	case StateRequesting:
		return "requesting"
	case StateAwaitingTool:
		return "awaiting_tool"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	webSearchTool = domain.ToolDefinition{
		Name:        toolWebSearch,
		Description: "Search the web for safety data, ingredient lists, recalls or regulatory actions about a product or substance.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Free-text search query"},
			},
			"required": []string{"query"},
		},
	}

	fetchPageTool = domain.ToolDefinition{
		Name:        toolFetchPage,
		Description: "Fetch a web page and return its main text content.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "description": "Absolute URL to fetch"},
			},
			"required": []string{"url"},
		},
	}

	codeFenceRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

// AgentConfig bounds the detector loop
type AgentConfig struct {
	MaxIterations int
	TokenBudget   int     // input+output tokens across the run, 0 disables
	CostBudgetUSD float64 // 0 disables
	MaxTokens     int     // per call
	Logger        *zap.Logger
}

// DetectionOutcome is the detector's parsed final answer
type DetectionOutcome struct {
	Claims      []domain.RawClaim
	Confidence  float64
	ProductName string // reported on the fallback path
	Category    string // reported on the fallback path
	Iterations  int
}

// finalAnswer is the JSON object the model ends with
type finalAnswer struct {
	Claims      []domain.RawClaim `json:"claims"`
	Confidence  *float64          `json:"confidence"`
	ProductName string            `json:"product_name"`
	Category    string            `json:"category"`
}

// Detector runs the tool-calling loop that proposes raw substance claims
type Detector struct {
	model   domain.ModelClient
	search  domain.SearchTool
	fetcher domain.PageFetcher
	kb      domain.KnowledgeBase
	config  AgentConfig
	logger  *zap.Logger
}

// NewDetector creates a detector. search and fetcher may be nil, in which
// case the corresponding tool is not offered.
func NewDetector(
	model domain.ModelClient,
	search domain.SearchTool,
	fetcher domain.PageFetcher,
	kb domain.KnowledgeBase,
	config AgentConfig,
) *Detector {
	if config.MaxIterations <= 0 {
		config.MaxIterations = 5
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		model:   model,
		search:  search,
		fetcher: fetcher,
		kb:      kb,
		config:  config,
		logger:  logger.Named("detector"),
	}
}

// DetectFromProduct is the primary entry: the product is already extracted
func (d *Detector) DetectFromProduct(
	ctx context.Context,
	product *domain.ProductRecord,
	reviews string,
	usage *UsageTracker,
) (*DetectionOutcome, error) {
	if product == nil {
		return nil, domain.ErrInvalidRequest
	}
	return d.run(ctx, primaryDetectorInput(product, reviews), d.tools(false), usage)
}

// DetectFromURL is the fallback entry: the detector reads the page itself
func (d *Detector) DetectFromURL(ctx context.Context, url string, usage *UsageTracker) (*DetectionOutcome, error) {
	if url == "" {
		return nil, domain.ErrInvalidRequest
	}
	return d.run(ctx, fallbackDetectorInput(url), d.tools(true), usage)
}

func (d *Detector) tools(fallback bool) []domain.ToolDefinition {
	var tools []domain.ToolDefinition
	if d.search != nil {
		tools = append(tools, webSearchTool)
	}
	if fallback && d.fetcher != nil {
		tools = append(tools, fetchPageTool)
	}
	return tools
}

// agentRun is the mutable state of one loop execution
type agentRun struct {
	state       AgentState
	messages    []domain.ModelMessage
	pending     []domain.ContentBlock
	finalText   string
	iterations  int
	searchCalls int
	fetchCalls  int
	outcome     *DetectionOutcome
	err         error
	log         *zap.Logger
}

// run drives the state machine until Done or Failed. Cancellation is
// checked before every model call and every tool call.
func (d *Detector) run(
	ctx context.Context,
	input string,
	tools []domain.ToolDefinition,
	usage *UsageTracker,
) (*DetectionOutcome, error) {
	if usage == nil {
		usage = NewUsageTracker(d.model.Model())
	}

	r := &agentRun{
		state: StateRequesting,
		messages: []domain.ModelMessage{{
			Role:    "user",
			Content: []domain.ContentBlock{{Type: domain.BlockText, Text: input}},
		}},
		log: logging.FromContext(ctx, d.logger),
	}
	system := detectorSystemPrompt(d.kb.All())

	for r.state != StateDone && r.state != StateFailed {
		switch r.state {
		case StateRequesting:
			d.request(ctx, r, system, tools, usage)
		case StateAwaitingTool:
			d.executeTools(ctx, r)
		case StateFinalizing:
			d.finalize(r)
		}
	}

	if r.state == StateFailed {
		r.log.Warn("detector failed", zap.Int("iterations", r.iterations), zap.Error(r.err))
		return nil, r.err
	}

	r.outcome.Iterations = r.iterations
	r.log.Debug("detector finished",
		zap.Int("iterations", r.iterations),
		zap.Int("claims", len(r.outcome.Claims)),
		zap.Float64("confidence", r.outcome.Confidence))
	return r.outcome, nil
}

// request performs one model round-trip and routes on the response variant
func (d *Detector) request(
	ctx context.Context,
	r *agentRun,
	system string,
	tools []domain.ToolDefinition,
	usage *UsageTracker,
) {
	if r.iterations >= d.config.MaxIterations {
		d.fail(r, d.budgetError(reasonIterationCap, r, usage))
		return
	}
	if err := ctx.Err(); err != nil {
		d.fail(r, err)
		return
	}

	resp, err := d.model.CreateMessage(ctx, &domain.ModelRequest{
		System:    system,
		Messages:  r.messages,
		Tools:     tools,
		MaxTokens: d.config.MaxTokens,
	})
	if err != nil {
		d.fail(r, fmt.Errorf("detector model call: %w", err))
		return
	}
	r.iterations++
	usage.Record(resp.Usage)

	if reason := d.overBudget(usage); reason != "" {
		d.fail(r, d.budgetError(reason, r, usage))
		return
	}

	r.messages = append(r.messages, domain.ModelMessage{Role: "assistant", Content: resp.Content})

	if calls := resp.ToolCalls(); len(calls) > 0 {
		// no round-trip is left to read the results
		if r.iterations >= d.config.MaxIterations {
			r.log.Debug("skipping tool calls on the last iteration", zap.Int("calls", len(calls)))
			d.fail(r, d.budgetError(reasonIterationCap, r, usage))
			return
		}
		r.pending = calls
		r.state = StateAwaitingTool
		return
	}

	r.finalText = resp.Text()
	r.state = StateFinalizing
}

// executeTools runs every pending tool call and feeds the results back
func (d *Detector) executeTools(ctx context.Context, r *agentRun) {
	results := make([]domain.ContentBlock, 0, len(r.pending))
	for _, call := range r.pending {
		if err := ctx.Err(); err != nil {
			d.fail(r, err)
			return
		}
		content, isErr := d.executeTool(ctx, r, call)
		results = append(results, domain.ContentBlock{
			Type:      domain.BlockToolResult,
			ToolUseID: call.ID,
			Content:   content,
			IsError:   isErr,
		})
	}

	r.pending = nil
	r.messages = append(r.messages, domain.ModelMessage{Role: "user", Content: results})
	r.state = StateRequesting
}

// executeTool runs one call. Tool failures are reported to the model, not to the caller.
func (d *Detector) executeTool(ctx context.Context, r *agentRun, call domain.ContentBlock) (string, bool) {
	var input struct {
		Query string `json:"query"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return fmt.Sprintf("invalid tool input: %v", err), true
	}

	switch {
	case call.Name == toolWebSearch && d.search != nil:
		if r.searchCalls >= maxSearchCalls {
			return "search limit reached, answer with the information you have", true
		}
		r.searchCalls++
		if strings.TrimSpace(input.Query) == "" {
			return "query is required", true
		}

		r.log.Debug("web search", zap.String("query", input.Query))
		results, err := d.search.Search(ctx, input.Query)
		if err != nil {
			r.log.Warn("web search failed", zap.String("query", input.Query), zap.Error(err))
			return fmt.Sprintf("search failed: %v", err), true
		}
		payload, err := json.Marshal(results)
		if err != nil {
			return fmt.Sprintf("encoding results: %v", err), true
		}
		return string(payload), false

	case call.Name == toolFetchPage && d.fetcher != nil:
		if r.fetchCalls >= maxFetchCalls {
			return "fetch limit reached, answer with the information you have", true
		}
		r.fetchCalls++
		if _, err := ParseProductURL(input.URL); err != nil {
			return err.Error(), true
		}

		r.log.Debug("fetch page", zap.String("url", input.URL))
		content, _, err := d.fetcher.Fetch(ctx, input.URL)
		if err != nil || content.IsEmpty() {
			if err == nil {
				err = errors.New("page returned no readable content")
			}
			return fmt.Sprintf("fetch failed: %v", err), true
		}
		return truncateRunes(content.Text, maxToolResultRunes), false

	default:
		return fmt.Sprintf("unknown tool %q", call.Name), true
	}
}

// finalize parses the final answer; unparsable output earns one corrective
// turn per remaining iteration
func (d *Detector) finalize(r *agentRun) {
	outcome, err := parseFinalAnswer(r.finalText)
	if err == nil {
		r.outcome = outcome
		r.state = StateDone
		return
	}

	r.log.Warn("final answer rejected", zap.Int("iteration", r.iterations), zap.Error(err))
	r.messages = append(r.messages, domain.ModelMessage{
		Role:    "user",
		Content: []domain.ContentBlock{{Type: domain.BlockText, Text: finalAnswerCorrection}},
	})
	r.state = StateRequesting
}

func (d *Detector) fail(r *agentRun, err error) {
	r.err = err
	r.state = StateFailed
}

func (d *Detector) overBudget(usage *UsageTracker) string {
	s := usage.Summary()
	if d.config.TokenBudget > 0 && s.InputTokens+s.OutputTokens > d.config.TokenBudget {
		return reasonTokenBudget
	}
	if d.config.CostBudgetUSD > 0 && s.CostUSD > d.config.CostBudgetUSD {
		return reasonCostBudget
	}
	return ""
}

func (d *Detector) budgetError(reason string, r *agentRun, usage *UsageTracker) error {
	s := usage.Summary()
	return &domain.BudgetExceededError{
		Reason:       reason,
		Iterations:   r.iterations,
		InputTokens:  s.InputTokens,
		OutputTokens: s.OutputTokens,
		CostUSD:      s.CostUSD,
	}
}

// parseFinalAnswer extracts the JSON object from the model's final text,
// accepting bare JSON, fenced JSON, or JSON surrounded by prose
func parseFinalAnswer(text string) (*DetectionOutcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty final answer")
	}

	candidates := []string{text}
	for _, m := range codeFenceRegex.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}

	var lastErr error
	for _, candidate := range candidates {
		var answer finalAnswer
		if err := json.Unmarshal([]byte(candidate), &answer); err != nil {
			lastErr = err
			continue
		}
		if answer.Claims == nil {
			lastErr = errors.New(`final answer has no "claims" field`)
			continue
		}

		confidence := defaultAgentConfidence
		if answer.Confidence != nil {
			confidence = clampUnit(*answer.Confidence)
		}
		for i := range answer.Claims {
			answer.Claims[i].Confidence = clampUnit(answer.Claims[i].Confidence)
		}

		return &DetectionOutcome{
			Claims:      answer.Claims,
			Confidence:  confidence,
			ProductName: strings.TrimSpace(answer.ProductName),
			Category:    strings.ToLower(strings.TrimSpace(answer.Category)),
		}, nil
	}

	return nil, fmt.Errorf("parsing final answer: %w", lastErr)
}
