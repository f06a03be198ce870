// Package llm adapts an OpenAI-compatible chat API into the core's
// relationship discovery and revalidation interfaces. The core never sees
// free-form text: every response is parsed into the typed relationship set
// here, and unparseable candidates are dropped.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rooneydude/kalshibot/internal/domain"
)

const systemPrompt = `You are analyzing prediction markets to find logically related markets
whose prices should be mathematically constrained relative to each other.

For each batch of markets, identify ALL pairs or groups where a logical or
mathematical relationship exists. Classify each relationship as:

1. SUBSET: Market A's YES outcome is a strict subset of Market B's YES outcome.
   Output: { "type": "SUBSET", "subset_ticker": "...", "superset_ticker": "...",
   "confidence": 0.0-1.0, "reasoning": "..." }

2. THRESHOLD: Markets on the same underlying with ordered thresholds.
   Output: { "type": "THRESHOLD", "tickers_ascending": ["...", "..."],
   "confidence": 0.0-1.0, "reasoning": "..." }

3. PARTITION: Markets that should sum to ~100%.
   Output: { "type": "PARTITION", "tickers": ["...", "..."],
   "confidence": 0.0-1.0, "reasoning": "..." }

4. IMPLICATION: One event logically or empirically implies another.
   Output: { "type": "IMPLICATION", "if_ticker": "...", "then_ticker": "...",
   "estimated_conditional_prob": 0.0-1.0, "confidence": 0.0-1.0,
   "reasoning": "..." }

CRITICAL: Read the settlement rules carefully. Markets that LOOK related can
have settlement criteria that break the logical link. Only flag relationships
you are confident about.

Return ONLY a valid JSON array of relationships. If no relationships exist,
return []. Do not include any text outside the JSON array.`

// Config holds client settings.
type Config struct {
	APIKey        string
	BaseURL       string
	ScanModel     string // bulk discovery
	ValidateModel string // revalidation of stored relationships
	Timeout       time.Duration
	Temperature   float32
	MaxBatch      int
}

// Client wraps an OpenAI-compatible chat completion API.
type Client struct {
	api           *openai.Client
	scanModel     string
	validateModel string
	temperature   float32
	timeout       time.Duration
	maxBatch      int
	logger        *slog.Logger
}

// New creates a client from config.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm: API key is required")
	}
	if cfg.ScanModel == "" {
		cfg.ScanModel = "gpt-4o-mini"
	}
	if cfg.ValidateModel == "" {
		cfg.ValidateModel = cfg.ScanModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 40
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	return &Client{
		api:           openai.NewClientWithConfig(apiCfg),
		scanModel:     cfg.ScanModel,
		validateModel: cfg.ValidateModel,
		temperature:   cfg.Temperature,
		timeout:       cfg.Timeout,
		maxBatch:      cfg.MaxBatch,
		logger:        logger.With(slog.String("component", "llm")),
	}, nil
}

// rawRelationship is the LLM's output shape before normalisation.
type rawRelationship struct {
	Type             string   `json:"type"`
	SubsetTicker     string   `json:"subset_ticker"`
	SupersetTicker   string   `json:"superset_ticker"`
	TickersAscending []string `json:"tickers_ascending"`
	Tickers          []string `json:"tickers"`
	IfTicker         string   `json:"if_ticker"`
	ThenTicker       string   `json:"then_ticker"`
	CondProb         float64  `json:"estimated_conditional_prob"`
	Confidence       float64  `json:"confidence"`
	Reasoning        string   `json:"reasoning"`
}

// Discover sends one batch of markets to the scan model and returns the
// normalised relationship candidates. Oversized batches are truncated.
func (c *Client) Discover(ctx context.Context, markets []domain.Market) ([]domain.Relationship, error) {
	if len(markets) < 2 {
		return nil, nil
	}
	if len(markets) > c.maxBatch {
		markets = markets[:c.maxBatch]
	}

	raws, err := c.analyze(ctx, c.scanModel, markets)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Relationship, 0, len(raws))
	for _, raw := range raws {
		if rel, ok := normalize(raw); ok {
			out = append(out, rel)
		}
	}
	c.logger.InfoContext(ctx, "discovery batch complete",
		slog.Int("markets", len(markets)),
		slog.Int("candidates", len(out)),
	)
	return out, nil
}

// Revalidate asks the stronger model whether a stored relationship still
// holds given the markets' current titles and rules. The relationship is
// valid only if the model independently reproduces the same type over the
// same ticker set.
func (c *Client) Revalidate(ctx context.Context, rel domain.Relationship, markets []domain.Market) (domain.RevalidationResult, error) {
	raws, err := c.analyze(ctx, c.validateModel, markets)
	if err != nil {
		return domain.RevalidationResult{}, err
	}

	want := tickerSet(rel.Tickers)
	for _, raw := range raws {
		cand, ok := normalize(raw)
		if !ok || cand.Type != rel.Type {
			continue
		}
		if setsEqual(want, tickerSet(cand.Tickers)) {
			return domain.RevalidationResult{StillValid: true, Confidence: cand.Confidence}, nil
		}
	}
	return domain.RevalidationResult{StillValid: false}, nil
}

var (
	_ domain.RelationshipDiscoverer = (*Client)(nil)
	_ domain.RelationshipValidator  = (*Client)(nil)
)

func (c *Client) analyze(ctx context.Context, model string, markets []domain.Market) ([]rawRelationship, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Analyze these %d markets for logical relationships:\n\n", len(markets))
	for _, m := range markets {
		formatMarket(&sb, m)
		sb.WriteString("\n")
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctxWithTimeout, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: sb.String()},
		},
		MaxTokens:   4096,
		Temperature: c.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: chat completion: %w: %v", domain.ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty response: %w", domain.ErrUnavailable)
	}

	text := stripFences(strings.TrimSpace(resp.Choices[0].Message.Content))
	var raws []rawRelationship
	if err := json.Unmarshal([]byte(text), &raws); err != nil {
		c.logger.WarnContext(ctx, "unparseable LLM response",
			slog.String("head", head(text, 200)),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return raws, nil
}

func formatMarket(sb *strings.Builder, m domain.Market) {
	fmt.Fprintf(sb, "Ticker: %s\n  Title: %s\n", m.Ticker, m.Title)
	if m.Subtitle != "" {
		fmt.Fprintf(sb, "  Subtitle: %s\n", m.Subtitle)
	}
	fmt.Fprintf(sb, "  Category: %s\n", m.Category)
	fmt.Fprintf(sb, "  YES ask: %d  YES bid: %d\n", m.Quote.YesAsk, m.Quote.YesBid)
	if m.RulesText != "" {
		fmt.Fprintf(sb, "  Settlement rules: %s\n", head(m.RulesText, 500))
	}
}

// normalize converts raw LLM output into a typed Relationship, rejecting
// structurally incomplete entries.
func normalize(raw rawRelationship) (domain.Relationship, bool) {
	rel := domain.Relationship{
		Confidence: raw.Confidence,
		Reasoning:  raw.Reasoning,
	}
	switch strings.ToUpper(raw.Type) {
	case "SUBSET":
		if raw.SubsetTicker == "" || raw.SupersetTicker == "" {
			return domain.Relationship{}, false
		}
		rel.Type = domain.RelationshipSubset
		rel.Tickers = []string{raw.SubsetTicker, raw.SupersetTicker}
	case "THRESHOLD":
		if len(raw.TickersAscending) < 2 {
			return domain.Relationship{}, false
		}
		rel.Type = domain.RelationshipThreshold
		rel.Tickers = raw.TickersAscending
	case "PARTITION":
		if len(raw.Tickers) < 2 {
			return domain.Relationship{}, false
		}
		rel.Type = domain.RelationshipPartition
		rel.Tickers = raw.Tickers
	case "IMPLICATION":
		if raw.IfTicker == "" || raw.ThenTicker == "" {
			return domain.Relationship{}, false
		}
		rel.Type = domain.RelationshipImplication
		rel.Tickers = []string{raw.IfTicker, raw.ThenTicker}
		rel.Kappa = raw.CondProb
		if rel.Kappa == 0 {
			rel.Kappa = 0.8
		}
	default:
		return domain.Relationship{}, false
	}
	return rel, true
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) > 1 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[1 : len(lines)-1]
	} else {
		lines = lines[1:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func tickerSet(tickers []string) map[string]bool {
	out := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		out[t] = true
	}
	return out
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
