package toolfilter

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hoot-chat/mcp-gateway/pkg/log"
)

// Defaults applied when the caller leaves an option zero.
const (
	DefaultTopK             = 22
	DefaultMinScore         = 0.30
	DefaultContextMessages  = 3
	DefaultMaxContextTokens = 500

	// Without an embedding backend the filter cannot rank; it hands the
	// caller at most this many tools and flags the result degraded.
	degradedLimit = 120
)

// ToolInput is one tool as submitted at initialize time.
type ToolInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ServerTools groups a server's tools for ingestion.
type ServerTools struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Tools []ToolInput `json:"tools"`
}

// Message is one turn of the conversation window used as query context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune one filter call. Pins bypass scoring and are prepended
// in submission order.
type Options struct {
	TopK             int      `json:"topK"`
	MinScore         float64  `json:"minScore"`
	ContextMessages  int      `json:"contextMessages"`
	MaxContextTokens int      `json:"maxContextTokens"`
	Pins             []string `json:"pins"`
}

// ScoredTool is one selected tool with its relevance score. Pinned tools
// carry whatever score they earned, or zero when unranked.
type ScoredTool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	ServerID    string  `json:"serverId"`
	Score       float64 `json:"score"`
	Pinned      bool    `json:"pinned,omitempty"`
}

// Metrics accompany every filter result. Times are milliseconds.
type Metrics struct {
	TotalTime     int64 `json:"totalTime"`
	EmbeddingTime int64 `json:"embeddingTime"`
	ScoringTime   int64 `json:"scoringTime"`
	ContextTokens int   `json:"contextTokens"`
	Degraded      bool  `json:"degraded,omitempty"`
}

// Result is the filtered subset plus metrics.
type Result struct {
	Tools   []ScoredTool `json:"tools"`
	Metrics Metrics      `json:"metrics"`
}

type entry struct {
	name        string
	description string
	serverID    string
	vector      []float32
}

// Index holds one embedding per ingested tool. Initialize replaces the
// whole index so membership always matches the latest submission.
type Index struct {
	backend Backend

	mu      sync.RWMutex
	entries []entry
	byName  map[string]int
}

func NewIndex(backend Backend) *Index {
	return &Index{
		backend: backend,
		byName:  make(map[string]int),
	}
}

// Degraded reports whether the index runs without an embedding backend.
func (x *Index) Degraded() bool {
	return x.backend == nil
}

// Size returns the number of indexed tools.
func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Initialize ingests the tool registry. Tool names are globally unique:
// on duplicates the first wins and later instances are dropped with a
// warning. The previous index content is discarded entirely.
func (x *Index) Initialize(ctx context.Context, servers []ServerTools) error {
	var entries []entry
	byName := make(map[string]int)
	for _, server := range servers {
		for _, tool := range server.Tools {
			if _, seen := byName[tool.Name]; seen {
				log.Logf("! Dropping duplicate tool %q from server %s", tool.Name, server.ID)
				continue
			}
			byName[tool.Name] = len(entries)
			entries = append(entries, entry{
				name:        tool.Name,
				description: tool.Description,
				serverID:    server.ID,
			})
		}
	}

	if x.backend != nil && len(entries) > 0 {
		inputs := make([]string, len(entries))
		for i, e := range entries {
			inputs[i] = e.name + " " + e.description
		}
		vectors, err := x.backend.Embed(ctx, inputs)
		if err != nil {
			return fmt.Errorf("indexing %d tools: %w", len(entries), err)
		}
		for i := range entries {
			entries[i].vector = vectors[i]
		}
	}

	x.mu.Lock()
	x.entries = entries
	x.byName = byName
	x.mu.Unlock()
	return nil
}

// Filter scores the indexed tools against the recent conversation window
// and returns up to topK of them in descending score order.
func (x *Index) Filter(ctx context.Context, messages []Message, opts Options) (*Result, error) {
	opts = withDefaults(opts)

	x.mu.RLock()
	entries := x.entries
	byName := x.byName
	x.mu.RUnlock()

	if x.backend == nil {
		return degradedResult(entries, byName, opts), nil
	}

	started := time.Now()
	contextText, contextTokens := contextWindow(messages, opts.ContextMessages, opts.MaxContextTokens)

	var contextVector []float32
	embeddingStarted := time.Now()
	if contextText != "" {
		vectors, err := x.backend.Embed(ctx, []string{contextText})
		if err != nil {
			return nil, fmt.Errorf("embedding conversation context: %w", err)
		}
		contextVector = vectors[0]
	}
	embeddingTime := time.Since(embeddingStarted)

	scoringStarted := time.Now()
	scores := make(map[string]float64, len(entries))
	var scored []ScoredTool
	for _, e := range entries {
		score := cosine(contextVector, e.vector)
		scores[e.name] = score
		if score >= opts.MinScore {
			scored = append(scored, ScoredTool{
				Name:        e.name,
				Description: e.description,
				ServerID:    e.serverID,
				Score:       score,
			})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if len(scored[i].Name) != len(scored[j].Name) {
			return len(scored[i].Name) < len(scored[j].Name)
		}
		return scored[i].Name < scored[j].Name
	})
	if len(scored) > opts.TopK {
		scored = scored[:opts.TopK]
	}
	scoringTime := time.Since(scoringStarted)

	tools := prependPins(scored, entries, byName, opts.Pins, scores)

	return &Result{
		Tools: tools,
		Metrics: Metrics{
			TotalTime:     time.Since(started).Milliseconds(),
			EmbeddingTime: embeddingTime.Milliseconds(),
			ScoringTime:   scoringTime.Milliseconds(),
			ContextTokens: contextTokens,
		},
	}, nil
}

// degradedResult keeps the caller functional without rankings: pins
// first, then the head of the index in ingestion order.
func degradedResult(entries []entry, byName map[string]int, opts Options) *Result {
	tools := prependPins(nil, entries, byName, opts.Pins, nil)
	seen := make(map[string]bool, len(tools))
	for _, tool := range tools {
		seen[tool.Name] = true
	}
	for _, e := range entries {
		if len(tools) >= degradedLimit {
			break
		}
		if seen[e.name] {
			continue
		}
		tools = append(tools, ScoredTool{Name: e.name, Description: e.description, ServerID: e.serverID})
	}
	return &Result{
		Tools:   tools,
		Metrics: Metrics{Degraded: true},
	}
}

// prependPins puts pinned tools ahead of the scored ones, in submission
// order, dropping scored duplicates and unknown names.
func prependPins(scored []ScoredTool, entries []entry, byName map[string]int, pins []string, scores map[string]float64) []ScoredTool {
	if len(pins) == 0 {
		return scored
	}

	pinned := make(map[string]bool, len(pins))
	var tools []ScoredTool
	for _, name := range pins {
		idx, ok := byName[name]
		if !ok || pinned[name] {
			continue
		}
		pinned[name] = true
		e := entries[idx]
		tools = append(tools, ScoredTool{
			Name:        e.name,
			Description: e.description,
			ServerID:    e.serverID,
			Score:       scores[name],
			Pinned:      true,
		})
	}
	for _, tool := range scored {
		if !pinned[tool.Name] {
			tools = append(tools, tool)
		}
	}
	return tools
}

func withDefaults(opts Options) Options {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MinScore <= 0 {
		opts.MinScore = DefaultMinScore
	}
	if opts.ContextMessages <= 0 {
		opts.ContextMessages = DefaultContextMessages
	}
	if opts.MaxContextTokens <= 0 {
		opts.MaxContextTokens = DefaultMaxContextTokens
	}
	return opts
}

// contextWindow joins the most recent messages and caps them at roughly
// maxTokens, keeping the tail. Tokens are approximated at 4 characters.
func contextWindow(messages []Message, contextMessages, maxTokens int) (string, int) {
	if len(messages) > contextMessages {
		messages = messages[len(messages)-contextMessages:]
	}
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	text := strings.Join(parts, "\n")

	maxChars := maxTokens * 4
	if len(text) > maxChars {
		text = text[len(text)-maxChars:]
	}
	return text, (len(text) + 3) / 4
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
