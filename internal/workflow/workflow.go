// Package workflow runs one query through the retrieval-augmented
// answer pipeline: route the query to the vector store or the web,
// grade the candidate documents, generate a grounded answer, grade
// the answer, and rewrite the query and loop when the answer does not
// hold up. Greetings and curated QA pairs short-circuit the pipeline
// before routing.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/siftd/sift/internal/audit"
	"github.com/siftd/sift/internal/chunk"
	"github.com/siftd/sift/internal/conversation"
	"github.com/siftd/sift/internal/qacache"
	"github.com/siftd/sift/internal/websearch"
)

// Source identifies where the grounding documents came from.
type Source string

const (
	SourceVectorstore Source = "vectorstore"
	SourceWebSearch   Source = "websearch"
)

// Generator is the chat-model port.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Retriever is the vector-store retrieval port.
type Retriever interface {
	Retrieve(ctx context.Context, query string, relevanceThreshold float64, maxDocuments int) ([]*chunk.Chunk, error)
}

// Scorer scores query/text pairs with the cross-encoder.
type Scorer interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// Matcher checks the fast-path QA cache.
type Matcher interface {
	FindMatch(ctx context.Context, query string) *qacache.Match
}

// Memory is the conversation-store port.
type Memory interface {
	Append(ctx context.Context, userID, sessionID, requestID, userInput, response string) (*conversation.Turn, error)
	History(ctx context.Context, userID, sessionID string, limit int) ([]*conversation.Turn, error)
}

// Config tunes one workflow engine.
type Config struct {
	// MaxRewrites bounds the rewrite loop.
	MaxRewrites int
	// StrictGrading keeps only documents the cross-encoder scores at
	// the top of its range; otherwise GradingThreshold applies.
	StrictGrading    bool
	GradingThreshold float64
	// HallucinationThreshold and QualityThreshold trigger a rewrite
	// when the respective grade falls below them.
	HallucinationThreshold float64
	QualityThreshold       float64
	// SuggestedQuestions toggles follow-up question generation.
	SuggestedQuestions bool
	// HistoryWindow is the number of prior turns injected as context.
	HistoryWindow int
	// Timeout bounds one invocation end to end.
	Timeout time.Duration

	RelevanceThreshold float64
	MaxDocuments       int
	MaxWebResults      int
}

// Query is one user question bound to its conversation.
type Query struct {
	UserID    string
	SessionID string
	RequestID string
	Input     string
}

// Result is the final answer plus provenance.
type Result struct {
	Answer             string            `json:"answer"`
	Citations          []string          `json:"citations,omitempty"`
	SuggestedQuestions []string          `json:"suggested_questions,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// state is the mutable per-invocation scratchpad.
type state struct {
	query          Query
	contextInput   string // user input augmented with conversation history
	rewrittenQuery string
	documents      []*chunk.Chunk
	source         Source
	response       string
	risk           Risk
	confidence     float64
	quality        float64
	needsRewrite   bool
	rewriteCount   int
}

// Engine drives the query state machine.
type Engine struct {
	gen     Generator
	retr    Retriever
	web     websearch.Provider
	scorer  Scorer
	qa      Matcher
	memory  Memory
	auditor audit.Writer
	cfg     Config
	logger  *slog.Logger
}

// New builds an engine. The scorer, qa matcher, web provider and
// auditor are optional; the corresponding steps degrade when absent.
func New(gen Generator, retr Retriever, web websearch.Provider, scorer Scorer, qa Matcher, memory Memory, auditor audit.Writer, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if cfg.MaxRewrites <= 0 {
		cfg.MaxRewrites = 1
	}
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = 4
	}
	if cfg.MaxWebResults <= 0 {
		cfg.MaxWebResults = 3
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}
	return &Engine{
		gen:     gen,
		retr:    retr,
		web:     web,
		scorer:  scorer,
		qa:      qa,
		memory:  memory,
		auditor: auditor,
		cfg:     cfg,
		logger:  logger,
	}
}

const greetingReply = "Hello! How can I help you today?"

const generatePrompt = `You are an assistant for question-answering tasks.
Use the following pieces of retrieved context to answer the question.
If you don't know the answer, just say that you don't know.
Use three sentences maximum and keep the answer concise.

Question: %s

Context:
%s

Answer:`

const routePrompt = `You are an expert at routing a user question to a vectorstore or web search.
The vectorstore contains documents that were indexed for this assistant.
Use the vectorstore for questions about those documents and their topics.
Otherwise, use web search.

Return a JSON object with a single key "datasource" whose value is either
"vectorstore" or "web_search". No preamble or explanation.

Question: %s`

// Run executes the full state machine for one query. The turn is
// appended to conversation memory whether or not the run succeeds.
func (e *Engine) Run(ctx context.Context, q Query) (*Result, error) {
	if strings.TrimSpace(q.Input) == "" {
		return nil, fmt.Errorf("empty query")
	}
	if q.RequestID == "" {
		q.RequestID = uuid.NewString()
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	e.auditor.Record(ctx, audit.Entry{
		RequestID: q.RequestID,
		UserID:    q.UserID,
		SessionID: q.SessionID,
		Step:      "workflow",
		Status:    audit.StatusStart,
		Details:   map[string]any{"user_input": q.Input},
	})

	res, err := e.run(ctx, q)

	answer := ""
	if res != nil {
		answer = res.Answer
	}
	if e.memory != nil {
		// Record the turn even when the run failed so the failure
		// stays visible in the session history.
		if _, aerr := e.memory.Append(context.WithoutCancel(ctx), q.UserID, q.SessionID, q.RequestID, q.Input, answer); aerr != nil {
			e.logger.Warn("appending conversation turn", "request_id", q.RequestID, "error", aerr)
		}
	}

	if err != nil {
		e.auditor.Record(ctx, audit.Entry{
			RequestID: q.RequestID,
			UserID:    q.UserID,
			SessionID: q.SessionID,
			Step:      "workflow",
			Status:    audit.StatusError,
			Details:   map[string]any{"error": err.Error()},
		})
		return nil, err
	}
	e.auditor.Record(ctx, audit.Entry{
		RequestID: q.RequestID,
		UserID:    q.UserID,
		SessionID: q.SessionID,
		Step:      "workflow",
		Status:    audit.StatusEnd,
		Details:   map[string]any{"answer": answer},
	})
	return res, nil
}

// RunStream is Run with the final answer forwarded to stream before
// returning. Grading may replace intermediate generations, so tokens
// are not emitted until the answer is final.
func (e *Engine) RunStream(ctx context.Context, q Query, stream func(ctx context.Context, text string) error) (*Result, error) {
	res, err := e.Run(ctx, q)
	if err != nil {
		return nil, err
	}
	if stream != nil && res.Answer != "" {
		if serr := stream(ctx, res.Answer); serr != nil {
			return nil, fmt.Errorf("streaming answer: %w", serr)
		}
	}
	return res, nil
}

func (e *Engine) run(ctx context.Context, q Query) (*Result, error) {
	if e.isGreeting(ctx, q.Input) {
		return &Result{
			Answer:   greetingReply,
			Metadata: map[string]string{"source": "greeting"},
		}, nil
	}

	if e.qa != nil {
		if m := e.qa.FindMatch(ctx, q.Input); m != nil {
			e.logger.Info("qa cache hit", "request_id", q.RequestID, "similarity", m.Similarity)
			return &Result{
				Answer: m.Pair.Answer,
				Metadata: map[string]string{
					"source":     "qa_cache",
					"similarity": fmt.Sprintf("%.4f", m.Similarity),
				},
			}, nil
		}
	}

	st := &state{
		query:          q,
		contextInput:   e.withHistory(ctx, q),
		rewrittenQuery: q.Input,
	}

	for {
		e.route(ctx, st)

		var err error
		switch st.source {
		case SourceVectorstore:
			err = e.retrieve(ctx, st)
		default:
			err = e.searchWeb(ctx, st)
		}
		if err != nil {
			return nil, err
		}

		e.gradeDocuments(ctx, st)

		if err := e.generate(ctx, st); err != nil {
			return nil, err
		}

		e.gradeGeneration(ctx, st)

		if !st.needsRewrite || st.rewriteCount >= e.cfg.MaxRewrites {
			break
		}
		e.rewrite(ctx, st)
	}

	return e.finish(ctx, st), nil
}

// isGreeting runs the binary greeting classifier. Classifier failures
// fall through to the full pipeline.
func (e *Engine) isGreeting(ctx context.Context, input string) bool {
	out, err := e.gen.Generate(ctx, fmt.Sprintf("Classify as greeting (true) or not (false): %q\nAnswer with exactly one word.", input))
	if err != nil {
		e.logger.Warn("greeting classification failed", "error", err)
		return false
	}
	return strings.EqualFold(strings.TrimSpace(out), "true")
}

// withHistory prepends the last turns of the session to the input as
// plain-text context.
func (e *Engine) withHistory(ctx context.Context, q Query) string {
	if e.memory == nil || e.cfg.HistoryWindow == 0 {
		return q.Input
	}
	turns, err := e.memory.History(ctx, q.UserID, q.SessionID, e.cfg.HistoryWindow)
	if err != nil {
		e.logger.Warn("fetching conversation history", "session_id", q.SessionID, "error", err)
		return q.Input
	}
	if len(turns) == 0 {
		return q.Input
	}
	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "User: %s\n", t.UserInput)
		if t.Response != "" {
			fmt.Fprintf(&b, "Assistant: %s\n", t.Response)
		}
	}
	b.WriteString("\nCurrent question: ")
	b.WriteString(q.Input)
	return b.String()
}

type routeDecision struct {
	Datasource string `json:"datasource"`
}

// route makes the binary vectorstore/web decision. Anything other
// than an unambiguous vectorstore answer routes to web search.
func (e *Engine) route(ctx context.Context, st *state) {
	st.source = SourceWebSearch
	if e.retr == nil {
		return
	}
	if e.web == nil {
		st.source = SourceVectorstore
		return
	}

	out, err := e.gen.Generate(ctx, fmt.Sprintf(routePrompt, st.contextInput))
	if err != nil {
		e.logger.Warn("routing failed, defaulting to web search", "request_id", st.query.RequestID, "error", err)
		return
	}
	var d routeDecision
	if err := json.Unmarshal([]byte(stripCodeFence(out)), &d); err != nil {
		e.logger.Warn("unparseable routing decision, defaulting to web search", "request_id", st.query.RequestID, "output", out)
		return
	}
	if d.Datasource == "vectorstore" {
		st.source = SourceVectorstore
	}
	e.logger.Info("routed query", "request_id", st.query.RequestID, "source", st.source)
}

func (e *Engine) retrieve(ctx context.Context, st *state) error {
	docs, err := e.retr.Retrieve(ctx, st.rewrittenQuery, e.cfg.RelevanceThreshold, e.cfg.MaxDocuments)
	if err != nil {
		return fmt.Errorf("retrieving documents: %w", err)
	}
	st.documents = docs
	return nil
}

// searchWeb queries the web provider and normalizes results into
// chunks. A missing provider leaves the document set empty instead of
// failing the run.
func (e *Engine) searchWeb(ctx context.Context, st *state) error {
	st.documents = nil
	if e.web == nil {
		return nil
	}
	results, err := e.web.Search(ctx, st.rewrittenQuery, e.cfg.MaxWebResults)
	if err != nil {
		e.logger.Warn("web search failed", "request_id", st.query.RequestID, "error", err)
		return nil
	}
	docs := websearch.ToChunks(results)
	if e.scorer != nil && len(docs) > e.cfg.MaxWebResults {
		docs = e.rerankChunks(ctx, st.rewrittenQuery, docs)
	}
	if len(docs) > e.cfg.MaxWebResults {
		docs = docs[:e.cfg.MaxWebResults]
	}
	st.documents = docs
	return nil
}

func (e *Engine) rerankChunks(ctx context.Context, query string, docs []*chunk.Chunk) []*chunk.Chunk {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	scores, err := e.scorer.Score(ctx, query, texts)
	if err != nil || len(scores) != len(docs) {
		e.logger.Warn("reranking web results failed", "error", err)
		return docs
	}
	for i, d := range docs {
		d.Score = scores[i]
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	return docs
}

func (e *Engine) generate(ctx context.Context, st *state) error {
	contextText := "No relevant context was found."
	if len(st.documents) > 0 {
		contextText = formatDocuments(st.documents)
	}
	// The question keeps the conversation context; rewrites only
	// steer retrieval.
	out, err := e.gen.Generate(ctx, fmt.Sprintf(generatePrompt, st.contextInput, contextText))
	if err != nil {
		return fmt.Errorf("generating answer: %w", err)
	}
	st.response = out
	return nil
}

func formatDocuments(docs []*chunk.Chunk) string {
	var b strings.Builder
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(d.Text)
	}
	return b.String()
}

// stripCodeFence removes a markdown code fence wrapper from LLM
// output so JSON parsing sees the payload.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
