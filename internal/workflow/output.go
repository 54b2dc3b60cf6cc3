package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/siftd/sift/internal/chunk"
)

const maxCitations = 3

const suggestPrompt = `Generate 3 follow-up questions based on the user's query.

User Query: %q
Current Response: %q

Requirements:
- Each question must be under 100 characters
- Questions must be specific, not general or basic
- Focus on deeper aspects of the original query
- No explanations or answers

Return ONLY a JSON array of 3 question strings.`

// finish assembles the Result: citations from the retained documents,
// optional follow-up questions, and the detected output format.
func (e *Engine) finish(ctx context.Context, st *state) *Result {
	res := &Result{
		Answer:    st.response,
		Citations: citations(st.documents),
		Metadata: map[string]string{
			"source":             string(st.source),
			"hallucination_risk": string(st.risk),
			"confidence_score":   fmt.Sprintf("%.2f", st.confidence),
			"quality_score":      fmt.Sprintf("%.2f", st.quality),
			"rewrite_count":      fmt.Sprintf("%d", st.rewriteCount),
			"output_format":      detectFormat(st.response),
		},
	}
	if st.needsRewrite {
		// Rewrite budget ran out; callers can surface a disclaimer.
		res.Metadata["low_confidence"] = "true"
	}
	if e.cfg.SuggestedQuestions {
		res.SuggestedQuestions = e.suggestQuestions(ctx, st)
	}
	return res
}

// citations lists the unique sources of the retained documents,
// best-scored first. Web chunks cite their URL.
func citations(docs []*chunk.Chunk) []string {
	ranked := make([]*chunk.Chunk, len(docs))
	copy(ranked, docs)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	seen := make(map[string]struct{})
	var out []string
	for _, d := range ranked {
		src := d.Metadata[chunk.MetaURL]
		if src == "" {
			src = d.Metadata[chunk.MetaSource]
		}
		if src == "" {
			continue
		}
		if _, dup := seen[src]; dup {
			continue
		}
		seen[src] = struct{}{}
		out = append(out, src)
		if len(out) == maxCitations {
			break
		}
	}
	return out
}

// suggestQuestions is best effort; any failure yields no suggestions.
func (e *Engine) suggestQuestions(ctx context.Context, st *state) []string {
	response := st.response
	if len(response) > 200 {
		response = response[:200]
	}
	out, err := e.gen.Generate(ctx, fmt.Sprintf(suggestPrompt, st.rewrittenQuery, response))
	if err != nil {
		e.logger.Warn("suggested questions failed", "request_id", st.query.RequestID, "error", err)
		return nil
	}
	var questions []string
	if err := json.Unmarshal([]byte(stripCodeFence(out)), &questions); err != nil {
		e.logger.Warn("unparseable suggested questions", "request_id", st.query.RequestID, "output", out)
		return nil
	}
	if len(questions) > 3 {
		questions = questions[:3]
	}
	return questions
}

// detectFormat classifies the answer for the presentation layer.
// Markdown is the default; code and table win on structural cues.
func detectFormat(answer string) string {
	if strings.Contains(answer, "```") {
		return "code"
	}
	for _, line := range strings.Split(answer, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|") && strings.Count(line, "|") >= 3 {
			return "table"
		}
	}
	return "markdown"
}
