package workflow

import (
	"context"
	"fmt"
	"strings"
)

const rewritePrompt = `You are a question re-writer that converts an input question to a
better version optimized for retrieval. Look at the question and
reason about the underlying semantic intent.

Rules:
- Preserve the original topic and intent exactly.
- Keep key technical terms from the original question.
- Make the question more specific and self-contained.
- Return ONLY the rewritten question, nothing else.

Original question: %s`

// stopwords excluded from the keyword-overlap check.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "can": {}, "do": {}, "does": {}, "for": {},
	"from": {}, "how": {}, "in": {}, "is": {}, "it": {}, "of": {},
	"on": {}, "or": {}, "that": {}, "the": {}, "to": {}, "was": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "who": {},
	"why": {}, "will": {}, "with": {},
}

// rewrite asks the model for a retrieval-optimized rephrasing of the
// query. A rewrite that fails, is empty, or drifts off topic falls
// back to the original input; the attempt still counts against the
// rewrite budget so the loop terminates.
func (e *Engine) rewrite(ctx context.Context, st *state) {
	st.rewriteCount++

	out, err := e.gen.Generate(ctx, fmt.Sprintf(rewritePrompt, st.query.Input))
	if err != nil {
		e.logger.Warn("query rewrite failed, keeping original", "request_id", st.query.RequestID, "error", err)
		st.rewrittenQuery = st.query.Input
		return
	}
	rewritten := strings.Trim(strings.TrimSpace(out), `"`)
	if rewritten == "" || !preservesIntent(st.query.Input, rewritten) {
		e.logger.Warn("rewrite rejected by intent check", "request_id", st.query.RequestID, "rewritten", rewritten)
		st.rewrittenQuery = st.query.Input
		return
	}
	e.logger.Info("rewrote query", "request_id", st.query.RequestID, "attempt", st.rewriteCount, "rewritten", rewritten)
	st.rewrittenQuery = rewritten
}

// preservesIntent checks keyword overlap between the original and the
// rewritten query. At least half of the original's content words must
// survive the rewrite.
func preservesIntent(original, rewritten string) bool {
	origTerms := contentWords(original)
	if len(origTerms) == 0 {
		return true
	}
	rewTerms := make(map[string]struct{})
	for _, w := range contentWords(rewritten) {
		rewTerms[w] = struct{}{}
	}
	matched := 0
	for _, w := range origTerms {
		if _, ok := rewTerms[w]; ok {
			matched++
		}
	}
	return float64(matched)/float64(len(origTerms)) >= 0.5
}

// contentWords lowercases, strips punctuation and drops stopwords.
func contentWords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r > 127)
	})
	var words []string
	for _, w := range fields {
		if _, skip := stopwords[w]; skip {
			continue
		}
		words = append(words, w)
	}
	return words
}
