package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Risk buckets the hallucination confidence score.
type Risk string

const (
	RiskLow     Risk = "LOW"
	RiskMedium  Risk = "MEDIUM"
	RiskHigh    Risk = "HIGH"
	RiskUnknown Risk = "UNKNOWN"
)

// strictGradingBar is the cross-encoder score a document must reach
// under strict grading, within a small numeric tolerance.
const strictGradingBar = 1.0 - 1e-6

const hallucinationPrompt = `You are a grader assessing whether an answer is grounded in a set of facts.
Compare the answer against the facts and rate how well every claim in
the answer is supported.

Facts:
%s

Answer: %s

Give a score between 0.0 and 1.0, where 1.0 means fully grounded and
0.0 means entirely unsupported. Respond with ONLY the decimal number.`

const qualityPrompt = `You are a grader assessing the quality of an answer to a question.
Rate each dimension from 0.0 to 1.0:
- relevance: does the answer address the question?
- completeness: does it cover the question fully?
- clarity: is it clear and well structured?

Question: %s

Answer: %s

Respond with ONLY three decimal numbers separated by spaces, in the
order relevance completeness clarity.`

// gradeDocuments keeps only chunks the cross-encoder scores above the
// relevance bar. Without a scorer every candidate is kept. An empty
// survivor set is not an error; generation proceeds with no context.
func (e *Engine) gradeDocuments(ctx context.Context, st *state) {
	if e.scorer == nil || len(st.documents) == 0 {
		return
	}
	texts := make([]string, len(st.documents))
	for i, d := range st.documents {
		texts[i] = d.Text
	}
	scores, err := e.scorer.Score(ctx, st.rewrittenQuery, texts)
	if err != nil || len(scores) != len(st.documents) {
		e.logger.Warn("document grading failed, keeping all candidates", "request_id", st.query.RequestID, "error", err)
		return
	}

	bar := e.cfg.GradingThreshold
	if e.cfg.StrictGrading {
		bar = strictGradingBar
	}
	kept := st.documents[:0]
	for i, d := range st.documents {
		if scores[i] >= bar {
			d.Score = scores[i]
			kept = append(kept, d)
		}
	}
	e.logger.Info("graded documents", "request_id", st.query.RequestID, "candidates", len(texts), "kept", len(kept))
	st.documents = kept
}

// gradeGeneration runs the hallucination and quality checks and sets
// needsRewrite when either falls below its threshold.
func (e *Engine) gradeGeneration(ctx context.Context, st *state) {
	st.confidence, st.risk = e.hallucinationScore(ctx, st)
	st.quality = e.qualityScore(ctx, st)

	st.needsRewrite = false
	if st.risk != RiskUnknown && st.confidence < e.cfg.HallucinationThreshold {
		st.needsRewrite = true
	}
	if st.quality < e.cfg.QualityThreshold {
		st.needsRewrite = true
	}
	e.logger.Info("graded generation",
		"request_id", st.query.RequestID,
		"confidence", st.confidence,
		"risk", st.risk,
		"quality", st.quality,
		"needs_rewrite", st.needsRewrite)
}

// hallucinationScore asks the model how well the answer is grounded
// in the retained documents. Without documents there is nothing to
// check against and the risk is UNKNOWN.
func (e *Engine) hallucinationScore(ctx context.Context, st *state) (float64, Risk) {
	if len(st.documents) == 0 {
		return 0, RiskUnknown
	}
	out, err := e.gen.Generate(ctx, fmt.Sprintf(hallucinationPrompt, formatDocuments(st.documents), st.response))
	if err != nil {
		e.logger.Warn("hallucination check failed", "request_id", st.query.RequestID, "error", err)
		return 0, RiskUnknown
	}
	score := parseScore(out)
	switch {
	case score >= 0.80:
		return score, RiskLow
	case score >= 0.60:
		return score, RiskMedium
	default:
		return score, RiskHigh
	}
}

// qualityScore grades the answer against the original question on
// relevance, completeness and clarity, weighted 50/30/20.
func (e *Engine) qualityScore(ctx context.Context, st *state) float64 {
	out, err := e.gen.Generate(ctx, fmt.Sprintf(qualityPrompt, st.query.Input, st.response))
	if err != nil {
		e.logger.Warn("quality check failed", "request_id", st.query.RequestID, "error", err)
		return 0
	}
	fields := strings.Fields(out)
	if len(fields) < 3 {
		e.logger.Warn("unparseable quality grades", "request_id", st.query.RequestID, "output", out)
		return 0
	}
	relevance := parseScore(fields[0])
	completeness := parseScore(fields[1])
	clarity := parseScore(fields[2])
	return relevance*0.5 + completeness*0.3 + clarity*0.2
}

// parseScore extracts a decimal in [0,1] from model output. Anything
// unparseable scores 0.
func parseScore(s string) float64 {
	s = strings.TrimSpace(stripCodeFence(s))
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		s = s[:i]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
