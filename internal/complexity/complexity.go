// Package complexity derives a scalar complexity in [0,1] from a free-text
// query plus optional historical context. Estimation is a pure function of
// its inputs: identical query, history, and params always produce identical
// output. All tunables (bands, keyword categories, bonuses, the historical
// pull) live in the baselines so the pipeline evolves without code changes.
package complexity

import (
	"fmt"
	"strings"

	"routekern/internal/baseline"
)

// Sample is one historical query with its recorded complexity, used for the
// similarity pull.
type Sample struct {
	Query string
	Score float64
}

// Estimate is the analyzer output: the clamped score, the token count, the
// signals that fired, and a human-readable rationale.
type Estimate struct {
	Score     float64  `json:"score"`
	Tokens    int      `json:"tokens"`
	Signals   []string `json:"signals"`
	Rationale string   `json:"rationale"`
}

// Analyzer scores queries using the parameters of a baseline snapshot.
type Analyzer struct {
	params baseline.AnalyzerParams
}

// New creates an Analyzer bound to the given parameters.
func New(params baseline.AnalyzerParams) *Analyzer {
	return &Analyzer{params: params}
}

// Estimate runs the scoring pipeline:
//  1. token-length prior from the configured bands
//  2. weighted keyword categories, matches capped per category
//  3. project-context bonus, conversational deduction
//  4. bounded pull toward the mean of similar past queries
//  5. clamp to [0,1]
func (a *Analyzer) Estimate(query string, history []Sample) Estimate {
	lower := strings.ToLower(strings.TrimSpace(query))
	tokens := strings.Fields(lower)

	var signals []string
	score := a.lengthPrior(len(tokens), &signals)
	score += a.keywordScore(lower, &signals)
	score += a.contextAdjustment(lower, &signals)
	score = a.historyPull(score, tokens, history, &signals)

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	return Estimate{
		Score:     score,
		Tokens:    len(tokens),
		Signals:   signals,
		Rationale: buildRationale(score, signals),
	}
}

// lengthPrior picks the base score from the token-length bands.
func (a *Analyzer) lengthPrior(tokens int, signals *[]string) float64 {
	for _, band := range a.params.TokenBands {
		if band.MaxTokens > 0 && tokens <= band.MaxTokens {
			*signals = append(*signals, fmt.Sprintf("length prior %.2f (<=%d tokens)", band.Prior, band.MaxTokens))
			return band.Prior
		}
	}
	// Catch-all band.
	for _, band := range a.params.TokenBands {
		if band.MaxTokens == 0 {
			*signals = append(*signals, fmt.Sprintf("length prior %.2f (long query)", band.Prior))
			return band.Prior
		}
	}
	return 0
}

// keywordScore sums weighted category matches, capping matches per category.
func (a *Analyzer) keywordScore(lower string, signals *[]string) float64 {
	maxMatches := a.params.CategoryMatchCap
	if maxMatches <= 0 {
		maxMatches = 3
	}

	var total float64
	for _, cat := range a.params.Categories {
		matches := 0
		var hit []string
		for _, kw := range cat.Keywords {
			if strings.Contains(lower, kw) {
				matches++
				hit = append(hit, kw)
				if matches >= maxMatches {
					break
				}
			}
		}
		if matches == 0 {
			continue
		}
		contribution := cat.Weight * float64(matches)
		total += contribution
		*signals = append(*signals, fmt.Sprintf("%s keywords %v (%+.2f)", cat.Name, hit, contribution))
	}
	return total
}

// contextAdjustment applies the project-context bonus and the conversational
// deduction. Conversational cues match as a full prefix word or the whole
// query, so "hi" fires on "hi" and "hi there" but not on "high availability".
func (a *Analyzer) contextAdjustment(lower string, signals *[]string) float64 {
	var adj float64

	for _, cue := range a.params.ProjectCues {
		if strings.Contains(lower, cue) {
			adj += a.params.ProjectBonus
			*signals = append(*signals, fmt.Sprintf("project context %q (+%.2f)", cue, a.params.ProjectBonus))
			break
		}
	}

	for _, cue := range a.params.ConversationalCues {
		if lower == cue || strings.HasPrefix(lower, cue+" ") {
			adj -= a.params.ConversationalPenalty
			*signals = append(*signals, fmt.Sprintf("conversational %q (-%.2f)", cue, a.params.ConversationalPenalty))
			break
		}
	}

	return adj
}

// historyPull moves the score toward the mean of similar past queries, by at
// most HistoryPull of the gap. Similarity is Jaccard over token sets.
func (a *Analyzer) historyPull(score float64, tokens []string, history []Sample, signals *[]string) float64 {
	if len(history) == 0 || a.params.HistoryPull <= 0 {
		return score
	}

	set := tokenSet(tokens)
	var sum float64
	var n int
	for _, h := range history {
		sim := Jaccard(set, tokenSet(strings.Fields(strings.ToLower(h.Query))))
		if sim >= a.params.SimilarityThreshold {
			sum += h.Score
			n++
		}
	}
	if n == 0 {
		return score
	}

	mean := sum / float64(n)
	pulled := score + a.params.HistoryPull*(mean-score)
	*signals = append(*signals, fmt.Sprintf("history pull toward %.2f over %d similar queries (%+.2f)", mean, n, pulled-score))
	return pulled
}

// Jaccard computes set similarity |A∩B| / |A∪B|. Exported because the
// decision-quality scorer uses the same similarity measure.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	var inter int
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// TokenSet builds the token set of a query for similarity comparisons.
func TokenSet(query string) map[string]struct{} {
	return tokenSet(strings.Fields(strings.ToLower(query)))
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func buildRationale(score float64, signals []string) string {
	if len(signals) == 0 {
		return fmt.Sprintf("complexity %.2f (no signals fired)", score)
	}
	return fmt.Sprintf("complexity %.2f: %s", score, strings.Join(signals, "; "))
}
