package baseline

import (
	"routekern/internal/tier"
)

// DefaultVersion is the version stamped on freshly-created or fallback
// baselines.
const DefaultVersion = "1.0.0"

// Defaults returns the hard-coded baseline set used on first run and as the
// fallback when the persisted file is unreadable. Initial values are an
// operator starting point, not kernel constants; every one of them can evolve
// through the update gate.
func Defaults() *Baselines {
	return &Baselines{
		Version: DefaultVersion,
		DQWeights: Weights{
			Validity:    0.40,
			Specificity: 0.30,
			Correctness: 0.30,
		},
		ComplexityThresholds: map[tier.Tier]Range{
			tier.Fast:   {Lo: 0.0, Hi: 0.25},
			tier.Medium: {Lo: 0.25, Hi: 0.70},
			tier.Strong: {Lo: 0.70, Hi: 1.0},
		},
		CostPerMTok: map[tier.Tier]Cost{
			tier.Fast:   {Input: 0.80, Output: 4.0},
			tier.Medium: {Input: 3.0, Output: 15.0},
			tier.Strong: {Input: 15.0, Output: 75.0},
		},
		ActionableThreshold: 0.75,
		TokenHeuristic:      TokenHeuristic{Input: 100, Output: 500},
		FeedbackGates: FeedbackGates{
			MinQueries:          50,
			MinFeedback:         20,
			MinDataQuality:      0.60,
			RecentSample:        20,
			RollbackDropPct:     0.15,
			MaxUpdatesPerWindow: 2,
			UpdateWindowQueries: 100,
		},
		Analyzer: defaultAnalyzerParams(),
		Detector: DetectorParams{
			MinSample:            30,
			ThresholdStep:        0.02,
			FastFailureThreshold: 0.30,
			StrongShareHighWater: 0.45,
			LowComplexityCeiling: 0.55,
			EfficiencyFloor:      0.50,
			TargetShare:          0.50,
			ShareMargin:          0.15,
		},
	}
}

func defaultAnalyzerParams() AnalyzerParams {
	return AnalyzerParams{
		// Token-length prior, four fixed bands. The last band (MaxTokens 0)
		// catches everything longer.
		TokenBands: []TokenBand{
			{MaxTokens: 8, Prior: 0.05},
			{MaxTokens: 25, Prior: 0.20},
			{MaxTokens: 80, Prior: 0.45},
			{MaxTokens: 0, Prior: 0.70},
		},
		CategoryMatchCap: 3,
		Categories: []KeywordCategory{
			{
				Name:   "code",
				Weight: 0.12,
				Keywords: []string{
					"implement", "refactor", "function", "compile",
					"api", "class", "module", "regex", "script",
				},
			},
			{
				Name:   "architecture",
				Weight: 0.15,
				Keywords: []string{
					"architecture", "design", "distributed", "scalab",
					"consistency", "schema", "protocol", "infrastructure",
					"system",
				},
			},
			{
				Name:   "debugging",
				Weight: 0.12,
				Keywords: []string{
					"debug", "stack trace", "error", "crash", "bug",
					"failing", "broken", "diagnose",
				},
			},
			{
				Name:   "multifile",
				Weight: 0.12,
				Keywords: []string{
					"multiple files", "across files", "codebase",
					"repository", "migrate", "monorepo",
				},
			},
			{
				Name:   "analysis",
				Weight: 0.10,
				Keywords: []string{
					"analyze", "compare", "evaluate", "research",
					"investigate", "benchmark", "trade-off",
				},
			},
			{
				Name:   "creation",
				Weight: 0.08,
				Keywords: []string{
					"create", "build", "write", "generate", "draft",
				},
			},
			{
				Name:   "conversational",
				Weight: -0.05,
				Keywords: []string{
					"thanks", "thank you", "please just", "quick question",
				},
			},
		},
		ProjectCues:  []string{"this project", "our codebase", "the repo", "in this file"},
		ProjectBonus: 0.05,
		ConversationalCues: []string{
			"hi", "hello", "hey", "thanks", "thank you", "ok", "okay",
			"yes", "no", "what is", "what's", "how do i",
		},
		ConversationalPenalty: 0.15,
		HistoryPull:           0.30,
		SimilarityThreshold:   0.30,
	}
}
