package routers

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelgrid/modelgrid/pkg/router"
	"github.com/modelgrid/modelgrid/pkg/types"
)

// Task types the routing strategies classify requests into. The adaptive
// router learns each separately; a model that excels at code review may
// rank poorly for creative writing.
const (
	TaskChat       = "chat"
	TaskCode       = "code"
	TaskCodeReview = "code-review"
	TaskCreative   = "creative"
	TaskAnalysis   = "analysis"
	TaskTranslate  = "translation"
	TaskSummarize  = "summarize"
	TaskQA         = "qa"
	TaskReasoning  = "reasoning"
	TaskVision     = "vision"
)

const scoreAlpha = 0.2

// AdaptiveRouter learns per-(model, task type) outcome scores. Scores
// decay exponentially toward neutral with the configured half life, so
// stale observations lose influence, and a small exploration rate keeps
// non-top models measured.
type AdaptiveRouter struct {
	base

	mu     sync.RWMutex
	scores map[string]*learnedScore
}

type learnedScore struct {
	value     float64
	updatedAt time.Time
}

// NewAdaptiveRouter creates an adaptive router.
func NewAdaptiveRouter(config router.Config) *AdaptiveRouter {
	if config.HalfLife <= 0 {
		config.HalfLife = router.DefaultConfig().HalfLife
	}
	if config.ExplorationRate <= 0 {
		config.ExplorationRate = router.DefaultConfig().ExplorationRate
	}
	return &AdaptiveRouter{
		base:   newBase(config),
		scores: make(map[string]*learnedScore),
	}
}

// Name returns the strategy name.
func (r *AdaptiveRouter) Name() string { return router.StrategyAdaptive }

// Route ranks candidates by learned score for the request's task type.
// Models with no history start from their static quality as a prior.
func (r *AdaptiveRouter) Route(_ context.Context, rc *router.RequestContext) (*router.Decision, error) {
	candidates := withinBudget(withinLatency(rc.Candidates, rc), rc)
	if len(candidates) == 0 {
		return nil, ErrNoCandidate
	}

	task := DetectTaskType(rc.Request)

	type scored struct {
		profile *types.ModelProfile
		score   float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, p := range candidates {
		ranked = append(ranked, scored{profile: p, score: r.score(p, task)})
	}

	r.randShuffle(len(ranked), func(i, j int) {
		ranked[i], ranked[j] = ranked[j], ranked[i]
	})
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	// Occasionally promote a non-top candidate so its score stays fresh.
	if len(ranked) > 1 && r.randFloat64() < r.config.ExplorationRate {
		pick := 1 + r.randIntn(len(ranked)-1)
		ranked[0], ranked[pick] = ranked[pick], ranked[0]
	}

	ordered := make([]*types.ModelProfile, len(ranked))
	for i, s := range ranked {
		ordered[i] = s.profile
	}
	return r.decision(rc, ordered, ranked[0].score, r.Name(), "learned score for task "+task)
}

// Feedback folds the outcome into the (model, task) score.
func (r *AdaptiveRouter) Feedback(out *router.Outcome) {
	if out.Profile == nil {
		return
	}
	task := out.TaskType
	if task == "" {
		task = TaskChat
	}

	reward := 0.0
	if out.Err == nil {
		reward = 1.0
		if out.Quality > 0 {
			reward = out.Quality
		}
	}

	key := out.Profile.Key() + "|" + task
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.scores[key]
	if !ok {
		r.scores[key] = &learnedScore{
			value:     out.Profile.Quality()*(1-scoreAlpha) + reward*scoreAlpha,
			updatedAt: now,
		}
		return
	}
	decayed := r.decayed(entry, now)
	entry.value = decayed*(1-scoreAlpha) + reward*scoreAlpha
	entry.updatedAt = now
}

// score returns the decayed learned score, or the static quality prior
// when the pair has never been observed.
func (r *AdaptiveRouter) score(p *types.ModelProfile, task string) float64 {
	key := p.Key() + "|" + task
	r.mu.RLock()
	entry, ok := r.scores[key]
	r.mu.RUnlock()
	if !ok {
		return p.Quality()
	}
	return r.decayed(entry, time.Now())
}

// decayed halves the distance from the neutral 0.5 every half life.
func (r *AdaptiveRouter) decayed(entry *learnedScore, now time.Time) float64 {
	age := now.Sub(entry.updatedAt)
	if age <= 0 {
		return entry.value
	}
	factor := math.Pow(0.5, float64(age)/float64(r.config.HalfLife))
	return 0.5 + (entry.value-0.5)*factor
}

// DetectTaskType classifies a request by prompt content. More specific
// classes are checked first, so "review this code" lands on code review
// rather than generic code generation.
func DetectTaskType(req *types.Request) string {
	prompt := strings.ToLower(req.PromptText())
	switch {
	case containsAny(prompt, "image", "picture", "photo", "screenshot", "diagram"):
		return TaskVision
	case containsAny(prompt, "code review", "review this code", "review my code", "review this pull request"):
		return TaskCodeReview
	case containsAny(prompt, "```", "func ", "def ", "class ", "import ", "compile", "refactor", "debug", "stack trace", "unit test"):
		return TaskCode
	case containsAny(prompt, "translate", "translation"):
		return TaskTranslate
	case containsAny(prompt, "summarize", "summary", "tl;dr", "key points"):
		return TaskSummarize
	case containsAny(prompt, "write a story", "poem", "creative", "fiction", "brainstorm"):
		return TaskCreative
	case containsAny(prompt, "analyze", "analysis", "pros and cons", "compare "):
		return TaskAnalysis
	case containsAny(prompt, "step by step", "prove ", "reason through", "logic puzzle", "solve "):
		return TaskReasoning
	case strings.Contains(prompt, "?"):
		return TaskQA
	default:
		return TaskChat
	}
}
