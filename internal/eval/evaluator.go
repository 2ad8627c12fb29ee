// Package eval re-scores a sampled fraction of answers for faithfulness,
// relevancy, and context precision, off the turn's critical path.
package eval

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/models"
)

// Metrics are the quality scores for one evaluated turn, each in [0,1].
type Metrics struct {
	Faithfulness     float64 `json:"faithfulness"`
	AnswerRelevancy  float64 `json:"answer_relevancy"`
	ContextPrecision float64 `json:"context_precision"`
}

// Record is one evaluation log entry.
type Record struct {
	ProjectID string    `json:"project_id"`
	TurnID    string    `json:"turn_id"`
	Metrics   Metrics   `json:"metrics"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink persists evaluation records to a queryable store.
type Sink interface {
	Write(ctx context.Context, rec *Record) error
}

// Input is everything the evaluator needs about a finished turn.
type Input struct {
	ProjectID string
	TurnID    string
	Query     string
	Answer    *models.Answer
	Retrieved []models.SearchResult
}

// Evaluator samples finished turns and scores them asynchronously. Failures
// are swallowed and logged; evaluation never blocks or alters the answer.
type Evaluator struct {
	sink   Sink
	logger *zap.Logger

	mu     sync.Mutex
	rate   float64
	randFn func() float64
	wg     sync.WaitGroup
}

// NewEvaluator creates the hook. rate is the sampling fraction (0 disables,
// 1 evaluates every turn).
func NewEvaluator(rate float64, sink Sink, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{rate: rate, sink: sink, logger: logger, randFn: rand.Float64}
}

// SetRate replaces the sampling fraction. Used by config hot reload.
func (e *Evaluator) SetRate(rate float64) {
	e.mu.Lock()
	e.rate = rate
	e.mu.Unlock()
}

// MaybeEvaluate samples the turn and, when selected, scores it in the
// background.
func (e *Evaluator) MaybeEvaluate(in Input) {
	if e.sink == nil {
		return
	}
	e.mu.Lock()
	selected := e.rate > 0 && e.randFn() < e.rate
	e.mu.Unlock()
	if !selected {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		rec := &Record{
			ProjectID: in.ProjectID,
			TurnID:    in.TurnID,
			Metrics:   Score(in),
			Timestamp: time.Now(),
		}
		if err := e.sink.Write(ctx, rec); err != nil {
			e.logger.Warn("evaluation write failed",
				zap.String("turn_id", in.TurnID),
				zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight evaluations finish. Used by shutdown and tests.
func (e *Evaluator) Wait() { e.wg.Wait() }

// Score computes the three metrics from lexical overlap. Cheap and
// deterministic; a model-based judge can replace it behind the same Sink.
func Score(in Input) Metrics {
	if in.Answer == nil {
		return Metrics{}
	}
	return Metrics{
		Faithfulness:     faithfulness(in.Answer),
		AnswerRelevancy:  overlapRatio(in.Answer.Text, in.Query),
		ContextPrecision: contextPrecision(in.Answer, in.Retrieved),
	}
}

// faithfulness averages, over answer sentences, the best overlap with any
// cited quote. An uncited answer scores zero.
func faithfulness(answer *models.Answer) float64 {
	if len(answer.SourceRefs) == 0 {
		return 0
	}
	sentences := splitSentences(answer.Text)
	if len(sentences) == 0 {
		return 0
	}
	var total float64
	for _, sentence := range sentences {
		best := 0.0
		for _, ref := range answer.SourceRefs {
			if r := overlapRatio(sentence, ref.Quote); r > best {
				best = r
			}
		}
		total += best
	}
	return total / float64(len(sentences))
}

// contextPrecision is the fraction of retrieved chunks whose document ended
// up cited.
func contextPrecision(answer *models.Answer, retrieved []models.SearchResult) float64 {
	if len(retrieved) == 0 {
		return 0
	}
	cited := make(map[string]bool, len(answer.SourceRefs))
	for _, ref := range answer.SourceRefs {
		cited[ref.DocumentID] = true
	}
	used := 0
	for _, r := range retrieved {
		if cited[r.DocumentID] {
			used++
		}
	}
	return float64(used) / float64(len(retrieved))
}

// overlapRatio is the fraction of b's terms that appear in a.
func overlapRatio(a, b string) float64 {
	bTerms := termSet(b)
	if len(bTerms) == 0 {
		return 0
	}
	aTerms := termSet(a)
	hits := 0
	for term := range bTerms {
		if aTerms[term] {
			hits++
		}
	}
	return float64(hits) / float64(len(bTerms))
}

func termSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, ".,;:!?\"'()[]")
		if len(f) > 2 {
			out[f] = true
		}
	}
	return out
}

func splitSentences(text string) []string {
	var out []string
	for _, s := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	}) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
