// Package transform rewrites raw user utterances into retrieval-ready
// queries, resolving pronouns and demonstratives against the session's
// conversation context.
package transform

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/llm"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/session"
)

// Result is the output of the transform stage for one turn.
type Result struct {
	RewrittenQuery string
	// DocumentID scopes retrieval to one document when a single document or
	// video entity was resolved. Empty means whole-project search.
	DocumentID string
	// NeedsRetrieval is false for turns that need no document context
	// (greetings, thanks, meta questions about the assistant).
	NeedsRetrieval bool
	// ClarificationNeeded short-circuits the turn with Question when a
	// reference was detected but could not be resolved.
	ClarificationNeeded bool
	Question            string
}

// Transformer runs reference detection and query rewriting. The optional
// model client assists with rewriting; resolution itself stays deterministic
// so behavior is testable.
type Transformer struct {
	assist llm.Client
	logger *zap.Logger
}

// NewTransformer creates the stage. assist may be nil to disable the
// resolution-assist model call.
func NewTransformer(assist llm.Client, logger *zap.Logger) *Transformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{assist: assist, logger: logger}
}

var (
	// Demonstrative + noun: "this video", "that document", "the doc".
	demonstrativeRe = regexp.MustCompile(`(?i)\b(this|that)\s+(video|document|doc|file|report|paper|pdf|recording|clip)\b`)
	// Bare anaphora: "it", "this" with no noun attached.
	bareAnaphoraRe = regexp.MustCompile(`(?i)\b(it|this|that one)\b`)
	// Explicit plural references: "compare the two", "both documents".
	pluralRe = regexp.MustCompile(`(?i)\b(the two|both|these (?:documents|docs|files|videos)|the (?:documents|docs|files|videos))\b`)
	// Anaphoric follow-up openings that inherit the previous scope.
	followUpRe = regexp.MustCompile(`(?i)^\s*(what|how) about\b`)

	chitchatRe = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|thanks|thank you|good (?:morning|afternoon|evening)|bye|goodbye|how are you)[\s!.?]*$`)
)

// Transform resolves references in message against the session manager and
// emits the rewritten query with optional scope. The manager is mutated
// (recency, focus) only on successful resolution paths.
func (t *Transformer) Transform(ctx context.Context, mgr *session.Manager, message string) (*Result, error) {
	if chitchatRe.MatchString(message) {
		return &Result{RewrittenQuery: message, NeedsRetrieval: false}, nil
	}

	// Explicit plural comparison: never scope to one document; surface the
	// candidates by name so retrieval queries broadly.
	if pluralRe.MatchString(message) {
		return t.transformPlural(mgr, message), nil
	}

	if loc := demonstrativeRe.FindStringSubmatchIndex(message); loc != nil {
		return t.transformDemonstrative(ctx, mgr, message, loc)
	}

	// A follow-up like "what about page 5" keeps the current focus scope.
	if followUpRe.MatchString(message) {
		if focus := mgr.Focus(); focus != nil && focus.Type != models.EntityTypeConcept {
			mgr.Touch(focus.EntityID)
			return &Result{
				RewrittenQuery: t.rewrite(ctx, message, focus.DisplayName),
				DocumentID:     focus.EntityID,
				NeedsRetrieval: true,
			}, nil
		}
	}

	if bareAnaphoraRe.MatchString(message) {
		if id, ok := mgr.ResolveReference("it"); ok {
			entity := mgr.Entity(id)
			mgr.Touch(id)
			mgr.SetFocus(id)
			res := &Result{
				RewrittenQuery: t.rewrite(ctx, strings.TrimSpace(bareAnaphoraRe.ReplaceAllString(message, entity.DisplayName)), entity.DisplayName),
				NeedsRetrieval: true,
			}
			if entity.Type != models.EntityTypeConcept {
				res.DocumentID = entity.EntityID
			}
			return res, nil
		}
		// A bare pronoun with nothing to bind to still reads as a normal
		// query ("summarize it all"); search the whole project.
	}

	return &Result{RewrittenQuery: message, NeedsRetrieval: true}, nil
}

// transformDemonstrative handles "this video" style references.
func (t *Transformer) transformDemonstrative(ctx context.Context, mgr *session.Manager, message string, loc []int) (*Result, error) {
	mention := message[loc[0]:loc[1]]
	id, ok := mgr.ResolveReference(mention)
	if !ok {
		noun := strings.ToLower(message[loc[4]:loc[5]])
		return &Result{
			ClarificationNeeded: true,
			Question:            fmt.Sprintf("Which %s do you mean?", noun),
		}, nil
	}
	entity := mgr.Entity(id)
	mgr.Touch(id)
	mgr.SetFocus(id)

	rewritten := message[:loc[0]] + entity.DisplayName + message[loc[1]:]
	res := &Result{
		RewrittenQuery: t.rewrite(ctx, rewritten, entity.DisplayName),
		NeedsRetrieval: true,
	}
	if entity.Type != models.EntityTypeConcept {
		res.DocumentID = entity.EntityID
	}
	t.logger.Debug("resolved reference",
		zap.String("mention", mention),
		zap.String("entity", entity.DisplayName))
	return res, nil
}

// transformPlural surfaces the most recent documents by name and leaves the
// retrieval scope unset.
func (t *Transformer) transformPlural(mgr *session.Manager, message string) *Result {
	items := recentItems(mgr, 2)
	rewritten := message
	if len(items) >= 2 {
		names := make([]string, len(items))
		for i, e := range items {
			names[i] = e.DisplayName
			mgr.Touch(e.EntityID)
		}
		rewritten = fmt.Sprintf("%s (%s)", message, strings.Join(names, " vs "))
	}
	return &Result{RewrittenQuery: rewritten, NeedsRetrieval: true}
}

// recentItems returns the n most recently referenced document/video entities.
func recentItems(mgr *session.Manager, n int) []*models.Entity {
	var items []*models.Entity
	for _, e := range mgr.Context().Entities {
		if e.Type == models.EntityTypeConcept {
			continue
		}
		items = append(items, e)
	}
	// Insertion sort by recency desc then name for determinism; entity maps
	// are tiny.
	for i := 1; i < len(items); i++ {
		for j := i; j > 0; j-- {
			if items[j].LastReferencedTurn > items[j-1].LastReferencedTurn ||
				(items[j].LastReferencedTurn == items[j-1].LastReferencedTurn && items[j].DisplayName < items[j-1].DisplayName) {
				items[j], items[j-1] = items[j-1], items[j]
			}
		}
	}
	if len(items) > n {
		items = items[:n]
	}
	return items
}

const assistSystemPrompt = `You rewrite user questions into standalone search queries.
Replace pronouns with the provided referent. Reply with the rewritten query only.`

// rewrite optionally asks the assist model to polish the heuristic rewrite.
// Assist failures fall back to the heuristic result; resolution never depends
// on the model.
func (t *Transformer) rewrite(ctx context.Context, heuristic, referent string) string {
	if t.assist == nil {
		return heuristic
	}
	prompt := fmt.Sprintf("Referent: %s\nQuestion: %s", referent, heuristic)
	out, err := t.assist.Generate(ctx, llm.Request{System: assistSystemPrompt, Prompt: prompt})
	if err != nil || strings.TrimSpace(out) == "" {
		t.logger.Debug("assist rewrite skipped", zap.Error(err))
		return heuristic
	}
	return strings.TrimSpace(out)
}
