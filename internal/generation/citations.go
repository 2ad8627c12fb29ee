package generation

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/pkg/utils"
)

// sourcesDelimiter separates answer text from the citation block the model
// is instructed to emit.
const sourcesDelimiter = "SOURCES:"

// refLineRe matches one citation line: [2] "exact quote from the chunk"
var refLineRe = regexp.MustCompile(`\[(\d+)\]\s*"([^"]+)"`)

// parsedRef is a citation as emitted by the model, before validation.
type parsedRef struct {
	index int // 1-based index into the retrieved results
	quote string
}

// splitAnswer separates the answer text from the citation block. A missing
// block yields the whole text and no refs.
func splitAnswer(raw string) (string, []parsedRef) {
	answer := raw
	block := ""
	if i := strings.Index(raw, sourcesDelimiter); i >= 0 {
		answer = strings.TrimSpace(raw[:i])
		block = raw[i+len(sourcesDelimiter):]
	} else {
		return strings.TrimSpace(raw), nil
	}

	var refs []parsedRef
	for _, m := range refLineRe.FindAllStringSubmatch(block, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		refs = append(refs, parsedRef{index: idx, quote: strings.TrimSpace(m[2])})
	}
	return answer, refs
}

// validateRefs checks every parsed ref against the turn's retrieved chunks:
// the index must point at a retrieved result and the quote must be a
// case-insensitive, whitespace-normalized substring of that chunk's content.
// Invalid refs are dropped individually; degraded reports whether any ref was
// dropped. An answer can therefore never cite a document that was not
// retrieved this turn.
func validateRefs(refs []parsedRef, results []models.SearchResult) (valid []models.SourceRef, degraded bool) {
	for _, ref := range refs {
		if ref.index < 1 || ref.index > len(results) {
			degraded = true
			continue
		}
		chunk := results[ref.index-1]
		if !strings.Contains(utils.NormalizeForMatch(chunk.Content), utils.NormalizeForMatch(ref.quote)) {
			degraded = true
			continue
		}
		valid = append(valid, models.SourceRef{
			DocumentID: chunk.DocumentID,
			PageNumber: chunk.PageNumber,
			Quote:      ref.quote,
		})
	}
	return valid, degraded
}
