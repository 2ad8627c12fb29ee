// Package cli provides terminal output rendering for kotae.
package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/kotae/internal/models"
)

// RenderChatStream renders the server-sent event stream of one chat turn:
// partial text as it arrives, then the validated sources, a clarifying
// question, or the error.
func RenderChatStream(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.TurnEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		switch ev.Type {
		case models.TurnEventPartial:
			fmt.Fprint(w, ev.PartialText)
		case models.TurnEventAnswer:
			fmt.Fprintln(w)
			if ev.Answer != nil {
				WriteAnswerFooter(w, ev.Answer)
			}
		case models.TurnEventClarification:
			fmt.Fprintln(w, ev.Question)
		case models.TurnEventError:
			fmt.Fprintln(w, ev.Error)
		}
	}
	return scanner.Err()
}

// WriteAnswerFooter writes the source references and quality flags that
// follow a streamed answer.
func WriteAnswerFooter(w io.Writer, answer *models.Answer) {
	for i, ref := range answer.SourceRefs {
		fmt.Fprintf(w, "[%d] %s p.%d: %q\n", i+1, ref.DocumentID, ref.PageNumber, ref.Quote)
	}
	if answer.DegradedCitations {
		fmt.Fprintln(w, "(some citations could not be verified and were dropped)")
	}
	if answer.WeakEvidence {
		fmt.Fprintln(w, "(the available documents only partially cover this question)")
	}
}

// WriteHistory writes persisted session messages in a readable transcript
// format.
func WriteHistory(w io.Writer, messages []*models.ChatMessage) {
	for _, msg := range messages {
		fmt.Fprintf(w, "%s: %s\n", msg.Role, msg.Content)
		if msg.Answer != nil && len(msg.Answer.SourceRefs) > 0 {
			WriteAnswerFooter(w, msg.Answer)
		}
	}
}
