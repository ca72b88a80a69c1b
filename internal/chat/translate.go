package chat

import (
	"context"
	"time"

	"github.com/avelin/parley/internal/domain"
)

// Translator is an optional asynchronous enrichment collaborator.
// Absence or failure must never block message send or receive.
type Translator interface {
	Translate(ctx context.Context, text, fromLang, toLang string) (string, error)
}

const translateTimeout = 15 * time.Second

// maybeTranslate backfills a translation into an already-merged
// message. Runs detached; the Translations field is the one thing
// updated after creation, and it is replaced, never written in place.
func (r *Reconciler) maybeTranslate(msg domain.ChatMessage) {
	if r.translator == nil || msg.IsMine {
		return
	}
	if msg.Lang == "" || msg.Lang == r.self.Lang || msg.Text == PlaceholderText {
		return
	}
	if _, ok := msg.Translations[r.self.Lang]; ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), translateTimeout)
		defer cancel()

		translated, err := r.translator.Translate(ctx, msg.Text, msg.Lang, r.self.Lang)
		if err != nil {
			r.log.Debug().Err(err).Str("id", msg.ID).Msg("translation unavailable")
			return
		}

		r.mu.Lock()
		for i := range r.list {
			if r.list[i].ID == msg.ID {
				// Snapshots from Messages() share the current map, so the
				// backfill swaps in a fresh one instead of mutating it.
				next := make(map[string]string, len(r.list[i].Translations)+1)
				for k, v := range r.list[i].Translations {
					next[k] = v
				}
				next[r.self.Lang] = translated
				r.list[i].Translations = next
				break
			}
		}
		r.mu.Unlock()
	}()
}
