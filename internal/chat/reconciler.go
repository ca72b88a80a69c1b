// Package chat merges the two independently-arriving copies of room
// messages -- live broadcast frames and durable history rows -- into
// one chronologically ordered, duplicate-free list per room session.
package chat

import (
	"context"
	"encoding/base64"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avelin/parley/internal/crypto"
	"github.com/avelin/parley/internal/domain"
	"github.com/avelin/parley/internal/envelope"
	"github.com/avelin/parley/internal/store"
)

// PlaceholderText replaces any payload this instance cannot decrypt.
// The session keeps functioning; only the one message is unreadable.
const PlaceholderText = "Encrypted message"

const (
	// DefaultPollInterval is the reconciliation cadence against the
	// store, compensating for the channel's best-effort delivery.
	DefaultPollInterval = time.Second

	decryptBatchSize = 20
)

// HistoryStore is the slice of the durable store the reconciler needs.
type HistoryStore interface {
	InsertMessage(store.MessageRow) error
	MessagesForRoom(domain.RoomID, domain.UserID) ([]store.MessageRow, error)
	MessagesSince(domain.RoomID, domain.UserID, int64) ([]store.MessageRow, error)
	HideRoomMessages(domain.RoomID, domain.UserID) error
}

// Publisher is the outbound side of the broadcast channel.
type Publisher interface {
	Publish(*envelope.Envelope) error
}

// Reconciler owns one room's message list and seen-id set. All
// mutation paths (live delivery, poll merge, local send, clear)
// serialize through its mutex.
type Reconciler struct {
	roomID domain.RoomID
	self   domain.Participant
	key    []byte

	store      HistoryStore
	pub        Publisher
	translator Translator
	poll       time.Duration
	log        zerolog.Logger

	// OnAppend, when set before Start, is invoked (outside the lock)
	// for every message that survives the idempotent merge.
	OnAppend func(domain.ChatMessage)

	mu     sync.Mutex
	seen   map[string]struct{}
	list   []domain.ChatMessage
	lastTS int64
}

type Option func(*Reconciler)

func WithPollInterval(d time.Duration) Option {
	return func(r *Reconciler) { r.poll = d }
}

func WithTranslator(t Translator) Option {
	return func(r *Reconciler) { r.translator = t }
}

func NewReconciler(roomID domain.RoomID, self domain.Participant, key []byte, hs HistoryStore, pub Publisher, opts ...Option) *Reconciler {
	r := &Reconciler{
		roomID: roomID,
		self:   self,
		key:    key,
		store:  hs,
		pub:    pub,
		poll:   DefaultPollInterval,
		log:    log.With().Str("module", "chat.reconciler").Str("room", string(roomID)).Logger(),
		seen:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadHistory fetches the full room history once and seeds the list
// and seen-id set. Decryption runs in concurrent batches for
// throughput; results keep the store's chronological order.
func (r *Reconciler) LoadHistory() error {
	rows, err := r.store.MessagesForRoom(r.roomID, r.self.ID)
	if err != nil {
		return err
	}
	msgs := r.decryptRows(rows)

	r.mu.Lock()
	r.list = msgs
	r.seen = make(map[string]struct{}, len(msgs))
	for i := range msgs {
		r.seen[msgs[i].ID] = struct{}{}
	}
	for i := range rows {
		if rows[i].CreatedAt > r.lastTS {
			r.lastTS = rows[i].CreatedAt
		}
	}
	r.mu.Unlock()

	r.log.Info().Int("messages", len(msgs)).Msg("history loaded")
	return nil
}

// decryptRows decrypts in batches of decryptBatchSize. Each batch fans
// out one goroutine per row writing to its own index, so concurrency
// accelerates decryption without ever reordering the output.
func (r *Reconciler) decryptRows(rows []store.MessageRow) []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(rows))
	for start := 0; start < len(rows); start += decryptBatchSize {
		end := min(start+decryptBatchSize, len(rows))
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out[i] = r.decryptRow(rows[i])
			}()
		}
		wg.Wait()
	}
	return out
}

func (r *Reconciler) decryptRow(row store.MessageRow) domain.ChatMessage {
	msg := domain.ChatMessage{
		ID:           row.MessageID,
		SenderID:     row.SenderID,
		SenderName:   row.SenderName,
		Lang:         row.Lang,
		Translations: row.Translations,
		Timestamp:    row.CreatedAt,
		IsMine:       row.SenderID == r.self.ID,
		Attachment:   row.Attachment,
	}
	msg.Text = r.openPayload(row.Ciphertext, row.Nonce)
	return msg
}

func (r *Reconciler) openPayload(ciphertextB64, nonceB64 string) string {
	ct, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return PlaceholderText
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return PlaceholderText
	}
	plaintext, err := crypto.Open(r.key, nonce, ct)
	if err != nil {
		return PlaceholderText
	}
	return string(plaintext)
}

// Receive handles one live chat envelope from the channel. A copy
// whose id is already known is discarded; merge is idempotent.
func (r *Reconciler) Receive(env *envelope.Envelope) {
	if env.Type != envelope.KindChat || env.ID == "" {
		return
	}

	msg := domain.ChatMessage{
		ID:           env.ID,
		SenderID:     env.SenderID,
		SenderName:   env.SenderName,
		Lang:         env.Lang,
		Translations: env.Translations,
		Timestamp:    env.Timestamp,
		IsMine:       env.SenderID == r.self.ID,
		Attachment:   env.Attachment,
	}
	if env.IsEncrypted {
		msg.Text = r.openPayload(env.Text, env.IV)
	} else {
		msg.Text = env.Text
	}

	if r.merge(msg, 0) {
		r.maybeTranslate(msg)
	}
}

// merge appends a message unless its id was already seen. storeTS is
// non-zero for store-origin rows and advances the poll watermark.
// Returns true when the message was new.
func (r *Reconciler) merge(msg domain.ChatMessage, storeTS int64) bool {
	r.mu.Lock()
	if _, dup := r.seen[msg.ID]; dup {
		if storeTS > r.lastTS {
			r.lastTS = storeTS
		}
		r.mu.Unlock()
		return false
	}
	r.seen[msg.ID] = struct{}{}
	r.list = append(r.list, msg)
	if n := len(r.list); n > 1 && r.list[n-1].Timestamp < r.list[n-2].Timestamp {
		sort.SliceStable(r.list, func(i, j int) bool {
			return r.list[i].Timestamp < r.list[j].Timestamp
		})
	}
	if storeTS > r.lastTS {
		r.lastTS = storeTS
	}
	notify := r.OnAppend
	r.mu.Unlock()

	if notify != nil {
		notify(msg)
	}
	return true
}

// Send encrypts and dispatches one outbound message. The local append
// happens optimistically first, so the sender always sees their own
// message. A store failure is returned to the caller; a publish
// failure is logged and swallowed because the store row will reach the
// other side through their reconciliation poll.
func (r *Reconciler) Send(text string, attachment *domain.Attachment) (domain.ChatMessage, error) {
	ct, nonce, err := crypto.Seal(r.key, []byte(text))
	if err != nil {
		return domain.ChatMessage{}, err
	}
	ctB64 := base64.StdEncoding.EncodeToString(ct)
	nonceB64 := base64.StdEncoding.EncodeToString(nonce)

	msg := domain.ChatMessage{
		ID:         uuid.NewString(),
		Text:       text,
		SenderID:   r.self.ID,
		SenderName: r.self.Name,
		Lang:       r.self.Lang,
		Timestamp:  time.Now().UnixMilli(),
		IsMine:     true,
		Attachment: attachment,
	}
	r.merge(msg, 0)

	storeErr := r.store.InsertMessage(store.MessageRow{
		MessageID:  msg.ID,
		RoomID:     r.roomID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Ciphertext: ctB64,
		Nonce:      nonceB64,
		Lang:       msg.Lang,
		Attachment: attachment,
		CreatedAt:  msg.Timestamp,
	})
	if storeErr != nil {
		r.log.Error().Err(storeErr).Str("id", msg.ID).Msg("persist message failed")
	}

	if err := r.pub.Publish(&envelope.Envelope{
		Type:        envelope.KindChat,
		ID:          msg.ID,
		Text:        ctB64,
		IV:          nonceB64,
		IsEncrypted: true,
		Lang:        msg.Lang,
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderName,
		Timestamp:   msg.Timestamp,
		Attachment:  attachment,
	}); err != nil {
		// Non-fatal: the remote reconciler picks the row up from the store.
		r.log.Warn().Err(err).Str("id", msg.ID).Msg("live publish failed")
	}

	return msg, storeErr
}

// Start runs the periodic reconciliation poll until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.pollOnce()
			}
		}
	}()
}

func (r *Reconciler) pollOnce() {
	r.mu.Lock()
	since := r.lastTS
	r.mu.Unlock()

	rows, err := r.store.MessagesSince(r.roomID, r.self.ID, since)
	if err != nil {
		r.log.Warn().Err(err).Msg("reconciliation poll failed")
		return
	}
	for i := range rows {
		msg := r.decryptRow(rows[i])
		if r.merge(msg, rows[i].CreatedAt) {
			r.maybeTranslate(msg)
		}
	}
}

// ClearHistory is the only path allowed to replace the list wholesale:
// hide every current row for this user, reset local state, then reload
// the now-filtered history.
func (r *Reconciler) ClearHistory() error {
	if err := r.store.HideRoomMessages(r.roomID, r.self.ID); err != nil {
		return err
	}

	r.mu.Lock()
	r.list = nil
	r.seen = make(map[string]struct{})
	r.lastTS = 0
	r.mu.Unlock()

	return r.LoadHistory()
}

// Messages returns a snapshot copy of the merged list.
func (r *Reconciler) Messages() []domain.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ChatMessage, len(r.list))
	copy(out, r.list)
	return out
}
