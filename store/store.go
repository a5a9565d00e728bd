// Package store owns message and unread-count state for all
// conversation pairs. It is a pure data-plane component: nothing here
// knows about transports, sessions, or replication.
package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"chatd/db"
	"chatd/models"
)

// Domain errors. These are caller mistakes, not server faults, and map
// to wire error codes at the protocol boundary.
var (
	ErrUserTaken = errors.New("username already taken")
	ErrUserDNE   = errors.New("username does not exist")
	ErrWrongPass = errors.New("incorrect password")
	ErrIDAbsent  = errors.New("message id does not exist")
)

// ErrStorage wraps an exhausted-retries failure of the underlying
// record store. Surfaces to clients as DB_ERROR.
var ErrStorage = errors.New("record store unavailable")

const (
	// DefaultHistoryLimit caps one READ page.
	DefaultHistoryLimit = 20

	storageAttempts = 3
	storageBackoff  = 25 * time.Millisecond
)

// PairKey builds the unordered conversation key for two usernames.
func PairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "|" + b
}

// Store implements the message/unread bookkeeping on top of the narrow
// db repository. Message ids come from one strictly increasing counter,
// so ids are never reused and within any conversation pair they grow
// monotonically; appends for the same pair are serialized by a per-pair
// lock while different pairs proceed in parallel.
type Store struct {
	repo *db.DB

	idMu   sync.Mutex
	nextID int64

	pairMu sync.Mutex
	pairs  map[string]*sync.Mutex
}

func New(repo *db.DB) (*Store, error) {
	maxID, err := repo.MaxMessageID()
	if err != nil {
		return nil, err
	}
	return &Store{
		repo:   repo,
		nextID: maxID,
		pairs:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) pairLock(pairKey string) *sync.Mutex {
	s.pairMu.Lock()
	defer s.pairMu.Unlock()
	mu, ok := s.pairs[pairKey]
	if !ok {
		mu = &sync.Mutex{}
		s.pairs[pairKey] = mu
	}
	return mu
}

// NextID hands out the next message id for the pair. The single
// allocator guarantees no id is ever assigned twice, even under
// concurrent sends for the same pair.
func (s *Store) NextID(pairKey string) int64 {
	_ = pairKey // ids are unique across all pairs, which keeps deletes unambiguous
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *Store) bumpNextID(id int64) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	if id > s.nextID {
		s.nextID = id
	}
}

func (s *Store) withRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < storageAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		time.Sleep(storageBackoff)
	}
	return errors.Join(ErrStorage, err)
}

// Account operations

// CreateAccount registers a username. A username whose account was
// deleted may be taken again; only an existing active account blocks it.
func (s *Store) CreateAccount(username, digest string) error {
	acc, err := s.repo.GetAccount(username)
	if err == nil && acc.Active {
		return ErrUserTaken
	}
	if err != nil && err != db.ErrNoRows {
		return errors.Join(ErrStorage, err)
	}
	return s.withRetry(func() error {
		return s.repo.UpsertAccount(models.Account{Username: username, PasswordDigest: digest, Active: true})
	})
}

// Authenticate checks a login against the stored digest. Digests are
// hashed before the wire boundary, so equality is the whole comparison.
func (s *Store) Authenticate(username, digest string) error {
	acc, err := s.repo.GetAccount(username)
	if err == db.ErrNoRows {
		return ErrUserDNE
	}
	if err != nil {
		return errors.Join(ErrStorage, err)
	}
	if !acc.Active {
		return ErrUserDNE
	}
	if acc.PasswordDigest != digest {
		return ErrWrongPass
	}
	return nil
}

// DeactivateAccount flips the account inactive. Message rows are kept:
// counterparts retain their side of the history.
func (s *Store) DeactivateAccount(username string) error {
	acc, err := s.repo.GetAccount(username)
	if err == db.ErrNoRows {
		return ErrUserDNE
	}
	if err != nil {
		return errors.Join(ErrStorage, err)
	}
	if !acc.Active {
		return ErrUserDNE
	}
	return s.withRetry(func() error {
		return s.repo.SetAccountActive(username, false)
	})
}

// IsActive reports whether the username names an active account.
func (s *Store) IsActive(username string) (bool, error) {
	acc, err := s.repo.GetAccount(username)
	if err == db.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Join(ErrStorage, err)
	}
	return acc.Active, nil
}

// Message operations

// Append assigns the next id, stamps the store's own clock, and records
// the message. When the recipient is currently viewing this
// conversation the row is born read and no unread counter moves, so the
// counter always equals the number of unread rows.
func (s *Store) Append(sender, recipient, text string, recipientViewing bool) (models.Message, error) {
	pairKey := PairKey(sender, recipient)
	mu := s.pairLock(pairKey)
	mu.Lock()
	defer mu.Unlock()

	m := models.Message{
		ID:        s.NextID(pairKey),
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		CreatedAt: time.Now().UTC(),
		Read:      recipientViewing,
	}

	if err := s.withRetry(func() error { return s.repo.InsertMessage(m, pairKey) }); err != nil {
		return models.Message{}, err
	}
	if !m.Read {
		if err := s.withRetry(func() error { return s.repo.AdjustUnread(recipient, sender, 1) }); err != nil {
			return models.Message{}, err
		}
	}
	return m, nil
}

// ApplyReplica applies a replicated append. Keyed by message id: a
// duplicate replica of the same write is a no-op.
func (s *Store) ApplyReplica(m models.Message) error {
	pairKey := PairKey(m.Sender, m.Recipient)
	mu := s.pairLock(pairKey)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.repo.GetMessage(m.ID); err == nil {
		return nil
	} else if err != db.ErrNoRows {
		return errors.Join(ErrStorage, err)
	}

	if err := s.withRetry(func() error { return s.repo.InsertMessage(m, pairKey) }); err != nil {
		return err
	}
	s.bumpNextID(m.ID)
	if !m.Read {
		return s.withRetry(func() error { return s.repo.AdjustUnread(m.Recipient, m.Sender, 1) })
	}
	return nil
}

// History returns one page of the conversation, ascending by id, along
// with whether the earliest returned message was sent by the viewer
// (the legacy encoding's compact run grouping starts from that flag).
func (s *Store) History(viewer, peer string, oldestID int64, limit int) ([]models.Message, bool, error) {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}

	msgs, err := s.repo.MessagesForPair(PairKey(viewer, peer), oldestID, limit)
	if err != nil {
		return nil, false, errors.Join(ErrStorage, err)
	}

	viewerFirst := len(msgs) > 0 && msgs[0].Sender == viewer
	return msgs, viewerFirst, nil
}

// MarkRead flips the oldest count unread messages from peer to viewer
// and lowers the counter accordingly, floored at zero. Counts beyond
// the outstanding unread are absorbed, so re-acking is harmless.
func (s *Store) MarkRead(viewer, peer string, count int) error {
	if count <= 0 {
		return nil
	}

	mu := s.pairLock(PairKey(viewer, peer))
	mu.Lock()
	defer mu.Unlock()

	ids, err := s.repo.OldestUnreadIDs(viewer, peer, count)
	if err != nil {
		return errors.Join(ErrStorage, err)
	}
	for _, id := range ids {
		id := id
		if err := s.withRetry(func() error { return s.repo.SetMessageRead(id) }); err != nil {
			return err
		}
	}
	return s.withRetry(func() error { return s.repo.AdjustUnread(viewer, peer, -count) })
}

// DeleteOutcome reports one id of a delete request with enough context
// for the caller to notify the surviving participant.
type DeleteOutcome struct {
	ID        int64  `json:"id"`
	Found     bool   `json:"found"`
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	WasUnread bool   `json:"was_unread,omitempty"`
}

// Delete hard-removes each id, visible to both participants. Absent ids
// fail individually, never the batch.
func (s *Store) Delete(ids []int64) ([]DeleteOutcome, error) {
	outcomes := make([]DeleteOutcome, 0, len(ids))
	for _, id := range ids {
		m, err := s.repo.GetMessage(id)
		if err == db.ErrNoRows {
			outcomes = append(outcomes, DeleteOutcome{ID: id})
			continue
		}
		if err != nil {
			return nil, errors.Join(ErrStorage, err)
		}

		mu := s.pairLock(PairKey(m.Sender, m.Recipient))
		mu.Lock()
		err = s.withRetry(func() error { return s.repo.DeleteMessage(m.ID) })
		if err == nil && !m.Read {
			err = s.withRetry(func() error { return s.repo.AdjustUnread(m.Recipient, m.Sender, -1) })
		}
		mu.Unlock()
		if err != nil {
			return nil, err
		}

		outcomes = append(outcomes, DeleteOutcome{
			ID:        id,
			Found:     true,
			Sender:    m.Sender,
			Recipient: m.Recipient,
			WasUnread: !m.Read,
		})
	}
	return outcomes, nil
}

// Unread returns the (viewer, peer) counter.
func (s *Store) Unread(viewer, peer string) (int, error) {
	count, err := s.repo.UnreadCount(viewer, peer)
	if err != nil {
		return 0, errors.Join(ErrStorage, err)
	}
	return count, nil
}

// Conversations builds the login listing: counterparts with unread
// messages first, most recently active on top, then every other active
// account alphabetically with a zero count.
func (s *Store) Conversations(viewer string) ([]models.ConvoEntry, error) {
	unread, err := s.repo.UnreadBySender(viewer)
	if err != nil {
		return nil, errors.Join(ErrStorage, err)
	}

	seen := make(map[string]bool, len(unread))
	for _, e := range unread {
		seen[e.Username] = true
	}

	accounts, err := s.repo.AllAccounts()
	if err != nil {
		return nil, errors.Join(ErrStorage, err)
	}

	entries := unread
	var rest []models.ConvoEntry
	for _, acc := range accounts {
		if !acc.Active || acc.Username == viewer || seen[acc.Username] {
			continue
		}
		rest = append(rest, models.ConvoEntry{Username: acc.Username})
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Username < rest[j].Username })
	return append(entries, rest...), nil
}

// Replication snapshot

// Snapshot is the full state handed to a joining backup.
type Snapshot struct {
	Accounts []models.Account `json:"accounts"`
	Messages []models.Message `json:"messages"`
	Unread   []db.UnreadRow   `json:"unread"`
}

func (s *Store) Snapshot() (*Snapshot, error) {
	accounts, err := s.repo.AllAccounts()
	if err != nil {
		return nil, errors.Join(ErrStorage, err)
	}
	messages, err := s.repo.AllMessages()
	if err != nil {
		return nil, errors.Join(ErrStorage, err)
	}
	unread, err := s.repo.AllUnread()
	if err != nil {
		return nil, errors.Join(ErrStorage, err)
	}
	return &Snapshot{Accounts: accounts, Messages: messages, Unread: unread}, nil
}

// Restore adopts a snapshot verbatim, replacing all local state.
func (s *Store) Restore(snap *Snapshot) error {
	if err := s.repo.Reset(); err != nil {
		return errors.Join(ErrStorage, err)
	}
	for _, acc := range snap.Accounts {
		if err := s.repo.UpsertAccount(acc); err != nil {
			return errors.Join(ErrStorage, err)
		}
	}
	var maxID int64
	for _, m := range snap.Messages {
		if err := s.repo.InsertMessage(m, PairKey(m.Sender, m.Recipient)); err != nil {
			return errors.Join(ErrStorage, err)
		}
		if m.ID > maxID {
			maxID = m.ID
		}
	}
	for _, row := range snap.Unread {
		if err := s.repo.AdjustUnread(row.Recipient, row.Sender, row.Count); err != nil {
			return errors.Join(ErrStorage, err)
		}
	}
	s.bumpNextID(maxID)
	return nil
}
