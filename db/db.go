package db

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"chatd/models"
)

var ErrNoRows = errors.New("no rows found")

// DB is the durable record store behind the message store. The surface
// is deliberately narrow: single-row reads and writes, no transaction
// semantics assumed beyond single-row atomicity.
type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			username TEXT PRIMARY KEY,
			password_digest TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY,
			pair_key TEXT NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL,
			read INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS unread_counts (
			recipient TEXT NOT NULL,
			sender TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			last_at TEXT NOT NULL,
			PRIMARY KEY (recipient, sender)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(pair_key, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(recipient, sender, read, id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// Account methods

func (db *DB) GetAccount(username string) (models.Account, error) {
	var acc models.Account
	var active int
	err := db.conn.QueryRow(
		"SELECT username, password_digest, active FROM accounts WHERE username = ?",
		username,
	).Scan(&acc.Username, &acc.PasswordDigest, &active)
	if err == sql.ErrNoRows {
		return models.Account{}, ErrNoRows
	}
	if err != nil {
		return models.Account{}, err
	}
	acc.Active = active != 0
	return acc, nil
}

// UpsertAccount stores an account row, replacing any inactive remnant
// of the same username.
func (db *DB) UpsertAccount(acc models.Account) error {
	active := 0
	if acc.Active {
		active = 1
	}
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO accounts (username, password_digest, active) VALUES (?, ?, ?)",
		acc.Username, acc.PasswordDigest, active,
	)
	return err
}

func (db *DB) SetAccountActive(username string, active bool) error {
	val := 0
	if active {
		val = 1
	}
	result, err := db.conn.Exec("UPDATE accounts SET active = ? WHERE username = ?", val, username)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRows
	}
	return nil
}

func (db *DB) AllAccounts() ([]models.Account, error) {
	rows, err := db.conn.Query("SELECT username, password_digest, active FROM accounts ORDER BY username ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var acc models.Account
		var active int
		if err := rows.Scan(&acc.Username, &acc.PasswordDigest, &active); err != nil {
			return nil, err
		}
		acc.Active = active != 0
		accounts = append(accounts, acc)
	}

	return accounts, rows.Err()
}

// Message methods

// InsertMessage stores a message under a caller-assigned id. Inserting
// an id that already exists is a no-op, which is what makes replicated
// appends idempotent.
func (db *DB) InsertMessage(m models.Message, pairKey string) error {
	read := 0
	if m.Read {
		read = 1
	}
	_, err := db.conn.Exec(
		"INSERT OR IGNORE INTO messages (id, pair_key, sender, recipient, text, created_at, read) VALUES (?, ?, ?, ?, ?, ?, ?)",
		m.ID, pairKey, m.Sender, m.Recipient, m.Text, m.CreatedAt.UTC().Format(time.RFC3339Nano), read,
	)
	return err
}

func (db *DB) MaxMessageID() (int64, error) {
	var id sql.NullInt64
	err := db.conn.QueryRow("SELECT MAX(id) FROM messages").Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (db *DB) GetMessage(id int64) (models.Message, error) {
	var m models.Message
	var createdAt string
	var read int
	err := db.conn.QueryRow(
		"SELECT id, sender, recipient, text, created_at, read FROM messages WHERE id = ?",
		id,
	).Scan(&m.ID, &m.Sender, &m.Recipient, &m.Text, &createdAt, &read)
	if err == sql.ErrNoRows {
		return models.Message{}, ErrNoRows
	}
	if err != nil {
		return models.Message{}, err
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	m.Read = read != 0
	return m, nil
}

// MessagesForPair returns up to limit messages of one conversation pair
// with id strictly below beforeID (any negative beforeID means the most
// recent page), ordered ascending by id.
func (db *DB) MessagesForPair(pairKey string, beforeID int64, limit int) ([]models.Message, error) {
	query := `
		SELECT id, sender, recipient, text, created_at, read
		FROM messages
		WHERE pair_key = ? AND (? < 0 OR id < ?)
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := db.conn.Query(query, pairKey, beforeID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var createdAt string
		var read int
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Text, &createdAt, &read); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		m.Read = read != 0
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first for the LIMIT; display order is ascending.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (db *DB) DeleteMessage(id int64) error {
	result, err := db.conn.Exec("DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRows
	}
	return nil
}

// OldestUnreadIDs returns up to limit ids of unread messages from
// sender to recipient, oldest first.
func (db *DB) OldestUnreadIDs(recipient, sender string, limit int) ([]int64, error) {
	rows, err := db.conn.Query(
		"SELECT id FROM messages WHERE recipient = ? AND sender = ? AND read = 0 ORDER BY id ASC LIMIT ?",
		recipient, sender, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (db *DB) SetMessageRead(id int64) error {
	_, err := db.conn.Exec("UPDATE messages SET read = 1 WHERE id = ?", id)
	return err
}

// Unread counter methods

func (db *DB) UnreadCount(recipient, sender string) (int, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT count FROM unread_counts WHERE recipient = ? AND sender = ?",
		recipient, sender,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// AdjustUnread applies a delta to the (recipient, sender) counter,
// floored at zero. Increments also refresh the recency timestamp used
// to order the conversation listing.
func (db *DB) AdjustUnread(recipient, sender string, delta int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if delta > 0 {
		_, err := db.conn.Exec(`
			INSERT INTO unread_counts (recipient, sender, count, last_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(recipient, sender)
			DO UPDATE SET count = count + ?, last_at = ?`,
			recipient, sender, delta, now, delta, now,
		)
		return err
	}
	_, err := db.conn.Exec(
		"UPDATE unread_counts SET count = MAX(0, count + ?) WHERE recipient = ? AND sender = ?",
		delta, recipient, sender,
	)
	return err
}

// UnreadBySender returns the recipient's nonzero unread counters, most
// recently bumped first.
func (db *DB) UnreadBySender(recipient string) ([]models.ConvoEntry, error) {
	rows, err := db.conn.Query(
		"SELECT sender, count FROM unread_counts WHERE recipient = ? AND count > 0 ORDER BY last_at DESC, sender ASC",
		recipient,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ConvoEntry
	for rows.Next() {
		var e models.ConvoEntry
		if err := rows.Scan(&e.Username, &e.Unread); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Snapshot support

func (db *DB) AllMessages() ([]models.Message, error) {
	rows, err := db.conn.Query("SELECT id, sender, recipient, text, created_at, read FROM messages ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var createdAt string
		var read int
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Text, &createdAt, &read); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		m.Read = read != 0
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

type UnreadRow struct {
	Recipient string `json:"recipient"`
	Sender    string `json:"sender"`
	Count     int    `json:"count"`
}

func (db *DB) AllUnread() ([]UnreadRow, error) {
	rows, err := db.conn.Query("SELECT recipient, sender, count FROM unread_counts WHERE count > 0")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []UnreadRow
	for rows.Next() {
		var r UnreadRow
		if err := rows.Scan(&r.Recipient, &r.Sender, &r.Count); err != nil {
			return nil, err
		}
		counts = append(counts, r)
	}

	return counts, rows.Err()
}

// Reset drops all stored state. Used when adopting a snapshot on join.
func (db *DB) Reset() error {
	for _, query := range []string{
		"DELETE FROM accounts",
		"DELETE FROM messages",
		"DELETE FROM unread_counts",
	} {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}
