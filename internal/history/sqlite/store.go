package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"switchboard/internal/domain"
	"switchboard/internal/history"

	_ "modernc.org/sqlite"
)

const DefaultBuckets = 16

const historySchema = `
CREATE TABLE IF NOT EXISTS history (
	message_id INTEGER PRIMARY KEY,
	chat_id INTEGER NOT NULL,
	sender_id INTEGER NOT NULL,
	receiver_id INTEGER NOT NULL,
	payload BLOB NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_chat_message ON history(chat_id, message_id);

CREATE TRIGGER IF NOT EXISTS trg_history_no_update
BEFORE UPDATE ON history
BEGIN
	SELECT RAISE(ABORT, 'history is append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_history_no_delete
BEFORE DELETE ON history
BEGIN
	SELECT RAISE(ABORT, 'history is append-only: DELETE forbidden');
END;
`

// Store keeps chat history in one SQLite file per chat bucket. Files are
// opened lazily.
type Store struct {
	baseDir string
	buckets int

	mu  sync.Mutex
	dbs map[int]*sql.DB
}

var _ history.Store = (*Store)(nil)

func NewStore(baseDir string, buckets int) (*Store, error) {
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	return &Store{baseDir: baseDir, buckets: buckets, dbs: make(map[int]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.dbs = make(map[int]*sql.DB)
	return errors.Join(errs...)
}

// Append stores msg. Appending a message id that is already stored is a
// no-op.
func (s *Store) Append(ctx context.Context, msg domain.HistoryMessage) error {
	if msg.MessageID <= 0 {
		return fmt.Errorf("%w: message_id is required", history.ErrInvalidQuery)
	}
	if msg.ChatID == 0 {
		msg.ChatID = history.ChatID(msg.SenderID, msg.ReceiverID)
	}
	db, err := s.bucketDB(msg.ChatID)
	if err != nil {
		return err
	}
	payload := msg.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO history(message_id, chat_id, sender_id, receiver_id, payload, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO NOTHING`,
		msg.MessageID, msg.ChatID, int64(msg.SenderID), int64(msg.ReceiverID), payload, msg.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("append message %d: %w", msg.MessageID, err)
	}
	return nil
}

func (s *Store) GetHistory(ctx context.Context, userID, peerID domain.ClientID, olderThan int64, limit int) (history.Page, error) {
	if userID == 0 || peerID == 0 {
		return history.Page{}, fmt.Errorf("%w: user and peer are required", history.ErrInvalidQuery)
	}
	chatID := history.ChatID(userID, peerID)
	limit = history.NormalizeLimit(limit)
	if olderThan <= 0 {
		olderThan = 1<<63 - 1
	}
	db, err := s.bucketDB(chatID)
	if err != nil {
		return history.Page{}, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT message_id, chat_id, sender_id, receiver_id, payload, created_at_ms
FROM history
WHERE chat_id = ? AND message_id < ?
  AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))
ORDER BY message_id DESC
LIMIT ?`, chatID, olderThan, int64(userID), int64(peerID), int64(peerID), int64(userID), limit)
	if err != nil {
		return history.Page{}, err
	}
	defer rows.Close()

	page := history.Page{Messages: make([]domain.HistoryMessage, 0, limit)}
	for rows.Next() {
		var (
			m                domain.HistoryMessage
			sender, receiver int64
		)
		if err := rows.Scan(&m.MessageID, &m.ChatID, &sender, &receiver, &m.Payload, &m.CreatedAtMs); err != nil {
			return history.Page{}, err
		}
		m.SenderID, m.ReceiverID = domain.ClientID(sender), domain.ClientID(receiver)
		page.Messages = append(page.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return history.Page{}, err
	}
	if len(page.Messages) == limit {
		page.NextOlderThan = page.Messages[len(page.Messages)-1].MessageID
	}
	return page, nil
}

func (s *Store) bucketFor(chatID int64) int {
	return int(uint64(chatID) % uint64(s.buckets))
}

func (s *Store) bucketDB(chatID int64) (*sql.DB, error) {
	b := s.bucketFor(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[b]; ok {
		return db, nil
	}
	path := filepath.Join(s.baseDir, fmt.Sprintf("history-b%02d.db", b))
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(historySchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.dbs[b] = db
	return db, nil
}

// openSQLite applies pragmas through the DSN so that every pooled
// connection gets them.
func openSQLite(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}
