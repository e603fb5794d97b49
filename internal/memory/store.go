package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"leadbot/internal/domain"
	"leadbot/internal/logging"
)

// SQLStore implements domain.Store on SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	now     func() time.Time
}

type Options struct {
	Driver string // "sqlite" (default) | "postgres"
	DBPath string
	DSN    string
	Logger *slog.Logger
}

// Open connects to the configured database and applies pending migrations.
func Open(opts Options) (*SQLStore, error) {
	switch Dialect(opts.Driver) {
	case Postgres:
		return NewPostgresStore(opts.DSN, opts.Logger)
	case SQLite, "":
		return NewSQLiteStore(opts.DBPath, opts.Logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newMigrated(db, SQLite, logger)
}

func NewPostgresStore(dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot reach database: %w", err)
	}
	return newMigrated(db, Postgres, logger)
}

func newMigrated(db *sql.DB, d Dialect, logger *slog.Logger) (*SQLStore, error) {
	s := NewWithDB(db, d, logger)
	if err := RunMigrations(db, d, s.logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an already opened and migrated database.
func NewWithDB(db *sql.DB, d Dialect, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = logging.Discard()
	}
	return &SQLStore{
		db:      db,
		dialect: d,
		logger:  logger.With(logging.Component("store"), logging.Driver(string(d))),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLStore) Close() error { return s.db.Close() }

// Dialect reports the SQL flavour of the store.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

// --- Contacts ---

// UpsertContact inserts the contact or refreshes the stored one with the same
// channel and address. A blank name never overwrites a known one.
func (s *SQLStore) UpsertContact(ctx context.Context, c domain.Contact) (*domain.Contact, error) {
	if c.Channel == "" || c.Address == "" {
		return nil, errors.New("upsert contact: channel and address are required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.now()
	_, err := s.exec(ctx,
		`INSERT INTO contacts (id, channel, address, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (channel, address) DO UPDATE SET
		   name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE contacts.name END,
		   updated_at = excluded.updated_at`,
		c.ID, c.Channel, c.Address, c.Name, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}
	return s.FindContact(ctx, c.Channel, c.Address)
}

func (s *SQLStore) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	return s.scanContact(s.queryRow(ctx,
		`SELECT id, channel, address, name, created_at, updated_at FROM contacts WHERE id = ?`, id,
	))
}

// FindContact looks a contact up by its channel address.
func (s *SQLStore) FindContact(ctx context.Context, channel, address string) (*domain.Contact, error) {
	return s.scanContact(s.queryRow(ctx,
		`SELECT id, channel, address, name, created_at, updated_at FROM contacts WHERE channel = ? AND address = ?`,
		channel, address,
	))
}

func (s *SQLStore) scanContact(row *sql.Row) (*domain.Contact, error) {
	var c domain.Contact
	err := row.Scan(&c.ID, &c.Channel, &c.Address, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// --- Conversations ---

// FindConversationByContact returns nil, nil when the contact has none.
func (s *SQLStore) FindConversationByContact(ctx context.Context, contactID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.queryRow(ctx,
		`SELECT id, contact_id, COALESCE(thread_id, ''), channel, created_at, updated_at
		 FROM conversations WHERE contact_id = ?`, contactID,
	).Scan(&conv.ID, &conv.ContactID, &conv.ThreadID, &conv.Channel, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateConversation is a no-op when the contact already has a conversation.
func (s *SQLStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	now := s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	var threadID any
	if conv.ThreadID != "" {
		threadID = conv.ThreadID
	}
	_, err := s.exec(ctx,
		`INSERT INTO conversations (id, contact_id, thread_id, channel, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (contact_id) DO NOTHING`,
		conv.ID, conv.ContactID, threadID, conv.Channel, conv.CreatedAt, conv.UpdatedAt,
	)
	return err
}

func (s *SQLStore) UpdateConversationChannel(ctx context.Context, id, channel string) error {
	res, err := s.exec(ctx,
		`UPDATE conversations SET channel = ?, updated_at = ? WHERE id = ?`,
		channel, s.now(), id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetThreadID attaches threadID unless a thread is already attached, then
// returns whichever id is stored.
func (s *SQLStore) SetThreadID(ctx context.Context, id, threadID string) (string, error) {
	if _, err := s.exec(ctx,
		`UPDATE conversations SET thread_id = ?, updated_at = ?
		 WHERE id = ? AND (thread_id IS NULL OR thread_id = '')`,
		threadID, s.now(), id,
	); err != nil {
		return "", err
	}
	var stored string
	err := s.queryRow(ctx, `SELECT COALESCE(thread_id, '') FROM conversations WHERE id = ?`, id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return stored, nil
}

// --- Messages ---

func (s *SQLStore) AddMessage(ctx context.Context, msg domain.MessageRecord) error {
	now := s.now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.Type == "" {
		msg.Type = domain.TypeText
	}
	_, err := s.exec(ctx,
		`INSERT INTO messages (id, conversation_id, content, sender, type, media_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Content, string(msg.Sender), string(msg.Type), msg.MediaURL, msg.CreatedAt,
	)
	if err != nil {
		return err
	}

	_, _ = s.exec(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, msg.ConversationID)
	return nil
}

// GetMessages returns the last limit messages, oldest first.
func (s *SQLStore) GetMessages(ctx context.Context, convID string, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.query(ctx,
		`SELECT id, conversation_id, content, sender, type, media_url, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC LIMIT ?`, convID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.MessageRecord
	for rows.Next() {
		var m domain.MessageRecord
		var sender, msgType string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Content, &sender, &msgType, &m.MediaURL, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Sender = domain.SenderRole(sender)
		m.Type = domain.MessageType(msgType)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Stats is a row count summary shown by `leadbot status`.
type Stats struct {
	Contacts      int
	Conversations int
	WithThread    int
	Messages      int
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.queryRow(ctx, `SELECT
		(SELECT COUNT(*) FROM contacts),
		(SELECT COUNT(*) FROM conversations),
		(SELECT COUNT(*) FROM conversations WHERE thread_id IS NOT NULL AND thread_id <> ''),
		(SELECT COUNT(*) FROM messages)`,
	).Scan(&st.Contacts, &st.Conversations, &st.WithThread, &st.Messages)
	return st, err
}

// Snapshot writes a consistent copy of a SQLite database to path.
func (s *SQLStore) Snapshot(ctx context.Context, path string) error {
	if s.dialect != SQLite {
		return fmt.Errorf("snapshot is not supported on %s, use the database's own dump tool", s.dialect)
	}
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path)
	return err
}
