package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/leadchat/internal/domain"
	"github.com/ashureev/leadchat/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so customer creation
	// takes the write lock up front instead of failing on upgrade.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS owners (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS domains (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL REFERENCES owners(id),
		welcome_message TEXT NOT NULL DEFAULT '',
		helpdesk INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS domain_questions (
		id TEXT PRIMARY KEY,
		domain_id TEXT NOT NULL REFERENCES domains(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		question TEXT NOT NULL,
		answered TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_domain_questions_domain ON domain_questions(domain_id, position);

	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		domain_id TEXT NOT NULL REFERENCES domains(id) ON DELETE CASCADE,
		email TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(domain_id, email)
	);

	CREATE TABLE IF NOT EXISTS customer_responses (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		question TEXT NOT NULL,
		answered TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_customer_responses_open ON customer_responses(customer_id) WHERE answered IS NULL;

	CREATE TABLE IF NOT EXISTS chat_rooms (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL UNIQUE REFERENCES customers(id) ON DELETE CASCADE,
		live INTEGER NOT NULL DEFAULT 0,
		mailed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		chat_room_id TEXT NOT NULL REFERENCES chat_rooms(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		asks_intake INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(chat_room_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateOwner inserts an owner account.
func (s *SQLiteStore) CreateOwner(ctx context.Context, owner *domain.Owner) error {
	if owner.ID == "" {
		owner.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO owners (id, name, email) VALUES (?, ?, ?)`,
		owner.ID, owner.Name, owner.Email,
	)
	if err != nil {
		return fmt.Errorf("insert owner: %w", err)
	}
	return nil
}

// CreateDomain inserts a domain together with its intake questions.
func (s *SQLiteStore) CreateDomain(ctx context.Context, d *domain.Domain) (err error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin domain tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Warn("domain tx rollback failed", "error", rbErr)
			}
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO domains (id, name, owner_id, welcome_message, helpdesk, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.OwnerID, d.WelcomeMessage, d.Helpdesk, d.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if shared.IsSQLiteForeignKeyError(err) {
			return fmt.Errorf("owner %s: %w", d.OwnerID, ErrNotFound)
		}
		return fmt.Errorf("insert domain: %w", err)
	}

	for i := range d.Questions {
		q := &d.Questions[i]
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		q.Position = i
		_, err = tx.ExecContext(ctx,
			`INSERT INTO domain_questions (id, domain_id, position, question, answered) VALUES (?, ?, ?, ?, ?)`,
			q.ID, d.ID, q.Position, q.Text, nullString(q.Answer),
		)
		if err != nil {
			return fmt.Errorf("insert domain question: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit domain: %w", err)
	}
	return nil
}

// GetDomain retrieves a domain and its questions in position order.
func (s *SQLiteStore) GetDomain(ctx context.Context, domainID string) (*domain.Domain, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, welcome_message, helpdesk, created_at FROM domains WHERE id = ?`,
		domainID,
	)

	var d domain.Domain
	var createdAt int64
	err := row.Scan(&d.ID, &d.Name, &d.OwnerID, &d.WelcomeMessage, &d.Helpdesk, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("domain %s: %w", domainID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan domain row: %w", err)
	}
	d.CreatedAt = time.UnixMilli(createdAt).UTC()

	questions, err := s.queryQuestions(ctx,
		`SELECT id, position, question, answered FROM domain_questions WHERE domain_id = ? ORDER BY position, id`,
		domainID,
	)
	if err != nil {
		return nil, fmt.Errorf("load domain questions: %w", err)
	}
	d.Questions = questions

	return &d, nil
}

// GetOwnerContact returns the owner account of a domain.
func (s *SQLiteStore) GetOwnerContact(ctx context.Context, domainID string) (*domain.Owner, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT o.id, o.name, o.email FROM owners o JOIN domains d ON d.owner_id = o.id WHERE d.id = ?`,
		domainID,
	)
	var owner domain.Owner
	err := row.Scan(&owner.ID, &owner.Name, &owner.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("owner of domain %s: %w", domainID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan owner row: %w", err)
	}
	return &owner, nil
}

// FindCustomerByEmailPrefix returns the first customer whose email starts with prefix.
// Returns nil, nil when there is no match.
func (s *SQLiteStore) FindCustomerByEmailPrefix(ctx context.Context, domainID, prefix string) (*domain.Customer, error) {
	if prefix == "" {
		return nil, nil
	}

	query := `
		SELECT c.id, c.domain_id, c.email, c.created_at,
		       r.id, r.live, r.mailed, r.created_at, r.updated_at
		FROM customers c
		JOIN chat_rooms r ON r.customer_id = c.id
		WHERE c.domain_id = ? AND substr(c.email, 1, length(?)) = ?
		ORDER BY c.created_at, c.id
		LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, domainID, prefix, prefix)

	var c domain.Customer
	var createdAt, roomCreated, roomUpdated int64
	err := row.Scan(
		&c.ID, &c.DomainID, &c.Email, &createdAt,
		&c.ChatRoom.ID, &c.ChatRoom.Live, &c.ChatRoom.Mailed, &roomCreated, &roomUpdated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan customer row: %w", err)
	}
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	c.ChatRoom.CreatedAt = time.UnixMilli(roomCreated).UTC()
	c.ChatRoom.UpdatedAt = time.UnixMilli(roomUpdated).UTC()

	questions, err := s.queryQuestions(ctx,
		`SELECT id, position, question, answered FROM customer_responses WHERE customer_id = ? ORDER BY position, id`,
		c.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("load customer questions: %w", err)
	}
	c.Questions = questions

	return &c, nil
}

// CreateCustomer creates the customer, the question snapshot and the chat room in one transaction.
func (s *SQLiteStore) CreateCustomer(ctx context.Context, domainID, email string, questions []domain.Question) (_ *domain.Customer, err error) {
	now := s.now().UTC()
	c := &domain.Customer{
		ID:        uuid.NewString(),
		DomainID:  domainID,
		Email:     email,
		CreatedAt: now,
		ChatRoom: domain.ChatRoom{
			ID:        uuid.NewString(),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin customer tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Warn("customer tx rollback failed", "error", rbErr)
			}
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO customers (id, domain_id, email, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, domainID, email, now.UnixMilli(),
	)
	if err != nil {
		switch {
		case shared.IsSQLiteUniqueError(err):
			return nil, fmt.Errorf("customer %s: %w", email, ErrAlreadyExists)
		case shared.IsSQLiteForeignKeyError(err):
			return nil, fmt.Errorf("domain %s: %w", domainID, ErrNotFound)
		}
		return nil, fmt.Errorf("insert customer: %w", err)
	}

	c.Questions = make([]domain.Question, 0, len(questions))
	for i, q := range questions {
		snap := domain.Question{ID: uuid.NewString(), Text: q.Text, Position: i}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO customer_responses (id, customer_id, position, question) VALUES (?, ?, ?, ?)`,
			snap.ID, c.ID, snap.Position, snap.Text,
		)
		if err != nil {
			return nil, fmt.Errorf("insert customer question: %w", err)
		}
		c.Questions = append(c.Questions, snap)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chat_rooms (id, customer_id, live, mailed, created_at, updated_at) VALUES (?, ?, 0, 0, ?, ?)`,
		c.ChatRoom.ID, c.ID, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert chat room: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit customer: %w", err)
	}
	return c, nil
}

// GetChatRoom retrieves a chat room by ID.
func (s *SQLiteStore) GetChatRoom(ctx context.Context, chatRoomID string) (*domain.ChatRoom, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, live, mailed, created_at, updated_at FROM chat_rooms WHERE id = ?`,
		chatRoomID,
	)
	var room domain.ChatRoom
	var createdAt, updatedAt int64
	err := row.Scan(&room.ID, &room.Live, &room.Mailed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat room %s: %w", chatRoomID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat room row: %w", err)
	}
	room.CreatedAt = time.UnixMilli(createdAt).UTC()
	room.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &room, nil
}

// UpdateChatRoom applies a partial flag update. Setting Mailed without Live
// only succeeds while the room is live.
func (s *SQLiteStore) UpdateChatRoom(ctx context.Context, chatRoomID string, upd domain.ChatRoomUpdate) error {
	var sets []string
	var args []interface{}
	if upd.Live != nil {
		sets = append(sets, "live = ?")
		args = append(args, *upd.Live)
	}
	if upd.Mailed != nil {
		sets = append(sets, "mailed = ?")
		args = append(args, *upd.Mailed)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UTC().UnixMilli(), chatRoomID)

	query := `UPDATE chat_rooms SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	requireLive := upd.Mailed != nil && *upd.Mailed && upd.Live == nil
	if requireLive {
		query += ` AND live = 1`
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update chat room: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetChatRoom(ctx, chatRoomID); err != nil {
			return err
		}
		if requireLive {
			return fmt.Errorf("chat room %s: %w", chatRoomID, ErrNotLive)
		}
	}
	return nil
}

// AppendMessage appends msg to its chat room transcript.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	msg.ID = uuid.NewString()
	msg.CreatedAt = s.now().UTC()

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_room_id, role, content, asks_intake, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatRoomID, string(msg.Role), msg.Content, msg.AsksIntake, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if shared.IsSQLiteForeignKeyError(err) {
			return fmt.Errorf("chat room %s: %w", msg.ChatRoomID, ErrNotFound)
		}
		return fmt.Errorf("insert message: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get message seq: %w", err)
	}
	msg.Seq = seq
	return nil
}

// ListMessages returns the last limit messages of a chat room in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, chatRoomID string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT seq, id, chat_room_id, role, content, asks_intake, created_at FROM (
			SELECT seq, id, chat_room_id, role, content, asks_intake, created_at
			FROM messages WHERE chat_room_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, chatRoomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []*domain.Message
	for rows.Next() {
		var m domain.Message
		var role string
		var createdAt int64
		if err := rows.Scan(&m.Seq, &m.ID, &m.ChatRoomID, &role, &m.Content, &m.AsksIntake, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = domain.Role(role)
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// FindFirstUnansweredQuestion returns the customer's first unanswered question, or nil.
func (s *SQLiteStore) FindFirstUnansweredQuestion(ctx context.Context, customerID string, order QuestionOrder) (*domain.Question, error) {
	orderBy := "position, id"
	if order == OrderByText {
		orderBy = "question, position"
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, position, question FROM customer_responses
		 WHERE customer_id = ? AND answered IS NULL
		 ORDER BY `+orderBy+` LIMIT 1`,
		customerID,
	)
	var q domain.Question
	err := row.Scan(&q.ID, &q.Position, &q.Text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan question row: %w", err)
	}
	return &q, nil
}

// RecordAnswer stores the answer for a customer question. Already answered
// questions are left untouched.
func (s *SQLiteStore) RecordAnswer(ctx context.Context, questionID, answer string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE customer_responses SET answered = ? WHERE id = ? AND answered IS NULL`,
		answer, questionID,
	)
	if err != nil {
		return fmt.Errorf("record answer: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("RecordAnswer affected 0 rows", "question_id", questionID)
	}
	return nil
}

func (s *SQLiteStore) queryQuestions(ctx context.Context, query string, args ...interface{}) ([]domain.Question, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close question rows", "error", closeErr)
		}
	}()

	var out []domain.Question
	for rows.Next() {
		var q domain.Question
		var answered sql.NullString
		if err := rows.Scan(&q.ID, &q.Position, &q.Text, &answered); err != nil {
			return nil, err
		}
		if answered.Valid {
			a := answered.String
			q.Answer = &a
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)
