package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"
)

type Store struct {
	DB *sql.DB
}

// ConversationRecord is one persisted prompt/response exchange.
type ConversationRecord struct {
	ID              string
	UserID          string
	Prompt          string
	Response        string
	Model           string
	ComplianceScore float64
	LatencyMS       int64
	CreatedAt       time.Time
}

// KnowledgeRow is one stored knowledge snippet.
type KnowledgeRow struct {
	ID        string
	UserID    string
	Title     string
	Content   string
	CreatedAt time.Time
}

// AuthEventRecord is one immutable audit log entry.
type AuthEventRecord struct {
	UserID   string
	Kind     string
	Severity string
	Message  string
	IP       string
	Metadata map[string]interface{}
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) CreateUser(ctx context.Context, email, hash, name, role string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash, name, role) VALUES ($1,$2,$3,$4) RETURNING id`,
		email, hash, name, role).Scan(&id)
	return id, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id, hash, name, role string, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT id, password_hash, name, role FROM users WHERE email=$1`, email).
		Scan(&id, &hash, &name, &role)
	return
}

func (s *Store) GetUserByID(ctx context.Context, id string) (email, name, role string, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT email, name, role FROM users WHERE id=$1`, id).
		Scan(&email, &name, &role)
	return
}

func (s *Store) SaveConversation(ctx context.Context, rec ConversationRecord) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO conversations (user_id, prompt, response, model, compliance_score, latency_ms) VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.UserID, rec.Prompt, rec.Response, rec.Model, rec.ComplianceScore, rec.LatencyMS)
	return err
}

func (s *Store) InsertKnowledge(ctx context.Context, userID, title, content string) (string, error) {
	var owner interface{}
	if userID != "" {
		owner = userID
	}
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO knowledge (user_id, title, content) VALUES ($1,$2,$3) RETURNING id`,
		owner, title, content).Scan(&id)
	return id, err
}

// SearchKnowledge is the direct-lookup retrieval fallback: a case-insensitive
// substring match scoped to the owner when one is given.
func (s *Store) SearchKnowledge(ctx context.Context, query, ownerID string, topK int) ([]KnowledgeRow, error) {
	if topK <= 0 {
		topK = 5
	}
	pattern := "%" + query + "%"
	var (
		rows *sql.Rows
		err  error
	)
	if ownerID != "" {
		rows, err = s.DB.QueryContext(ctx,
			`SELECT id, COALESCE(user_id::text,''), title, content, created_at FROM knowledge
			 WHERE user_id=$1 AND (title ILIKE $2 OR content ILIKE $2)
			 ORDER BY created_at DESC LIMIT $3`, ownerID, pattern, topK)
	} else {
		rows, err = s.DB.QueryContext(ctx,
			`SELECT id, COALESCE(user_id::text,''), title, content, created_at FROM knowledge
			 WHERE title ILIKE $1 OR content ILIKE $1
			 ORDER BY created_at DESC LIMIT $2`, pattern, topK)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []KnowledgeRow
	for rows.Next() {
		var k KnowledgeRow
		if err := rows.Scan(&k.ID, &k.UserID, &k.Title, &k.Content, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ListKnowledge returns the most recent snippets, used to warm the local
// search mirror at startup.
func (s *Store) ListKnowledge(ctx context.Context, limit int) ([]KnowledgeRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, COALESCE(user_id::text,''), title, content, created_at FROM knowledge
		 ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []KnowledgeRow
	for rows.Next() {
		var k KnowledgeRow
		if err := rows.Scan(&k.ID, &k.UserID, &k.Title, &k.Content, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) InsertAuthEvent(ctx context.Context, rec AuthEventRecord) error {
	var meta []byte
	if rec.Metadata != nil {
		meta, _ = json.Marshal(rec.Metadata)
	}
	var owner interface{}
	if rec.UserID != "" {
		owner = rec.UserID
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO auth_events (user_id, kind, severity, message, ip, metadata) VALUES ($1,$2,$3,$4,$5,$6)`,
		owner, rec.Kind, rec.Severity, rec.Message, rec.IP, meta)
	return err
}

// DeleteAuthEventsBefore removes audit rows older than cutoff and reports
// how many were swept.
func (s *Store) DeleteAuthEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM auth_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
