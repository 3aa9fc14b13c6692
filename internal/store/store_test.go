package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func TestCreateUser(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO users \(email, password_hash, name, role\) VALUES \(\$1,\$2,\$3,\$4\) RETURNING id`).
		WithArgs("a@example.com", "hash", "Alice", "user").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-1"))

	id, err := st.CreateUser(context.Background(), "a@example.com", "hash", "Alice", "user")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if id != "user-1" {
		t.Fatalf("unexpected id %q", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetUserByEmail(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id, password_hash, name, role FROM users WHERE email=\$1`).
		WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash", "name", "role"}).
			AddRow("user-1", "hash", "Alice", "admin"))

	id, hash, name, role, err := st.GetUserByEmail(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if id != "user-1" || hash != "hash" || name != "Alice" || role != "admin" {
		t.Fatalf("unexpected row: %s %s %s %s", id, hash, name, role)
	}
}

func TestSaveConversation(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO conversations`).
		WithArgs("user-1", "hi", "hello", "claude-3-5-sonnet-20241022", 0.97, int64(412)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.SaveConversation(context.Background(), ConversationRecord{
		UserID:          "user-1",
		Prompt:          "hi",
		Response:        "hello",
		Model:           "claude-3-5-sonnet-20241022",
		ComplianceScore: 0.97,
		LatencyMS:       412,
	})
	if err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertKnowledgeNilOwner(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO knowledge`).
		WithArgs(nil, "title", "content").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-1"))

	id, err := st.InsertKnowledge(context.Background(), "", "title", "content")
	if err != nil {
		t.Fatalf("InsertKnowledge: %v", err)
	}
	if id != "doc-1" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestSearchKnowledgeOwnerScoped(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(`SELECT id, COALESCE\(user_id::text,''\), title, content, created_at FROM knowledge`).
		WithArgs("user-1", "%widget%", 3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "title", "content", "created_at"}).
			AddRow("doc-1", "user-1", "Widgets", "widget manual", now))

	rows, err := st.SearchKnowledge(context.Background(), "widget", "user-1", 3)
	if err != nil {
		t.Fatalf("SearchKnowledge: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "doc-1" || rows[0].Title != "Widgets" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestInsertAuthEvent(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO auth_events`).
		WithArgs("user-1", "login", "info", "user logged in", "10.0.0.1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.InsertAuthEvent(context.Background(), AuthEventRecord{
		UserID:   "user-1",
		Kind:     "login",
		Severity: "info",
		Message:  "user logged in",
		IP:       "10.0.0.1",
		Metadata: map[string]interface{}{"expiresIn": 200},
	})
	if err != nil {
		t.Fatalf("InsertAuthEvent: %v", err)
	}
}

func TestDeleteAuthEventsBefore(t *testing.T) {
	st, mock := newMockStore(t)
	cutoff := time.Now().Add(-90 * 24 * time.Hour)
	mock.ExpectExec(`DELETE FROM auth_events WHERE created_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := st.DeleteAuthEventsBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteAuthEventsBefore: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7 swept rows, got %d", n)
	}
}
