package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"ledgerstore/internal/models"
)

func setupMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return NewPostgres(db), mock
}

func TestPostgres_Get(t *testing.T) {
	p, mock := setupMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM records WHERE type_name = $1 AND id = $2`)).
		WithArgs("Invoice", "42").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte(`{"id":"42"}`)))

	data, err := p.Get(context.Background(), "Invoice", "42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != `{"id":"42"}` {
		t.Errorf("data = %s", data)
	}
}

func TestPostgres_GetNotFound(t *testing.T) {
	p, mock := setupMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM records WHERE type_name = $1 AND id = $2`)).
		WithArgs("Invoice", "nope").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))

	_, err := p.Get(context.Background(), "Invoice", "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v; want ErrNotFound", err)
	}
}

func TestPostgres_GetWhere(t *testing.T) {
	p, mock := setupMock(t)

	query := `SELECT data FROM records WHERE type_name = $1 AND ((data->>$2 = $3 OR (data->>$4)::numeric >= $5::numeric)) ORDER BY id`
	mock.ExpectQuery(regexp.QuoteMeta(query)).
		WithArgs("Invoice", "status", "open", "changeId", "7").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"id":"1"}`)).
			AddRow([]byte(`{"id":"2"}`)))

	docs, err := p.GetWhere(context.Background(), "Invoice",
		[]string{"status", "changeId"},
		[]string{"=", ">="},
		[]string{"open", "7"},
		[]string{"OR"},
	)
	if err != nil {
		t.Fatalf("get where: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("got %d docs; want 2", len(docs))
	}
}

func TestPostgres_GetWhereRejectsBadFilter(t *testing.T) {
	p, _ := setupMock(t)

	if _, err := p.GetWhere(context.Background(), "Invoice",
		[]string{"a"}, []string{"LIKE"}, []string{"x"}, nil); err == nil {
		t.Error("unsupported operator should fail")
	}
	if _, err := p.GetWhere(context.Background(), "Invoice",
		[]string{"a", "b"}, []string{"=", "="}, []string{"1", "2"}, []string{"XOR"}); err == nil {
		t.Error("unsupported conjunction should fail")
	}
}

func TestPostgres_PersistUnlocked(t *testing.T) {
	p, mock := setupMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT holder FROM locks WHERE type_name = $1 AND id = $2 FOR UPDATE`)).
		WithArgs("Invoice", "42").
		WillReturnRows(sqlmock.NewRows([]string{"holder"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO records (type_name, id, data) VALUES ($1, $2, $3)`)).
		WithArgs("Invoice", "42", []byte(`{"id":"42"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := p.Persist(context.Background(), "alice", "Invoice", "42", []byte(`{"id":"42"}`))
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if !ok {
		t.Error("persist of unlocked record should succeed")
	}
}

func TestPostgres_PersistRefusedWhenLockedByOther(t *testing.T) {
	p, mock := setupMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT holder FROM locks WHERE type_name = $1 AND id = $2 FOR UPDATE`)).
		WithArgs("Invoice", "42").
		WillReturnRows(sqlmock.NewRows([]string{"holder"}).AddRow("alice"))
	mock.ExpectRollback()

	ok, err := p.Persist(context.Background(), "bob", "Invoice", "42", []byte(`{}`))
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if ok {
		t.Error("persist by non-holder should be refused")
	}
}

func TestPostgres_CreateLock(t *testing.T) {
	tests := []struct {
		name     string
		holder   string
		inserted bool
		want     LockStatus
	}{
		{"fresh insert", "alice", true, LockAcquired},
		{"held by caller", "alice", false, LockAlreadyHeld},
		{"held by other", "bob", false, LockDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, mock := setupMock(t)

			mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO locks (type_name, id, holder) VALUES ($1, $2, $3)`)).
				WithArgs("Invoice", "42", "alice").
				WillReturnRows(sqlmock.NewRows([]string{"holder", "inserted"}).
					AddRow(tt.holder, tt.inserted))

			status, err := p.CreateLock(context.Background(), "Invoice", "42", "alice")
			if err != nil {
				t.Fatalf("create lock: %v", err)
			}
			if status != tt.want {
				t.Errorf("status = %v; want %v", status, tt.want)
			}
		})
	}
}

func TestPostgres_LockHolder(t *testing.T) {
	p, mock := setupMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT holder FROM locks WHERE type_name = $1 AND id = $2`)).
		WithArgs("Invoice", "42").
		WillReturnRows(sqlmock.NewRows([]string{"holder"}).AddRow("alice"))

	holder, err := p.LockHolder(context.Background(), "Invoice", "42")
	if err != nil || holder != "alice" {
		t.Errorf("holder = %q, %v; want alice", holder, err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT holder FROM locks WHERE type_name = $1 AND id = $2`)).
		WithArgs("Invoice", "43").
		WillReturnRows(sqlmock.NewRows([]string{"holder"}))

	if _, err := p.LockHolder(context.Background(), "Invoice", "43"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v; want ErrNotFound", err)
	}
}

func TestPostgres_User(t *testing.T) {
	p, mock := setupMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT username, password_hash, rights FROM users WHERE username = $1`)).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"username", "password_hash", "rights"}).
			AddRow("alice", "hash", []byte(`[{"typeName":"Invoice","action":"GET"}]`)))

	profile, err := p.User(context.Background(), "alice")
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if profile.PasswordHash != "hash" || len(profile.Rights) != 1 {
		t.Errorf("profile = %+v", profile)
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT username, password_hash, rights FROM users WHERE username = $1`)).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"username", "password_hash", "rights"}))

	if _, err := p.User(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v; want ErrNotFound", err)
	}
}

func TestPostgres_SaveUser(t *testing.T) {
	p, mock := setupMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users (username, password_hash, rights) VALUES ($1, $2, $3)`)).
		WithArgs("alice", "hash", []byte(`[{"typeName":"Invoice","action":"GET"}]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	profile := &models.UserProfile{
		Username:     "alice",
		PasswordHash: "hash",
		Rights:       []models.Right{{TypeName: "Invoice", Action: models.ActionGet}},
	}
	if err := p.SaveUser(context.Background(), profile); err != nil {
		t.Fatalf("save user: %v", err)
	}
}
