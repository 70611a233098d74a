package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func TestUserByUsername(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("select id, username, email, password_hash.*from users").
		WithArgs("aruzhan").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "status", "created_at", "updated_at"}).
			AddRow("u1", "aruzhan", "a@corvel.app", "hash", "ACTIVE", now, now))
	mock.ExpectQuery("select r.name").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("admin").AddRow("operator"))

	user, err := store.UserByUsername(context.Background(), "  Aruzhan ")
	if err != nil {
		t.Fatalf("UserByUsername: %v", err)
	}
	if user.ID != "u1" || len(user.Roles) != 2 {
		t.Fatalf("unexpected user: %+v", user)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUserByUsernameNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select id, username, email, password_hash.*from users").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "status", "created_at", "updated_at"}))

	if _, err := store.UserByUsername(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUserPermissionDoc(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select coalesce.*from users").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce", "status"}).
			AddRow([]byte(`{"vma": true}`), "ACTIVE"))

	doc, status, err := store.UserPermissionDoc(context.Background(), "u1")
	if err != nil {
		t.Fatalf("UserPermissionDoc: %v", err)
	}
	if status != "ACTIVE" || string(doc) != `{"vma": true}` {
		t.Fatalf("unexpected result: %s %s", doc, status)
	}
}

func TestSetUserPermissionsRejectsInvalidJSON(t *testing.T) {
	store, _ := newMockStore(t)

	if err := store.SetUserPermissions(context.Background(), "u1", []byte("{oops")); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSetUserPermissionsUnknownUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update users set permissions").
		WithArgs("ghost", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.SetUserPermissions(context.Background(), "ghost", []byte(`{}`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateUserStatusValidation(t *testing.T) {
	store, _ := newMockStore(t)

	if err := store.UpdateUserStatus(context.Background(), "u1", "FROZEN"); err == nil {
		t.Fatal("expected invalid status error")
	}
}

func TestCreateRoleConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("insert into roles").
		WithArgs(sqlmock.AnyArg(), "admin", 50).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	if _, err := store.CreateRole(context.Background(), "admin", 50); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestReplaceBoundaries(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("delete from role_permission_boundaries").
		WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("insert into role_permission_boundaries").
		WithArgs("r1", "vma.employees.manage", "ALLOWED").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into role_permission_boundaries").
		WithArgs("r1", "reports.view", "DENIED").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.ReplaceBoundaries(context.Background(), "r1", []Boundary{
		{PermissionKey: "vma.employees.manage", BoundaryType: "ALLOWED"},
		{PermissionKey: "reports.view", BoundaryType: "DENIED"},
	})
	if err != nil {
		t.Fatalf("ReplaceBoundaries: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestReplaceBoundariesUnknownRole(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("delete from role_permission_boundaries").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into role_permission_boundaries").
		WithArgs("ghost", "x.y", "ALLOWED").
		WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectRollback()

	err := store.ReplaceBoundaries(context.Background(), "ghost", []Boundary{
		{PermissionKey: "x.y", BoundaryType: "ALLOWED"},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveCodeHash(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select code_hash from security_codes").
		WithArgs("L3").
		WillReturnRows(sqlmock.NewRows([]string{"code_hash"}).AddRow("$2a$10$hash"))

	hash, err := store.ActiveCodeHash(context.Background(), "l3")
	if err != nil {
		t.Fatalf("ActiveCodeHash: %v", err)
	}
	if hash != "$2a$10$hash" {
		t.Fatalf("unexpected hash: %s", hash)
	}

	mock.ExpectQuery("select code_hash from security_codes").
		WithArgs("L4").
		WillReturnRows(sqlmock.NewRows([]string{"code_hash"}))
	if _, err := store.ActiveCodeHash(context.Background(), "L4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRotateCode(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update security_codes set is_active = false").
		WithArgs("L3").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into security_codes").
		WithArgs(sqlmock.AnyArg(), "L3", "new-hash").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.RotateCode(context.Background(), "l3", "new-hash"); err != nil {
		t.Fatalf("RotateCode: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestActionTokensUnregisteredIsEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select tokens from action_registry").
		WithArgs("btn_unknown").
		WillReturnRows(sqlmock.NewRows([]string{"tokens"}))

	tokens, err := store.ActionTokens(context.Background(), "btn_unknown")
	if err != nil {
		t.Fatalf("ActionTokens: %v", err)
	}
	if tokens == nil || len(tokens) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", tokens)
	}
}

func TestActionTokensRoundTrip(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into action_registry").
		WithArgs("btn_delete_backup", []byte(`["L3","L4"]`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.UpsertAction(context.Background(), "btn_delete_backup", []string{"L3", "L4"}); err != nil {
		t.Fatalf("UpsertAction: %v", err)
	}

	mock.ExpectQuery("select tokens from action_registry").
		WithArgs("btn_delete_backup").
		WillReturnRows(sqlmock.NewRows([]string{"tokens"}).AddRow([]byte(`["L3","L4"]`)))
	tokens, err := store.ActionTokens(context.Background(), "btn_delete_backup")
	if err != nil {
		t.Fatalf("ActionTokens: %v", err)
	}
	if len(tokens) != 2 || tokens[0] != "L3" || tokens[1] != "L4" {
		t.Fatalf("unexpected tokens: %v", tokens)
	}
}

func TestDeleteActionUnknown(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("delete from action_registry").
		WithArgs("btn_ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.DeleteAction(context.Background(), "btn_ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUsersWithRole(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select ur.user_id").
		WithArgs("manager").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1").AddRow("u2"))

	ids, err := store.UsersWithRole(context.Background(), "manager")
	if err != nil {
		t.Fatalf("UsersWithRole: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}
