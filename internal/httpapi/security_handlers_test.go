package httpapi

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"golang.org/x/crypto/bcrypt"
)

func TestVerifyEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	ctx := context.Background()
	token := ta.tokenFor(t, "u1")

	if err := ta.cache.StoreActionTokens(ctx, "btn_delete_backup", []string{"L3"}); err != nil {
		t.Fatalf("StoreActionTokens: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("333333"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	// Wrong code: structured failure with the attempt budget.
	ta.mock.ExpectQuery("select code_hash from security_codes").
		WithArgs("L3").
		WillReturnRows(sqlmock.NewRows([]string{"code_hash"}).AddRow(string(hash)))
	rec := ta.do(t, http.MethodPost, "/v1/security/verify", token,
		`{"action_key": "btn_delete_backup", "level": "L3", "code": "000000"}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeSecurityError(t, rec)
	if payload.ErrorCode != "SECURITY_VERIFICATION_FAILED" || payload.RemainingAttempts == nil {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	// Correct code: advisory confirmation.
	ta.mock.ExpectQuery("select code_hash from security_codes").
		WithArgs("L3").
		WillReturnRows(sqlmock.NewRows([]string{"code_hash"}).AddRow(string(hash)))
	rec = ta.do(t, http.MethodPost, "/v1/security/verify", token,
		`{"action_key": "btn_delete_backup", "level": "L3", "code": "333333"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"verified":true`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestVerifyEndpointRequiresActionKey(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.tokenFor(t, "u1")

	rec := ta.do(t, http.MethodPost, "/v1/security/verify", token, `{"code": "x"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}
