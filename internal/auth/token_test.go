package auth

import (
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func setSecret(t *testing.T) {
	t.Helper()
	ResetSecretForTests()
	t.Setenv("CORVEL_AUTH_SECRET", "unit-test-secret")
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndParse(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("user-42", "aruzhan", []string{"Admin", "viewer", "admin"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.UserID() != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Username != "aruzhan" {
		t.Fatalf("unexpected username: %s", claims.Username)
	}
	if !slices.Contains(claims.Roles, "admin") || !slices.Contains(claims.Roles, "viewer") {
		t.Fatalf("roles were not preserved: %v", claims.Roles)
	}
	// Case-folded duplicates collapse.
	if len(claims.Roles) != 2 {
		t.Fatalf("expected deduped roles, got %v", claims.Roles)
	}
	if claims.Superuser() {
		t.Fatal("admin must not be superuser")
	}
}

func TestSuperuserRole(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("root-1", "root", []string{"Superuser"}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if !claims.Superuser() {
		t.Fatalf("superuser role was not recognized: %v", claims.Roles)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	setSecret(t)

	now := time.Now().UTC()
	claims := Claims{
		Username: "ghost",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("unit-test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAndValidate(signed); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	setSecret(t)

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("unit-test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAndValidate(signed); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsTampered(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("user-7", "tester", nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %s", token)
	}
	parts[2] = "A" + parts[2][1:]
	if _, err := ParseAndValidate(strings.Join(parts, ".")); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestGenerateRequiresSecret(t *testing.T) {
	ResetSecretForTests()
	t.Setenv("CORVEL_AUTH_SECRET", "")
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("user-1", "x", nil, time.Minute); err == nil {
		t.Fatal("expected error without configured secret")
	}
}

func TestContextRoundTrip(t *testing.T) {
	claims := &Claims{Username: "k"}
	claims.Subject = "user-9"

	ctx := ContextWithClaims(context.Background(), claims)
	got, ok := ClaimsFromContext(ctx)
	if !ok || got.Subject != "user-9" {
		t.Fatalf("claims did not round-trip: %v %v", got, ok)
	}
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-9" {
		t.Fatalf("unexpected user id: %q %v", id, ok)
	}

	ctx = ContextWithToken(ctx, "raw-token")
	tok, ok := TokenFromContext(ctx)
	if !ok || tok != "raw-token" {
		t.Fatalf("token did not round-trip: %q %v", tok, ok)
	}
}
