package auth

import (
	"errors"
	"testing"
	"time"
)

func TestCreateAndVerifyState(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	state, err := CreateState("admin@x.com", cfg)
	if err != nil {
		t.Fatalf("CreateState: %v", err)
	}

	if err := VerifyState(state, "admin@x.com", cfg); err != nil {
		t.Fatalf("VerifyState: %v", err)
	}
}

func TestVerifyState_OtherAdmin(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	state, err := CreateState("admin@x.com", cfg)
	if err != nil {
		t.Fatalf("CreateState: %v", err)
	}

	err = VerifyState(state, "other@x.com", cfg)
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}
}

func TestVerifyState_WrongSecret(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	state, err := CreateState("admin@x.com", cfg)
	if err != nil {
		t.Fatalf("CreateState: %v", err)
	}

	if err := VerifyState(state, "admin@x.com", TokenConfig{Secret: "wrong", Expiry: time.Hour, Issuer: "test"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerifyState_WrongIssuer(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	state, err := CreateState("admin@x.com", cfg)
	if err != nil {
		t.Fatalf("CreateState: %v", err)
	}

	if err := VerifyState(state, "admin@x.com", TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "other"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCreateState_InvalidConfig(t *testing.T) {
	if _, err := CreateState("admin@x.com", TokenConfig{Secret: "secret", Expiry: -time.Second}); err == nil {
		t.Fatalf("expected error for negative expiry")
	}
	if _, err := CreateState("", TokenConfig{Secret: "secret", Expiry: time.Minute}); err == nil {
		t.Fatalf("expected error for empty email")
	}
	if _, err := CreateState("a@x.com", TokenConfig{Expiry: time.Minute}); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestVerifyState_Garbage(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	if err := VerifyState("not-a-token", "admin@x.com", cfg); err == nil {
		t.Fatalf("expected error")
	}
}
