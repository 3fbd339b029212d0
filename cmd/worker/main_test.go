package main

import (
	"testing"

	"github.com/medpipe/core/pkg/config"
)

func TestDecodeMasterKeyRequiresValue(t *testing.T) {
	if _, err := decodeMasterKey(""); err == nil {
		t.Fatal("expected error for empty master key")
	}
}

func TestDecodeMasterKeyRejectsInvalidHex(t *testing.T) {
	if _, err := decodeMasterKey("not-hex"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}

func TestDecodeMasterKeyRejectsWrongLength(t *testing.T) {
	if _, err := decodeMasterKey("deadbeef"); err == nil {
		t.Fatal("expected error for a key that doesn't decode to 32 bytes")
	}
}

func TestDecodeMasterKeyAccepts32Bytes(t *testing.T) {
	hexKey := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	key, err := decodeMasterKey(hexKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("len(key) = %d, want 32", len(key))
	}
}

func TestResolveDSNPrefersExplicitDSN(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{DSN: "postgres://explicit"}}
	if got := resolveDSN(cfg); got != "postgres://explicit" {
		t.Fatalf("resolveDSN = %q, want explicit DSN", got)
	}
}

func TestResolveDSNFallsBackToConnectionString(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{
		Host: "db", Port: 5432, User: "u", Password: "p", Name: "medpipe", SSLMode: "disable",
	}}
	want := cfg.Database.ConnectionString()
	if got := resolveDSN(cfg); got != want {
		t.Fatalf("resolveDSN = %q, want %q", got, want)
	}
}
