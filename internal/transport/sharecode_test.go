package transport

import (
	"encoding/base64"
	"testing"
)

func TestShareCodeRoundTrip(t *testing.T) {
	code := MakeShareCode("pool.example.com", 8766, "s3cr3t")
	sc, ok := ParseShareCode(code)
	if !ok {
		t.Fatalf("expected round-trip decode to succeed")
	}
	if sc.Host != "pool.example.com" || sc.Port != 8766 || sc.Secret != "s3cr3t" {
		t.Fatalf("unexpected decoded share code: %+v", sc)
	}
}

func TestParseShareCodeRejectsGarbage(t *testing.T) {
	if _, ok := ParseShareCode("not-base64!!!"); ok {
		t.Fatalf("expected invalid base64 to fail")
	}
	if _, ok := ParseShareCode("aGVsbG8="); ok { // base64("hello"), no "collective:" prefix
		t.Fatalf("expected a payload without the collective prefix to fail")
	}
}

func TestParseShareCodeRejectsBadPort(t *testing.T) {
	bad := "collective:host:notaport:secret"
	encoded := base64.StdEncoding.EncodeToString([]byte(bad))
	if _, ok := ParseShareCode(encoded); ok {
		t.Fatalf("expected a non-numeric port to fail")
	}
}
