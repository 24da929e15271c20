package auth

import "testing"

func TestHashTokenDeterministic(t *testing.T) {
	if HashToken("abc") != HashToken(" abc ") {
		t.Fatalf("expected surrounding space to be ignored")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Fatalf("expected distinct hashes")
	}
}

func TestVerifier(t *testing.T) {
	open := NewVerifier("")
	if open.Enabled() || !open.Allow("anything") {
		t.Fatalf("expected empty token to disable checks")
	}

	v := NewVerifier("s3cret")
	if !v.Enabled() {
		t.Fatalf("expected verifier enabled")
	}
	if !v.Allow("s3cret") {
		t.Fatalf("expected matching token to pass")
	}
	if v.Allow("") || v.Allow("s3cre") {
		t.Fatalf("expected wrong token to fail")
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if a == "" || a == b {
		t.Fatalf("expected distinct non-empty tokens, got %q and %q", a, b)
	}
}
