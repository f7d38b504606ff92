package oauthstore

import "testing"

func TestMemoryStore_ByEmail(t *testing.T) {
	s := NewMemoryStore()
	s.Put(Token{AccountEmail: "a@example.com", AccessToken: "T1"})

	tok, err := s.ByEmail("A@Example.com")
	if err != nil {
		t.Fatalf("ByEmail: %v", err)
	}
	if tok.AccessToken != "T1" {
		t.Errorf("AccessToken = %q, want T1", tok.AccessToken)
	}
}

func TestMemoryStore_ByEmail_Unknown(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.ByEmail("missing@example.com"); err != ErrUnavailable {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestMemoryStore_Next_RoundRobinsAcrossAccounts(t *testing.T) {
	s := NewMemoryStore()
	s.Put(Token{AccountEmail: "a@example.com", AccessToken: "T1"})
	s.Put(Token{AccountEmail: "b@example.com", AccessToken: "T2"})

	first, err := s.Next()
	if err != nil {
		t.Fatalf("Next (first): %v", err)
	}
	second, err := s.Next()
	if err != nil {
		t.Fatalf("Next (second): %v", err)
	}
	if first.AccessToken == second.AccessToken {
		t.Fatalf("expected Next to alternate, got %q twice", first.AccessToken)
	}
	if second.AccessToken != "T2" && first.AccessToken != "T2" {
		t.Errorf("expected T2 to surface across the two calls, got %q then %q", first.AccessToken, second.AccessToken)
	}
}

func TestMemoryStore_Next_Empty(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Next(); err != ErrUnavailable {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestMemoryStore_Remove(t *testing.T) {
	s := NewMemoryStore()
	s.Put(Token{AccountEmail: "a@example.com", AccessToken: "T1"})
	s.Remove("a@example.com")
	if _, err := s.ByEmail("a@example.com"); err != ErrUnavailable {
		t.Error("expected token to be gone after Remove")
	}
	if _, err := s.Next(); err != ErrUnavailable {
		t.Error("expected Next to have nothing left after removing the only account")
	}
}

func TestUsable_NoExpiry(t *testing.T) {
	if !usable(Token{AccessToken: "opaque-token-no-exp"}) {
		t.Error("a token with no known expiry should be treated as usable")
	}
}

func TestUsable_ExplicitExpiryWithinMargin(t *testing.T) {
	tok := Token{AccessToken: "t", ExpiresAt: 1} // 1ms since epoch: long past, well within refreshMargin
	if usable(tok) {
		t.Error("a token expiring within the refresh margin should not be usable")
	}
}

func TestMemoryStore_Next_SkipsUnusableAccounts(t *testing.T) {
	s := NewMemoryStore()
	s.Put(Token{AccountEmail: "expired@example.com", AccessToken: "Texpired", ExpiresAt: 1})
	s.Put(Token{AccountEmail: "ok@example.com", AccessToken: "Tok"})

	for i := 0; i < 4; i++ {
		tok, err := s.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if tok.AccessToken != "Tok" {
			t.Errorf("Next = %q, want the only usable account (Tok)", tok.AccessToken)
		}
	}
}
