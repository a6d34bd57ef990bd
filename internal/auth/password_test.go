package auth

import "testing"

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("CorrectHorse1")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "CorrectHorse1" {
		t.Fatalf("hash must not equal the plaintext")
	}
	if err := VerifyPassword(hash, "CorrectHorse1"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "WrongHorse1"); err == nil {
		t.Fatalf("wrong password must not verify")
	}
	if err := VerifyPassword("", "CorrectHorse1"); err == nil {
		t.Fatalf("empty hash must not verify")
	}
}

func TestValidatePasswordStrength(t *testing.T) {
	if err := ValidatePasswordStrength("Abcdef12"); err != nil {
		t.Fatalf("valid password rejected: %v", err)
	}
	for _, weak := range []string{"short1", "lettersonly", "12345678"} {
		if err := ValidatePasswordStrength(weak); err == nil {
			t.Fatalf("weak password accepted: %q", weak)
		}
	}
}
