package token

import (
	"errors"
	"testing"
	"time"

	"parkwatch/pkg/parking"
)

func testIssuer() *Issuer {
	return NewIssuer([]byte("0123456789abcdef0123456789abcdef"), []byte("abcdef0123456789abcdef0123456789"))
}

func TestIssueParse(t *testing.T) {
	iss := testIssuer()
	d := parking.Date{Year: 2025, Month: time.March, Day: 16}

	tok, err := iss.Issue("job-1", d)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := iss.Parse(tok)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.JobID != "job-1" || claims.Date != d {
		t.Errorf("Parse() = %+v", claims)
	}

	again, err := iss.Issue("job-1", d)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if again == tok {
		t.Error("two tokens for the same pair should differ")
	}
}

func TestParseRejects(t *testing.T) {
	iss := testIssuer()
	other := NewIssuer([]byte("ffffffffffffffffffffffffffffffff"), nil)

	foreign, err := other.Issue("job-1", parking.Date{Year: 2025, Month: time.March, Day: 16})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	for name, tok := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"other issuer": foreign,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := iss.Parse(tok); !errors.Is(err, parking.ErrInvalidToken) {
				t.Errorf("Parse() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestPIN(t *testing.T) {
	hash, err := HashPIN("4821")
	if err != nil {
		t.Fatalf("HashPIN() error = %v", err)
	}
	if !CheckPIN(hash, "4821") {
		t.Error("correct PIN rejected")
	}
	if CheckPIN(hash, "4822") {
		t.Error("wrong PIN accepted")
	}
}
