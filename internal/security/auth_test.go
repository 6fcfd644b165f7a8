package security

import (
	"context"
	"testing"
)

func TestNone_PresentsNoCredential(t *testing.T) {
	p := None{}
	if p.Name() != "" {
		t.Fatalf("expected empty AuthMethod, got %q", p.Name())
	}
	data, err := p.InitialData(context.Background())
	if err != nil || data != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", data, err)
	}
}

func TestToken_PresentsBearerCredential(t *testing.T) {
	p := Token{Token: "s3cr3t"}
	if p.Name() != "token" {
		t.Fatalf("expected AuthMethod \"token\", got %q", p.Name())
	}
	data, err := p.InitialData(context.Background())
	if err != nil {
		t.Fatalf("InitialData: %v", err)
	}
	if string(data) != "s3cr3t" {
		t.Fatalf("expected token bytes, got %q", data)
	}
}

func TestToken_ImplementsProviderNotChallengeResponder(t *testing.T) {
	var _ Provider = Token{}
	if _, ok := Provider(Token{}).(ChallengeResponder); ok {
		t.Fatalf("Token presents no challenge round trip and shouldn't satisfy ChallengeResponder")
	}
}
