package auth

import (
	"strings"
	"testing"
)

// driveScramExchange runs a full client/server SCRAM-SHA-256 exchange over
// the in-memory helper types, mirroring how pgserver/edgeserver and
// pgclient drive these same calls across a real connection.
func driveScramExchange(t *testing.T, verifier *ScramVerifier, password string) error {
	t.Helper()
	client, err := NewClientExchange()
	if err != nil {
		t.Fatalf("NewClientExchange: %v", err)
	}
	server, err := NewServerExchange(verifier)
	if err != nil {
		t.Fatalf("NewServerExchange: %v", err)
	}

	clientFirst := client.ClientFirstMessage()
	// Strip the GS2 header the way pgserver/edgeserver do before handing
	// the bare message to the server exchange.
	bare := clientFirst[3:]
	serverFirst, err := server.HandleClientFirst(bare)
	if err != nil {
		return err
	}

	clientFinal, err := client.HandleServerFirst(serverFirst, password)
	if err != nil {
		return err
	}

	serverFinal, err := server.HandleClientFinal(clientFinal)
	if err != nil {
		return err
	}

	return client.HandleServerFinal(serverFinal)
}

func TestScramExchangeSucceedsWithCorrectPassword(t *testing.T) {
	verifier, err := NewScramVerifier("correct horse battery staple")
	if err != nil {
		t.Fatalf("NewScramVerifier: %v", err)
	}
	if err := driveScramExchange(t, verifier, "correct horse battery staple"); err != nil {
		t.Fatalf("scram exchange with correct password failed: %v", err)
	}
}

func TestScramExchangeFailsWithWrongPassword(t *testing.T) {
	verifier, err := NewScramVerifier("correct horse battery staple")
	if err != nil {
		t.Fatalf("NewScramVerifier: %v", err)
	}
	if err := driveScramExchange(t, verifier, "wrong password"); err == nil {
		t.Fatalf("scram exchange with wrong password should have failed")
	}
}

func TestScramVerifierIsDeterministicGivenSaltAndIterations(t *testing.T) {
	v1 := newScramVerifier("pw", []byte("fixedsalt1234567"), 4096)
	v2 := newScramVerifier("pw", []byte("fixedsalt1234567"), 4096)
	if v1.StoredKey != v2.StoredKey || v1.ServerKey != v2.ServerKey {
		t.Fatalf("verifier derivation is not deterministic given the same inputs")
	}
}

func TestScramServerRejectsTamperedProof(t *testing.T) {
	verifier, err := NewScramVerifier("password")
	if err != nil {
		t.Fatalf("NewScramVerifier: %v", err)
	}
	client, err := NewClientExchange()
	if err != nil {
		t.Fatalf("NewClientExchange: %v", err)
	}
	server, err := NewServerExchange(verifier)
	if err != nil {
		t.Fatalf("NewServerExchange: %v", err)
	}

	bare := client.ClientFirstMessage()[3:]
	serverFirst, err := server.HandleClientFirst(bare)
	if err != nil {
		t.Fatalf("HandleClientFirst: %v", err)
	}
	clientFinal, err := client.HandleServerFirst(serverFirst, "password")
	if err != nil {
		t.Fatalf("HandleServerFirst: %v", err)
	}

	// Replace the first character of the base64 proof so it still decodes
	// but no longer matches the expected proof.
	tampered := []byte(clientFinal)
	i := strings.Index(clientFinal, ",p=") + len(",p=")
	if tampered[i] == 'A' {
		tampered[i] = 'B'
	} else {
		tampered[i] = 'A'
	}
	if _, err := server.HandleClientFinal(string(tampered)); err == nil {
		t.Fatalf("HandleClientFinal accepted a tampered proof")
	}
}

func TestParseScramFieldsRejectsMalformedInput(t *testing.T) {
	if _, err := parseScramFields("missing-equals"); err == nil {
		t.Fatalf("parseScramFields accepted a field without '='")
	}
	fields, err := parseScramFields("r=abc,s=xyz,i=4096")
	if err != nil {
		t.Fatalf("parseScramFields: %v", err)
	}
	if fields["r"] != "abc" || fields["s"] != "xyz" || fields["i"] != "4096" {
		t.Fatalf("parseScramFields = %v", fields)
	}
}
