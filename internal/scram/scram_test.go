// internal/scram/scram_test.go
// Author: momentics <momentics@gmail.com>

package scram

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

// Values from the SCRAM-SHA-256 example exchange in RFC 7677 section 3.
func TestDerivationAgainstRFC7677(t *testing.T) {
	const (
		password    = "pencil"
		clientBare  = "n=user,r=rOprNGfwEbeRWgbNEkqO"
		serverFirst = "r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"
		finalBare   = "c=biws,r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0"
		wantProof   = "dHzbZapWIk4jUhN+Ute9ytag9zjfMHgsqmmiz7AndVQ="
		wantServer  = "6rriTRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G4="
	)

	salt, err := base64.StdEncoding.DecodeString("W22ZaJ0SNY7soEsUEjb6gQ==")
	if err != nil {
		t.Fatalf("decode salt: %v", err)
	}
	salted := SaltedPassword([]byte(password), salt, 4096)
	authMessage := []byte(clientBare + "," + serverFirst + "," + finalBare)

	proof := base64.StdEncoding.EncodeToString(ClientProof(salted, authMessage))
	if proof != wantProof {
		t.Errorf("client proof = %s, want %s", proof, wantProof)
	}
	serverSig := base64.StdEncoding.EncodeToString(ServerSignature(salted, authMessage))
	if serverSig != wantServer {
		t.Errorf("server signature = %s, want %s", serverSig, wantServer)
	}
}

func TestClientServerHandshake(t *testing.T) {
	c, err := NewClient("sekret")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	s, err := NewServer("sekret")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	if err := s.HandleClientFirst(c.FirstMessage()); err != nil {
		t.Fatalf("server HandleClientFirst: %v", err)
	}
	if err := c.HandleServerFirst(s.FirstMessage()); err != nil {
		t.Fatalf("client HandleServerFirst: %v", err)
	}
	if err := s.HandleClientFinal(c.FinalMessage()); err != nil {
		t.Fatalf("server HandleClientFinal: %v", err)
	}
	if err := c.VerifyServerFinal(s.FinalMessage()); err != nil {
		t.Fatalf("client VerifyServerFinal: %v", err)
	}
}

func TestWrongPasswordRejected(t *testing.T) {
	c, _ := NewClient("sekret")
	s, _ := NewServer("different")

	if err := s.HandleClientFirst(c.FirstMessage()); err != nil {
		t.Fatalf("server HandleClientFirst: %v", err)
	}
	if err := c.HandleServerFirst(s.FirstMessage()); err != nil {
		t.Fatalf("client HandleServerFirst: %v", err)
	}
	if err := s.HandleClientFinal(c.FinalMessage()); err == nil {
		t.Fatal("expected proof mismatch, got nil")
	}
}

func TestClientRejectsUnextendedNonce(t *testing.T) {
	c, err := NewClient("pw")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	first := c.FirstMessage()
	bare := bytes.TrimPrefix(first, []byte("n,,"))
	nonce := strings.TrimPrefix(string(bare), "n=,r=")

	// Echoing the client nonce without extension must be rejected.
	serverFirst := "r=" + nonce + ",s=" + base64.StdEncoding.EncodeToString([]byte("0123456789abcdef")) + ",i=4096"
	if err := c.HandleServerFirst([]byte(serverFirst)); err == nil {
		t.Fatal("expected nonce rejection, got nil")
	}
}

func TestFirstMessageShape(t *testing.T) {
	c, err := NewClient("pw")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	msg := string(c.FirstMessage())
	if !strings.HasPrefix(msg, "n,,n=,r=") {
		t.Errorf("first message %q lacks the gs2 header and empty username", msg)
	}
	if strings.ContainsAny(msg[len("n,,n=,r="):], ",=") {
		t.Errorf("nonce in %q contains reserved characters", msg)
	}
}
