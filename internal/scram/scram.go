// internal/scram/scram.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SCRAM-SHA-256 mechanics (RFC 5802, RFC 7677) without channel binding.
// The client side drives SASL authentication against PostgreSQL; the
// server side exists for the in-process test backend. Key derivation is
// shared by both.

package scram

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/secure/precis"
)

// MechanismName is the SASL mechanism implemented here.
const MechanismName = "SCRAM-SHA-256"

const (
	clientNonceLen    = 18
	serverNonceLen    = 18
	defaultIterations = 4096
	gs2Header         = "n,,"
	// base64 of the gs2 header, sent in the client final message.
	channelBindingB64 = "biws"
)

// Normalize applies SASLprep to a password. Strings the profile rejects
// are used as-is, matching libpq's leniency.
func Normalize(password string) string {
	prepared, err := precis.OpaqueString.String(password)
	if err != nil {
		return password
	}
	return prepared
}

// SaltedPassword derives the PBKDF2-salted password.
func SaltedPassword(password, salt []byte, iterations int) []byte {
	return pbkdf2.Key(password, salt, iterations, sha256.Size, sha256.New)
}

// ClientKey derives HMAC(salted, "Client Key").
func ClientKey(saltedPassword []byte) []byte {
	return computeHMAC(saltedPassword, []byte("Client Key"))
}

// StoredKey derives H(ClientKey).
func StoredKey(clientKey []byte) []byte {
	sum := sha256.Sum256(clientKey)
	return sum[:]
}

// ServerKey derives HMAC(salted, "Server Key").
func ServerKey(saltedPassword []byte) []byte {
	return computeHMAC(saltedPassword, []byte("Server Key"))
}

// ClientProof derives ClientKey XOR HMAC(StoredKey, authMessage).
func ClientProof(saltedPassword, authMessage []byte) []byte {
	clientKey := ClientKey(saltedPassword)
	signature := computeHMAC(StoredKey(clientKey), authMessage)
	proof := make([]byte, len(clientKey))
	for i := range proof {
		proof[i] = clientKey[i] ^ signature[i]
	}
	return proof
}

// ServerSignature derives HMAC(ServerKey, authMessage).
func ServerSignature(saltedPassword, authMessage []byte) []byte {
	return computeHMAC(ServerKey(saltedPassword), authMessage)
}

func computeHMAC(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

func newNonce(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

// attrs is a parsed SCRAM message: comma-separated k=v pairs.
type attrs map[byte]string

func parseAttrs(msg []byte) (attrs, error) {
	out := make(attrs)
	for _, part := range strings.Split(string(msg), ",") {
		if len(part) < 2 || part[1] != '=' {
			return nil, fmt.Errorf("malformed attribute %q", part)
		}
		out[part[0]] = part[2:]
	}
	return out, nil
}

// Client is one SCRAM-SHA-256 client exchange.
type Client struct {
	clientNonce    string
	firstBare      []byte
	serverFirst    []byte
	saltedPassword []byte
	authMessage    []byte
	password       string
}

// NewClient prepares an exchange for the given password. The username is
// intentionally empty: PostgreSQL takes it from the startup packet.
func NewClient(password string) (*Client, error) {
	nonce, err := newNonce(clientNonceLen)
	if err != nil {
		return nil, err
	}
	return &Client{
		clientNonce: nonce,
		password:    Normalize(password),
		firstBare:   []byte("n=,r=" + nonce),
	}, nil
}

// FirstMessage returns the SASL initial response payload.
func (c *Client) FirstMessage() []byte {
	return append([]byte(gs2Header), c.firstBare...)
}

// HandleServerFirst consumes the server-first message and derives keys.
func (c *Client) HandleServerFirst(msg []byte) error {
	a, err := parseAttrs(msg)
	if err != nil {
		return fmt.Errorf("server-first: %w", err)
	}
	nonce, ok := a['r']
	if !ok || !strings.HasPrefix(nonce, c.clientNonce) || len(nonce) == len(c.clientNonce) {
		return fmt.Errorf("server-first: nonce does not extend the client nonce")
	}
	saltB64, ok := a['s']
	if !ok {
		return fmt.Errorf("server-first: missing salt")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return fmt.Errorf("server-first: salt: %w", err)
	}
	iterations, err := strconv.Atoi(a['i'])
	if err != nil || iterations < 1 {
		return fmt.Errorf("server-first: bad iteration count %q", a['i'])
	}

	c.serverFirst = append([]byte(nil), msg...)
	c.saltedPassword = SaltedPassword([]byte(c.password), salt, iterations)

	withoutProof := []byte("c=" + channelBindingB64 + ",r=" + nonce)
	c.authMessage = bytes.Join([][]byte{c.firstBare, c.serverFirst, withoutProof}, []byte(","))
	return nil
}

// FinalMessage returns the SASL response payload carrying the proof.
// HandleServerFirst must have succeeded.
func (c *Client) FinalMessage() []byte {
	proof := ClientProof(c.saltedPassword, c.authMessage)
	withoutProof := c.authMessage[len(c.firstBare)+1+len(c.serverFirst)+1:]
	return []byte(string(withoutProof) + ",p=" + base64.StdEncoding.EncodeToString(proof))
}

// VerifyServerFinal checks the server signature in the final message.
func (c *Client) VerifyServerFinal(msg []byte) error {
	a, err := parseAttrs(msg)
	if err != nil {
		return fmt.Errorf("server-final: %w", err)
	}
	if e, ok := a['e']; ok {
		return fmt.Errorf("server-final: server rejected authentication: %s", e)
	}
	sig, err := base64.StdEncoding.DecodeString(a['v'])
	if err != nil {
		return fmt.Errorf("server-final: signature: %w", err)
	}
	if !hmac.Equal(sig, ServerSignature(c.saltedPassword, c.authMessage)) {
		return fmt.Errorf("server-final: server signature mismatch")
	}
	return nil
}

// Server is one SCRAM-SHA-256 server exchange (test backend side).
type Server struct {
	password       string
	salt           []byte
	iterations     int
	combinedNonce  string
	clientBare     []byte
	serverFirst    []byte
	saltedPassword []byte
	authMessage    []byte
}

// NewServer prepares a server exchange validating the given password.
func NewServer(password string) (*Server, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	return &Server{
		password:   Normalize(password),
		salt:       salt,
		iterations: defaultIterations,
	}, nil
}

// HandleClientFirst consumes the client's initial response.
func (s *Server) HandleClientFirst(msg []byte) error {
	if !bytes.HasPrefix(msg, []byte(gs2Header)) {
		return fmt.Errorf("client-first: unsupported gs2 header")
	}
	bare := msg[len(gs2Header):]
	a, err := parseAttrs(bare)
	if err != nil {
		return fmt.Errorf("client-first: %w", err)
	}
	clientNonce, ok := a['r']
	if !ok || clientNonce == "" {
		return fmt.Errorf("client-first: missing nonce")
	}
	ext, err := newNonce(serverNonceLen)
	if err != nil {
		return err
	}
	s.clientBare = append([]byte(nil), bare...)
	s.combinedNonce = clientNonce + ext
	s.serverFirst = []byte(fmt.Sprintf("r=%s,s=%s,i=%d",
		s.combinedNonce, base64.StdEncoding.EncodeToString(s.salt), s.iterations))
	s.saltedPassword = SaltedPassword([]byte(s.password), s.salt, s.iterations)
	return nil
}

// FirstMessage returns the server-first message.
func (s *Server) FirstMessage() []byte {
	return s.serverFirst
}

// HandleClientFinal verifies the client proof.
func (s *Server) HandleClientFinal(msg []byte) error {
	a, err := parseAttrs(msg)
	if err != nil {
		return fmt.Errorf("client-final: %w", err)
	}
	if a['c'] != channelBindingB64 {
		return fmt.Errorf("client-final: unexpected channel binding %q", a['c'])
	}
	if a['r'] != s.combinedNonce {
		return fmt.Errorf("client-final: nonce mismatch")
	}
	proof, err := base64.StdEncoding.DecodeString(a['p'])
	if err != nil {
		return fmt.Errorf("client-final: proof: %w", err)
	}
	idx := bytes.LastIndex(msg, []byte(",p="))
	withoutProof := msg[:idx]
	s.authMessage = bytes.Join([][]byte{s.clientBare, s.serverFirst, withoutProof}, []byte(","))

	if !hmac.Equal(proof, ClientProof(s.saltedPassword, s.authMessage)) {
		return fmt.Errorf("client-final: proof mismatch")
	}
	return nil
}

// FinalMessage returns the server-final message carrying the signature.
func (s *Server) FinalMessage() []byte {
	sig := ServerSignature(s.saltedPassword, s.authMessage)
	return []byte("v=" + base64.StdEncoding.EncodeToString(sig))
}
