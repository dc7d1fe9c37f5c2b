package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SCRAM-SHA-256, RFC 5802/7677. Both handshake state machines
// (pgclient's Authenticating.sub and the two server handshakes' SASL
// sub-state) drive these pure, I/O-free helpers; the handshake layer
// owns framing the results into SASLInitialResponse/SASLContinue/
// SASLFinal messages.
//
// No SASLprep normalization is applied to usernames or passwords here,
// matching the base repo's existing client implementation; see
// DESIGN.md for why stringprep was not adopted.

const DefaultScramIterations = 4096

// ScramVerifier is the server-side stored credential: everything needed
// to verify a client's proof and compute ServerSignature, without ever
// holding the plaintext password.
type ScramVerifier struct {
	Salt       []byte
	Iterations int
	StoredKey  [32]byte
	ServerKey  [32]byte
}

// NewScramVerifier derives a verifier from a plaintext password, the way
// a role's credential would be provisioned.
func NewScramVerifier(password string) (*ScramVerifier, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return newScramVerifier(password, salt, DefaultScramIterations), nil
}

func newScramVerifier(password string, salt []byte, iterations int) *ScramVerifier {
	salted := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSum(salted, "Client Key")
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSum(salted, "Server Key")
	v := &ScramVerifier{Salt: salt, Iterations: iterations}
	copy(v.StoredKey[:], storedKey[:])
	copy(v.ServerKey[:], serverKey)
	return v
}

func hmacSum(key []byte, msg string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func randomNonce() (string, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ---- Client side ----

// ClientExchange drives a client through the two-message SCRAM exchange.
// Zero value is not usable; construct with NewClientExchange.
type ClientExchange struct {
	nonce           string
	clientFirstBare string
	serverSignature []byte
}

func NewClientExchange() (*ClientExchange, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	return &ClientExchange{
		clientFirstBare: "n=,r=" + nonce,
		nonce:           nonce,
	}, nil
}

// ClientFirstMessage returns the GS2-prefixed client-first-message to
// send as the SASLInitialResponse payload.
func (c *ClientExchange) ClientFirstMessage() string {
	return "n,," + c.clientFirstBare
}

// HandleServerFirst consumes server-first-message, computes the client
// proof from password, and returns client-final-message to send as the
// SASLResponse payload.
func (c *ClientExchange) HandleServerFirst(serverFirst, password string) (string, error) {
	fields, err := parseScramFields(serverFirst)
	if err != nil {
		return "", err
	}
	serverNonce := fields["r"]
	if !strings.HasPrefix(serverNonce, c.nonce) {
		return "", fmt.Errorf("scram: server nonce does not extend client nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(fields["s"])
	if err != nil {
		return "", fmt.Errorf("scram: invalid salt: %w", err)
	}
	iterations, err := strconv.Atoi(fields["i"])
	if err != nil || iterations <= 0 {
		return "", fmt.Errorf("scram: invalid iteration count")
	}

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := channelBinding + ",r=" + serverNonce
	authMessage := c.clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof

	salted := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSum(salted, "Client Key")
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmac.New(sha256.New, storedKey[:])
	clientSignature.Write([]byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature.Sum(nil))

	serverKey := hmacSum(salted, "Server Key")
	serverSig := hmac.New(sha256.New, serverKey)
	serverSig.Write([]byte(authMessage))
	c.serverSignature = serverSig.Sum(nil)

	return clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof), nil
}

// HandleServerFinal verifies server-final-message's signature.
func (c *ClientExchange) HandleServerFinal(serverFinal string) error {
	fields, err := parseScramFields(serverFinal)
	if err != nil {
		return err
	}
	if v, ok := fields["e"]; ok {
		return fmt.Errorf("scram: server error: %s", v)
	}
	sig, err := base64.StdEncoding.DecodeString(fields["v"])
	if err != nil {
		return fmt.Errorf("scram: invalid server signature encoding: %w", err)
	}
	if subtle.ConstantTimeCompare(sig, c.serverSignature) != 1 {
		return fmt.Errorf("scram: server signature mismatch")
	}
	return nil
}

// ---- Server side ----

// ServerExchange drives the server half against a stored ScramVerifier.
type ServerExchange struct {
	verifier        *ScramVerifier
	serverNonce     string
	clientFirstBare string
	serverFirst     string
}

func NewServerExchange(v *ScramVerifier) (*ServerExchange, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	return &ServerExchange{verifier: v, serverNonce: nonce}, nil
}

// HandleClientFirst consumes client-first-message (without the GS2
// header) and returns server-first-message.
func (s *ServerExchange) HandleClientFirst(clientFirstBare string) (string, error) {
	fields, err := parseScramFields(clientFirstBare)
	if err != nil {
		return "", err
	}
	clientNonce, ok := fields["r"]
	if !ok {
		return "", NewErr("scram: missing client nonce")
	}
	s.clientFirstBare = clientFirstBare
	combinedNonce := clientNonce + s.serverNonce
	s.serverNonce = combinedNonce
	s.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d",
		combinedNonce,
		base64.StdEncoding.EncodeToString(s.verifier.Salt),
		s.verifier.Iterations,
	)
	return s.serverFirst, nil
}

// HandleClientFinal verifies client-final-message's proof against the
// stored verifier and, on success, returns server-final-message.
func (s *ServerExchange) HandleClientFinal(clientFinal string) (string, error) {
	fields, err := parseScramFields(clientFinal)
	if err != nil {
		return "", err
	}
	if fields["r"] != s.serverNonce {
		return "", NewErr("scram: nonce mismatch")
	}
	proof, err := base64.StdEncoding.DecodeString(fields["p"])
	if err != nil {
		return "", NewErr("scram: invalid client proof encoding")
	}

	clientFinalWithoutProof := "c=" + fields["c"] + ",r=" + fields["r"]
	authMessage := s.clientFirstBare + "," + s.serverFirst + "," + clientFinalWithoutProof

	clientSignature := hmac.New(sha256.New, s.verifier.StoredKey[:])
	clientSignature.Write([]byte(authMessage))
	expectedClientKey := xorBytes(proof, clientSignature.Sum(nil))
	gotStoredKey := sha256.Sum256(expectedClientKey)

	if subtle.ConstantTimeCompare(gotStoredKey[:], s.verifier.StoredKey[:]) != 1 {
		return "", NewErr("scram: client proof mismatch")
	}

	serverSig := hmac.New(sha256.New, s.verifier.ServerKey)
	serverSig.Write([]byte(authMessage))
	return "v=" + base64.StdEncoding.EncodeToString(serverSig.Sum(nil)), nil
}

func parseScramFields(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		idx := strings.IndexByte(part, '=')
		if idx < 0 {
			return nil, fmt.Errorf("scram: malformed field %q", part)
		}
		out[part[:idx]] = part[idx+1:]
	}
	return out, nil
}
