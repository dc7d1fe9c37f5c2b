// Package auth defines the authentication mechanism vocabulary shared by
// both handshake state machines (internal/handshake/...) plus the
// SCRAM-SHA-256 and MD5 exchange implementations they drive.
package auth

import "fmt"

// Type is the mechanism an embedder asks a client to use, or that a
// stored credential implies.
type Type int

const (
	Deny Type = iota
	Trust
	Plain
	Md5
	ScramSha256
)

func (t Type) String() string {
	switch t {
	case Deny:
		return "deny"
	case Trust:
		return "trust"
	case Plain:
		return "plain"
	case Md5:
		return "md5"
	case ScramSha256:
		return "scram-sha-256"
	default:
		return "unknown"
	}
}

// Credential is the sum type `Deny | Trust | Plain(password) |
// Md5(stored_hash) | ScramSha256(verifier)`. Exactly one of the fields
// below is meaningful, selected by Type.
type Credential struct {
	Type Type

	// Plain: the cleartext password.
	Password string

	// Md5: the pre-hashed "md5"+md5(password+user) stored value, without
	// a salt (the salt is generated per-connection by the handshake).
	MD5StoredHash string

	// ScramSha256: the stored verifier (salt, iteration count, StoredKey,
	// ServerKey), matching what `pg_authid.rolpassword` holds for a
	// SCRAM-authenticated role.
	ScramVerifier *ScramVerifier
}

func DenyCredential() Credential { return Credential{Type: Deny} }

func TrustCredential() Credential { return Credential{Type: Trust} }

func PlainCredential(password string) Credential {
	return Credential{Type: Plain, Password: password}
}

func MD5Credential(storedHash string) Credential {
	return Credential{Type: Md5, MD5StoredHash: storedHash}
}

func ScramCredential(v *ScramVerifier) Credential {
	return Credential{Type: ScramSha256, ScramVerifier: v}
}

// Err is the AuthError kind from spec §7: no mechanism in common, bad
// credential, or an explicit deny.
type Err struct {
	Reason string
}

func (e *Err) Error() string { return fmt.Sprintf("auth error: %s", e.Reason) }

func NewErr(reason string) error { return &Err{Reason: reason} }
