package auth

import (
	"crypto/md5"
	"encoding/hex"
)

// MD5StoredHash computes the value PostgreSQL stores for a role
// authenticated with "md5": "md5" + md5(password+user).
func MD5StoredHash(password, user string) string {
	return "md5" + hexMD5(password+user)
}

// MD5ClientResponse computes the client's reply to an
// AuthenticationMD5Password challenge: "md5" + md5(md5(password+user) +
// salt), matching the base's computeMD5Password exactly.
func MD5ClientResponse(password, user string, salt [4]byte) string {
	inner := hexMD5(password + user)
	return "md5" + hexMD5(inner+string(salt[:]))
}

// VerifyMD5 checks a client's MD5ClientResponse against a stored hash
// (the output of MD5StoredHash) plus the salt that was sent.
func VerifyMD5(clientResponse, storedHash string, salt [4]byte) bool {
	if len(storedHash) < 3 || storedHash[:3] != "md5" {
		return false
	}
	expected := "md5" + hexMD5(storedHash[3:]+string(salt[:]))
	return expected == clientResponse
}

func hexMD5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
