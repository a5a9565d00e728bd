package client

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

const hashIterations = 4096

// HashPassword derives the digest sent on the wire in place of the
// plaintext password. The salt is derived from the username so the
// digest is stable across sessions and machines.
func HashPassword(username, password string) string {
	salt := []byte("chatd|" + username)
	key := pbkdf2.Key([]byte(password), salt, hashIterations, 32, sha256.New)
	return hex.EncodeToString(key)
}
