package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	KeyPrefix = "rk_"

	// keyLength is the number of random bytes, hex encoded into the key body.
	keyLength = 24
	// lookupPrefixLength is how many leading characters of the raw key are stored in clear for lookup.
	lookupPrefixLength = 16

	keySuffixLength = 4

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

type Key struct {
	PrefixedRawValue string
	LookupPrefix     string
	SecretHash       string
	MaskedValue      string
}

func MaskKey(prefix string, value string) string {
	if len(value) <= keySuffixLength {
		return prefix + strings.Repeat("*", len(value))
	}

	lastFour := value[len(value)-keySuffixLength:]
	stars := strings.Repeat("*", len(value)-keySuffixLength)

	return prefix + stars + lastFour
}

func GenerateKey() (Key, error) {
	keyBytes := make([]byte, keyLength)
	_, err := rand.Read(keyBytes)
	if err != nil {
		return Key{}, err
	}

	generated := hex.EncodeToString(keyBytes)
	raw := KeyPrefix + generated

	lookup, secret, err := SplitKey(raw)
	if err != nil {
		return Key{}, err
	}

	hash, err := HashSecret(secret)
	if err != nil {
		return Key{}, err
	}

	return Key{
		PrefixedRawValue: raw,
		LookupPrefix:     lookup,
		SecretHash:       hash,
		MaskedValue:      MaskKey(KeyPrefix, generated),
	}, nil
}

// SplitKey splits a raw key into its indexable prefix and the secret remainder.
func SplitKey(raw string) (prefix string, secret string, err error) {
	if !strings.HasPrefix(raw, KeyPrefix) {
		return "", "", fmt.Errorf("%w: invalid key prefix", ErrUnauthorized)
	}

	if len(raw) != len(KeyPrefix)+2*keyLength {
		return "", "", fmt.Errorf("%w: invalid key length", ErrUnauthorized)
	}

	if _, err := hex.DecodeString(raw[len(KeyPrefix):]); err != nil {
		return "", "", fmt.Errorf("%w: invalid key", ErrUnauthorized)
	}

	return raw[:lookupPrefixLength], raw[lookupPrefixLength:], nil
}

func HashSecret(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	return encodeHash(salt, argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)), nil
}

// VerifySecret recomputes the argon2id hash with the stored salt and compares in constant time.
func VerifySecret(secret string, encoded string) bool {
	salt, expected, ok := decodeHash(encoded)
	if !ok {
		return false
	}

	actual := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, uint32(len(expected)))

	return subtle.ConstantTimeCompare(actual, expected) == 1
}

var dummySecretHash = sync.OnceValue(func() string {
	hash, err := HashSecret("dummy-secret-for-timing")
	if err != nil {
		return encodeHash(make([]byte, argonSaltLen), make([]byte, argonKeyLen))
	}

	return hash
})

// burnVerification spends the same work as a real verification when the key is unknown.
func burnVerification(secret string) {
	_ = VerifySecret(secret, dummySecretHash())
}

func encodeHash(salt, hash []byte) string {
	return fmt.Sprintf("$argon2id$%s$%s", base64.RawStdEncoding.EncodeToString(salt), base64.RawStdEncoding.EncodeToString(hash))
}

func decodeHash(encoded string) (salt []byte, hash []byte, ok bool) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != "" || parts[1] != "argon2id" {
		return nil, nil, false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, nil, false
	}

	hash, err = base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(hash) == 0 {
		return nil, nil, false
	}

	return salt, hash, true
}
