package ifap

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// keySize is the secretbox key length in bytes.
const keySize = 32

// nonceSize is the secretbox nonce length in bytes.
const nonceSize = 24

// DeriveKey derives a symmetric key from a passphrase by taking its
// SHA-256 digest directly, matching the protocol's key-derivation
// scheme (spec §6). The digest is 32 bytes, exactly secretbox's key
// size; no further encoding is needed since this is the raw key
// material, not a representation to transmit.
func DeriveKey(passphrase string) [keySize]byte {
	return sha256.Sum256([]byte(passphrase))
}

// seal authenticated-encrypts plaintext under key, returning
// nonce||ciphertext. A fresh random nonce is generated per call.
func seal(key [keySize]byte, plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, nonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, &key)
	return out, nil
}

// open authenticated-decrypts a nonce||ciphertext blob produced by seal.
func open(key [keySize]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("decryption failed (wrong key or corrupt data)")
	}
	return plaintext, nil
}
