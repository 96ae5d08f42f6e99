package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/keystonevault/secretsd/internal/misc"
)

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func DeriveKey(password []byte, saltEnclave *memguard.Enclave) (*memguard.LockedBuffer, error) {
	// Open the salt enclave
	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}
	defer saltBuffer.Destroy() // Clean up salt buffer

	// Make a copy of salt bytes to avoid issues with concurrent access
	saltBytes := make([]byte, len(saltBuffer.Bytes()))
	copy(saltBytes, saltBuffer.Bytes())
	defer memguard.WipeBytes(saltBytes)

	// Derive the key
	derivedKey := argon2.IDKey(
		password,
		saltBytes,
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)

	// Protect the derived key immediately
	protectedKey := memguard.NewBufferFromBytes(derivedKey)

	// Wipe the unprotected derived key
	memguard.WipeBytes(derivedKey)

	return protectedKey, nil
}

// EncryptValue is a helper function to encrypt values with a key
func EncryptValue(value, key []byte) ([]byte, error) {
	// Create cipher
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Generate nonce
	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Encrypt value
	ciphertext := aead.Seal(nil, nonce, value, nil)

	// Combine nonce and ciphertext
	encrypted := make([]byte, len(nonce)+len(ciphertext))
	copy(encrypted[:len(nonce)], nonce)
	copy(encrypted[len(nonce):], ciphertext)

	return encrypted, nil
}

// DecryptValue decrypts a value using XChaCha20-Poly1305 AEAD cipher
func DecryptValue(encryptedData, key []byte) ([]byte, error) {
	// Create the AEAD cipher using the key
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Validate input
	if len(encryptedData) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	// Extract the nonce from the beginning of the encrypted data
	nonceSize := aead.NonceSize()
	nonce := encryptedData[:nonceSize]
	ciphertext := encryptedData[nonceSize:]

	// Decrypt the ciphertext
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

func IsWeakKey(key []byte) bool {
	if len(key) < 32 {
		return true
	}

	// Check for all zeros
	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return true
	}

	// Check for all same byte
	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Basic entropy check - count unique bytes
	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}

	// Should have reasonable variety (at least 16 different byte values)
	if len(uniqueBytes) < 16 {
		return true
	}

	return false
}
