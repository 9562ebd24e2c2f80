package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for deriving the sealing key from the machine secret.
// The secret is low-entropy (often a short installer-provisioned string), so
// we pay for a memory-hard derivation once per process.
const (
	keyIterations  = 3
	keyMemory      = 64 * 1024
	keyParallelism = 2
	keyLength      = 32
)

var (
	sealKeyOnce sync.Once
	sealKey     []byte
	sealKeyErr  error
	secretPath  string = "" // Can be set via SetSecretPath before first use
)

// SetSecretPath configures where to load the machine secret from.
// This must be called before any Seal/Open operations.
// If not set, the secret is read from the CLUBSESSION_MACHINE_SECRET
// environment variable.
func SetSecretPath(path string) {
	secretPath = path
}

// loadSealKey derives a 32-byte AES-256 key from either:
// 1. File specified by secretPath (if set and present; a fresh install has
//    no secret file yet, so absence falls through rather than failing every
//    write until the installer provisions one)
// 2. CLUBSESSION_MACHINE_SECRET environment variable
// 3. An ephemeral random secret (development only; sealed records won't
//    survive a restart)
func loadSealKey() ([]byte, error) {
	var secret []byte

	if data, err := readSecretFile(); err != nil {
		return nil, err
	} else if data != nil {
		secret = data
	} else if envSecret := os.Getenv("CLUBSESSION_MACHINE_SECRET"); envSecret != "" {
		secret = []byte(envSecret)
	} else {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral machine secret: %w", err)
		}
	}

	// Static per-purpose salt; the secret is per-machine, not per-record.
	salt := sha256.Sum256([]byte("clubsession/at-rest"))
	return argon2.IDKey(secret, salt[:16], keyIterations, keyMemory, keyParallelism, keyLength), nil
}

// readSecretFile returns the configured secret file's contents, nil when no
// path is set or the file does not exist yet.
func readSecretFile() ([]byte, error) {
	if secretPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(secretPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read machine secret file: %w", err)
	}
	return data, nil
}

func getSealKey() ([]byte, error) {
	sealKeyOnce.Do(func() {
		sealKey, sealKeyErr = loadSealKey()
	})
	if sealKeyErr != nil {
		return nil, sealKeyErr
	}
	return sealKey, nil
}

// Seal encrypts a serialized session record for at-rest storage in the
// durable scope using AES-256-GCM.
// The output format is: [12-byte nonce][encrypted data][16-byte auth tag]
func Seal(plaintext []byte) ([]byte, error) {
	key, err := getSealKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get sealing key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// gcm.Seal appends the ciphertext and auth tag to nonce
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data sealed with Seal.
// Expects format: [12-byte nonce][encrypted data][16-byte auth tag]
func Open(sealed []byte) ([]byte, error) {
	key, err := getSealKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get sealing key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed data too short: %d bytes", len(sealed))
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// ResetSealKeyForTesting clears the cached key so tests can swap secrets.
func ResetSealKeyForTesting() {
	sealKeyOnce = sync.Once{}
	sealKey = nil
	sealKeyErr = nil
}
