// Package credstore persists per-account OAuth credentials encrypted at rest.
//
// The 256-bit master key comes from the OS-native credential vault when one
// is available (macOS Keychain, Windows Credential Manager, libsecret/kwallet
// on Linux). On headless or server machines without a vault, the key is
// derived with PBKDF2 (100,000 iterations, SHA-256) from stable
// machine-identifying data plus a fixed, versioned salt. The fallback is
// logged as reduced-security; it never fails silently.
//
// Each account's credential is stored as an individually-addressable
// encrypted record (AES-256-GCM, random nonce per write) and written with an
// atomic temp-file-then-rename so a crash mid-write cannot leave a corrupt
// record visible.
package credstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyringService = "pfeil"
	keyringAccount = "credstore-key"
	keySize        = 32

	// fallbackSalt is fixed and versioned; bump the suffix if the
	// derivation inputs ever change so old stores fail loudly instead of
	// decrypting garbage.
	fallbackSalt       = "pfeil-credstore-v1"
	fallbackIterations = 100_000
)

// LoadKey obtains the 256-bit master encryption key. It prefers the OS
// credential vault, creating and storing a fresh random key on first use.
// When no vault is reachable it derives a deterministic key from
// machine-identifying data and logs the reduced-security fallback.
func LoadKey() ([]byte, error) {
	if encoded, err := keyring.Get(keyringService, keyringAccount); err == nil {
		key, decErr := base64.StdEncoding.DecodeString(encoded)
		if decErr != nil || len(key) != keySize {
			return nil, fmt.Errorf("credstore: vault holds malformed key: %v", decErr)
		}
		return key, nil
	} else if err != keyring.ErrNotFound {
		// Vault unreachable (headless, CI, container).
		slog.Warn("credstore: OS credential vault unavailable, deriving key from machine identity (reduced security)",
			"error", err.Error())
		return deriveFallbackKey()
	}

	// Vault reachable but no key yet: create one.
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("credstore: generating key: %w", err)
	}
	if err := keyring.Set(keyringService, keyringAccount, base64.StdEncoding.EncodeToString(key)); err != nil {
		slog.Warn("credstore: storing key in vault failed, deriving key from machine identity (reduced security)",
			"error", err.Error())
		return deriveFallbackKey()
	}
	slog.Info("credstore: created encryption key in OS credential vault")
	return key, nil
}

// deriveFallbackKey stretches stable machine-identifying data into a key.
func deriveFallbackKey() ([]byte, error) {
	seed, err := machineSeed()
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key(seed, []byte(fallbackSalt), fallbackIterations, keySize, sha256.New), nil
}

// machineSeed collects identifying data that is stable across restarts:
// the machine ID where the platform provides one, plus hostname and the
// owning user's home directory.
func machineSeed() ([]byte, error) {
	var seed []byte
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			seed = append(seed, data...)
			break
		}
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("credstore: reading hostname: %w", err)
	}
	seed = append(seed, hostname...)
	if home, err := os.UserHomeDir(); err == nil {
		seed = append(seed, home...)
	}
	if len(seed) == 0 {
		return nil, fmt.Errorf("credstore: no machine-identifying data available")
	}
	return seed, nil
}
