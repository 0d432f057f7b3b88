package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// blobVersion is the on-disk record schema version.
const blobVersion = 1

// Credential is the OAuth material for one account. It is owned by the
// authenticator during a flow, mutated only by refresh, and never logged.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	OwnerEmail   string    `json:"owner_email"`
}

// encryptedBlob is the JSON record written to disk, one file per account.
// All binary fields are base64.
type encryptedBlob struct {
	IV      string `json:"iv"`
	AuthTag string `json:"authTag"`
	Data    string `json:"data"`
	Version int    `json:"version"`
}

// Store encrypts and persists credentials, one record per account.
type Store struct {
	dir  string
	aead cipher.AEAD
}

// New creates a store rooted at dir using the given 256-bit key.
// The directory is created with owner-only permissions.
func New(dir string, key []byte) (*Store, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("credstore: key must be %d bytes, got %d", keySize, len(key))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: creating directory: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credstore: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credstore: creating GCM: %w", err)
	}
	return &Store{dir: dir, aead: gcm}, nil
}

// DefaultDir returns the default credential directory (~/.pfeil/credentials).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".pfeil", "credentials")
	}
	return filepath.Join(home, ".pfeil", "credentials")
}

// Save encrypts and persists a credential. The write is atomic: the record
// is written to a temporary file in the same directory and renamed over the
// target, so a crash mid-write never leaves a partially-written record.
func (s *Store) Save(cred Credential) error {
	if cred.OwnerEmail == "" {
		return fmt.Errorf("credstore: credential has no owner email")
	}

	plaintext, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("credstore: marshaling credential: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("credstore: generating nonce: %w", err)
	}

	sealed := s.aead.Seal(nil, nonce, plaintext, nil)
	tagStart := len(sealed) - s.aead.Overhead()

	blob, err := json.Marshal(encryptedBlob{
		IV:      base64.StdEncoding.EncodeToString(nonce),
		AuthTag: base64.StdEncoding.EncodeToString(sealed[tagStart:]),
		Data:    base64.StdEncoding.EncodeToString(sealed[:tagStart]),
		Version: blobVersion,
	})
	if err != nil {
		return fmt.Errorf("credstore: marshaling record: %w", err)
	}

	target := s.path(cred.OwnerEmail)
	tmp, err := os.CreateTemp(s.dir, ".cred-*")
	if err != nil {
		return fmt.Errorf("credstore: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: restricting temp file: %w", err)
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: writing record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credstore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("credstore: replacing record: %w", err)
	}
	return nil
}

// Load decrypts the credential for the given account email. A missing
// record, an unknown schema version, or a failed integrity check all return
// ok=false with a nil error: the caller re-triggers login instead of
// crashing. Only unexpected I/O failures return an error.
func (s *Store) Load(email string) (*Credential, bool, error) {
	raw, err := os.ReadFile(s.path(email))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("credstore: reading record: %w", err)
	}

	var blob encryptedBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		slog.Warn("credstore: discarding unparseable record", "account", email)
		return nil, false, nil
	}
	if blob.Version != blobVersion {
		slog.Warn("credstore: discarding record with unknown schema version",
			"account", email, "version", blob.Version)
		return nil, false, nil
	}

	nonce, err1 := base64.StdEncoding.DecodeString(blob.IV)
	tag, err2 := base64.StdEncoding.DecodeString(blob.AuthTag)
	data, err3 := base64.StdEncoding.DecodeString(blob.Data)
	if err1 != nil || err2 != nil || err3 != nil || len(nonce) != s.aead.NonceSize() {
		slog.Warn("credstore: discarding record with malformed encoding", "account", email)
		return nil, false, nil
	}

	plaintext, err := s.aead.Open(nil, nonce, append(data, tag...), nil)
	if err != nil {
		// Integrity failure: wrong key or tampered record. Degrade to
		// "credential absent" so the caller re-authenticates.
		slog.Warn("credstore: integrity check failed, treating credential as absent", "account", email)
		return nil, false, nil
	}

	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		slog.Warn("credstore: discarding record with malformed payload", "account", email)
		return nil, false, nil
	}
	return &cred, true, nil
}

// Delete removes the record for the given account. Missing records are not
// an error.
func (s *Store) Delete(email string) error {
	if err := os.Remove(s.path(email)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("credstore: deleting record: %w", err)
	}
	return nil
}

// List returns the account identifiers with stored records.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("credstore: reading directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".cred") {
			ids = append(ids, strings.TrimSuffix(name, ".cred"))
		}
	}
	return ids, nil
}

func (s *Store) path(email string) string {
	return filepath.Join(s.dir, AccountID(email)+".cred")
}

// AccountID maps an account email to a filesystem-safe identifier.
func AccountID(email string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(email) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
