package securestore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/crypto/hkdf"

	iaperrors "github.com/rcourtman/pulse-iap/internal/errors"
)

const (
	// MasterKeyFileName holds the generated secret when none is configured.
	MasterKeyFileName = ".store-key"

	itemFileSuffix = ".enc"
	hkdfInfo       = "pulse-iap-secure-store"

	privateDirPerm   = 0o700
	privateFilePerm  = 0o600
	maxMasterKeySize = 4096
	maxItemFileSize  = 1 << 20 // 1 MiB
)

var errUnsafePath = errors.New("unsafe secure store path")

// FileStore keeps each item AES-256-GCM encrypted in its own owner-only file.
// The item key is bound to the ciphertext as additional data, so a file moved
// under another name fails to open.
type FileStore struct {
	dir  string
	aead cipher.AEAD
	mu   sync.Mutex
}

// NewFileStore opens (creating if needed) a store rooted at dir. The AES key is
// derived with HKDF from secret; when secret is empty a random master key is
// generated once and kept in dir.
func NewFileStore(dir, secret string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("secure store directory cannot be empty")
	}
	if err := ensureOwnerOnlyDir(dir); err != nil {
		return nil, fmt.Errorf("secure store directory: %w", err)
	}

	if strings.TrimSpace(secret) == "" {
		generated, err := ensureMasterKey(dir)
		if err != nil {
			return nil, fmt.Errorf("secure store master key: %w", err)
		}
		secret = generated
	}

	key, err := deriveKey([]byte(secret))
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &FileStore{dir: dir, aead: aead}, nil
}

// Dir returns the store root.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	if err := checkKey(ctx, "get_item", key); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := readBoundedRegularFile(s.itemPath(key), maxItemFileSize)
	if err != nil {
		if isMissingPathError(err) {
			return "", false, nil
		}
		return "", false, iaperrors.WrapStoreError("get_item", key, err)
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return "", false, iaperrors.NewStorageError(iaperrors.StorageParse, "get_item", key, err)
	}
	plaintext, err := s.open(sealed, key)
	if err != nil {
		return "", false, iaperrors.WrapStoreError("get_item", key, err)
	}
	return string(plaintext), true, nil
}

func (s *FileStore) SetItem(ctx context.Context, key, value string) error {
	if err := checkKey(ctx, "set_item", key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.seal([]byte(value), key)
	if err != nil {
		return iaperrors.WrapStoreError("set_item", key, err)
	}
	encoded := base64.StdEncoding.EncodeToString(sealed)
	if err := writeOwnerOnlyFileAtomic(s.itemPath(key), []byte(encoded)); err != nil {
		return iaperrors.WrapStoreError("set_item", key, err)
	}
	return nil
}

func (s *FileStore) DeleteItem(ctx context.Context, key string) error {
	if err := checkKey(ctx, "delete_item", key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.itemPath(key)); err != nil && !isMissingPathError(err) {
		return iaperrors.WrapStoreError("delete_item", key, err)
	}
	return nil
}

// itemPath maps a key to a file name that is safe regardless of key content.
func (s *FileStore) itemPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+itemFileSuffix)
}

func (s *FileStore) seal(plaintext []byte, key string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(key)), nil
}

func (s *FileStore) open(sealed []byte, key string) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes, need at least %d", len(sealed), nonceSize)
	}
	plaintext, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decrypt ciphertext: %w", err)
	}
	return plaintext, nil
}

func deriveKey(secret []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("hkdf read: %w", err)
	}
	return key, nil
}

func ensureMasterKey(dir string) (string, error) {
	path := filepath.Join(dir, MasterKeyFileName)

	data, err := readBoundedRegularFile(path, maxMasterKeySize)
	if err == nil {
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("%w: master key file is empty", errUnsafePath)
		}
		return key, os.Chmod(path, privateFilePerm)
	}
	if !isMissingPathError(err) {
		return "", err
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}
	key := hex.EncodeToString(raw)
	if err := writeOwnerOnlyFileAtomic(path, []byte(key)); err != nil {
		return "", err
	}
	return key, nil
}

func isMissingPathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func ensureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return err
	}
	return os.Chmod(dir, privateDirPerm)
}

func validateRegularFile(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink %q", errUnsafePath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", errUnsafePath, path)
	}
	return nil
}

func readBoundedRegularFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if err := validateRegularFile(path, info); err != nil {
		return nil, err
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("%w: %q is %d bytes, limit %d", errUnsafePath, path, info.Size(), maxSize)
	}
	return os.ReadFile(path)
}

func writeOwnerOnlyFileAtomic(path string, data []byte) error {
	if info, err := os.Lstat(path); err == nil {
		if err := validateRegularFile(path, info); err != nil {
			return err
		}
	} else if !isMissingPathError(err) {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(privateFilePerm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	committed = true
	return nil
}
