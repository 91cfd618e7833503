// Package repository persists key store material on the local filesystem.
//
// The key directory holds three files and a backup tree:
//
//	<dir>/master.key       base64 master key, only when no root secret is configured
//	<dir>/master.salt      base64 Argon2id salt, only when a root secret is configured
//	<dir>/data-keys.json   KeyBundle with every wrapped data key
//	<dir>/backups/<ts>/    copies of the files above taken before each rotation
//
// The directory is created with mode 0700 and every file with mode 0600. Writes go to a
// temporary file in the same directory followed by a rename, so a crash mid-write leaves
// the previous file intact.
package repository

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
)

const (
	dirMode  os.FileMode = 0o700
	fileMode os.FileMode = 0o600

	backupTimeLayout = "20060102T150405.000000000Z"
)

// FileRepository stores key files under a single directory.
type FileRepository struct {
	dir string
}

// NewFileRepository creates a repository rooted at dir. The directory is not touched until
// EnsureDir or a Save method is called.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{dir: dir}
}

// Dir returns the key directory.
func (r *FileRepository) Dir() string {
	return r.dir
}

// EnsureDir creates the key directory with owner-only permissions when missing.
func (r *FileRepository) EnsureDir() error {
	if r.dir == "" {
		return errors.New("key directory is not configured")
	}
	if err := os.MkdirAll(r.dir, dirMode); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	return os.Chmod(r.dir, dirMode)
}

// LoadMasterKey reads the persisted master key. Returns fs.ErrNotExist when absent.
func (r *FileRepository) LoadMasterKey() ([]byte, error) {
	return r.readBase64(keystoreDomain.MasterKeyFile)
}

// SaveMasterKey persists a generated master key.
func (r *FileRepository) SaveMasterKey(key []byte) error {
	return r.writeBase64(keystoreDomain.MasterKeyFile, key)
}

// LoadSalt reads the Argon2id salt. Returns fs.ErrNotExist when absent.
func (r *FileRepository) LoadSalt() ([]byte, error) {
	return r.readBase64(keystoreDomain.MasterSaltFile)
}

// SaveSalt persists the Argon2id salt.
func (r *FileRepository) SaveSalt(salt []byte) error {
	return r.writeBase64(keystoreDomain.MasterSaltFile, salt)
}

// LoadBundle reads and decodes the wrapped data key bundle. Returns fs.ErrNotExist when absent.
func (r *FileRepository) LoadBundle() (*keystoreDomain.KeyBundle, error) {
	data, err := os.ReadFile(r.path(keystoreDomain.BundleFile))
	if err != nil {
		return nil, err
	}

	var bundle keystoreDomain.KeyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode key bundle: %w", err)
	}
	if bundle.FormatVersion != keystoreDomain.BundleFormatVersion {
		return nil, fmt.Errorf("unsupported key bundle format version %d", bundle.FormatVersion)
	}
	return &bundle, nil
}

// SaveBundle encodes and atomically replaces the wrapped data key bundle.
func (r *FileRepository) SaveBundle(bundle *keystoreDomain.KeyBundle) error {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key bundle: %w", err)
	}
	return r.writeAtomic(keystoreDomain.BundleFile, data)
}

// Backup copies every existing key file into backups/<UTC timestamp>/ and returns the
// backup directory. Missing files are skipped.
func (r *FileRepository) Backup(now time.Time) (string, error) {
	target := filepath.Join(r.dir, keystoreDomain.BackupDir, now.UTC().Format(backupTimeLayout))
	if err := os.MkdirAll(target, dirMode); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	for _, name := range []string{
		keystoreDomain.MasterKeyFile,
		keystoreDomain.MasterSaltFile,
		keystoreDomain.BundleFile,
	} {
		data, err := os.ReadFile(r.path(name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s for backup: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(target, name), data, fileMode); err != nil {
			return "", fmt.Errorf("failed to write backup of %s: %w", name, err)
		}
	}

	return target, nil
}

func (r *FileRepository) path(name string) string {
	return filepath.Join(r.dir, name)
}

func (r *FileRepository) readBase64(name string) ([]byte, error) {
	data, err := os.ReadFile(r.path(name))
	if err != nil {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return decoded, nil
}

func (r *FileRepository) writeBase64(name string, value []byte) error {
	return r.writeAtomic(name, []byte(base64.StdEncoding.EncodeToString(value)+"\n"))
}

func (r *FileRepository) writeAtomic(name string, data []byte) error {
	if err := r.EnsureDir(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(r.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set permissions on %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}

	if err := os.Rename(tmpName, r.path(name)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}
