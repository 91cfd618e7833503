package usecase

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
	keystoreService "github.com/allisson/fieldvault/internal/keystore/service"
	"github.com/allisson/fieldvault/internal/validation"
)

// Options configures a key store.
type Options struct {
	// Algorithm is used for new data keys and for wrapping them. Defaults to AES-GCM.
	Algorithm keystoreDomain.Algorithm

	// RootSecret, when set and no master.key exists, derives the master key with Argon2id.
	RootSecret []byte

	// RetiredHistory bounds how many retired versions each context keeps after a rotation.
	// Zero keeps every retired version.
	RetiredHistory int

	// Contexts are provisioned on bootstrap. Defaults to keystoreDomain.KnownContexts().
	Contexts []string
}

// keyStoreUseCase implements KeyStore on top of a KeyRepository.
//
// The current KeyRing is published through an atomic pointer. Writers build a complete new
// ring under mu, persist it, and only then swap the pointer, so a failed write leaves the
// previous ring in place and readers never wait on a writer.
type keyStoreUseCase struct {
	repo       KeyRepository
	keyWrapper keystoreService.KeyWrapper
	deriver    keystoreService.KeyDeriver
	opts       Options
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	masterKey *keystoreDomain.MasterKey
	ring      atomic.Pointer[keystoreDomain.KeyRing]
}

// NewKeyStore creates a key store. Initialize must be called before any lookup.
func NewKeyStore(
	repo KeyRepository,
	keyWrapper keystoreService.KeyWrapper,
	deriver keystoreService.KeyDeriver,
	opts Options,
	logger *slog.Logger,
) KeyStore {
	if opts.Algorithm == "" {
		opts.Algorithm = keystoreDomain.AESGCM
	}
	if len(opts.Contexts) == 0 {
		opts.Contexts = keystoreDomain.KnownContexts()
	}
	return &keyStoreUseCase{
		repo:       repo,
		keyWrapper: keyWrapper,
		deriver:    deriver,
		opts:       opts,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func unavailable(err error, msg string) error {
	return fmt.Errorf("%w: %s: %w", keystoreDomain.ErrKeyStoreUnavailable, msg, err)
}

// Initialize loads or creates the master key and the data key bundle.
func (k *keyStoreUseCase) Initialize(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.ring.Load() != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := k.repo.EnsureDir(); err != nil {
		return unavailable(err, "key directory")
	}

	masterKey, err := k.loadMasterKey()
	if err != nil {
		return err
	}

	ring, created, err := k.loadRing(masterKey)
	if err != nil {
		masterKey.Close()
		return err
	}

	k.masterKey = masterKey
	k.ring.Store(ring)

	k.logger.Info("key store initialized",
		slog.String("master_key_source", string(masterKey.Source)),
		slog.Int("contexts", ring.Len()),
		slog.Int("created_contexts", created),
	)
	return nil
}

func (k *keyStoreUseCase) loadMasterKey() (*keystoreDomain.MasterKey, error) {
	raw, err := k.repo.LoadMasterKey()
	if err == nil {
		defer keystoreDomain.Zero(raw)
		mk, err := keystoreDomain.NewMasterKey(raw, keystoreDomain.MasterKeyFromFile)
		if err != nil {
			return nil, unavailable(err, "master key file")
		}
		return mk, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, unavailable(err, "master key file")
	}

	if len(k.opts.RootSecret) > 0 {
		return k.deriveMasterKey()
	}

	raw = make([]byte, keystoreDomain.KeySize)
	defer keystoreDomain.Zero(raw)
	if _, err := rand.Read(raw); err != nil {
		return nil, unavailable(err, "generate master key")
	}
	if err := k.repo.SaveMasterKey(raw); err != nil {
		return nil, unavailable(err, "persist master key")
	}
	k.logger.Warn("generated a new master key; back up the key directory")

	return keystoreDomain.NewMasterKey(raw, keystoreDomain.MasterKeyGenerated)
}

func (k *keyStoreUseCase) deriveMasterKey() (*keystoreDomain.MasterKey, error) {
	salt, err := k.repo.LoadSalt()
	if errors.Is(err, fs.ErrNotExist) {
		salt, err = k.deriver.NewSalt()
		if err != nil {
			return nil, unavailable(err, "generate salt")
		}
		if err := k.repo.SaveSalt(salt); err != nil {
			return nil, unavailable(err, "persist salt")
		}
	} else if err != nil {
		return nil, unavailable(err, "salt file")
	}

	raw, err := k.deriver.Derive(k.opts.RootSecret, salt)
	if err != nil {
		return nil, unavailable(err, "derive master key")
	}
	defer keystoreDomain.Zero(raw)

	return keystoreDomain.NewMasterKey(raw, keystoreDomain.MasterKeyDerived)
}

// loadRing unwraps the persisted bundle, creating data keys for every configured context that
// is missing. Returns the ring and the number of contexts created.
func (k *keyStoreUseCase) loadRing(masterKey *keystoreDomain.MasterKey) (*keystoreDomain.KeyRing, int, error) {
	var keys []*keystoreDomain.DataKey

	bundle, err := k.repo.LoadBundle()
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, 0, unavailable(err, "key bundle")
	default:
		for _, wrapped := range bundle.Keys {
			dk, err := k.keyWrapper.Unwrap(masterKey, wrapped)
			if err != nil {
				zeroKeys(keys)
				return nil, 0, unavailable(err, "unwrap data key")
			}
			keys = append(keys, dk)
		}
	}

	existing := keystoreDomain.NewKeyRing(keys)
	created := 0
	for _, name := range k.opts.Contexts {
		if _, ok := existing.Active(name); ok {
			continue
		}
		dk, err := k.keyWrapper.GenerateDataKey(name, 1, k.opts.Algorithm)
		if err != nil {
			zeroKeys(keys)
			return nil, 0, unavailable(err, "generate data key")
		}
		keys = append(keys, dk)
		created++
	}

	if created > 0 {
		if err := k.persist(masterKey, keys); err != nil {
			zeroKeys(keys)
			return nil, 0, unavailable(err, "persist key bundle")
		}
	}

	return keystoreDomain.NewKeyRing(keys), created, nil
}

func (k *keyStoreUseCase) persist(masterKey *keystoreDomain.MasterKey, keys []*keystoreDomain.DataKey) error {
	bundle := &keystoreDomain.KeyBundle{
		FormatVersion: keystoreDomain.BundleFormatVersion,
		UpdatedAt:     k.now(),
		Keys:          make([]keystoreDomain.WrappedDataKey, 0, len(keys)),
	}
	for _, dk := range keys {
		wrapped, err := k.keyWrapper.Wrap(masterKey, dk)
		if err != nil {
			return err
		}
		bundle.Keys = append(bundle.Keys, wrapped)
	}
	return k.repo.SaveBundle(bundle)
}

func (k *keyStoreUseCase) currentRing() (*keystoreDomain.KeyRing, error) {
	ring := k.ring.Load()
	if ring == nil {
		return nil, keystoreDomain.ErrNotInitialized
	}
	return ring, nil
}

// GetKey returns the active key bytes of a context.
func (k *keyStoreUseCase) GetKey(contextName string) ([]byte, error) {
	dk, err := k.ActiveKey(contextName)
	if err != nil {
		return nil, err
	}
	return dk.Key, nil
}

// ActiveKey returns the active data key of a context.
func (k *keyStoreUseCase) ActiveKey(contextName string) (*keystoreDomain.DataKey, error) {
	ring, err := k.currentRing()
	if err != nil {
		return nil, err
	}
	dk, ok := ring.Active(contextName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", keystoreDomain.ErrKeyNotFound, contextName)
	}
	return dk, nil
}

// KeyVersion returns a specific version of a context's data key.
func (k *keyStoreUseCase) KeyVersion(contextName string, version uint) (*keystoreDomain.DataKey, error) {
	ring, err := k.currentRing()
	if err != nil {
		return nil, err
	}
	if _, ok := ring.Active(contextName); !ok {
		return nil, fmt.Errorf("%w: %s", keystoreDomain.ErrKeyNotFound, contextName)
	}
	dk, ok := ring.Get(contextName, version)
	if !ok {
		return nil, fmt.Errorf("%w: %s version %d", keystoreDomain.ErrKeyVersionNotFound, contextName, version)
	}
	return dk, nil
}

// ProvisionContext creates version 1 of an ad-hoc context.
func (k *keyStoreUseCase) ProvisionContext(ctx context.Context, contextName string) error {
	if err := validation.ValidateContextName(contextName); err != nil {
		return fmt.Errorf("%w: %w", keystoreDomain.ErrInvalidContext, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	ring, err := k.currentRing()
	if err != nil {
		return err
	}
	if _, ok := ring.Active(contextName); ok {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dk, err := k.keyWrapper.GenerateDataKey(contextName, 1, k.opts.Algorithm)
	if err != nil {
		return err
	}
	keys := append(ring.Keys(), dk)
	if err := k.persist(k.masterKey, keys); err != nil {
		keystoreDomain.Zero(dk.Key)
		return unavailable(err, "persist key bundle")
	}
	k.ring.Store(keystoreDomain.NewKeyRing(keys))

	k.logger.Info("context provisioned", slog.String("context", contextName))
	return nil
}

// RotateKeys creates a new active version for every context.
func (k *keyStoreUseCase) RotateKeys(ctx context.Context) ([]keystoreDomain.KeyInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	ring, err := k.currentRing()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := k.now()
	backupDir, err := k.repo.Backup(now)
	if err != nil {
		return nil, unavailable(err, "backup key files")
	}

	var keys, fresh []*keystoreDomain.DataKey
	for _, name := range ring.Contexts() {
		versions := ring.Versions(name)
		active, _ := ring.Active(name)

		var retired []*keystoreDomain.DataKey
		for _, v := range versions {
			dk, _ := ring.Get(name, v)
			cp := *dk
			if !cp.IsRetired() {
				retiredAt := now
				cp.RetiredAt = &retiredAt
			}
			retired = append(retired, &cp)
		}
		if limit := k.opts.RetiredHistory; limit > 0 && len(retired) > limit {
			retired = retired[len(retired)-limit:]
		}
		keys = append(keys, retired...)

		dk, err := k.keyWrapper.GenerateDataKey(name, versions[len(versions)-1]+1, active.Algorithm)
		if err != nil {
			zeroKeys(fresh)
			return nil, err
		}
		keys = append(keys, dk)
		fresh = append(fresh, dk)
	}

	if err := k.persist(k.masterKey, keys); err != nil {
		zeroKeys(fresh)
		return nil, unavailable(err, "persist key bundle")
	}
	next := keystoreDomain.NewKeyRing(keys)
	k.ring.Store(next)

	k.logger.Info("data keys rotated",
		slog.Int("contexts", next.Len()),
		slog.String("backup_dir", backupDir),
	)
	return keyInfo(next), nil
}

// PurgeRetiredKeys drops every retired version of a context.
func (k *keyStoreUseCase) PurgeRetiredKeys(ctx context.Context, contextName string) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	ring, err := k.currentRing()
	if err != nil {
		return 0, err
	}
	active, ok := ring.Active(contextName)
	if !ok {
		return 0, fmt.Errorf("%w: %s", keystoreDomain.ErrKeyNotFound, contextName)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var keys []*keystoreDomain.DataKey
	purged := 0
	for _, dk := range ring.Keys() {
		if dk.Context == contextName && dk.Version != active.Version {
			purged++
			continue
		}
		keys = append(keys, dk)
	}
	if purged == 0 {
		return 0, nil
	}

	if err := k.persist(k.masterKey, keys); err != nil {
		return 0, unavailable(err, "persist key bundle")
	}
	k.ring.Store(keystoreDomain.NewKeyRing(keys))

	k.logger.Info("retired keys purged",
		slog.String("context", contextName),
		slog.Int("purged", purged),
	)
	return purged, nil
}

// GetKeyInfo describes the active key of every context.
func (k *keyStoreUseCase) GetKeyInfo() ([]keystoreDomain.KeyInfo, error) {
	ring, err := k.currentRing()
	if err != nil {
		return nil, err
	}
	return keyInfo(ring), nil
}

// Close zeroes the master key and the current ring.
//
// Replaced rings are not zeroed on swap because a concurrent reader may still hold one of
// their keys. Retired versions dropped by rotation become unreachable instead.
func (k *keyStoreUseCase) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if ring := k.ring.Swap(nil); ring != nil {
		ring.Close()
	}
	k.masterKey.Close()
	k.masterKey = nil
}

func keyInfo(ring *keystoreDomain.KeyRing) []keystoreDomain.KeyInfo {
	contexts := ring.Contexts()
	infos := make([]keystoreDomain.KeyInfo, 0, len(contexts))
	for _, name := range contexts {
		active, _ := ring.Active(name)
		info := keystoreDomain.KeyInfo{
			Context:   name,
			Created:   active.CreatedAt,
			Version:   active.Version,
			Algorithm: active.Algorithm,
		}
		for _, v := range ring.Versions(name) {
			if v != active.Version {
				info.RetiredVersions = append(info.RetiredVersions, v)
			}
		}
		infos = append(infos, info)
	}
	return infos
}

func zeroKeys(keys []*keystoreDomain.DataKey) {
	for _, dk := range keys {
		keystoreDomain.Zero(dk.Key)
	}
}
