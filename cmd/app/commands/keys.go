package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	complianceDomain "github.com/allisson/fieldvault/internal/compliance/domain"
	complianceUsecase "github.com/allisson/fieldvault/internal/compliance/usecase"
	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
	keystoreUsecase "github.com/allisson/fieldvault/internal/keystore/usecase"
	migrationDomain "github.com/allisson/fieldvault/internal/migration/domain"
	migrationUsecase "github.com/allisson/fieldvault/internal/migration/usecase"
	recordDomain "github.com/allisson/fieldvault/internal/record/domain"
)

// RunInitKeys bootstraps the key directory and prints the resulting keys. Running it against
// an existing directory only loads and prints.
func RunInitKeys(
	ctx context.Context,
	store keystoreUsecase.KeyStore,
	logger *slog.Logger,
	writer io.Writer,
	format string,
) error {
	if err := validateFormat(format); err != nil {
		return err
	}
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize key store: %w", err)
	}

	infos, err := store.GetKeyInfo()
	if err != nil {
		return err
	}

	logger.Info("key store ready", slog.Int("contexts", len(infos)))
	return outputKeyInfo(writer, infos, format)
}

// RunKeyInfo prints the active key of every context. Key bytes are never printed.
func RunKeyInfo(store keystoreUsecase.KeyStore, writer io.Writer, format string) error {
	if err := validateFormat(format); err != nil {
		return err
	}
	infos, err := store.GetKeyInfo()
	if err != nil {
		return err
	}
	return outputKeyInfo(writer, infos, format)
}

// RunRotateKeys backs up the key files and rotates every data key. One rotate event per
// context is recorded on the ledger.
func RunRotateKeys(
	ctx context.Context,
	store keystoreUsecase.KeyStore,
	ledger complianceUsecase.Ledger,
	logger *slog.Logger,
	writer io.Writer,
	format string,
) error {
	if err := validateFormat(format); err != nil {
		return err
	}

	infos, err := store.RotateKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to rotate keys: %w", err)
	}

	actor, _ := recordDomain.GetActor(ctx)
	for _, info := range infos {
		ledger.RecordEvent(ctx, complianceDomain.ActionRotate, info.Context, actor, map[string]string{
			"version": strconv.FormatUint(uint64(info.Version), 10),
		})
	}

	logger.Info("keys rotated", slog.Int("contexts", len(infos)))
	return outputKeyInfo(writer, infos, format)
}

// RunProvisionContext creates the first data key of an ad-hoc context.
func RunProvisionContext(
	ctx context.Context,
	store keystoreUsecase.KeyStore,
	logger *slog.Logger,
	writer io.Writer,
	contextName string,
) error {
	if err := store.ProvisionContext(ctx, contextName); err != nil {
		return fmt.Errorf("failed to provision context: %w", err)
	}

	dk, err := store.ActiveKey(contextName)
	if err != nil {
		return err
	}

	logger.Info("context ready", slog.String("context", contextName), slog.Uint64("version", uint64(dk.Version)))
	_, err = fmt.Fprintf(writer, "Context %s active at version %d\n", contextName, dk.Version)
	return err
}

// ErrPurgeUnconfirmed indicates the re-encryption pass run before a purge did not finish clean,
// so envelopes may still reference the retired versions.
var ErrPurgeUnconfirmed = errors.New("purge not confirmed by a clean re-encryption pass")

// PurgeOptions selects what RunPurgeRetiredKeys drops.
type PurgeOptions struct {
	// Context to purge. Empty purges every context.
	Context string

	// Entities are re-encrypted before the purge. Every run must finish without record errors.
	Entities []string
	PageSize int

	// Force skips the re-encryption pass.
	Force bool

	Format string
}

// RunPurgeRetiredKeys drops retired key versions once a re-encryption pass over opts.Entities
// confirms no envelope still needs them. Each purge with removed versions records a retire
// event.
func RunPurgeRetiredKeys(
	ctx context.Context,
	store keystoreUsecase.KeyStore,
	ledger complianceUsecase.Ledger,
	engine migrationUsecase.Engine,
	logger *slog.Logger,
	writer io.Writer,
	opts PurgeOptions,
) error {
	if err := validateFormat(opts.Format); err != nil {
		return err
	}

	contexts := []string{opts.Context}
	if opts.Context == "" {
		infos, err := store.GetKeyInfo()
		if err != nil {
			return err
		}
		contexts = contexts[:0]
		for _, info := range infos {
			contexts = append(contexts, info.Context)
		}
	} else if _, err := store.ActiveKey(opts.Context); err != nil {
		return err
	}

	if opts.Force {
		logger.Warn("purging retired keys without a re-encryption pass",
			slog.Any("contexts", contexts),
		)
	} else if err := confirmReencrypted(ctx, engine, logger, opts); err != nil {
		return err
	}

	actor, _ := recordDomain.GetActor(ctx)
	purged := make(map[string]int, len(contexts))
	for _, name := range contexts {
		n, err := store.PurgeRetiredKeys(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to purge retired keys of %s: %w", name, err)
		}
		purged[name] = n
		if n > 0 {
			ledger.RecordEvent(ctx, complianceDomain.ActionRetire, name, actor, map[string]string{
				"purged": strconv.Itoa(n),
			})
		}
	}

	logger.Info("retired keys purged", slog.Int("contexts", len(contexts)))

	if opts.Format == "json" {
		return writeJSON(writer, map[string]any{"purged": purged})
	}
	for _, name := range contexts {
		if _, err := fmt.Fprintf(writer, "%s: purged %d retired version(s)\n", name, purged[name]); err != nil {
			return err
		}
	}
	return nil
}

// confirmReencrypted re-encrypts every entity and fails unless all runs finish without errors.
func confirmReencrypted(
	ctx context.Context,
	engine migrationUsecase.Engine,
	logger *slog.Logger,
	opts PurgeOptions,
) error {
	if len(opts.Entities) == 0 {
		return fmt.Errorf("%w: no entities to re-encrypt", ErrPurgeUnconfirmed)
	}
	if err := migrationDomain.ValidatePageSize(opts.PageSize); err != nil {
		return err
	}

	for _, entity := range opts.Entities {
		result, err := engine.ReencryptEntity(ctx, entity, opts.PageSize)
		if err != nil {
			return fmt.Errorf("%w: entity %s: %w", ErrPurgeUnconfirmed, entity, err)
		}
		logger.Info("re-encryption pass finished",
			slog.String("entity", entity),
			slog.Int("processed", result.Processed),
			slog.Int("errors", result.Errors),
		)
		if result.Errors > 0 {
			return fmt.Errorf("%w: entity %s: %d record(s) failed", ErrPurgeUnconfirmed, entity, result.Errors)
		}
	}
	return nil
}

func outputKeyInfo(writer io.Writer, infos []keystoreDomain.KeyInfo, format string) error {
	if format == "json" {
		return writeJSON(writer, map[string]any{"keys": infos})
	}
	for _, info := range infos {
		_, err := fmt.Fprintf(writer, "%-24s v%-3d %-18s created %s retired %v\n",
			info.Context,
			info.Version,
			info.Algorithm,
			info.Created.Format(time.RFC3339),
			info.RetiredVersions,
		)
		if err != nil {
			return err
		}
	}
	return nil
}
