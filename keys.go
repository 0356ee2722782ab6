package carevault

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Per-tenant KEK versions are tracked in a small SQLite metadata database.
// The KMS holds the key material; this table only maps (alias, version) to
// the provider's key identifier so records written under a previous version
// stay decryptable after rotation.

const createKEKVersionsTableSQL = `
CREATE TABLE IF NOT EXISTS kek_versions (
	alias         TEXT NOT NULL,
	version       INTEGER NOT NULL,
	kms_key_id    TEXT NOT NULL,
	is_deprecated BOOLEAN NOT NULL DEFAULT FALSE,
	creation_time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (alias, version)
)`

func tenantKEKAlias(tenantID string) string {
	return fmt.Sprintf("tenant-%s-kek", tenantID)
}

// currentKEKVersion retrieves the active KEK version for an alias, or 0 when
// no key exists yet.
func (c *Codec) currentKEKVersion(ctx context.Context, alias string) (int, error) {
	row := c.keyDB.QueryRowContext(ctx, `
		SELECT version FROM kek_versions
		WHERE alias = ? AND is_deprecated = FALSE
		ORDER BY version DESC
		LIMIT 1
	`, alias)
	var version int
	err := row.Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("%w: failed to get current KEK version for alias '%s': %w", ErrStorageUnavailable, alias, err)
	}
	return version, nil
}

// kmsKeyIDForVersion retrieves the KMS key identifier for a specific KEK
// version, including deprecated versions needed to decrypt old records.
func (c *Codec) kmsKeyIDForVersion(ctx context.Context, alias string, version int) (string, error) {
	row := c.keyDB.QueryRowContext(ctx, `
		SELECT kms_key_id FROM kek_versions
		WHERE alias = ? AND version = ?
	`, alias, version)
	var kmsKeyID string
	if err := row.Scan(&kmsKeyID); err != nil {
		return "", fmt.Errorf("%w: failed to get KMS key ID for alias '%s' version %d: %w", ErrKMSUnavailable, alias, version, err)
	}
	return kmsKeyID, nil
}

// ensureTenantKEK bootstraps the first KEK version for a tenant if none is
// recorded, and returns the active version.
func (c *Codec) ensureTenantKEK(ctx context.Context, tenantID string) (int, error) {
	alias := tenantKEKAlias(tenantID)
	version, err := c.currentKEKVersion(ctx, alias)
	if err != nil {
		return 0, err
	}
	if version > 0 {
		return version, nil
	}

	kmsKeyID, err := c.kms.CreateKey(ctx, alias)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create initial KEK for alias '%s': %w", ErrKMSUnavailable, alias, err)
	}
	res, err := c.keyDB.ExecContext(ctx, `
		INSERT OR IGNORE INTO kek_versions (alias, version, kms_key_id) VALUES (?, ?, ?)
	`, alias, 1, kmsKeyID)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to record initial KEK for alias '%s': %w", ErrStorageUnavailable, alias, err)
	}
	if inserted, raErr := res.RowsAffected(); raErr == nil && inserted == 0 {
		// A concurrent bootstrap recorded version 1 first; adopt its key.
		return c.currentKEKVersion(ctx, alias)
	}
	c.logger.Info("initial KEK created",
		zap.String("alias", alias),
		zap.String("kms_key_id", kmsKeyID))
	return 1, nil
}

// RotateTenantKEK creates a new KEK version for the tenant and deprecates the
// previous one. In-flight operations finish under their original version;
// old versions remain available for decryption until every record is
// opportunistically re-wrapped on its next write.
func (c *Codec) RotateTenantKEK(ctx context.Context, tenantID string) (int, error) {
	alias := tenantKEKAlias(tenantID)
	currentVersion, err := c.ensureTenantKEK(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	newVersion := currentVersion + 1

	kmsKeyID, err := c.kms.CreateKey(ctx, alias)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create new KEK version for alias '%s': %w", ErrKMSUnavailable, alias, err)
	}

	_, err = c.keyDB.ExecContext(ctx, `
		UPDATE kek_versions SET is_deprecated = TRUE
		WHERE alias = ? AND version = ?
	`, alias, currentVersion)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to deprecate KEK version %d for alias '%s': %w", ErrStorageUnavailable, currentVersion, alias, err)
	}

	_, err = c.keyDB.ExecContext(ctx, `
		INSERT INTO kek_versions (alias, version, kms_key_id) VALUES (?, ?, ?)
	`, alias, newVersion, kmsKeyID)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to record KEK version %d for alias '%s': %w", ErrStorageUnavailable, newVersion, alias, err)
	}

	c.logger.Info("KEK rotated",
		zap.String("alias", alias),
		zap.Int("old_version", currentVersion),
		zap.Int("new_version", newVersion),
		zap.String("kms_key_id", kmsKeyID))
	return newVersion, nil
}
