// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
)

// ErrNotFound is returned when no row exists for the plugin.
var ErrNotFound = oops.Code("NOT_FOUND").Errorf("no record for plugin")

// ModeRecord is the persisted execution mode of one plugin. It survives
// restarts so a plugin switched to external stays external.
type ModeRecord struct {
	PluginID          string    `json:"plugin_id"`
	CurrentMode       string    `json:"current_mode"`
	TargetBaseURL     string    `json:"target_base_url,omitempty"`
	ManagedSubprocess bool      `json:"managed_subprocess"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// UpsertMode writes the mode record for a plugin, replacing any prior
// row.
func (s *Store) UpsertMode(ctx context.Context, rec ModeRecord) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO plugin_modes (plugin_id, current_mode, target_base_url, managed_subprocess, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (plugin_id) DO UPDATE SET
		   current_mode = EXCLUDED.current_mode,
		   target_base_url = EXCLUDED.target_base_url,
		   managed_subprocess = EXCLUDED.managed_subprocess,
		   updated_at = now()`,
		rec.PluginID, rec.CurrentMode, rec.TargetBaseURL, rec.ManagedSubprocess,
	)
	if err != nil {
		return wrapPgError("upsert mode record", rec.PluginID, err)
	}
	return nil
}

// GetMode reads the mode record for a plugin.
func (s *Store) GetMode(ctx context.Context, pluginID string) (ModeRecord, error) {
	rec := ModeRecord{PluginID: pluginID}
	err := s.db.QueryRow(ctx,
		`SELECT current_mode, target_base_url, managed_subprocess, updated_at
		 FROM plugin_modes WHERE plugin_id = $1`,
		pluginID,
	).Scan(&rec.CurrentMode, &rec.TargetBaseURL, &rec.ManagedSubprocess, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ModeRecord{}, ErrNotFound
	}
	if err != nil {
		return ModeRecord{}, wrapPgError("get mode record", pluginID, err)
	}
	return rec, nil
}

// ListModes returns all persisted mode records, ordered by plugin id.
func (s *Store) ListModes(ctx context.Context) ([]ModeRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT plugin_id, current_mode, target_base_url, managed_subprocess, updated_at
		 FROM plugin_modes ORDER BY plugin_id`)
	if err != nil {
		return nil, wrapPgError("list mode records", "", err)
	}
	defer rows.Close()

	var out []ModeRecord
	for rows.Next() {
		var rec ModeRecord
		if err := rows.Scan(&rec.PluginID, &rec.CurrentMode, &rec.TargetBaseURL, &rec.ManagedSubprocess, &rec.UpdatedAt); err != nil {
			return nil, wrapPgError("scan mode record", "", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("iterate mode records", "", err)
	}
	return out, nil
}

// SetPluginConfig persists the explicit configuration tier for a plugin.
func (s *Store) SetPluginConfig(ctx context.Context, pluginID string, cfg map[string]any) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return oops.Code("CONFIGURATION_ERROR").With("plugin_id", pluginID).Wrap(err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO plugin_configs (plugin_id, config, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (plugin_id) DO UPDATE SET config = EXCLUDED.config, updated_at = now()`,
		pluginID, data,
	)
	if err != nil {
		return wrapPgError("set plugin config", pluginID, err)
	}
	return nil
}

// GetPluginConfig reads the explicit configuration tier for a plugin.
func (s *Store) GetPluginConfig(ctx context.Context, pluginID string) (map[string]any, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT config FROM plugin_configs WHERE plugin_id = $1`, pluginID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapPgError("get plugin config", pluginID, err)
	}

	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, oops.Code("CONFIGURATION_ERROR").With("plugin_id", pluginID).Wrap(err)
	}
	return cfg, nil
}

// ListPluginConfigs returns every persisted explicit tier, keyed by
// plugin id. The resolver seeds from this at startup.
func (s *Store) ListPluginConfigs(ctx context.Context) (map[string]map[string]any, error) {
	rows, err := s.db.Query(ctx, `SELECT plugin_id, config FROM plugin_configs`)
	if err != nil {
		return nil, wrapPgError("list plugin configs", "", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]any)
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, wrapPgError("scan plugin config", "", err)
		}
		var cfg map[string]any
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, oops.Code("CONFIGURATION_ERROR").With("plugin_id", id).Wrap(err)
		}
		out[id] = cfg
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("iterate plugin configs", "", err)
	}
	return out, nil
}

// wrapPgError attaches the PostgreSQL error class when one is present.
func wrapPgError(op, pluginID string, err error) error {
	builder := oops.Code("STORE_FAILED").With("operation", op)
	if pluginID != "" {
		builder = builder.With("plugin_id", pluginID)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		builder = builder.With("pg_code", pgErr.Code)
		if pgerrcode.IsIntegrityConstraintViolation(pgErr.Code) {
			builder = builder.With("constraint", pgErr.ConstraintName)
		}
	}
	return builder.Wrap(err)
}
