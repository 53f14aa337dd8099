package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/kurtskinny/mirrorsync/internal/infra/clock"
	"github.com/kurtskinny/mirrorsync/internal/store"
	"github.com/kurtskinny/mirrorsync/internal/store/retry"
)

// heartbeatKey is the settings row the supervisor (C11) refreshes every 30
// seconds, per §6's external interface contract.
const heartbeatKey = "mirror_service_heartbeat"

// GetSetting returns the raw JSONB value for key, or nil, nil if absent.
func (d *DB) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := retry.Do(ctx, "GetSetting", func(ctx context.Context) error {
		return d.Pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&raw)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// PutSetting upserts a JSONB value under key.
func (d *DB) PutSetting(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return retry.Do(ctx, "PutSetting", func(ctx context.Context) error {
		_, err := d.Pool.Exec(ctx, `
			INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
		`, key, raw)
		return err
	})
}

// AllSettings returns every settings row as a key->raw-JSON map, used by the
// 5s-TTL settings cache (C1) to refresh in one round trip.
func (d *DB) AllSettings(ctx context.Context) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	err := retry.Do(ctx, "AllSettings", func(ctx context.Context) error {
		rows, err := d.Pool.Query(ctx, `SELECT key, value FROM settings`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			var v json.RawMessage
			if err := rows.Scan(&k, &v); err != nil {
				return err
			}
			out[k] = v
		}
		return rows.Err()
	})
	return out, err
}

// WriteHeartbeat upserts the mirror_service_heartbeat key with the current
// time, process start time, and pid — called by the supervisor at startup
// and then every 30 seconds.
func (d *DB) WriteHeartbeat(ctx context.Context, startedAt store.Heartbeat) error {
	hb := store.Heartbeat{
		LastHeartbeatAt: clock.Now(),
		StartedAt:       startedAt.StartedAt,
		PID:             startedAt.PID,
	}
	return d.PutSetting(ctx, heartbeatKey, hb)
}

// ReadHeartbeat loads the current heartbeat row, if any.
func (d *DB) ReadHeartbeat(ctx context.Context) (*store.Heartbeat, error) {
	raw, err := d.GetSetting(ctx, heartbeatKey)
	if err != nil || raw == nil {
		return nil, err
	}
	var hb store.Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		return nil, err
	}
	return &hb, nil
}
