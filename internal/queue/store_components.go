package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UpsertDriver creates a driver row or replaces its settings.
func (s *Store) UpsertDriver(ctx context.Context, name string, settings map[string]any) error {
	if settings == nil {
		settings = map[string]any{}
	}
	encoded, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode driver settings: %w", err)
	}
	if err := s.execWithoutResultRetry(ctx,
		`INSERT INTO drivers (name, settings_json, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(name) DO UPDATE SET settings_json = excluded.settings_json, updated_at = excluded.updated_at`,
		name, string(encoded), now()); err != nil {
		return fmt.Errorf("upsert driver %s: %w", name, err)
	}
	return nil
}

// GetDriver fetches a driver by name. A missing driver yields (nil, nil).
func (s *Store) GetDriver(ctx context.Context, name string) (*Driver, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+driverColumns+` FROM drivers WHERE name = ?`, name)
	drv, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get driver %s: %w", name, err)
	}
	return drv, nil
}

// ListDrivers returns every driver ordered by name.
func (s *Store) ListDrivers(ctx context.Context) ([]*Driver, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT `+driverColumns+` FROM drivers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list drivers: %w", err)
	}
	defer rows.Close()
	var out []*Driver
	for rows.Next() {
		drv, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, drv)
	}
	return out, rows.Err()
}

// DeleteDriver removes a driver that no component refers to.
func (s *Store) DeleteDriver(ctx context.Context, name string) error {
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx txRunner) error {
		var used int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM components WHERE driver = ?`, name).Scan(&used); err != nil {
			return fmt.Errorf("count components of %s: %w", name, err)
		}
		if used > 0 {
			return fmt.Errorf("driver %s still has %d components: %w", name, used, ErrConflict)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM drivers WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("delete driver %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("driver %s: %w", name, ErrNotFound)
		}
		return nil
	})
}

// SetDriverProcess records a freshly spawned driver process. The endpoint is
// cleared until the process says hello with the same session.
func (s *Store) SetDriverProcess(ctx context.Context, name string, pid int, session string, spawnedAt time.Time) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE drivers SET pid = ?, session = ?, spawned_at = ?, port = NULL, connected_at = NULL, updated_at = ?
         WHERE name = ?`,
		nullableInt(int64(pid)), nullableString(session), nullableTime(&spawnedAt), now(), name)
	if err != nil {
		return fmt.Errorf("set driver process: %w", err)
	}
	return checkNamedUpdate(res, "driver", name)
}

// SetDriverEndpoint records the port a driver listens on. The session must
// match the one recorded at spawn time.
func (s *Store) SetDriverEndpoint(ctx context.Context, name, session string, pid, port int, connectedAt time.Time) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE drivers SET pid = ?, port = ?, connected_at = ?, updated_at = ? WHERE name = ? AND session = ?`,
		nullableInt(int64(pid)), nullableInt(int64(port)), nullableTime(&connectedAt), now(), name, session)
	if err != nil {
		return fmt.Errorf("set driver endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		drv, err := s.GetDriver(ctx, name)
		if err != nil {
			return err
		}
		if drv == nil {
			return fmt.Errorf("driver %s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("driver %s: stale session %q: %w", name, session, ErrConflict)
	}
	return nil
}

// ClearDriverProcess forgets the process and endpoint of a driver.
func (s *Store) ClearDriverProcess(ctx context.Context, name string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE drivers SET pid = NULL, port = NULL, session = NULL, connected_at = NULL, updated_at = ? WHERE name = ?`,
		now(), name)
	if err != nil {
		return fmt.Errorf("clear driver process: %w", err)
	}
	return checkNamedUpdate(res, "driver", name)
}

// UpsertComponent creates a component or updates its static description.
// Registration state is kept unless the driver changes.
func (s *Store) UpsertComponent(ctx context.Context, cmp Component) error {
	if err := s.execWithoutResultRetry(ctx,
		`INSERT INTO components (name, driver, device, address, channel, pollrate, registered, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, 0, ?)
         ON CONFLICT(name) DO UPDATE SET
             registered = CASE WHEN components.driver = excluded.driver THEN components.registered ELSE 0 END,
             capabilities_json = CASE WHEN components.driver = excluded.driver THEN components.capabilities_json ELSE NULL END,
             driver = excluded.driver, device = excluded.device, address = excluded.address,
             channel = excluded.channel, pollrate = excluded.pollrate, updated_at = excluded.updated_at`,
		cmp.Name, cmp.Driver, cmp.Device, cmp.Address, cmp.Channel, cmp.Pollrate, now()); err != nil {
		return fmt.Errorf("upsert component %s: %w", cmp.Name, err)
	}
	return nil
}

// SetComponentRegistration records the outcome of a registration attempt.
// Nil capabilities mean unknown.
func (s *Store) SetComponentRegistration(ctx context.Context, name string, caps []string, registered bool, errMsg string) error {
	var capsJSON any
	if caps != nil {
		encoded, err := json.Marshal(caps)
		if err != nil {
			return fmt.Errorf("encode capabilities: %w", err)
		}
		capsJSON = string(encoded)
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE components SET capabilities_json = COALESCE(?, capabilities_json), registered = ?,
         registration_error = ?, updated_at = ? WHERE name = ?`,
		capsJSON, boolToInt(registered), nullableString(errMsg), now(), name)
	if err != nil {
		return fmt.Errorf("set component registration: %w", err)
	}
	return checkNamedUpdate(res, "component", name)
}

// GetComponent fetches a component by name. A missing component yields
// (nil, nil).
func (s *Store) GetComponent(ctx context.Context, name string) (*Component, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+componentColumns+` FROM components WHERE name = ?`, name)
	cmp, err := scanComponent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get component %s: %w", name, err)
	}
	return cmp, nil
}

// ListComponents returns every component ordered by name.
func (s *Store) ListComponents(ctx context.Context) ([]*Component, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT `+componentColumns+` FROM components ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	defer rows.Close()
	var out []*Component
	for rows.Next() {
		cmp, err := scanComponent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmp)
	}
	return out, rows.Err()
}

// DeleteComponent removes a component no pipeline binds.
func (s *Store) DeleteComponent(ctx context.Context, name string) error {
	ctx = ensureContext(ctx)
	return s.withTx(ctx, func(tx txRunner) error {
		var bound int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM pipeline_components WHERE component = ?`, name).Scan(&bound); err != nil {
			return fmt.Errorf("count bindings of %s: %w", name, err)
		}
		if bound > 0 {
			return fmt.Errorf("component %s is bound to %d pipelines: %w", name, bound, ErrConflict)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM components WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("delete component %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("component %s: %w", name, ErrNotFound)
		}
		return nil
	})
}

func checkNamedUpdate(res sql.Result, kind, name string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", kind, name, ErrNotFound)
	}
	return nil
}
