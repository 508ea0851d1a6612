package storage

import (
	"context"
	"errors"
	"strings"
)

// GatewaySettings returns every stored gateway setting.
func (s *SQLStore) GatewaySettings(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Name  string `db:"name"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, value FROM gateway_settings`); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Name] = r.Value
	}
	return out, nil
}

// PutGatewaySetting upserts a setting. An empty value deletes it.
func (s *SQLStore) PutGatewaySetting(ctx context.Context, name, value string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("setting name is empty")
	}
	if value == "" {
		_, err := s.exec(ctx, `DELETE FROM gateway_settings WHERE name = ?`, name)
		return err
	}
	_, err := s.exec(ctx, `INSERT INTO gateway_settings (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, s.nowMS())
	return err
}
