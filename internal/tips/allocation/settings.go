package allocation

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgSettings struct {
	db *pgxpool.Pool
}

// NewSettingsSource reads the venue settings row and its tip-out rules. A
// missing row yields defaults: pooling on, no tip-out rules, no caps.
func NewSettingsSource(db *pgxpool.Pool) SettingsSource {
	return &pgSettings{db: db}
}

func (s *pgSettings) Resolve(ctx context.Context) (Settings, error) {
	settings := Settings{PoolingEnabled: true}
	err := s.db.QueryRow(ctx, `SELECT pooling_enabled, tip_out_cap_bps, cash_declaration_min_bps
FROM tip_settings ORDER BY id ASC LIMIT 1`).
		Scan(&settings.PoolingEnabled, &settings.TipOutCapBps, &settings.CashDeclarationMinBps)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Settings{}, err
	}

	rows, err := s.db.Query(ctx, `SELECT from_role, to_role, bps FROM tip_out_rules
WHERE enabled ORDER BY from_role ASC, to_role ASC`)
	if err != nil {
		return Settings{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var rule TipOutRule
		if err := rows.Scan(&rule.FromRole, &rule.ToRole, &rule.Bps); err != nil {
			return Settings{}, err
		}
		settings.TipOutRules = append(settings.TipOutRules, rule)
	}
	return settings, rows.Err()
}
