package compliance

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DeclarationSource reads the day's cash declarations. The declaration
// workflow lives in the shift domain; the scan only consumes it.
type DeclarationSource interface {
	ForDay(ctx context.Context, day time.Time) ([]CashDeclaration, error)
}

type pgDeclarations struct {
	db *pgxpool.Pool
}

// NewDeclarationSource returns the PostgreSQL-backed declaration reader.
func NewDeclarationSource(db *pgxpool.Pool) DeclarationSource {
	return &pgDeclarations{db: db}
}

func (s *pgDeclarations) ForDay(ctx context.Context, day time.Time) ([]CashDeclaration, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)
	rows, err := s.db.Query(ctx, `SELECT employee_id, shift_id, declared::text, cash_sales::text, business_day
FROM cash_declarations
WHERE business_day >= $1 AND business_day < $2
ORDER BY employee_id ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CashDeclaration
	for rows.Next() {
		var (
			d               CashDeclaration
			declared, sales string
		)
		if err := rows.Scan(&d.EmployeeID, &d.ShiftID, &declared, &sales, &d.Day); err != nil {
			return nil, err
		}
		if d.Declared, err = decimal.NewFromString(declared); err != nil {
			return nil, err
		}
		if d.Sales, err = decimal.NewFromString(sales); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Scanner runs the nightly cash-declaration check and files flags for
// shortfalls.
type Scanner struct {
	declarations DeclarationSource
	flags        FlagStore
	logger       *slog.Logger
}

// NewScanner constructs the scanner.
func NewScanner(declarations DeclarationSource, flags FlagStore, logger *slog.Logger) *Scanner {
	return &Scanner{declarations: declarations, flags: flags, logger: logger}
}

// ScanDay checks every declaration for the business day against the minimum
// percentage of cash sales. Returns the number of flags filed.
func (s *Scanner) ScanDay(ctx context.Context, day time.Time, minBps int32) (int, error) {
	if minBps <= 0 {
		return 0, nil
	}
	declarations, err := s.declarations.ForDay(ctx, day)
	if err != nil {
		return 0, err
	}
	var violations []Violation
	for _, d := range declarations {
		if v := CheckCashDeclaration(d.EmployeeID, d.Declared, d.Sales, minBps); v != nil {
			v.OccurredAt = d.Day
			violations = append(violations, *v)
		}
	}
	if len(violations) == 0 {
		return 0, nil
	}
	if err := s.flags.Insert(ctx, violations); err != nil {
		return 0, err
	}
	s.logger.Info("cash declaration scan", slog.Time("day", day), slog.Int("declarations", len(declarations)), slog.Int("flags", len(violations)))
	return len(violations), nil
}
