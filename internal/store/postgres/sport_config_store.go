package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketrules/internal/domain"
)

// uniqueViolation is the SQLSTATE raised for duplicate keys.
const uniqueViolation = "23505"

// SportConfigStore implements domain.SportConfigStore using PostgreSQL. The
// group hierarchy is stored as JSONB.
type SportConfigStore struct {
	pool *pgxpool.Pool
}

var _ domain.SportConfigStore = (*SportConfigStore)(nil)

// NewSportConfigStore creates a new SportConfigStore backed by the given connection pool.
func NewSportConfigStore(pool *pgxpool.Pool) *SportConfigStore {
	return &SportConfigStore{pool: pool}
}

const selectSportConfig = `SELECT id, sport, groups, created_at, updated_at FROM sport_configs`

// ListAll returns every sport configuration ordered by sport.
func (s *SportConfigStore) ListAll(ctx context.Context) ([]domain.SportConfig, error) {
	rows, err := s.pool.Query(ctx, selectSportConfig+` ORDER BY LOWER(sport)`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sport configs: %w", err)
	}
	defer rows.Close()

	var configs []domain.SportConfig
	for rows.Next() {
		cfg, err := scanSportConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan sport config: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list sport configs rows: %w", err)
	}
	return configs, nil
}

// GetBySport returns the configuration for a sport, matched case-insensitively.
func (s *SportConfigStore) GetBySport(ctx context.Context, sport string) (domain.SportConfig, error) {
	row := s.pool.QueryRow(ctx, selectSportConfig+` WHERE LOWER(TRIM(sport)) = LOWER(TRIM($1))`, sport)
	cfg, err := scanSportConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SportConfig{}, domain.ErrNotFound
		}
		return domain.SportConfig{}, fmt.Errorf("postgres: get sport config %s: %w", sport, err)
	}
	return cfg, nil
}

// GetByID returns the configuration with the given id.
func (s *SportConfigStore) GetByID(ctx context.Context, id string) (domain.SportConfig, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.SportConfig{}, domain.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, selectSportConfig+` WHERE id = $1`, id)
	cfg, err := scanSportConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SportConfig{}, domain.ErrNotFound
		}
		return domain.SportConfig{}, fmt.Errorf("postgres: get sport config %s: %w", id, err)
	}
	return cfg, nil
}

// Insert stores a new configuration. An empty ID is assigned a fresh UUID.
// A second configuration for the same sport yields domain.ErrAlreadyExists.
func (s *SportConfigStore) Insert(ctx context.Context, cfg domain.SportConfig) (domain.SportConfig, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	groupsJSON, err := marshalGroups(cfg.Groups)
	if err != nil {
		return domain.SportConfig{}, fmt.Errorf("postgres: marshal sport config %s: %w", cfg.Sport, err)
	}

	const query = `
		INSERT INTO sport_configs (id, sport, groups, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING created_at, updated_at`

	err = s.pool.QueryRow(ctx, query, cfg.ID, cfg.Sport, groupsJSON).Scan(&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.SportConfig{}, fmt.Errorf("postgres: insert sport config %s: %w", cfg.Sport, domain.ErrAlreadyExists)
		}
		return domain.SportConfig{}, fmt.Errorf("postgres: insert sport config %s: %w", cfg.Sport, err)
	}
	return cfg, nil
}

// Update replaces the sport name and groups of the configuration with the
// given id.
func (s *SportConfigStore) Update(ctx context.Context, id string, cfg domain.SportConfig) (domain.SportConfig, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.SportConfig{}, domain.ErrNotFound
	}
	groupsJSON, err := marshalGroups(cfg.Groups)
	if err != nil {
		return domain.SportConfig{}, fmt.Errorf("postgres: marshal sport config %s: %w", id, err)
	}

	const query = `
		UPDATE sport_configs SET
			sport      = $2,
			groups     = $3,
			updated_at = NOW()
		WHERE id = $1
		RETURNING id, sport, groups, created_at, updated_at`

	updated, err := scanSportConfig(s.pool.QueryRow(ctx, query, id, cfg.Sport, groupsJSON))
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return domain.SportConfig{}, domain.ErrNotFound
		case isUniqueViolation(err):
			return domain.SportConfig{}, fmt.Errorf("postgres: update sport config %s: %w", id, domain.ErrAlreadyExists)
		}
		return domain.SportConfig{}, fmt.Errorf("postgres: update sport config %s: %w", id, err)
	}
	return updated, nil
}

// Delete removes the configuration with the given id.
func (s *SportConfigStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM sport_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete sport config %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanSportConfig(row pgx.Row) (domain.SportConfig, error) {
	var (
		cfg        domain.SportConfig
		groupsJSON []byte
	)
	if err := row.Scan(&cfg.ID, &cfg.Sport, &groupsJSON, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return domain.SportConfig{}, err
	}
	if groupsJSON != nil {
		if err := json.Unmarshal(groupsJSON, &cfg.Groups); err != nil {
			return domain.SportConfig{}, fmt.Errorf("unmarshal groups: %w", err)
		}
	}
	return cfg, nil
}

func marshalGroups(groups []domain.MarketGroup) ([]byte, error) {
	if groups == nil {
		groups = []domain.MarketGroup{}
	}
	return json.Marshal(groups)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
