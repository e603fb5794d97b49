package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"leadbot/internal/domain"
)

func (s *SQLStore) CreateOrigin(ctx context.Context, name string) (*domain.Origin, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("create origin: name is required")
	}
	o := domain.Origin{ID: uuid.NewString(), Name: name, CreatedAt: s.now()}
	if _, err := s.exec(ctx,
		`INSERT INTO origins (id, name, created_at) VALUES (?, ?, ?)`,
		o.ID, o.Name, o.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("create origin: %w", err)
	}
	return &o, nil
}

func (s *SQLStore) GetOriginByName(ctx context.Context, name string) (*domain.Origin, error) {
	var o domain.Origin
	err := s.queryRow(ctx, `SELECT id, name, created_at FROM origins WHERE name = ?`, name).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *SQLStore) CreateStage(ctx context.Context, name string) (*domain.Stage, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("create stage: name is required")
	}
	st := domain.Stage{ID: uuid.NewString(), Name: name, CreatedAt: s.now()}
	if _, err := s.exec(ctx,
		`INSERT INTO stages (id, name, created_at) VALUES (?, ?, ?)`,
		st.ID, st.Name, st.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("create stage: %w", err)
	}
	return &st, nil
}

func (s *SQLStore) GetStageByName(ctx context.Context, name string) (*domain.Stage, error) {
	var st domain.Stage
	err := s.queryRow(ctx, `SELECT id, name, created_at FROM stages WHERE name = ?`, name).
		Scan(&st.ID, &st.Name, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// LinkStage places stageID in originID's pipeline at position, moving it if
// already linked.
func (s *SQLStore) LinkStage(ctx context.Context, originID, stageID string, position int) error {
	_, err := s.exec(ctx,
		`INSERT INTO origin_stages (origin_id, stage_id, position) VALUES (?, ?, ?)
		 ON CONFLICT (origin_id, stage_id) DO UPDATE SET position = excluded.position`,
		originID, stageID, position,
	)
	if err != nil {
		return fmt.Errorf("link stage: %w", err)
	}
	return nil
}

// ListStages returns the stages linked to originID in pipeline order.
func (s *SQLStore) ListStages(ctx context.Context, originID string) ([]domain.Stage, error) {
	rows, err := s.query(ctx,
		`SELECT st.id, st.name, os.position, st.created_at
		 FROM origin_stages os
		 JOIN stages st ON st.id = os.stage_id
		 WHERE os.origin_id = ?
		 ORDER BY os.position, st.name`, originID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []domain.Stage
	for rows.Next() {
		var st domain.Stage
		if err := rows.Scan(&st.ID, &st.Name, &st.Position, &st.CreatedAt); err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}
