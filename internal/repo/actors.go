package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"reportflow/internal/domain"
	"reportflow/internal/engine/approval"
)

// UpsertActor registers an actor or updates its role and display name.
func (r Repo) UpsertActor(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO actors(id, role, display_name, created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role=excluded.role, display_name=excluded.display_name`,
		a.ID, string(a.Role), nullable(a.DisplayName), a.CreatedAt)
	return storeErr("upsert actor", err)
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	return r.GetActorTx(ctx, nil, id)
}

func (r Repo) GetActorTx(ctx context.Context, tx *sql.Tx, id string) (domain.Actor, error) {
	a, err := scanActor(r.q(tx).QueryRowContext(ctx, `SELECT id, role, display_name, created_at FROM actors WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return a, fmt.Errorf("actor %s: %w", id, ErrNotFound)
	}
	return a, storeErr("get actor", err)
}

func (r Repo) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, role, display_name, created_at FROM actors ORDER BY id`)
	if err != nil {
		return nil, storeErr("list actors", err)
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, storeErr("scan actor", err)
		}
		res = append(res, a)
	}
	return res, storeErr("list actors", rows.Err())
}

func scanActor(row scanner) (domain.Actor, error) {
	var a domain.Actor
	var role string
	var name sql.NullString
	err := row.Scan(&a.ID, &role, &name, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Role = approval.Role(role)
	a.DisplayName = name.String
	return a, nil
}
