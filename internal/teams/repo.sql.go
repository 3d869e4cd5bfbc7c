package teams

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomhq/loom/internal/shared"
)

const teamColumns = `id, name, slug, created_at, updated_at`

// PGRepository provides PostgreSQL backed persistence.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// ListTeams returns all teams ordered by name.
func (r *PGRepository) ListTeams(ctx context.Context) ([]Team, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+teamColumns+` FROM teams ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var teams []Team
	for rows.Next() {
		var team Team
		if err := rows.Scan(&team.ID, &team.Name, &team.Slug, &team.CreatedAt, &team.UpdatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return teams, nil
}

// FindTeamByID fetches a single team.
func (r *PGRepository) FindTeamByID(ctx context.Context, id int64) (*Team, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+teamColumns+` FROM teams WHERE id = $1`, id)
	return scanTeam(row)
}

// InsertTeam creates a team and returns the stored row.
func (r *PGRepository) InsertTeam(ctx context.Context, name, slug string) (*Team, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO teams (name, slug, created_at, updated_at) VALUES ($1, $2, NOW(), NOW()) RETURNING `+teamColumns,
		name, slug)
	team, err := scanTeam(row)
	if err != nil {
		return nil, mapUniqueSlug(err)
	}
	return team, nil
}

// UpdateTeam renames a team and returns the stored row.
func (r *PGRepository) UpdateTeam(ctx context.Context, id int64, name string) (*Team, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE teams SET name = $2, updated_at = NOW() WHERE id = $1 RETURNING `+teamColumns, id, name)
	return scanTeam(row)
}

// DeleteTeam removes a team. Role assignments cascade in the schema.
func (r *PGRepository) DeleteTeam(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM teams WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListMembers returns the active members of a team joined with their role.
func (r *PGRepository) ListMembers(ctx context.Context, teamID int64) ([]Member, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.email, u.name, ur.role_id, ro.name, ur.created_at
		 FROM user_roles ur
		 JOIN users u ON u.id = ur.user_id
		 JOIN roles ro ON ro.id = ur.role_id
		 WHERE ur.team_id = $1 AND (ur.expires_at IS NULL OR ur.expires_at > NOW())
		 ORDER BY u.name`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Email, &m.Name, &m.RoleID, &m.RoleName, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

func scanTeam(row pgx.Row) (*Team, error) {
	var team Team
	err := row.Scan(&team.ID, &team.Name, &team.Slug, &team.CreatedAt, &team.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &team, nil
}

func mapUniqueSlug(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateSlug
	}
	return err
}
