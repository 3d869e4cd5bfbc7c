package rbac

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomhq/loom/internal/platform/db"
)

const pgUniqueViolation = "23505"

// PGRepository provides PostgreSQL backed persistence for the RBAC core.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

var _ Repository = (*PGRepository)(nil)

const roleColumns = `id, name, description, is_system_role, parent_role_id, created_at, updated_at`

func scanRole(row pgx.Row) (*Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystemRole, &role.ParentRoleID, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}

// FindRoleByID fetches a single role.
func (r *PGRepository) FindRoleByID(ctx context.Context, id int64) (*Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
}

// FindRoleByName fetches a role by exact, case-sensitive name.
func (r *PGRepository) FindRoleByName(ctx context.Context, name string) (*Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
}

// ListRoles returns the full role set ordered by id.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

// FindRolesByParent returns the direct children of a role.
func (r *PGRepository) FindRolesByParent(ctx context.Context, parentID int64) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE parent_role_id = $1 ORDER BY id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

func collectRoles(rows pgx.Rows) ([]Role, error) {
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystemRole, &role.ParentRoleID, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// InsertRole persists a new role.
func (r *PGRepository) InsertRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO roles (name, description, is_system_role, parent_role_id) VALUES ($1, $2, $3, $4) RETURNING `+roleColumns,
		role.Name, role.Description, role.IsSystemRole, role.ParentRoleID)
	created, err := scanRole(row)
	if err != nil {
		return Role{}, mapUnique(err, ErrDuplicateName)
	}
	return *created, nil
}

// UpdateRole persists name, description and parent pointer changes.
func (r *PGRepository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE roles SET name = $2, description = $3, parent_role_id = $4, updated_at = NOW() WHERE id = $1 RETURNING `+roleColumns,
		role.ID, role.Name, role.Description, role.ParentRoleID)
	updated, err := scanRole(row)
	if err != nil {
		return Role{}, mapUnique(err, ErrDuplicateName)
	}
	return *updated, nil
}

// DeleteRole removes a role atomically: child roles are detached to the root,
// permission grants and user assignments are cleaned up, then the role row is
// deleted.
func (r *PGRepository) DeleteRole(ctx context.Context, id int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE roles SET parent_role_id = NULL, updated_at = NOW() WHERE parent_role_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE role_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// FindPermissionsForRole returns the direct (non-inherited) permissions of a
// role in insertion order.
func (r *PGRepository) FindPermissionsForRole(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT permission FROM role_permissions WHERE role_id = $1 ORDER BY id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// FindPermissionsForRoleIDs bulk fetches permission rows for a set of roles.
func (r *PGRepository) FindPermissionsForRoleIDs(ctx context.Context, ids []int64) ([]RolePermission, error) {
	rows, err := r.pool.Query(ctx, `SELECT role_id, permission FROM role_permissions WHERE role_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RolePermission
	for rows.Next() {
		var rp RolePermission
		if err := rows.Scan(&rp.RoleID, &rp.Permission); err != nil {
			return nil, err
		}
		out = append(out, rp)
	}
	return out, rows.Err()
}

// GrantPermission attaches a permission to a role. Granting an already held
// permission is a no-op.
func (r *PGRepository) GrantPermission(ctx context.Context, roleID int64, permission string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO role_permissions (role_id, permission) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		roleID, permission)
	return err
}

// RevokePermission detaches a permission from a role.
func (r *PGRepository) RevokePermission(ctx context.Context, roleID int64, permission string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission = $2`, roleID, permission)
	return err
}

// ListPermissionsInUse returns the distinct permission strings attached to
// any role.
func (r *PGRepository) ListPermissionsInUse(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT permission FROM role_permissions ORDER BY permission`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

const assignmentColumns = `ur.id, ur.user_id, ur.team_id, ur.role_id, ur.assigned_by, ur.created_at, ur.expires_at`

// ListAssignmentsForUser returns the user's assignments joined with their
// role records.
func (r *PGRepository) ListAssignmentsForUser(ctx context.Context, userID int64) ([]UserRoleAssignment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+assignmentColumns+`, r.id, r.name, r.description, r.is_system_role, r.parent_role_id, r.created_at, r.updated_at
		 FROM user_roles ur JOIN roles r ON r.id = ur.role_id
		 WHERE ur.user_id = $1 ORDER BY ur.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var assignments []UserRoleAssignment
	for rows.Next() {
		var a UserRoleAssignment
		var role Role
		if err := rows.Scan(&a.ID, &a.UserID, &a.TeamID, &a.RoleID, &a.AssignedBy, &a.CreatedAt, &a.ExpiresAt,
			&role.ID, &role.Name, &role.Description, &role.IsSystemRole, &role.ParentRoleID, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		a.Role = &role
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// InsertAssignment persists a new user-role binding.
func (r *PGRepository) InsertAssignment(ctx context.Context, a UserRoleAssignment) (UserRoleAssignment, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO user_roles (user_id, team_id, role_id, assigned_by, expires_at) VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, user_id, team_id, role_id, assigned_by, created_at, expires_at`,
		a.UserID, a.TeamID, a.RoleID, a.AssignedBy, a.ExpiresAt)
	var created UserRoleAssignment
	if err := row.Scan(&created.ID, &created.UserID, &created.TeamID, &created.RoleID, &created.AssignedBy, &created.CreatedAt, &created.ExpiresAt); err != nil {
		return UserRoleAssignment{}, err
	}
	return created, nil
}

// DeleteAssignment removes a user-role binding.
func (r *PGRepository) DeleteAssignment(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindMembership resolves the user's active team/role binding. The oldest
// non-expired assignment wins.
func (r *PGRepository) FindMembership(ctx context.Context, userID int64) (*Membership, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, team_id, role_id FROM user_roles
		 WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > NOW())
		 ORDER BY id LIMIT 1`, userID)
	var m Membership
	if err := row.Scan(&m.UserID, &m.TeamID, &m.RoleID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// DeleteExpiredAssignments removes assignments whose expiry passed before the
// cutoff, returning the number of rows swept.
func (r *PGRepository) DeleteExpiredAssignments(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE expires_at IS NOT NULL AND expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func mapUnique(err error, to error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return to
	}
	return err
}
