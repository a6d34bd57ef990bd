package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var _ Store = (*PGStore)(nil)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// maybePgError converts driver error codes into package sentinels.
func maybePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return ErrConflict
		case pgErrForeignKeyViolation:
			return ErrNotFound
		}
	}
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context context.Context) UserStore { return &pgUserStore{db: s.db} }
func (s *PGStore) RBAC(context context.Context) RBACStore  { return &pgRBACStore{db: s.db} }
func (s *PGStore) RefreshCredentials(context context.Context) RefreshCredentialStore {
	return &pgRefreshStore{db: s.db}
}

// User store ---------------------------------------------------------------
type pgUserStore struct{ db *sql.DB }

const userColumns = `id, email, phone_number, display_name, password_hash,
	is_active, verified, is_admin, is_superuser, is_deleted,
	last_login_at, created_at, updated_at`

func scanUser(row rowScanner) (*User, error) {
	var (
		u         User
		lastLogin sql.NullTime
	)
	err := row.Scan(
		&u.ID, &u.Email, &u.PhoneNumber, &u.DisplayName, &u.PasswordHash,
		&u.IsActive, &u.Verified, &u.IsAdmin, &u.IsSuperuser, &u.IsDeleted,
		&lastLogin, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastLogin.Valid {
		u.LastLoginAt = &lastLogin.Time
	}
	return &u, nil
}

func (s *pgUserStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, phone_number, display_name, password_hash,
		   is_active, verified, is_admin, is_superuser)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		u.ID, u.Email, u.PhoneNumber, u.DisplayName, u.PasswordHash,
		u.IsActive, u.Verified, u.IsAdmin, u.IsSuperuser,
	)
	return maybePgError(err)
}

func (s *pgUserStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1 and not is_deleted`, id)
	return scanUser(row)
}

func (s *pgUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1 and not is_deleted`, email)
	return scanUser(row)
}

func (s *pgUserStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1 and not is_deleted`,
		userID, passwordHash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgUserStore) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update users set last_login_at=$2, updated_at=$2 where id=$1 and not is_deleted`,
		userID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgUserStore) List(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+userColumns+` from users where not is_deleted order by created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// RBAC store ----------------------------------------------------------------
type pgRBACStore struct{ db *sql.DB }

const roleColumns = `id, code, name, is_active, is_visible, is_deleted, created_at, updated_at`

func scanRole(row rowScanner) (*Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.Code, &r.Name, &r.IsActive, &r.IsVisible, &r.IsDeleted, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *pgRBACStore) CreateRole(ctx context.Context, role *Role) error {
	_, err := s.db.ExecContext(ctx,
		`insert into roles(id, code, name, is_active, is_visible) values($1,$2,$3,$4,$5)`,
		role.ID, role.Code, role.Name, role.IsActive, role.IsVisible,
	)
	return maybePgError(err)
}

func (s *pgRBACStore) FindRole(ctx context.Context, id string) (*Role, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where id=$1 and not is_deleted`, id)
	return scanRole(row)
}

func (s *pgRBACStore) FindRoleByCode(ctx context.Context, code string) (*Role, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where code=$1 and not is_deleted`, code)
	return scanRole(row)
}

func (s *pgRBACStore) ListRoles(ctx context.Context) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+roleColumns+` from roles where not is_deleted order by code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *pgRBACStore) UpdateRole(ctx context.Context, role *Role) error {
	res, err := s.db.ExecContext(ctx,
		`update roles set name=$2, is_active=$3, is_visible=$4, updated_at=$5
		  where id=$1 and not is_deleted`,
		role.ID, role.Name, role.IsActive, role.IsVisible, role.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgRBACStore) DeleteRole(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update roles set is_deleted=true, updated_at=now() where id=$1 and not is_deleted`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgRBACStore) ListResources(ctx context.Context) ([]*Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, code, name, is_active, is_visible, is_deleted
		   from resources where not is_deleted order by code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Resource
	for rows.Next() {
		var r Resource
		if err := rows.Scan(&r.ID, &r.Code, &r.Name, &r.IsActive, &r.IsVisible, &r.IsDeleted); err != nil {
			return nil, err
		}
		res = append(res, &r)
	}
	return res, rows.Err()
}

func (s *pgRBACStore) ListVerbs(ctx context.Context) ([]*Verb, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, action, name, is_active, is_deleted from verbs where not is_deleted order by action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var verbs []*Verb
	for rows.Next() {
		var v Verb
		if err := rows.Scan(&v.ID, &v.Action, &v.Name, &v.IsActive, &v.IsDeleted); err != nil {
			return nil, err
		}
		verbs = append(verbs, &v)
	}
	return verbs, rows.Err()
}

const permissionColumns = `id, resource_id, verb_id, code, name, is_active, is_deleted`

func scanPermission(row rowScanner) (*Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.ResourceID, &p.VerbID, &p.Code, &p.Name, &p.IsActive, &p.IsDeleted)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *pgRBACStore) ListPermissions(ctx context.Context) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+permissionColumns+` from permissions where not is_deleted order by code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []*Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *pgRBACStore) SetRolePermissions(ctx context.Context, roleID string, grants []PermissionGrant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists string
	err = tx.QueryRowContext(ctx,
		`select id from roles where id=$1 and not is_deleted for update`, roleID).Scan(&exists)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id=$1`, roleID); err != nil {
		return err
	}
	for _, g := range grants {
		res, err := tx.ExecContext(ctx,
			`insert into role_permissions(role_id, permission_id, expire_date)
			 select $1, id, $3 from permissions where code=$2 and not is_deleted`,
			roleID, g.PermissionCode, g.ExpireDate,
		)
		if err != nil {
			return maybePgError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: permission %q", ErrNotFound, g.PermissionCode)
		}
	}
	return tx.Commit()
}

func (s *pgRBACStore) RolePermissions(ctx context.Context, roleID string) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select p.id, p.resource_id, p.verb_id, p.code, p.name, p.is_active, p.is_deleted
		   from permissions p
		   join role_permissions rp on rp.permission_id = p.id
		  where rp.role_id=$1 and not p.is_deleted
		  order by p.code`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []*Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *pgRBACStore) AssignRole(ctx context.Context, userID, roleID string) error {
	_, err := s.db.ExecContext(ctx,
		`insert into user_roles(user_id, role_id) values($1,$2)`, userID, roleID)
	return maybePgError(err)
}

func (s *pgRBACStore) RemoveRole(ctx context.Context, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from user_roles where user_id=$1 and role_id=$2`, userID, roleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgRBACStore) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select user_id from user_roles where role_id=$1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *pgRBACStore) UserRoleCodes(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select r.code
		   from roles r
		   join user_roles ur on ur.role_id = r.id
		  where ur.user_id=$1 and r.is_active and not r.is_deleted
		  order by r.code`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (s *pgRBACStore) UserPermissionCodes(ctx context.Context, userID string, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select distinct p.code
		   from permissions p
		   join role_permissions rp on rp.permission_id = p.id
		   join roles r on r.id = rp.role_id
		   join user_roles ur on ur.role_id = r.id
		   join users u on u.id = ur.user_id
		   join resources res on res.id = p.resource_id
		   join verbs v on v.id = p.verb_id
		  where ur.user_id=$1
		    and (rp.expire_date is null or rp.expire_date > $2)
		    and u.is_active and u.verified and not u.is_deleted
		    and r.is_active and not r.is_deleted
		    and p.is_active and not p.is_deleted
		    and v.is_active and not v.is_deleted
		    and res.is_active and res.is_visible and not res.is_deleted
		  order by p.code`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (s *pgRBACStore) AllPermissionCodes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select p.code
		   from permissions p
		   join resources res on res.id = p.resource_id
		   join verbs v on v.id = p.verb_id
		  where p.is_active and not p.is_deleted
		    and v.is_active and not v.is_deleted
		    and res.is_active and res.is_visible and not res.is_deleted
		  order by p.code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// Refresh credential store ---------------------------------------------------
type pgRefreshStore struct{ db *sql.DB }

const credentialColumns = `id, user_id, device_id, family_id, parent_id, replaced_by_id,
	token_hash, ip, user_agent, expires_at, last_used_at, revoked_at, revoked_reason, created_at`

func scanCredential(row rowScanner) (*RefreshCredential, error) {
	var (
		rec                            RefreshCredential
		deviceID, parentID, replacedBy sql.NullString
		revokedReason                  sql.NullString
		lastUsed, revokedAt            sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &deviceID, &rec.FamilyID, &parentID, &replacedBy,
		&rec.TokenHash, &rec.IP, &rec.UserAgent, &rec.ExpiresAt, &lastUsed, &revokedAt, &revokedReason, &rec.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.DeviceID = deviceID.String
	rec.ParentID = parentID.String
	rec.ReplacedByID = replacedBy.String
	rec.RevokedReason = revokedReason.String
	if lastUsed.Valid {
		rec.LastUsedAt = &lastUsed.Time
	}
	if revokedAt.Valid {
		rec.RevokedAt = &revokedAt.Time
	}
	return &rec, nil
}

func (s *pgRefreshStore) Create(ctx context.Context, rec *RefreshCredential) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_credentials(id, user_id, device_id, family_id, parent_id,
		   token_hash, ip, user_agent, expires_at, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, rec.UserID, nullIfEmpty(rec.DeviceID), rec.FamilyID, nullIfEmpty(rec.ParentID),
		rec.TokenHash, rec.IP, rec.UserAgent, rec.ExpiresAt, rec.CreatedAt,
	)
	return maybePgError(err)
}

func (s *pgRefreshStore) FindByHash(ctx context.Context, tokenHash string) (*RefreshCredential, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+credentialColumns+` from refresh_credentials where token_hash=$1`, tokenHash)
	return scanCredential(row)
}

// Rotate runs the whole exchange in one transaction. The presented row is
// locked with select for update, so a concurrent rotation of the same
// token blocks here and re-reads the row after the winner commits; it
// then sees replaced_by_id set and takes the reuse branch. The guarded
// update is a second line of defense for the same race.
func (s *pgRefreshStore) Rotate(ctx context.Context, presentedHash string, next RotationNext) (*RefreshCredential, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`select `+credentialColumns+` from refresh_credentials where token_hash=$1 for update`,
		presentedHash)
	cur, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidRefreshCredential
		}
		return nil, err
	}
	if cur.Revoked() || cur.ExpiredAt(next.Now) {
		return nil, ErrInvalidRefreshCredential
	}
	if cur.ReplacedByID != "" {
		if err := s.revokeFamilyTx(ctx, tx, cur.FamilyID, RevokeReasonReuse, next.Now); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, ErrRefreshReused
	}

	res, err := tx.ExecContext(ctx,
		`update refresh_credentials set replaced_by_id=$2, last_used_at=$3
		  where id=$1 and replaced_by_id is null`,
		cur.ID, next.ID, next.Now)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := s.revokeFamilyTx(ctx, tx, cur.FamilyID, RevokeReasonReuse, next.Now); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, ErrRefreshReused
	}

	successor := &RefreshCredential{
		ID:        next.ID,
		UserID:    cur.UserID,
		DeviceID:  cur.DeviceID,
		FamilyID:  cur.FamilyID,
		ParentID:  cur.ID,
		TokenHash: next.TokenHash,
		IP:        next.IP,
		UserAgent: next.UserAgent,
		ExpiresAt: cur.ExpiresAt,
		CreatedAt: next.Now,
	}
	_, err = tx.ExecContext(ctx,
		`insert into refresh_credentials(id, user_id, device_id, family_id, parent_id,
		   token_hash, ip, user_agent, expires_at, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		successor.ID, successor.UserID, nullIfEmpty(successor.DeviceID), successor.FamilyID,
		successor.ParentID, successor.TokenHash, successor.IP, successor.UserAgent,
		successor.ExpiresAt, successor.CreatedAt,
	)
	if err != nil {
		return nil, maybePgError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return successor, nil
}

func (s *pgRefreshStore) revokeFamilyTx(ctx context.Context, tx *sql.Tx, familyID, reason string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`update refresh_credentials set revoked_at=$2, revoked_reason=$3
		  where family_id=$1 and revoked_at is null`,
		familyID, at, reason)
	return err
}

func (s *pgRefreshStore) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_credentials set revoked_at=$2, revoked_reason=$3
		  where id=$1 and revoked_at is null`,
		id, at, reason)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`select exists(select 1 from refresh_credentials where id=$1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (s *pgRefreshStore) RevokeFamily(ctx context.Context, familyID, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_credentials set revoked_at=$2, revoked_reason=$3
		  where family_id=$1 and revoked_at is null`,
		familyID, at, reason)
	return err
}

func (s *pgRefreshStore) UpsertDevice(ctx context.Context, dev *Device) error {
	_, err := s.db.ExecContext(ctx,
		`insert into auth_devices(id, user_id, last_ip, last_user_agent, first_seen_at, last_seen_at)
		 values($1,$2,$3,$4,$5,$6)
		 on conflict (id) do update set
		   user_id=excluded.user_id,
		   last_ip=excluded.last_ip,
		   last_user_agent=excluded.last_user_agent,
		   last_seen_at=excluded.last_seen_at`,
		dev.ID, dev.UserID, dev.LastIP, dev.LastUserAgent, dev.FirstSeenAt, dev.LastSeenAt,
	)
	return maybePgError(err)
}
