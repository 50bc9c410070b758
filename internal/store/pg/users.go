package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"civicops.org/internal/auth"
)

var _ auth.Directory = (*Store)(nil)

func (s *Store) FindByEmail(ctx context.Context, email string) (auth.User, error) {
	var u auth.User
	var roles, modules []byte
	err := s.db.QueryRowContext(ctx, `
		select id, email, password_hash, roles, modules
		from users where email = lower($1)
	`, strings.TrimSpace(email)).Scan(&u.ID, &u.Email, &u.PasswordHash, &roles, &modules)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrUserNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &u.Roles); err != nil {
			return auth.User{}, err
		}
	}
	if len(modules) > 0 {
		if err := json.Unmarshal(modules, &u.Modules); err != nil {
			return auth.User{}, err
		}
	}
	return u, nil
}

// UpsertUser writes a directory entry; used by the seed command.
func (s *Store) UpsertUser(ctx context.Context, u auth.User) error {
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return err
	}
	modules, err := json.Marshal(u.Modules)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into users(id, email, password_hash, roles, modules)
		values ($1, lower($2), $3, $4, $5)
		on conflict (id) do update
		set email = excluded.email, password_hash = excluded.password_hash,
		    roles = excluded.roles, modules = excluded.modules
	`, u.ID, strings.TrimSpace(u.Email), u.PasswordHash, roles, modules)
	return err
}
