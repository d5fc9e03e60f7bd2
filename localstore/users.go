package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"ghillie/auth"
)

// Users implements auth.Repository on the same SQLite file as the listings.
type Users struct {
	store *Store
}

func (s *Store) Users() *Users {
	return &Users{store: s}
}

const userColumns = `id, email, full_name, password_hash, role, bio, region, created_at`

func (u *Users) CreateUser(ctx context.Context, params auth.CreateUserParams) (auth.User, error) {
	id := uuid.NewString()
	_, err := u.store.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, params.Email, params.FullName, params.PasswordHash, string(params.Role), params.Bio, params.Region,
		formatTime(u.store.now()),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return auth.User{}, auth.ErrDuplicateEmail
		}
		return auth.User{}, fmt.Errorf("localstore: create user: %w", err)
	}
	return u.GetUserByID(ctx, id)
}

func (u *Users) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	return u.get(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
}

func (u *Users) GetUserByID(ctx context.Context, userID string) (auth.User, error) {
	return u.get(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
}

func (u *Users) SetRole(ctx context.Context, email string, role auth.Role) (auth.User, error) {
	res, err := u.store.db.ExecContext(ctx, `UPDATE users SET role = ? WHERE email = ?`, string(role), email)
	if err != nil {
		return auth.User{}, fmt.Errorf("localstore: set role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return auth.User{}, auth.ErrUserNotFound
	}
	return u.GetUserByEmail(ctx, email)
}

func (u *Users) get(ctx context.Context, query string, arg string) (auth.User, error) {
	var (
		user        auth.User
		role, stamp string
	)
	err := u.store.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Email, &user.FullName, &user.PasswordHash, &role, &user.Bio, &user.Region, &stamp,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.User{}, auth.ErrUserNotFound
		}
		return auth.User{}, fmt.Errorf("localstore: get user: %w", err)
	}
	user.Role = auth.Role(role)
	if user.CreatedAt, err = parseTime(stamp); err != nil {
		return auth.User{}, err
	}
	return user, nil
}
