package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ghillie/db"
)

func TestPGRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()
	if _, err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	email := fmt.Sprintf("repo-%d@example.com", time.Now().UnixNano())
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM users WHERE email = $1`, email)
	})

	repo := NewRepository(pool)
	u, err := repo.CreateUser(ctx, CreateUserParams{Email: email, FullName: "Repo", PasswordHash: "x", Role: RoleTrader, Region: "Wales"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.CreateUser(ctx, CreateUserParams{Email: email, FullName: "Dup", PasswordHash: "x", Role: RoleTrader}); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}

	got, err := repo.GetUserByID(ctx, u.ID)
	if err != nil || got.Email != email || got.Region != "Wales" {
		t.Fatalf("get by id: %+v %v", got, err)
	}
	promoted, err := repo.SetRole(ctx, email, RoleSupport)
	if err != nil || promoted.Role != RoleSupport {
		t.Fatalf("set role: %+v %v", promoted, err)
	}
	if _, err := repo.GetUserByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
