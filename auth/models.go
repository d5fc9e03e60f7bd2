package auth

import "time"

type Role string

const (
	RoleTrader  Role = "trader"
	RoleSupport Role = "support"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and carries no JSON annotations so
// presentation layers choose their own shape.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	Bio          string
	Region       string
	CreatedAt    time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Bio      string `json:"bio"`
	Region   string `json:"region"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
