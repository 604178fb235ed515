package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountExists      = errors.New("account with this email already exists")
	ErrInvalidToken       = errors.New("invalid token")
	ErrAccountNotFound    = errors.New("account not found")
)

// AccountStore is the slice of the account repository the session service needs.
type AccountStore interface {
	Create(ctx context.Context, holder *models.AccountHolder) error
	FindByEmail(ctx context.Context, email string) (*models.AccountHolder, error)
	SetAdmin(ctx context.Context, email string, admin bool) error
}

// SessionService logs account holders in for the usage report. It never
// touches API credentials.
type SessionService struct {
	accounts  AccountStore
	jwtSecret []byte
	jwtExpiry time.Duration
	now       func() time.Time
}

// Claims carried by a session token.
type Claims struct {
	AccountID    string `json:"account_id"`
	AccountEmail string `json:"email"`
	Admin        bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

func NewSessionService(accounts AccountStore, secret string, expiryHours int) *SessionService {
	return &SessionService{
		accounts:  accounts,
		jwtSecret: []byte(secret),
		jwtExpiry: time.Duration(expiryHours) * time.Hour,
		now:       time.Now,
	}
}

// Register creates an account holder with a bcrypt password hash.
func (s *SessionService) Register(ctx context.Context, email, password, name string) (*models.AccountHolder, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, errors.New("email and password are required")
	}

	existing, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAccountExists
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	holder := &models.AccountHolder{
		Email:        email,
		PasswordHash: string(hashed),
		Name:         name,
	}
	if err := s.accounts.Create(ctx, holder); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return holder, nil
}

// SetAdmin changes whether the holder may operate the /system endpoints.
// Sessions issued before the change keep their old claim until they expire.
func (s *SessionService) SetAdmin(ctx context.Context, email string, admin bool) error {
	err := s.accounts.SetAdmin(ctx, normalizeEmail(email), admin)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrAccountNotFound
	}
	return err
}

// Login verifies the password and returns a signed session token.
func (s *SessionService) Login(ctx context.Context, email, password string) (string, error) {
	holder, err := s.accounts.FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return "", err
	}
	if holder == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(holder.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		AccountID:    holder.ID.String(),
		AccountEmail: holder.Email,
		Admin:        holder.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   holder.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
		},
	})

	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	return signed, nil
}

// ValidateToken checks signature and expiry and returns the claims.
func (s *SessionService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if !token.Valid || claims.AccountEmail == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(email)
}
