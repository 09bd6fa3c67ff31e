package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/repos"
	"github.com/kiraclass/kira-backend/internal/types"
	"github.com/kiraclass/kira-backend/internal/utils"
)

// Claims is the access-token payload. Role travels in the token so route
// guards never hit the database.
type Claims struct {
	UserID   uuid.UUID `json:"user_id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Email    string    `json:"email"`
	Role     string    `json:"role"`
	jwt.RegisteredClaims
}

// ParseToken validates a signed access token and returns its claims.
func ParseToken(secret, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, apperr.Unauthorized(fmt.Errorf("invalid token: %w", err))
	}
	return claims, nil
}

type AuthService interface {
	RegisterStudent(ctx context.Context, tenantID uuid.UUID, email, password, firstName, lastName string) (*types.User, string, error)
	Login(ctx context.Context, email, password string) (*types.User, string, error)

	// InviteAdmin issues a short-lived verification code to the address and
	// mails it; CompleteAdminInvite redeems the code into an admin account.
	InviteAdmin(ctx context.Context, tenantID uuid.UUID, email string) error
	CompleteAdminInvite(ctx context.Context, tenantID uuid.UUID, email, code, password, firstName, lastName string) (*types.User, string, error)

	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, email, code, newPassword string) error
}

type AuthConfig struct {
	JWTSecret       string
	TokenTTL        time.Duration
	VerificationTTL time.Duration
}

func AuthConfigFromEnv(log *logger.Logger) AuthConfig {
	return AuthConfig{
		JWTSecret:       utils.GetEnv("JWT_SECRET_KEY", "", log),
		TokenTTL:        time.Duration(utils.GetEnvAsInt("TOKEN_TTL_MIN", 1440, log)) * time.Minute,
		VerificationTTL: time.Duration(utils.GetEnvAsInt("VERIFICATION_TTL_MIN", 180, log)) * time.Minute,
	}
}

type authService struct {
	cfg      AuthConfig
	log      *logger.Logger
	txr      repos.TxRunner
	users    repos.UserRepo
	codes    repos.VerificationCodeRepo
	notifier Notifier
}

func NewAuthService(
	cfg AuthConfig,
	baseLog *logger.Logger,
	txr repos.TxRunner,
	users repos.UserRepo,
	codes repos.VerificationCodeRepo,
	notifier Notifier,
) AuthService {
	return &authService{
		cfg:      cfg,
		log:      baseLog.With("service", "AuthService"),
		txr:      txr,
		users:    users,
		codes:    codes,
		notifier: notifier,
	}
}

func (s *authService) RegisterStudent(ctx context.Context, tenantID uuid.UUID, email, password, firstName, lastName string) (*types.User, string, error) {
	return s.register(ctx, tenantID, email, password, firstName, lastName, types.RoleStudent)
}

func (s *authService) register(ctx context.Context, tenantID uuid.UUID, email, password, firstName, lastName, role string) (*types.User, string, error) {
	email = normalizeEmail(email)
	if err := validateCredentials(email, password); err != nil {
		return nil, "", err
	}
	if tenantID == uuid.Nil {
		return nil, "", apperr.Validation("missing tenant")
	}
	exists, err := s.users.EmailExists(ctx, nil, email)
	if err != nil {
		return nil, "", err
	}
	if exists {
		return nil, "", apperr.Validation("email %s is already registered", email)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}
	user := &types.User{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Email:        email,
		PasswordHash: string(hash),
		FirstName:    firstName,
		LastName:     lastName,
		Role:         role,
	}
	if err := s.txr.InTx(ctx, func(tx *gorm.DB) error {
		return s.users.Create(ctx, tx, user)
	}); err != nil {
		return nil, "", err
	}
	token, err := s.signToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

func (s *authService) Login(ctx context.Context, email, password string) (*types.User, string, error) {
	user, err := s.users.GetByEmail(ctx, nil, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, "", apperr.Unauthorized(errors.New("invalid credentials"))
		}
		return nil, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", apperr.Unauthorized(errors.New("invalid credentials"))
	}
	token, err := s.signToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

func (s *authService) InviteAdmin(ctx context.Context, tenantID uuid.UUID, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return apperr.Validation("missing email")
	}
	code, err := s.issueCode(ctx, email)
	if err != nil {
		return err
	}
	s.notifier.Send(ctx, email, NotifyAdminInvite, map[string]string{
		"code":      code,
		"tenant_id": tenantID.String(),
	})
	return nil
}

func (s *authService) CompleteAdminInvite(ctx context.Context, tenantID uuid.UUID, email, code, password, firstName, lastName string) (*types.User, string, error) {
	email = normalizeEmail(email)
	if err := s.redeemCode(ctx, email, code); err != nil {
		return nil, "", err
	}
	return s.register(ctx, tenantID, email, password, firstName, lastName, types.RoleAdmin)
}

func (s *authService) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if _, err := s.users.GetByEmail(ctx, nil, email); err != nil {
		// Unknown addresses get the same response as known ones.
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	code, err := s.issueCode(ctx, email)
	if err != nil {
		return err
	}
	s.notifier.Send(ctx, email, NotifyResetRequest, map[string]string{"code": code})
	return nil
}

func (s *authService) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	email = normalizeEmail(email)
	if err := validateCredentials(email, newPassword); err != nil {
		return err
	}
	user, err := s.users.GetByEmail(ctx, nil, email)
	if err != nil {
		return err
	}
	if err := s.redeemCode(ctx, email, code); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.txr.InTx(ctx, func(tx *gorm.DB) error {
		return s.users.UpdatePassword(ctx, tx, user.ID, string(hash))
	}); err != nil {
		return err
	}
	s.notifier.Send(ctx, email, NotifyPasswordReset, nil)
	return nil
}

// issueCode mints a fresh 6-digit code for the address, replacing any
// earlier one.
func (s *authService) issueCode(ctx context.Context, email string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	code := fmt.Sprintf("%06d", n.Int64())
	err = s.txr.InTx(ctx, func(tx *gorm.DB) error {
		return s.codes.Upsert(ctx, tx, &types.VerificationCode{
			Email:     email,
			Code:      code,
			ExpiresAt: time.Now().UTC().Add(s.cfg.VerificationTTL),
		})
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// redeemCode consumes a valid code; a code only works once.
func (s *authService) redeemCode(ctx context.Context, email, code string) error {
	if code == "" {
		return apperr.Validation("missing verification code")
	}
	return s.txr.InTx(ctx, func(tx *gorm.DB) error {
		row, err := s.codes.GetValid(ctx, tx, email, code)
		if err != nil {
			return err
		}
		if row == nil {
			return apperr.Unauthorized(errors.New("invalid or expired verification code"))
		}
		return s.codes.Delete(ctx, tx, email)
	})
}

func (s *authService) signToken(user *types.User) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		UserID:   user.ID,
		TenantID: user.TenantID,
		Email:    user.Email,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateCredentials(email, password string) error {
	if email == "" || !strings.Contains(email, "@") {
		return apperr.Validation("invalid email address")
	}
	if len(password) < 8 {
		return apperr.Validation("password must be at least 8 characters")
	}
	return nil
}
