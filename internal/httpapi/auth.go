package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/store"
)

const tokenIssuer = "umspos"

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errAccountInactive    = errors.New("account is inactive")
	errInvalidToken       = errors.New("invalid or expired token")
)

// UserStore is the slice of the repository the auth manager needs.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUser(ctx context.Context, user domain.UserAccount) error
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	users    UserStore
	now      func() time.Time
}

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, users UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := normalizeUsername(req.Username)
	if username == "" || strings.TrimSpace(req.Password) == "" {
		return domain.LoginResponse{}, errInvalidCredentials
	}

	account, err := a.users.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, errInvalidCredentials
		}
		return domain.LoginResponse{}, err
	}
	if !a.checkPassword(ctx, account, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !account.Active {
		return domain.LoginResponse{}, errAccountInactive
	}

	expiresAt := a.now().Add(a.tokenTTL)
	token, err := a.sign(account.Username, account.Role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        account.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// checkPassword verifies the password and rehashes accounts that still carry
// a legacy plain-text password.
func (a *AuthManager) checkPassword(ctx context.Context, account *domain.UserAccount, input string) bool {
	if isPasswordHash(account.Password) {
		return verifyPassword(account.Password, input)
	}
	if account.Password == "" || subtle.ConstantTimeCompare([]byte(account.Password), []byte(input)) != 1 {
		return false
	}
	if hashed, err := hashPassword(input); err == nil {
		_ = a.users.UpdateUserPassword(ctx, account.Username, hashed)
	}
	return true
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &posCustomClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, errInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

// Authenticate parses the token and reloads the account, so deactivation and
// role changes take effect before the token expires.
func (a *AuthManager) Authenticate(ctx context.Context, tokenStr string) (domain.Actor, error) {
	actor, err := a.ParseToken(tokenStr)
	if err != nil {
		return domain.Actor{}, err
	}
	account, err := a.users.GetUser(ctx, actor.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Actor{}, errInvalidToken
		}
		return domain.Actor{}, err
	}
	if !account.Active {
		return domain.Actor{}, errAccountInactive
	}
	actor.Role = account.Role
	return actor, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(a.now()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// CreateUser stores a new active account. The request is expected to be
// validated already.
func (a *AuthManager) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.User, error) {
	username := normalizeUsername(req.Username)
	if len(username) < 4 {
		return domain.User{}, fmt.Errorf("%w: username must be at least 4 characters", store.ErrInvalidRequest)
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return domain.User{}, fmt.Errorf("%w: username must not contain spaces", store.ErrInvalidRequest)
	}
	if !isKnownRole(req.Role) {
		return domain.User{}, fmt.Errorf("%w: unknown role %q", store.ErrInvalidRequest, req.Role)
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return domain.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	account := domain.UserAccount{
		Username:  username,
		Email:     strings.TrimSpace(req.Email),
		Name:      strings.TrimSpace(req.Name),
		Password:  passwordHash,
		Role:      req.Role,
		Active:    true,
		CreatedAt: a.now(),
	}
	if err := a.users.CreateUser(ctx, account); err != nil {
		return domain.User{}, err
	}
	return toUser(account), nil
}

func (a *AuthManager) ListUsers(ctx context.Context) ([]domain.User, error) {
	accounts, err := a.users.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]domain.User, 0, len(accounts))
	for _, account := range accounts {
		result = append(result, toUser(account))
	}
	return result, nil
}

// UpdateUser changes role and activation. Admins cannot demote or deactivate
// themselves, which keeps at least one admin able to log in.
func (a *AuthManager) UpdateUser(ctx context.Context, actor domain.Actor, username string, req domain.UserUpdateRequest) (domain.User, error) {
	username = normalizeUsername(username)
	account, err := a.users.GetUser(ctx, username)
	if err != nil {
		return domain.User{}, err
	}

	if req.Role != nil {
		if !isKnownRole(*req.Role) {
			return domain.User{}, fmt.Errorf("%w: unknown role %q", store.ErrInvalidRequest, *req.Role)
		}
		if username == actor.Username && *req.Role != account.Role {
			return domain.User{}, fmt.Errorf("%w: you cannot change your own role", store.ErrInvalidRequest)
		}
		account.Role = *req.Role
	}
	if req.Active != nil {
		if username == actor.Username && !*req.Active {
			return domain.User{}, fmt.Errorf("%w: you cannot deactivate yourself", store.ErrInvalidRequest)
		}
		account.Active = *req.Active
	}

	if err := a.users.UpdateUser(ctx, *account); err != nil {
		return domain.User{}, err
	}
	return toUser(*account), nil
}

func (a *AuthManager) ChangePassword(ctx context.Context, username string, req domain.PasswordChangeRequest) error {
	account, err := a.users.GetUser(ctx, normalizeUsername(username))
	if err != nil {
		return err
	}
	if !a.checkPassword(ctx, account, req.CurrentPassword) {
		return fmt.Errorf("%w: current password is incorrect", store.ErrInvalidRequest)
	}
	if req.NewPassword == req.CurrentPassword {
		return fmt.Errorf("%w: new password must differ from the current one", store.ErrInvalidRequest)
	}

	hashed, err := hashPassword(req.NewPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return a.users.UpdateUserPassword(ctx, account.Username, hashed)
}

// EnsureBootstrapAdmin creates the "admin" account when the store has no
// admin yet. It reports whether an account was created.
func (a *AuthManager) EnsureBootstrapAdmin(ctx context.Context, password string) (bool, error) {
	accounts, err := a.users.ListUsers(ctx)
	if err != nil {
		return false, err
	}
	for _, account := range accounts {
		if account.Role == domain.RoleAdmin {
			return false, nil
		}
	}
	if strings.TrimSpace(password) == "" {
		return false, errors.New("no admin account exists; set BOOTSTRAP_ADMIN_PASSWORD")
	}

	_, err = a.CreateUser(ctx, domain.UserCreateRequest{
		Username: "admin",
		Email:    "admin@umspos.local",
		Name:     "Administrator",
		Role:     domain.RoleAdmin,
		Password: password,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func toUser(account domain.UserAccount) domain.User {
	return domain.User{
		Username:  account.Username,
		Email:     account.Email,
		Name:      account.Name,
		Role:      account.Role,
		Active:    account.Active,
		CreatedAt: account.CreatedAt,
	}
}

func isKnownRole(role string) bool {
	switch role {
	case domain.RoleAdmin, domain.RoleAccountant, domain.RoleUser:
		return true
	}
	return false
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
