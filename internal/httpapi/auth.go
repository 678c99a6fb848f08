package httpapi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"storepos/backend/internal/domain"
	"storepos/backend/internal/store"
)

const (
	tokenIssuer     = "storepos"
	userLoadTimeout = 3 * time.Second
	minUsernameLen  = 4
	minPasswordLen  = 6
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrInvalidUsername    = errors.New("username must be at least 4 characters without spaces")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
	ErrUsernameTaken      = errors.New("username already exists")
)

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}

// AuthManager issues and verifies bearer tokens for terminal staff and holds
// the hashed manager PIN that authorizes voids. Accounts are read from the
// user store and cached; the cache is replaced on every refresh.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	pinHash  []byte
	store    UserStore
	logger   *zap.Logger

	mu       sync.RWMutex
	accounts map[string]domain.UserAccount
}

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	a := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		store:    userStore,
		logger:   zap.NewNop(),
		accounts: make(map[string]domain.UserAccount),
	}
	if pin := strings.TrimSpace(managerPIN); pin != "" {
		if hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost); err == nil {
			a.pinHash = hash
		}
	}
	a.refreshUsers(context.Background())
	return a
}

// SetLogger attaches a logger for user store failures.
func (a *AuthManager) SetLogger(logger *zap.Logger) {
	if logger == nil {
		return
	}
	a.logger = logger.Named("auth")
}

func normalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (a *AuthManager) account(username string) (domain.UserAccount, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acct, ok := a.accounts[username]
	return acct, ok
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	// Users created by another process become visible on their first login.
	a.refreshUsers(ctx)

	username := normalizeUsername(req.Username)
	acct, ok := a.account(username)
	if !ok || !checkPassword(acct.Password, req.Password) {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	if !acct.Active {
		return domain.LoginResponse{}, ErrAccountInactive
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, acct.Role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign token: %w", err)
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        acct.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &posCustomClaims{}
	_, err := jwtlib.ParseWithClaims(tokenStr, claims,
		func(*jwtlib.Token) (any, error) { return a.secret, nil },
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	if claims.Subject == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			Issuer:    tokenIssuer,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

// VerifyManagerPIN reports whether pin matches the configured manager PIN.
// Without a configured PIN every attempt fails.
func (a *AuthManager) VerifyManagerPIN(pin string) bool {
	pin = strings.TrimSpace(pin)
	if pin == "" || a.pinHash == nil {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.pinHash, []byte(pin)) == nil
}

func validateCashier(username string, password string) error {
	if len(username) < minUsernameLen || strings.ContainsAny(username, " \t\r\n") {
		return ErrInvalidUsername
	}
	if len(strings.TrimSpace(password)) < minPasswordLen {
		return ErrWeakPassword
	}
	return nil
}

func (a *AuthManager) CreateCashier(ctx context.Context, req domain.CashierCreateRequest) (domain.CashierUser, error) {
	a.refreshUsers(ctx)

	username := normalizeUsername(req.Username)
	if err := validateCashier(username, req.Password); err != nil {
		return domain.CashierUser{}, err
	}
	if _, exists := a.account(username); exists {
		return domain.CashierUser{}, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.CashierUser{}, fmt.Errorf("hash password: %w", err)
	}
	acct := domain.UserAccount{
		Username:  username,
		Password:  string(hash),
		Role:      domain.RoleCashier,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if a.store != nil {
		if err := a.store.CreateUser(ctx, acct); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return domain.CashierUser{}, ErrUsernameTaken
			}
			return domain.CashierUser{}, err
		}
	}

	a.mu.Lock()
	a.accounts[username] = acct
	a.mu.Unlock()

	return cashierView(acct), nil
}

func cashierView(acct domain.UserAccount) domain.CashierUser {
	return domain.CashierUser{
		Username:  acct.Username,
		Role:      acct.Role,
		Active:    acct.Active,
		CreatedAt: acct.CreatedAt,
	}
}

func (a *AuthManager) ListCashiers(ctx context.Context) []domain.CashierUser {
	a.refreshUsers(ctx)

	a.mu.RLock()
	result := make([]domain.CashierUser, 0, len(a.accounts))
	for _, acct := range a.accounts {
		if acct.Role == domain.RoleCashier {
			result = append(result, cashierView(acct))
		}
	}
	a.mu.RUnlock()

	slices.SortFunc(result, func(x, y domain.CashierUser) int {
		return strings.Compare(x.Username, y.Username)
	})
	return result
}

// refreshUsers replaces the account cache with the store's view, so removed
// or deactivated accounts stop working on the next request. Records without a
// bcrypt hash are skipped. A failing store leaves the cache as it was.
func (a *AuthManager) refreshUsers(ctx context.Context) {
	if a.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, userLoadTimeout)
	defer cancel()

	users, err := a.store.ListUsers(ctx)
	if err != nil {
		a.logger.Warn("failed to load users", zap.Error(err))
		return
	}

	next := make(map[string]domain.UserAccount, len(users))
	for _, user := range users {
		username := normalizeUsername(user.Username)
		if username == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(user.Password)); err != nil {
			a.logger.Warn("ignoring account without password hash", zap.String("username", username))
			continue
		}
		user.Username = username
		next[username] = user
	}

	a.mu.Lock()
	a.accounts = next
	a.mu.Unlock()
}

func checkPassword(hash string, input string) bool {
	if hash == "" || strings.TrimSpace(input) == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(input)) == nil
}
