package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"storepos/backend/internal/domain"
)

type userStoreStub struct {
	mu    sync.Mutex
	users map[string]domain.UserAccount
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func TestLoginIgnoresAccountsWithoutPasswordHash(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"legacy": {
				Username:  "legacy",
				Password:  "plain-text",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, "123456", store)
	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "legacy", Password: "plain-text"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected plain-text account to be rejected, got %v", err)
	}
}

func TestRefreshDropsRemovedAndDeactivatedAccounts(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"evening": {Username: "evening", Password: mustHashPassword(t, "pass1234"), Role: domain.RoleCashier, Active: true},
			"weekend": {Username: "weekend", Password: mustHashPassword(t, "pass5678"), Role: domain.RoleCashier, Active: true},
		},
	}
	manager := NewAuthManager("test-secret", time.Hour, "123456", store)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "evening", Password: "pass1234"}); err != nil {
		t.Fatalf("login: %v", err)
	}

	store.mu.Lock()
	delete(store.users, "weekend")
	evening := store.users["evening"]
	evening.Active = false
	store.users["evening"] = evening
	store.mu.Unlock()

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "weekend", Password: "pass5678"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected removed account to fail, got %v", err)
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "evening", Password: "pass1234"}); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected deactivated account to fail, got %v", err)
	}
}

func TestCreateCashierValidation(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", &userStoreStub{})
	ctx := context.Background()

	if _, err := manager.CreateCashier(ctx, domain.CashierCreateRequest{Username: "ab", Password: "pass1234"}); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected short username to fail, got %v", err)
	}
	if _, err := manager.CreateCashier(ctx, domain.CashierCreateRequest{Username: "night shift", Password: "pass1234"}); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected username with space to fail, got %v", err)
	}
	if _, err := manager.CreateCashier(ctx, domain.CashierCreateRequest{Username: "night", Password: "123"}); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected short password to fail, got %v", err)
	}
	if _, err := manager.CreateCashier(ctx, domain.CashierCreateRequest{Username: "Night", Password: "pass1234"}); err != nil {
		t.Fatalf("create cashier: %v", err)
	}
	if _, err := manager.CreateCashier(ctx, domain.CashierCreateRequest{Username: "night", Password: "pass1234"}); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected duplicate username to fail, got %v", err)
	}
}

func TestCreateCashierStoresPasswordHash(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  mustHashPassword(t, "admin123"),
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, "123456", store)
	cashier, err := manager.CreateCashier(context.Background(), domain.CashierCreateRequest{
		Username: "evening",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("create cashier failed: %v", err)
	}
	if cashier.Username != "evening" {
		t.Fatalf("unexpected username %s", cashier.Username)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	var found *domain.UserAccount
	for i := range users {
		if users[i].Username == "evening" {
			found = &users[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("expected cashier to be saved")
	}
	if found.Password == "pass1234" {
		t.Fatalf("expected cashier password to be hashed")
	}
	if !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", found.Password)
	}

	_, err = manager.Login(context.Background(), domain.LoginRequest{
		Username: "evening",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("login with hashed cashier failed: %v", err)
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, "654321", store)

	if string(manager.pinHash) == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}

	if !manager.VerifyManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}

	if manager.VerifyManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"retired": {
				Username:  "retired",
				Password:  mustHashPassword(t, "oldpass1"),
				Role:      domain.RoleCashier,
				Active:    false,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, "123456", store)
	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "Retired ", Password: "oldpass1"})
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected inactive account error, got %v", err)
	}
}

func TestManagerPINDisabledWhenUnset(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "  ", nil)
	if manager.VerifyManagerPIN("") || manager.VerifyManagerPIN("123456") {
		t.Fatalf("expected every pin to fail without a configured pin")
	}
}

func TestParseTokenRejectsForeignIssuerAndSecret(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", nil)

	own, err := manager.sign("admin", domain.RoleAdmin, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	actor, err := manager.ParseToken(own)
	if err != nil || actor.Username != "admin" || actor.Role != domain.RoleAdmin {
		t.Fatalf("expected own token to parse, got %+v %v", actor, err)
	}

	foreign := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "admin",
			Issuer:    "someone-else",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Role: domain.RoleAdmin,
	})
	signed, err := foreign.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign foreign: %v", err)
	}
	if _, err := manager.ParseToken(signed); err == nil {
		t.Fatalf("expected token from another issuer to be rejected")
	}

	other := NewAuthManager("another-secret", time.Hour, "123456", nil)
	if _, err := other.ParseToken(own); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	expired, err := manager.sign("admin", domain.RoleAdmin, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign expired: %v", err)
	}
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}
