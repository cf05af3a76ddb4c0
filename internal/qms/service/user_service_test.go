package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-qms/internal/config"
	"github.com/bitfantasy/nimo-qms/internal/qms/entity"
	"github.com/bitfantasy/nimo-qms/internal/qms/repository"
	"github.com/bitfantasy/nimo-qms/internal/qms/testutil"
)

func TestListAllPaginates(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	repos := repository.NewRepositories(s.db)
	userSvc := NewUserService(s.db, repos.User, nil)

	testutil.SeedTestUser(t, s.db, "u-001", "用户A", entity.RoleEngineer)
	testutil.SeedTestUser(t, s.db, "u-002", "用户B", entity.RoleEngineer)
	testutil.SeedTestUser(t, s.db, "u-003", "用户C", entity.RoleLead)

	page1, err := userSvc.ListAll(ctx, 1, 2)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("expected 2 users on page 1, got %d", len(page1))
	}
	if page1[0].Name != "用户A" || page1[1].Name != "用户B" {
		t.Fatalf("expected name-ordered page, got %s/%s", page1[0].Name, page1[1].Name)
	}

	page2, err := userSvc.ListAll(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(page2) != 1 || page2[0].Name != "用户C" {
		t.Fatalf("expected single trailing user on page 2, got %v", page2)
	}
}

func TestLoginValidatesUserAndRole(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	repos := repository.NewRepositories(s.db)
	cfg := &config.Config{JWT: config.JWTConfig{
		Secret:             "test-secret",
		Issuer:             "qms-test",
		AccessTokenExpire:  time.Hour,
		RefreshTokenExpire: 24 * time.Hour,
	}}
	authSvc := NewAuthService(repos.User, nil, cfg)

	user := testutil.SeedTestUser(t, s.db, "u-login", "用户A", entity.RoleEngineer)
	pair, err := authSvc.Login(ctx, user.Username)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token pair, got %+v", pair)
	}

	if _, err := authSvc.Login(ctx, "no-such-user"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for unknown user, got %v", err)
	}

	// 未知角色不允许登录
	ghost := testutil.SeedTestUser(t, s.db, "u-ghost", "用户X", entity.Role("intern"))
	if _, err := authSvc.Login(ctx, ghost.Username); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for unknown role, got %v", err)
	}

	// 停用用户不允许登录
	inactive := testutil.SeedTestUser(t, s.db, "u-off", "用户Y", entity.RoleEngineer)
	s.db.Model(&entity.User{}).Where("id = ?", inactive.ID).Update("is_active", false)
	if _, err := authSvc.Login(ctx, inactive.Username); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for inactive user, got %v", err)
	}
}
