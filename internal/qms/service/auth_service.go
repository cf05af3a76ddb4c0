package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-qms/internal/config"
	"github.com/bitfantasy/nimo-qms/internal/qms/entity"
	"github.com/bitfantasy/nimo-qms/internal/qms/repository"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// AuthService 认证服务：签发与刷新 JWT，refresh token 经 redis 轮换
type AuthService struct {
	userRepo *repository.UserRepository
	rdb      *redis.Client
	cfg      *config.Config
}

// NewAuthService 创建认证服务
func NewAuthService(userRepo *repository.UserRepository, rdb *redis.Client, cfg *config.Config) *AuthService {
	return &AuthService{
		userRepo: userRepo,
		rdb:      rdb,
		cfg:      cfg,
	}
}

// TokenPair Token对
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// IssueTokens 为用户签发Token对
func (s *AuthService) IssueTokens(ctx context.Context, user *entity.User) (*TokenPair, error) {
	if !user.IsActive {
		return nil, fmt.Errorf("%w: 用户已停用", ErrNotAuthorized)
	}
	return s.generateTokenPair(ctx, user)
}

func (s *AuthService) generateTokenPair(ctx context.Context, user *entity.User) (*TokenPair, error) {
	now := time.Now()

	accessClaims := jwt.MapClaims{
		"sub":   user.ID,
		"uid":   user.ID,
		"name":  user.Name,
		"email": user.Email,
		"role":  string(user.Role),
		"iss":   s.cfg.JWT.Issuer,
		"iat":   now.Unix(),
		"exp":   now.Add(s.cfg.JWT.AccessTokenExpire).Unix(),
		"jti":   uuid.New().String(),
	}
	accessToken := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims)
	accessTokenString, err := accessToken.SignedString([]byte(s.cfg.JWT.Secret))
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refreshJti := uuid.New().String()
	refreshClaims := jwt.MapClaims{
		"sub":  user.ID,
		"type": "refresh",
		"iss":  s.cfg.JWT.Issuer,
		"iat":  now.Unix(),
		"exp":  now.Add(s.cfg.JWT.RefreshTokenExpire).Unix(),
		"jti":  refreshJti,
	}
	refreshToken := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims)
	refreshTokenString, err := refreshToken.SignedString([]byte(s.cfg.JWT.Secret))
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	if s.rdb != nil {
		// 一个用户同时只保留一个有效的 refresh token
		if oldJti, err := s.rdb.Get(ctx, "token:refresh:user:"+user.ID).Result(); err == nil && oldJti != "" {
			s.rdb.Del(ctx, "token:refresh:"+oldJti)
		}
		s.rdb.Set(ctx, "token:refresh:"+refreshJti, user.ID, s.cfg.JWT.RefreshTokenExpire)
		s.rdb.Set(ctx, "token:refresh:user:"+user.ID, refreshJti, s.cfg.JWT.RefreshTokenExpire)
	}

	return &TokenPair{
		AccessToken:  accessTokenString,
		RefreshToken: refreshTokenString,
		ExpiresIn:    int64(s.cfg.JWT.AccessTokenExpire.Seconds()),
	}, nil
}

// RefreshToken 刷新Token，旧的 refresh token 作废
func (s *AuthService) RefreshToken(ctx context.Context, refreshTokenString string) (*TokenPair, error) {
	token, err := jwt.Parse(refreshTokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWT.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: refresh token 无效", ErrNotAuthorized)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: token claims 无效", ErrNotAuthorized)
	}
	if claims["type"] != "refresh" {
		return nil, fmt.Errorf("%w: token 类型错误", ErrNotAuthorized)
	}

	jti, _ := claims["jti"].(string)
	if jti == "" || s.rdb == nil {
		return nil, fmt.Errorf("%w: refresh token 无效", ErrNotAuthorized)
	}
	userID, err := s.rdb.Get(ctx, "token:refresh:"+jti).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: refresh token 已过期", ErrNotAuthorized)
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("用户不存在: %w", ErrNotFound)
	}

	s.rdb.Del(ctx, "token:refresh:"+jti)
	return s.generateTokenPair(ctx, user)
}

// Login 按用户名登录签发 Token。部署在内网网关之后，身份由网关侧保证
func (s *AuthService) Login(ctx context.Context, username string) (*TokenPair, error) {
	user, err := s.userRepo.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: 用户名或状态无效", ErrNotAuthorized)
	}
	if !user.Role.Valid() {
		return nil, fmt.Errorf("%w: 用户角色 %s 未知", ErrNotAuthorized, user.Role)
	}
	return s.IssueTokens(ctx, user)
}

// Logout 登出：作废该用户当前的 refresh token
func (s *AuthService) Logout(ctx context.Context, userID string) error {
	if s.rdb == nil {
		return nil
	}
	jti, err := s.rdb.Get(ctx, "token:refresh:user:"+userID).Result()
	if err == nil && jti != "" {
		s.rdb.Del(ctx, "token:refresh:"+jti)
	}
	s.rdb.Del(ctx, "token:refresh:user:"+userID)
	return nil
}

// GetCurrentUser 获取当前用户
func (s *AuthService) GetCurrentUser(ctx context.Context, userID string) (*entity.User, error) {
	return s.userRepo.FindByID(ctx, userID)
}
