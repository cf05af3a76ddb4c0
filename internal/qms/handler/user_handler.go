package handler

import (
	"github.com/bitfantasy/nimo-qms/internal/qms/service"
	"github.com/gin-gonic/gin"
)

// UserHandler 用户接口
type UserHandler struct {
	svc *service.UserService
}

// NewUserHandler 创建用户接口
func NewUserHandler(svc *service.UserService) *UserHandler {
	return &UserHandler{svc: svc}
}

// List 获取全部用户
// GET /api/v1/qms/users
func (h *UserHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)
	users, err := h.svc.ListAll(c.Request.Context(), page, pageSize)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": users, "page": page, "page_size": pageSize})
}

// ListApprovers 获取可指派的审批人，排除当前用户
// GET /api/v1/qms/approvers
func (h *UserHandler) ListApprovers(c *gin.Context) {
	users, err := h.svc.ListApprovers(c.Request.Context(), GetUserID(c))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": users})
}

// FilterOptions 获取当前用户可见的项目/里程碑/设计块过滤项
// GET /api/v1/qms/filter-options
func (h *UserHandler) FilterOptions(c *gin.Context) {
	opts, err := h.svc.GetFilterOptions(c.Request.Context(), GetUserID(c), GetUserRole(c))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, opts)
}

// AuthHandler 认证接口
type AuthHandler struct {
	svc *service.AuthService
}

// NewAuthHandler 创建认证接口
func NewAuthHandler(svc *service.AuthService) *AuthHandler {
	return &AuthHandler{svc: svc}
}

// Login 登录签发令牌
// POST /api/v1/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	pair, err := h.svc.Login(c.Request.Context(), req.Username)
	if err != nil {
		Unauthorized(c, "登录失败: 用户名或状态无效")
		return
	}
	Success(c, pair)
}

// Refresh 刷新令牌
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	pair, err := h.svc.RefreshToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, pair)
}

// Me 获取当前登录用户
// GET /api/v1/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	user, err := h.svc.GetCurrentUser(c.Request.Context(), GetUserID(c))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, user)
}

// Logout 退出登录
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	if err := h.svc.Logout(c.Request.Context(), GetUserID(c)); err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, nil)
}
