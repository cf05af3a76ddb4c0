package repository

import (
	"context"
	"errors"

	"github.com/bitfantasy/nimo-qms/internal/qms/entity"
	"gorm.io/gorm"
)

// UserRepository 用户仓库
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository 创建用户仓库
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByID 根据ID查找用户
func (r *UserRepository) FindByID(ctx context.Context, id string) (*entity.User, error) {
	var user entity.User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindByUsername 根据用户名查找用户
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*entity.User, error) {
	var user entity.User
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// ListActive 获取所有活跃用户
func (r *UserRepository) ListActive(ctx context.Context, offset, limit int) ([]entity.User, error) {
	var users []entity.User
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("name ASC").
		Offset(offset).Limit(limit).
		Find(&users).Error
	return users, err
}

// ListActiveByRoles 按角色获取活跃用户
func (r *UserRepository) ListActiveByRoles(ctx context.Context, roles []entity.Role) ([]entity.User, error) {
	var users []entity.User
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND role IN ?", true, roles).
		Order("role ASC, name ASC").
		Find(&users).Error
	return users, err
}

// FindDefaultApprover 为设计块解析默认审批人：
// 优先块所属项目领域内的活跃 lead，其次 admin，再退化到全局 lead/admin。
// excludeUserID（提交人）永不入选。
func (r *UserRepository) FindDefaultApprover(ctx context.Context, blockID, excludeUserID string) (*entity.User, error) {
	var user entity.User
	err := r.db.WithContext(ctx).
		Joins("JOIN project_domains ON project_domains.domain_id = users.domain_id").
		Joins("JOIN blocks ON blocks.project_domain_id = project_domains.id").
		Where("blocks.id = ?", blockID).
		Where("users.is_active = ? AND users.role IN ?", true, []entity.Role{entity.RoleLead, entity.RoleAdmin}).
		Where("users.id <> ?", excludeUserID).
		Order("CASE users.role WHEN 'lead' THEN 0 ELSE 1 END, users.name ASC").
		First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// 领域内无人可用，退化到系统范围
	err = r.db.WithContext(ctx).
		Where("is_active = ? AND role IN ?", true, []entity.Role{entity.RoleLead, entity.RoleAdmin}).
		Where("id <> ?", excludeUserID).
		Order("CASE role WHEN 'lead' THEN 0 ELSE 1 END, name ASC").
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}
