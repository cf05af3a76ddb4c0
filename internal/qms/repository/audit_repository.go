package repository

import (
	"context"

	"github.com/bitfantasy/nimo-qms/internal/qms/entity"
	"gorm.io/gorm"
)

// AuditRepository 审计日志仓库
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository 创建审计日志仓库
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// ListByCheckItem 获取检查项的审计记录，最新在前
func (r *AuditRepository) ListByCheckItem(ctx context.Context, checkItemID string) ([]entity.AuditLog, error) {
	var logs []entity.AuditLog
	err := r.db.WithContext(ctx).
		Preload("User").
		Where("check_item_id = ?", checkItemID).
		Order("created_at DESC").
		Find(&logs).Error
	return logs, err
}

// ListByChecklist 获取核对单的审计记录，最新在前
func (r *AuditRepository) ListByChecklist(ctx context.Context, checklistID string) ([]entity.AuditLog, error) {
	var logs []entity.AuditLog
	err := r.db.WithContext(ctx).
		Preload("User").
		Where("checklist_id = ?", checklistID).
		Order("created_at DESC").
		Find(&logs).Error
	return logs, err
}
