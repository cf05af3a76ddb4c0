package repository

import (
	"context"
	"errors"

	"github.com/bitfantasy/nimo-qms/internal/qms/entity"
	"gorm.io/gorm"
)

// CheckItemRepository 检查项仓库
type CheckItemRepository struct {
	db *gorm.DB
}

// NewCheckItemRepository 创建检查项仓库
func NewCheckItemRepository(db *gorm.DB) *CheckItemRepository {
	return &CheckItemRepository{db: db}
}

// FindByID 根据ID查找检查项（含报告、审批单和所属核对单）
func (r *CheckItemRepository) FindByID(ctx context.Context, id string) (*entity.CheckItem, error) {
	var item entity.CheckItem
	err := r.db.WithContext(ctx).
		Preload("Report").
		Preload("Approval").
		Preload("Checklist").
		Where("id = ?", id).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

// ListByChecklist 获取核对单下全部检查项（含报告和审批单）
func (r *CheckItemRepository) ListByChecklist(ctx context.Context, checklistID string) ([]entity.CheckItem, error) {
	var items []entity.CheckItem
	err := r.db.WithContext(ctx).
		Preload("Report").
		Preload("Approval").
		Where("checklist_id = ?", checklistID).
		Order("display_order ASC").
		Find(&items).Error
	return items, err
}
