package repository

import (
	"context"
	"errors"

	"github.com/bitfantasy/nimo-qms/internal/qms/entity"
	"gorm.io/gorm"
)

// ChecklistRepository 核对单仓库
type ChecklistRepository struct {
	db *gorm.DB
}

// NewChecklistRepository 创建核对单仓库
func NewChecklistRepository(db *gorm.DB) *ChecklistRepository {
	return &ChecklistRepository{db: db}
}

// FindByID 根据ID查找核对单
func (r *ChecklistRepository) FindByID(ctx context.Context, id string) (*entity.Checklist, error) {
	var checklist entity.Checklist
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&checklist).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &checklist, nil
}

// FindWithItems 根据ID查找核对单及全部检查项（含报告和审批单）
func (r *ChecklistRepository) FindWithItems(ctx context.Context, id string) (*entity.Checklist, error) {
	var checklist entity.Checklist
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("check_items.display_order ASC")
		}).
		Preload("Items.Report").
		Preload("Items.Approval").
		Preload("Items.Approval.AssignedApprover").
		Preload("Items.Approval.DefaultApprover").
		Preload("Submitter").
		Where("id = ?", id).
		First(&checklist).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &checklist, nil
}

// ListByBlock 获取设计块下的核对单
func (r *ChecklistRepository) ListByBlock(ctx context.Context, blockID string) ([]entity.Checklist, error) {
	var checklists []entity.Checklist
	err := r.db.WithContext(ctx).
		Where("block_id = ?", blockID).
		Order("name ASC").
		Find(&checklists).Error
	return checklists, err
}

// ListVersions 获取核对单的驳回快照，按版本号倒序
func (r *ChecklistRepository) ListVersions(ctx context.Context, checklistID string) ([]entity.ChecklistVersion, error) {
	var versions []entity.ChecklistVersion
	err := r.db.WithContext(ctx).
		Where("checklist_id = ?", checklistID).
		Order("version_number DESC").
		Find(&versions).Error
	return versions, err
}
