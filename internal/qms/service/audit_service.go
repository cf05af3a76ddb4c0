package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-qms/internal/qms/entity"
	"github.com/bitfantasy/nimo-qms/internal/qms/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditService 审计日志服务，只追加
type AuditService struct {
	auditRepo *repository.AuditRepository
}

// NewAuditService 创建审计日志服务
func NewAuditService(auditRepo *repository.AuditRepository) *AuditService {
	return &AuditService{auditRepo: auditRepo}
}

// AuditEntry 一条审计记录的输入
type AuditEntry struct {
	CheckItemID string
	ChecklistID string
	BlockID     string
	UserID      string
	ActionType  string
	Details     entity.JSONB
}

// Log 在给定事务内追加一条审计记录。
// UserID 为空时静默跳过（仅允许系统后台调用走到这里）。
// entity_type 按是否带 check_item_id 推导；block_id 已知时总是写入 details。
func (s *AuditService) Log(tx *gorm.DB, e AuditEntry) error {
	if e.UserID == "" {
		return nil
	}

	entityType := entity.AuditEntityChecklist
	if e.CheckItemID != "" {
		entityType = entity.AuditEntityCheckItem
	}

	details := e.Details
	if e.BlockID != "" {
		if details == nil {
			details = entity.JSONB{}
		}
		if _, ok := details["block_id"]; !ok {
			details["block_id"] = e.BlockID
		}
	}

	log := &entity.AuditLog{
		ID:            uuid.New().String()[:32],
		UserID:        e.UserID,
		ActionType:    e.ActionType,
		ActionDetails: details,
		EntityType:    entityType,
		CreatedAt:     time.Now(),
	}
	if e.CheckItemID != "" {
		log.CheckItemID = &e.CheckItemID
	}
	if e.ChecklistID != "" {
		log.ChecklistID = &e.ChecklistID
	}
	if e.BlockID != "" {
		log.BlockID = &e.BlockID
	}

	if err := tx.Create(log).Error; err != nil {
		return fmt.Errorf("写入审计日志失败: %w", err)
	}
	return nil
}

// CheckItemHistory 获取检查项的审计记录，最新在前
func (s *AuditService) CheckItemHistory(ctx context.Context, checkItemID string) ([]entity.AuditLog, error) {
	return s.auditRepo.ListByCheckItem(ctx, checkItemID)
}

// ChecklistHistory 获取核对单的审计记录，最新在前
func (s *AuditService) ChecklistHistory(ctx context.Context, checklistID string) ([]entity.AuditLog, error) {
	return s.auditRepo.ListByChecklist(ctx, checklistID)
}
