package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-qms/internal/qms/entity"
	"github.com/bitfantasy/nimo-qms/internal/qms/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CheckItemService 检查项状态机：填报 → 提交 → 通过/驳回
type CheckItemService struct {
	db          *gorm.DB
	itemRepo    *repository.CheckItemRepository
	auditSvc    *AuditService
	snapshotSvc *SnapshotService
}

// NewCheckItemService 创建检查项服务
func NewCheckItemService(db *gorm.DB, itemRepo *repository.CheckItemRepository, auditSvc *AuditService, snapshotSvc *SnapshotService) *CheckItemService {
	return &CheckItemService{
		db:          db,
		itemRepo:    itemRepo,
		auditSvc:    auditSvc,
		snapshotSvc: snapshotSvc,
	}
}

// Get 获取检查项详情
func (s *CheckItemService) Get(ctx context.Context, id string) (*entity.CheckItem, error) {
	return s.itemRepo.FindByID(ctx, id)
}

// History 获取检查项审计记录
func (s *CheckItemService) History(ctx context.Context, id string) ([]entity.AuditLog, error) {
	return s.auditSvc.CheckItemHistory(ctx, id)
}

// Submit 提交检查项送审。必须先有填报数据；已提交或已通过的不可重复提交。
// 审批单不存在则创建；已通过的审批单保持通过，否则重置为 pending。
func (s *CheckItemService) Submit(ctx context.Context, checkItemID, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item entity.CheckItem
		if err := tx.Preload("Report").Preload("Approval").Preload("Checklist").
			Where("id = ?", checkItemID).First(&item).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("检查项不存在: %w", ErrNotFound)
			}
			return err
		}

		if item.Report == nil {
			return fmt.Errorf("%w: 报告数据不存在，请先执行填报", ErrValidation)
		}
		if item.Report.Status == entity.ReportStatusSubmitted || item.Report.Status == entity.ReportStatusApproved {
			return fmt.Errorf("%w: 检查项当前状态为 %s", ErrInvalidState, item.Report.Status)
		}

		now := time.Now()
		if err := tx.Model(&entity.CReportData{}).
			Where("check_item_id = ?", checkItemID).
			Updates(map[string]interface{}{
				"status":     entity.ReportStatusSubmitted,
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("更新报告状态失败: %w", err)
		}

		if item.Approval == nil {
			approval := &entity.CheckItemApproval{
				ID:          uuid.New().String()[:32],
				CheckItemID: checkItemID,
				Status:      entity.ApprovalStatusPending,
				SubmittedAt: &now,
			}
			if err := tx.Create(approval).Error; err != nil {
				return fmt.Errorf("创建审批单失败: %w", err)
			}
		} else {
			// 已通过的审批单在兄弟项重新提交时保持通过状态
			newStatus := entity.ApprovalStatusPending
			if item.Approval.Status == entity.ApprovalStatusApproved {
				newStatus = entity.ApprovalStatusApproved
			}
			if err := tx.Model(&entity.CheckItemApproval{}).
				Where("check_item_id = ?", checkItemID).
				Updates(map[string]interface{}{
					"status":       newStatus,
					"submitted_at": now,
					"updated_at":   now,
				}).Error; err != nil {
				return fmt.Errorf("更新审批单失败: %w", err)
			}
		}

		blockID := ""
		if item.Checklist != nil {
			blockID = item.Checklist.BlockID
		}
		return s.auditSvc.Log(tx, AuditEntry{
			CheckItemID: checkItemID,
			ChecklistID: item.ChecklistID,
			BlockID:     blockID,
			UserID:      userID,
			ActionType:  entity.AuditItemSubmitted,
			Details:     entity.JSONB{},
		})
	})
}

// Approve 通过或驳回单个检查项。
// 调用者必须是生效审批人（指派优先于默认）或持有提权角色；
// 尚无审批人时任何具备评审权限的调用者可以处理。
// 审批状态同步镜像到报告状态，随后触发核对单聚合状态重算。
func (s *CheckItemService) Approve(ctx context.Context, checkItemID string, approved bool, comments, userID string, role entity.Role) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item entity.CheckItem
		if err := tx.Preload("Approval").
			Where("id = ?", checkItemID).First(&item).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("检查项不存在: %w", ErrNotFound)
			}
			return err
		}
		if item.Approval == nil {
			return fmt.Errorf("%w: 审批单不存在，检查项需先提交", ErrInvalidState)
		}

		// 聚合重算需要observe一致的检查项集合，先锁核对单行
		var checklist entity.Checklist
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", item.ChecklistID).First(&checklist).Error; err != nil {
			return fmt.Errorf("核对单不存在: %w", ErrNotFound)
		}

		if !role.Elevated() {
			approverID := item.Approval.EffectiveApproverID()
			if approverID != "" && approverID != userID {
				return fmt.Errorf("%w: 不是该检查项的指定审批人", ErrNotAuthorized)
			}
		}

		if err := applyItemDecision(tx, checkItemID, approved, comments); err != nil {
			return err
		}

		action := entity.AuditItemApproved
		if !approved {
			action = entity.AuditItemRejected
		}
		if err := s.auditSvc.Log(tx, AuditEntry{
			CheckItemID: checkItemID,
			ChecklistID: checklist.ID,
			BlockID:     checklist.BlockID,
			UserID:      userID,
			ActionType:  action,
			Details:     entity.JSONB{"comments": comments},
		}); err != nil {
			return err
		}

		return recomputeChecklistStatus(tx, s.auditSvc, s.snapshotSvc, &checklist, userID, comments)
	})
}

// applyItemDecision 落一条审批决定：审批单与报告双写，approved_at 仅在通过时打戳
func applyItemDecision(tx *gorm.DB, checkItemID string, approved bool, comments string) error {
	now := time.Now()
	newStatus := entity.ApprovalStatusApproved
	var approvedAt interface{} = now
	if !approved {
		newStatus = entity.ApprovalStatusNotApproved
		approvedAt = nil
	}

	if err := tx.Model(&entity.CheckItemApproval{}).
		Where("check_item_id = ?", checkItemID).
		Updates(map[string]interface{}{
			"status":      newStatus,
			"comments":    comments,
			"approved_at": approvedAt,
			"updated_at":  now,
		}).Error; err != nil {
		return fmt.Errorf("更新审批单失败: %w", err)
	}

	if err := tx.Model(&entity.CReportData{}).
		Where("check_item_id = ?", checkItemID).
		Updates(map[string]interface{}{
			"status":     newStatus,
			"updated_at": now,
		}).Error; err != nil {
		return fmt.Errorf("更新报告状态失败: %w", err)
	}
	return nil
}

// AssignApprover 指派或改派审批人，仅限提权角色。
// 提交人不能成为自己检查项的审批人。
func (s *CheckItemService) AssignApprover(ctx context.Context, checkItemID, approverID, userID string, role entity.Role) error {
	if !role.Elevated() {
		return fmt.Errorf("%w: 仅限 lead/admin/project_manager 指派审批人", ErrNotAuthorized)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item entity.CheckItem
		if err := tx.Preload("Approval").Preload("Checklist").
			Where("id = ?", checkItemID).First(&item).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("检查项不存在: %w", ErrNotFound)
			}
			return err
		}

		var approver entity.User
		if err := tx.Where("id = ?", approverID).First(&approver).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("审批人不存在: %w", ErrNotFound)
			}
			return err
		}

		if item.Checklist != nil && item.Checklist.SubmittedBy != nil && *item.Checklist.SubmittedBy == approverID {
			return fmt.Errorf("%w: 提交人不能被指派为审批人", ErrNotAuthorized)
		}

		now := time.Now()
		if item.Approval == nil {
			approval := &entity.CheckItemApproval{
				ID:                 uuid.New().String()[:32],
				CheckItemID:        checkItemID,
				AssignedApproverID: &approverID,
				AssignedByLeadID:   &userID,
				Status:             entity.ApprovalStatusPending,
			}
			if err := tx.Create(approval).Error; err != nil {
				return fmt.Errorf("创建审批单失败: %w", err)
			}
		} else {
			if err := tx.Model(&entity.CheckItemApproval{}).
				Where("check_item_id = ?", checkItemID).
				Updates(map[string]interface{}{
					"assigned_approver_id": approverID,
					"assigned_by_lead_id":  userID,
					"updated_at":           now,
				}).Error; err != nil {
				return fmt.Errorf("更新审批单失败: %w", err)
			}
		}

		blockID := ""
		if item.Checklist != nil {
			blockID = item.Checklist.BlockID
		}
		return s.auditSvc.Log(tx, AuditEntry{
			CheckItemID: checkItemID,
			ChecklistID: item.ChecklistID,
			BlockID:     blockID,
			UserID:      userID,
			ActionType:  entity.AuditApproverAssigned,
			Details:     entity.JSONB{"approver_id": approverID},
		})
	})
}
