package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-qms/internal/qms/entity"
	"github.com/bitfantasy/nimo-qms/internal/qms/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChecklistService 核对单聚合状态机
type ChecklistService struct {
	db            *gorm.DB
	checklistRepo *repository.ChecklistRepository
	itemRepo      *repository.CheckItemRepository
	userRepo      *repository.UserRepository
	auditSvc      *AuditService
	snapshotSvc   *SnapshotService
	logger        *zap.Logger
}

// NewChecklistService 创建核对单服务
func NewChecklistService(db *gorm.DB, checklistRepo *repository.ChecklistRepository, itemRepo *repository.CheckItemRepository, userRepo *repository.UserRepository, auditSvc *AuditService, snapshotSvc *SnapshotService, logger *zap.Logger) *ChecklistService {
	return &ChecklistService{
		db:            db,
		checklistRepo: checklistRepo,
		itemRepo:      itemRepo,
		userRepo:      userRepo,
		auditSvc:      auditSvc,
		snapshotSvc:   snapshotSvc,
		logger:        logger,
	}
}

// Get 获取核对单
func (s *ChecklistService) Get(ctx context.Context, id string) (*entity.Checklist, error) {
	return s.checklistRepo.FindByID(ctx, id)
}

// GetWithItems 获取核对单及全部检查项
func (s *ChecklistService) GetWithItems(ctx context.Context, id string) (*entity.Checklist, error) {
	return s.checklistRepo.FindWithItems(ctx, id)
}

// History 获取核对单的驳回快照
func (s *ChecklistService) History(ctx context.Context, id string) ([]entity.ChecklistVersion, error) {
	return s.checklistRepo.ListVersions(ctx, id)
}

// ChecklistSummary 设计块下一个核对单的汇总
type ChecklistSummary struct {
	Checklist     entity.Checklist `json:"checklist"`
	TotalItems    int              `json:"total_items"`
	ApprovedItems int              `json:"approved_items"`
	RejectedItems int              `json:"rejected_items"`
}

// ListForBlock 获取设计块下的核对单及检查项通过情况
func (s *ChecklistService) ListForBlock(ctx context.Context, blockID string) ([]ChecklistSummary, error) {
	checklists, err := s.checklistRepo.ListByBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}

	summaries := make([]ChecklistSummary, 0, len(checklists))
	for _, cl := range checklists {
		items, err := s.itemRepo.ListByChecklist(ctx, cl.ID)
		if err != nil {
			return nil, err
		}
		summary := ChecklistSummary{Checklist: cl, TotalItems: len(items)}
		for _, item := range items {
			approved, rejected := itemOutcome(&item)
			if approved {
				summary.ApprovedItems++
			}
			if rejected {
				summary.RejectedItems++
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// BlockStatus 设计块的提交与通过概况
type BlockStatus struct {
	BlockID             string `json:"block_id"`
	TotalChecklists     int    `json:"total_checklists"`
	DraftChecklists     int    `json:"draft_checklists"`
	SubmittedChecklists int    `json:"submitted_checklists"`
	ApprovedChecklists  int    `json:"approved_checklists"`
	RejectedChecklists  int    `json:"rejected_checklists"`
}

// GetBlockStatus 统计设计块下核对单的状态分布
func (s *ChecklistService) GetBlockStatus(ctx context.Context, blockID string) (*BlockStatus, error) {
	checklists, err := s.checklistRepo.ListByBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}
	status := &BlockStatus{BlockID: blockID, TotalChecklists: len(checklists)}
	for _, cl := range checklists {
		switch cl.Status {
		case entity.ChecklistStatusDraft:
			status.DraftChecklists++
		case entity.ChecklistStatusSubmitted:
			status.SubmittedChecklists++
		case entity.ChecklistStatusApproved:
			status.ApprovedChecklists++
		case entity.ChecklistStatusRejected:
			status.RejectedChecklists++
		}
	}
	return status, nil
}

// Submit 提交整个核对单送审。
// 终态核对单不可提交；空核对单拒绝提交。
// 解析默认审批人（块所在领域的活跃 lead，其次 admin，再全局兜底，永不等于提交人）
// 并下发到所有没有指派审批人的检查项；全部报告置为 submitted。
func (s *ChecklistService) Submit(ctx context.Context, checklistID, userID, engineerComments string) error {
	// 默认审批人解析是只读查询，放在事务外，与审批写入无共享状态
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var checklist entity.Checklist
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", checklistID).First(&checklist).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("核对单不存在: %w", ErrNotFound)
			}
			return err
		}
		if checklist.Terminal() {
			return fmt.Errorf("%w: 核对单当前状态为 %s", ErrInvalidState, checklist.Status)
		}

		var items []entity.CheckItem
		if err := tx.Preload("Approval").Preload("Report").
			Where("checklist_id = ?", checklistID).Find(&items).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return fmt.Errorf("%w: 核对单没有检查项，不能提交", ErrValidation)
		}

		approver, err := s.userRepo.FindDefaultApprover(ctx, checklist.BlockID, userID)
		if err != nil && err != ErrNotFound {
			return fmt.Errorf("解析默认审批人失败: %w", err)
		}
		var approverID *string
		if approver != nil {
			approverID = &approver.ID
		} else {
			s.logger.Warn("未找到可用的默认审批人", zap.String("checklist_id", checklistID))
		}

		now := time.Now()
		if err := tx.Model(&checklist).Updates(map[string]interface{}{
			"status":            entity.ChecklistStatusSubmitted,
			"submitted_by":      userID,
			"submitted_at":      now,
			"engineer_comments": engineerComments,
			"updated_at":        now,
		}).Error; err != nil {
			return fmt.Errorf("更新核对单失败: %w", err)
		}

		for i := range items {
			item := &items[i]

			if item.Approval == nil {
				approval := &entity.CheckItemApproval{
					ID:                uuid.New().String()[:32],
					CheckItemID:       item.ID,
					DefaultApproverID: approverID,
					Status:            entity.ApprovalStatusPending,
					SubmittedAt:       &now,
				}
				if err := tx.Create(approval).Error; err != nil {
					return fmt.Errorf("创建审批单失败: %w", err)
				}
			} else {
				// 已通过的审批单保持通过；默认审批人只下发给未指派的项
				updates := map[string]interface{}{
					"submitted_at": now,
					"updated_at":   now,
				}
				if item.Approval.Status != entity.ApprovalStatusApproved {
					updates["status"] = entity.ApprovalStatusPending
				}
				if item.Approval.AssignedApproverID == nil || *item.Approval.AssignedApproverID == "" {
					updates["default_approver_id"] = approverID
				}
				if err := tx.Model(&entity.CheckItemApproval{}).
					Where("check_item_id = ?", item.ID).
					Updates(updates).Error; err != nil {
					return fmt.Errorf("更新审批单失败: %w", err)
				}
			}

			if item.Report != nil {
				// 已终审通过的报告保持通过，避免重提降级
				updates := map[string]interface{}{
					"updated_at": now,
				}
				if item.Report.Status != entity.ReportStatusApproved {
					updates["status"] = entity.ReportStatusSubmitted
				}
				if engineerComments != "" {
					updates["engineer_comments"] = engineerComments
				}
				if err := tx.Model(&entity.CReportData{}).
					Where("check_item_id = ?", item.ID).
					Updates(updates).Error; err != nil {
					return fmt.Errorf("更新报告状态失败: %w", err)
				}
			}
		}

		details := entity.JSONB{}
		if approverID != nil {
			details["default_approver_id"] = *approverID
		}
		return s.auditSvc.Log(tx, AuditEntry{
			ChecklistID: checklistID,
			BlockID:     checklist.BlockID,
			UserID:      userID,
			ActionType:  entity.AuditChecklistSubmitted,
			Details:     details,
		})
	})
}

// BatchApprove 批量通过或驳回一组检查项，全有或全无。
// 所有项必须属于同一核对单且核对单处于 submitted_for_approval；
// 每一项当前必须是 pending/submitted，已终审的项使整批失败。
// 非提权调用者必须是每一项的生效审批人且不是提交人。
func (s *ChecklistService) BatchApprove(ctx context.Context, checkItemIDs []string, approved bool, comments, userID string, role entity.Role) error {
	if len(checkItemIDs) == 0 {
		return fmt.Errorf("%w: 检查项列表为空", ErrValidation)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 先锁核对单再读检查项，保证校验在锁内的最新状态上进行
		var checklistIDs []string
		if err := tx.Model(&entity.CheckItem{}).Distinct("checklist_id").
			Where("id IN ?", checkItemIDs).Pluck("checklist_id", &checklistIDs).Error; err != nil {
			return err
		}
		if len(checklistIDs) == 0 {
			return fmt.Errorf("部分检查项不存在: %w", ErrNotFound)
		}
		if len(checklistIDs) > 1 {
			return fmt.Errorf("%w: 检查项不属于同一核对单", ErrValidation)
		}

		var checklist entity.Checklist
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", checklistIDs[0]).First(&checklist).Error; err != nil {
			return fmt.Errorf("核对单不存在: %w", ErrNotFound)
		}
		if checklist.Status != entity.ChecklistStatusSubmitted {
			return fmt.Errorf("%w: 核对单当前状态为 %s", ErrInvalidState, checklist.Status)
		}

		var items []entity.CheckItem
		if err := tx.Preload("Approval").Preload("Report").
			Where("id IN ?", checkItemIDs).Find(&items).Error; err != nil {
			return err
		}
		if len(items) != len(checkItemIDs) {
			return fmt.Errorf("部分检查项不存在: %w", ErrNotFound)
		}

		for _, item := range items {
			if item.Approval == nil {
				return fmt.Errorf("%w: 检查项 %s 尚未提交", ErrInvalidState, item.Name)
			}
			if item.Approval.Status != entity.ApprovalStatusPending && item.Approval.Status != entity.ApprovalStatusSubmitted {
				return fmt.Errorf("%w: 检查项 %s 当前状态为 %s", ErrInvalidState, item.Name, item.Approval.Status)
			}
			if !role.Elevated() {
				if checklist.SubmittedBy != nil && *checklist.SubmittedBy == userID {
					return fmt.Errorf("%w: 提交人不能审批自己的核对单", ErrNotAuthorized)
				}
				if item.Approval.EffectiveApproverID() != userID {
					return fmt.Errorf("%w: 不是检查项 %s 的指定审批人", ErrNotAuthorized, item.Name)
				}
			}
		}

		action := entity.AuditItemApproved
		if !approved {
			action = entity.AuditItemRejected
		}
		for _, item := range items {
			if err := applyItemDecision(tx, item.ID, approved, comments); err != nil {
				return err
			}
			if err := s.auditSvc.Log(tx, AuditEntry{
				CheckItemID: item.ID,
				ChecklistID: checklist.ID,
				BlockID:     checklist.BlockID,
				UserID:      userID,
				ActionType:  action,
				Details:     entity.JSONB{"comments": comments, "bulk_approved": true},
			}); err != nil {
				return err
			}
		}

		return recomputeChecklistStatus(tx, s.auditSvc, s.snapshotSvc, &checklist, userID, comments)
	})
}

// ApproveAll 管理操作：一次通过核对单内全部未终审的检查项并把核对单直接置为通过。
// 仅限提权角色，不做逐项审批人检查。
func (s *ChecklistService) ApproveAll(ctx context.Context, checklistID, userID string, role entity.Role, comments string) error {
	if !role.Elevated() {
		return fmt.Errorf("%w: 仅限 lead/admin/project_manager 执行整单通过", ErrNotAuthorized)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var checklist entity.Checklist
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", checklistID).First(&checklist).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("核对单不存在: %w", ErrNotFound)
			}
			return err
		}

		var items []entity.CheckItem
		if err := tx.Preload("Approval").
			Where("checklist_id = ?", checklistID).Find(&items).Error; err != nil {
			return err
		}

		now := time.Now()
		for _, item := range items {
			if item.Approval != nil && (item.Approval.Status == entity.ApprovalStatusApproved || item.Approval.Status == entity.ApprovalStatusNotApproved) {
				continue
			}
			if item.Approval == nil {
				approval := &entity.CheckItemApproval{
					ID:          uuid.New().String()[:32],
					CheckItemID: item.ID,
					Status:      entity.ApprovalStatusApproved,
					Comments:    comments,
					ApprovedAt:  &now,
				}
				if err := tx.Create(approval).Error; err != nil {
					return fmt.Errorf("创建审批单失败: %w", err)
				}
				if err := tx.Model(&entity.CReportData{}).
					Where("check_item_id = ?", item.ID).
					Updates(map[string]interface{}{
						"status":     entity.ReportStatusApproved,
						"updated_at": now,
					}).Error; err != nil {
					return fmt.Errorf("更新报告状态失败: %w", err)
				}
			} else {
				if err := applyItemDecision(tx, item.ID, true, comments); err != nil {
					return err
				}
			}
			if err := s.auditSvc.Log(tx, AuditEntry{
				CheckItemID: item.ID,
				ChecklistID: checklist.ID,
				BlockID:     checklist.BlockID,
				UserID:      userID,
				ActionType:  entity.AuditItemApproved,
				Details:     entity.JSONB{"comments": comments, "bulk_approved": true},
			}); err != nil {
				return err
			}
		}

		if err := tx.Model(&checklist).Updates(map[string]interface{}{
			"status":            entity.ChecklistStatusApproved,
			"reviewer_comments": comments,
			"updated_at":        now,
		}).Error; err != nil {
			return fmt.Errorf("更新核对单失败: %w", err)
		}

		return s.auditSvc.Log(tx, AuditEntry{
			ChecklistID: checklist.ID,
			BlockID:     checklist.BlockID,
			UserID:      userID,
			ActionType:  entity.AuditChecklistApproved,
			Details:     entity.JSONB{"comments": comments, "approve_all": true},
		})
	})
}

// AssignApproverToChecklist 把一个审批人下发到核对单内全部检查项，仅限提权角色
func (s *ChecklistService) AssignApproverToChecklist(ctx context.Context, checklistID, approverID, userID string, role entity.Role) error {
	if !role.Elevated() {
		return fmt.Errorf("%w: 仅限 lead/admin/project_manager 指派审批人", ErrNotAuthorized)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var checklist entity.Checklist
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", checklistID).First(&checklist).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("核对单不存在: %w", ErrNotFound)
			}
			return err
		}
		if checklist.SubmittedBy != nil && *checklist.SubmittedBy == approverID {
			return fmt.Errorf("%w: 提交人不能被指派为审批人", ErrNotAuthorized)
		}

		var approver entity.User
		if err := tx.Where("id = ?", approverID).First(&approver).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("审批人不存在: %w", ErrNotFound)
			}
			return err
		}

		var items []entity.CheckItem
		if err := tx.Preload("Approval").
			Where("checklist_id = ?", checklistID).Find(&items).Error; err != nil {
			return err
		}

		now := time.Now()
		for _, item := range items {
			if item.Approval == nil {
				approval := &entity.CheckItemApproval{
					ID:                 uuid.New().String()[:32],
					CheckItemID:        item.ID,
					AssignedApproverID: &approverID,
					AssignedByLeadID:   &userID,
					Status:             entity.ApprovalStatusPending,
				}
				if err := tx.Create(approval).Error; err != nil {
					return fmt.Errorf("创建审批单失败: %w", err)
				}
			} else {
				if err := tx.Model(&entity.CheckItemApproval{}).
					Where("check_item_id = ?", item.ID).
					Updates(map[string]interface{}{
						"assigned_approver_id": approverID,
						"assigned_by_lead_id":  userID,
						"updated_at":           now,
					}).Error; err != nil {
					return fmt.Errorf("更新审批单失败: %w", err)
				}
			}
		}

		return s.auditSvc.Log(tx, AuditEntry{
			ChecklistID: checklist.ID,
			BlockID:     checklist.BlockID,
			UserID:      userID,
			ActionType:  entity.AuditChecklistApproverAssigned,
			Details:     entity.JSONB{"approver_id": approverID, "items_count": len(items)},
		})
	})
}

// Update 重命名核对单，仅限提权角色
func (s *ChecklistService) Update(ctx context.Context, checklistID, name, userID string, role entity.Role) error {
	if !role.Elevated() {
		return fmt.Errorf("%w: 仅限 lead/admin/project_manager 重命名核对单", ErrNotAuthorized)
	}
	if name == "" {
		return fmt.Errorf("%w: 核对单名称不能为空", ErrValidation)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var checklist entity.Checklist
		if err := tx.Where("id = ?", checklistID).First(&checklist).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("核对单不存在: %w", ErrNotFound)
			}
			return err
		}

		if err := tx.Model(&checklist).Updates(map[string]interface{}{
			"name":       name,
			"updated_at": time.Now(),
		}).Error; err != nil {
			return fmt.Errorf("更新核对单失败: %w", err)
		}

		return s.auditSvc.Log(tx, AuditEntry{
			ChecklistID: checklist.ID,
			BlockID:     checklist.BlockID,
			UserID:      userID,
			ActionType:  entity.AuditChecklistUpdated,
			Details:     entity.JSONB{"name": name},
		})
	})
}

// Delete 管理删除：级联删除检查项、报告、审批单和核对单本身，仅限提权角色。
// 删除审计先于任何删除写入；审计行不删，引用外键置空。
func (s *ChecklistService) Delete(ctx context.Context, checklistID, userID string, role entity.Role) error {
	if !role.Elevated() {
		return fmt.Errorf("%w: 仅限 lead/admin/project_manager 删除核对单", ErrNotAuthorized)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var checklist entity.Checklist
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", checklistID).First(&checklist).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("核对单不存在: %w", ErrNotFound)
			}
			return err
		}

		var itemIDs []string
		if err := tx.Model(&entity.CheckItem{}).
			Where("checklist_id = ?", checklistID).
			Pluck("id", &itemIDs).Error; err != nil {
			return err
		}

		if err := s.auditSvc.Log(tx, AuditEntry{
			ChecklistID: checklist.ID,
			BlockID:     checklist.BlockID,
			UserID:      userID,
			ActionType:  entity.AuditChecklistDeleted,
			Details: entity.JSONB{
				"deleted_checklist_id":     checklist.ID,
				"deleted_checklist_name":   checklist.Name,
				"deleted_check_item_count": len(itemIDs),
			},
		}); err != nil {
			return err
		}

		// 审计行只置空外键，不随父实体删除
		if len(itemIDs) > 0 {
			if err := tx.Model(&entity.AuditLog{}).
				Where("check_item_id IN ?", itemIDs).
				Update("check_item_id", nil).Error; err != nil {
				return err
			}
			if err := tx.Where("check_item_id IN ?", itemIDs).Delete(&entity.CheckItemApproval{}).Error; err != nil {
				return err
			}
			if err := tx.Where("check_item_id IN ?", itemIDs).Delete(&entity.CReportData{}).Error; err != nil {
				return err
			}
			if err := tx.Where("checklist_id = ?", checklistID).Delete(&entity.CheckItem{}).Error; err != nil {
				return err
			}
		}

		if err := tx.Model(&entity.AuditLog{}).
			Where("checklist_id = ?", checklistID).
			Update("checklist_id", nil).Error; err != nil {
			return err
		}

		if err := tx.Where("id = ?", checklistID).Delete(&entity.Checklist{}).Error; err != nil {
			return fmt.Errorf("删除核对单失败: %w", err)
		}

		s.logger.Info("核对单已删除",
			zap.String("checklist_id", checklistID),
			zap.String("name", checklist.Name),
			zap.Int("items", len(itemIDs)))
		return nil
	})
}

// itemOutcome 一个检查项的终审结果：
// 通过要求审批单和报告双双 approved；任一 not_approved 即驳回
func itemOutcome(item *entity.CheckItem) (approved, rejected bool) {
	approvalApproved := item.Approval != nil && item.Approval.Status == entity.ApprovalStatusApproved
	reportApproved := item.Report != nil && item.Report.Status == entity.ReportStatusApproved
	approved = approvalApproved && reportApproved

	// 报告已终审但未通过即视为驳回
	reportRejected := item.Report != nil && item.Report.Resolved() && !reportApproved
	rejected = (item.Approval != nil && item.Approval.Status == entity.ApprovalStatusNotApproved) ||
		reportRejected
	return approved, rejected
}

// recomputeChecklistStatus 聚合状态重算，在每次单项或批量审批后调用。
// 调用方必须已持有核对单行锁。有驳回先落快照再置 rejected；
// 全部通过置 approved；否则保持 submitted_for_approval。
func recomputeChecklistStatus(tx *gorm.DB, auditSvc *AuditService, snapshotSvc *SnapshotService, checklist *entity.Checklist, userID, comments string) error {
	if checklist.Status != entity.ChecklistStatusSubmitted {
		return nil
	}

	var items []entity.CheckItem
	if err := tx.Preload("Report").Preload("Approval").
		Where("checklist_id = ?", checklist.ID).Find(&items).Error; err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	approvedCount := 0
	rejectedCount := 0
	for i := range items {
		approved, rejected := itemOutcome(&items[i])
		if approved {
			approvedCount++
		}
		if rejected {
			rejectedCount++
		}
	}

	now := time.Now()
	switch {
	case rejectedCount > 0:
		// 快照是驳回原子性的一部分，必须先于状态变更成功写入
		if _, err := snapshotSvc.Capture(tx, checklist.ID, userID, comments); err != nil {
			return err
		}
		if err := tx.Model(checklist).Updates(map[string]interface{}{
			"status":            entity.ChecklistStatusRejected,
			"reviewer_comments": comments,
			"updated_at":        now,
		}).Error; err != nil {
			return fmt.Errorf("更新核对单失败: %w", err)
		}
		checklist.Status = entity.ChecklistStatusRejected
		return auditSvc.Log(tx, AuditEntry{
			ChecklistID: checklist.ID,
			BlockID:     checklist.BlockID,
			UserID:      userID,
			ActionType:  entity.AuditChecklistRejected,
			Details:     entity.JSONB{"comments": comments, "rejected_items": rejectedCount},
		})
	case approvedCount == len(items):
		if err := tx.Model(checklist).Updates(map[string]interface{}{
			"status":     entity.ChecklistStatusApproved,
			"updated_at": now,
		}).Error; err != nil {
			return fmt.Errorf("更新核对单失败: %w", err)
		}
		checklist.Status = entity.ChecklistStatusApproved
		return auditSvc.Log(tx, AuditEntry{
			ChecklistID: checklist.ID,
			BlockID:     checklist.BlockID,
			UserID:      userID,
			ActionType:  entity.AuditChecklistApproved,
			Details:     entity.JSONB{"approved_items": approvedCount},
		})
	}
	return nil
}
