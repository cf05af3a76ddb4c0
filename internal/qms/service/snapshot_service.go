package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-qms/internal/qms/entity"
	"github.com/bitfantasy/nimo-qms/internal/qms/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SnapshotService 核对单驳回版本快照
type SnapshotService struct {
	checklistRepo *repository.ChecklistRepository
}

// NewSnapshotService 创建快照服务
func NewSnapshotService(checklistRepo *repository.ChecklistRepository) *SnapshotService {
	return &SnapshotService{checklistRepo: checklistRepo}
}

// snapshotDoc 快照文档结构，整体序列化为一个 JSONB
type snapshotDoc struct {
	Checklist  *entity.Checklist `json:"checklist"`
	CapturedAt time.Time         `json:"captured_at"`
}

// Capture 在驳回事务内捕获核对单全量快照。
// 读取核对单和全部检查项（含报告、审批单），版本号取已有最大值加一。
// 快照写入失败必须让外层事务中止：缺少快照的驳回不是合法状态。
func (s *SnapshotService) Capture(tx *gorm.DB, checklistID, rejectedBy, comments string) (*entity.ChecklistVersion, error) {
	var checklist entity.Checklist
	if err := tx.
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("check_items.display_order ASC")
		}).
		Preload("Items.Report").
		Preload("Items.Approval").
		Where("id = ?", checklistID).
		First(&checklist).Error; err != nil {
		return nil, fmt.Errorf("%w: 读取核对单快照数据失败: %v", ErrIntegrity, err)
	}

	doc, err := json.Marshal(snapshotDoc{Checklist: &checklist, CapturedAt: time.Now()})
	if err != nil {
		return nil, fmt.Errorf("%w: 序列化核对单快照失败: %v", ErrIntegrity, err)
	}

	var maxVersion int
	if err := tx.Model(&entity.ChecklistVersion{}).
		Where("checklist_id = ?", checklistID).
		Select("COALESCE(MAX(version_number), 0)").
		Scan(&maxVersion).Error; err != nil {
		return nil, fmt.Errorf("%w: 查询快照版本号失败: %v", ErrIntegrity, err)
	}

	version := &entity.ChecklistVersion{
		ID:                uuid.New().String()[:32],
		ChecklistID:       checklistID,
		VersionNumber:     maxVersion + 1,
		ChecklistSnapshot: doc,
		RejectedBy:        rejectedBy,
		RejectionComments: comments,
		CreatedAt:         time.Now(),
	}
	if err := tx.Create(version).Error; err != nil {
		return nil, fmt.Errorf("%w: 写入核对单快照失败: %v", ErrIntegrity, err)
	}
	return version, nil
}

// History 获取核对单的快照列表，版本号倒序
func (s *SnapshotService) History(ctx context.Context, checklistID string) ([]entity.ChecklistVersion, error) {
	return s.checklistRepo.ListVersions(ctx, checklistID)
}
