package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bitfantasy/nimo-qms/internal/qms/entity"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReportService 填报服务：把解析后的报告数据挂到检查项上
type ReportService struct {
	db       *gorm.DB
	auditSvc *AuditService
	logger   *zap.Logger
}

// NewReportService 创建填报服务
func NewReportService(db *gorm.DB, auditSvc *AuditService, logger *zap.Logger) *ReportService {
	return &ReportService{db: db, auditSvc: auditSvc, logger: logger}
}

// ReportOverrides 填报时的覆盖字段，空值不覆盖已有数据
type ReportOverrides struct {
	SignoffStatus    string `json:"signoff_status"`
	ResultValue      string `json:"result_value"`
	EngineerComments string `json:"engineer_comments"`
}

// ReportInput 一次填报的输入：给路径或给内容
type ReportInput struct {
	Path      string
	Content   []byte
	Overrides *ReportOverrides
	// External 标记带外更新：审批单重置为 pending，核对单强制回 draft
	External bool
}

// ChecklistReportResult 整单外部更新的结果
type ChecklistReportResult struct {
	ItemsUpdated    int      `json:"items_updated"`
	MissingCheckIDs []string `json:"missing_check_ids"`
}

// ApplyReport 执行填报：解析报告并落到检查项的报告数据上。
// 报告状态只从 pending 推进到 in_review，已终审的报告不因填数据降级。
// External 为真时审批单重置、核对单回 draft；rejected 的核对单任何填报都恢复为 draft。
func (s *ReportService) ApplyReport(ctx context.Context, checkItemID string, in ReportInput, userID string) ([]map[string]interface{}, error) {
	content := in.Content
	if len(content) == 0 {
		if in.Path == "" {
			return nil, fmt.Errorf("%w: 未提供报告路径或内容", ErrValidation)
		}
		data, err := os.ReadFile(in.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: 报告文件不存在: %s", ErrValidation, in.Path)
		}
		content = data
	}

	rows, meta, err := parseReportContent(content)
	if err != nil {
		return nil, err
	}

	overrides := mergeOverrides(in.Overrides, meta)
	reportPath := in.Path
	if reportPath == "" {
		reportPath = meta.reportPath
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item entity.CheckItem
		if err := tx.Preload("Report").Preload("Approval").
			Where("id = ?", checkItemID).First(&item).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("检查项不存在: %w", ErrNotFound)
			}
			return err
		}

		var checklist entity.Checklist
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", item.ChecklistID).First(&checklist).Error; err != nil {
			return fmt.Errorf("核对单不存在: %w", ErrNotFound)
		}

		if err := s.upsertReport(tx, &item, rows, reportPath, overrides); err != nil {
			return err
		}

		if in.External {
			if err := s.resetApproval(tx, item.ID); err != nil {
				return err
			}
			if checklist.Status != entity.ChecklistStatusDraft {
				resetAction := entity.AuditChecklistReset
				if checklist.Status == entity.ChecklistStatusRejected {
					resetAction = entity.AuditChecklistRecovered
				}
				if err := s.resetChecklistToDraft(tx, &checklist); err != nil {
					return err
				}
				if err := s.auditSvc.Log(tx, AuditEntry{
					ChecklistID: checklist.ID,
					BlockID:     checklist.BlockID,
					UserID:      userID,
					ActionType:  resetAction,
					Details:     entity.JSONB{"reason": "external_update", "check_item_id": item.ID},
				}); err != nil {
					return err
				}
			}
		} else if checklist.Status == entity.ChecklistStatusRejected {
			// 被驳回的核对单经任何填报恢复为 draft
			if err := s.resetChecklistToDraft(tx, &checklist); err != nil {
				return err
			}
			if err := s.auditSvc.Log(tx, AuditEntry{
				ChecklistID: checklist.ID,
				BlockID:     checklist.BlockID,
				UserID:      userID,
				ActionType:  entity.AuditChecklistRecovered,
				Details:     entity.JSONB{"check_item_id": item.ID},
			}); err != nil {
				return err
			}
		}

		return s.auditSvc.Log(tx, AuditEntry{
			CheckItemID: item.ID,
			ChecklistID: checklist.ID,
			BlockID:     checklist.BlockID,
			UserID:      userID,
			ActionType:  entity.AuditFillAction,
			Details: entity.JSONB{
				"report_path": reportPath,
				"rows_count":  len(rows),
				"external":    in.External,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ApplyChecklistReport 整单外部更新：按 check_id 匹配检查项逐个落数据。
// 匹配不到的 check_id 收集返回，不作为错误；命中过任何一项即触发外部重置。
func (s *ReportService) ApplyChecklistReport(ctx context.Context, checklistID string, content []byte, userID string) (*ChecklistReportResult, error) {
	rows, _, err := parseReportContent(content)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: 报告内容为空", ErrValidation)
	}

	result := &ChecklistReportResult{}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var checklist entity.Checklist
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", checklistID).First(&checklist).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("核对单不存在: %w", ErrNotFound)
			}
			return err
		}

		var items []entity.CheckItem
		if err := tx.Preload("Report").Preload("Approval").
			Where("checklist_id = ?", checklistID).Find(&items).Error; err != nil {
			return err
		}
		byName := make(map[string]*entity.CheckItem, len(items))
		for i := range items {
			byName[items[i].Name] = &items[i]
		}

		for _, row := range rows {
			checkID := getValue(row, "check_id", "Check ID", "CheckID")
			if checkID == "" {
				continue
			}
			item, ok := byName[checkID]
			if !ok {
				result.MissingCheckIDs = append(result.MissingCheckIDs, checkID)
				continue
			}

			overrides := &ReportOverrides{
				SignoffStatus:    getValue(row, "signoff", "Signoff", "SignOff"),
				ResultValue:      getValue(row, "result", "Result", "Result/Value"),
				EngineerComments: getValue(row, "comments", "Comments"),
			}
			reportPath := getValue(row, "report_path", "Report Path", "Report path")

			if err := s.upsertReport(tx, item, []map[string]interface{}{row}, reportPath, overrides); err != nil {
				return err
			}
			if err := s.resetApproval(tx, item.ID); err != nil {
				return err
			}
			if err := s.auditSvc.Log(tx, AuditEntry{
				CheckItemID: item.ID,
				ChecklistID: checklist.ID,
				BlockID:     checklist.BlockID,
				UserID:      userID,
				ActionType:  entity.AuditFillAction,
				Details: entity.JSONB{
					"check_id":    checkID,
					"report_path": reportPath,
					"external":    true,
				},
			}); err != nil {
				return err
			}
			result.ItemsUpdated++
		}

		if result.ItemsUpdated > 0 && checklist.Status != entity.ChecklistStatusDraft {
			resetAction := entity.AuditChecklistReset
			if checklist.Status == entity.ChecklistStatusRejected {
				resetAction = entity.AuditChecklistRecovered
			}
			if err := s.resetChecklistToDraft(tx, &checklist); err != nil {
				return err
			}
			if err := s.auditSvc.Log(tx, AuditEntry{
				ChecklistID: checklist.ID,
				BlockID:     checklist.BlockID,
				UserID:      userID,
				ActionType:  resetAction,
				Details:     entity.JSONB{"reason": "external_update", "items_updated": result.ItemsUpdated},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("整单外部更新完成",
		zap.String("checklist_id", checklistID),
		zap.Int("items_updated", result.ItemsUpdated),
		zap.Int("missing", len(result.MissingCheckIDs)))

	return result, nil
}

// UpdateDetails 工程师编辑填报明细（fix_details / engineer_comments / description）
func (s *ReportService) UpdateDetails(ctx context.Context, checkItemID string, updates map[string]*string, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item entity.CheckItem
		if err := tx.Preload("Report").Preload("Checklist").
			Where("id = ?", checkItemID).First(&item).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("检查项不存在: %w", ErrNotFound)
			}
			return err
		}
		if item.Report == nil {
			return fmt.Errorf("%w: 报告数据不存在，请先执行填报", ErrValidation)
		}

		fields := map[string]interface{}{}
		for _, key := range []string{"fix_details", "engineer_comments", "description"} {
			if v, ok := updates[key]; ok && v != nil {
				fields[key] = *v
			}
		}
		if len(fields) > 0 {
			fields["updated_at"] = time.Now()
			if err := tx.Model(&entity.CReportData{}).
				Where("check_item_id = ?", checkItemID).
				Updates(fields).Error; err != nil {
				return fmt.Errorf("更新报告明细失败: %w", err)
			}
		}

		blockID := ""
		if item.Checklist != nil {
			blockID = item.Checklist.BlockID
		}
		return s.auditSvc.Log(tx, AuditEntry{
			CheckItemID: item.ID,
			ChecklistID: item.ChecklistID,
			BlockID:     blockID,
			UserID:      userID,
			ActionType:  entity.AuditCommentAdded,
			Details:     entity.JSONB{"fields": keysOf(fields)},
		})
	})
}

func keysOf(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k != "updated_at" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *ReportService) upsertReport(tx *gorm.DB, item *entity.CheckItem, rows []map[string]interface{}, reportPath string, overrides *ReportOverrides) error {
	csvData := make(entity.JSONBArray, 0, len(rows))
	for _, r := range rows {
		csvData = append(csvData, r)
	}

	report := item.Report
	if report == nil {
		report = &entity.CReportData{
			ID:          uuid.New().String()[:32],
			CheckItemID: item.ID,
			Status:      entity.ReportStatusInReview,
			ReportPath:  reportPath,
			CSVData:     csvData,
		}
		applyOverrides(report, overrides)
		if err := tx.Create(report).Error; err != nil {
			return fmt.Errorf("创建报告数据失败: %w", err)
		}
		item.Report = report
		return nil
	}

	updates := map[string]interface{}{
		"csv_data":   csvData,
		"updated_at": time.Now(),
	}
	if reportPath != "" {
		updates["report_path"] = reportPath
	}
	// 只从 pending 推进，不降级已提交或已终审的报告
	if report.Status == entity.ReportStatusPending {
		updates["status"] = entity.ReportStatusInReview
	}
	if overrides != nil {
		if overrides.SignoffStatus != "" {
			updates["signoff_status"] = overrides.SignoffStatus
		}
		if overrides.ResultValue != "" {
			updates["result_value"] = overrides.ResultValue
		}
		if overrides.EngineerComments != "" {
			updates["engineer_comments"] = overrides.EngineerComments
		}
	}
	if err := tx.Model(report).Updates(updates).Error; err != nil {
		return fmt.Errorf("更新报告数据失败: %w", err)
	}
	return nil
}

func applyOverrides(report *entity.CReportData, overrides *ReportOverrides) {
	if overrides == nil {
		return
	}
	if overrides.SignoffStatus != "" {
		report.SignoffStatus = overrides.SignoffStatus
	}
	if overrides.ResultValue != "" {
		report.ResultValue = overrides.ResultValue
	}
	if overrides.EngineerComments != "" {
		report.EngineerComments = overrides.EngineerComments
	}
}

func (s *ReportService) resetApproval(tx *gorm.DB, checkItemID string) error {
	return tx.Model(&entity.CheckItemApproval{}).
		Where("check_item_id = ?", checkItemID).
		Updates(map[string]interface{}{
			"status":       entity.ApprovalStatusPending,
			"comments":     "",
			"submitted_at": nil,
			"approved_at":  nil,
			"updated_at":   time.Now(),
		}).Error
}

func (s *ReportService) resetChecklistToDraft(tx *gorm.DB, checklist *entity.Checklist) error {
	checklist.Status = entity.ChecklistStatusDraft
	checklist.SubmittedBy = nil
	checklist.SubmittedAt = nil
	return tx.Model(checklist).Updates(map[string]interface{}{
		"status":       entity.ChecklistStatusDraft,
		"submitted_by": nil,
		"submitted_at": nil,
		"updated_at":   time.Now(),
	}).Error
}

type reportMeta struct {
	reportPath string
	signoff    string
	result     string
	comments   string
}

func mergeOverrides(explicit *ReportOverrides, meta *reportMeta) *ReportOverrides {
	out := &ReportOverrides{}
	if explicit != nil {
		*out = *explicit
	}
	if out.SignoffStatus == "" {
		out.SignoffStatus = meta.signoff
	}
	if out.ResultValue == "" {
		out.ResultValue = meta.result
	}
	if out.EngineerComments == "" {
		out.EngineerComments = meta.comments
	}
	return out
}

// parseReportContent 解析报告内容为行序列。
// JSON：数组、{data|items|rows:[...]} 或单对象包一行；顶层元数据键被提取。
// 其余按 CSV 解析，首行为表头；非 UTF-8 的内容按 GBK 解码。
func parseReportContent(content []byte) ([]map[string]interface{}, *reportMeta, error) {
	meta := &reportMeta{}
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return nil, nil, fmt.Errorf("%w: 报告内容为空", ErrValidation)
	}

	if trimmed[0] == '[' || trimmed[0] == '{' {
		rows, err := parseJSONReport(trimmed, meta)
		if err != nil {
			return nil, nil, err
		}
		return rows, meta, nil
	}

	rows, err := parseCSVReport(trimmed)
	if err != nil {
		return nil, nil, err
	}
	return rows, meta, nil
}

func parseJSONReport(content []byte, meta *reportMeta) ([]map[string]interface{}, error) {
	var arr []map[string]interface{}
	if err := json.Unmarshal(content, &arr); err == nil {
		return arr, nil
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(content, &obj); err != nil {
		return nil, fmt.Errorf("%w: JSON 报告解析失败: %v", ErrValidation, err)
	}

	// 顶层元数据键提取到覆盖字段
	meta.reportPath = cellString(obj["report_path"])
	meta.signoff = cellString(obj["signoff"])
	meta.result = cellString(obj["result"])
	meta.comments = cellString(obj["comments"])

	for _, key := range []string{"data", "items", "rows"} {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		list, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: 报告字段 %s 不是数组", ErrValidation, key)
		}
		rows := make([]map[string]interface{}, 0, len(list))
		for _, el := range list {
			m, ok := el.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: 报告行不是对象", ErrValidation)
			}
			rows = append(rows, m)
		}
		return rows, nil
	}

	// 单对象包成一行
	return []map[string]interface{}{obj}, nil
}

func parseCSVReport(content []byte) ([]map[string]interface{}, error) {
	var reader io.Reader = bytes.NewReader(content)
	if !utf8.Valid(content) {
		// EDA 工具导出的 CSV 常见 GBK 编码
		reader = transform.NewReader(reader, simplifiedchinese.GBK.NewDecoder())
	}

	cr := csv.NewReader(reader)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: CSV 报告解析失败: %v", ErrValidation, err)
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("%w: CSV 报告为空", ErrValidation)
	}

	headers := records[0]
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	rows := make([]map[string]interface{}, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := map[string]interface{}{}
		for j, h := range headers {
			if h == "" {
				continue
			}
			if j < len(rec) {
				row[h] = strings.TrimSpace(rec[j])
			} else {
				row[h] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
