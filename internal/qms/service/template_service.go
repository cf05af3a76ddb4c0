package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-qms/internal/qms/entity"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TemplateService 模板导入服务：把模板行落成核对单和检查项
type TemplateService struct {
	db          *gorm.DB
	auditSvc    *AuditService
	minioClient *minio.Client
	bucket      string
	logger      *zap.Logger
}

// NewTemplateService 创建模板导入服务
func NewTemplateService(db *gorm.DB, auditSvc *AuditService, minioClient *minio.Client, bucket string, logger *zap.Logger) *TemplateService {
	return &TemplateService{
		db:          db,
		auditSvc:    auditSvc,
		minioClient: minioClient,
		bucket:      bucket,
		logger:      logger,
	}
}

// MaterializeOptions 模板导入可选参数
type MaterializeOptions struct {
	ChecklistName string
	MilestoneID   string
	Stage         string
	FilePath      string
}

// MaterializeResult 模板导入结果
type MaterializeResult struct {
	ChecklistsCreated int      `json:"checklists_created"`
	ChecklistNames    []string `json:"checklists_names"`
	ItemsCreated      int      `json:"items_created"`
	ItemsUpdated      int      `json:"items_updated"`
	TotalRows         int      `json:"total_rows"`
}

// normalizeHeader 归一化表头：去首尾空白、小写、折叠空格
func normalizeHeader(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// stripPunct 归一化之外再把 - _ / 当作空格，容忍表头写法差异
func stripPunct(s string) string {
	s = strings.NewReplacer("-", " ", "_", " ", "/", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// getValue 模糊取列：先用归一化表头精确匹配，再退化到去标点匹配。
// 模板表头大小写和连字符写法不可靠，候选名逐个尝试。
func getValue(row map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		nk := normalizeHeader(key)
		for rowKey, v := range row {
			if normalizeHeader(rowKey) == nk {
				if s := cellString(v); s != "" {
					return s
				}
			}
		}
		nks := stripPunct(nk)
		for rowKey, v := range row {
			if stripPunct(normalizeHeader(rowKey)) == nks {
				if s := cellString(v); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func cellString(v interface{}) string {
	if v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "1", "auto":
		return true
	}
	return false
}

// Materialize 物化模板：整个调用一个事务，失败无部分写入。
// 行带 Checklist 列且未显式指定名称时按该列分组，否则全部归入一个核对单。
// 核对单按 (block_id, name) 幂等插入，检查项按 (checklist_id, name) 幂等插入，
// 更新只覆盖模板里非空给出的属性。
func (s *TemplateService) Materialize(ctx context.Context, blockID string, rows []map[string]interface{}, userID string, opts MaterializeOptions) (*MaterializeResult, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: 模板内容为空", ErrValidation)
	}

	var block entity.Block
	if err := s.db.WithContext(ctx).Where("id = ?", blockID).First(&block).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("设计块不存在: %w", ErrNotFound)
		}
		return nil, err
	}

	defaultName := opts.ChecklistName
	if defaultName == "" {
		defaultName = "Default Checklist"
	}

	// 按核对单名分组，保持首次出现顺序
	groups := map[string][]map[string]interface{}{}
	var order []string
	for _, row := range rows {
		name := defaultName
		if opts.ChecklistName == "" {
			if v := getValue(row, "Checklist", "CheckList", "CL"); v != "" {
				name = v
			}
		}
		if _, ok := groups[name]; !ok {
			order = append(order, name)
		}
		groups[name] = append(groups[name], row)
	}

	result := &MaterializeResult{TotalRows: len(rows)}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, name := range order {
			checklist, created, err := s.upsertChecklist(tx, blockID, name, opts)
			if err != nil {
				return err
			}
			if created {
				result.ChecklistsCreated++
			}
			result.ChecklistNames = append(result.ChecklistNames, name)

			for i, row := range groups[name] {
				itemCreated, err := s.upsertCheckItem(tx, checklist.ID, i, row)
				if err != nil {
					return err
				}
				if itemCreated {
					result.ItemsCreated++
				} else {
					result.ItemsUpdated++
				}
			}

			if err := s.auditSvc.Log(tx, AuditEntry{
				ChecklistID: checklist.ID,
				BlockID:     blockID,
				UserID:      userID,
				ActionType:  entity.AuditTemplateUploaded,
				Details: entity.JSONB{
					"file_path":      opts.FilePath,
					"checklist_name": name,
				},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("模板导入完成",
		zap.String("block_id", blockID),
		zap.Int("checklists_created", result.ChecklistsCreated),
		zap.Int("items_created", result.ItemsCreated),
		zap.Int("items_updated", result.ItemsUpdated),
		zap.Int("total_rows", result.TotalRows))

	return result, nil
}

func (s *TemplateService) upsertChecklist(tx *gorm.DB, blockID, name string, opts MaterializeOptions) (*entity.Checklist, bool, error) {
	var checklist entity.Checklist
	err := tx.Where("block_id = ? AND name = ?", blockID, name).First(&checklist).Error
	if err == nil {
		// 已有核对单只更新里程碑和阶段，状态不动
		updates := map[string]interface{}{"updated_at": time.Now()}
		if opts.MilestoneID != "" {
			updates["milestone_id"] = opts.MilestoneID
		}
		if opts.Stage != "" {
			updates["stage"] = opts.Stage
		}
		if err := tx.Model(&checklist).Updates(updates).Error; err != nil {
			return nil, false, fmt.Errorf("更新核对单失败: %w", err)
		}
		return &checklist, false, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, false, err
	}

	checklist = entity.Checklist{
		ID:      uuid.New().String()[:32],
		BlockID: blockID,
		Name:    name,
		Stage:   opts.Stage,
		Status:  entity.ChecklistStatusDraft,
	}
	if opts.MilestoneID != "" {
		m := opts.MilestoneID
		checklist.MilestoneID = &m
	}
	if err := tx.Create(&checklist).Error; err != nil {
		return nil, false, fmt.Errorf("创建核对单失败: %w", err)
	}
	return &checklist, true, nil
}

func (s *TemplateService) upsertCheckItem(tx *gorm.DB, checklistID string, rowIndex int, row map[string]interface{}) (bool, error) {
	name := getValue(row, "Check ID", "CheckID", "Check_Id", "check_id", "Check Id")
	if name == "" {
		name = fmt.Sprintf("Check Item %d", rowIndex+1)
	}

	category := getValue(row, "Category")
	subCategory := getValue(row, "Sub-Category", "Sub Category", "SubCategory", "sub_category")
	description := getValue(row, "Check Description", "CheckDescription", "check_description", "Description")
	severity := getValue(row, "Severity")
	bronze := getValue(row, "Bronze")
	silver := getValue(row, "Silver")
	gold := getValue(row, "Gold")
	info := getValue(row, "Info", "Information")
	evidence := getValue(row, "Evidence")
	autoValue := getValue(row, "Auto", "Auto Approve", "AutoApprove")

	var item entity.CheckItem
	err := tx.Where("checklist_id = ? AND name = ?", checklistID, name).First(&item).Error
	created := false
	switch {
	case err == nil:
		// 只覆盖模板里非空给出的属性，绝不清空已有值
		updates := map[string]interface{}{"updated_at": time.Now()}
		if category != "" {
			updates["category"] = category
		}
		if subCategory != "" {
			updates["sub_category"] = subCategory
		}
		if description != "" {
			updates["description"] = description
		}
		if severity != "" {
			updates["severity"] = severity
		}
		if bronze != "" {
			updates["bronze"] = bronze
		}
		if silver != "" {
			updates["silver"] = silver
		}
		if gold != "" {
			updates["gold"] = gold
		}
		if info != "" {
			updates["info"] = info
		}
		if evidence != "" {
			updates["evidence"] = evidence
		}
		if autoValue != "" {
			updates["auto_approve"] = truthy(autoValue)
		}
		if err := tx.Model(&item).Updates(updates).Error; err != nil {
			return false, fmt.Errorf("更新检查项失败: %w", err)
		}
	case err == gorm.ErrRecordNotFound:
		item = entity.CheckItem{
			ID:           uuid.New().String()[:32],
			ChecklistID:  checklistID,
			Name:         name,
			CheckName:    name,
			Description:  description,
			Category:     category,
			SubCategory:  subCategory,
			Severity:     severity,
			Bronze:       bronze,
			Silver:       silver,
			Gold:         gold,
			Info:         info,
			Evidence:     evidence,
			AutoApprove:  truthy(autoValue),
			DisplayOrder: rowIndex + 1,
			Version:      1,
		}
		if err := tx.Create(&item).Error; err != nil {
			return false, fmt.Errorf("创建检查项失败: %w", err)
		}
		created = true
	default:
		return false, err
	}

	// 模板行里带报告列时同步落报告数据
	reportPath := getValue(row, "Report path", "Report Path", "ReportPath", "report_path")
	resultValue := getValue(row, "Result/Value", "Result Value", "ResultValue", "result_value")
	status := getValue(row, "Status")
	comments := getValue(row, "Comments", "Comment")
	reviewerComments := getValue(row, "Reviewer comments", "Reviewer Comments", "reviewer_comments")
	signoff := getValue(row, "Signoff", "SignOff", "Sign Off", "Sign-off")

	if reportPath == "" && resultValue == "" && status == "" && comments == "" && reviewerComments == "" && signoff == "" {
		return created, nil
	}

	reportStatus := status
	if reportStatus == "" {
		reportStatus = entity.ReportStatusPending
	}

	var report entity.CReportData
	err = tx.Where("check_item_id = ?", item.ID).First(&report).Error
	switch {
	case err == nil:
		updates := map[string]interface{}{
			"status":     reportStatus,
			"updated_at": time.Now(),
		}
		if reportPath != "" {
			updates["report_path"] = reportPath
		}
		if resultValue != "" {
			updates["result_value"] = resultValue
		}
		if comments != "" {
			updates["engineer_comments"] = comments
		}
		if reviewerComments != "" {
			updates["lead_comments"] = reviewerComments
		}
		if signoff != "" {
			updates["signoff_status"] = signoff
		}
		if err := tx.Model(&report).Updates(updates).Error; err != nil {
			return created, fmt.Errorf("更新报告数据失败: %w", err)
		}
	case err == gorm.ErrRecordNotFound:
		report = entity.CReportData{
			ID:               uuid.New().String()[:32],
			CheckItemID:      item.ID,
			ReportPath:       reportPath,
			ResultValue:      resultValue,
			Status:           reportStatus,
			EngineerComments: comments,
			LeadComments:     reviewerComments,
			SignoffStatus:    signoff,
		}
		if err := tx.Create(&report).Error; err != nil {
			return created, fmt.Errorf("创建报告数据失败: %w", err)
		}
	default:
		return created, err
	}

	return created, nil
}

// MaterializeXLSX 从 xlsx 文件物化模板：首个工作表第一行为表头
func (s *TemplateService) MaterializeXLSX(ctx context.Context, blockID string, f *excelize.File, userID string, opts MaterializeOptions) (*MaterializeResult, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: 文件没有工作表", ErrValidation)
	}

	xrows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: 读取工作表失败: %v", ErrValidation, err)
	}
	if len(xrows) < 2 {
		return nil, fmt.Errorf("%w: 模板需要表头和至少一行数据", ErrValidation)
	}

	headers := xrows[0]
	var rows []map[string]interface{}
	for _, xrow := range xrows[1:] {
		empty := true
		row := map[string]interface{}{}
		for j, h := range headers {
			if strings.TrimSpace(h) == "" {
				continue
			}
			var v string
			if j < len(xrow) {
				v = strings.TrimSpace(xrow[j])
			}
			if v != "" {
				empty = false
			}
			row[h] = v
		}
		if !empty {
			rows = append(rows, row)
		}
	}

	return s.Materialize(ctx, blockID, rows, userID, opts)
}

// ExportChecklist 导出核对单为 xlsx，一行一个检查项
func (s *TemplateService) ExportChecklist(ctx context.Context, checklistID string) (*excelize.File, error) {
	var checklist entity.Checklist
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("check_items.display_order ASC")
		}).
		Preload("Items.Report").
		Preload("Items.Approval").
		Where("id = ?", checklistID).
		First(&checklist).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("核对单不存在: %w", ErrNotFound)
		}
		return nil, err
	}

	f := excelize.NewFile()
	sheet := "Checklist"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"Check ID", "Category", "Sub-Category", "Check Description", "Severity",
		"Bronze", "Silver", "Gold", "Info", "Evidence",
		"Report Path", "Result/Value", "Status", "Comments", "Reviewer Comments", "Signoff"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	for r, item := range checklist.Items {
		values := []interface{}{
			item.Name, item.Category, item.SubCategory, item.Description, item.Severity,
			item.Bronze, item.Silver, item.Gold, item.Info, item.Evidence,
			"", "", "", "", "", "",
		}
		if item.Report != nil {
			values[10] = item.Report.ReportPath
			values[11] = item.Report.ResultValue
			values[12] = item.Report.Status
			values[13] = item.Report.EngineerComments
			values[14] = item.Report.LeadComments
			values[15] = item.Report.SignoffStatus
		}
		for c, v := range values {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			f.SetCellValue(sheet, cell, v)
		}
	}

	return f, nil
}

// ArchiveTemplate 把上传的模板文件归档到对象存储，未配置 MinIO 时跳过
func (s *TemplateService) ArchiveTemplate(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
	if s.minioClient == nil {
		return nil
	}
	_, err := s.minioClient.PutObject(ctx, s.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		s.logger.Warn("模板归档失败", zap.String("object", objectName), zap.Error(err))
		return fmt.Errorf("归档模板文件失败: %w", err)
	}
	return nil
}
