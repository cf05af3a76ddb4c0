package handler

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-qms/internal/qms/service"
	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
)

// TemplateHandler 模板导入接口
type TemplateHandler struct {
	svc *service.TemplateService
}

// NewTemplateHandler 创建模板导入接口
func NewTemplateHandler(svc *service.TemplateService) *TemplateHandler {
	return &TemplateHandler{svc: svc}
}

// Upload 上传 xlsx 模板并物化为核对单与检查项
// POST /api/v1/qms/blocks/:blockId/template
func (h *TemplateHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		BadRequest(c, "缺少模板文件: "+err.Error())
		return
	}
	defer file.Close()

	if ext := strings.ToLower(path.Ext(header.Filename)); ext != ".xlsx" {
		BadRequest(c, "只支持 xlsx 模板文件")
		return
	}

	content, err := io.ReadAll(file)
	if err != nil {
		InternalError(c, "读取模板文件失败: "+err.Error())
		return
	}

	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		BadRequest(c, "模板文件解析失败: "+err.Error())
		return
	}
	defer f.Close()

	opts := service.MaterializeOptions{
		ChecklistName: c.PostForm("checklist_name"),
		MilestoneID:   c.PostForm("milestone_id"),
		Stage:         c.PostForm("stage"),
		FilePath:      header.Filename,
	}

	blockID := c.Param("blockId")
	result, err := h.svc.MaterializeXLSX(c.Request.Context(), blockID, f, GetUserID(c), opts)
	if err != nil {
		ServiceError(c, err)
		return
	}

	// 归档原始模板，失败不影响导入结果
	objectName := fmt.Sprintf("templates/%s/%s_%s", blockID, time.Now().Format("20060102150405"), header.Filename)
	_ = h.svc.ArchiveTemplate(c.Request.Context(), objectName, bytes.NewReader(content), int64(len(content)),
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")

	Created(c, result)
}

// Import 直接提交行数据物化为核对单与检查项
// POST /api/v1/qms/blocks/:blockId/template/rows
func (h *TemplateHandler) Import(c *gin.Context) {
	var req struct {
		Rows          []map[string]interface{} `json:"rows" binding:"required"`
		ChecklistName string                   `json:"checklist_name"`
		MilestoneID   string                   `json:"milestone_id"`
		Stage         string                   `json:"stage"`
		FilePath      string                   `json:"file_path"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	opts := service.MaterializeOptions{
		ChecklistName: req.ChecklistName,
		MilestoneID:   req.MilestoneID,
		Stage:         req.Stage,
		FilePath:      req.FilePath,
	}
	result, err := h.svc.Materialize(c.Request.Context(), c.Param("blockId"), req.Rows, GetUserID(c), opts)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Created(c, result)
}
