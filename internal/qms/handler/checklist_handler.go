package handler

import (
	"fmt"
	"io"

	"github.com/bitfantasy/nimo-qms/internal/qms/service"
	"github.com/gin-gonic/gin"
)

// ChecklistHandler 核对单接口
type ChecklistHandler struct {
	svc         *service.ChecklistService
	reportSvc   *service.ReportService
	templateSvc *service.TemplateService
}

// NewChecklistHandler 创建核对单接口
func NewChecklistHandler(svc *service.ChecklistService, reportSvc *service.ReportService, templateSvc *service.TemplateService) *ChecklistHandler {
	return &ChecklistHandler{svc: svc, reportSvc: reportSvc, templateSvc: templateSvc}
}

// ListForBlock 获取设计块下的核对单
// GET /api/v1/qms/blocks/:blockId/checklists
func (h *ChecklistHandler) ListForBlock(c *gin.Context) {
	summaries, err := h.svc.ListForBlock(c.Request.Context(), c.Param("blockId"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": summaries})
}

// BlockStatus 获取设计块状态概况
// GET /api/v1/qms/blocks/:blockId/status
func (h *ChecklistHandler) BlockStatus(c *gin.Context) {
	status, err := h.svc.GetBlockStatus(c.Request.Context(), c.Param("blockId"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, status)
}

// Get 获取核对单详情
// GET /api/v1/qms/checklists/:id
func (h *ChecklistHandler) Get(c *gin.Context) {
	checklist, err := h.svc.GetWithItems(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, checklist)
}

// Update 重命名核对单
// PUT /api/v1/qms/checklists/:id
func (h *ChecklistHandler) Update(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	if err := h.svc.Update(c.Request.Context(), c.Param("id"), req.Name, GetUserID(c), GetUserRole(c)); err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, nil)
}

// Delete 删除核对单及其全部关联数据
// DELETE /api/v1/qms/checklists/:id
func (h *ChecklistHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id"), GetUserID(c), GetUserRole(c)); err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, nil)
}

// Submit 提交核对单送审
// POST /api/v1/qms/checklists/:id/submit
func (h *ChecklistHandler) Submit(c *gin.Context) {
	var req struct {
		EngineerComments string `json:"engineer_comments"`
	}
	c.ShouldBindJSON(&req)

	if err := h.svc.Submit(c.Request.Context(), c.Param("id"), GetUserID(c), req.EngineerComments); err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, nil)
}

// ApproveAll 整单通过（管理操作）
// POST /api/v1/qms/checklists/:id/approve-all
func (h *ChecklistHandler) ApproveAll(c *gin.Context) {
	var req struct {
		Comments string `json:"comments"`
	}
	c.ShouldBindJSON(&req)

	if err := h.svc.ApproveAll(c.Request.Context(), c.Param("id"), GetUserID(c), GetUserRole(c), req.Comments); err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, nil)
}

// AssignApprover 给整单下发审批人
// POST /api/v1/qms/checklists/:id/assign-approver
func (h *ChecklistHandler) AssignApprover(c *gin.Context) {
	var req struct {
		ApproverID string `json:"approver_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	if err := h.svc.AssignApproverToChecklist(c.Request.Context(), c.Param("id"), req.ApproverID, GetUserID(c), GetUserRole(c)); err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, nil)
}

// ExternalReport 整单外部更新：按 check_id 匹配落报告数据
// POST /api/v1/qms/checklists/:id/external-report
func (h *ChecklistHandler) ExternalReport(c *gin.Context) {
	content, err := io.ReadAll(c.Request.Body)
	if err != nil || len(content) == 0 {
		BadRequest(c, "报告内容为空")
		return
	}
	result, err := h.reportSvc.ApplyChecklistReport(c.Request.Context(), c.Param("id"), content, GetUserID(c))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, result)
}

// History 获取驳回快照历史
// GET /api/v1/qms/checklists/:id/history
func (h *ChecklistHandler) History(c *gin.Context) {
	versions, err := h.svc.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": versions})
}

// Export 导出核对单为 xlsx
// GET /api/v1/qms/checklists/:id/export
func (h *ChecklistHandler) Export(c *gin.Context) {
	f, err := h.templateSvc.ExportChecklist(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=checklist_%s.xlsx", c.Param("id")))
	if err := f.Write(c.Writer); err != nil {
		InternalError(c, "导出失败: "+err.Error())
	}
}
