package handler

import (
	"io"

	"github.com/bitfantasy/nimo-qms/internal/qms/service"
	"github.com/gin-gonic/gin"
)

// CheckItemHandler 检查项接口
type CheckItemHandler struct {
	svc          *service.CheckItemService
	reportSvc    *service.ReportService
	checklistSvc *service.ChecklistService
}

// NewCheckItemHandler 创建检查项接口
func NewCheckItemHandler(svc *service.CheckItemService, reportSvc *service.ReportService, checklistSvc *service.ChecklistService) *CheckItemHandler {
	return &CheckItemHandler{svc: svc, reportSvc: reportSvc, checklistSvc: checklistSvc}
}

// Get 获取检查项详情
// GET /api/v1/qms/check-items/:id
func (h *CheckItemHandler) Get(c *gin.Context) {
	item, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, item)
}

// Fill 执行填报：按路径读取或直接提交报告内容
// POST /api/v1/qms/check-items/:id/fill
func (h *CheckItemHandler) Fill(c *gin.Context) {
	var req struct {
		ReportPath string                   `json:"report_path"`
		Content    string                   `json:"content"`
		External   bool                     `json:"external"`
		Overrides  *service.ReportOverrides `json:"overrides"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	in := service.ReportInput{
		Path:      req.ReportPath,
		Overrides: req.Overrides,
		External:  req.External,
	}
	if req.Content != "" {
		in.Content = []byte(req.Content)
	}
	rows, err := h.reportSvc.ApplyReport(c.Request.Context(), c.Param("id"), in, GetUserID(c))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"rows_count": len(rows), "rows": rows})
}

// FillRaw 外部填报：请求体即报告原文（JSON 或 CSV）
// POST /api/v1/qms/check-items/:id/external-report
func (h *CheckItemHandler) FillRaw(c *gin.Context) {
	content, err := io.ReadAll(c.Request.Body)
	if err != nil || len(content) == 0 {
		BadRequest(c, "报告内容为空")
		return
	}
	rows, err := h.reportSvc.ApplyReport(c.Request.Context(), c.Param("id"), service.ReportInput{
		Content:  content,
		External: true,
	}, GetUserID(c))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"rows_count": len(rows)})
}

// UpdateDetails 更新检查项报告的补充字段
// PUT /api/v1/qms/check-items/:id
func (h *CheckItemHandler) UpdateDetails(c *gin.Context) {
	var req struct {
		FixDetails       *string `json:"fix_details"`
		EngineerComments *string `json:"engineer_comments"`
		Description      *string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	updates := map[string]*string{}
	if req.FixDetails != nil {
		updates["fix_details"] = req.FixDetails
	}
	if req.EngineerComments != nil {
		updates["engineer_comments"] = req.EngineerComments
	}
	if req.Description != nil {
		updates["description"] = req.Description
	}
	if len(updates) == 0 {
		BadRequest(c, "没有可更新的字段")
		return
	}
	if err := h.reportSvc.UpdateDetails(c.Request.Context(), c.Param("id"), updates, GetUserID(c)); err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, nil)
}

// Submit 检查项送审
// POST /api/v1/qms/check-items/:id/submit
func (h *CheckItemHandler) Submit(c *gin.Context) {
	if err := h.svc.Submit(c.Request.Context(), c.Param("id"), GetUserID(c)); err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, nil)
}

// Approve 审批单个检查项
// POST /api/v1/qms/check-items/:id/approve
func (h *CheckItemHandler) Approve(c *gin.Context) {
	var req struct {
		Approved *bool  `json:"approved" binding:"required"`
		Comments string `json:"comments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	if err := h.svc.Approve(c.Request.Context(), c.Param("id"), *req.Approved, req.Comments, GetUserID(c), GetUserRole(c)); err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, nil)
}

// BatchApprove 批量审批同一核对单下的检查项
// POST /api/v1/qms/check-items/batch-approve
func (h *CheckItemHandler) BatchApprove(c *gin.Context) {
	var req struct {
		CheckItemIDs []string `json:"check_item_ids" binding:"required"`
		Approved     *bool    `json:"approved" binding:"required"`
		Comments     string   `json:"comments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	if err := h.checklistSvc.BatchApprove(c.Request.Context(), req.CheckItemIDs, *req.Approved, req.Comments, GetUserID(c), GetUserRole(c)); err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"approved_count": len(req.CheckItemIDs)})
}

// AssignApprover 指定检查项审批人
// POST /api/v1/qms/check-items/:id/assign-approver
func (h *CheckItemHandler) AssignApprover(c *gin.Context) {
	var req struct {
		ApproverID string `json:"approver_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	if err := h.svc.AssignApprover(c.Request.Context(), c.Param("id"), req.ApproverID, GetUserID(c), GetUserRole(c)); err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, nil)
}

// History 获取检查项操作历史
// GET /api/v1/qms/check-items/:id/history
func (h *CheckItemHandler) History(c *gin.Context) {
	logs, err := h.svc.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": logs})
}
