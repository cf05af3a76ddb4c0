package service

import (
	"context"
	"errors"
	"testing"

	"github.com/bitfantasy/nimo-qms/internal/qms/entity"
	"github.com/bitfantasy/nimo-qms/internal/qms/testutil"
)

func TestCheckItemSubmitRequiresReport(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_item")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)
	cl := testutil.SeedChecklist(t, s.db, block.ID, "CL-item", entity.ChecklistStatusDraft)
	item := testutil.SeedCheckItem(t, s.db, cl.ID, "IR-001", 1)

	err := s.itemSvc.Submit(ctx, item.ID, engineer.ID)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation without report, got %v", err)
	}
}

func TestCheckItemSubmitAndApprove(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_item")
	lead := seedDomainLead(t, s.db, block, "lead-001", "组长A")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)
	cl := testutil.SeedChecklist(t, s.db, block.ID, "CL-item", entity.ChecklistStatusDraft)
	item := testutil.SeedCheckItem(t, s.db, cl.ID, "SA-001", 1)
	testutil.SeedReport(t, s.db, item.ID, entity.ReportStatusInReview)

	if err := s.itemSvc.Submit(ctx, item.ID, engineer.ID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	var report entity.CReportData
	s.db.Where("check_item_id = ?", item.ID).First(&report)
	if report.Status != entity.ReportStatusSubmitted {
		t.Fatalf("expected report submitted, got %s", report.Status)
	}
	var approval entity.CheckItemApproval
	if err := s.db.Where("check_item_id = ?", item.ID).First(&approval).Error; err != nil {
		t.Fatalf("expected approval created: %v", err)
	}
	if approval.Status != entity.ApprovalStatusPending {
		t.Fatalf("expected pending approval, got %s", approval.Status)
	}

	// 重复提交已提交的报告
	err := s.itemSvc.Submit(ctx, item.ID, engineer.ID)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on resubmit, got %v", err)
	}

	if err := s.itemSvc.Approve(ctx, item.ID, true, "通过", lead.ID, entity.RoleLead); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	s.db.Where("check_item_id = ?", item.ID).First(&approval)
	if approval.Status != entity.ApprovalStatusApproved {
		t.Fatalf("expected approved approval, got %s", approval.Status)
	}
	if approval.ApprovedAt == nil {
		t.Fatal("expected approved_at to be set")
	}
	s.db.Where("check_item_id = ?", item.ID).First(&report)
	if report.Status != entity.ReportStatusApproved {
		t.Fatalf("expected report approved, got %s", report.Status)
	}

	if n := countAudits(t, s.db, cl.ID, entity.AuditItemApproved); n != 1 {
		t.Fatalf("expected 1 item approval audit, got %d", n)
	}
}

func TestCheckItemApproveUnauthorized(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_item")
	lead := seedDomainLead(t, s.db, block, "lead-001", "组长A")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)
	reviewer := testutil.SeedTestUser(t, s.db, "eng-002", "工程师B", entity.RoleEngineer)
	outsider := testutil.SeedTestUser(t, s.db, "eng-003", "工程师C", entity.RoleEngineer)

	cl := testutil.SeedChecklist(t, s.db, block.ID, "CL-item", entity.ChecklistStatusDraft)
	item := testutil.SeedCheckItem(t, s.db, cl.ID, "AU-001", 1)
	testutil.SeedReport(t, s.db, item.ID, entity.ReportStatusInReview)

	// 审批记录不存在时不能审批
	err := s.itemSvc.Approve(ctx, item.ID, true, "", lead.ID, entity.RoleLead)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState without approval, got %v", err)
	}

	if err := s.itemSvc.Submit(ctx, item.ID, engineer.ID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := s.itemSvc.AssignApprover(ctx, item.ID, reviewer.ID, lead.ID, entity.RoleLead); err != nil {
		t.Fatalf("AssignApprover failed: %v", err)
	}

	err = s.itemSvc.Approve(ctx, item.ID, true, "", outsider.ID, entity.RoleEngineer)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for non-approver, got %v", err)
	}

	// 失败的审批不应改动任何行
	var approval entity.CheckItemApproval
	s.db.Where("check_item_id = ?", item.ID).First(&approval)
	if approval.Status != entity.ApprovalStatusPending {
		t.Fatalf("expected approval untouched, got %s", approval.Status)
	}

	// 管理员不受指定审批人限制
	admin := testutil.SeedTestUser(t, s.db, "adm-001", "管理员", entity.RoleAdmin)
	if err := s.itemSvc.Approve(ctx, item.ID, false, "resim不齐", admin.ID, entity.RoleAdmin); err != nil {
		t.Fatalf("Approve by admin failed: %v", err)
	}
	s.db.Where("check_item_id = ?", item.ID).First(&approval)
	if approval.Status != entity.ApprovalStatusNotApproved {
		t.Fatalf("expected not_approved, got %s", approval.Status)
	}
	var report entity.CReportData
	s.db.Where("check_item_id = ?", item.ID).First(&report)
	if report.Status != entity.ReportStatusNotApproved {
		t.Fatalf("expected report not_approved, got %s", report.Status)
	}
}

func TestAssignApproverRules(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_item")
	lead := seedDomainLead(t, s.db, block, "lead-001", "组长A")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)
	reviewer := testutil.SeedTestUser(t, s.db, "eng-002", "工程师B", entity.RoleEngineer)

	cl := testutil.SeedChecklist(t, s.db, block.ID, "CL-item", entity.ChecklistStatusDraft)
	item := testutil.SeedCheckItem(t, s.db, cl.ID, "AS-001", 1)
	testutil.SeedReport(t, s.db, item.ID, entity.ReportStatusInReview)
	if err := s.checklistSvc.Submit(ctx, cl.ID, engineer.ID, ""); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// 只有组长或管理员能指定审批人
	err := s.itemSvc.AssignApprover(ctx, item.ID, reviewer.ID, engineer.ID, entity.RoleEngineer)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for engineer, got %v", err)
	}

	// 审批人必须存在
	err = s.itemSvc.AssignApprover(ctx, item.ID, "no-such-user", lead.ID, entity.RoleLead)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown approver, got %v", err)
	}

	// 提交人不能被指定为审批人
	err = s.itemSvc.AssignApprover(ctx, item.ID, engineer.ID, lead.ID, entity.RoleLead)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for submitter as approver, got %v", err)
	}

	if err := s.itemSvc.AssignApprover(ctx, item.ID, reviewer.ID, lead.ID, entity.RoleLead); err != nil {
		t.Fatalf("AssignApprover failed: %v", err)
	}
	var approval entity.CheckItemApproval
	s.db.Where("check_item_id = ?", item.ID).First(&approval)
	if approval.AssignedApproverID == nil || *approval.AssignedApproverID != reviewer.ID {
		t.Fatalf("expected assigned approver %s, got %v", reviewer.ID, approval.AssignedApproverID)
	}
	if approval.AssignedByLeadID == nil || *approval.AssignedByLeadID != lead.ID {
		t.Fatalf("expected assigned_by_lead %s, got %v", lead.ID, approval.AssignedByLeadID)
	}
	if got := approval.EffectiveApproverID(); got != reviewer.ID {
		t.Fatalf("expected effective approver %s, got %s", reviewer.ID, got)
	}

	if n := countAudits(t, s.db, cl.ID, entity.AuditApproverAssigned); n != 1 {
		t.Fatalf("expected 1 approver_assigned audit, got %d", n)
	}
}

func TestResubmitAfterRejectionKeepsApprovedItems(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_item")
	lead := seedDomainLead(t, s.db, block, "lead-001", "组长A")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)

	cl := testutil.SeedChecklist(t, s.db, block.ID, "CL-item", entity.ChecklistStatusDraft)
	itemA := testutil.SeedCheckItem(t, s.db, cl.ID, "RS-001", 1)
	itemB := testutil.SeedCheckItem(t, s.db, cl.ID, "RS-002", 2)
	testutil.SeedReport(t, s.db, itemA.ID, entity.ReportStatusInReview)
	testutil.SeedReport(t, s.db, itemB.ID, entity.ReportStatusInReview)

	if err := s.checklistSvc.Submit(ctx, cl.ID, engineer.ID, ""); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := s.itemSvc.Approve(ctx, itemA.ID, true, "", lead.ID, entity.RoleLead); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if err := s.itemSvc.Approve(ctx, itemB.ID, false, "余量不足", lead.ID, entity.RoleLead); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	// 驳回后重新填报并再提交
	if _, err := s.reportSvc.ApplyReport(ctx, itemB.ID, ReportInput{
		Content: []byte(`[{"check_id":"RS-002","result":"pass"}]`),
	}, engineer.ID); err != nil {
		t.Fatalf("ApplyReport failed: %v", err)
	}
	if err := s.checklistSvc.Submit(ctx, cl.ID, engineer.ID, "修复后重提"); err != nil {
		t.Fatalf("Resubmit failed: %v", err)
	}

	// 已通过的项保持通过，不回到 pending
	var approvalA entity.CheckItemApproval
	s.db.Where("check_item_id = ?", itemA.ID).First(&approvalA)
	if approvalA.Status != entity.ApprovalStatusApproved {
		t.Fatalf("expected itemA approval sticky approved, got %s", approvalA.Status)
	}
	var approvalB entity.CheckItemApproval
	s.db.Where("check_item_id = ?", itemB.ID).First(&approvalB)
	if approvalB.Status != entity.ApprovalStatusPending {
		t.Fatalf("expected itemB approval reset to pending, got %s", approvalB.Status)
	}

	// 补审剩余一项后整单通过
	if err := s.itemSvc.Approve(ctx, itemB.ID, true, "", lead.ID, entity.RoleLead); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	var final entity.Checklist
	s.db.Where("id = ?", cl.ID).First(&final)
	if final.Status != entity.ChecklistStatusApproved {
		t.Fatalf("expected checklist approved, got %s", final.Status)
	}
}
