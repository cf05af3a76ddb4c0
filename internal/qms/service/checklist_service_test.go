package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-qms/internal/qms/entity"
	"github.com/bitfantasy/nimo-qms/internal/qms/repository"
	"github.com/bitfantasy/nimo-qms/internal/qms/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type testServices struct {
	db           *gorm.DB
	checklistSvc *ChecklistService
	itemSvc      *CheckItemService
	reportSvc    *ReportService
	templateSvc  *TemplateService
}

func newTestServices(t *testing.T) *testServices {
	t.Helper()
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	auditSvc := NewAuditService(repos.Audit)
	snapshotSvc := NewSnapshotService(repos.Checklist)
	logger := zap.NewNop()

	return &testServices{
		db:           db,
		checklistSvc: NewChecklistService(db, repos.Checklist, repos.CheckItem, repos.User, auditSvc, snapshotSvc, logger),
		itemSvc:      NewCheckItemService(db, repos.CheckItem, auditSvc, snapshotSvc),
		reportSvc:    NewReportService(db, auditSvc, logger),
		templateSvc:  NewTemplateService(db, auditSvc, nil, "", logger),
	}
}

// seedDomainLead creates an active lead inside the block's project domain
func seedDomainLead(t *testing.T, db *gorm.DB, block *entity.Block, id, name string) *entity.User {
	t.Helper()
	var pd entity.ProjectDomain
	if err := db.Where("id = ?", block.ProjectDomainID).First(&pd).Error; err != nil {
		t.Fatalf("Failed to load project domain: %v", err)
	}
	user := testutil.SeedTestUser(t, db, id, name, entity.RoleLead)
	if err := db.Model(user).Update("domain_id", pd.DomainID).Error; err != nil {
		t.Fatalf("Failed to bind lead to domain: %v", err)
	}
	return user
}

func countAudits(t *testing.T, db *gorm.DB, checklistID, action string) int64 {
	t.Helper()
	var n int64
	db.Model(&entity.AuditLog{}).
		Where("checklist_id = ? AND action_type = ?", checklistID, action).
		Count(&n)
	return n
}

func TestChecklistSubmitEmptyChecklist(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_top")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)
	cl := testutil.SeedChecklist(t, s.db, block.ID, "CL-empty", entity.ChecklistStatusDraft)

	err := s.checklistSvc.Submit(ctx, cl.ID, engineer.ID, "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty checklist, got %v", err)
	}

	var reloaded entity.Checklist
	s.db.Where("id = ?", cl.ID).First(&reloaded)
	if reloaded.Status != entity.ChecklistStatusDraft {
		t.Fatalf("expected status to stay draft, got %s", reloaded.Status)
	}
}

func TestChecklistSubmitAssignsDefaultApprover(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_core")
	lead := seedDomainLead(t, s.db, block, "lead-001", "组长A")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)

	reviewer := testutil.SeedTestUser(t, s.db, "eng-002", "工程师B", entity.RoleEngineer)

	cl := testutil.SeedChecklist(t, s.db, block.ID, "CL-timing", entity.ChecklistStatusDraft)
	itemA := testutil.SeedCheckItem(t, s.db, cl.ID, "TIM-001", 1)
	itemB := testutil.SeedCheckItem(t, s.db, cl.ID, "TIM-002", 2)
	testutil.SeedReport(t, s.db, itemA.ID, entity.ReportStatusInReview)
	// itemA 已由指派审批人终审通过
	testutil.SeedApproval(t, s.db, itemA.ID, entity.ApprovalStatusApproved, &reviewer.ID)

	if err := s.checklistSvc.Submit(ctx, cl.ID, engineer.ID, "首轮提交"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	var reloaded entity.Checklist
	s.db.Where("id = ?", cl.ID).First(&reloaded)
	if reloaded.Status != entity.ChecklistStatusSubmitted {
		t.Fatalf("expected submitted_for_approval, got %s", reloaded.Status)
	}
	if reloaded.SubmittedBy == nil || *reloaded.SubmittedBy != engineer.ID {
		t.Fatalf("expected submitted_by %s, got %v", engineer.ID, reloaded.SubmittedBy)
	}

	// 已通过的项保持通过，已指派的项不下发默认审批人
	var approvalA entity.CheckItemApproval
	s.db.Where("check_item_id = ?", itemA.ID).First(&approvalA)
	if approvalA.Status != entity.ApprovalStatusApproved {
		t.Fatalf("expected itemA approval kept approved, got %s", approvalA.Status)
	}
	if approvalA.DefaultApproverID != nil {
		t.Fatalf("expected no default approver for assigned item, got %v", approvalA.DefaultApproverID)
	}

	var approvalB entity.CheckItemApproval
	if err := s.db.Where("check_item_id = ?", itemB.ID).First(&approvalB).Error; err != nil {
		t.Fatalf("expected approval for itemB: %v", err)
	}
	if approvalB.Status != entity.ApprovalStatusPending {
		t.Fatalf("expected pending approval, got %s", approvalB.Status)
	}
	if approvalB.DefaultApproverID == nil || *approvalB.DefaultApproverID != lead.ID {
		t.Fatalf("expected default approver %s, got %v", lead.ID, approvalB.DefaultApproverID)
	}

	// 已有报告随提交进入 submitted
	var report entity.CReportData
	s.db.Where("check_item_id = ?", itemA.ID).First(&report)
	if report.Status != entity.ReportStatusSubmitted {
		t.Fatalf("expected report submitted, got %s", report.Status)
	}

	if n := countAudits(t, s.db, cl.ID, entity.AuditChecklistSubmitted); n != 1 {
		t.Fatalf("expected 1 submit audit, got %d", n)
	}
}

func TestChecklistSubmitTerminalRejected(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_term")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)
	cl := testutil.SeedChecklist(t, s.db, block.ID, "CL-done", entity.ChecklistStatusApproved)
	testutil.SeedCheckItem(t, s.db, cl.ID, "CHK-001", 1)

	err := s.checklistSvc.Submit(ctx, cl.ID, engineer.ID, "")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for terminal checklist, got %v", err)
	}
}

func TestChecklistAllItemsApproved(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_pass")
	lead := seedDomainLead(t, s.db, block, "lead-001", "组长A")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)

	cl := testutil.SeedChecklist(t, s.db, block.ID, "CL-drc", entity.ChecklistStatusDraft)
	itemA := testutil.SeedCheckItem(t, s.db, cl.ID, "DRC-001", 1)
	itemB := testutil.SeedCheckItem(t, s.db, cl.ID, "DRC-002", 2)
	testutil.SeedReport(t, s.db, itemA.ID, entity.ReportStatusInReview)
	testutil.SeedReport(t, s.db, itemB.ID, entity.ReportStatusInReview)

	if err := s.checklistSvc.Submit(ctx, cl.ID, engineer.ID, ""); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := s.itemSvc.Approve(ctx, itemA.ID, true, "ok", lead.ID, entity.RoleLead); err != nil {
		t.Fatalf("Approve itemA failed: %v", err)
	}

	// 只通过一项不改变核对单状态
	var mid entity.Checklist
	s.db.Where("id = ?", cl.ID).First(&mid)
	if mid.Status != entity.ChecklistStatusSubmitted {
		t.Fatalf("expected checklist still submitted, got %s", mid.Status)
	}

	if err := s.itemSvc.Approve(ctx, itemB.ID, true, "ok", lead.ID, entity.RoleLead); err != nil {
		t.Fatalf("Approve itemB failed: %v", err)
	}

	var final entity.Checklist
	s.db.Where("id = ?", cl.ID).First(&final)
	if final.Status != entity.ChecklistStatusApproved {
		t.Fatalf("expected checklist approved, got %s", final.Status)
	}
	if n := countAudits(t, s.db, cl.ID, entity.AuditChecklistApproved); n != 1 {
		t.Fatalf("expected exactly 1 checklist_approved audit, got %d", n)
	}

	var versions int64
	s.db.Model(&entity.ChecklistVersion{}).Where("checklist_id = ?", cl.ID).Count(&versions)
	if versions != 0 {
		t.Fatalf("expected no snapshots on approval, got %d", versions)
	}
}

func TestChecklistRejectionCapturesSnapshot(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_rej")
	lead := seedDomainLead(t, s.db, block, "lead-001", "组长A")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)

	cl := testutil.SeedChecklist(t, s.db, block.ID, "CL-sta", entity.ChecklistStatusDraft)
	itemA := testutil.SeedCheckItem(t, s.db, cl.ID, "STA-001", 1)
	itemB := testutil.SeedCheckItem(t, s.db, cl.ID, "STA-002", 2)
	testutil.SeedReport(t, s.db, itemA.ID, entity.ReportStatusInReview)
	testutil.SeedReport(t, s.db, itemB.ID, entity.ReportStatusInReview)

	if err := s.checklistSvc.Submit(ctx, cl.ID, engineer.ID, ""); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := s.itemSvc.Approve(ctx, itemA.ID, true, "ok", lead.ID, entity.RoleLead); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if err := s.itemSvc.Approve(ctx, itemB.ID, false, "约束不满足", lead.ID, entity.RoleLead); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	var final entity.Checklist
	s.db.Where("id = ?", cl.ID).First(&final)
	if final.Status != entity.ChecklistStatusRejected {
		t.Fatalf("expected checklist rejected, got %s", final.Status)
	}
	if final.ReviewerComments != "约束不满足" {
		t.Fatalf("expected reviewer comments recorded, got %q", final.ReviewerComments)
	}

	var versions []entity.ChecklistVersion
	s.db.Where("checklist_id = ?", cl.ID).Find(&versions)
	if len(versions) != 1 {
		t.Fatalf("expected exactly 1 snapshot, got %d", len(versions))
	}
	if versions[0].VersionNumber != 1 {
		t.Fatalf("expected version_number 1, got %d", versions[0].VersionNumber)
	}
	snapshot := string(versions[0].ChecklistSnapshot)
	for _, name := range []string{"STA-001", "STA-002"} {
		if !strings.Contains(snapshot, name) {
			t.Fatalf("snapshot missing item %s", name)
		}
	}
	if n := countAudits(t, s.db, cl.ID, entity.AuditChecklistRejected); n != 1 {
		t.Fatalf("expected 1 checklist_rejected audit, got %d", n)
	}
}

func TestBatchApproveAllOrNothing(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_batch")
	lead := seedDomainLead(t, s.db, block, "lead-001", "组长A")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)

	cl := testutil.SeedChecklist(t, s.db, block.ID, "CL-lvs", entity.ChecklistStatusDraft)
	itemA := testutil.SeedCheckItem(t, s.db, cl.ID, "LVS-001", 1)
	itemB := testutil.SeedCheckItem(t, s.db, cl.ID, "LVS-002", 2)
	itemC := testutil.SeedCheckItem(t, s.db, cl.ID, "LVS-003", 3)
	for _, it := range []*entity.CheckItem{itemA, itemB, itemC} {
		testutil.SeedReport(t, s.db, it.ID, entity.ReportStatusInReview)
	}
	if err := s.checklistSvc.Submit(ctx, cl.ID, engineer.ID, ""); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// 一项先行终审，整批失败
	if err := s.itemSvc.Approve(ctx, itemC.ID, false, "no", lead.ID, entity.RoleLead); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	// 驳回后核对单进入 rejected，批量审批必须整体失败
	err := s.checklistSvc.BatchApprove(ctx, []string{itemA.ID, itemB.ID, itemC.ID}, true, "", lead.ID, entity.RoleLead)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	// 未终审的项保持原状
	for _, itemID := range []string{itemA.ID, itemB.ID} {
		var approval entity.CheckItemApproval
		s.db.Where("check_item_id = ?", itemID).First(&approval)
		if approval.Status != entity.ApprovalStatusPending {
			t.Fatalf("expected pending approval after failed batch, got %s", approval.Status)
		}
	}
}

func TestBatchApproveValidatesUnderChecklistLock(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_race")
	lead := seedDomainLead(t, s.db, block, "lead-001", "组长A")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)

	cl := testutil.SeedChecklist(t, s.db, block.ID, "CL-race", entity.ChecklistStatusDraft)
	itemA := testutil.SeedCheckItem(t, s.db, cl.ID, "RC-001", 1)
	itemB := testutil.SeedCheckItem(t, s.db, cl.ID, "RC-002", 2)
	testutil.SeedReport(t, s.db, itemA.ID, entity.ReportStatusInReview)
	testutil.SeedReport(t, s.db, itemB.ID, entity.ReportStatusInReview)
	if err := s.checklistSvc.Submit(ctx, cl.ID, engineer.ID, ""); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// 先占住核对单行锁，让批量审批阻塞在锁上，
	// 再在锁内提交一条单项通过，模拟两笔审批并发落库
	outer := s.db.Begin()
	var locked entity.Checklist
	if err := outer.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", cl.ID).First(&locked).Error; err != nil {
		t.Fatalf("lock checklist failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.checklistSvc.BatchApprove(ctx, []string{itemA.ID, itemB.ID}, false, "整批驳回", lead.ID, entity.RoleLead)
	}()
	time.Sleep(200 * time.Millisecond)

	now := time.Now()
	if err := outer.Model(&entity.CheckItemApproval{}).
		Where("check_item_id = ?", itemB.ID).
		Updates(map[string]interface{}{
			"status":      entity.ApprovalStatusApproved,
			"approved_at": now,
			"updated_at":  now,
		}).Error; err != nil {
		t.Fatalf("approve itemB in outer tx failed: %v", err)
	}
	if err := outer.Model(&entity.CReportData{}).
		Where("check_item_id = ?", itemB.ID).
		Updates(map[string]interface{}{
			"status":     entity.ReportStatusApproved,
			"updated_at": now,
		}).Error; err != nil {
		t.Fatalf("approve itemB report in outer tx failed: %v", err)
	}
	if err := outer.Commit().Error; err != nil {
		t.Fatalf("commit outer tx failed: %v", err)
	}

	// 批量审批必须看到刚提交的终审并整体失败，不得覆盖已通过的项
	if err := <-done; !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for batch over resolved item, got %v", err)
	}

	var approvalA, approvalB entity.CheckItemApproval
	s.db.Where("check_item_id = ?", itemA.ID).First(&approvalA)
	s.db.Where("check_item_id = ?", itemB.ID).First(&approvalB)
	if approvalA.Status != entity.ApprovalStatusPending {
		t.Fatalf("expected itemA pending after failed batch, got %s", approvalA.Status)
	}
	if approvalB.Status != entity.ApprovalStatusApproved {
		t.Fatalf("expected itemB approval to survive failed batch, got %s", approvalB.Status)
	}

	var reloaded entity.Checklist
	s.db.Where("id = ?", cl.ID).First(&reloaded)
	if reloaded.Status != entity.ChecklistStatusSubmitted {
		t.Fatalf("expected checklist to stay submitted_for_approval, got %s", reloaded.Status)
	}
}

func TestBatchApproveEmptyAndMixedChecklists(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_mix")
	lead := seedDomainLead(t, s.db, block, "lead-001", "组长A")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)

	err := s.checklistSvc.BatchApprove(ctx, nil, true, "", lead.ID, entity.RoleLead)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty batch, got %v", err)
	}

	clA := testutil.SeedChecklist(t, s.db, block.ID, "CL-a", entity.ChecklistStatusDraft)
	clB := testutil.SeedChecklist(t, s.db, block.ID, "CL-b", entity.ChecklistStatusDraft)
	itemA := testutil.SeedCheckItem(t, s.db, clA.ID, "A-001", 1)
	itemB := testutil.SeedCheckItem(t, s.db, clB.ID, "B-001", 1)
	testutil.SeedReport(t, s.db, itemA.ID, entity.ReportStatusInReview)
	testutil.SeedReport(t, s.db, itemB.ID, entity.ReportStatusInReview)
	if err := s.checklistSvc.Submit(ctx, clA.ID, engineer.ID, ""); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := s.checklistSvc.Submit(ctx, clB.ID, engineer.ID, ""); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	err = s.checklistSvc.BatchApprove(ctx, []string{itemA.ID, itemB.ID}, true, "", lead.ID, entity.RoleLead)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for cross-checklist batch, got %v", err)
	}

	err = s.checklistSvc.BatchApprove(ctx, []string{itemA.ID, "missing-item"}, true, "", lead.ID, entity.RoleLead)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown item, got %v", err)
	}
}

func TestBatchApproveApproverChecks(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_auth")
	lead := seedDomainLead(t, s.db, block, "lead-001", "组长A")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)
	reviewer := testutil.SeedTestUser(t, s.db, "eng-002", "工程师B", entity.RoleEngineer)
	outsider := testutil.SeedTestUser(t, s.db, "eng-003", "工程师C", entity.RoleEngineer)

	cl := testutil.SeedChecklist(t, s.db, block.ID, "CL-erc", entity.ChecklistStatusDraft)
	item := testutil.SeedCheckItem(t, s.db, cl.ID, "ERC-001", 1)
	testutil.SeedReport(t, s.db, item.ID, entity.ReportStatusInReview)
	if err := s.checklistSvc.Submit(ctx, cl.ID, engineer.ID, ""); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := s.itemSvc.AssignApprover(ctx, item.ID, reviewer.ID, lead.ID, entity.RoleLead); err != nil {
		t.Fatalf("AssignApprover failed: %v", err)
	}

	// 非指定审批人
	err := s.checklistSvc.BatchApprove(ctx, []string{item.ID}, true, "", outsider.ID, entity.RoleEngineer)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for outsider, got %v", err)
	}

	// 提交人不能审批自己的核对单
	err = s.checklistSvc.BatchApprove(ctx, []string{item.ID}, true, "", engineer.ID, entity.RoleEngineer)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for submitter, got %v", err)
	}

	// 指定审批人可以批量通过
	if err := s.checklistSvc.BatchApprove(ctx, []string{item.ID}, true, "ok", reviewer.ID, entity.RoleEngineer); err != nil {
		t.Fatalf("BatchApprove by assigned approver failed: %v", err)
	}

	var final entity.Checklist
	s.db.Where("id = ?", cl.ID).First(&final)
	if final.Status != entity.ChecklistStatusApproved {
		t.Fatalf("expected checklist approved, got %s", final.Status)
	}
}

func TestApproveAllElevatedOnly(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_all")
	lead := seedDomainLead(t, s.db, block, "lead-001", "组长A")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)

	cl := testutil.SeedChecklist(t, s.db, block.ID, "CL-all", entity.ChecklistStatusDraft)
	itemA := testutil.SeedCheckItem(t, s.db, cl.ID, "ALL-001", 1)
	testutil.SeedCheckItem(t, s.db, cl.ID, "ALL-002", 2)
	testutil.SeedReport(t, s.db, itemA.ID, entity.ReportStatusInReview)

	err := s.checklistSvc.ApproveAll(ctx, cl.ID, engineer.ID, entity.RoleEngineer, "")
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for engineer, got %v", err)
	}

	if err := s.checklistSvc.ApproveAll(ctx, cl.ID, lead.ID, entity.RoleLead, "批量放行"); err != nil {
		t.Fatalf("ApproveAll failed: %v", err)
	}

	var final entity.Checklist
	s.db.Where("id = ?", cl.ID).First(&final)
	if final.Status != entity.ChecklistStatusApproved {
		t.Fatalf("expected checklist approved, got %s", final.Status)
	}

	var approvals []entity.CheckItemApproval
	s.db.Find(&approvals)
	if len(approvals) != 2 {
		t.Fatalf("expected approvals created for every item, got %d", len(approvals))
	}
	for _, a := range approvals {
		if a.Status != entity.ApprovalStatusApproved {
			t.Fatalf("expected approved approval, got %s", a.Status)
		}
	}
}

func TestUpdateAndDeleteElevatedOnly(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_admin")
	testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)
	cl := testutil.SeedChecklist(t, s.db, block.ID, "CL-admin", entity.ChecklistStatusDraft)
	testutil.SeedCheckItem(t, s.db, cl.ID, "ADM-001", 1)

	if err := s.checklistSvc.Update(ctx, cl.ID, "改名", "eng-001", entity.RoleEngineer); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for engineer rename, got %v", err)
	}
	if err := s.checklistSvc.Delete(ctx, cl.ID, "eng-001", entity.RoleEngineer); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for engineer delete, got %v", err)
	}

	// 未授权调用不得有任何写入
	var got entity.Checklist
	if err := s.db.Where("id = ?", cl.ID).First(&got).Error; err != nil {
		t.Fatalf("checklist should survive unauthorized delete: %v", err)
	}
	if got.Name != "CL-admin" {
		t.Fatalf("checklist name changed by unauthorized rename: %s", got.Name)
	}

	testutil.SeedTestUser(t, s.db, "adm-001", "管理员A", entity.RoleAdmin)
	if err := s.checklistSvc.Update(ctx, cl.ID, "改名", "adm-001", entity.RoleAdmin); err != nil {
		t.Fatalf("Update as admin failed: %v", err)
	}
	if err := s.checklistSvc.Delete(ctx, cl.ID, "adm-001", entity.RoleAdmin); err != nil {
		t.Fatalf("Delete as admin failed: %v", err)
	}
}

func TestDeleteChecklistKeepsAuditRows(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_del")
	seedDomainLead(t, s.db, block, "lead-001", "组长A")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)

	cl := testutil.SeedChecklist(t, s.db, block.ID, "CL-del", entity.ChecklistStatusDraft)
	item := testutil.SeedCheckItem(t, s.db, cl.ID, "DEL-001", 1)
	testutil.SeedReport(t, s.db, item.ID, entity.ReportStatusInReview)
	if err := s.checklistSvc.Submit(ctx, cl.ID, engineer.ID, ""); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := s.checklistSvc.Delete(ctx, cl.ID, "lead-001", entity.RoleLead); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	var clCount, itemCount, approvalCount, reportCount int64
	s.db.Model(&entity.Checklist{}).Where("id = ?", cl.ID).Count(&clCount)
	s.db.Model(&entity.CheckItem{}).Where("checklist_id = ?", cl.ID).Count(&itemCount)
	s.db.Model(&entity.CheckItemApproval{}).Where("check_item_id = ?", item.ID).Count(&approvalCount)
	s.db.Model(&entity.CReportData{}).Where("check_item_id = ?", item.ID).Count(&reportCount)
	if clCount+itemCount+approvalCount+reportCount != 0 {
		t.Fatalf("expected cascade delete, got cl=%d items=%d approvals=%d reports=%d",
			clCount, itemCount, approvalCount, reportCount)
	}

	// 审计行保留，外键已置空
	var audits []entity.AuditLog
	s.db.Find(&audits)
	if len(audits) == 0 {
		t.Fatal("expected audit rows to survive checklist deletion")
	}
	deletedAuditSeen := false
	for _, a := range audits {
		if a.ChecklistID != nil || a.CheckItemID != nil {
			t.Fatalf("expected nulled audit FKs, got checklist_id=%v check_item_id=%v", a.ChecklistID, a.CheckItemID)
		}
		if a.ActionType == entity.AuditChecklistDeleted {
			deletedAuditSeen = true
			if a.ActionDetails["deleted_checklist_name"] != "CL-del" {
				t.Fatalf("expected deleted checklist name in details, got %v", a.ActionDetails)
			}
		}
	}
	if !deletedAuditSeen {
		t.Fatal("expected checklist_deleted audit row")
	}
}

func TestListForBlockAndBlockStatus(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()

	block := testutil.SeedBlockTree(t, s.db, "blk_list")
	lead := seedDomainLead(t, s.db, block, "lead-001", "组长A")
	engineer := testutil.SeedTestUser(t, s.db, "eng-001", "工程师A", entity.RoleEngineer)

	clA := testutil.SeedChecklist(t, s.db, block.ID, "CL-1", entity.ChecklistStatusDraft)
	itemA := testutil.SeedCheckItem(t, s.db, clA.ID, "X-001", 1)
	testutil.SeedReport(t, s.db, itemA.ID, entity.ReportStatusInReview)
	testutil.SeedChecklist(t, s.db, block.ID, "CL-2", entity.ChecklistStatusDraft)

	if err := s.checklistSvc.Submit(ctx, clA.ID, engineer.ID, ""); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := s.itemSvc.Approve(ctx, itemA.ID, true, "", lead.ID, entity.RoleLead); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	summaries, err := s.checklistSvc.ListForBlock(ctx, block.ID)
	if err != nil {
		t.Fatalf("ListForBlock failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 checklists, got %d", len(summaries))
	}
	for _, sum := range summaries {
		if sum.Checklist.Name == "CL-1" {
			if sum.TotalItems != 1 || sum.ApprovedItems != 1 || sum.RejectedItems != 0 {
				t.Fatalf("unexpected summary for CL-1: %+v", sum)
			}
		}
	}

	status, err := s.checklistSvc.GetBlockStatus(ctx, block.ID)
	if err != nil {
		t.Fatalf("GetBlockStatus failed: %v", err)
	}
	if status.TotalChecklists != 2 || status.ApprovedChecklists != 1 || status.DraftChecklists != 1 {
		t.Fatalf("unexpected block status: %+v", status)
	}
}
