package entity

import (
	"encoding/json"
	"time"
)

// 核对单状态常量（存储契约，不能改名）
const (
	ChecklistStatusDraft     = "draft"
	ChecklistStatusSubmitted = "submitted_for_approval"
	ChecklistStatusApproved  = "approved"
	ChecklistStatusRejected  = "rejected"
)

// 报告状态常量
const (
	ReportStatusPending     = "pending"
	ReportStatusInReview    = "in_review"
	ReportStatusSubmitted   = "submitted"
	ReportStatusApproved    = "approved"
	ReportStatusNotApproved = "not_approved"
)

// 审批状态常量
const (
	ApprovalStatusPending     = "pending"
	ApprovalStatusSubmitted   = "submitted"
	ApprovalStatusApproved    = "approved"
	ApprovalStatusNotApproved = "not_approved"
)

// Checklist 核对单：一个设计块下的一轮验证
type Checklist struct {
	ID               string     `json:"id" gorm:"primaryKey;size:32"`
	BlockID          string     `json:"block_id" gorm:"size:32;not null;uniqueIndex:uniq_block_name"`
	MilestoneID      *string    `json:"milestone_id" gorm:"size:32"`
	Name             string     `json:"name" gorm:"size:200;not null;uniqueIndex:uniq_block_name"`
	Stage            string     `json:"stage" gorm:"size:50"`
	Status           string     `json:"status" gorm:"size:32;not null;default:draft"`
	SubmittedBy      *string    `json:"submitted_by" gorm:"size:32"`
	SubmittedAt      *time.Time `json:"submitted_at"`
	EngineerComments string     `json:"engineer_comments" gorm:"type:text"`
	ReviewerComments string     `json:"reviewer_comments" gorm:"type:text"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`

	// 关联
	Block     *Block      `json:"block,omitempty" gorm:"foreignKey:BlockID"`
	Items     []CheckItem `json:"items,omitempty" gorm:"foreignKey:ChecklistID"`
	Submitter *User       `json:"submitter,omitempty" gorm:"foreignKey:SubmittedBy"`
}

func (Checklist) TableName() string {
	return "checklists"
}

// Terminal 是否处于终态
func (c *Checklist) Terminal() bool {
	return c.Status == ChecklistStatusApproved || c.Status == ChecklistStatusRejected
}

// CheckItem 检查项：核对单内一条可验证断言
// name 是核对单内的自然键（即 Check ID），内容只由模板导入维护
type CheckItem struct {
	ID           string    `json:"id" gorm:"primaryKey;size:32"`
	ChecklistID  string    `json:"checklist_id" gorm:"size:32;not null;uniqueIndex:uniq_checklist_item"`
	Name         string    `json:"name" gorm:"size:200;not null;uniqueIndex:uniq_checklist_item"`
	CheckName    string    `json:"check_name" gorm:"size:200"`
	Description  string    `json:"description" gorm:"type:text"`
	Category     string    `json:"category" gorm:"size:100"`
	SubCategory  string    `json:"sub_category" gorm:"size:100"`
	Severity     string    `json:"severity" gorm:"size:50"`
	Bronze       string    `json:"bronze" gorm:"size:100"`
	Silver       string    `json:"silver" gorm:"size:100"`
	Gold         string    `json:"gold" gorm:"size:100"`
	Info         string    `json:"info" gorm:"type:text"`
	Evidence     string    `json:"evidence" gorm:"type:text"`
	AutoApprove  bool      `json:"auto_approve" gorm:"not null;default:false"`
	DisplayOrder int       `json:"display_order" gorm:"not null;default:0"`
	Version      int       `json:"version" gorm:"not null;default:1"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// 关联
	Checklist *Checklist         `json:"checklist,omitempty" gorm:"foreignKey:ChecklistID"`
	Report    *CReportData       `json:"report,omitempty" gorm:"foreignKey:CheckItemID"`
	Approval  *CheckItemApproval `json:"approval,omitempty" gorm:"foreignKey:CheckItemID"`
}

func (CheckItem) TableName() string {
	return "check_items"
}

// CReportData 检查项的填报数据（与检查项一对一）
type CReportData struct {
	ID               string     `json:"id" gorm:"primaryKey;size:32"`
	CheckItemID      string     `json:"check_item_id" gorm:"size:32;not null;uniqueIndex"`
	ReportPath       string     `json:"report_path" gorm:"size:500"`
	Description      string     `json:"description" gorm:"type:text"`
	Status           string     `json:"status" gorm:"size:32;not null;default:pending"`
	FixDetails       string     `json:"fix_details" gorm:"type:text"`
	EngineerComments string     `json:"engineer_comments" gorm:"type:text"`
	LeadComments     string     `json:"lead_comments" gorm:"type:text"`
	ResultValue      string     `json:"result_value" gorm:"size:200"`
	SignoffStatus    string     `json:"signoff_status" gorm:"size:50"`
	SignoffBy        *string    `json:"signoff_by" gorm:"size:32"`
	SignoffAt        *time.Time `json:"signoff_at"`
	CSVData          JSONBArray `json:"csv_data" gorm:"type:jsonb"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (CReportData) TableName() string {
	return "c_report_data"
}

// Resolved 报告状态是否已终审
func (r *CReportData) Resolved() bool {
	return r.Status == ReportStatusApproved || r.Status == ReportStatusNotApproved
}

// CheckItemApproval 检查项审批单（与检查项一对一）
// assigned/default 审批人不得等于核对单的 submitted_by
type CheckItemApproval struct {
	ID                 string     `json:"id" gorm:"primaryKey;size:32"`
	CheckItemID        string     `json:"check_item_id" gorm:"size:32;not null;uniqueIndex"`
	DefaultApproverID  *string    `json:"default_approver_id" gorm:"size:32"`
	AssignedApproverID *string    `json:"assigned_approver_id" gorm:"size:32"`
	AssignedByLeadID   *string    `json:"assigned_by_lead_id" gorm:"size:32"`
	Status             string     `json:"status" gorm:"size:32;not null;default:pending"`
	Comments           string     `json:"comments" gorm:"type:text"`
	SubmittedAt        *time.Time `json:"submitted_at"`
	ApprovedAt         *time.Time `json:"approved_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	// 关联
	AssignedApprover *User `json:"assigned_approver,omitempty" gorm:"foreignKey:AssignedApproverID"`
	DefaultApprover  *User `json:"default_approver,omitempty" gorm:"foreignKey:DefaultApproverID"`
}

func (CheckItemApproval) TableName() string {
	return "check_item_approvals"
}

// EffectiveApproverID 生效审批人：指派优先，否则默认
func (a *CheckItemApproval) EffectiveApproverID() string {
	if a.AssignedApproverID != nil && *a.AssignedApproverID != "" {
		return *a.AssignedApproverID
	}
	if a.DefaultApproverID != nil && *a.DefaultApproverID != "" {
		return *a.DefaultApproverID
	}
	return ""
}

// ChecklistVersion 核对单被驳回时的版本快照，写入后不再变更
type ChecklistVersion struct {
	ID                string          `json:"id" gorm:"primaryKey;size:32"`
	ChecklistID       string          `json:"checklist_id" gorm:"size:32;not null;index"`
	VersionNumber     int             `json:"version_number" gorm:"not null"`
	ChecklistSnapshot json.RawMessage `json:"checklist_snapshot" gorm:"type:jsonb;not null"`
	RejectedBy        string          `json:"rejected_by" gorm:"size:32"`
	RejectionComments string          `json:"rejection_comments" gorm:"type:text"`
	CreatedAt         time.Time       `json:"created_at"`
}

func (ChecklistVersion) TableName() string {
	return "checklist_versions"
}
