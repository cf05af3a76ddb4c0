package entity

import (
	"time"
)

// 审计动作常量
const (
	AuditTemplateUploaded          = "template_uploaded"
	AuditFillAction                = "fill_action"
	AuditChecklistReset            = "checklist_reset"
	AuditChecklistRecovered        = "checklist_recovered"
	AuditItemSubmitted             = "submitted"
	AuditItemApproved              = "approved"
	AuditItemRejected              = "rejected"
	AuditApproverAssigned          = "approver_assigned"
	AuditCommentAdded              = "comment_added"
	AuditChecklistSubmitted        = "checklist_submitted_for_approval"
	AuditChecklistApproved         = "checklist_approved"
	AuditChecklistRejected         = "checklist_rejected"
	AuditChecklistApproverAssigned = "checklist_approver_assigned"
	AuditChecklistUpdated          = "checklist_updated"
	AuditChecklistDeleted          = "checklist_deleted"
)

// 审计实体类型
const (
	AuditEntityCheckItem = "check_item"
	AuditEntityChecklist = "checklist"
)

// AuditLog 审计日志：只追加，父实体删除时外键置空，行本身永不删除
type AuditLog struct {
	ID            string    `json:"id" gorm:"primaryKey;size:32"`
	CheckItemID   *string   `json:"check_item_id" gorm:"size:32;index"`
	ChecklistID   *string   `json:"checklist_id" gorm:"size:32;index"`
	BlockID       *string   `json:"block_id" gorm:"size:32;index"`
	UserID        string    `json:"user_id" gorm:"size:32;not null"`
	ActionType    string    `json:"action_type" gorm:"size:64;not null"`
	ActionDetails JSONB     `json:"action_details" gorm:"type:jsonb"`
	EntityType    string    `json:"entity_type" gorm:"size:32;not null"`
	CreatedAt     time.Time `json:"created_at"`

	// 关联
	User *User `json:"user,omitempty" gorm:"foreignKey:UserID"`
}

func (AuditLog) TableName() string {
	return "qms_audit_log"
}
