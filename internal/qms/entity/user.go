package entity

import (
	"time"
)

// Role 用户角色（闭合枚举，授权判断只认这几个值）
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleProjectManager Role = "project_manager"
	RoleLead           Role = "lead"
	RoleEngineer       Role = "engineer"
	RoleCustomer       Role = "customer"
)

// Elevated 是否为提权角色：可代替任何审批人执行审批
func (r Role) Elevated() bool {
	switch r {
	case RoleAdmin, RoleProjectManager, RoleLead:
		return true
	}
	return false
}

// Valid 是否为已知角色
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleProjectManager, RoleLead, RoleEngineer, RoleCustomer:
		return true
	}
	return false
}

// User 用户实体
type User struct {
	ID          string     `json:"id" gorm:"primaryKey;size:32"`
	Username    string     `json:"username" gorm:"size:64;not null;uniqueIndex"`
	Name        string     `json:"name" gorm:"size:64;not null"`
	Email       string     `json:"email" gorm:"size:128;uniqueIndex"`
	Role        Role       `json:"role" gorm:"size:32;not null;default:engineer"`
	DomainID    string     `json:"domain_id" gorm:"size:32;index"`
	IsActive    bool       `json:"is_active" gorm:"not null;default:true"`
	LastLoginAt *time.Time `json:"last_login_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// 关联
	Domain *Domain `json:"domain,omitempty" gorm:"foreignKey:DomainID"`
}

func (User) TableName() string {
	return "users"
}

// Domain 专业领域（如 PD / DV / STA）
type Domain struct {
	ID        string    `json:"id" gorm:"primaryKey;size:32"`
	Name      string    `json:"name" gorm:"size:64;not null;uniqueIndex"`
	FullName  string    `json:"full_name" gorm:"size:128"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Domain) TableName() string {
	return "domains"
}

// Project 项目实体（核心只引用，不维护）
type Project struct {
	ID          string    `json:"id" gorm:"primaryKey;size:32"`
	Name        string    `json:"name" gorm:"size:128;not null"`
	Description string    `json:"description" gorm:"type:text"`
	Status      string    `json:"status" gorm:"size:20;not null;default:active"`
	CreatedBy   string    `json:"created_by" gorm:"size:32"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Project) TableName() string {
	return "projects"
}

// ProjectDomain 项目与领域的关联
type ProjectDomain struct {
	ID        string    `json:"id" gorm:"primaryKey;size:32"`
	ProjectID string    `json:"project_id" gorm:"size:32;not null;index"`
	DomainID  string    `json:"domain_id" gorm:"size:32;not null;index"`
	CreatedAt time.Time `json:"created_at"`

	// 关联
	Project *Project `json:"project,omitempty" gorm:"foreignKey:ProjectID"`
	Domain  *Domain  `json:"domain,omitempty" gorm:"foreignKey:DomainID"`
}

func (ProjectDomain) TableName() string {
	return "project_domains"
}

// Milestone 里程碑
type Milestone struct {
	ID        string     `json:"id" gorm:"primaryKey;size:32"`
	ProjectID string     `json:"project_id" gorm:"size:32;not null;index"`
	Name      string     `json:"name" gorm:"size:64;not null"`
	DueDate   *time.Time `json:"due_date"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (Milestone) TableName() string {
	return "milestones"
}

// Block 设计块：核对单的归属单元
type Block struct {
	ID              string    `json:"id" gorm:"primaryKey;size:32"`
	ProjectDomainID string    `json:"project_domain_id" gorm:"size:32;not null;index"`
	Name            string    `json:"name" gorm:"size:128;not null"`
	Description     string    `json:"description" gorm:"type:text"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// 关联
	ProjectDomain *ProjectDomain `json:"project_domain,omitempty" gorm:"foreignKey:ProjectDomainID"`
}

func (Block) TableName() string {
	return "blocks"
}
