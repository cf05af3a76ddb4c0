package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bitfantasy/nimo-qms/internal/qms/entity"
	"github.com/bitfantasy/nimo-qms/internal/qms/repository"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const filterOptionsCacheTTL = 5 * time.Minute

// UserService 用户服务
type UserService struct {
	db       *gorm.DB
	userRepo *repository.UserRepository
	rdb      *redis.Client
}

// NewUserService 创建用户服务
func NewUserService(db *gorm.DB, userRepo *repository.UserRepository, rdb *redis.Client) *UserService {
	return &UserService{db: db, userRepo: userRepo, rdb: rdb}
}

// ListAll 分页获取活跃用户
func (s *UserService) ListAll(ctx context.Context, page, pageSize int) ([]entity.User, error) {
	return s.userRepo.ListActive(ctx, (page-1)*pageSize, pageSize)
}

// Get 获取用户
func (s *UserService) Get(ctx context.Context, id string) (*entity.User, error) {
	return s.userRepo.FindByID(ctx, id)
}

// ListApprovers 获取核对单可选的审批人（lead/engineer/admin 活跃用户），
// 排除提交人自己
func (s *UserService) ListApprovers(ctx context.Context, excludeUserID string) ([]entity.User, error) {
	users, err := s.userRepo.ListActiveByRoles(ctx, []entity.Role{entity.RoleLead, entity.RoleEngineer, entity.RoleAdmin})
	if err != nil {
		return nil, err
	}
	if excludeUserID == "" {
		return users, nil
	}
	out := users[:0]
	for _, u := range users {
		if u.ID != excludeUserID {
			out = append(out, u)
		}
	}
	return out, nil
}

// ProjectOption 筛选项里的项目及其领域
type ProjectOption struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Domains []entity.Domain `json:"domains"`
}

// FilterOptions 前端筛选联动数据
type FilterOptions struct {
	Projects   []ProjectOption    `json:"projects"`
	Milestones []entity.Milestone `json:"milestones"`
	Blocks     []entity.Block     `json:"blocks"`
}

// GetFilterOptions 获取筛选项。engineer/customer 只能看到自己创建的项目。
// 结果按用户维度进 redis 缓存，短 TTL 容忍轻微陈旧。
func (s *UserService) GetFilterOptions(ctx context.Context, userID string, role entity.Role) (*FilterOptions, error) {
	scoped := role == entity.RoleEngineer || role == entity.RoleCustomer

	cacheKey := "qms:filter_options:all"
	if scoped {
		cacheKey = "qms:filter_options:user:" + userID
	}
	if s.rdb != nil {
		if cached, err := s.rdb.Get(ctx, cacheKey).Result(); err == nil {
			var opts FilterOptions
			if json.Unmarshal([]byte(cached), &opts) == nil {
				return &opts, nil
			}
		}
	}

	var projects []entity.Project
	projectQuery := s.db.WithContext(ctx).Order("name ASC")
	if scoped {
		projectQuery = projectQuery.Where("created_by = ?", userID)
	}
	if err := projectQuery.Find(&projects).Error; err != nil {
		return nil, err
	}

	projectIDs := make([]string, 0, len(projects))
	for _, p := range projects {
		projectIDs = append(projectIDs, p.ID)
	}

	opts := &FilterOptions{}
	if len(projectIDs) > 0 {
		var pds []entity.ProjectDomain
		if err := s.db.WithContext(ctx).
			Preload("Domain").
			Where("project_id IN ?", projectIDs).
			Find(&pds).Error; err != nil {
			return nil, err
		}
		domainsByProject := map[string][]entity.Domain{}
		for _, pd := range pds {
			if pd.Domain != nil {
				domainsByProject[pd.ProjectID] = append(domainsByProject[pd.ProjectID], *pd.Domain)
			}
		}
		for _, p := range projects {
			opts.Projects = append(opts.Projects, ProjectOption{
				ID:      p.ID,
				Name:    p.Name,
				Domains: domainsByProject[p.ID],
			})
		}

		if err := s.db.WithContext(ctx).
			Where("project_id IN ?", projectIDs).
			Order("name ASC").
			Find(&opts.Milestones).Error; err != nil {
			return nil, err
		}

		pdIDs := make([]string, 0, len(pds))
		for _, pd := range pds {
			pdIDs = append(pdIDs, pd.ID)
		}
		if len(pdIDs) > 0 {
			if err := s.db.WithContext(ctx).
				Where("project_domain_id IN ?", pdIDs).
				Order("name ASC").
				Find(&opts.Blocks).Error; err != nil {
				return nil, err
			}
		}
	}

	if s.rdb != nil {
		if data, err := json.Marshal(opts); err == nil {
			s.rdb.Set(ctx, cacheKey, data, filterOptionsCacheTTL)
		}
	}
	return opts, nil
}
