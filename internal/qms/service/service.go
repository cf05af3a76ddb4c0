package service

import (
	"github.com/bitfantasy/nimo-qms/internal/config"
	"github.com/bitfantasy/nimo-qms/internal/qms/repository"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Services 服务集合
type Services struct {
	Auth      *AuthService
	User      *UserService
	Template  *TemplateService
	Report    *ReportService
	CheckItem *CheckItemService
	Checklist *ChecklistService
	Snapshot  *SnapshotService
	Audit     *AuditService
}

// NewServices 创建服务集合
func NewServices(db *gorm.DB, repos *repository.Repositories, rdb *redis.Client, cfg *config.Config, logger *zap.Logger) *Services {
	// MinIO 可选，未配置时模板归档跳过
	var minioClient *minio.Client
	if cfg.MinIO.Endpoint != "" {
		var err error
		minioClient, err = minio.New(cfg.MinIO.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, ""),
			Secure: cfg.MinIO.UseSSL,
		})
		if err != nil {
			logger.Warn("MinIO 初始化失败，模板归档不可用", zap.Error(err))
			minioClient = nil
		}
	}

	auditSvc := NewAuditService(repos.Audit)
	snapshotSvc := NewSnapshotService(repos.Checklist)

	return &Services{
		Auth:      NewAuthService(repos.User, rdb, cfg),
		User:      NewUserService(db, repos.User, rdb),
		Template:  NewTemplateService(db, auditSvc, minioClient, cfg.MinIO.Bucket, logger),
		Report:    NewReportService(db, auditSvc, logger),
		CheckItem: NewCheckItemService(db, repos.CheckItem, auditSvc, snapshotSvc),
		Checklist: NewChecklistService(db, repos.Checklist, repos.CheckItem, repos.User, auditSvc, snapshotSvc, logger),
		Snapshot:  snapshotSvc,
		Audit:     auditSvc,
	}
}
