package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-qms/internal/middleware"
	"github.com/bitfantasy/nimo-qms/internal/qms/entity"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	TestSchema = "test_qms"
	JWTSecret  = "nimo-qms-jwt-secret-key-2025"
)

// TestEnv holds test environment resources
type TestEnv struct {
	DB     *gorm.DB
	Router *gin.Engine
	T      *testing.T
}

// projectRoot returns the project root directory by looking for go.mod
func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// loadEnv loads .env from the project root
func loadEnv() {
	root := projectRoot()
	if root != "" {
		godotenv.Load(filepath.Join(root, ".env"))
	}
}

// SetupTestDB creates a test database connection using a dedicated test schema.
// Each test gets an isolated schema that is cleaned up after the test.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	loadEnv()

	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "nimo")
	password := getEnv("DB_PASSWORD", "nimo123")
	dbname := getEnv("DB_NAME", "nimo_qms")

	baseDSN := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	// Create a unique test schema for isolation
	schemaName := fmt.Sprintf("%s_%d", TestSchema, time.Now().UnixNano()%1000000)

	// First: create schema using a temporary connection
	setupDB, err := gorm.Open(postgres.Open(baseDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to database for schema setup: %v", err)
	}
	setupDB.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schemaName))
	sqlSetup, _ := setupDB.DB()
	sqlSetup.Close()

	// Second: open connection with search_path in DSN so ALL pooled connections use test schema
	testDSN := fmt.Sprintf("%s search_path=%s", baseDSN, schemaName)
	db, err := gorm.Open(postgres.Open(testDSN), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	// Migrate test tables
	err = db.AutoMigrate(
		&entity.User{},
		&entity.Domain{},
		&entity.Project{},
		&entity.ProjectDomain{},
		&entity.Milestone{},
		&entity.Block{},
		&entity.Checklist{},
		&entity.CheckItem{},
		&entity.CReportData{},
		&entity.CheckItemApproval{},
		&entity.ChecklistVersion{},
		&entity.AuditLog{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test tables: %v", err)
	}

	// Cleanup on test completion
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		// Reconnect to drop the schema
		cleanDB, cleanErr := gorm.Open(postgres.Open(baseDSN), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if cleanErr == nil {
			cleanDB.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
			sqlClean, _ := cleanDB.DB()
			if sqlClean != nil {
				sqlClean.Close()
			}
		}
	})

	return db
}

// SetupRouter creates a gin test router
func SetupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())
	return r
}

// AuthGroup creates an API group with JWT auth middleware for testing
func AuthGroup(r *gin.Engine, path string) *gin.RouterGroup {
	return r.Group(path, middleware.JWTAuth(JWTSecret))
}

// GenerateTestToken creates a valid JWT token for testing
func GenerateTestToken(userID, name, email string, role entity.Role) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"uid":   userID,
		"name":  name,
		"email": email,
		"role":  string(role),
		"iss":   "nimo-qms",
		"iat":   now.Unix(),
		"exp":   now.Add(24 * time.Hour).Unix(),
		"jti":   fmt.Sprintf("test-jti-%d", now.UnixNano()),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(JWTSecret))
	return tokenString
}

// DefaultTestToken returns a token for a default admin test user
func DefaultTestToken() string {
	return GenerateTestToken("test-user-001", "Test Admin", "admin@test.com", entity.RoleAdmin)
}

// DoRequest executes an HTTP request against the test router
func DoRequest(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ParseResponse parses the JSON response body into a handler.Response-like map
func ParseResponse(w *httptest.ResponseRecorder) map[string]interface{} {
	var result map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &result)
	return result
}

// NewID returns a 32-char id in the same shape production code generates
func NewID() string {
	return uuid.New().String()[:32]
}

// SeedTestUser creates a test user in the database
func SeedTestUser(t *testing.T, db *gorm.DB, id, name string, role entity.Role) *entity.User {
	t.Helper()
	user := &entity.User{
		ID:        id,
		Username:  "user_" + id,
		Name:      name,
		Email:     id + "@test.com",
		Role:      role,
		IsActive:  true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("Failed to seed test user: %v", err)
	}
	return user
}

// SeedBlockTree creates domain → project → project_domain → block and returns the block
func SeedBlockTree(t *testing.T, db *gorm.DB, blockName string) *entity.Block {
	t.Helper()
	domain := &entity.Domain{ID: NewID(), Name: "PD_" + NewID()[:8], FullName: "Physical Design"}
	if err := db.Create(domain).Error; err != nil {
		t.Fatalf("Failed to seed domain: %v", err)
	}
	project := &entity.Project{ID: NewID(), Name: "proj_" + NewID()[:8], Status: "active"}
	if err := db.Create(project).Error; err != nil {
		t.Fatalf("Failed to seed project: %v", err)
	}
	pd := &entity.ProjectDomain{ID: NewID(), ProjectID: project.ID, DomainID: domain.ID}
	if err := db.Create(pd).Error; err != nil {
		t.Fatalf("Failed to seed project domain: %v", err)
	}
	block := &entity.Block{ID: NewID(), ProjectDomainID: pd.ID, Name: blockName}
	if err := db.Create(block).Error; err != nil {
		t.Fatalf("Failed to seed block: %v", err)
	}
	return block
}

// SeedChecklist creates a checklist under a block
func SeedChecklist(t *testing.T, db *gorm.DB, blockID, name, status string) *entity.Checklist {
	t.Helper()
	cl := &entity.Checklist{
		ID:      NewID(),
		BlockID: blockID,
		Name:    name,
		Status:  status,
	}
	if err := db.Create(cl).Error; err != nil {
		t.Fatalf("Failed to seed checklist: %v", err)
	}
	return cl
}

// SeedCheckItem creates a check item under a checklist
func SeedCheckItem(t *testing.T, db *gorm.DB, checklistID, name string, order int) *entity.CheckItem {
	t.Helper()
	item := &entity.CheckItem{
		ID:           NewID(),
		ChecklistID:  checklistID,
		Name:         name,
		CheckName:    name,
		DisplayOrder: order,
		Version:      1,
	}
	if err := db.Create(item).Error; err != nil {
		t.Fatalf("Failed to seed check item: %v", err)
	}
	return item
}

// SeedReport creates report data for a check item
func SeedReport(t *testing.T, db *gorm.DB, checkItemID, status string) *entity.CReportData {
	t.Helper()
	report := &entity.CReportData{
		ID:          NewID(),
		CheckItemID: checkItemID,
		Status:      status,
	}
	if err := db.Create(report).Error; err != nil {
		t.Fatalf("Failed to seed report: %v", err)
	}
	return report
}

// SeedApproval creates an approval row for a check item
func SeedApproval(t *testing.T, db *gorm.DB, checkItemID, status string, approverID *string) *entity.CheckItemApproval {
	t.Helper()
	now := time.Now()
	approval := &entity.CheckItemApproval{
		ID:                 NewID(),
		CheckItemID:        checkItemID,
		Status:             status,
		AssignedApproverID: approverID,
		SubmittedAt:        &now,
	}
	if err := db.Create(approval).Error; err != nil {
		t.Fatalf("Failed to seed approval: %v", err)
	}
	return approval
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
