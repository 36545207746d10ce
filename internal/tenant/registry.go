package tenant

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"fintracker/internal/config"
	"fintracker/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrUnknownTenant = errors.New("未知租户")

// Registry 租户库注册表
// 每个租户独占一个 MySQL 库，连接按需建立并缓存。
// 业务代码拿到的永远是"当前租户"的 *gorm.DB，看不到别的租户
type Registry struct {
	mu      sync.Mutex
	configs map[string]config.TenantConfig
	dbs     map[string]*gorm.DB
}

func NewRegistry(tenants []config.TenantConfig) *Registry {
	configs := make(map[string]config.TenantConfig, len(tenants))
	for _, t := range tenants {
		configs[t.ID] = t
	}
	return &Registry{
		configs: configs,
		dbs:     make(map[string]*gorm.DB),
	}
}

// DB 返回指定租户的数据库句柄，首次访问时建连并迁移表结构
func (r *Registry) DB(tenantID string) (*gorm.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.dbs[tenantID]; ok {
		return db, nil
	}

	cfg, ok := r.configs[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}

	db, err := openTenantDB(&cfg)
	if err != nil {
		return nil, err
	}

	r.dbs[tenantID] = db
	return db, nil
}

// TenantIDs 返回所有已配置租户，后台任务逐租户轮询用
func (r *Registry) TenantIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	return ids
}

func openTenantDB(cfg *config.TenantConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("连接租户库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 DB 失败: %w", err)
	}

	// 连接池配置
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// 自动迁移表结构
	err = db.AutoMigrate(
		&model.Account{},
		&model.Category{},
		&model.Transaction{},
		&model.LedgerEntry{},
		&model.StatementImport{},
		&model.OutboxMessage{},
	)
	if err != nil {
		return nil, fmt.Errorf("自动迁移表结构失败: %w", err)
	}

	log.Printf("[Tenant] 租户库已就绪: %s", cfg.ID)
	return db, nil
}
