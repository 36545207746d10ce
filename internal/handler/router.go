package handler

import (
	"fintracker/internal/config"
	"fintracker/internal/job"
	"fintracker/internal/tenant"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

// SetupRouter 配置路由
func SetupRouter(registry *tenant.Registry, rdb *redis.Client, worker *job.LedgerWorker, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(registry, rdb, worker, cfg)

	// API 路由组，业务接口都要求租户头
	api := r.Group("/api/v1")
	api.Use(TenantMiddleware())
	{
		account := api.Group("/account")
		{
			account.POST("/create", h.CreateAccount)
			account.GET("/list", h.ListAccounts)
			account.GET("/balance", h.GetBalance)
			account.GET("/balance-at", h.GetBalanceAt)
			account.GET("/history", h.GetHistory)
		}

		transaction := api.Group("/transaction")
		{
			transaction.POST("/create", h.CreateTransaction)
			transaction.POST("/update", h.UpdateTransaction)
			transaction.POST("/delete", h.DeleteTransaction)
			transaction.GET("/detail", h.GetTransaction)
			transaction.GET("/list", h.ListTransactions)
		}

		ledger := api.Group("/ledger")
		{
			ledger.POST("/backfill", h.BackfillLedger)
		}

		statement := api.Group("/statement")
		{
			statement.POST("/import", h.ImportStatement)
			statement.GET("/detail", h.GetImport)
			statement.GET("/list", h.ListImports)
		}

		insight := api.Group("/insight")
		{
			insight.GET("/spend-by-category", h.SpendByCategory)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
