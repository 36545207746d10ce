package handler

import (
	"log"
	"time"

	"fintracker/internal/tenant"
	"fintracker/pkg/response"

	"github.com/gin-gonic/gin"
)

const tenantHeaderKey = "X-Tenant-ID"
const tenantCtxKey = "tenant_id"

// TenantMiddleware 租户解析中间件
// 每个业务请求必须带 X-Tenant-ID，解析后放进请求的 context，
// 后续所有存储操作都只看得到这个租户的库
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(tenantHeaderKey)
		if tenantID == "" {
			response.BusinessError(c, response.CodeTenantRequired, "缺少 "+tenantHeaderKey+" 请求头")
			c.Abort()
			return
		}

		c.Set(tenantCtxKey, tenantID)
		c.Request = c.Request.WithContext(tenant.WithTenant(c.Request.Context(), tenantID))
		c.Next()
	}
}

// tenantID 取出中间件解析好的租户标识
func tenantID(c *gin.Context) string {
	return c.GetString(tenantCtxKey)
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if query != "" {
			path = path + "?" + query
		}

		log.Printf("[HTTP] %d | %13v | %15s | %-7s %s",
			status,
			latency,
			c.ClientIP(),
			c.Request.Method,
			path,
		)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[PANIC] %v", err)
				c.AbortWithStatusJSON(500, gin.H{
					"code":    500,
					"message": "服务器内部错误",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Tenant-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
