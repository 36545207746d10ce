package handler

import (
	"errors"
	"strconv"
	"time"

	"fintracker/internal/config"
	"fintracker/internal/infrastructure/lock"
	"fintracker/internal/job"
	"fintracker/internal/repository"
	"fintracker/internal/service"
	"fintracker/internal/tenant"
	"fintracker/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	accountService     *service.AccountService
	transactionService *service.TransactionService
	balanceService     *service.BalanceService
	statementService   *service.StatementService
	insightService     *service.InsightService
}

// NewHandler 创建处理器实例
func NewHandler(registry *tenant.Registry, rdb *redis.Client, worker *job.LedgerWorker, cfg *config.Config) *Handler {
	locks := lock.NewAccountLockManager()
	balanceService := service.NewBalanceService(registry, locks, rdb, worker, cfg)
	categorizer := service.NewCategorizer(cfg.Rules)

	return &Handler{
		accountService:     service.NewAccountService(registry),
		transactionService: service.NewTransactionService(registry, balanceService),
		balanceService:     balanceService,
		statementService:   service.NewStatementService(registry, balanceService, categorizer, worker, rdb, cfg),
		insightService:     service.NewInsightService(registry, balanceService),
	}
}

func (h *Handler) serviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrAccountNotFound):
		response.BusinessError(c, response.CodeAccountNotFound, err.Error())
	case errors.Is(err, repository.ErrTransactionNotFound):
		response.BusinessError(c, response.CodeTransactionNotFound, err.Error())
	case errors.Is(err, service.ErrLedgerBusy):
		// 可重试：余额引擎锁竞争超时
		response.BusinessError(c, response.CodeLedgerBusy, err.Error())
	case errors.Is(err, service.ErrInvalidDirection), errors.Is(err, service.ErrInvalidAmount):
		response.ParamError(c, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// CreateAccountRequest 创建账户请求
type CreateAccountRequest struct {
	Name     string `json:"name" binding:"required"`
	Currency string `json:"currency"`
}

// CreateAccount 创建账户
// POST /api/v1/account/create
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	account, err := h.accountService.Create(c.Request.Context(), tenantID(c), req.Name, req.Currency)
	if err != nil {
		h.serviceError(c, err)
		return
	}

	response.Success(c, account)
}

// ListAccounts 账户列表
// GET /api/v1/account/list
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.accountService.List(c.Request.Context(), tenantID(c))
	if err != nil {
		h.serviceError(c, err)
		return
	}
	response.Success(c, accounts)
}

// GetBalance 查询账户最新余额
// GET /api/v1/account/balance?account_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Query("account_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "account_id 参数错误")
		return
	}

	balance, err := h.balanceService.LatestBalance(c.Request.Context(), tenantID(c), accountID)
	if err != nil {
		h.serviceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"account_id": accountID,
		"balance":    balance.String(),
	})
}

// GetBalanceAt 查询账户在指定时点的余额
// GET /api/v1/account/balance-at?account_id=xxx&at=2024-01-31T23:59:59Z
func (h *Handler) GetBalanceAt(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Query("account_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "account_id 参数错误")
		return
	}

	at, err := time.Parse(time.RFC3339, c.Query("at"))
	if err != nil {
		response.ParamError(c, "at 参数错误，需要 RFC3339 格式")
		return
	}

	balance, err := h.balanceService.BalanceAtOrBefore(c.Request.Context(), tenantID(c), accountID, at)
	if err != nil {
		h.serviceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"account_id": accountID,
		"at":         at,
		"balance":    balance.String(),
	})
}

// GetHistory 账户余额曲线（全部快照升序）
// GET /api/v1/account/history?account_id=xxx
func (h *Handler) GetHistory(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Query("account_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "account_id 参数错误")
		return
	}

	entries, err := h.balanceService.History(c.Request.Context(), tenantID(c), accountID)
	if err != nil {
		h.serviceError(c, err)
		return
	}

	response.Success(c, entries)
}

// ============================================================
// 交易相关接口
// ============================================================

// TransactionRequest 交易创建/编辑请求体
type TransactionRequest struct {
	AccountID   int64  `json:"account_id" binding:"required"`
	OccurredAt  string `json:"occurred_at" binding:"required"` // RFC3339 或 2006-01-02
	Amount      string `json:"amount" binding:"required"`      // 精确小数字符串
	Direction   string `json:"direction" binding:"required"`   // CREDIT / DEBIT
	CategoryID  int64  `json:"category_id"`
	Description string `json:"description"`
}

func parseOccurredAt(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

func (req *TransactionRequest) toCreateRequest() (*service.CreateTransactionRequest, error) {
	occurredAt, err := parseOccurredAt(req.OccurredAt)
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return nil, err
	}
	return &service.CreateTransactionRequest{
		AccountID:   req.AccountID,
		OccurredAt:  occurredAt,
		Amount:      amount,
		Direction:   req.Direction,
		CategoryID:  req.CategoryID,
		Description: req.Description,
	}, nil
}

// CreateTransaction 录入交易（同步记账）
// POST /api/v1/transaction/create
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	serviceReq, err := req.toCreateRequest()
	if err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	txn, err := h.transactionService.Create(c.Request.Context(), tenantID(c), serviceReq)
	if err != nil {
		h.serviceError(c, err)
		return
	}

	response.Success(c, txn)
}

// UpdateTransaction 编辑交易
// POST /api/v1/transaction/update?id=xxx
//
// 余额引擎按变更内容分派：只改分类不碰账本，只改金额走原地增量，
// 改时间或换账户重新定位。整个编辑和记账在一个事务、一把锁下
func (h *Handler) UpdateTransaction(c *gin.Context) {
	id, err := strconv.ParseInt(c.Query("id"), 10, 64)
	if err != nil {
		response.ParamError(c, "id 参数错误")
		return
	}

	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	createReq, err := req.toCreateRequest()
	if err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	txn, err := h.transactionService.Update(c.Request.Context(), tenantID(c), id, &service.UpdateTransactionRequest{
		AccountID:   createReq.AccountID,
		OccurredAt:  createReq.OccurredAt,
		Amount:      createReq.Amount,
		Direction:   createReq.Direction,
		CategoryID:  createReq.CategoryID,
		Description: createReq.Description,
	})
	if err != nil {
		h.serviceError(c, err)
		return
	}

	response.Success(c, txn)
}

// DeleteTransaction 删除交易
// POST /api/v1/transaction/delete?id=xxx
func (h *Handler) DeleteTransaction(c *gin.Context) {
	id, err := strconv.ParseInt(c.Query("id"), 10, 64)
	if err != nil {
		response.ParamError(c, "id 参数错误")
		return
	}

	if err := h.transactionService.Delete(c.Request.Context(), tenantID(c), id); err != nil {
		h.serviceError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "交易已删除"})
}

// GetTransaction 交易详情
// GET /api/v1/transaction/detail?id=xxx
func (h *Handler) GetTransaction(c *gin.Context) {
	id, err := strconv.ParseInt(c.Query("id"), 10, 64)
	if err != nil {
		response.ParamError(c, "id 参数错误")
		return
	}

	txn, err := h.transactionService.Get(c.Request.Context(), tenantID(c), id)
	if err != nil {
		h.serviceError(c, err)
		return
	}

	response.Success(c, txn)
}

// ListTransactions 交易列表（分页+过滤）
// GET /api/v1/transaction/list?account_id=&category_id=&from=&to=&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	var filter repository.ListFilter
	if v := c.Query("account_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			response.ParamError(c, "account_id 参数错误")
			return
		}
		filter.AccountID = id
	}
	if v := c.Query("category_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			response.ParamError(c, "category_id 参数错误")
			return
		}
		filter.CategoryID = id
	}
	if v := c.Query("from"); v != "" {
		t, err := parseOccurredAt(v)
		if err != nil {
			response.ParamError(c, "from 参数错误")
			return
		}
		filter.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := parseOccurredAt(v)
		if err != nil {
			response.ParamError(c, "to 参数错误")
			return
		}
		filter.To = t
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	transactions, total, err := h.transactionService.List(c.Request.Context(), tenantID(c), filter, page, pageSize)
	if err != nil {
		h.serviceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      transactions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// BackfillLedger 给缺快照的交易补记账（异步，幂等）
// POST /api/v1/ledger/backfill?account_id=xxx
func (h *Handler) BackfillLedger(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Query("account_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "account_id 参数错误")
		return
	}

	submitted, err := h.transactionService.BackfillLedger(c.Request.Context(), tenantID(c), accountID)
	if err != nil {
		h.serviceError(c, err)
		return
	}

	response.Success(c, gin.H{"submitted": submitted})
}

// ============================================================
// 对账单导入接口
// ============================================================

// ImportStatement 上传 CSV 对账单并后台导入
// POST /api/v1/statement/import?account_id=xxx  (multipart: file)
func (h *Handler) ImportStatement(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Query("account_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "account_id 参数错误")
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.ParamError(c, "缺少对账单文件: "+err.Error())
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		response.ServerError(c, "打开文件失败: "+err.Error())
		return
	}
	defer file.Close()

	lines, malformed, err := service.ParseStatementCSV(file)
	if err != nil {
		response.BusinessError(c, response.CodeImportFailed, "解析失败: "+err.Error())
		return
	}

	importNo, err := h.statementService.ImportAsync(c.Request.Context(), tenantID(c), accountID, lines, malformed)
	if err != nil {
		h.serviceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"import_no":   importNo,
		"total_lines": len(lines) + malformed,
		"malformed":   malformed,
	})
}

// GetImport 导入批次详情
// GET /api/v1/statement/detail?import_no=xxx
func (h *Handler) GetImport(c *gin.Context) {
	importNo := c.Query("import_no")
	if importNo == "" {
		response.ParamError(c, "import_no 参数不能为空")
		return
	}

	imp, err := h.statementService.GetImport(c.Request.Context(), tenantID(c), importNo)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	if imp == nil {
		response.BusinessError(c, response.CodeImportFailed, "导入批次不存在")
		return
	}

	response.Success(c, imp)
}

// ListImports 账户最近的导入批次
// GET /api/v1/statement/list?account_id=xxx
func (h *Handler) ListImports(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Query("account_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "account_id 参数错误")
		return
	}

	imports, err := h.statementService.ListImports(c.Request.Context(), tenantID(c), accountID, 20)
	if err != nil {
		h.serviceError(c, err)
		return
	}

	response.Success(c, imports)
}

// ============================================================
// 洞察接口
// ============================================================

// SpendByCategory 按分类汇总某时间段的支出
// GET /api/v1/insight/spend-by-category?account_id=xxx&from=2024-01-01&to=2024-01-31
func (h *Handler) SpendByCategory(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Query("account_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "account_id 参数错误")
		return
	}

	from, err := parseOccurredAt(c.Query("from"))
	if err != nil {
		response.ParamError(c, "from 参数错误")
		return
	}
	to, err := parseOccurredAt(c.Query("to"))
	if err != nil {
		response.ParamError(c, "to 参数错误")
		return
	}

	insight, err := h.insightService.SpendByCategory(c.Request.Context(), tenantID(c), accountID, from, to)
	if err != nil {
		h.serviceError(c, err)
		return
	}

	response.Success(c, insight)
}
