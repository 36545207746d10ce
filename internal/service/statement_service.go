package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"fintracker/internal/config"
	"fintracker/internal/infrastructure/lock"
	"fintracker/internal/job"
	"fintracker/internal/model"
	"fintracker/internal/repository"
	"fintracker/internal/tenant"
	"fintracker/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ============================================================================
// 对账单导入
// ============================================================================
//
// CSV 上传 → 解析 → 分类 → 逐行入库。每一行的交易插入和记账
// 在同一个事务里：进程中途崩溃也不会留下"有交易没快照"的行。
// 单行失败记日志跳过，整批继续；但第一行就拿不到账本锁说明
// 竞争不会自己消失，直接放弃整批

type StatementService struct {
	registry    *tenant.Registry
	balance     *BalanceService
	categorizer *Categorizer
	worker      *job.LedgerWorker
	rdb         *redis.Client
	cfg         *config.Config
}

func NewStatementService(registry *tenant.Registry, balance *BalanceService, categorizer *Categorizer, worker *job.LedgerWorker, rdb *redis.Client, cfg *config.Config) *StatementService {
	return &StatementService{
		registry:    registry,
		balance:     balance,
		categorizer: categorizer,
		worker:      worker,
		rdb:         rdb,
		cfg:         cfg,
	}
}

// StatementLine 解析后的一行对账单
type StatementLine struct {
	OccurredAt  time.Time
	Description string
	Amount      decimal.Decimal // 无符号
	Direction   string
}

// ParseStatementCSV 解析银行 CSV 对账单
// 格式：日期(2006-01-02),描述,带符号金额。负数是出账。
// 表头行和格式不对的行跳过并计数，不让一行坏数据毁掉整个文件
func ParseStatementCSV(r io.Reader) ([]StatementLine, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var lines []StatementLine
	malformed := 0

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("读取 CSV 失败: %w", err)
		}

		if len(record) < 3 {
			malformed++
			continue
		}

		occurredAt, err := time.Parse("2006-01-02", strings.TrimSpace(record[0]))
		if err != nil {
			// 表头行也走这里
			malformed++
			continue
		}

		amount, err := decimal.NewFromString(strings.TrimSpace(record[2]))
		if err != nil {
			malformed++
			continue
		}

		direction := model.DirectionCredit
		if amount.IsNegative() {
			direction = model.DirectionDebit
			amount = amount.Abs()
		}

		lines = append(lines, StatementLine{
			OccurredAt:  occurredAt,
			Description: strings.TrimSpace(record[1]),
			Amount:      amount,
			Direction:   direction,
		})
	}

	return lines, malformed, nil
}

// ImportAsync 把整批导入丢给后台 worker，立即返回批次号
// 租户ID在这里捕获，worker 里显式重建
func (s *StatementService) ImportAsync(ctx context.Context, tenantID string, accountID int64, lines []StatementLine, malformed int) (string, error) {
	importNo := idgen.GenerateImportNo()

	err := s.worker.Submit(ctx, job.LedgerTask{
		TenantID: tenantID,
		Name:     fmt.Sprintf("import-statement %s", importNo),
		Run: func(ctx context.Context) error {
			return s.runImport(ctx, tenantID, importNo, accountID, lines, malformed)
		},
	})
	if err != nil {
		return "", err
	}
	return importNo, nil
}

// Import 同步导入（批次小或测试时用）
func (s *StatementService) Import(ctx context.Context, tenantID string, accountID int64, lines []StatementLine, malformed int) (string, error) {
	importNo := idgen.GenerateImportNo()
	return importNo, s.runImport(ctx, tenantID, importNo, accountID, lines, malformed)
}

func (s *StatementService) runImport(ctx context.Context, tenantID, importNo string, accountID int64, lines []StatementLine, malformed int) error {
	db, err := s.registry.DB(tenantID)
	if err != nil {
		return err
	}

	importRepo := repository.NewImportRepository(db)
	imp := &model.StatementImport{
		ImportNo:    importNo,
		AccountID:   accountID,
		Status:      model.ImportStatusProcessing,
		TotalLines:  len(lines) + malformed,
		SkippedRows: malformed,
	}
	if err := importRepo.Create(ctx, imp); err != nil {
		return fmt.Errorf("创建导入批次失败: %w", err)
	}

	// 同一账户同时只允许一个导入批次在跑（跨进程），
	// 防止同一份对账单被两个 worker 各导一遍
	importLock := lock.NewImportLock(s.rdb, tenantID, accountID, importNo)
	if err := importLock.Lock(ctx, 200*time.Millisecond, 25); err != nil {
		// 一行都没尝试：解析出的行也全算跳过，账面要对得上 TotalLines
		s.finishImport(ctx, db, importNo, model.ImportStatusAborted, 0,
			abortSkipped(malformed, len(lines), 0), "账户已有导入批次在执行")
		return fmt.Errorf("获取导入锁失败: %w", err)
	}
	defer importLock.Unlock(ctx)

	imported := 0
	skipped := malformed

	for i, line := range lines {
		err := s.importLine(ctx, tenantID, importNo, accountID, line)
		if err == nil {
			imported++
			continue
		}

		// 第一行就锁超时：竞争不会越导越好，整批放弃
		if i == 0 && errors.Is(err, ErrLedgerBusy) {
			log.Printf("[Import] 首行即锁超时，放弃整批: import=%s err=%v", importNo, err)
			s.finishImport(ctx, db, importNo, model.ImportStatusAborted, imported,
				abortSkipped(malformed, len(lines), imported), "首行账本锁超时")
			return err
		}

		skipped++
		log.Printf("[Import] 行导入失败，跳过: import=%s line=%d err=%v", importNo, i+1, err)
	}

	s.finishImport(ctx, db, importNo, model.ImportStatusCompleted, imported, skipped, "")
	log.Printf("[Import] 批次完成: import=%s imported=%d skipped=%d", importNo, imported, skipped)
	return nil
}

// abortSkipped 放弃整批时的跳过数：没导进去的行全算跳过
// 不变式 imported + skipped == TotalLines 在任何终态都要成立
func abortSkipped(malformed, parsed, imported int) int {
	return malformed + parsed - imported
}

// importLine 单行入库：分类 → 交易和快照在一个事务里落库
func (s *StatementService) importLine(ctx context.Context, tenantID, importNo string, accountID int64, line StatementLine) error {
	db, err := s.registry.DB(tenantID)
	if err != nil {
		return err
	}

	var categoryID int64
	if name := s.categorizer.Categorize(line.Description); name != "" {
		category, err := repository.NewCategoryRepository(db).GetOrCreate(ctx, nil, name)
		if err != nil {
			return fmt.Errorf("归类失败: %w", err)
		}
		categoryID = category.ID
	}

	txn := &model.Transaction{
		ID:          idgen.NextID(),
		AccountID:   accountID,
		OccurredAt:  line.OccurredAt,
		Amount:      line.Amount,
		Direction:   line.Direction,
		CategoryID:  categoryID,
		Description: line.Description,
		ImportNo:    importNo,
	}

	return s.balance.MutateUnderLock(ctx, tenantID, []int64{accountID}, func(tx *gorm.DB) error {
		if err := repository.NewTransactionRepository(tx).Create(ctx, tx, txn); err != nil {
			return fmt.Errorf("创建交易失败: %w", err)
		}
		return s.balance.CreateBalanceForTransaction(ctx, tx, txn)
	})
}

// finishImport 写终态并连同导入结果事件一起落库（outbox）
func (s *StatementService) finishImport(ctx context.Context, db *gorm.DB, importNo, status string, imported, skipped int, failReason string) {
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := repository.NewImportRepository(tx).Finish(ctx, importNo, model.ImportStatusProcessing, status, imported, skipped, failReason); err != nil {
			return err
		}

		// event_id 给下游消费者去重用，outbox 投递是至少一次
		payload, _ := json.Marshal(map[string]interface{}{
			"event_id":  uuid.NewString(),
			"import_no": importNo,
			"status":    status,
			"imported":  imported,
			"skipped":   skipped,
		})
		return repository.NewOutboxRepository(tx).Create(ctx, tx, &model.OutboxMessage{
			MessageKey: importNo,
			Topic:      s.cfg.Kafka.Topic.ImportResult,
			Payload:    string(payload),
			Status:     model.OutboxStatusPending,
		})
	})
	if err != nil {
		log.Printf("[Import] 写入批次终态失败: import=%s err=%v", importNo, err)
	}
}

// GetImport 查询批次状态
func (s *StatementService) GetImport(ctx context.Context, tenantID, importNo string) (*model.StatementImport, error) {
	db, err := s.registry.DB(tenantID)
	if err != nil {
		return nil, err
	}
	return repository.NewImportRepository(db).GetByImportNo(ctx, importNo)
}

// ListImports 账户最近的导入批次
func (s *StatementService) ListImports(ctx context.Context, tenantID string, accountID int64, limit int) ([]*model.StatementImport, error) {
	db, err := s.registry.DB(tenantID)
	if err != nil {
		return nil, err
	}
	return repository.NewImportRepository(db).ListByAccount(ctx, accountID, limit)
}
