package service

import (
	"strings"
	"testing"
	"time"

	"fintracker/internal/config"
	"fintracker/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatementCSV(t *testing.T) {
	csvData := `date,description,amount
2024-03-01,工资入账,8500.00
2024-03-02,星巴克咖啡,-32.50
2024-03-05,房租,-3200
`
	lines, malformed, err := ParseStatementCSV(strings.NewReader(csvData))
	require.NoError(t, err)

	// 表头按坏行计数跳过
	assert.Equal(t, 1, malformed)
	require.Len(t, lines, 3)

	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), lines[0].OccurredAt)
	assert.Equal(t, "工资入账", lines[0].Description)
	assert.Equal(t, model.DirectionCredit, lines[0].Direction)
	assert.True(t, lines[0].Amount.Equal(decimal.RequireFromString("8500.00")))

	// 负数金额转借方并取绝对值
	assert.Equal(t, model.DirectionDebit, lines[1].Direction)
	assert.True(t, lines[1].Amount.Equal(decimal.RequireFromString("32.50")))

	assert.Equal(t, model.DirectionDebit, lines[2].Direction)
	assert.True(t, lines[2].Amount.Equal(decimal.RequireFromString("3200")))
}

func TestParseStatementCSVSkipsMalformedRows(t *testing.T) {
	csvData := `2024-03-01,正常行,100
不是日期,坏行,100
2024-03-02,金额坏掉,abc
2024-03-03,列数不够
2024-03-04,又一条正常行,-50
`
	lines, malformed, err := ParseStatementCSV(strings.NewReader(csvData))
	require.NoError(t, err)

	assert.Equal(t, 3, malformed)
	require.Len(t, lines, 2)
	assert.Equal(t, "正常行", lines[0].Description)
	assert.Equal(t, "又一条正常行", lines[1].Description)
}

func TestParseStatementCSVEmpty(t *testing.T) {
	lines, malformed, err := ParseStatementCSV(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, 0, malformed)
	assert.Empty(t, lines)
}

func TestParseStatementCSVTrimsWhitespace(t *testing.T) {
	csvData := "2024-03-01, 带空格的描述 , 100.00\n"
	lines, malformed, err := ParseStatementCSV(strings.NewReader(csvData))
	require.NoError(t, err)
	assert.Equal(t, 0, malformed)
	require.Len(t, lines, 1)
	assert.Equal(t, "带空格的描述", lines[0].Description)
	assert.True(t, lines[0].Amount.Equal(decimal.RequireFromString("100.00")))
}

func TestAbortSkippedAccounting(t *testing.T) {
	// 拿不到导入锁整批放弃：解析出的行一行没试，全算跳过
	assert.Equal(t, 7, abortSkipped(2, 5, 0))

	// 首行锁超时放弃：已导入的不算跳过
	assert.Equal(t, 4, abortSkipped(1, 6, 3))

	// 任何终态 imported + skipped 都要等于 TotalLines
	for _, c := range []struct{ malformed, parsed, imported int }{
		{0, 0, 0}, {2, 5, 0}, {1, 6, 3}, {0, 10, 10},
	} {
		total := c.malformed + c.parsed
		assert.Equal(t, total, c.imported+abortSkipped(c.malformed, c.parsed, c.imported))
	}
}

func TestCategorizerFirstMatchWins(t *testing.T) {
	c := NewCategorizer([]config.CategoryRule{
		{Keyword: "咖啡", Category: "餐饮"},
		{Keyword: "星巴克", Category: "咖啡店"},
		{Keyword: "房租", Category: "住房"},
	})

	// 规则按顺序首条命中生效
	assert.Equal(t, "餐饮", c.Categorize("星巴克咖啡"))
	assert.Equal(t, "咖啡店", c.Categorize("星巴克面包"))
	assert.Equal(t, "住房", c.Categorize("三月房租"))
	assert.Equal(t, "", c.Categorize("没有规则能命中"))
}

func TestCategorizerSkipsEmptyKeyword(t *testing.T) {
	c := NewCategorizer([]config.CategoryRule{
		{Keyword: "", Category: "全都命中"},
		{Keyword: "超市", Category: "日常"},
	})

	assert.Equal(t, "日常", c.Categorize("家门口超市"))
	assert.Equal(t, "", c.Categorize("别的东西"))
}
