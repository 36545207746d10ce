package tenant

import (
	"context"
	"errors"
)

// ============================================================================
// 租户上下文
// ============================================================================
//
// 租户标识不做隐式传播：同步调用链里通过 context 显式携带，
// 跨异步边界（worker、导入任务）时在提交侧捕获租户ID，
// 在 worker 执行开头重新建立，退出时随 context 一起消失。
// 任何组件都不允许把某个租户的数据缓存到跨租户可见的位置

var ErrNoTenant = errors.New("上下文中没有租户标识")

type ctxKey struct{}

// WithTenant 把租户标识放进 context
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// FromContext 取出当前租户标识
func FromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(ctxKey{}).(string)
	if !ok || id == "" {
		return "", ErrNoTenant
	}
	return id, nil
}
