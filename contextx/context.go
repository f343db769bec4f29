// Package contextx 提供了一组用于安全地在 context.Context 中注入与提取业务上下文信息（如用户 ID、实验名、请求 ID 等）的工具函数。
// 它通过使用私有类型作为 Key，有效防止了跨包的 Key 冲突。
package contextx

import (
	"context"
)

type contextKey int

const (
	UserIDKey     contextKey = iota // 用户唯一标识 Key。
	RequestIDKey                    // 请求唯一标识 Key。
	ExperimentKey                   // 当前实验名 Key。
	VariantKey                      // 当前实验变体 Key。
	JobNameKey                      // 批处理任务名 Key。
	DBTxKey                         // 数据库事务 Key。
)

// KeyNames 映射 Key 到日志字段名。
var KeyNames = map[contextKey]string{
	UserIDKey:     "user_id",
	RequestIDKey:  "request_id",
	ExperimentKey: "experiment",
	VariantKey:    "variant",
	JobNameKey:    "job_name",
}

// WithRequestID 将请求 ID 注入到 Context 中。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID 从 Context 中提取请求 ID。
func GetRequestID(ctx context.Context) string {
	if val, ok := ctx.Value(RequestIDKey).(string); ok {
		return val
	}
	return ""
}

// WithTx 将 GORM 事务实例注入到 Context 中。
func WithTx(ctx context.Context, tx any) context.Context {
	return context.WithValue(ctx, DBTxKey, tx)
}

// GetTx 从 Context 中尝试提取 GORM 事务实例。
func GetTx(ctx context.Context) any {
	return ctx.Value(DBTxKey)
}

// WithUserID 将用户 ID 注入到给定的 Context 中。
func WithUserID(ctx context.Context, userID uint64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID 从 Context 中尝试提取用户 ID，若不存在则返回 0。
func GetUserID(ctx context.Context) uint64 {
	if val, ok := ctx.Value(UserIDKey).(uint64); ok {
		return val
	}
	return 0
}

// WithExperiment 将实验名与命中的变体注入到 Context 中。
func WithExperiment(ctx context.Context, experiment, variant string) context.Context {
	ctx = context.WithValue(ctx, ExperimentKey, experiment)
	return context.WithValue(ctx, VariantKey, variant)
}

// GetExperiment 从 Context 中尝试提取实验名，若不存在则返回空字符串。
func GetExperiment(ctx context.Context) string {
	if val, ok := ctx.Value(ExperimentKey).(string); ok {
		return val
	}
	return ""
}

// GetVariant 从 Context 中尝试提取实验变体，若不存在则返回空字符串。
func GetVariant(ctx context.Context) string {
	if val, ok := ctx.Value(VariantKey).(string); ok {
		return val
	}
	return ""
}

// WithJobName 将批处理任务名注入到 Context 中。
func WithJobName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, JobNameKey, name)
}

// GetJobName 从 Context 中尝试提取批处理任务名，若不存在则返回空字符串。
func GetJobName(ctx context.Context) string {
	if val, ok := ctx.Value(JobNameKey).(string); ok {
		return val
	}
	return ""
}
