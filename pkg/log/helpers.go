package log

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
)

// LogHelper 扩展 Kratos log.Helper，提供便捷的日志方法
// 通过在日志调用时自动添加 "type" 字段，触发 EmojiConsoleEncoder 的表情符号映射
type LogHelper struct {
	*log.Helper
}

// NewLogHelper 创建增强的日志辅助器
func NewLogHelper(logger log.Logger) *LogHelper {
	return &LogHelper{
		Helper: log.NewHelper(logger),
	}
}

func tagged(msg, logType string, kvs []interface{}) []interface{} {
	all := make([]interface{}, 0, len(kvs)+4)
	all = append(all, "msg", msg)
	all = append(all, kvs...)
	return append(all, "type", logType)
}

// Breaker 记录熔断器状态变化（表情符号: 🔌）
func (h *LogHelper) Breaker(msg string, kvs ...interface{}) {
	h.Warnw(tagged(msg, "breaker", kvs)...)
}

// RateLimit 记录速率限制日志（表情符号: 🚦）
func (h *LogHelper) RateLimit(msg string, kvs ...interface{}) {
	h.Warnw(tagged(msg, "rate_limit", kvs)...)
}

// Session 记录会话生命周期日志（表情符号: 🎫）
func (h *LogHelper) Session(msg string, kvs ...interface{}) {
	h.Infow(tagged(msg, "session", kvs)...)
}

// Security 记录安全相关日志（表情符号: 🔒）
func (h *LogHelper) Security(msg string, kvs ...interface{}) {
	h.Warnw(tagged(msg, "security", kvs)...)
}

// Critical 记录严重安全事件（表情符号: 🚨）
func (h *LogHelper) Critical(msg string, kvs ...interface{}) {
	h.Errorw(tagged(msg, "critical", kvs)...)
}

// Degraded 记录降级响应（表情符号: 🩹）
func (h *LogHelper) Degraded(msg string, kvs ...interface{}) {
	h.Warnw(tagged(msg, "degraded", kvs)...)
}

// Success 记录成功操作日志（表情符号: ✅）
func (h *LogHelper) Success(msg string, kvs ...interface{}) {
	h.Infow(tagged(msg, "success", kvs)...)
}

// Database 记录数据库操作日志（表情符号: 💾）
func (h *LogHelper) Database(msg string, kvs ...interface{}) {
	h.Debugw(tagged(msg, "database", kvs)...)
}

// Redis 记录 Redis 操作日志（表情符号: 📦）
func (h *LogHelper) Redis(msg string, kvs ...interface{}) {
	h.Debugw(tagged(msg, "redis", kvs)...)
}

// Scheduler 记录调度器相关日志（表情符号: 🎯）
func (h *LogHelper) Scheduler(msg string, kvs ...interface{}) {
	h.Infow(tagged(msg, "scheduler", kvs)...)
}

// Startup 记录启动相关日志（表情符号: 🚀）
func (h *LogHelper) Startup(msg string, kvs ...interface{}) {
	h.Infow(tagged(msg, "startup", kvs)...)
}

// Request 记录 HTTP 请求日志（表情符号根据状态码）
func (h *LogHelper) Request(method, url string, status int, durationMs int64, kvs ...interface{}) {
	msg := fmt.Sprintf("%s %s - %d (%dms)", method, url, status, durationMs)
	all := tagged(msg, "request", kvs)
	all = append(all, "method", method, "url", url, "status", status, "duration_ms", durationMs)
	h.Infow(all...)
}

// SlowRequest 记录慢请求警告（表情符号: 🐌）
func (h *LogHelper) SlowRequest(ctx context.Context, method, url string, duration, threshold int64, kvs ...interface{}) {
	reqCtx := GetRequestContext(ctx)
	msg := fmt.Sprintf("[%s] Slow request detected | %s %s | %dms (threshold: %dms)",
		reqCtx.RequestID, method, url, duration, threshold)

	all := tagged(msg, "slow_request", kvs)
	all = append(all,
		"request_id", reqCtx.RequestID,
		"method", method,
		"url", url,
		"duration_ms", duration,
		"threshold_ms", threshold,
	)
	h.Warnw(all...)
}

// RequestWithContext 记录带 Context 的 HTTP 请求日志
// 自动从 Context 提取 Request ID 并检测慢请求（阈值 1000ms）
func (h *LogHelper) RequestWithContext(ctx context.Context, method, url string, status int, durationMs int64, kvs ...interface{}) {
	reqCtx := GetRequestContext(ctx)
	msg := fmt.Sprintf("%s %s - %d (%dms) | RequestID: %s", method, url, status, durationMs, reqCtx.RequestID)

	all := tagged(msg, "request", kvs)
	all = append(all,
		"request_id", reqCtx.RequestID,
		"client_ip", reqCtx.ClientIP,
		"user_id", reqCtx.UserID,
		"method", method,
		"url", url,
		"status", status,
		"duration_ms", durationMs,
	)
	h.Infow(all...)

	if durationMs > 1000 {
		h.SlowRequest(ctx, method, url, durationMs, 1000)
	}
}

// CacheStats 记录本地缓存统计信息（表情符号: 🧹）
func (h *LogHelper) CacheStats(cacheName string, size, maxSize, evicted int, kvs ...interface{}) {
	msg := fmt.Sprintf("Cache stats - %s | Size: %d/%d, Evicted: %d", cacheName, size, maxSize, evicted)
	all := tagged(msg, "cache_stats", kvs)
	all = append(all, "cache_name", cacheName, "size", size, "max_size", maxSize, "evicted", evicted)
	h.Debugw(all...)
}
