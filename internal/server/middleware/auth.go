package middleware

import (
	"context"
	"strings"

	"Bulwark/internal/biz"
	"Bulwark/internal/model"
	"Bulwark/pkg/crypto"
	pkglog "Bulwark/pkg/log"
	"Bulwark/pkg/metadata"

	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
)

// HeaderSessionID is the fallback carrier of the session id when no
// Authorization header is sent.
const HeaderSessionID = "X-Session-ID"

// Session 返回会话校验中间件
// 从 Authorization: Bearer {session_id} 或 X-Session-ID 提取会话，
// 使用请求头计算设备指纹后校验。失败统一返回 401，不区分原因。
func Session(sessions *biz.SessionUseCase, events biz.EventReporter, logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			tr, ok := transport.FromServerContext(ctx)
			if !ok {
				return nil, biz.ErrSessionInvalid
			}
			header := tr.RequestHeader()

			sessionID := bearerToken(header.Get("Authorization"))
			if sessionID == "" {
				sessionID = strings.TrimSpace(header.Get(HeaderSessionID))
			}

			reqCtx := pkglog.GetRequestContext(ctx)
			deny := func(reason string) (interface{}, error) {
				logger.Session("Session rejected",
					"session_id", maskSessionID(sessionID),
					"reason", reason,
					"operation", tr.Operation())
				events.LogSecurityEvent(ctx, model.NewSecurityEvent(model.EventUnauthorizedAccess, reqCtx.ClientIP, reqCtx.UserAgent,
					&metadata.EventData{Endpoint: tr.Operation(), SessionID: sessionID, Reason: reason}))
				return nil, biz.ErrSessionInvalid
			}

			if sessionID == "" {
				return deny(biz.SessionReasonNotFound)
			}

			fp, err := sessions.Fingerprint(crypto.Signals{
				UserAgent:      header.Get("User-Agent"),
				AcceptLanguage: header.Get("Accept-Language"),
				Platform:       header.Get("Sec-CH-UA-Platform"),
				ClientHint:     header.Get("Sec-CH-UA"),
				ClientID:       header.Get("X-Client-ID"),
			})
			if err != nil {
				return deny(biz.SessionReasonFingerprintMismatch)
			}

			res := sessions.ValidateSession(ctx, sessionID, fp)
			if !res.Valid {
				return deny(res.Reason)
			}
			return handler(ctx, req)
		}
	}
}

// bearerToken 支持 "Bearer {token}" 格式
func bearerToken(authHeader string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authHeader), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// maskSessionID 脱敏，仅显示前 8 位
// 示例: "0123456789abcdef" -> "01234567***"
func maskSessionID(id string) string {
	if len(id) <= 8 {
		return strings.Repeat("*", len(id))
	}
	return id[:8] + "***"
}
