package auth

import (
	"errors"
	"log/slog"
	"net/http"
)

// Middleware 返回一个 HTTP 中间件，校验令牌并要求主体具备 perms 中的全部权限。
// 认证关闭时直接放行。
func (s *Service) Middleware(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrSubjectRevoked) {
					status = http.StatusForbidden
				}
				s.deny(w, r, status, err, "")
				return
			}
			if err := subject.Authorize(perms...); err != nil {
				s.deny(w, r, http.StatusForbidden, err, subject.Username)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

func (s *Service) deny(w http.ResponseWriter, r *http.Request, status int, err error, user string) {
	http.Error(w, http.StatusText(status), status)
	s.audit.Warn("access_denied",
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.Int("status", status),
		slog.String("user", user),
		slog.String("error", err.Error()),
	)
}
