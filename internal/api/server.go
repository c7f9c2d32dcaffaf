package api

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/rs/cors"

	"Survival-Chain/internal/auth"
	"Survival-Chain/internal/contextbuilder"
	"Survival-Chain/internal/cycle"
	"Survival-Chain/internal/events"
	"Survival-Chain/internal/money"
	"Survival-Chain/internal/observability/metrics"
	"Survival-Chain/internal/reaper"
	"Survival-Chain/internal/registry"
	"Survival-Chain/internal/replicator"
	"Survival-Chain/internal/request"
	"Survival-Chain/internal/storage"
)

// BalanceReader 查询钱包的链上余额（wei）。
type BalanceReader interface {
	Balance(ctx context.Context, address string) (*big.Int, error)
}

// Deps 汇集处理器需要的领域组件。Dispatcher、Hub、Chain 与 Auth 可以为空。
type Deps struct {
	Store        storage.Reader
	Registry     *registry.Registry
	Replicator   *replicator.Replicator
	Workflow     *request.Workflow
	Builder      *contextbuilder.Builder
	Reaper       *reaper.Reaper
	Dispatcher   *cycle.Dispatcher
	Hub          *events.Hub
	Notifier     events.Notifier
	Auth         *auth.Service
	Chain        BalanceReader
	GenesisGrant money.Amount
	CORSOrigins  []string
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	deps            Deps
	shutdownTimeout time.Duration
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps) *Server {
	return &Server{addr: addr, deps: deps, shutdownTimeout: 5 * time.Second}
}

// WithShutdownTimeout 设置优雅关闭的最长等待时间。
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	if d > 0 {
		s.shutdownTimeout = d
	}
	return s
}

// Handler 返回完整的路由树，测试可以直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /api/v1/auth/token", s.handleToken)

	read := s.guard(auth.PermAgentsRead)
	write := s.guard(auth.PermAgentsWrite)

	s.route(mux, "GET /api/v1/agents", "agents.list", read, s.handleListAgents)
	s.route(mux, "POST /api/v1/agents", "agents.genesis", write, s.handleCreateGenesis)
	s.route(mux, "GET /api/v1/agents/{id}", "agents.get", read, s.handleGetAgent)
	s.route(mux, "GET /api/v1/agents/{id}/children", "agents.children", read, s.handleChildren)
	s.route(mux, "GET /api/v1/agents/{id}/context", "agents.context", read, s.handleContext)
	s.route(mux, "GET /api/v1/agents/{id}/transactions", "agents.transactions", read, s.handleTransactions)
	s.route(mux, "GET /api/v1/agents/{id}/wallet", "agents.wallet", read, s.handleWallet)
	s.route(mux, "POST /api/v1/agents/{id}/replicate", "agents.replicate", write, s.handleReplicate)

	s.route(mux, "GET /api/v1/requests", "requests.list", read, s.handleListRequests)
	s.route(mux, "POST /api/v1/requests", "requests.submit", write, s.handleSubmitRequest)
	s.route(mux, "GET /api/v1/requests/{id}", "requests.get", read, s.handleGetRequest)
	s.route(mux, "POST /api/v1/requests/{id}/resolve", "requests.resolve", s.guard(auth.PermRequestsResolve), s.handleResolveRequest)

	s.route(mux, "GET /api/v1/logs", "logs.list", read, s.handleListLogs)
	s.route(mux, "POST /api/v1/logs/message", "logs.message", write, s.handleControllerMessage)

	s.route(mux, "GET /api/v1/settings/auto-approve", "settings.get", read, s.handleGetAutoApprove)
	s.route(mux, "PUT /api/v1/settings/auto-approve", "settings.put", s.guard(auth.PermSettingsWrite), s.handlePutAutoApprove)

	s.route(mux, "POST /api/v1/cycles", "cycles.trigger", s.guard(auth.PermCyclesTrigger), s.handleTriggerCycles)
	s.route(mux, "POST /api/v1/reaper/sweep", "reaper.sweep", write, s.handleSweep)
	s.route(mux, "GET /api/v1/events", "events.stream", read, s.handleEvents)

	var handler http.Handler = mux
	if len(s.deps.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: s.deps.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}).Handler(handler)
	}
	return handler
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 注册带权限校验和指标采集的处理器。
func (s *Server) route(mux *http.ServeMux, pattern, name string, guard func(http.Handler) http.Handler, fn http.HandlerFunc) {
	mux.Handle(pattern, instrument(name, guard(fn)))
}

func (s *Server) guard(perms ...string) func(http.Handler) http.Handler {
	if s.deps.Auth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.deps.Auth.Middleware(perms...)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// statusRecorder 记录响应状态码供指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush 让 SSE 穿透包装。
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}
