package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"storage-bridge/internal/models"
	"storage-bridge/internal/supervisor"
)

// ReadingQueries 读查询接口（由sensor_readings仓库实现）
type ReadingQueries interface {
	TotalCounter
	BridgeReader
}

// StateReporter 连接状态来源（由监管器实现）
type StateReporter interface {
	State() supervisor.State
	Detail() string
}

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

// NewRouter 创建只读查询路由
// 这些接口喂给外部仪表盘：计数、测点清单、读数列表、最新值和扁平导出。
// 不做会话、不做鉴权、不渲染页面——那些都在前端服务里
func NewRouter(repo ReadingQueries, state StateReporter, stats *models.Stats, logger *zap.Logger) http.Handler {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}

	h := NewBridgeHandler(repo, state, stats, logger)

	r.handleGet("/bridge/api/v1/status", h.GetStatus)
	r.handleGet("/bridge/api/v1/summary", h.GetSummary)
	r.handleGet("/bridge/api/v1/points", h.GetPoints)
	r.handleGet("/bridge/api/v1/readings", h.GetReadings)
	r.handleGet("/bridge/api/v1/readings/latest", h.GetLatestPerPoint)
	r.handleGet("/bridge/api/v1/readings/export", h.GetExport)

	return r
}

func (r *Router) handleGet(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	})
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}
