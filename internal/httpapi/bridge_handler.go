package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"storage-bridge/internal/models"
	"storage-bridge/internal/repository"
)

// TotalCounter 计数类读查询
type TotalCounter interface {
	TotalCount(ctx context.Context) (int64, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
	LatestTimestamp(ctx context.Context) (*time.Time, error)
}

// BridgeReader 行级读查询
type BridgeReader interface {
	DistinctPoints(ctx context.Context) ([]models.PointSummary, error)
	LatestPerPoint(ctx context.Context, window time.Duration) ([]models.SensorReading, error)
	ListReadings(ctx context.Context, filters repository.ReadingFilters) ([]models.SensorReading, error)
	FlattenedExport(ctx context.Context, filters repository.ReadingFilters) ([]map[string]interface{}, error)
}

// BridgeHandler 桥接只读接口处理器
type BridgeHandler struct {
	repo   ReadingQueries
	state  StateReporter
	stats  *models.Stats
	logger *zap.Logger
}

// NewBridgeHandler 创建处理器
func NewBridgeHandler(repo ReadingQueries, state StateReporter, stats *models.Stats, logger *zap.Logger) *BridgeHandler {
	return &BridgeHandler{
		repo:   repo,
		state:  state,
		stats:  stats,
		logger: logger,
	}
}

// statusResponse GET /bridge/api/v1/status 响应体
type statusResponse struct {
	State  string               `json:"state"`
	Detail string               `json:"detail,omitempty"`
	Stats  models.StatsSnapshot `json:"stats"`
}

// GetStatus 连接状态 + 运行期计数器
func (h *BridgeHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(statusResponse{
		State:  string(h.state.State()),
		Detail: h.state.Detail(),
		Stats:  h.stats.Snapshot(),
	}))
}

// summaryResponse GET /bridge/api/v1/summary 响应体
type summaryResponse struct {
	TotalRows       int64      `json:"total_rows"`
	RowsLast24h     int64      `json:"rows_last_24h"`
	LatestTimestamp *time.Time `json:"latest_timestamp,omitempty"`
}

// GetSummary 存储侧聚合计数
func (h *BridgeHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	total, err := h.repo.TotalCount(ctx)
	if err != nil {
		h.fail(w, "summary", err)
		return
	}
	since24h, err := h.repo.CountSince(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		h.fail(w, "summary", err)
		return
	}
	latest, err := h.repo.LatestTimestamp(ctx)
	if err != nil {
		h.fail(w, "summary", err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(summaryResponse{
		TotalRows:       total,
		RowsLast24h:     since24h,
		LatestTimestamp: latest,
	}))
}

// GetPoints 测点清单（首末出现时间与行数）
func (h *BridgeHandler) GetPoints(w http.ResponseWriter, r *http.Request) {
	points, err := h.repo.DistinctPoints(r.Context())
	if err != nil {
		h.fail(w, "points", err)
		return
	}
	if points == nil {
		points = []models.PointSummary{}
	}
	writeJSON(w, http.StatusOK, Ok(points))
}

// GetReadings 时间范围+测点过滤的分页读数列表
// 参数: point, start, end (RFC3339), page, page_size
func (h *BridgeHandler) GetReadings(w http.ResponseWriter, r *http.Request) {
	filters := filtersFromQuery(r)
	readings, err := h.repo.ListReadings(r.Context(), filters)
	if err != nil {
		h.fail(w, "readings", err)
		return
	}
	if readings == nil {
		readings = []models.SensorReading{}
	}
	writeJSON(w, http.StatusOK, Ok(readings))
}

// GetLatestPerPoint 时间窗口内每个测点的最新读数
// 参数: window (Go duration，默认1h)
func (h *BridgeHandler) GetLatestPerPoint(w http.ResponseWriter, r *http.Request) {
	window := parseDuration(r.URL.Query().Get("window"), time.Hour)
	readings, err := h.repo.LatestPerPoint(r.Context(), window)
	if err != nil {
		h.fail(w, "latest readings", err)
		return
	}
	if readings == nil {
		readings = []models.SensorReading{}
	}
	writeJSON(w, http.StatusOK, Ok(readings))
}

// GetExport 动态属性平铺后的扁平记录（序列化格式由前端导出层决定）
func (h *BridgeHandler) GetExport(w http.ResponseWriter, r *http.Request) {
	filters := filtersFromQuery(r)
	records, err := h.repo.FlattenedExport(r.Context(), filters)
	if err != nil {
		h.fail(w, "export", err)
		return
	}
	if records == nil {
		records = []map[string]interface{}{}
	}
	writeJSON(w, http.StatusOK, Ok(records))
}

func filtersFromQuery(r *http.Request) repository.ReadingFilters {
	q := r.URL.Query()
	return repository.ReadingFilters{
		PointKey:  q.Get("point"),
		StartTime: parseTime(q.Get("start")),
		EndTime:   parseTime(q.Get("end")),
		Page:      parseInt(q.Get("page"), 1),
		PageSize:  parseInt(q.Get("page_size"), 100),
	}
}

func (h *BridgeHandler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Error("Read query failed", zap.String("op", op), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
}
