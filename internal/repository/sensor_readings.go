package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"storage-bridge/internal/models"
)

// SensorReadingRepository sensor_readings 超表仓库
// 写路径只追加，既不更新也不删除；保留/压缩/聚合策略在 EnsureSchema 里
// 一次性配置到存储侧，之后写入路径对它们无感知
type SensorReadingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSensorReadingRepository 创建时序数据仓库
func NewSensorReadingRepository(db *sql.DB, logger *zap.Logger) *SensorReadingRepository {
	return &SensorReadingRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema 确保超表及其策略存在
// 处理初始化脚本没有执行到的情况（带旧卷重建容器、数据库被重建等）。
// quality 列不加 CHECK 约束：翻译器对枚举外的取值放行（只记日志），
// 存储侧如果再加硬约束会让这类行整条写失败
func (r *SensorReadingRepository) EnsureSchema(ctx context.Context) error {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = 'sensor_readings'
		)
	`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check sensor_readings table: %w", err)
	}

	if exists {
		r.logger.Info("sensor_readings table already exists")
		return nil
	}

	r.logger.Warn("sensor_readings table not found, creating schema")

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS timescaledb`,
		`CREATE TABLE IF NOT EXISTS sensor_readings (
			time TIMESTAMPTZ NOT NULL,
			haystack_name TEXT,
			dis TEXT,
			value DOUBLE PRECISION,
			units TEXT,
			quality TEXT,
			metadata JSONB DEFAULT '{}'::jsonb
		)`,
		`SELECT create_hypertable(
			'sensor_readings',
			'time',
			if_not_exists => TRUE,
			chunk_time_interval => INTERVAL '1 day'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_haystack_time
			ON sensor_readings (haystack_name, time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_time
			ON sensor_readings (time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_metadata
			ON sensor_readings USING GIN (metadata)`,
		`ALTER TABLE sensor_readings SET (
			timescaledb.compress,
			timescaledb.compress_segmentby = 'haystack_name',
			timescaledb.compress_orderby = 'time DESC'
		)`,
		`SELECT add_compression_policy(
			'sensor_readings',
			INTERVAL '6 hours',
			if_not_exists => TRUE
		)`,
		`SELECT add_retention_policy(
			'sensor_readings',
			INTERVAL '30 days',
			if_not_exists => TRUE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	if err := r.ensureRollup(ctx); err != nil {
		return err
	}

	r.logger.Info("sensor_readings hypertable created with indexes and policies")
	return nil
}

// ensureRollup 创建小时级连续聚合及其刷新策略
func (r *SensorReadingRepository) ensureRollup(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE MATERIALIZED VIEW IF NOT EXISTS sensor_readings_hourly
		WITH (timescaledb.continuous) AS
		SELECT
			time_bucket(INTERVAL '1 hour', time) AS bucket,
			haystack_name,
			AVG(value) AS avg_value,
			MIN(value) AS min_value,
			MAX(value) AS max_value,
			COUNT(*) AS sample_count
		FROM sensor_readings
		GROUP BY bucket, haystack_name
		WITH NO DATA
	`)
	if err != nil {
		return fmt.Errorf("failed to create hourly rollup: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		SELECT add_continuous_aggregate_policy(
			'sensor_readings_hourly',
			start_offset => INTERVAL '3 hours',
			end_offset => INTERVAL '1 hour',
			schedule_interval => INTERVAL '1 hour',
			if_not_exists => TRUE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to add rollup policy: %w", err)
	}
	return nil
}

// Insert 追加一条读数
func (r *SensorReadingRepository) Insert(ctx context.Context, reading *models.SensorReading) error {
	metadata := reading.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO sensor_readings (
			time, haystack_name, dis, value, units, quality, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7::jsonb
		)
	`

	_, err = r.db.ExecContext(ctx, query,
		reading.Time,
		nullString(reading.PointKey),
		nullString(reading.Dis),
		nullFloat(reading.Value),
		nullString(reading.Units),
		nullString(reading.Quality),
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sensor reading: %w", err)
	}
	return nil
}

// TotalCount 总行数
func (r *SensorReadingRepository) TotalCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sensor_readings`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sensor readings: %w", err)
	}
	return count, nil
}

// CountSince 某时间边界以来的行数
func (r *SensorReadingRepository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sensor_readings WHERE time >= $1`, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sensor readings since %s: %w", since, err)
	}
	return count, nil
}

// LatestTimestamp 最新一行的时间戳，表为空时返回nil
func (r *SensorReadingRepository) LatestTimestamp(ctx context.Context) (*time.Time, error) {
	var ts sql.NullTime
	err := r.db.QueryRowContext(ctx, `SELECT MAX(time) FROM sensor_readings`).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest timestamp: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Time, nil
}

// DistinctPoints 各测点的首末出现时间与行数
func (r *SensorReadingRepository) DistinctPoints(ctx context.Context) ([]models.PointSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT haystack_name, MIN(time), MAX(time), COUNT(*)
		FROM sensor_readings
		WHERE haystack_name IS NOT NULL
		GROUP BY haystack_name
		ORDER BY haystack_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct points: %w", err)
	}
	defer rows.Close()

	var points []models.PointSummary
	for rows.Next() {
		var p models.PointSummary
		if err := rows.Scan(&p.PointKey, &p.FirstSeen, &p.LastSeen, &p.Count); err != nil {
			return nil, fmt.Errorf("failed to scan point summary: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate point summaries: %w", err)
	}
	return points, nil
}

// LatestPerPoint 时间窗口内每个测点的最新一条读数
func (r *SensorReadingRepository) LatestPerPoint(ctx context.Context, window time.Duration) ([]models.SensorReading, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (haystack_name)
			time, haystack_name, dis, value, units, quality, metadata
		FROM sensor_readings
		WHERE time >= $1 AND haystack_name IS NOT NULL
		ORDER BY haystack_name, time DESC
	`, time.Now().UTC().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("failed to query latest per point: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows)
}

// ReadingFilters 读数列表查询条件
type ReadingFilters struct {
	PointKey  string
	StartTime *time.Time
	EndTime   *time.Time
	Page      int // 从1开始
	PageSize  int
}

// ListReadings 按时间范围和测点过滤的分页读数列表（按时间倒序）
func (r *SensorReadingRepository) ListReadings(ctx context.Context, filters ReadingFilters) ([]models.SensorReading, error) {
	var (
		where []string
		args  []interface{}
		argN  = 1
	)

	if filters.PointKey != "" {
		where = append(where, fmt.Sprintf("haystack_name = $%d", argN))
		args = append(args, filters.PointKey)
		argN++
	}
	if filters.StartTime != nil {
		where = append(where, fmt.Sprintf("time >= $%d", argN))
		args = append(args, *filters.StartTime)
		argN++
	}
	if filters.EndTime != nil {
		where = append(where, fmt.Sprintf("time <= $%d", argN))
		args = append(args, *filters.EndTime)
		argN++
	}

	query := `
		SELECT time, haystack_name, dis, value, units, quality, metadata
		FROM sensor_readings
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY time DESC"

	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sensor readings: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows)
}

// FlattenedExport 把动态属性合并进固定列后的扁平记录
// 只负责数据形态，CSV/JSON序列化格式是前端导出层的事
func (r *SensorReadingRepository) FlattenedExport(ctx context.Context, filters ReadingFilters) ([]map[string]interface{}, error) {
	readings, err := r.ListReadings(ctx, filters)
	if err != nil {
		return nil, err
	}

	records := make([]map[string]interface{}, 0, len(readings))
	for _, reading := range readings {
		record := map[string]interface{}{
			"time":          reading.Time,
			"haystack_name": reading.PointKey,
			"dis":           reading.Dis,
			"units":         reading.Units,
			"quality":       reading.Quality,
		}
		if reading.Value != nil {
			record["value"] = *reading.Value
		} else {
			record["value"] = nil
		}
		// 动态属性平铺进记录，固定列名优先
		for k, v := range reading.Metadata {
			if _, taken := record[k]; !taken {
				record[k] = v
			}
		}
		records = append(records, record)
	}
	return records, nil
}

// scanReadings 扫描多行读数
func scanReadings(rows *sql.Rows) ([]models.SensorReading, error) {
	var readings []models.SensorReading
	for rows.Next() {
		var (
			reading   models.SensorReading
			pointKey  sql.NullString
			dis       sql.NullString
			value     sql.NullFloat64
			units     sql.NullString
			quality   sql.NullString
			metadataB []byte
		)
		if err := rows.Scan(&reading.Time, &pointKey, &dis, &value, &units, &quality, &metadataB); err != nil {
			return nil, fmt.Errorf("failed to scan sensor reading: %w", err)
		}
		reading.PointKey = pointKey.String
		reading.Dis = dis.String
		reading.Units = units.String
		reading.Quality = quality.String
		if value.Valid {
			v := value.Float64
			reading.Value = &v
		}
		reading.Metadata = map[string]interface{}{}
		if len(metadataB) > 0 {
			if err := json.Unmarshal(metadataB, &reading.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sensor readings: %w", err)
	}
	return readings, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
