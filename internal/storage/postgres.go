package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/oriys/interceptor/internal/config"
	"github.com/oriys/interceptor/internal/domain"
)

// uniqueViolation 是 PostgreSQL 唯一约束冲突的错误码
const uniqueViolation = "23505"

// schema 是启动时执行的建表语句
const schema = `
CREATE TABLE IF NOT EXISTS scripts (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	code        TEXT NOT NULL,
	runtime     TEXT NOT NULL DEFAULT 'javascript',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS traffic_records (
	seq              BIGSERIAL PRIMARY KEY,
	id               TEXT NOT NULL UNIQUE,
	method           TEXT NOT NULL,
	url              TEXT NOT NULL,
	request_headers  JSONB NOT NULL,
	request_body     JSONB,
	status_code      INTEGER NOT NULL,
	response_headers JSONB NOT NULL,
	response_body    JSONB,
	origin           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL
);

ALTER TABLE traffic_records ADD COLUMN IF NOT EXISTS request_body_encoding TEXT NOT NULL DEFAULT '';
ALTER TABLE traffic_records ADD COLUMN IF NOT EXISTS response_body_encoding TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS idx_traffic_records_created_at ON traffic_records (created_at DESC, seq DESC);

CREATE TABLE IF NOT EXISTS proxy_config (
	id                     INTEGER PRIMARY KEY CHECK (id = 1),
	target_hostname        TEXT NOT NULL,
	target_port            INTEGER NOT NULL,
	request_modifications  JSONB NOT NULL,
	response_modifications JSONB NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL
);
`

// PostgresStore 是基于 PostgreSQL 的文档存储实现。
// 名称唯一性由数据库 UNIQUE 约束保证，并发创建时只有一个会成功。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 连接 PostgreSQL 并确保表结构存在
func NewPostgresStore(cfg config.PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(cfg.MaxConnections / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Ping 检查数据库连接
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭连接池
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// ========== 脚本 ==========

// CreateScript 插入脚本，名称冲突映射为 domain.ErrScriptExists
func (s *PostgresStore) CreateScript(ctx context.Context, sc *domain.Script) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scripts (id, name, description, code, runtime, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sc.ID, sc.Name, sc.Description, sc.Code, string(sc.Runtime), sc.CreatedAt, sc.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrScriptExists
	}
	return domain.Persistence("create script", err)
}

const scriptColumns = `id, name, description, code, runtime, created_at, updated_at`

// GetScript 按 ID 获取脚本
func (s *PostgresStore) GetScript(ctx context.Context, id string) (*domain.Script, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = $1`, id)
	return scanScript(row)
}

// GetScriptByName 按名称获取脚本
func (s *PostgresStore) GetScriptByName(ctx context.Context, name string) (*domain.Script, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE name = $1`, name)
	return scanScript(row)
}

// UpdateScript 更新脚本
func (s *PostgresStore) UpdateScript(ctx context.Context, sc *domain.Script) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scripts SET name = $2, description = $3, code = $4, runtime = $5, updated_at = $6
		WHERE id = $1`,
		sc.ID, sc.Name, sc.Description, sc.Code, string(sc.Runtime), sc.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrScriptExists
	}
	if err != nil {
		return domain.Persistence("update script", err)
	}
	return requireAffected(res, domain.ErrScriptNotFound)
}

// DeleteScript 删除脚本
func (s *PostgresStore) DeleteScript(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE id = $1`, id)
	if err != nil {
		return domain.Persistence("delete script", err)
	}
	return requireAffected(res, domain.ErrScriptNotFound)
}

// ListScripts 按更新时间倒序分页列出脚本
func (s *PostgresStore) ListScripts(ctx context.Context, offset, limit int) ([]*domain.Script, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scripts`).Scan(&total); err != nil {
		return nil, 0, domain.Persistence("count scripts", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scriptColumns+` FROM scripts
		ORDER BY updated_at DESC, name ASC
		OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, 0, domain.Persistence("list scripts", err)
	}
	defer rows.Close()

	scripts := make([]*domain.Script, 0)
	for rows.Next() {
		sc, err := scanScript(rows)
		if err != nil {
			return nil, 0, err
		}
		scripts = append(scripts, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, domain.Persistence("list scripts", err)
	}
	return scripts, total, nil
}

// rowScanner 抽象 *sql.Row 与 *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanScript(row rowScanner) (*domain.Script, error) {
	var sc domain.Script
	var runtime string
	err := row.Scan(&sc.ID, &sc.Name, &sc.Description, &sc.Code, &runtime, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrScriptNotFound
	}
	if err != nil {
		return nil, domain.Persistence("scan script", err)
	}
	sc.Runtime = domain.ScriptRuntime(runtime)
	return &sc, nil
}

// ========== 流量记录 ==========

// InsertTraffic 追加一条流量记录，序号由 BIGSERIAL 分配
func (s *PostgresStore) InsertTraffic(ctx context.Context, rec *domain.TrafficRecord) error {
	reqHeaders, err := json.Marshal(rec.RequestHeaders)
	if err != nil {
		return domain.Persistence("insert traffic", err)
	}
	respHeaders, err := json.Marshal(rec.ResponseHeaders)
	if err != nil {
		return domain.Persistence("insert traffic", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO traffic_records
			(id, method, url, request_headers, request_body, request_body_encoding, status_code,
			 response_headers, response_body, response_body_encoding, origin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq`,
		rec.ID, string(rec.Method), rec.URL, string(reqHeaders), nullableJSON(rec.RequestBody), string(rec.RequestBodyEncoding),
		rec.StatusCode, string(respHeaders), nullableJSON(rec.ResponseBody), string(rec.ResponseBodyEncoding),
		string(rec.Origin), rec.CreatedAt,
	).Scan(&rec.Seq)
	return domain.Persistence("insert traffic", err)
}

// QueryTraffic 过滤、排序并分页返回流量记录
func (s *PostgresStore) QueryTraffic(ctx context.Context, q *domain.TrafficQuery) ([]*domain.TrafficRecord, error) {
	if q.Offset() < 0 {
		return []*domain.TrafficRecord{}, nil
	}
	conds := []string{"created_at >= $1", "created_at <= $2"}
	args := []interface{}{q.StartDate, q.EndDate}

	if q.TargetURL != "" {
		args = append(args, "%"+escapeLike(q.TargetURL)+"%")
		conds = append(conds, fmt.Sprintf("url ILIKE $%d ESCAPE '\\'", len(args)))
	}
	if q.Method != "" {
		args = append(args, string(q.Method))
		conds = append(conds, fmt.Sprintf("method = $%d", len(args)))
	}
	args = append(args, q.Offset(), q.Limit)

	query := fmt.Sprintf(`
		SELECT seq, id, method, url, request_headers, request_body, request_body_encoding, status_code,
		       response_headers, response_body, response_body_encoding, origin, created_at
		FROM traffic_records
		WHERE %s
		ORDER BY created_at DESC, seq DESC
		OFFSET $%d LIMIT $%d`,
		strings.Join(conds, " AND "), len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Persistence("query traffic", err)
	}
	defer rows.Close()

	records := make([]*domain.TrafficRecord, 0)
	for rows.Next() {
		var rec domain.TrafficRecord
		var method, origin, reqEnc, respEnc string
		var reqHeaders, respHeaders []byte
		var reqBody, respBody []byte
		if err := rows.Scan(&rec.Seq, &rec.ID, &method, &rec.URL, &reqHeaders, &reqBody, &reqEnc, &rec.StatusCode,
			&respHeaders, &respBody, &respEnc, &origin, &rec.CreatedAt); err != nil {
			return nil, domain.Persistence("scan traffic", err)
		}
		rec.Method = domain.Method(method)
		rec.RequestBodyEncoding = domain.BodyEncoding(reqEnc)
		rec.ResponseBodyEncoding = domain.BodyEncoding(respEnc)
		rec.Origin = domain.Origin(origin)
		if err := json.Unmarshal(reqHeaders, &rec.RequestHeaders); err != nil {
			return nil, domain.Persistence("decode traffic", err)
		}
		if err := json.Unmarshal(respHeaders, &rec.ResponseHeaders); err != nil {
			return nil, domain.Persistence("decode traffic", err)
		}
		if len(reqBody) > 0 {
			rec.RequestBody = json.RawMessage(reqBody)
		}
		if len(respBody) > 0 {
			rec.ResponseBody = json.RawMessage(respBody)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Persistence("query traffic", err)
	}
	return records, nil
}

// DeleteTrafficBefore 删除早于指定时间的记录
func (s *PostgresStore) DeleteTrafficBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM traffic_records WHERE created_at < $1`, before)
	if err != nil {
		return 0, domain.Persistence("purge traffic", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.Persistence("purge traffic", err)
	}
	return n, nil
}

// CountTraffic 返回记录总数
func (s *PostgresStore) CountTraffic(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traffic_records`).Scan(&n); err != nil {
		return 0, domain.Persistence("count traffic", err)
	}
	return n, nil
}

// ========== 代理配置 ==========

// GetProxyConfig 读取单例代理配置
func (s *PostgresStore) GetProxyConfig(ctx context.Context) (*domain.ProxyConfiguration, error) {
	var cfg domain.ProxyConfiguration
	var reqRules, respRules []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT target_hostname, target_port, request_modifications, response_modifications, updated_at
		FROM proxy_config WHERE id = 1`,
	).Scan(&cfg.TargetHostname, &cfg.TargetPort, &reqRules, &respRules, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrConfigNotFound
	}
	if err != nil {
		return nil, domain.Persistence("get proxy config", err)
	}
	if err := json.Unmarshal(reqRules, &cfg.RequestModifications); err != nil {
		return nil, domain.Persistence("decode proxy config", err)
	}
	if err := json.Unmarshal(respRules, &cfg.ResponseModifications); err != nil {
		return nil, domain.Persistence("decode proxy config", err)
	}
	return &cfg, nil
}

// SaveProxyConfig 插入或覆盖单例代理配置
func (s *PostgresStore) SaveProxyConfig(ctx context.Context, cfg *domain.ProxyConfiguration) error {
	reqRules, err := json.Marshal(cfg.RequestModifications)
	if err != nil {
		return domain.Persistence("save proxy config", err)
	}
	respRules, err := json.Marshal(cfg.ResponseModifications)
	if err != nil {
		return domain.Persistence("save proxy config", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proxy_config (id, target_hostname, target_port, request_modifications, response_modifications, updated_at)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			target_hostname = EXCLUDED.target_hostname,
			target_port = EXCLUDED.target_port,
			request_modifications = EXCLUDED.request_modifications,
			response_modifications = EXCLUDED.response_modifications,
			updated_at = EXCLUDED.updated_at`,
		cfg.TargetHostname, cfg.TargetPort, string(reqRules), string(respRules), cfg.UpdatedAt)
	return domain.Persistence("save proxy config", err)
}

// ========== 辅助函数 ==========

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Persistence("rows affected", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// nullableJSON 将缺省消息体转换为 SQL NULL，JSON 以文本参数传递
func nullableJSON(b json.RawMessage) interface{} {
	if domain.IsEmptyBody(b) {
		return nil
	}
	return string(b)
}

// escapeLike 转义 LIKE 模式中的通配符
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
