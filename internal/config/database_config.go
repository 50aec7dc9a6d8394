package config

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DatabaseConfig 数据库配置管理器，保存节点列表与UDT注册表
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return NewDatabaseConfigWithDB(db, logger), nil
}

// NewDatabaseConfigWithDB 使用已有连接创建配置管理器
func NewDatabaseConfigWithDB(db *sql.DB, logger *logrus.Logger) *DatabaseConfig {
	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}
}

// Overlay 用数据库中的节点、UDT与采集器配置覆盖已有配置，表为空时保留原值
func (dc *DatabaseConfig) Overlay(config *Config) error {
	nodes, err := dc.loadNodes()
	if err != nil {
		return fmt.Errorf("加载节点配置失败: %w", err)
	}
	if len(nodes) > 0 {
		config.Chain.Nodes = nodes
	}

	udts, err := dc.ListUDTs(context.Background())
	if err != nil {
		return fmt.Errorf("加载UDT配置失败: %w", err)
	}
	if len(udts) > 0 {
		config.Chain.UDTs = udts
	}

	if err := dc.overlayCollectorConfig(config.Collector); err != nil {
		return fmt.Errorf("加载采集器配置失败: %w", err)
	}

	return config.Validate()
}

// loadNodes 加载节点配置
func (dc *DatabaseConfig) loadNodes() ([]*NodeConfig, error) {
	query := `SELECT name, url, rate_limit, priority FROM fiber_nodes WHERE is_active = true ORDER BY priority`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeConfig
	for rows.Next() {
		var node NodeConfig
		if err := rows.Scan(&node.Name, &node.URL, &node.RateLimit, &node.Priority); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}

	return nodes, rows.Err()
}

// overlayCollectorConfig 覆盖采集器配置
func (dc *DatabaseConfig) overlayCollectorConfig(config *CollectorConfig) error {
	if config == nil {
		return nil
	}

	values, err := dc.ListConfigs("collector")
	if err != nil {
		return err
	}

	for key, value := range values {
		switch key {
		case "concurrency":
			if v, err := strconv.Atoi(value); err == nil {
				config.Concurrency = v
			}
		case "workers":
			if v, err := strconv.Atoi(value); err == nil {
				config.Workers = v
			}
		case "retry_limit":
			if v, err := strconv.Atoi(value); err == nil {
				config.RetryLimit = v
			}
		case "page_size":
			if v, err := strconv.Atoi(value); err == nil {
				config.PageSize = v
			}
		case "timeout":
			config.Timeout = value
		case "cache_ttl":
			config.CacheTTL = value
		default:
			dc.logger.Debugf("忽略未知的采集器配置项: %s", key)
		}
	}

	return nil
}

// ListUDTs 列出已注册的UDT
func (dc *DatabaseConfig) ListUDTs(ctx context.Context) ([]*UDTConfig, error) {
	query := `SELECT name, code_hash, hash_type, args FROM udt_scripts WHERE is_active = true ORDER BY name`
	rows, err := dc.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var udts []*UDTConfig
	for rows.Next() {
		var udt UDTConfig
		if err := rows.Scan(&udt.Name, &udt.CodeHash, &udt.HashType, &udt.Args); err != nil {
			return nil, err
		}
		udts = append(udts, &udt)
	}

	return udts, rows.Err()
}

// UpsertUDT 注册或更新UDT
func (dc *DatabaseConfig) UpsertUDT(ctx context.Context, udt *UDTConfig) error {
	if _, err := udt.Script(); err != nil {
		return err
	}

	query := `
		INSERT INTO udt_scripts (name, code_hash, hash_type, args, is_active, updated_at)
		VALUES ($1, $2, $3, $4, true, CURRENT_TIMESTAMP)
		ON CONFLICT (name)
		DO UPDATE SET code_hash = $2, hash_type = $3, args = $4, is_active = true, updated_at = CURRENT_TIMESTAMP
	`
	_, err := dc.DB.ExecContext(ctx, query, udt.Name, udt.CodeHash, udt.HashType, udt.Args)
	return err
}

// DeleteUDT 停用UDT
func (dc *DatabaseConfig) DeleteUDT(ctx context.Context, name string) error {
	result, err := dc.DB.ExecContext(ctx, `UPDATE udt_scripts SET is_active = false, updated_at = CURRENT_TIMESTAMP WHERE name = $1`, name)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func configTable(configType string) (string, error) {
	switch configType {
	case "collector":
		return "collector_config", nil
	default:
		return "", fmt.Errorf("不支持的配置类型: %s", configType)
	}
}

// ListConfigs 列出所有配置
func (dc *DatabaseConfig) ListConfigs(configType string) (map[string]string, error) {
	tableName, err := configTable(configType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT config_key, config_value FROM %s WHERE is_active = true`, tableName)
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		configs[key] = value
	}

	return configs, rows.Err()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
