package config

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"fibermon/pkg/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testCodeHash = "0x" + strings.Repeat("ab", 32)
	testUDTHash  = "0x" + strings.Repeat("cd", 32)
)

func TestGetDefaultConfig(t *testing.T) {
	config := GetDefaultConfig()

	assert.NotNil(t, config.Chain)
	assert.NotNil(t, config.Collector)
	assert.NotNil(t, config.Output)
	assert.NotNil(t, config.Progress)
	assert.NotNil(t, config.API)
	assert.NotNil(t, config.Logging)

	// 节点配置
	require.NotEmpty(t, config.Chain.Nodes)
	assert.Equal(t, "local_node", config.Chain.Nodes[0].Name)
	assert.Equal(t, 1, config.Chain.Nodes[0].Priority)

	// 采集器配置
	assert.Equal(t, 8, config.Collector.Concurrency)
	assert.Equal(t, 4, config.Collector.Workers)
	assert.Equal(t, 100, config.Collector.PageSize)

	// 输出配置
	assert.Equal(t, "file", config.Output.Format)
	assert.Contains(t, config.Output.Kafka.Topics, "traces")

	assert.NoError(t, config.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	yaml := `
chain:
  commitment_code_hash: "` + testCodeHash + `"
  nodes:
    - name: mainnet
      url: https://mainnet.ckb.dev
      rate_limit: 20
      priority: 1
  udts:
    - name: RUSD
      code_hash: "` + testUDTHash + `"
      hash_type: type
      args: "0x01"
collector:
  concurrency: 16
  page_size: 50
output:
  format: kafka
  kafka:
    brokers: ["kafka:9092"]
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	require.Len(t, config.Chain.Nodes, 1)
	assert.Equal(t, "mainnet", config.Chain.Nodes[0].Name)
	assert.Equal(t, 20, config.Chain.Nodes[0].RateLimit)
	assert.Equal(t, 16, config.Collector.Concurrency)
	assert.Equal(t, 50, config.Collector.PageSize)
	// 未配置的字段保留默认值
	assert.Equal(t, 4, config.Collector.Workers)
	assert.Equal(t, "kafka", config.Output.Format)
	assert.Equal(t, []string{"kafka:9092"}, config.Output.Kafka.Brokers)

	codeHash, err := config.Chain.CodeHash()
	require.NoError(t, err)
	assert.Equal(t, testCodeHash, codeHash.Hex())

	scripts, err := config.Chain.UDTScripts()
	require.NoError(t, err)
	require.Len(t, scripts, 1)
	assert.Equal(t, "RUSD", scripts[0].Name)
	assert.Equal(t, models.HashTypeType, scripts[0].Script.HashType)
	assert.Equal(t, []byte{0x01}, []byte(scripts[0].Script.Args))
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"没有节点", func(c *Config) { c.Chain.Nodes = nil }},
		{"节点缺少URL", func(c *Config) { c.Chain.Nodes[0].URL = "" }},
		{"负数限流", func(c *Config) { c.Chain.Nodes[0].RateLimit = -1 }},
		{"code hash 长度错误", func(c *Config) { c.Chain.CommitmentCodeHash = "0x1234" }},
		{"并发度为0", func(c *Config) { c.Collector.Concurrency = 0 }},
		{"分页大小为0", func(c *Config) { c.Collector.PageSize = 0 }},
		{"无效超时", func(c *Config) { c.Collector.Timeout = "soon" }},
		{"未知输出格式", func(c *Config) { c.Output.Format = "csv" }},
		{"Kafka缺少broker", func(c *Config) {
			c.Output.Format = "kafka"
			c.Output.Kafka.Brokers = nil
		}},
		{"UDT hash_type 无效", func(c *Config) {
			c.Chain.UDTs = []*UDTConfig{{Name: "X", CodeHash: testUDTHash, HashType: "bogus"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := GetDefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestUDTConfigScript(t *testing.T) {
	script, err := (&UDTConfig{Name: "X", CodeHash: testUDTHash, HashType: "Data1"}).Script()
	require.NoError(t, err)
	assert.Equal(t, models.HashTypeData1, script.HashType)
	assert.Empty(t, script.Args)

	_, err = (&UDTConfig{Name: "X", CodeHash: "0x12", HashType: "type"}).Script()
	assert.Error(t, err)

	_, err = (&UDTConfig{Name: "X", CodeHash: testUDTHash, HashType: "type", Args: "zz"}).Script()
	assert.Error(t, err)
}

func TestCollectorDurations(t *testing.T) {
	c := &CollectorConfig{Timeout: "5s", CacheTTL: "bad", HealthCheckInterval: "-1s"}
	timeout, ttl, health := c.Durations()

	assert.Equal(t, 5*time.Second, timeout)
	assert.Equal(t, 10*time.Minute, ttl)
	assert.Equal(t, 30*time.Second, health)
}

func newMockDatabaseConfig(t *testing.T) (*DatabaseConfig, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewDatabaseConfigWithDB(db, logger), mock
}

func TestDatabaseConfig_Overlay(t *testing.T) {
	dc, mock := newMockDatabaseConfig(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT name, url, rate_limit, priority FROM fiber_nodes`)).
		WillReturnRows(sqlmock.NewRows([]string{"name", "url", "rate_limit", "priority"}).
			AddRow("db_node_a", "http://a:8114", 50, 1).
			AddRow("db_node_b", "http://b:8114", 0, 2))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT name, code_hash, hash_type, args FROM udt_scripts`)).
		WillReturnRows(sqlmock.NewRows([]string{"name", "code_hash", "hash_type", "args"}).
			AddRow("RUSD", testUDTHash, "type", "0x01"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT config_key, config_value FROM collector_config`)).
		WillReturnRows(sqlmock.NewRows([]string{"config_key", "config_value"}).
			AddRow("concurrency", "32").
			AddRow("page_size", "not-a-number").
			AddRow("unknown", "x"))

	config := GetDefaultConfig()
	require.NoError(t, dc.Overlay(config))

	require.Len(t, config.Chain.Nodes, 2)
	assert.Equal(t, "db_node_a", config.Chain.Nodes[0].Name)
	assert.Equal(t, 50, config.Chain.Nodes[0].RateLimit)
	require.Len(t, config.Chain.UDTs, 1)
	assert.Equal(t, "RUSD", config.Chain.UDTs[0].Name)
	assert.Equal(t, 32, config.Collector.Concurrency)
	assert.Equal(t, 100, config.Collector.PageSize) // 非法值被忽略

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseConfig_OverlayKeepsFileNodesWhenEmpty(t *testing.T) {
	dc, mock := newMockDatabaseConfig(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM fiber_nodes`)).
		WillReturnRows(sqlmock.NewRows([]string{"name", "url", "rate_limit", "priority"}))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM udt_scripts`)).
		WillReturnRows(sqlmock.NewRows([]string{"name", "code_hash", "hash_type", "args"}))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM collector_config`)).
		WillReturnRows(sqlmock.NewRows([]string{"config_key", "config_value"}))

	config := GetDefaultConfig()
	require.NoError(t, dc.Overlay(config))
	assert.Equal(t, "local_node", config.Chain.Nodes[0].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseConfig_UpsertUDT(t *testing.T) {
	dc, mock := newMockDatabaseConfig(t)

	udt := &UDTConfig{Name: "RUSD", CodeHash: testUDTHash, HashType: "type", Args: "0x01"}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO udt_scripts`)).
		WithArgs(udt.Name, udt.CodeHash, udt.HashType, udt.Args).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, dc.UpsertUDT(context.Background(), udt))

	// 无效的脚本在写库前被拒绝
	assert.Error(t, dc.UpsertUDT(context.Background(), &UDTConfig{Name: "bad", CodeHash: "0x01", HashType: "type"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseConfig_DeleteUDT(t *testing.T) {
	dc, mock := newMockDatabaseConfig(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE udt_scripts SET is_active = false`)).
		WithArgs("RUSD").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE udt_scripts SET is_active = false`)).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, dc.DeleteUDT(context.Background(), "RUSD"))
	assert.ErrorIs(t, dc.DeleteUDT(context.Background(), "missing"), sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseConfig_UnsupportedConfigType(t *testing.T) {
	dc, _ := newMockDatabaseConfig(t)

	_, err := dc.ListConfigs("system")
	assert.Error(t, err)
}
