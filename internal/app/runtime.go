package app

import (
	"context"
	"fmt"
	"os"

	"fibermon/internal/collector"
	"fibermon/internal/config"
	"fibermon/internal/connection"
	"fibermon/internal/logging"
	"fibermon/internal/metrics"
	"fibermon/internal/output"
	"fibermon/internal/progress"
	"fibermon/internal/shutdown"
	"fibermon/internal/validation"

	"github.com/sirupsen/logrus"
)

// Runtime 一次运行所需的全部组件
type Runtime struct {
	Config     *config.Config
	Logger     *logrus.Logger
	Structured *logging.StructuredLogger
	Pool       *connection.ConnectionPool
	Collector  *collector.Collector
	Output     output.Output
	Progress   *progress.Manager
	Validator  *validation.Validator
	Database   *config.DatabaseConfig // 未设置 FIBERMON_DB_DSN 时为 nil
}

// NewLogger 命令行使用的 logrus 日志器
func NewLogger(verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

// New 按配置组装节点池、采集器、输出与进度存储
// 任一步骤失败时已创建的组件会被关闭
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Runtime, error) {
	metrics.Init()

	rt := &Runtime{Config: cfg, Logger: logger}
	if err := rt.build(ctx); err != nil {
		if cerr := rt.Close(); cerr != nil {
			logger.Warnf("释放已创建组件失败: %v", cerr)
		}
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) build(ctx context.Context) error {
	cfg, logger := rt.Config, rt.Logger

	var err error
	if rt.Structured, err = logging.NewStructuredLogger(cfg.Logging); err != nil {
		return fmt.Errorf("创建结构化日志失败: %w", err)
	}

	rt.Pool = connection.NewConnectionPool(cfg.Chain.Nodes, connection.NewPoolConfig(cfg.Collector), logger)
	if err = rt.Pool.Initialize(ctx); err != nil {
		return fmt.Errorf("初始化节点连接池失败: %w", err)
	}

	opts, err := collectorOptions(cfg)
	if err != nil {
		return err
	}
	rt.Collector = collector.NewCollector(rt.Pool, opts, logger)
	rt.Collector.SetStructuredLogger(rt.Structured)
	rt.Validator = validation.NewValidator(logger, cfg.Collector.StrictValidation)
	rt.Collector.SetValidator(rt.Validator)

	out, err := output.NewOutput(cfg.Output, logger)
	if err != nil {
		return fmt.Errorf("创建输出器失败: %w", err)
	}
	rt.Output = out
	rt.Collector.SetOutput(out)

	if rt.Progress, err = progress.NewManager(cfg.Progress.DBPath, logger); err != nil {
		return fmt.Errorf("创建进度管理器失败: %w", err)
	}
	rt.Collector.SetProgressManager(rt.Progress)

	if dsn := os.Getenv(config.EnvDatabaseDSN); dsn != "" {
		if rt.Database, err = config.NewDatabaseConfig(dsn, logger); err != nil {
			return fmt.Errorf("连接配置数据库失败: %w", err)
		}
	}
	return nil
}

func collectorOptions(cfg *config.Config) (collector.Options, error) {
	opts := collector.Options{
		Concurrency: cfg.Collector.Concurrency,
		Workers:     cfg.Collector.Workers,
		PageSize:    cfg.Collector.PageSize,
	}
	if cfg.Chain.CommitmentCodeHash != "" {
		codeHash, err := cfg.Chain.CodeHash()
		if err != nil {
			return opts, err
		}
		opts.CommitmentCodeHash = codeHash
	}
	udts, err := cfg.Chain.UDTScripts()
	if err != nil {
		return opts, err
	}
	opts.UDTs = udts
	return opts, nil
}

// OpenProgress 只打开进度数据库，供不需要连接节点的命令使用
func OpenProgress(cfg *config.Config, logger *logrus.Logger) (*progress.Manager, error) {
	return progress.NewManager(cfg.Progress.DBPath, logger)
}

// RegisterShutdown 按停机顺序注册各组件的关闭
func (rt *Runtime) RegisterShutdown(gs *shutdown.GracefulShutdown) {
	if rt.Output != nil {
		gs.RegisterCloser("output", shutdown.OrderFlushOutput, rt.Output)
	}
	if rt.Pool != nil {
		gs.RegisterCloser("node-pool", shutdown.OrderCloseNodes, rt.Pool)
	}
	if rt.Progress != nil {
		gs.RegisterCloser("progress", shutdown.OrderCloseProgress, rt.Progress)
	}
	if rt.Database != nil {
		gs.RegisterCloser("config-db", shutdown.OrderCloseProgress, rt.Database)
	}
	if rt.Structured != nil {
		gs.RegisterCloser("structured-log", shutdown.OrderCloseLogging, rt.Structured)
	}
}

// Close 按相同顺序直接关闭，命令行一次性任务使用
func (rt *Runtime) Close() error {
	gs := shutdown.NewGracefulShutdown(0, rt.Logger)
	rt.RegisterShutdown(gs)
	return gs.Shutdown()
}
