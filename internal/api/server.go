package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"fibermon/internal/collector"
	"fibermon/internal/connection"
	fiberrors "fibermon/internal/errors"
	"fibermon/internal/progress"
	"fibermon/internal/validation"
	"fibermon/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const maxBatchTrace = 100

// NodeStatter 提供节点状态，ConnectionPool 实现
type NodeStatter interface {
	GetStats() []connection.NodeStats
	CheckNow(ctx context.Context)
}

// Dependencies API 依赖，Progress 与 Nodes 可为空
type Dependencies struct {
	Collector *collector.Collector
	Nodes     NodeStatter
	Progress  *progress.Manager
	UDTStore  UDTStore
	Validator *validation.Validator
}

// Server API服务器
type Server struct {
	collector     *collector.Collector
	nodes         NodeStatter
	progress      *progress.Manager
	configManager *ConfigManager
	validator     *validation.Validator
	logger        *logrus.Logger
	logManager    *LogManager
	server        *http.Server
	router        *gin.Engine
	mu            sync.Mutex
	startTime     time.Time
	port          int
}

// NewServer 创建新的API服务器
func NewServer(deps Dependencies, logger *logrus.Logger, port, logBufferSize int) *Server {
	logManager := NewLogManager(logBufferSize)
	logger.AddHook(NewLogHook(logManager))

	store := deps.UDTStore
	if store == nil {
		store = NewMemoryUDTStore(nil)
	}

	validator := deps.Validator
	if validator == nil {
		validator = validation.NewValidator(logger, false)
	}

	if deps.Collector != nil && deps.Progress != nil {
		deps.Collector.SetProgressManager(deps.Progress)
	}

	s := &Server{
		collector:     deps.Collector,
		nodes:         deps.Nodes,
		progress:      deps.Progress,
		configManager: NewConfigManager(store, deps.Collector, logger),
		validator:     validator,
		logger:        logger,
		logManager:    logManager,
		startTime:     time.Now(),
		port:          port,
	}
	s.router = s.newRouter()
	return s
}

// Handler 返回路由，测试中直接使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// ConfigManager 返回UDT注册表管理器
func (s *Server) ConfigManager() *ConfigManager {
	return s.configManager
}

// Start 启动API服务器，阻塞直到关闭
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Infof("API服务器启动在端口 %d", s.port)
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("正在关闭API服务器...")
	return srv.Shutdown(ctx)
}

func (s *Server) newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})
	router.Use(s.requestLogger())
	router.Use(gin.Recovery())

	s.setupRoutes(router)
	return router
}

// requestLogger 以 debug 级别记录每个请求
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("HTTP请求")
	}
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/nodes", s.getNodes)
		api.POST("/nodes/check", s.checkNodes)

		api.GET("/tx/:hash", s.getTxMessage)
		api.GET("/channels/:hash/trace", s.traceChannel)
		api.POST("/channels/trace", s.traceChannels)
		api.POST("/balance", s.getBalance)

		api.GET("/traces", s.listTraces)
		api.GET("/traces/:hash", s.getTrace)
		api.GET("/errors", s.getErrorStats)
		api.DELETE("/errors", s.clearErrorStats)

		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		api.GET("/udts", s.configManager.GetUDTs)
		api.PUT("/udts", s.configManager.UpdateUDT)
		api.DELETE("/udts/:name", s.configManager.DeleteUDT)
	}
}

// statusFor 把错误映射为HTTP状态码
func statusFor(err error) int {
	switch {
	case fiberrors.IsNotFound(err):
		return http.StatusNotFound
	case fiberrors.IsType(err, fiberrors.ErrorTypeValidation):
		return http.StatusBadRequest
	case stderrors.Is(err, context.DeadlineExceeded), fiberrors.IsType(err, fiberrors.ErrorTypeTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func errorBody(err error) gin.H {
	fe := fiberrors.Classify(err)
	return gin.H{
		"error":      err.Error(),
		"error_type": fe.Type.String(),
		"code":       fe.Code,
	}
}

// hashParam 解析路径中的哈希，失败时已写入响应
func (s *Server) hashParam(c *gin.Context) (common.Hash, bool) {
	hash, err := validation.ParseHash(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return common.Hash{}, false
	}
	return hash, true
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	status := "healthy"
	healthy := 0
	if s.nodes != nil {
		stats := s.nodes.GetStats()
		for _, n := range stats {
			if n.IsHealthy {
				healthy++
			}
		}
		if healthy == 0 {
			status = "degraded"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        status,
		"healthy_nodes": healthy,
		"uptime":        time.Since(s.startTime).Round(time.Second).String(),
		"timestamp":     time.Now().Unix(),
		"service":       "fibermon-api",
		"validation":    s.validator.GetValidationStats(),
	})
}

// getNodes 获取节点状态
func (s *Server) getNodes(c *gin.Context) {
	if s.nodes == nil {
		c.JSON(http.StatusOK, gin.H{
			"nodes":   []connection.NodeStats{},
			"total":   0,
			"message": "未配置任何节点",
		})
		return
	}

	stats := s.nodes.GetStats()
	healthy := 0
	for _, n := range stats {
		if n.IsHealthy {
			healthy++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"nodes":   stats,
		"total":   len(stats),
		"healthy": healthy,
	})
}

// checkNodes 立即执行一次健康检查并返回最新状态
func (s *Server) checkNodes(c *gin.Context) {
	if s.nodes != nil {
		s.nodes.CheckNow(c.Request.Context())
	}
	s.getNodes(c)
}

// getTxMessage 获取交易摘要
func (s *Server) getTxMessage(c *gin.Context) {
	hash, ok := s.hashParam(c)
	if !ok {
		return
	}

	msg, err := s.collector.BuildTxMessage(c.Request.Context(), hash)
	if err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, msg)
}

// traceChannel 追踪单个通道，失败时仍返回已追踪的部分
func (s *Server) traceChannel(c *gin.Context) {
	hash, ok := s.hashParam(c)
	if !ok {
		return
	}

	items, err := s.collector.Trace(c.Request.Context(), hash, nil)
	if err != nil {
		body := errorBody(err)
		body["items"] = items
		body["steps"] = len(items)
		c.JSON(statusFor(err), body)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"open_tx_hash": hash,
		"steps":        len(items),
		"items":        items,
	})
}

// traceChannels 批量追踪通道
func (s *Server) traceChannels(c *gin.Context) {
	var req struct {
		Hashes []string `json:"hashes" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "message": err.Error()})
		return
	}
	if len(req.Hashes) > maxBatchTrace {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("单次最多追踪 %d 个通道", maxBatchTrace)})
		return
	}

	hashes := make([]common.Hash, 0, len(req.Hashes))
	for _, h := range req.Hashes {
		hash, err := validation.ParseHash(h)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err))
			return
		}
		hashes = append(hashes, hash)
	}

	result, err := s.collector.TraceBatch(c.Request.Context(), hashes)
	if err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, result)
}

// balanceRequest 锁脚本
type balanceRequest struct {
	CodeHash string `json:"code_hash" binding:"required"`
	HashType string `json:"hash_type" binding:"required"`
	Args     string `json:"args"`
}

// getBalance 查询锁脚本下的账户余额
func (s *Server) getBalance(c *gin.Context) {
	var req balanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "message": err.Error()})
		return
	}

	codeHash, err := validation.ParseHash(req.CodeHash)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	args := hexutil.Bytes{}
	if req.Args != "" {
		if args, err = hexutil.Decode(req.Args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "args 不是有效的十六进制", "message": err.Error()})
			return
		}
	}
	lock := &models.Script{CodeHash: codeHash, HashType: models.HashType(req.HashType), Args: args}
	if result := s.validator.ValidateScript(lock); !result.Valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "锁脚本无效", "details": result.Errors})
		return
	}

	balance, err := s.collector.AccountBalance(c.Request.Context(), lock)
	if err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, balance)
}

// listTraces 列出追踪进度
func (s *Server) listTraces(c *gin.Context) {
	if s.progress == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "未启用进度存储"})
		return
	}

	traces, err := s.progress.ListTraces()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if status := c.Query("status"); status != "" {
		filtered := make([]*progress.TraceProgress, 0, len(traces))
		for _, t := range traces {
			if t.Status == status {
				filtered = append(filtered, t)
			}
		}
		traces = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"traces": traces,
		"total":  len(traces),
		"stats":  s.progress.GetStats(),
	})
}

// getTrace 获取单个通道的追踪进度
func (s *Server) getTrace(c *gin.Context) {
	if s.progress == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "未启用进度存储"})
		return
	}
	hash, ok := s.hashParam(c)
	if !ok {
		return
	}

	p, err := s.progress.GetTrace(hash)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "没有该通道的追踪记录"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// getErrorStats 获取批量追踪的错误统计
func (s *Server) getErrorStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.collector.ErrorHandler().GetStats())
}

// clearErrorStats 清空错误统计
func (s *Server) clearErrorStats(c *gin.Context) {
	s.collector.ErrorHandler().ClearStats()
	c.JSON(http.StatusOK, gin.H{"message": "错误统计已清空"})
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(level, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()

	c.JSON(http.StatusOK, gin.H{
		"message": "日志已清空",
	})
}
