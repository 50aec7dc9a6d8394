package api

import (
	"context"
	"database/sql"
	stderrors "errors"
	"net/http"
	"sync"

	"fibermon/internal/config"
	"fibermon/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// UDTStore UDT 注册表存储，DatabaseConfig 与 MemoryUDTStore 均实现
type UDTStore interface {
	ListUDTs(ctx context.Context) ([]*config.UDTConfig, error)
	UpsertUDT(ctx context.Context, udt *config.UDTConfig) error
	DeleteUDT(ctx context.Context, name string) error
}

var _ UDTStore = (*config.DatabaseConfig)(nil)

// MemoryUDTStore 未配置数据库时使用的内存注册表
type MemoryUDTStore struct {
	mu   sync.RWMutex
	udts []*config.UDTConfig
}

// NewMemoryUDTStore 以文件配置中的 UDT 初始化
func NewMemoryUDTStore(initial []*config.UDTConfig) *MemoryUDTStore {
	s := &MemoryUDTStore{}
	for _, u := range initial {
		copied := *u
		s.udts = append(s.udts, &copied)
	}
	return s
}

func (s *MemoryUDTStore) ListUDTs(_ context.Context) ([]*config.UDTConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*config.UDTConfig, len(s.udts))
	copy(out, s.udts)
	return out, nil
}

func (s *MemoryUDTStore) UpsertUDT(_ context.Context, udt *config.UDTConfig) error {
	if _, err := udt.Script(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *udt
	for i, existing := range s.udts {
		if existing.Name == udt.Name {
			s.udts[i] = &copied
			return nil
		}
	}
	s.udts = append(s.udts, &copied)
	return nil
}

func (s *MemoryUDTStore) DeleteUDT(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.udts {
		if existing.Name == name {
			s.udts = append(s.udts[:i], s.udts[i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

// UDTSink 接收注册表变更
type UDTSink interface {
	SetUDTs(udts []models.UDTScript)
}

// ConfigManager UDT 注册表管理
type ConfigManager struct {
	store  UDTStore
	sink   UDTSink
	logger *logrus.Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager(store UDTStore, sink UDTSink, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{
		store:  store,
		sink:   sink,
		logger: logger,
	}
}

// Reload 从存储重新加载注册表并推送给采集器，无效条目跳过
func (cm *ConfigManager) Reload(ctx context.Context) ([]*config.UDTConfig, error) {
	udts, err := cm.store.ListUDTs(ctx)
	if err != nil {
		return nil, err
	}

	scripts := make([]models.UDTScript, 0, len(udts))
	for _, u := range udts {
		script, err := u.Script()
		if err != nil {
			cm.logger.Warnf("跳过无效的UDT配置: %v", err)
			continue
		}
		scripts = append(scripts, models.UDTScript{Name: u.Name, Script: script})
	}
	if cm.sink != nil {
		cm.sink.SetUDTs(scripts)
	}
	return udts, nil
}

// GetUDTs 列出已注册的UDT
func (cm *ConfigManager) GetUDTs(c *gin.Context) {
	udts, err := cm.store.ListUDTs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "获取UDT配置失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"udts":  udts,
		"total": len(udts),
	})
}

// UpdateUDT 注册或更新UDT
func (cm *ConfigManager) UpdateUDT(c *gin.Context) {
	var req config.UDTConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "请求参数错误",
			"message": err.Error(),
		})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "UDT名称不能为空"})
		return
	}
	if _, err := req.Script(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "UDT脚本无效",
			"message": err.Error(),
		})
		return
	}

	if err := cm.store.UpsertUDT(c.Request.Context(), &req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "更新UDT失败",
			"message": err.Error(),
		})
		return
	}

	udts, err := cm.Reload(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "重新加载UDT失败",
			"message": err.Error(),
		})
		return
	}

	cm.logger.Infof("UDT %s 已更新", req.Name)
	c.JSON(http.StatusOK, gin.H{
		"message": "UDT更新成功",
		"udt":     req,
		"total":   len(udts),
	})
}

// DeleteUDT 删除UDT
func (cm *ConfigManager) DeleteUDT(c *gin.Context) {
	name := c.Param("name")

	if err := cm.store.DeleteUDT(c.Request.Context(), name); err != nil {
		status := http.StatusInternalServerError
		if stderrors.Is(err, sql.ErrNoRows) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"error":   "删除UDT失败",
			"message": err.Error(),
		})
		return
	}

	if _, err := cm.Reload(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "重新加载UDT失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "UDT删除成功",
	})
}
