package progress

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	fiberrors "fibermon/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/progress.db"

	// 存储桶名称
	TracesBucket = "traces"
	StatsBucket  = "stats"

	// 统计键
	TracesStartedKey   = "traces_started"
	TracesCompletedKey = "traces_completed"
	TracesFailedKey    = "traces_failed"
	StepsRecordedKey   = "steps_recorded"
)

// 追踪状态
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TraceProgress 单个通道的追踪进度
type TraceProgress struct {
	OpenTxHash     common.Hash `json:"open_tx_hash"`
	Status         string      `json:"status"`
	Steps          int         `json:"steps"`
	LastTxHash     common.Hash `json:"last_tx_hash"`
	Error          string      `json:"error,omitempty"`
	StartTime      time.Time   `json:"start_time"`
	LastUpdateTime time.Time   `json:"last_update_time"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// Manager 追踪进度管理器
type Manager struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.Mutex
}

// NewManager 创建进度管理器
func NewManager(dbPath string, logger *logrus.Logger) (*Manager, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fiberrors.WrapError(err, fiberrors.ErrorTypeStorage, fiberrors.SeverityHigh,
			"PROGRESS_DB_OPEN_FAILED", "打开进度数据库失败")
	}

	manager := &Manager{
		db:     db,
		logger: logger,
		dbPath: dbPath,
	}

	if err := manager.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("进度管理器已初始化，数据库路径: %s", dbPath)
	return manager, nil
}

// initDB 初始化数据库结构
func (m *Manager) initDB() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{TracesBucket, StatsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

func traceKey(openTxHash common.Hash) []byte {
	return []byte(openTxHash.Hex())
}

// incr 累加统计计数
func incr(bucket *bolt.Bucket, key string, delta uint64) error {
	var current uint64
	if data := bucket.Get([]byte(key)); len(data) == 8 {
		current = binary.BigEndian.Uint64(data)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, current+delta)
	return bucket.Put([]byte(key), buf)
}

// update 读取、修改并写回一条追踪进度
func (m *Manager) update(openTxHash common.Hash, fn func(p *TraceProgress, stats *bolt.Bucket) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.Update(func(tx *bolt.Tx) error {
		traces := tx.Bucket([]byte(TracesBucket))
		stats := tx.Bucket([]byte(StatsBucket))
		if traces == nil || stats == nil {
			return fmt.Errorf("进度存储桶不存在")
		}

		p := &TraceProgress{OpenTxHash: openTxHash}
		if data := traces.Get(traceKey(openTxHash)); data != nil {
			if err := json.Unmarshal(data, p); err != nil {
				return fmt.Errorf("解析追踪进度失败: %w", err)
			}
		}

		if err := fn(p, stats); err != nil {
			return err
		}
		p.LastUpdateTime = time.Now().UTC()

		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("序列化追踪进度失败: %w", err)
		}
		return traces.Put(traceKey(openTxHash), data)
	})
}

// StartTrace 开始（或重新开始）一个通道的追踪
func (m *Manager) StartTrace(openTxHash common.Hash) error {
	return m.update(openTxHash, func(p *TraceProgress, stats *bolt.Bucket) error {
		*p = TraceProgress{
			OpenTxHash: openTxHash,
			Status:     StatusRunning,
			StartTime:  time.Now().UTC(),
		}
		return incr(stats, TracesStartedKey, 1)
	})
}

// RecordStep 记录追踪的最新一步，步数只增不减
func (m *Manager) RecordStep(openTxHash common.Hash, step int, txHash common.Hash) error {
	return m.update(openTxHash, func(p *TraceProgress, stats *bolt.Bucket) error {
		if step <= p.Steps {
			return nil
		}
		delta := uint64(step - p.Steps)
		p.Steps = step
		p.LastTxHash = txHash
		if p.Status == "" {
			p.Status = StatusRunning
			p.StartTime = time.Now().UTC()
		}
		return incr(stats, StepsRecordedKey, delta)
	})
}

// CompleteTrace 标记追踪完成
func (m *Manager) CompleteTrace(openTxHash common.Hash) error {
	return m.update(openTxHash, func(p *TraceProgress, stats *bolt.Bucket) error {
		now := time.Now().UTC()
		p.Status = StatusCompleted
		p.Error = ""
		p.CompletedAt = &now
		return incr(stats, TracesCompletedKey, 1)
	})
}

// FailTrace 标记追踪失败
func (m *Manager) FailTrace(openTxHash common.Hash, cause error) error {
	return m.update(openTxHash, func(p *TraceProgress, stats *bolt.Bucket) error {
		p.Status = StatusFailed
		if cause != nil {
			p.Error = cause.Error()
		}
		return incr(stats, TracesFailedKey, 1)
	})
}

// Reporter 返回写入本存储的步数回调，写入失败只记录日志
func (m *Manager) Reporter(openTxHash common.Hash) func(step int, txHash common.Hash) {
	return func(step int, txHash common.Hash) {
		if err := m.RecordStep(openTxHash, step, txHash); err != nil {
			m.logger.WithField("open_tx_hash", openTxHash.Hex()).Warnf("记录追踪进度失败: %v", err)
		}
	}
}

// GetTrace 获取追踪进度，不存在时返回 nil
func (m *Manager) GetTrace(openTxHash common.Hash) (*TraceProgress, error) {
	var p *TraceProgress
	err := m.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(TracesBucket)).Get(traceKey(openTxHash))
		if data == nil {
			return nil
		}
		p = &TraceProgress{}
		return json.Unmarshal(data, p)
	})
	if err != nil {
		return nil, fmt.Errorf("读取追踪进度失败: %w", err)
	}
	return p, nil
}

// ListTraces 列出全部追踪进度，最近更新的在前
func (m *Manager) ListTraces() ([]*TraceProgress, error) {
	var list []*TraceProgress
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(TracesBucket)).ForEach(func(k, v []byte) error {
			p := &TraceProgress{}
			if err := json.Unmarshal(v, p); err != nil {
				m.logger.Warnf("跳过无法解析的进度记录 %s: %v", string(k), err)
				return nil
			}
			list = append(list, p)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("列出追踪进度失败: %w", err)
	}

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastUpdateTime.After(list[j].LastUpdateTime)
	})
	return list, nil
}

// GetStats 获取统计信息
func (m *Manager) GetStats() map[string]interface{} {
	stats := map[string]interface{}{}
	err := m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(StatsBucket))
		for _, key := range []string{TracesStartedKey, TracesCompletedKey, TracesFailedKey, StepsRecordedKey} {
			var v uint64
			if data := bucket.Get([]byte(key)); len(data) == 8 {
				v = binary.BigEndian.Uint64(data)
			}
			stats[key] = v
		}
		stats["channels"] = tx.Bucket([]byte(TracesBucket)).Stats().KeyN
		return nil
	})
	if err != nil {
		m.logger.Warnf("读取进度统计失败: %v", err)
	}
	return stats
}

// Reset 清空全部进度与统计
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{TracesBucket, StatsBucket} {
			if tx.Bucket([]byte(name)) != nil {
				if err := tx.DeleteBucket([]byte(name)); err != nil {
					return err
				}
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetDBPath 获取数据库路径
func (m *Manager) GetDBPath() string {
	return m.dbPath
}

// Close 关闭进度管理器
func (m *Manager) Close() error {
	if m.db != nil {
		m.logger.Info("关闭进度管理器")
		return m.db.Close()
	}
	return nil
}
