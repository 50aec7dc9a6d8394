package api

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogManager 固定容量的环形日志缓冲
type LogManager struct {
	entries []LogEntry
	next    int // 下一条写入位置
	count   int
	mu      sync.RWMutex
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &LogManager{
		entries: make([]LogEntry, maxLogs),
	}
}

// copyFields 复制字段，error 值转为字符串以便序列化
func copyFields(data logrus.Fields) map[string]interface{} {
	if len(data) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(data))
	for k, v := range data {
		if err, ok := v.(error); ok {
			fields[k] = err.Error()
			continue
		}
		fields[k] = v
	}
	return fields
}

// AddLog 添加日志，满时覆盖最旧的一条
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.entries[lm.next] = LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    copyFields(entry.Data),
	}
	lm.next = (lm.next + 1) % len(lm.entries)
	if lm.count < len(lm.entries) {
		lm.count++
	}
}

// snapshot 按从新到旧返回匹配级别的日志，调用方需持有读锁
func (lm *LogManager) snapshot(level string) []LogEntry {
	logs := make([]LogEntry, 0, lm.count)
	for i := 1; i <= lm.count; i++ {
		e := lm.entries[(lm.next-i+len(lm.entries))%len(lm.entries)]
		if level == "" || e.Level == level {
			logs = append(logs, e)
		}
	}
	return logs
}

// GetLogsWithPagination 获取分页日志，最新的在前
func (lm *LogManager) GetLogsWithPagination(level string, page, pageSize int) ([]LogEntry, int) {
	lm.mu.RLock()
	logs := lm.snapshot(level)
	lm.mu.RUnlock()

	total := len(logs)
	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return logs[start:end], total
}

// Len 当前缓存的日志条数
func (lm *LogManager) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.count
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.entries = make([]LogEntry, len(lm.entries))
	lm.next = 0
	lm.count = 0
}

// LogHook 把 logrus 日志写入 LogManager
type LogHook struct {
	manager *LogManager
}

// NewLogHook 创建日志钩子
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{manager: manager}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
