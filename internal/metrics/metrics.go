package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rpcRequests     *prometheus.CounterVec
	rpcErrors       *prometheus.CounterVec
	rpcDuration     *prometheus.HistogramVec
	txCacheHits     prometheus.Counter
	txCacheMisses   prometheus.Counter
	txMessagesBuilt prometheus.Counter
	witnessDecoded  *prometheus.CounterVec
	traceSteps      prometheus.Counter
	tracesCompleted *prometheus.CounterVec
	nodeHealthy     *prometheus.GaugeVec
	errorsHandled   *prometheus.CounterVec

	metricsInitOnce sync.Once
)

// Init 注册所有指标，可重复调用
func Init() {
	metricsInitOnce.Do(initMetrics)
}

func initMetrics() {
	rpcRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fibermon_rpc_requests_total",
			Help: "Number of chain RPC calls",
		},
		[]string{"node", "method"},
	)
	rpcErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fibermon_rpc_errors_total",
			Help: "Number of failed chain RPC calls",
		},
		[]string{"node", "method"},
	)
	rpcDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fibermon_rpc_duration_seconds",
			Help:    "Chain RPC call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node", "method"},
	)
	txCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fibermon_tx_cache_hits_total",
			Help: "Committed transaction cache hits",
		},
	)
	txCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fibermon_tx_cache_misses_total",
			Help: "Committed transaction cache misses",
		},
	)
	txMessagesBuilt = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fibermon_tx_messages_built_total",
			Help: "Number of transaction messages built",
		},
	)
	witnessDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fibermon_witness_decoded_total",
			Help: "Number of channel witnesses decoded, by kind",
		},
		[]string{"kind"},
	)
	traceSteps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fibermon_trace_steps_total",
			Help: "Number of transactions appended to channel traces",
		},
	)
	tracesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fibermon_traces_completed_total",
			Help: "Number of channel traces finished, by result",
		},
		[]string{"result"},
	)
	nodeHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fibermon_node_healthy",
			Help: "1 if the node passed its last health check",
		},
		[]string{"node"},
	)
	errorsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fibermon_errors_total",
			Help: "Errors recorded by the batch error handler, by type and severity",
		},
		[]string{"type", "severity"},
	)
}

// ObserveRPC 记录一次RPC调用
func ObserveRPC(node, method string, start time.Time, err error) {
	Init()
	rpcRequests.WithLabelValues(node, method).Inc()
	rpcDuration.WithLabelValues(node, method).Observe(time.Since(start).Seconds())
	if err != nil {
		rpcErrors.WithLabelValues(node, method).Inc()
	}
}

// TxCacheHit 缓存命中
func TxCacheHit() {
	Init()
	txCacheHits.Inc()
}

// TxCacheMiss 缓存未命中
func TxCacheMiss() {
	Init()
	txCacheMisses.Inc()
}

// TxMessageBuilt 交易消息构建完成
func TxMessageBuilt() {
	Init()
	txMessagesBuilt.Inc()
}

// WitnessDecoded 按解锁类型记录见证解码
func WitnessDecoded(kind string) {
	Init()
	witnessDecoded.WithLabelValues(kind).Inc()
}

// TraceStep 追踪追加一步
func TraceStep() {
	Init()
	traceSteps.Inc()
}

// TraceCompleted 追踪结束，result 为 ok 或 error
func TraceCompleted(result string) {
	Init()
	tracesCompleted.WithLabelValues(result).Inc()
}

// SetNodeHealthy 记录节点健康状态
func SetNodeHealthy(node string, healthy bool) {
	Init()
	v := 0.0
	if healthy {
		v = 1
	}
	nodeHealthy.WithLabelValues(node).Set(v)
}

// ErrorRecorded 记录一次被错误处理器接收的错误
func ErrorRecorded(errType, severity string) {
	Init()
	errorsHandled.WithLabelValues(errType, severity).Inc()
}
