package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopHTTP      = 10 // 停止接受API请求
	OrderCancelTraces  = 20 // 取消进行中的追踪
	OrderFlushOutput   = 30 // 刷新文件与Kafka输出
	OrderCloseNodes    = 40 // 停止节点健康检查并关闭RPC连接
	OrderCloseProgress = 50 // 关闭进度数据库
	OrderCloseLogging  = 60 // 关闭结构化日志
)

// DefaultTimeout 默认停机超时
const DefaultTimeout = 30 * time.Second

// Step 停机步骤
type Step struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// GracefulShutdown 按顺序执行停机步骤
type GracefulShutdown struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu       sync.Mutex
	steps    []Step
	started  bool
	done     chan struct{}
	err      error
	signals  chan os.Signal
	stopOnce sync.Once

	// ctx 在停机开始时取消，供长时间运行的追踪感知
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register 注册停机步骤
func (gs *GracefulShutdown) Register(name string, order int, fn func(ctx context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.steps = append(gs.steps, Step{Name: name, Func: fn, Order: order})
	gs.logger.Debugf("注册停机步骤: %s (order: %d)", name, order)
}

// RegisterCloser 注册只需要 Close 的组件
func (gs *GracefulShutdown) RegisterCloser(name string, order int, closer interface{ Close() error }) {
	gs.Register(name, order, func(context.Context) error {
		return closer.Close()
	})
}

// Context 停机开始时被取消
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Done 停机完成后关闭
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// ListenSignals 收到 SIGINT/SIGTERM/SIGQUIT 时触发停机
func (gs *GracefulShutdown) ListenSignals() {
	gs.signals = make(chan os.Signal, 1)
	signal.Notify(gs.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		select {
		case sig := <-gs.signals:
			gs.logger.Infof("收到停机信号: %v", sig)
			gs.Shutdown()
		case <-gs.done:
		}
	}()
}

// Wait 阻塞直到停机完成，返回各步骤错误的合并
func (gs *GracefulShutdown) Wait() error {
	<-gs.done
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.err
}

// IsShuttingDown 是否已开始停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.started
}

// StepNames 按执行顺序返回已注册的步骤
func (gs *GracefulShutdown) StepNames() []string {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	names := make([]string, 0, len(gs.steps))
	for _, s := range gs.sortedLocked() {
		names = append(names, s.Name)
	}
	return names
}

func (gs *GracefulShutdown) sortedLocked() []Step {
	steps := make([]Step, len(gs.steps))
	copy(steps, gs.steps)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})
	return steps
}

// Shutdown 执行全部停机步骤，重复调用时等待首次调用完成
// 超时后剩余步骤仍会执行，但拿到的是已取消的上下文
func (gs *GracefulShutdown) Shutdown() error {
	gs.mu.Lock()
	if gs.started {
		gs.mu.Unlock()
		return gs.Wait()
	}
	gs.started = true
	steps := gs.sortedLocked()
	gs.mu.Unlock()

	gs.logger.Info("开始优雅停机流程...")
	gs.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	var errs []error
	for _, step := range steps {
		start := time.Now()
		if err := step.Func(ctx); err != nil {
			gs.logger.Errorf("停机步骤 '%s' 失败 (耗时: %v): %v", step.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
			continue
		}
		gs.logger.Infof("停机步骤 '%s' 完成 (耗时: %v)", step.Name, time.Since(start))
	}
	if ctx.Err() != nil {
		gs.logger.Warn("停机超时，部分步骤可能未完成")
	}

	gs.stopOnce.Do(func() {
		if gs.signals != nil {
			signal.Stop(gs.signals)
		}
	})

	gs.mu.Lock()
	gs.err = errors.Join(errs...)
	gs.mu.Unlock()
	close(gs.done)

	if len(errs) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
	} else {
		gs.logger.Info("优雅停机流程完成")
	}
	return gs.err
}
