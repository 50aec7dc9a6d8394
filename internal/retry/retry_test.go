package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	fiberrors "fibermon/internal/errors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRetrier(attempts int) *Retrier {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewRetrier(&RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		BackoffFactor:   2,
	}, logger)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"连接拒绝", errors.New("dial tcp: connection refused"), true},
		{"429", errors.New("429 Too Many Requests"), true},
		{"参数错误", errors.New("invalid params"), false},
		{"上下文取消", context.Canceled, false},
		{"NotFound", fiberrors.NewNotFoundError("交易", "0x01"), false},
		{"可重试RPC", fiberrors.NewRPCError("get_cells", errors.New("x"), true), true},
		{"解码失败", fiberrors.NewDecodingError("get_cells", errors.New("timeout")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), testRetrier(3), "test", func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset by peer")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), testRetrier(5), "test", func() (int, error) {
		calls++
		return 0, errors.New("invalid params")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecute_Exhausted(t *testing.T) {
	calls := 0
	err := testRetrier(2).Execute(context.Background(), "test", func() error {
		calls++
		return errors.New("i/o timeout")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "重试 2 次后失败")
	assert.Equal(t, 2, calls)
}

func TestExecute_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := testRetrier(3).Execute(ctx, "test", func() error {
		t.Fatal("不应执行")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateDelay_Capped(t *testing.T) {
	r := testRetrier(10)
	assert.Equal(t, time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 2*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 5*time.Millisecond, r.calculateDelay(8))
}
