package collector

import (
	"context"
	"fmt"

	"fibermon/internal/chain"
	fiberrors "fibermon/internal/errors"
	"fibermon/internal/metrics"
	"fibermon/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// deathLookupLimit 查找下一笔花费时的查询条数，只关心是否恰好两条
const deathLookupLimit = 10

// ProgressFunc 每追加一步后回调，step 从1开始单调递增
type ProgressFunc func(step int, txHash common.Hash)

// ChannelDeathTracer 沿着通道的锁脚本逐笔追踪结算交易
type ChannelDeathTracer struct {
	query   chain.ChainQuery
	builder *TxMessageBuilder
	logger  *logrus.Logger
}

// NewChannelDeathTracer 创建追踪器
func NewChannelDeathTracer(query chain.ChainQuery, builder *TxMessageBuilder, logger *logrus.Logger) *ChannelDeathTracer {
	return &ChannelDeathTracer{
		query:   query,
		builder: builder,
		logger:  logger,
	}
}

// hop 一次查找的结果
type hop struct {
	txHash   common.Hash
	codeHash common.Hash
}

// step 查找花费 txHash 第一个输出的交易
// 同一锁脚本下恰好有两笔交易时，第二笔即为下一笔花费；其他数量表示追踪结束
func (t *ChannelDeathTracer) step(ctx context.Context, txHash common.Hash) (*hop, error) {
	tx, err := t.query.GetTransaction(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("获取交易 %s 失败: %w", txHash.Hex(), err)
	}
	if tx == nil {
		return nil, fiberrors.NewNotFoundError("交易", txHash.Hex())
	}
	if len(tx.Transaction.Outputs) == 0 {
		return nil, nil
	}

	key := models.NewExactLockSearchKey(tx.Transaction.Outputs[0].Lock, false)
	page, err := t.query.GetTransactions(ctx, key, models.OrderAsc, deathLookupLimit, "")
	if err != nil {
		return nil, fmt.Errorf("查询锁脚本交易失败: %w", err)
	}
	if page == nil {
		return nil, nil
	}
	if len(page.Objects) != 2 {
		t.logger.WithFields(logrus.Fields{
			"tx_hash": txHash.Hex(),
			"count":   len(page.Objects),
		}).Debug("未找到唯一的下一笔花费，追踪结束")
		return nil, nil
	}

	nextHash := page.Objects[1].TxHash
	next, err := t.query.GetTransaction(ctx, nextHash)
	if err != nil {
		return nil, fmt.Errorf("获取交易 %s 失败: %w", nextHash.Hex(), err)
	}
	if next == nil {
		return nil, fiberrors.NewNotFoundError("交易", nextHash.Hex())
	}

	h := &hop{txHash: nextHash}
	if len(next.Transaction.Outputs) > 0 && next.Transaction.Outputs[0].Lock != nil {
		h.codeHash = next.Transaction.Outputs[0].Lock.CodeHash
	}
	return h, nil
}

// Trace 从开通交易开始追踪通道的全部结算交易
// 第一跳不检查 code hash；之后某一跳离开承诺锁时，追加该跳后结束
func (t *ChannelDeathTracer) Trace(ctx context.Context, openTxHash common.Hash, progress ProgressFunc) (items []models.TraceItem, err error) {
	defer func() {
		if err != nil {
			metrics.TraceCompleted("error")
		} else {
			metrics.TraceCompleted("ok")
		}
	}()

	appendItem := func(txHash common.Hash) error {
		msg, err := t.builder.Build(ctx, txHash)
		if err != nil {
			return err
		}
		items = append(items, models.TraceItem{TxHash: txHash, Msg: msg})
		metrics.TraceStep()
		if progress != nil {
			progress(len(items), txHash)
		}
		return nil
	}

	if err := appendItem(openTxHash); err != nil {
		return items, err
	}

	next, err := t.step(ctx, openTxHash)
	if err != nil || next == nil {
		return items, err
	}
	if err := appendItem(next.txHash); err != nil {
		return items, err
	}

	commitment := t.builder.CommitmentCodeHash()
	for current := next.txHash; ; {
		if err := ctx.Err(); err != nil {
			return items, err
		}

		next, err := t.step(ctx, current)
		if err != nil || next == nil {
			return items, err
		}
		if err := appendItem(next.txHash); err != nil {
			return items, err
		}
		if next.codeHash != commitment {
			t.logger.WithFields(logrus.Fields{
				"tx_hash":   next.txHash.Hex(),
				"code_hash": next.codeHash.Hex(),
			}).Debug("交易已离开通道锁脚本，追踪结束")
			return items, nil
		}
		current = next.txHash
	}
}
