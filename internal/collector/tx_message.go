package collector

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"fibermon/internal/chain"
	"fibermon/internal/decoder"
	fiberrors "fibermon/internal/errors"
	"fibermon/internal/metrics"
	"fibermon/internal/validation"
	"fibermon/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency 输入解析的默认并发度
const DefaultConcurrency = 8

// TxMessageBuilder 构建交易的经济效果摘要
type TxMessageBuilder struct {
	query              chain.ChainQuery
	commitmentCodeHash common.Hash
	concurrency        int
	validator          *validation.Validator
	logger             *logrus.Logger
}

// resolvedInput 已解析的输入及其所在位置
type resolvedInput struct {
	cell models.CellInfo
	lock *models.Script
}

// NewTxMessageBuilder 创建构建器
func NewTxMessageBuilder(query chain.ChainQuery, commitmentCodeHash common.Hash, concurrency int, logger *logrus.Logger) *TxMessageBuilder {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &TxMessageBuilder{
		query:              query,
		commitmentCodeHash: commitmentCodeHash,
		concurrency:        concurrency,
		logger:             logger,
	}
}

// SetValidator 设置交易校验器，为空时只做解码层的字段检查
func (b *TxMessageBuilder) SetValidator(v *validation.Validator) {
	b.validator = v
}

// CommitmentCodeHash 承诺锁脚本的 code hash
func (b *TxMessageBuilder) CommitmentCodeHash() common.Hash {
	return b.commitmentCodeHash
}

// Build 获取交易、解析全部输入并计算手续费与余额变化
func (b *TxMessageBuilder) Build(ctx context.Context, txHash common.Hash) (*models.TxMessage, error) {
	tx, err := b.query.GetTransaction(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("获取交易 %s 失败: %w", txHash.Hex(), err)
	}
	if tx == nil {
		return nil, fiberrors.NewNotFoundError("交易", txHash.Hex())
	}
	if b.validator != nil {
		result := b.validator.ValidateTransaction(tx)
		if err := result.Err(); err != nil {
			return nil, err
		}
		for _, w := range result.Warnings {
			b.logger.WithField("tx_hash", txHash.Hex()).Debugf("交易校验警告: %s", w)
		}
	}

	inputs, err := b.resolveInputs(ctx, tx.Transaction)
	if err != nil {
		return nil, err
	}

	msg := &models.TxMessage{
		TxHash:      txHash,
		Status:      tx.TxStatus.Status,
		InputCells:  make([]models.CellInfo, len(inputs)),
		OutputCells: make([]models.CellInfo, len(tx.Transaction.Outputs)),
	}
	for i, in := range inputs {
		msg.InputCells[i] = in.cell
	}
	for i := range tx.Transaction.Outputs {
		msg.OutputCells[i] = newCellInfo(&tx.Transaction.Outputs[i], outputData(tx.Transaction, i))
	}

	msg.ParsedWitness = b.decodeCommitmentWitness(tx.Transaction, inputs)
	msg.Fee, msg.UdtFee = computeFees(msg.InputCells, msg.OutputCells)
	msg.BalanceChanges = computeBalanceChanges(msg.InputCells, msg.OutputCells)
	msg.BlockNumber, msg.BlockTimestamp = b.blockMetadata(ctx, tx.TxStatus.BlockHash)

	metrics.TxMessageBuilt()
	b.logger.WithFields(logrus.Fields{
		"tx_hash": txHash.Hex(),
		"inputs":  len(msg.InputCells),
		"outputs": len(msg.OutputCells),
		"fee":     msg.Fee.String(),
	}).Debug("交易摘要构建完成")

	return msg, nil
}

// resolveInputs 并发获取每个输入引用的输出，结果按输入下标写入
func (b *TxMessageBuilder) resolveInputs(ctx context.Context, tx *models.Transaction) ([]resolvedInput, error) {
	resolved := make([]resolvedInput, len(tx.Inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for i := range tx.Inputs {
		outPoint := tx.Inputs[i].PreviousOutput
		g.Go(func() error {
			prev, err := b.query.GetTransaction(gctx, outPoint.TxHash)
			if err != nil {
				return fmt.Errorf("获取输入 %d 的前序交易 %s 失败: %w", i, outPoint.TxHash.Hex(), err)
			}
			if prev == nil {
				return fiberrors.NewNotFoundError("前序交易", outPoint.TxHash.Hex()).WithContext("input", i)
			}

			index := uint64(outPoint.Index)
			if index >= uint64(len(prev.Transaction.Outputs)) {
				return fiberrors.NewNotFoundError("引用的输出", outPoint.TxHash.Hex()).
					WithContext("input", i).
					WithContext("index", index)
			}

			output := &prev.Transaction.Outputs[index]
			resolved[i] = resolvedInput{
				cell: newCellInfo(output, outputData(prev.Transaction, int(index))),
				lock: output.Lock,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resolved, nil
}

func outputData(tx *models.Transaction, i int) hexutil.Bytes {
	if i < len(tx.OutputsData) {
		return tx.OutputsData[i]
	}
	return nil
}

// newCellInfo 仅在带类型脚本时填充 UDT 字段
func newCellInfo(output *models.CellOutput, data hexutil.Bytes) models.CellInfo {
	info := models.CellInfo{
		Args:     output.Lock.ArgsHex(),
		Capacity: uint64(output.Capacity),
		Lock:     output.Lock,
	}
	if output.Type != nil {
		info.UdtArgs = output.Type.ArgsHex()
		info.UdtCapacity = decoder.UDTAmount(data)
	}
	return info
}

// decodeCommitmentWitness 只解码第一个使用承诺锁的输入对应的见证
func (b *TxMessageBuilder) decodeCommitmentWitness(tx *models.Transaction, inputs []resolvedInput) *models.ParsedWitness {
	for i, in := range inputs {
		if in.lock == nil || in.lock.CodeHash != b.commitmentCodeHash {
			continue
		}

		format := models.LockArgsV2
		if version, ok := decoder.LockArgsVersion(in.lock.ArgsHex()); ok {
			format = decoder.SelectFormat(version)
		}

		var parsed *models.ParsedWitness
		if i >= len(tx.Witnesses) {
			parsed = models.NewErrorWitness(format, fmt.Sprintf("输入 %d 缺少见证", i))
		} else {
			parsed = decoder.DecodeWitness(hexutil.Encode(tx.Witnesses[i]), format)
		}

		if parsed.IsError() {
			b.logger.WithField("input", i).Debugf("见证解码失败: %s", parsed.Error)
		}
		metrics.WitnessDecoded(string(parsed.Kind))
		return parsed
	}
	return nil
}

// computeFees 手续费 = 输入总和 - 输出总和，可以为负
func computeFees(inputs, outputs []models.CellInfo) (fee, udtFee *big.Int) {
	fee, udtFee = new(big.Int), new(big.Int)
	for i := range inputs {
		fee.Add(fee, new(big.Int).SetUint64(inputs[i].Capacity))
		if inputs[i].HasUDT() {
			udtFee.Add(udtFee, inputs[i].UdtCapacity)
		}
	}
	for i := range outputs {
		fee.Sub(fee, new(big.Int).SetUint64(outputs[i].Capacity))
		if outputs[i].HasUDT() {
			udtFee.Sub(udtFee, outputs[i].UdtCapacity)
		}
	}
	return fee, udtFee
}

// computeBalanceChanges 以 args 为键累计余额变化，去掉净变化为零的条目
func computeBalanceChanges(inputs, outputs []models.CellInfo) map[string]*models.BalanceChange {
	changes := make(map[string]*models.BalanceChange)
	apply := func(cell *models.CellInfo, sign int) {
		change, ok := changes[cell.Args]
		if !ok {
			change = &models.BalanceChange{CKB: new(big.Int), UDT: new(big.Int)}
			changes[cell.Args] = change
		}
		capacity := new(big.Int).SetUint64(cell.Capacity)
		if sign < 0 {
			change.CKB.Sub(change.CKB, capacity)
		} else {
			change.CKB.Add(change.CKB, capacity)
		}
		if cell.HasUDT() {
			if sign < 0 {
				change.UDT.Sub(change.UDT, cell.UdtCapacity)
			} else {
				change.UDT.Add(change.UDT, cell.UdtCapacity)
			}
		}
	}

	for i := range inputs {
		apply(&inputs[i], -1)
	}
	for i := range outputs {
		apply(&outputs[i], 1)
	}

	for key, change := range changes {
		if change.IsZero() {
			delete(changes, key)
		}
	}
	return changes
}

// blockMetadata 尽力获取区块号与时间戳，失败时返回空值
func (b *TxMessageBuilder) blockMetadata(ctx context.Context, blockHash *common.Hash) (number, timestamp string) {
	if blockHash == nil {
		return models.BlockNumberPending, ""
	}

	header, err := b.query.GetHeader(ctx, *blockHash)
	if err != nil || header == nil {
		b.logger.WithField("block_hash", blockHash.Hex()).Debugf("获取区块头失败，区块信息留空: %v", err)
		return "", ""
	}
	return strconv.FormatUint(uint64(header.Number), 10), strconv.FormatUint(uint64(header.Timestamp), 10)
}
