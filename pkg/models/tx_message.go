package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BlockNumberPending 交易尚未上链时的区块号占位
const BlockNumberPending = "Pending"

// CellInfo cell 摘要，UDT 字段仅在带类型脚本时存在
type CellInfo struct {
	Args        string   `json:"args"`
	Capacity    uint64   `json:"capacity"`
	Lock        *Script  `json:"lock,omitempty"`
	UdtArgs     string   `json:"udt_args,omitempty"`
	UdtCapacity *big.Int `json:"udt_capacity,omitempty"`
}

// HasUDT 是否携带 UDT
func (c *CellInfo) HasUDT() bool {
	return c.UdtCapacity != nil
}

// BalanceChange 单个地址的余额变化
type BalanceChange struct {
	CKB *big.Int `json:"ckb"`
	UDT *big.Int `json:"udt"`
}

// IsZero CKB 与 UDT 变化是否均为零
func (b *BalanceChange) IsZero() bool {
	return b.CKB.Sign() == 0 && b.UDT.Sign() == 0
}

// TxMessage 交易的经济效果
type TxMessage struct {
	TxHash         common.Hash               `json:"tx_hash"`
	Status         string                    `json:"status"`
	InputCells     []CellInfo                `json:"input_cells"`
	OutputCells    []CellInfo                `json:"output_cells"`
	Fee            *big.Int                  `json:"fee"`
	UdtFee         *big.Int                  `json:"udt_fee"`
	ParsedWitness  *ParsedWitness            `json:"parsed_witness,omitempty"`
	BalanceChanges map[string]*BalanceChange `json:"balance_changes"`
	BlockNumber    string                    `json:"block_number"`
	BlockTimestamp string                    `json:"block_timestamp"`
}

// TraceItem 通道结算历史中的一步
type TraceItem struct {
	TxHash common.Hash `json:"tx_hash"`
	Msg    *TxMessage  `json:"msg"`
}
