package models

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// HashType 脚本哈希类型
type HashType string

const (
	HashTypeData  HashType = "data"
	HashTypeType  HashType = "type"
	HashTypeData1 HashType = "data1"
	HashTypeData2 HashType = "data2"
)

// Script 锁脚本/类型脚本
type Script struct {
	CodeHash common.Hash   `json:"code_hash"`
	HashType HashType      `json:"hash_type"`
	Args     hexutil.Bytes `json:"args"`
}

// Equal 比较两个脚本（十六进制不区分大小写，等价于字节比较）
func (s *Script) Equal(other *Script) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.CodeHash == other.CodeHash &&
		s.HashType == other.HashType &&
		bytes.Equal(s.Args, other.Args)
}

// ArgsHex 返回带0x前缀的args
func (s *Script) ArgsHex() string {
	if s == nil {
		return ""
	}
	return hexutil.Encode(s.Args)
}

// OutPoint 输出引用
type OutPoint struct {
	TxHash common.Hash    `json:"tx_hash"`
	Index  hexutil.Uint64 `json:"index"`
}

// CellInput 交易输入
type CellInput struct {
	PreviousOutput OutPoint       `json:"previous_output"`
	Since          hexutil.Uint64 `json:"since"`
}

// CellOutput 交易输出
type CellOutput struct {
	Capacity hexutil.Uint64 `json:"capacity"`
	Lock     *Script        `json:"lock"`
	Type     *Script        `json:"type"`
}

// Transaction 链上交易
type Transaction struct {
	Hash        common.Hash     `json:"hash"`
	Inputs      []CellInput     `json:"inputs"`
	Outputs     []CellOutput    `json:"outputs"`
	OutputsData []hexutil.Bytes `json:"outputs_data"`
	Witnesses   []hexutil.Bytes `json:"witnesses"`
}

// TxStatus 交易状态
type TxStatus struct {
	BlockHash *common.Hash `json:"block_hash"`
	Status    string       `json:"status"`
}

// TransactionWithStatus get_transaction 的返回结构
type TransactionWithStatus struct {
	Transaction *Transaction `json:"transaction"`
	TxStatus    TxStatus     `json:"tx_status"`
}

// Validate 校验RPC返回的必需字段
func (t *TransactionWithStatus) Validate() error {
	if t.Transaction == nil {
		return fmt.Errorf("缺少 transaction 字段")
	}
	if t.TxStatus.Status == "" {
		return fmt.Errorf("缺少 tx_status.status 字段")
	}
	tx := t.Transaction
	if len(tx.OutputsData) != len(tx.Outputs) {
		return fmt.Errorf("outputs_data 数量(%d)与 outputs 数量(%d)不一致", len(tx.OutputsData), len(tx.Outputs))
	}
	for i, out := range tx.Outputs {
		if out.Lock == nil {
			return fmt.Errorf("输出 %d 缺少 lock 字段", i)
		}
	}
	return nil
}

// IsCommitted 交易是否已上链
func (t *TransactionWithStatus) IsCommitted() bool {
	return t.TxStatus.Status == "committed" && t.TxStatus.BlockHash != nil
}

// Header 区块头（仅保留需要的字段）
type Header struct {
	Hash      common.Hash    `json:"hash"`
	Number    hexutil.Uint64 `json:"number"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
	Epoch     hexutil.Uint64 `json:"epoch"`
}

// ScriptType 索引器脚本类型
type ScriptType string

const (
	ScriptTypeLock ScriptType = "lock"
	ScriptTypeType ScriptType = "type"
)

// SearchMode 脚本匹配模式
type SearchMode string

const (
	SearchModePrefix SearchMode = "prefix"
	SearchModeExact  SearchMode = "exact"
)

// Order 排序方向
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// SearchKey 索引器查询键
type SearchKey struct {
	Script           *Script    `json:"script"`
	ScriptType       ScriptType `json:"script_type"`
	ScriptSearchMode SearchMode `json:"script_search_mode,omitempty"`
	WithData         *bool      `json:"with_data,omitempty"`
}

// NewExactLockSearchKey 构造按锁脚本精确匹配的查询键
func NewExactLockSearchKey(lock *Script, withData bool) SearchKey {
	key := SearchKey{
		Script:           lock,
		ScriptType:       ScriptTypeLock,
		ScriptSearchMode: SearchModeExact,
	}
	if withData {
		key.WithData = &withData
	}
	return key
}

// IndexerTx get_transactions 返回的单条记录
type IndexerTx struct {
	TxHash      common.Hash    `json:"tx_hash"`
	BlockNumber hexutil.Uint64 `json:"block_number"`
	TxIndex     hexutil.Uint64 `json:"tx_index"`
	IOIndex     hexutil.Uint64 `json:"io_index"`
	IOType      string         `json:"io_type"`
}

// TxPage get_transactions 分页结果
type TxPage struct {
	Objects    []IndexerTx `json:"objects"`
	LastCursor string      `json:"last_cursor"`
}

// LiveCell get_cells 返回的活跃 cell
type LiveCell struct {
	Output      CellOutput     `json:"output"`
	OutputData  hexutil.Bytes  `json:"output_data"`
	OutPoint    OutPoint       `json:"out_point"`
	BlockNumber hexutil.Uint64 `json:"block_number"`
}

// CellPage get_cells 分页结果
type CellPage struct {
	Objects    []LiveCell `json:"objects"`
	LastCursor string     `json:"last_cursor"`
}

// Validate 校验分页结果中每个 cell 的锁脚本
func (p *CellPage) Validate() error {
	for i, cell := range p.Objects {
		if cell.Output.Lock == nil {
			return fmt.Errorf("cell %d 缺少 output.lock 字段", i)
		}
	}
	return nil
}
