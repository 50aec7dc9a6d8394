package chain

import (
	"context"

	"fibermon/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// ChainQuery 链查询接口，交易或区块头不存在时返回 (nil, nil)
type ChainQuery interface {
	GetTransaction(ctx context.Context, txHash common.Hash) (*models.TransactionWithStatus, error)
	GetHeader(ctx context.Context, blockHash common.Hash) (*models.Header, error)
	GetTransactions(ctx context.Context, key models.SearchKey, order models.Order, limit uint64, after string) (*models.TxPage, error)
	GetCells(ctx context.Context, key models.SearchKey, order models.Order, limit uint64, after string) (*models.CellPage, error)
}

// RPC 方法名
const (
	MethodGetTransaction     = "get_transaction"
	MethodGetHeader          = "get_header"
	MethodGetTransactions    = "get_transactions"
	MethodGetCells           = "get_cells"
	MethodGetTipBlockNumber  = "get_tip_block_number"
	txStatusUnknown          = "unknown"
	txStatusRejected         = "rejected"
	defaultIndexerQueryLimit = 100
)
