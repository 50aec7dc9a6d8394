package models

import (
	"math/big"
)

// ParsedEpoch 解包后的 epoch 字段
// bits [0,24) = number, [24,40) = index, [40,56) = length
type ParsedEpoch struct {
	Number uint32 `json:"number"`
	Index  uint16 `json:"index"`
	Length uint16 `json:"length"`
	Value  uint64 `json:"value"`
}

// LockArgsFormat 锁脚本参数格式版本
type LockArgsFormat int

const (
	LockArgsV1 LockArgsFormat = 1
	LockArgsV2 LockArgsFormat = 2
)

// ParsedLockArgs 通道 cell 锁脚本参数
type ParsedLockArgs struct {
	Format     LockArgsFormat `json:"format"`
	PubkeyHash string         `json:"pubkey_hash"`
	DelayEpoch ParsedEpoch    `json:"delay_epoch"`
	Version    uint64         `json:"version"`

	// v1
	Htlcs string `json:"htlcs,omitempty"`

	// v2
	SettlementHash string `json:"settlement_hash,omitempty"`
	SettlementFlag *uint8 `json:"settlement_flag,omitempty"`
}

// ParsedHtlc 见证中的单个 HTLC
type ParsedHtlc struct {
	HtlcType             uint8    `json:"htlc_type"`
	PaymentAmount        *big.Int `json:"payment_amount"`
	PaymentHash          string   `json:"payment_hash"`
	RemoteHtlcPubkeyHash string   `json:"remote_htlc_pubkey_hash"`
	LocalHtlcPubkeyHash  string   `json:"local_htlc_pubkey_hash"`
	HtlcExpiryTimestamp  uint64   `json:"htlc_expiry_timestamp"` // 毫秒
	HtlcExpiry           string   `json:"htlc_expiry"`           // 本地时间
}

// WitnessKind 见证解锁类型
type WitnessKind string

const (
	WitnessRevocation     WitnessKind = "revocation"
	WitnessNonPendingHtlc WitnessKind = "non_pending_htlc"
	WitnessPendingHtlc    WitnessKind = "pending_htlc"
	WitnessSettlement     WitnessKind = "settlement"
	WitnessError          WitnessKind = "error"
)

// RevocationUnlock 撤销解锁
type RevocationUnlock struct {
	Version   uint64 `json:"version"`
	Pubkey    string `json:"pubkey"`
	Signature string `json:"signature"`
}

// NonPendingHtlcUnlock 无待处理HTLC的解锁（仅v1）
type NonPendingHtlcUnlock struct {
	Pubkey    string `json:"pubkey"`
	Signature string `json:"signature"`
}

// PendingHtlcUnlock 带待处理HTLC的解锁（仅v1）
type PendingHtlcUnlock struct {
	PendingHtlcCount uint8        `json:"pending_htlc_count"`
	Htlcs            []ParsedHtlc `json:"htlcs"`
	Signature        string       `json:"signature"`
	Preimage         string       `json:"preimage"` // 不存在时为 "N/A"
}

// SettlementUnlockEntry 结算解锁中的单条签名
type SettlementUnlockEntry struct {
	UnlockType   uint8  `json:"unlock_type"`
	WithPreimage uint8  `json:"with_preimage"`
	Signature    string `json:"signature"`
	Preimage     string `json:"preimage"`
}

// SettlementUnlock 结算解锁（仅v2）
type SettlementUnlock struct {
	PendingHtlcCount           uint8                   `json:"pending_htlc_count"`
	Htlcs                      []ParsedHtlc            `json:"htlcs"`
	SettlementRemotePubkeyHash string                  `json:"settlement_remote_pubkey_hash"`
	SettlementRemoteAmount     *big.Int                `json:"settlement_remote_amount"`
	SettlementLocalPubkeyHash  string                  `json:"settlement_local_pubkey_hash"`
	SettlementLocalAmount      *big.Int                `json:"settlement_local_amount"`
	Unlocks                    []SettlementUnlockEntry `json:"unlocks"`
}

// ParsedWitness 解码后的见证，Kind 决定哪个分支被填充
type ParsedWitness struct {
	Format           LockArgsFormat `json:"format"`
	Kind             WitnessKind    `json:"kind"`
	EmptyWitnessArgs string         `json:"empty_witness_args,omitempty"`
	UnlockType       *uint8         `json:"unlock_type,omitempty"`  // v1
	UnlockCount      *uint8         `json:"unlock_count,omitempty"` // v2

	Revocation     *RevocationUnlock     `json:"revocation,omitempty"`
	NonPendingHtlc *NonPendingHtlcUnlock `json:"non_pending_htlc,omitempty"`
	PendingHtlc    *PendingHtlcUnlock    `json:"pending_htlc,omitempty"`
	Settlement     *SettlementUnlock     `json:"settlement,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// NewErrorWitness 构造错误分支
func NewErrorWitness(format LockArgsFormat, message string) *ParsedWitness {
	return &ParsedWitness{
		Format: format,
		Kind:   WitnessError,
		Error:  message,
	}
}

// IsError 是否为解码失败的见证
func (w *ParsedWitness) IsError() bool {
	return w != nil && w.Kind == WitnessError
}
