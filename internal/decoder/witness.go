package decoder

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"time"

	"fibermon/pkg/models"
)

const (
	emptyWitnessArgsLen = 16
	pubkeyLen           = 32
	pubkeyHashBytes     = 20
	paymentHashLen      = 20
	amountLen           = 16
	signatureLen        = 65
	preimageLen         = 32

	// v1 解锁类型
	unlockTypeRevocation     = 0xFF
	unlockTypeNonPendingHtlc = 0xFE

	// v2 unlock_count 为0表示撤销
	unlockCountRevocation = 0x00

	preimageAbsent = "N/A"

	// ExpiryTimeLayout HTLC 过期时间的展示格式（本地时区）
	ExpiryTimeLayout = "2006-01-02 15:04:05"
)

// byteReader 带边界检查的顺序读取器，读越界返回错误
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) next(n int, field string) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("读取 %s 越界: 偏移 %d 需要 %d 字节, 剩余 %d 字节", field, r.pos, n, r.remaining())
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *byteReader) u8(field string) (uint8, error) {
	b, err := r.next(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *byteReader) u64(field string) (uint64, error) {
	b, err := r.next(8, field)
	if err != nil {
		return 0, err
	}
	return leBytesToBig(b).Uint64(), nil
}

func (r *byteReader) u128(field string) (*big.Int, error) {
	b, err := r.next(amountLen, field)
	if err != nil {
		return nil, err
	}
	return leBytesToBig(b), nil
}

func (r *byteReader) hexField(n int, field string) (string, error) {
	b, err := r.next(n, field)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b), nil
}

// rest 读取剩余全部字节
func (r *byteReader) rest() string {
	b := r.buf[r.pos:]
	r.pos = len(r.buf)
	return "0x" + hex.EncodeToString(b)
}

func (r *byteReader) remaining() int {
	return len(r.buf) - r.pos
}

// newWitnessReader 解码十六进制并读取公共的 empty_witness_args 前缀与判别字节
func newWitnessReader(witness string, format models.LockArgsFormat) (*byteReader, *models.ParsedWitness, uint8, error) {
	s := strip0x(witness)
	if len(s)%2 == 1 {
		return nil, nil, 0, fmt.Errorf("见证长度为奇数: %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("见证不是有效的十六进制: %w", err)
	}

	r := &byteReader{buf: raw}
	empty, err := r.hexField(emptyWitnessArgsLen, "empty_witness_args")
	if err != nil {
		return nil, nil, 0, err
	}
	disc, err := r.u8("discriminator")
	if err != nil {
		return nil, nil, 0, err
	}

	return r, &models.ParsedWitness{Format: format, EmptyWitnessArgs: empty}, disc, nil
}

// ParseWitnessV1 解析 v1 见证
// PendingHtlc 在签名之后若还有字节，必须是完整的32字节 preimage，
// 剩余1到31字节时返回错误而不是截断的 preimage
func ParseWitnessV1(witness string) (*models.ParsedWitness, error) {
	r, parsed, unlockType, err := newWitnessReader(witness, models.LockArgsV1)
	if err != nil {
		return nil, err
	}
	parsed.UnlockType = &unlockType

	switch unlockType {
	case unlockTypeRevocation:
		rev, err := parseRevocation(r)
		if err != nil {
			return nil, err
		}
		parsed.Kind = models.WitnessRevocation
		parsed.Revocation = rev

	case unlockTypeNonPendingHtlc:
		pubkey, err := r.hexField(pubkeyLen, "pubkey")
		if err != nil {
			return nil, err
		}
		parsed.Kind = models.WitnessNonPendingHtlc
		parsed.NonPendingHtlc = &models.NonPendingHtlcUnlock{
			Pubkey:    pubkey,
			Signature: r.rest(),
		}

	default:
		pending, err := parsePendingHtlc(r)
		if err != nil {
			return nil, err
		}
		parsed.Kind = models.WitnessPendingHtlc
		parsed.PendingHtlc = pending
	}

	return parsed, nil
}

// ParseWitnessV2 解析 v2 见证
func ParseWitnessV2(witness string) (*models.ParsedWitness, error) {
	r, parsed, unlockCount, err := newWitnessReader(witness, models.LockArgsV2)
	if err != nil {
		return nil, err
	}
	parsed.UnlockCount = &unlockCount

	if unlockCount == unlockCountRevocation {
		rev, err := parseRevocation(r)
		if err != nil {
			return nil, err
		}
		parsed.Kind = models.WitnessRevocation
		parsed.Revocation = rev
		return parsed, nil
	}

	settlement, err := parseSettlement(r, unlockCount)
	if err != nil {
		return nil, err
	}
	parsed.Kind = models.WitnessSettlement
	parsed.Settlement = settlement
	return parsed, nil
}

// DecodeWitness 按格式解码见证，解码错误合并进 Error 分支而不是返回
func DecodeWitness(witness string, format models.LockArgsFormat) *models.ParsedWitness {
	var (
		parsed *models.ParsedWitness
		err    error
	)
	if format == models.LockArgsV1 {
		parsed, err = ParseWitnessV1(witness)
	} else {
		parsed, err = ParseWitnessV2(witness)
	}
	if err != nil {
		return models.NewErrorWitness(format, err.Error())
	}
	return parsed
}

func parseRevocation(r *byteReader) (*models.RevocationUnlock, error) {
	version, err := r.u64("revocation.version")
	if err != nil {
		return nil, err
	}
	pubkey, err := r.hexField(pubkeyLen, "revocation.pubkey")
	if err != nil {
		return nil, err
	}
	return &models.RevocationUnlock{
		Version:   version,
		Pubkey:    pubkey,
		Signature: r.rest(),
	}, nil
}

func parsePendingHtlc(r *byteReader) (*models.PendingHtlcUnlock, error) {
	count, err := r.u8("pending_htlc_count")
	if err != nil {
		return nil, err
	}
	htlcs, err := parseHtlcs(r, count)
	if err != nil {
		return nil, err
	}
	sig, err := r.hexField(signatureLen, "signature")
	if err != nil {
		return nil, err
	}

	preimage := preimageAbsent
	if r.remaining() > 0 {
		if preimage, err = r.hexField(preimageLen, "preimage"); err != nil {
			return nil, err
		}
	}

	return &models.PendingHtlcUnlock{
		PendingHtlcCount: count,
		Htlcs:            htlcs,
		Signature:        sig,
		Preimage:         preimage,
	}, nil
}

func parseSettlement(r *byteReader, unlockCount uint8) (*models.SettlementUnlock, error) {
	count, err := r.u8("pending_htlc_count")
	if err != nil {
		return nil, err
	}
	htlcs, err := parseHtlcs(r, count)
	if err != nil {
		return nil, err
	}

	s := &models.SettlementUnlock{PendingHtlcCount: count, Htlcs: htlcs}
	if s.SettlementRemotePubkeyHash, err = r.hexField(pubkeyHashBytes, "settlement_remote_pubkey_hash"); err != nil {
		return nil, err
	}
	if s.SettlementRemoteAmount, err = r.u128("settlement_remote_amount"); err != nil {
		return nil, err
	}
	if s.SettlementLocalPubkeyHash, err = r.hexField(pubkeyHashBytes, "settlement_local_pubkey_hash"); err != nil {
		return nil, err
	}
	if s.SettlementLocalAmount, err = r.u128("settlement_local_amount"); err != nil {
		return nil, err
	}

	s.Unlocks = make([]models.SettlementUnlockEntry, 0, unlockCount)
	for i := 0; i < int(unlockCount); i++ {
		entry := models.SettlementUnlockEntry{Preimage: preimageAbsent}
		if entry.UnlockType, err = r.u8(fmt.Sprintf("unlocks[%d].unlock_type", i)); err != nil {
			return nil, err
		}
		if entry.WithPreimage, err = r.u8(fmt.Sprintf("unlocks[%d].with_preimage", i)); err != nil {
			return nil, err
		}
		if entry.Signature, err = r.hexField(signatureLen, fmt.Sprintf("unlocks[%d].signature", i)); err != nil {
			return nil, err
		}
		if entry.WithPreimage == 1 {
			if entry.Preimage, err = r.hexField(preimageLen, fmt.Sprintf("unlocks[%d].preimage", i)); err != nil {
				return nil, err
			}
		}
		s.Unlocks = append(s.Unlocks, entry)
	}

	return s, nil
}

func parseHtlcs(r *byteReader, count uint8) ([]models.ParsedHtlc, error) {
	htlcs := make([]models.ParsedHtlc, 0, count)
	for i := 0; i < int(count); i++ {
		htlc, err := parseHtlc(r, i)
		if err != nil {
			return nil, err
		}
		htlcs = append(htlcs, *htlc)
	}
	return htlcs, nil
}

func parseHtlc(r *byteReader, i int) (*models.ParsedHtlc, error) {
	field := func(name string) string { return fmt.Sprintf("htlcs[%d].%s", i, name) }

	var (
		h   models.ParsedHtlc
		err error
	)
	if h.HtlcType, err = r.u8(field("htlc_type")); err != nil {
		return nil, err
	}
	if h.PaymentAmount, err = r.u128(field("payment_amount")); err != nil {
		return nil, err
	}
	if h.PaymentHash, err = r.hexField(paymentHashLen, field("payment_hash")); err != nil {
		return nil, err
	}
	if h.RemoteHtlcPubkeyHash, err = r.hexField(pubkeyHashBytes, field("remote_htlc_pubkey_hash")); err != nil {
		return nil, err
	}
	if h.LocalHtlcPubkeyHash, err = r.hexField(pubkeyHashBytes, field("local_htlc_pubkey_hash")); err != nil {
		return nil, err
	}

	expiry, err := r.u64(field("htlc_expiry"))
	if err != nil {
		return nil, err
	}
	seconds := expiry & mask56
	if seconds > math.MaxUint64/1000 {
		return nil, fmt.Errorf("%s 溢出: %d", field("htlc_expiry"), seconds)
	}
	h.HtlcExpiryTimestamp = seconds * 1000
	h.HtlcExpiry = FormatExpiry(h.HtlcExpiryTimestamp)

	return &h, nil
}

// FormatExpiry 将毫秒时间戳格式化为本地时间
func FormatExpiry(ms uint64) string {
	if ms > math.MaxInt64 {
		return ""
	}
	return time.UnixMilli(int64(ms)).Local().Format(ExpiryTimeLayout)
}
