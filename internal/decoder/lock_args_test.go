package decoder

import (
	"math/big"
	"strings"
	"testing"

	"fibermon/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockArgsHex(pubkeyHash string, epoch, version uint64, tail string) string {
	return "0x" + pubkeyHash +
		BigToLEHex(new(big.Int).SetUint64(epoch), 8) +
		BigToLEHex(new(big.Int).SetUint64(version), 8) +
		tail
}

func TestParseLockArgsV1(t *testing.T) {
	pkh := strings.Repeat("11", 20)
	epoch := PackEpoch(5, 1, 10)
	args := lockArgsHex(pkh, epoch, 1, "")

	parsed := ParseLockArgsV1(args)

	assert.Equal(t, models.LockArgsV1, parsed.Format)
	assert.Equal(t, "0x"+pkh, parsed.PubkeyHash)
	assert.Equal(t, uint32(5), parsed.DelayEpoch.Number)
	assert.Equal(t, uint16(1), parsed.DelayEpoch.Index)
	assert.Equal(t, uint16(10), parsed.DelayEpoch.Length)
	assert.Equal(t, epoch, parsed.DelayEpoch.Value)
	assert.Equal(t, uint64(1), parsed.Version)
	assert.Empty(t, parsed.Htlcs)
}

func TestParseLockArgsV1_OpaqueTail(t *testing.T) {
	args := lockArgsHex(strings.Repeat("ab", 20), 0, 1, "deadbeef")

	parsed := ParseLockArgsV1(args)
	assert.Equal(t, "0xdeadbeef", parsed.Htlcs)
}

func TestParseLockArgsV2(t *testing.T) {
	pkh := strings.Repeat("aa", 20)
	settlement := strings.Repeat("22", 20)
	epoch := PackEpoch(0x123456, 0x0102, 0x0304)

	parsed := ParseLockArgsV2(lockArgsHex(pkh, epoch, 0x0a0b, settlement+"01"))

	assert.Equal(t, models.LockArgsV2, parsed.Format)
	assert.Equal(t, "0x"+pkh, parsed.PubkeyHash)
	assert.Equal(t, uint32(0x123456), parsed.DelayEpoch.Number)
	assert.Equal(t, uint16(0x0102), parsed.DelayEpoch.Index)
	assert.Equal(t, uint16(0x0304), parsed.DelayEpoch.Length)
	assert.Equal(t, uint64(0x0a0b), parsed.Version)
	assert.Equal(t, "0x"+settlement, parsed.SettlementHash)
	require.NotNil(t, parsed.SettlementFlag)
	assert.Equal(t, uint8(1), *parsed.SettlementFlag)
}

func TestParseLockArgsV2_WithoutFlag(t *testing.T) {
	settlement := strings.Repeat("33", 20)
	parsed := ParseLockArgsV2(lockArgsHex(strings.Repeat("aa", 20), 0, 2, settlement))

	assert.Equal(t, "0x"+settlement, parsed.SettlementHash)
	assert.Nil(t, parsed.SettlementFlag)
}

func TestParseLockArgs_ShortInputTruncates(t *testing.T) {
	assert.NotPanics(t, func() {
		parsed := ParseLockArgsV1("0x1234")
		assert.Equal(t, "0x1234", parsed.PubkeyHash)
		assert.Equal(t, uint64(0), parsed.DelayEpoch.Value)
		assert.Equal(t, uint64(0), parsed.Version)
		assert.Empty(t, parsed.Htlcs)
	})

	assert.NotPanics(t, func() {
		parsed := ParseLockArgsV2("")
		assert.Empty(t, parsed.PubkeyHash)
		assert.Empty(t, parsed.SettlementHash)
		assert.Nil(t, parsed.SettlementFlag)
	})
}

func TestLockArgsVersion(t *testing.T) {
	pkh := strings.Repeat("11", 20)

	v, ok := LockArgsVersion(lockArgsHex(pkh, 0, 1, ""))
	assert.True(t, ok)
	assert.Equal(t, uint64(1), v)

	v, ok = LockArgsVersion(lockArgsHex(pkh, 0, 256, ""))
	assert.True(t, ok)
	assert.Equal(t, uint64(256), v)

	_, ok = LockArgsVersion("0x" + pkh)
	assert.False(t, ok)
}

func TestParseLockArgs_Dispatch(t *testing.T) {
	pkh := strings.Repeat("11", 20)

	assert.Equal(t, models.LockArgsV1, ParseLockArgs(lockArgsHex(pkh, 0, 1, "")).Format)
	assert.Equal(t, models.LockArgsV2, ParseLockArgs(lockArgsHex(pkh, 0, 0, "")).Format)
	assert.Equal(t, models.LockArgsV2, ParseLockArgs(lockArgsHex(pkh, 0, 2, "")).Format)
	// 长度不足时版本未知，按 v2 处理
	assert.Equal(t, models.LockArgsV2, ParseLockArgs("0x"+pkh).Format)
}
