package decoder

import (
	"strconv"

	"fibermon/pkg/models"
)

// 锁脚本参数的十六进制偏移（2个字符 = 1字节）
const (
	pubkeyHashOffset = 0
	pubkeyHashLen    = 40
	delayEpochOffset = pubkeyHashOffset + pubkeyHashLen
	delayEpochLen    = 16
	versionOffset    = delayEpochOffset + delayEpochLen
	versionLen       = 16
	lockArgsTailOff  = versionOffset + versionLen

	settlementHashLen = 40
	settlementFlagOff = lockArgsTailOff + settlementHashLen
	settlementFlagLen = 2

	// MinLockArgsHexLen pubkey_hash + delay_epoch + version
	MinLockArgsHexLen = lockArgsTailOff
)

// substr 越界时截断，不会 panic
func substr(s string, start, length int) string {
	if start >= len(s) {
		return ""
	}
	end := start + length
	if length < 0 || end > len(s) {
		end = len(s)
	}
	return s[start:end]
}

func prefixed(s string) string {
	if s == "" {
		return ""
	}
	return "0x" + s
}

// leField 解析小端字段，非法或为空时返回0
func leField(s string) uint64 {
	v, err := LEHexToUint64(s)
	if err != nil {
		return 0
	}
	return v
}

// parseLockArgsHead 解析 v1/v2 共用的前36字节
func parseLockArgsHead(args string, format models.LockArgsFormat) *models.ParsedLockArgs {
	return &models.ParsedLockArgs{
		Format:     format,
		PubkeyHash: prefixed(substr(args, pubkeyHashOffset, pubkeyHashLen)),
		DelayEpoch: UnpackEpoch(leField(substr(args, delayEpochOffset, delayEpochLen))),
		Version:    leField(substr(args, versionOffset, versionLen)),
	}
}

// ParseLockArgsV1 解析 v1 锁脚本参数，剩余部分作为不透明的 htlcs
// 长度不足时字段为空，调用方需先做长度校验
func ParseLockArgsV1(hexArgs string) *models.ParsedLockArgs {
	args := strip0x(hexArgs)
	parsed := parseLockArgsHead(args, models.LockArgsV1)
	parsed.Htlcs = prefixed(substr(args, lockArgsTailOff, -1))
	return parsed
}

// ParseLockArgsV2 解析 v2 锁脚本参数
func ParseLockArgsV2(hexArgs string) *models.ParsedLockArgs {
	args := strip0x(hexArgs)
	parsed := parseLockArgsHead(args, models.LockArgsV2)
	parsed.SettlementHash = prefixed(substr(args, lockArgsTailOff, settlementHashLen))

	if flag := substr(args, settlementFlagOff, settlementFlagLen); len(flag) == settlementFlagLen {
		if v, err := strconv.ParseUint(flag, 16, 8); err == nil {
			f := uint8(v)
			parsed.SettlementFlag = &f
		}
	}
	return parsed
}

// LockArgsVersion 读取偏移56处的版本字段（小端）
// 参数不足72个十六进制字符时返回 false
func LockArgsVersion(hexArgs string) (uint64, bool) {
	args := strip0x(hexArgs)
	if len(args) < MinLockArgsHexLen {
		return 0, false
	}
	v, err := LEHexToUint64(args[versionOffset : versionOffset+versionLen])
	if err != nil {
		return 0, false
	}
	return v, true
}

// SelectFormat 版本字段恰好为1时使用 v1，否则 v2
func SelectFormat(version uint64) models.LockArgsFormat {
	if version == 1 {
		return models.LockArgsV1
	}
	return models.LockArgsV2
}

// ParseLockArgs 按版本字段分派到 v1 或 v2
func ParseLockArgs(hexArgs string) *models.ParsedLockArgs {
	version, _ := LockArgsVersion(hexArgs)
	if SelectFormat(version) == models.LockArgsV1 {
		return ParseLockArgsV1(hexArgs)
	}
	return ParseLockArgsV2(hexArgs)
}
