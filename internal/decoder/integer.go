package decoder

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"fibermon/pkg/models"
)

const (
	epochNumberBits = 24
	epochIndexBits  = 16
	epochLengthBits = 16

	epochIndexShift  = epochNumberBits
	epochLengthShift = epochNumberBits + epochIndexBits

	// 56位掩码，epoch 与 HTLC 过期时间都只使用低56位
	mask56 = uint64(1)<<56 - 1
)

// strip0x 移除0x前缀
func strip0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}

// LEHexToBig 将小端序十六进制字符串解析为大整数，支持任意宽度
func LEHexToBig(s string) (*big.Int, error) {
	s = strip0x(s)
	if s == "" {
		return new(big.Int), nil
	}

	// 奇数长度时在前面补一个0
	if len(s)%2 == 1 {
		s = "0" + s
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("无效的十六进制字符串 %q: %w", s, err)
	}

	return leBytesToBig(raw), nil
}

// leBytesToBig 反转字节序后按大端解析
func leBytesToBig(raw []byte) *big.Int {
	be := make([]byte, len(raw))
	for i, b := range raw {
		be[len(raw)-1-i] = b
	}
	return new(big.Int).SetBytes(be)
}

// LEHexToUint64 解析不超过8字节的小端序十六进制
func LEHexToUint64(s string) (uint64, error) {
	v, err := LEHexToBig(s)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("数值超出 uint64 范围: %s", v.String())
	}
	return v.Uint64(), nil
}

// BigToLEHex 将非负大整数编码为小端序十六进制（不带0x）
// size 为字节宽度，0 表示最小宽度
func BigToLEHex(v *big.Int, size int) string {
	be := v.Bytes()
	n := len(be)
	if size > n {
		n = size
	}

	le := make([]byte, n)
	for i, b := range be {
		le[len(be)-1-i] = b
	}
	return hex.EncodeToString(le)
}

// UnpackEpoch 拆分 epoch 字段，56位以上的高位被丢弃
func UnpackEpoch(v uint64) models.ParsedEpoch {
	return models.ParsedEpoch{
		Number: uint32(v & (1<<epochNumberBits - 1)),
		Index:  uint16((v >> epochIndexShift) & (1<<epochIndexBits - 1)),
		Length: uint16((v >> epochLengthShift) & (1<<epochLengthBits - 1)),
		Value:  v,
	}
}

// PackEpoch 组合 epoch 字段
func PackEpoch(number uint32, index, length uint16) uint64 {
	return uint64(number)&(1<<epochNumberBits-1) |
		uint64(index)<<epochIndexShift |
		uint64(length)<<epochLengthShift
}

// Repack 由子字段重新计算 epoch 值
func Repack(e models.ParsedEpoch) uint64 {
	return PackEpoch(e.Number, e.Index, e.Length)
}

// UDTAmountLen UDT 数量字段的字节长度（u128）
const UDTAmountLen = 16

// UDTAmount 以小端 u128 解析 cell data 的前16字节，不足16字节时解析已有部分
func UDTAmount(data []byte) *big.Int {
	if len(data) > UDTAmountLen {
		data = data[:UDTAmountLen]
	}
	return leBytesToBig(data)
}
