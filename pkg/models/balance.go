package models

import (
	"math/big"
)

// UDTScript 已注册的 UDT 类型脚本
type UDTScript struct {
	Name   string  `json:"name"`
	Script *Script `json:"script"`
}

// UDTBalance 单个 UDT 的余额
type UDTBalance struct {
	Name       string   `json:"name"`
	TypeScript *Script  `json:"type_script"`
	Balance    *big.Int `json:"balance"`
	CellCount  uint32   `json:"cell_count"`
}

// AccountBalance 某个锁脚本下的账户余额
type AccountBalance struct {
	CKBBalance   *big.Int     `json:"ckb_balance"`
	CKBCellCount uint32       `json:"ckb_cell_count"`
	UDTBalances  []UDTBalance `json:"udt_balances"`
	Cells        []LiveCell   `json:"cells"`
}

// FindUDT 按名称查找 UDT 余额
func (a *AccountBalance) FindUDT(name string) *UDTBalance {
	for i := range a.UDTBalances {
		if a.UDTBalances[i].Name == name {
			return &a.UDTBalances[i]
		}
	}
	return nil
}
