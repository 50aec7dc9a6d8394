package collector

import (
	"math/big"

	"fibermon/internal/decoder"
	"fibermon/pkg/models"
)

// ComputeBalance 汇总一页 cell 的 CKB 与已注册 UDT 余额
// 带有未注册类型脚本的 cell 只计入 CKB
func ComputeBalance(cells []models.LiveCell, udts []models.UDTScript) *models.AccountBalance {
	balance := &models.AccountBalance{
		CKBBalance:  new(big.Int),
		UDTBalances: []models.UDTBalance{},
		Cells:       cells,
	}

	// 按注册顺序输出，只保留出现过的 UDT
	slots := make([]*models.UDTBalance, len(udts))

	for i := range cells {
		output := &cells[i].Output
		match := -1
		if output.Type != nil {
			match = matchUDT(output.Type, udts)
		}

		if match < 0 {
			balance.CKBBalance.Add(balance.CKBBalance, new(big.Int).SetUint64(uint64(output.Capacity)))
			balance.CKBCellCount++
			continue
		}

		slot := slots[match]
		if slot == nil {
			slot = &models.UDTBalance{
				Name:       udts[match].Name,
				TypeScript: udts[match].Script,
				Balance:    new(big.Int),
			}
			slots[match] = slot
		}
		slot.Balance.Add(slot.Balance, cellUDTAmount(cells[i].OutputData))
		slot.CellCount++
	}

	for _, slot := range slots {
		if slot != nil {
			balance.UDTBalances = append(balance.UDTBalances, *slot)
		}
	}
	return balance
}

func matchUDT(typeScript *models.Script, udts []models.UDTScript) int {
	for i := range udts {
		if typeScript.Equal(udts[i].Script) {
			return i
		}
	}
	return -1
}

// cellUDTAmount 数据不足16字节时数量为零
func cellUDTAmount(data []byte) *big.Int {
	if len(data) < decoder.UDTAmountLen {
		return new(big.Int)
	}
	return decoder.UDTAmount(data)
}
