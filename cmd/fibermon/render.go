package main

import (
	"fmt"
	"io"
	"math/big"
	"sort"
	"strconv"
	"time"

	"fibermon/internal/collector"
	"fibermon/internal/connection"
	"fibermon/internal/progress"
	"fibermon/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

// shannonDecimals 1 CKB = 10^8 shannon
const shannonDecimals = 8

// formatCKB 将 shannon 转为 CKB，固定8位小数
func formatCKB(shannons *big.Int) string {
	if shannons == nil {
		return "-"
	}
	return decimal.NewFromBigInt(shannons, -shannonDecimals).StringFixed(shannonDecimals)
}

func formatCapacity(shannons uint64) string {
	return formatCKB(new(big.Int).SetUint64(shannons))
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "-"
	}
	return v.String()
}

func shortHash(h common.Hash) string {
	s := h.Hex()
	return s[:10] + "..." + s[len(s)-8:]
}

func witnessKind(w *models.ParsedWitness) string {
	if w == nil {
		return "-"
	}
	if w.IsError() {
		return fmt.Sprintf("%s (%s)", w.Kind, w.Error)
	}
	return fmt.Sprintf("%s v%d", w.Kind, w.Format)
}

func renderCells(w io.Writer, title string, cells []models.CellInfo) {
	fmt.Fprintf(w, "%s (%d)\n", title, len(cells))
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Lock Args", "Capacity (CKB)", "UDT Args", "UDT Amount"})
	for i, cell := range cells {
		udtArgs, udtAmount := "-", "-"
		if cell.HasUDT() {
			udtArgs = cell.UdtArgs
			udtAmount = cell.UdtCapacity.String()
		}
		table.Append([]string{
			strconv.Itoa(i),
			cell.Args,
			formatCapacity(cell.Capacity),
			udtArgs,
			udtAmount,
		})
	}
	table.Render()
}

func renderTxMessage(w io.Writer, msg *models.TxMessage) {
	table := tablewriter.NewWriter(w)
	table.Append([]string{"Tx Hash", msg.TxHash.Hex()})
	table.Append([]string{"Status", msg.Status})
	table.Append([]string{"Block", msg.BlockNumber})
	table.Append([]string{"Timestamp", msg.BlockTimestamp})
	table.Append([]string{"Fee (CKB)", formatCKB(msg.Fee)})
	table.Append([]string{"UDT Fee", formatAmount(msg.UdtFee)})
	table.Append([]string{"Witness", witnessKind(msg.ParsedWitness)})
	table.Render()

	renderCells(w, "Inputs", msg.InputCells)
	renderCells(w, "Outputs", msg.OutputCells)

	if len(msg.BalanceChanges) == 0 {
		return
	}
	args := make([]string, 0, len(msg.BalanceChanges))
	for a := range msg.BalanceChanges {
		args = append(args, a)
	}
	sort.Strings(args)

	fmt.Fprintln(w, "Balance Changes")
	changes := tablewriter.NewWriter(w)
	changes.SetHeader([]string{"Lock Args", "CKB", "UDT"})
	for _, a := range args {
		c := msg.BalanceChanges[a]
		changes.Append([]string{a, formatCKB(c.CKB), formatAmount(c.UDT)})
	}
	changes.Render()
}

func renderTrace(w io.Writer, openTxHash common.Hash, items []models.TraceItem) {
	fmt.Fprintf(w, "Channel %s\n", openTxHash.Hex())
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Step", "Tx Hash", "Status", "Block", "Fee (CKB)", "Witness"})
	for i, item := range items {
		row := []string{strconv.Itoa(i + 1), item.TxHash.Hex(), "-", "-", "-", "-"}
		if item.Msg != nil {
			row[2] = item.Msg.Status
			row[3] = item.Msg.BlockNumber
			row[4] = formatCKB(item.Msg.Fee)
			row[5] = witnessKind(item.Msg.ParsedWitness)
		}
		table.Append(row)
	}
	table.Render()
}

func renderBatchSummary(w io.Writer, result *collector.BatchResult) {
	table := tablewriter.NewWriter(w)
	table.Append([]string{"Channels", strconv.Itoa(len(result.Results))})
	table.Append([]string{"Succeeded", strconv.Itoa(result.Succeeded)})
	table.Append([]string{"Failed", strconv.Itoa(result.Failed)})
	table.Append([]string{"Total Steps", strconv.Itoa(result.TotalSteps)})
	table.Append([]string{"Duration", result.Duration.String()})
	table.Render()
}

func renderBalance(w io.Writer, balance *models.AccountBalance) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Asset", "Balance", "Cells"})
	table.Append([]string{
		"CKB",
		formatCKB(balance.CKBBalance),
		strconv.FormatUint(uint64(balance.CKBCellCount), 10),
	})
	for _, udt := range balance.UDTBalances {
		table.Append([]string{
			udt.Name,
			formatAmount(udt.Balance),
			strconv.FormatUint(uint64(udt.CellCount), 10),
		})
	}
	table.Render()
}

func renderProgress(w io.Writer, traces []*progress.TraceProgress, stats map[string]interface{}) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Open Tx", "Status", "Steps", "Last Tx", "Updated", "Error"})
	for _, p := range traces {
		table.Append([]string{
			shortHash(p.OpenTxHash),
			p.Status,
			strconv.Itoa(p.Steps),
			shortHash(p.LastTxHash),
			p.LastUpdateTime.Format(time.RFC3339),
			p.Error,
		})
	}
	table.Render()

	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	summary := tablewriter.NewWriter(w)
	for _, k := range keys {
		summary.Append([]string{k, fmt.Sprint(stats[k])})
	}
	summary.Render()
}

func renderLockArgs(w io.Writer, parsed *models.ParsedLockArgs) {
	table := tablewriter.NewWriter(w)
	table.Append([]string{"Format", fmt.Sprintf("v%d", parsed.Format)})
	table.Append([]string{"Pubkey Hash", parsed.PubkeyHash})
	table.Append([]string{"Delay Epoch", fmt.Sprintf("%d %d/%d (0x%x)",
		parsed.DelayEpoch.Number, parsed.DelayEpoch.Index, parsed.DelayEpoch.Length, parsed.DelayEpoch.Value)})
	table.Append([]string{"Version", strconv.FormatUint(parsed.Version, 10)})
	if parsed.Format == models.LockArgsV1 {
		table.Append([]string{"HTLCs", parsed.Htlcs})
	} else {
		table.Append([]string{"Settlement Hash", parsed.SettlementHash})
		flag := "-"
		if parsed.SettlementFlag != nil {
			flag = strconv.Itoa(int(*parsed.SettlementFlag))
		}
		table.Append([]string{"Settlement Flag", flag})
	}
	table.Render()
}

func renderNodes(w io.Writer, stats []connection.NodeStats) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "URL", "Priority", "Healthy", "Tip Block", "Failures", "Last Check"})
	for _, n := range stats {
		table.Append([]string{
			n.Name,
			n.URL,
			strconv.Itoa(n.Priority),
			strconv.FormatBool(n.IsHealthy),
			strconv.FormatUint(n.TipBlock, 10),
			strconv.Itoa(n.Failures),
			n.LastCheck,
		})
	}
	table.Render()
}
