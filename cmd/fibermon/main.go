package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fibermon/internal/app"
	"fibermon/internal/config"
	"fibermon/internal/decoder"
	"fibermon/internal/validation"
	"fibermon/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
	jsonOutput bool

	// balance 参数
	lockCodeHash string
	lockHashType string
	lockArgs     string

	// decode 参数
	witnessFormat int

	// progress 参数
	resetProgress bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "fibermon",
		Short:         "Fiber 通道链上数据解析工具",
		Long:          `解析 Fiber 支付通道的锁脚本参数与见证，追踪通道从开启到结算的全部交易，并统计账户余额`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "以JSON格式输出")

	txCmd := &cobra.Command{
		Use:   "tx <tx-hash>",
		Short: "解析单笔交易的经济效果",
		Args:  cobra.ExactArgs(1),
		RunE:  runTx,
	}

	traceCmd := &cobra.Command{
		Use:   "trace <open-tx-hash>...",
		Short: "从开通交易追踪通道的结算历史",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runTrace,
	}

	balanceCmd := &cobra.Command{
		Use:   "balance",
		Short: "统计锁脚本下的 CKB 与 UDT 余额",
		RunE:  runBalance,
	}
	balanceCmd.Flags().StringVar(&lockCodeHash, "code-hash", "", "锁脚本 code hash")
	balanceCmd.Flags().StringVar(&lockHashType, "hash-type", "type", "锁脚本 hash type")
	balanceCmd.Flags().StringVar(&lockArgs, "args", "0x", "锁脚本 args")
	_ = balanceCmd.MarkFlagRequired("code-hash")

	progressCmd := &cobra.Command{
		Use:   "progress",
		Short: "查看通道追踪进度",
		RunE:  showProgress,
	}
	progressCmd.Flags().BoolVar(&resetProgress, "reset", false, "清空全部追踪进度")

	decodeCmd := &cobra.Command{
		Use:   "decode",
		Short: "离线解码通道数据",
	}
	decodeLockArgsCmd := &cobra.Command{
		Use:   "lock-args <hex>",
		Short: "解码通道锁脚本参数",
		Args:  cobra.ExactArgs(1),
		RunE:  runDecodeLockArgs,
	}
	decodeWitnessCmd := &cobra.Command{
		Use:   "witness <hex>",
		Short: "解码通道见证",
		Args:  cobra.ExactArgs(1),
		RunE:  runDecodeWitness,
	}
	decodeWitnessCmd.Flags().IntVar(&witnessFormat, "format", 2, "锁脚本参数版本 (1 或 2)")
	decodeCmd.AddCommand(decodeLockArgsCmd, decodeWitnessCmd)

	nodesCmd := &cobra.Command{
		Use:   "nodes",
		Short: "检查节点健康状态",
		RunE:  runNodes,
	}

	rootCmd.AddCommand(txCmd, traceCmd, balanceCmd, progressCmd, decodeCmd, nodesCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// setup 加载配置并组装运行时，返回的上下文在收到中断信号时取消
func setup() (context.Context, *app.Runtime, func(), error) {
	logger := app.NewLogger(verbose)

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}

	cleanup := func() {
		stop()
		if err := rt.Close(); err != nil {
			logger.Warnf("关闭组件失败: %v", err)
		}
	}
	return ctx, rt, cleanup, nil
}

func runTx(cmd *cobra.Command, args []string) error {
	txHash, err := validation.ParseHash(args[0])
	if err != nil {
		return err
	}

	ctx, rt, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	msg, err := rt.Collector.BuildTxMessage(ctx, txHash)
	if err != nil {
		return fmt.Errorf("解析交易失败: %w", err)
	}

	if jsonOutput {
		return printJSON(msg)
	}
	renderTxMessage(os.Stdout, msg)
	return nil
}

func runTrace(cmd *cobra.Command, args []string) error {
	hashes := make([]common.Hash, 0, len(args))
	for _, arg := range args {
		h, err := validation.ParseHash(arg)
		if err != nil {
			return err
		}
		hashes = append(hashes, h)
	}

	ctx, rt, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	if len(hashes) == 1 {
		items, err := rt.Collector.Trace(ctx, hashes[0], func(step int, txHash common.Hash) {
			rt.Logger.Debugf("追踪第 %d 步: %s", step, txHash.Hex())
		})
		if jsonOutput {
			if perr := printJSON(items); perr != nil {
				return perr
			}
		} else {
			renderTrace(os.Stdout, hashes[0], items)
		}
		if err != nil {
			return fmt.Errorf("追踪通道失败: %w", err)
		}
		return nil
	}

	result, err := rt.Collector.TraceBatch(ctx, hashes)
	if result != nil {
		if jsonOutput {
			if perr := printJSON(result); perr != nil {
				return perr
			}
		} else {
			for _, r := range result.Results {
				renderTrace(os.Stdout, r.OpenTxHash, r.Items)
				if r.Error != "" {
					fmt.Fprintf(os.Stdout, "追踪失败: %s\n", r.Error)
				}
			}
			renderBatchSummary(os.Stdout, result)
		}
	}
	if err != nil {
		return fmt.Errorf("批量追踪中断: %w", err)
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d 个通道追踪失败", result.Failed)
	}
	return nil
}

func runBalance(cmd *cobra.Command, args []string) error {
	udt := &config.UDTConfig{Name: "lock", CodeHash: lockCodeHash, HashType: lockHashType, Args: lockArgs}
	lock, err := udt.Script()
	if err != nil {
		return fmt.Errorf("锁脚本无效: %w", err)
	}

	ctx, rt, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	balance, err := rt.Collector.AccountBalance(ctx, lock)
	if err != nil {
		return fmt.Errorf("统计余额失败: %w", err)
	}

	if jsonOutput {
		return printJSON(balance)
	}
	renderBalance(os.Stdout, balance)
	return nil
}

// showProgress 显示追踪进度，只打开进度数据库
func showProgress(cmd *cobra.Command, args []string) error {
	logger := app.NewLogger(verbose)
	logger.SetLevel(logrus.WarnLevel)

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	pm, err := app.OpenProgress(cfg, logger)
	if err != nil {
		return err
	}
	defer pm.Close()

	if resetProgress {
		if err := pm.Reset(); err != nil {
			return fmt.Errorf("重置进度失败: %w", err)
		}
		fmt.Println("进度已重置")
		return nil
	}

	traces, err := pm.ListTraces()
	if err != nil {
		return fmt.Errorf("读取进度失败: %w", err)
	}

	if jsonOutput {
		return printJSON(map[string]interface{}{
			"traces": traces,
			"stats":  pm.GetStats(),
		})
	}
	fmt.Printf("进度数据库: %s\n", pm.GetDBPath())
	renderProgress(os.Stdout, traces, pm.GetStats())
	return nil
}

func runNodes(cmd *cobra.Command, args []string) error {
	ctx, rt, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	rt.Pool.CheckNow(ctx)
	stats := rt.Pool.GetStats()
	if jsonOutput {
		return printJSON(stats)
	}
	renderNodes(os.Stdout, stats)

	client, err := rt.Pool.GetClient()
	if err != nil {
		return err
	}
	fmt.Printf("当前节点: %s\n", client.Name())
	return nil
}

func runDecodeLockArgs(cmd *cobra.Command, args []string) error {
	hexArgs := args[0]
	if err := validation.ValidateLockArgs(hexArgs); err != nil {
		return err
	}
	parsed := decoder.ParseLockArgs(hexArgs)
	if jsonOutput {
		return printJSON(parsed)
	}
	renderLockArgs(os.Stdout, parsed)
	return nil
}

func runDecodeWitness(cmd *cobra.Command, args []string) error {
	if _, err := hexutil.Decode(args[0]); err != nil {
		return fmt.Errorf("见证不是有效的十六进制: %w", err)
	}

	var format models.LockArgsFormat
	switch witnessFormat {
	case 1:
		format = models.LockArgsV1
	case 2:
		format = models.LockArgsV2
	default:
		return fmt.Errorf("不支持的锁脚本参数版本: %d", witnessFormat)
	}

	parsed := decoder.DecodeWitness(args[0], format)
	if err := printJSON(parsed); err != nil {
		return err
	}
	if parsed.IsError() {
		return fmt.Errorf("见证解码失败: %s", parsed.Error)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
