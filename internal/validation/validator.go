package validation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"fibermon/internal/decoder"
	"fibermon/internal/errors"
	"fibermon/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
)

var (
	hashRegex = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")
	hexRegex  = regexp.MustCompile("^0x([0-9a-fA-F]{2})*$")
)

// Validator 数据验证器
type Validator struct {
	logger       *logrus.Logger
	strictMode   bool // 严格模式下警告也视为失败
	errorHandler *errors.ErrorHandler
	rules        map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                 `json:"valid"`
	Errors   []*errors.FiberError `json:"errors,omitempty"`
	Warnings []string             `json:"warnings,omitempty"`
	DataType string               `json:"data_type"`
}

func newResult(dataType string) *ValidationResult {
	return &ValidationResult{
		Valid:    true,
		DataType: dataType,
		Errors:   make([]*errors.FiberError, 0),
		Warnings: make([]string, 0),
	}
}

func (r *ValidationResult) fail(err *errors.FiberError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

// Err 合并为单个错误，验证通过时返回 nil
func (r *ValidationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// NewValidator 创建数据验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:       logger,
		strictMode:   strictMode,
		errorHandler: errors.NewErrorHandler(logger),
		rules:        make(map[string]ValidationRule),
	}

	v.registerDefaultRules()

	return v
}

// registerDefaultRules 注册默认验证规则
func (v *Validator) registerDefaultRules() {
	v.AddRule(NewHashValidationRule())
	v.AddRule(NewScriptValidationRule())
	v.AddRule(NewLockArgsValidationRule())
	v.AddRule(NewTransactionValidationRule())
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// applyRule 执行扩展规则，非 FiberError 的失败统一包装
func (v *Validator) applyRule(name string, data interface{}, result *ValidationResult) {
	rule, exists := v.rules[name]
	if !exists {
		return
	}
	if err := rule.Validate(data); err != nil {
		fe, ok := err.(*errors.FiberError)
		if !ok {
			fe = errors.WrapError(err, errors.ErrorTypeValidation, errors.SeverityMedium,
				"RULE_VALIDATION_FAILED", fmt.Sprintf("%s 规则验证失败", name))
		}
		result.fail(fe)
		v.errorHandler.HandleError(context.Background(), fe)
	}
}

// finish 严格模式下存在警告即判定失败
func (v *Validator) finish(result *ValidationResult) *ValidationResult {
	if v.strictMode && len(result.Warnings) > 0 && result.Valid {
		result.fail(errors.NewFiberError(errors.ErrorTypeValidation, errors.SeverityLow,
			"STRICT_MODE_WARNING", strings.Join(result.Warnings, "; ")))
	}
	return result
}

// ValidateTransaction 验证 get_transaction 返回的交易
func (v *Validator) ValidateTransaction(tx *models.TransactionWithStatus) *ValidationResult {
	result := newResult("transaction")
	if tx == nil {
		result.fail(errors.NewFiberError(errors.ErrorTypeValidation, errors.SeverityMedium,
			"EMPTY_TRANSACTION", "交易为空"))
		return result
	}

	if err := tx.Validate(); err != nil {
		result.fail(errors.WrapError(err, errors.ErrorTypeValidation, errors.SeverityHigh,
			"INVALID_TRANSACTION", "交易字段不完整"))
		return result
	}
	v.applyRule("transaction", tx, result)

	if len(tx.Transaction.Witnesses) < len(tx.Transaction.Inputs) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("见证数量(%d)少于输入数量(%d)", len(tx.Transaction.Witnesses), len(tx.Transaction.Inputs)))
	}
	if tx.TxStatus.Status == "committed" && tx.TxStatus.BlockHash == nil {
		result.Warnings = append(result.Warnings, "已上链交易缺少 block_hash")
	}

	return v.finish(result)
}

// ValidateHash 验证交易或区块哈希
func (v *Validator) ValidateHash(hash string) *ValidationResult {
	result := newResult("hash")
	v.applyRule("hash", hash, result)
	return v.finish(result)
}

// ValidateScript 验证锁脚本或类型脚本
func (v *Validator) ValidateScript(script *models.Script) *ValidationResult {
	result := newResult("script")
	if script == nil {
		result.fail(errors.NewFiberError(errors.ErrorTypeValidation, errors.SeverityMedium,
			"EMPTY_SCRIPT", "脚本为空"))
		return result
	}

	v.applyRule("script", script, result)
	if script.CodeHash == (common.Hash{}) {
		result.Warnings = append(result.Warnings, "code_hash 为全零")
	}
	return v.finish(result)
}

// ValidateLockArgs 验证通道锁脚本参数
func (v *Validator) ValidateLockArgs(hexArgs string) *ValidationResult {
	result := newResult("lock_args")
	v.applyRule("lock_args", hexArgs, result)
	return v.finish(result)
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	return map[string]interface{}{
		"strict_mode":      v.strictMode,
		"registered_rules": len(v.rules),
		"error_stats":      v.errorHandler.GetStats(),
	}
}

// SetStrictMode 设置严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
	v.logger.Infof("验证器严格模式设置为: %t", strict)
}

// IsValidHash 验证32字节哈希格式
func IsValidHash(hash string) bool {
	return hashRegex.MatchString(hash)
}

// ParseHash 解析带0x前缀的32字节哈希
func ParseHash(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if !IsValidHash(s) {
		return common.Hash{}, errors.NewFiberError(errors.ErrorTypeValidation, errors.SeverityMedium,
			"INVALID_HASH_FORMAT", fmt.Sprintf("哈希格式无效: %q", s))
	}
	return common.HexToHash(s), nil
}

// ValidateLockArgs 长度不足72个十六进制字符时返回 ShortLockArgs 错误
// 解码器本身不拒绝短参数，调用方需在解码前检查
func ValidateLockArgs(hexArgs string) error {
	if !hexRegex.MatchString(hexArgs) {
		return errors.NewFiberError(errors.ErrorTypeValidation, errors.SeverityMedium,
			"INVALID_LOCK_ARGS", "锁脚本参数不是有效的十六进制")
	}
	if n := len(hexArgs) - 2; n < decoder.MinLockArgsHexLen {
		return errors.NewFiberError(errors.ErrorTypeValidation, errors.SeverityMedium,
			"SHORT_LOCK_ARGS", fmt.Sprintf("锁脚本参数过短: %d 个十六进制字符，至少需要 %d 个", n, decoder.MinLockArgsHexLen)).
			WithContext("length", n)
	}
	return nil
}

// HashValidationRule 哈希验证规则
type HashValidationRule struct{}

func NewHashValidationRule() *HashValidationRule {
	return &HashValidationRule{}
}

func (r *HashValidationRule) Name() string {
	return "hash"
}

func (r *HashValidationRule) Description() string {
	return "32字节哈希验证规则"
}

func (r *HashValidationRule) Validate(data interface{}) error {
	hash, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}
	_, err := ParseHash(hash)
	return err
}

// ScriptValidationRule 脚本验证规则
type ScriptValidationRule struct{}

func NewScriptValidationRule() *ScriptValidationRule {
	return &ScriptValidationRule{}
}

func (r *ScriptValidationRule) Name() string {
	return "script"
}

func (r *ScriptValidationRule) Description() string {
	return "锁脚本/类型脚本验证规则"
}

func (r *ScriptValidationRule) Validate(data interface{}) error {
	script, ok := data.(*models.Script)
	if !ok {
		return fmt.Errorf("数据类型不是脚本")
	}

	switch script.HashType {
	case models.HashTypeData, models.HashTypeType, models.HashTypeData1, models.HashTypeData2:
	default:
		return errors.NewFiberError(errors.ErrorTypeValidation, errors.SeverityMedium,
			"INVALID_HASH_TYPE", fmt.Sprintf("无效的 hash_type: %q", script.HashType))
	}
	return nil
}

// LockArgsValidationRule 通道锁脚本参数验证规则
type LockArgsValidationRule struct{}

func NewLockArgsValidationRule() *LockArgsValidationRule {
	return &LockArgsValidationRule{}
}

func (r *LockArgsValidationRule) Name() string {
	return "lock_args"
}

func (r *LockArgsValidationRule) Description() string {
	return "通道锁脚本参数长度验证规则"
}

func (r *LockArgsValidationRule) Validate(data interface{}) error {
	switch args := data.(type) {
	case string:
		return ValidateLockArgs(args)
	case hexutil.Bytes:
		return ValidateLockArgs(hexutil.Encode(args))
	default:
		return fmt.Errorf("数据类型不是锁脚本参数")
	}
}

// TransactionValidationRule 交易验证规则
type TransactionValidationRule struct{}

func NewTransactionValidationRule() *TransactionValidationRule {
	return &TransactionValidationRule{}
}

func (r *TransactionValidationRule) Name() string {
	return "transaction"
}

func (r *TransactionValidationRule) Description() string {
	return "交易数据验证规则"
}

func (r *TransactionValidationRule) Validate(data interface{}) error {
	tx, ok := data.(*models.TransactionWithStatus)
	if !ok {
		return fmt.Errorf("数据类型不是交易")
	}

	switch tx.TxStatus.Status {
	case "pending", "proposed", "committed":
	default:
		return errors.NewFiberError(errors.ErrorTypeValidation, errors.SeverityMedium,
			"UNKNOWN_TX_STATUS", fmt.Sprintf("未知的交易状态: %s", tx.TxStatus.Status)).
			WithTxHash(tx.Transaction.Hash.Hex())
	}
	return nil
}
