package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrWalletNotFound   = errors.New("wallet not found")
	ErrUnknownOrderType = errors.New("unknown order type")
	ErrUnknownStatus    = errors.New("unknown order status")
	ErrLegMissing       = errors.New("order leg missing")

	// ErrVersionConflict 乐观锁冲突：别的 worker 已经推进了这个订单，调用方重新加载再决定
	ErrVersionConflict = errors.New("version conflict")
	// ErrClaimed (coin, txId) 已被别的订单认领
	ErrClaimed = errors.New("transaction already claimed")
	// ErrStatusGuard 当前状态不允许推进该阶段
	ErrStatusGuard = errors.New("status does not accept stage")

	// ErrTxNotFound 阶段没能找到/确认链上交易，任务失败等待重试
	ErrTxNotFound = errors.New("transaction not found")
	// ErrUnsupportedLeg 链不支持该类出账
	ErrUnsupportedLeg = errors.New("leg kind not supported by chain")
	// ErrPayloadExpired 签名交易已过期且未上链，需要人工介入
	ErrPayloadExpired = errors.New("signed payload expired")
)

// TxFailure 业务错误：写入 leg.error / leg.last_error，订单状态切到 <stage>_err
type TxFailure struct {
	Code TxError
	Msg  string
	Err  error
}

func NewTxFailure(code TxError, msg string, cause error) *TxFailure {
	return &TxFailure{Code: code, Msg: msg, Err: cause}
}

func (e *TxFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *TxFailure) Unwrap() error { return e.Err }

// ChainError 链适配器重试耗尽后的不可恢复错误
type ChainError struct {
	Chain Chain
	Op    string
	Err   error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain %s %s: %v", e.Chain, e.Op, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// LastError leg.last_error 的 json 结构
type LastError struct {
	Stage   string    `json:"stage"`
	Code    TxError   `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Classify 把任意错误归到 TxError；非业务错误统一 UNKNOWN_ERROR
func Classify(err error) TxError {
	var f *TxFailure
	if errors.As(err, &f) {
		return f.Code
	}
	switch {
	case errors.Is(err, ErrUnsupportedLeg):
		return TxBadAsset
	case errors.Is(err, ErrTxNotFound):
		return TxHashNotFound
	}
	return TxUnknownError
}

// IsBlocked 金额超限或签名交易过期未上链这类失败，自动重试没有意义
func IsBlocked(err error) bool {
	return Classify(err).Blocking() || errors.Is(err, ErrPayloadExpired)
}

// IsDomainError 业务/输入错误：当前阶段切 err 状态
func IsDomainError(err error) bool {
	var f *TxFailure
	var ce *ChainError
	return errors.As(err, &f) || errors.As(err, &ce) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrUnknownOrderType) ||
		errors.Is(err, ErrLegMissing) ||
		errors.Is(err, ErrTxNotFound) ||
		errors.Is(err, ErrUnsupportedLeg) ||
		errors.Is(err, ErrPayloadExpired)
}

// EncodeLastError 生成 last_error json
func EncodeLastError(stage Stage, err error, now time.Time) string {
	b, _ := json.Marshal(LastError{
		Stage:   stage.String(),
		Code:    Classify(err),
		Message: err.Error(),
		At:      now.UTC(),
	})
	return string(b)
}
