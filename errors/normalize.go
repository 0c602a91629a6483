package errors

import (
	stdErrors "errors"
)

// concurrencyError is the shape eventing/store.ConcurrencyError and
// saga state-store conflicts both satisfy, matched structurally so this
// package never has to import them (they sit above errors in the
// dependency graph).
type concurrencyError interface {
	error
	ConcurrencyConflict() bool
}

// Normalize turns infrastructure/domain errors into the ErrorCode system
// so callers don't have to know which package an error came from.
//
// 设计目标：
//   - 对外统一暴露 ErrorCode 体系，避免调用方到处判断具体错误类型；
//   - 保留原始错误作为 cause，方便日志与调试；
//   - 仅处理当前框架中常见的错误类型，后续可按需扩展。
//
// 注意：
//   - 如果传入的 err 已经是 IError，则原样返回；
//   - 未识别的错误保持原样，不强行包装，交由调用方决定是否 Wrap。
func Normalize(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := err.(IError); ok {
		return err
	}

	var conc concurrencyError
	if stdErrors.As(err, &conc) {
		return WrapError(err, ErrCodeConcurrency, "concurrency conflict")
	}

	return err
}
