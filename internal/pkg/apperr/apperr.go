// Package apperr 定义抓取流水线的错误分类。
//
// 分类决定了错误的传播范围：
//   - Extraction: 平台级（Extractor 调用失败），向上冒泡并触发整任务重试
//   - Validation: 条目级，记录后跳过
//   - Persistence: 条目级，由 Gateway 包装后返回，调用方决定跳过或上报
//   - Configuration: 启动期致命错误
package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误类别。
type Kind int

const (
	KindUnknown Kind = iota
	KindExtraction
	KindValidation
	KindPersistence
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindExtraction:
		return "extraction"
	case KindValidation:
		return "validation"
	case KindPersistence:
		return "persistence"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error 携带类别与操作名的错误。
type Error struct {
	Kind Kind
	Op   string // 出错的操作，如 "jd.search_products"
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s failure in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New 构造一个分类错误。err 为 nil 时返回 nil。
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Extraction(op string, err error) error  { return New(KindExtraction, op, err) }
func Validation(op string, err error) error  { return New(KindValidation, op, err) }
func Persistence(op string, err error) error { return New(KindPersistence, op, err) }

// Configuration 构造配置错误，支持格式化。
func Configuration(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Op: "config", Err: fmt.Errorf(format, args...)}
}

// KindOf 返回错误链上最外层分类错误的类别。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind 判断错误链上是否存在指定类别。
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
