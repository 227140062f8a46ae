// Package domain 定义秒杀交易核心的领域模型：库存、订单、商品及其业务规则。
//
// 所有聚合都是不可变值：每个状态变更方法返回一个新值，原值保持不变。
package domain

import (
	"errors"
	"fmt"
)

// 领域错误分类，调用方通过 errors.Is 判断
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrOutOfStock   = errors.New("out of stock")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func invalidStatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

func outOfStockf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrOutOfStock, fmt.Sprintf(format, args...))
}

// NotFoundError 构造带资源说明的 ErrNotFound
func NotFoundError(resource string, id any) error {
	return fmt.Errorf("%w: %s %v", ErrNotFound, resource, id)
}
