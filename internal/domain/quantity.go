package domain

import (
	"encoding/json"
	"math"
	"strconv"
)

// Quantity 非负整数数量。零值表示 0，构造时拒绝负数
type Quantity struct {
	value int64
}

// NewQuantity 创建数量，负数返回 ErrValidation
func NewQuantity(v int64) (Quantity, error) {
	if v < 0 {
		return Quantity{}, validationf("quantity must not be negative, got %d", v)
	}
	return Quantity{value: v}, nil
}

// MustQuantity 创建数量，负数直接 panic。仅用于常量和测试
func MustQuantity(v int64) Quantity {
	q, err := NewQuantity(v)
	if err != nil {
		panic(err)
	}
	return q
}

// Int64 返回原始数值
func (q Quantity) Int64() int64 { return q.value }

// IsZero 是否为 0
func (q Quantity) IsZero() bool { return q.value == 0 }

// Add 相加，超出 int64 时返回 ErrValidation 而不是回绕
func (q Quantity) Add(other Quantity) (Quantity, error) {
	if other.value > math.MaxInt64-q.value {
		return Quantity{}, validationf("quantity overflow: %d + %d", q.value, other.value)
	}
	return Quantity{value: q.value + other.value}, nil
}

// Sub 相减，结果为负时返回 ErrInvalidState
func (q Quantity) Sub(other Quantity) (Quantity, error) {
	if other.value > q.value {
		return Quantity{}, invalidStatef("cannot subtract %d from %d", other.value, q.value)
	}
	return Quantity{value: q.value - other.value}, nil
}

// GreaterThan q > other
func (q Quantity) GreaterThan(other Quantity) bool { return q.value > other.value }

// LessThan q < other
func (q Quantity) LessThan(other Quantity) bool { return q.value < other.value }

func (q Quantity) String() string { return strconv.FormatInt(q.value, 10) }

// MarshalJSON 序列化为整数
func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.value)
}

// UnmarshalJSON 反序列化时同样拒绝负数
func (q *Quantity) UnmarshalJSON(data []byte) error {
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := NewQuantity(v)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
