package domain

import "encoding/json"

// Stock 库存数量值对象
//
// 四个桶始终满足 total == reserved + available + sold，
// 任何操作都返回新的 Stock，并在构造时重新校验该不变式。
type Stock struct {
	total     Quantity
	reserved  Quantity
	available Quantity
	sold      Quantity
}

// NewStock 按四个桶构造库存，不满足不变式时返回 ErrValidation
func NewStock(total, reserved, available, sold Quantity) (Stock, error) {
	sum, err := sumQuantities(reserved, available, sold)
	if err != nil {
		return Stock{}, err
	}
	if sum != total {
		return Stock{}, validationf("stock invariant violated: total=%d reserved=%d available=%d sold=%d",
			total.value, reserved.value, available.value, sold.value)
	}
	return Stock{total: total, reserved: reserved, available: available, sold: sold}, nil
}

func sumQuantities(qs ...Quantity) (Quantity, error) {
	var sum Quantity
	for _, q := range qs {
		next, err := sum.Add(q)
		if err != nil {
			return Quantity{}, err
		}
		sum = next
	}
	return sum, nil
}

// InitialStock 上架时的初始库存：全部可售
func InitialStock(total Quantity) Stock {
	return Stock{total: total, available: total}
}

func (s Stock) Total() Quantity { return s.total }
func (s Stock) Reserved() Quantity { return s.reserved }
func (s Stock) Available() Quantity { return s.available }
func (s Stock) Sold() Quantity { return s.sold }

// OutOfStock 可售为 0
func (s Stock) OutOfStock() bool { return s.available.IsZero() }

// Reserve 预留：available -> reserved
func (s Stock) Reserve(q Quantity) (Stock, error) {
	if q.GreaterThan(s.available) {
		return Stock{}, invalidStatef("reserve %d exceeds available %d", q.value, s.available.value)
	}
	available, _ := s.available.Sub(q)
	reserved, err := s.reserved.Add(q)
	if err != nil {
		return Stock{}, err
	}
	return NewStock(s.total, reserved, available, s.sold)
}

// Confirm 确认售出：reserved -> sold
func (s Stock) Confirm(q Quantity) (Stock, error) {
	if q.GreaterThan(s.reserved) {
		return Stock{}, invalidStatef("confirm %d exceeds reserved %d", q.value, s.reserved.value)
	}
	reserved, _ := s.reserved.Sub(q)
	sold, err := s.sold.Add(q)
	if err != nil {
		return Stock{}, err
	}
	return NewStock(s.total, reserved, s.available, sold)
}

// Unconfirm 撤销确认：sold -> reserved，用于支付流程中途失败时回滚已确认的行
func (s Stock) Unconfirm(q Quantity) (Stock, error) {
	if q.GreaterThan(s.sold) {
		return Stock{}, invalidStatef("unconfirm %d exceeds sold %d", q.value, s.sold.value)
	}
	sold, _ := s.sold.Sub(q)
	reserved, err := s.reserved.Add(q)
	if err != nil {
		return Stock{}, err
	}
	return NewStock(s.total, reserved, s.available, sold)
}

// Release 释放预留：reserved -> available
func (s Stock) Release(q Quantity) (Stock, error) {
	if q.GreaterThan(s.reserved) {
		return Stock{}, invalidStatef("release %d exceeds reserved %d", q.value, s.reserved.value)
	}
	reserved, _ := s.reserved.Sub(q)
	available, err := s.available.Add(q)
	if err != nil {
		return Stock{}, err
	}
	return NewStock(s.total, reserved, available, s.sold)
}

// Increase 补货，只影响 total 和 available；total 溢出时拒绝
func (s Stock) Increase(q Quantity) (Stock, error) {
	total, err := s.total.Add(q)
	if err != nil {
		return Stock{}, err
	}
	available, err := s.available.Add(q)
	if err != nil {
		return Stock{}, err
	}
	return NewStock(total, s.reserved, available, s.sold)
}

type stockJSON struct {
	Total     int64 `json:"total"`
	Reserved  int64 `json:"reserved"`
	Available int64 `json:"available"`
	Sold      int64 `json:"sold"`
}

// MarshalJSON 输出四个桶
func (s Stock) MarshalJSON() ([]byte, error) {
	return json.Marshal(stockJSON{
		Total:     s.total.value,
		Reserved:  s.reserved.value,
		Available: s.available.value,
		Sold:      s.sold.value,
	})
}

// UnmarshalJSON 读取四个桶并校验不变式
func (s *Stock) UnmarshalJSON(data []byte) error {
	var raw stockJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	stock, err := StockFromInts(raw.Total, raw.Reserved, raw.Available, raw.Sold)
	if err != nil {
		return err
	}
	*s = stock
	return nil
}

// StockFromInts 从持久化的整数列恢复库存
func StockFromInts(total, reserved, available, sold int64) (Stock, error) {
	qs := make([]Quantity, 0, 4)
	for _, v := range []int64{total, reserved, available, sold} {
		q, err := NewQuantity(v)
		if err != nil {
			return Stock{}, err
		}
		qs = append(qs, q)
	}
	return NewStock(qs[0], qs[1], qs[2], qs[3])
}
