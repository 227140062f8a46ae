package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// DealStatus 秒杀商品生命周期状态
type DealStatus string

const (
	DealStatusUpcoming DealStatus = "UPCOMING"
	DealStatusActive   DealStatus = "ACTIVE"
	DealStatusEnded    DealStatus = "ENDED"
	DealStatusSoldOut  DealStatus = "SOLDOUT"
)

// dealTransitions 合法的状态迁移
var dealTransitions = map[DealStatus][]DealStatus{
	DealStatusUpcoming: {DealStatusActive},
	DealStatusActive:   {DealStatusEnded, DealStatusSoldOut},
	DealStatusSoldOut:  {DealStatusActive},
}

// CanTransitionTo 判断是否允许迁移到 next
func (s DealStatus) CanTransitionTo(next DealStatus) bool {
	for _, allowed := range dealTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsValid 是否为已知状态
func (s DealStatus) IsValid() bool {
	switch s {
	case DealStatusUpcoming, DealStatusActive, DealStatusEnded, DealStatusSoldOut:
		return true
	}
	return false
}

// Schedule 销售窗口 [startsAt, endsAt)
type Schedule struct {
	startsAt time.Time
	endsAt   time.Time
	timezone string
}

// NewSchedule 创建销售窗口，要求 startsAt < endsAt
func NewSchedule(startsAt, endsAt time.Time, timezone string) (Schedule, error) {
	if !startsAt.Before(endsAt) {
		return Schedule{}, validationf("schedule start %s must be before end %s",
			startsAt.Format(time.RFC3339), endsAt.Format(time.RFC3339))
	}
	if strings.TrimSpace(timezone) == "" {
		timezone = "UTC"
	}
	return Schedule{startsAt: startsAt, endsAt: endsAt, timezone: timezone}, nil
}

func (s Schedule) StartsAt() time.Time { return s.startsAt }
func (s Schedule) EndsAt() time.Time { return s.endsAt }
func (s Schedule) Timezone() string { return s.timezone }

// Contains now 是否处于销售窗口内
func (s Schedule) Contains(now time.Time) bool {
	return !now.Before(s.startsAt) && now.Before(s.endsAt)
}

// Specs 商品规格，构造时拷贝
type Specs map[string]string

func (s Specs) clone() Specs {
	if len(s) == 0 {
		return nil
	}
	out := make(Specs, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Product 秒杀商品聚合
type Product struct {
	id          int64
	title       string
	description string
	category    string
	imageURL    string
	price       Price
	schedule    Schedule
	specs       Specs
	status      DealStatus
	createdAt   time.Time
	updatedAt   time.Time
}

// NewProductParams 创建商品参数
type NewProductParams struct {
	Title       string
	Description string
	Category    string
	ImageURL    string
	Price       Price
	Schedule    Schedule
	Specs       Specs
}

// NewProduct 创建商品，初始状态按 now 与销售窗口推导
//
// 窗口已结束的商品不允许上架。
func NewProduct(p NewProductParams, now time.Time) (Product, error) {
	if strings.TrimSpace(p.Title) == "" {
		return Product{}, validationf("title is required")
	}
	if p.Schedule.startsAt.IsZero() {
		return Product{}, validationf("schedule is required")
	}
	if p.Price.Currency == "" {
		return Product{}, validationf("price is required")
	}
	product := Product{
		title:       strings.TrimSpace(p.Title),
		description: p.Description,
		category:    p.Category,
		imageURL:    p.ImageURL,
		price:       p.Price,
		schedule:    p.Schedule,
		specs:       p.Specs.clone(),
		createdAt:   now,
		updatedAt:   now,
	}
	product.status = product.CalculateStatus(now)
	if product.status == DealStatusEnded {
		return Product{}, validationf("schedule already ended at %s", p.Schedule.endsAt.Format(time.RFC3339))
	}
	return product, nil
}

// ProductRecord 商品的持久化/传输形态
type ProductRecord struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	ImageURL    string     `json:"image_url"`
	Price       Price      `json:"price"`
	StartsAt    time.Time  `json:"starts_at"`
	EndsAt      time.Time  `json:"ends_at"`
	Timezone    string     `json:"timezone"`
	Specs       Specs      `json:"specs,omitempty"`
	Status      DealStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RestoreProduct 从记录恢复商品
func RestoreProduct(rec ProductRecord) (Product, error) {
	schedule, err := NewSchedule(rec.StartsAt, rec.EndsAt, rec.Timezone)
	if err != nil {
		return Product{}, err
	}
	if !rec.Status.IsValid() {
		return Product{}, validationf("unknown deal status %q", rec.Status)
	}
	return Product{
		id:          rec.ID,
		title:       rec.Title,
		description: rec.Description,
		category:    rec.Category,
		imageURL:    rec.ImageURL,
		price:       rec.Price,
		schedule:    schedule,
		specs:       rec.Specs.clone(),
		status:      rec.Status,
		createdAt:   rec.CreatedAt,
		updatedAt:   rec.UpdatedAt,
	}, nil
}

// Record 导出记录形态
func (p Product) Record() ProductRecord {
	return ProductRecord{
		ID:          p.id,
		Title:       p.title,
		Description: p.description,
		Category:    p.category,
		ImageURL:    p.imageURL,
		Price:       p.price,
		StartsAt:    p.schedule.startsAt,
		EndsAt:      p.schedule.endsAt,
		Timezone:    p.schedule.timezone,
		Specs:       p.specs.clone(),
		Status:      p.status,
		CreatedAt:   p.createdAt,
		UpdatedAt:   p.updatedAt,
	}
}

// MarshalJSON 以记录形态输出
func (p Product) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Record())
}

// UnmarshalJSON 从记录形态恢复，用于缓存
func (p *Product) UnmarshalJSON(data []byte) error {
	var rec ProductRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	product, err := RestoreProduct(rec)
	if err != nil {
		return err
	}
	*p = product
	return nil
}

// WithID 返回带持久化ID的副本
func (p Product) WithID(id int64) Product {
	p.id = id
	return p
}

func (p Product) ID() int64 { return p.id }
func (p Product) Title() string { return p.title }
func (p Product) Description() string { return p.description }
func (p Product) Category() string { return p.category }
func (p Product) ImageURL() string { return p.imageURL }
func (p Product) Price() Price { return p.price }
func (p Product) Schedule() Schedule { return p.schedule }
func (p Product) Specs() Specs { return p.specs.clone() }
func (p Product) Status() DealStatus { return p.status }
func (p Product) UpdatedAt() time.Time { return p.updatedAt }

// CalculateStatus 由销售窗口推导出的状态，不考虑售罄
func (p Product) CalculateStatus(now time.Time) DealStatus {
	switch {
	case now.Before(p.schedule.startsAt):
		return DealStatusUpcoming
	case now.Before(p.schedule.endsAt):
		return DealStatusActive
	default:
		return DealStatusEnded
	}
}

// TransitionTo 显式状态迁移，非法跳转返回 ErrInvalidState
func (p Product) TransitionTo(next DealStatus, now time.Time) (Product, error) {
	if !p.status.CanTransitionTo(next) {
		return Product{}, invalidStatef("product %d cannot move from %s to %s", p.id, p.status, next)
	}
	p.status = next
	p.updatedAt = now
	return p, nil
}

// Advance 按时间推进状态，每一步都是合法迁移
//
// 调度停摆期间窗口整段错过时，UPCOMING 会经 ACTIVE 走到 ENDED。
func (p Product) Advance(now time.Time) (Product, bool, error) {
	changed := false
	for {
		target := p.CalculateStatus(now)
		var next DealStatus
		switch {
		case p.status == DealStatusUpcoming && target != DealStatusUpcoming:
			next = DealStatusActive
		case p.status == DealStatusActive && target == DealStatusEnded:
			next = DealStatusEnded
		default:
			return p, changed, nil
		}
		advanced, err := p.TransitionTo(next, now)
		if err != nil {
			return Product{}, false, err
		}
		p = advanced
		changed = true
	}
}

// Reopen 补货后重新开售，只在 SOLDOUT 且仍处于销售窗口内时生效
func (p Product) Reopen(now time.Time) (Product, bool, error) {
	if p.status != DealStatusSoldOut || p.CalculateStatus(now) != DealStatusActive {
		return p, false, nil
	}
	reopened, err := p.TransitionTo(DealStatusActive, now)
	if err != nil {
		return Product{}, false, err
	}
	return reopened, true, nil
}

// IsOnSale 状态为 ACTIVE 且 now 位于窗口内
func (p Product) IsOnSale(now time.Time) bool {
	return p.status == DealStatusActive && p.schedule.Contains(now)
}

// Snapshot 冻结下单时刻的商品信息
func (p Product) Snapshot(selectedOptions map[string]string) Snapshot {
	return NewSnapshot(p.title, p.imageURL, p.price, selectedOptions)
}
