package model

import "time"

// GPUWatch 表示一个用户的降价/到货订阅。
//
// (email, gpu) 唯一；用户重复提交时按冲突 Upsert。
// LastNotifiedAt 是冷却窗口标记，只由 Alert Dispatcher 在入队通知时更新，
// 冷却窗口内（4 小时）同一订阅不会再次入队，无论期间触发多少次评分。
type GPUWatch struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time // 创建时间

	Email          string     `gorm:"type:varchar(191);uniqueIndex:uniq_email_gpu;not null"` // 订阅邮箱
	GPUID          uint       `gorm:"column:gpu_id;uniqueIndex:uniq_email_gpu;not null"`     // 订阅的目录条目
	TargetPriceUSD *float64   `gorm:"column:target_price_usd"`                               // 目标价（nil 表示任意降价）
	NotifyInStock  bool       `gorm:"default:false"`                                         // 是否关注到货
	LastNotifiedAt *time.Time // 冷却窗口标记
}
