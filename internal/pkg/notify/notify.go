package notify

import (
	"context"
)

// PriceAlert 一次价格提醒的渲染数据。
type PriceAlert struct {
	GPUName     string  // 显卡名称（如 "GeForce RTX 4070 SUPER"）
	GPUSlug     string  // 显卡 slug
	Retailer    string  // 零售商标识
	PriceUSD    float64 // 当前价格
	MSRPUSD     float64 // 官方建议零售价
	PctBelowAvg float64 // 低于 30 天均价的百分比
	DealReason  string  // 触发原因描述
	StockStatus string  // 库存状态
	ProductURL  string  // 商品跳转链接
}

// Notifier 定义通知接口。
type Notifier interface {
	// SendPriceAlert 向单个收件人发送价格提醒。
	SendPriceAlert(ctx context.Context, alert *PriceAlert, toEmail string) error
}
