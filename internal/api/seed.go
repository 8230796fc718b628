package api

import (
	"context"
	"log/slog"

	"gpuwatch/internal/model"

	"gorm.io/gorm/clause"
)

// 内置目录：当前在售的主流型号。管理端可以随时增删，
// 种子只保证一个可用的起点。
var catalogSeed = []model.GPU{
	{Slug: "rtx-5090", Model: "GeForce RTX 5090", Brand: "nvidia", Architecture: "Blackwell", Generation: "RTX 5000", VRAMGB: 32, TDPWatts: 575, MSRPUSD: 1999},
	{Slug: "rtx-5080", Model: "GeForce RTX 5080", Brand: "nvidia", Architecture: "Blackwell", Generation: "RTX 5000", VRAMGB: 16, TDPWatts: 360, MSRPUSD: 999},
	{Slug: "rtx-5070-ti", Model: "GeForce RTX 5070 Ti", Brand: "nvidia", Architecture: "Blackwell", Generation: "RTX 5000", VRAMGB: 16, TDPWatts: 300, MSRPUSD: 749},
	{Slug: "rtx-5070", Model: "GeForce RTX 5070", Brand: "nvidia", Architecture: "Blackwell", Generation: "RTX 5000", VRAMGB: 12, TDPWatts: 250, MSRPUSD: 549},
	{Slug: "rtx-5060-ti", Model: "GeForce RTX 5060 Ti", Brand: "nvidia", Architecture: "Blackwell", Generation: "RTX 5000", VRAMGB: 16, TDPWatts: 180, MSRPUSD: 429},
	{Slug: "rtx-4090", Model: "GeForce RTX 4090", Brand: "nvidia", Architecture: "Ada Lovelace", Generation: "RTX 4000", VRAMGB: 24, TDPWatts: 450, MSRPUSD: 1599},
	{Slug: "rtx-4080-super", Model: "GeForce RTX 4080 SUPER", Brand: "nvidia", Architecture: "Ada Lovelace", Generation: "RTX 4000", VRAMGB: 16, TDPWatts: 320, MSRPUSD: 999},
	{Slug: "rtx-4070-super", Model: "GeForce RTX 4070 SUPER", Brand: "nvidia", Architecture: "Ada Lovelace", Generation: "RTX 4000", VRAMGB: 12, TDPWatts: 220, MSRPUSD: 599},
	{Slug: "rx-9070-xt", Model: "Radeon RX 9070 XT", Brand: "amd", Architecture: "RDNA 4", Generation: "RX 9000", VRAMGB: 16, TDPWatts: 304, MSRPUSD: 599},
	{Slug: "rx-9060-xt", Model: "Radeon RX 9060 XT", Brand: "amd", Architecture: "RDNA 4", Generation: "RX 9000", VRAMGB: 16, TDPWatts: 160, MSRPUSD: 349},
	{Slug: "rx-7900-xtx", Model: "Radeon RX 7900 XTX", Brand: "amd", Architecture: "RDNA 3", Generation: "RX 7000", VRAMGB: 24, TDPWatts: 355, MSRPUSD: 999},
	{Slug: "rx-7700-xt", Model: "Radeon RX 7700 XT", Brand: "amd", Architecture: "RDNA 3", Generation: "RX 7000", VRAMGB: 12, TDPWatts: 245, MSRPUSD: 449},
}

// SeedCatalog 初始化显卡目录。
//
// 按 slug Upsert，重复执行安全；管理端下架的卡不会被种子重新激活。
func (s *Server) SeedCatalog(ctx context.Context) error {
	for _, gpu := range catalogSeed {
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "slug"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"model", "brand", "architecture", "generation",
				"vram_gb", "tdp_watts", "msrp_usd",
			}),
		}).Create(&gpu).Error
		if err != nil {
			return err
		}
	}
	s.logger.Info("catalog seeded", slog.Int("gpus", len(catalogSeed)))
	return nil
}
