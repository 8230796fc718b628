package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"gpuwatch/internal/config"
	"gpuwatch/internal/connector"
	"gpuwatch/internal/model"

	"github.com/redis/go-redis/v9"
)

// ConnectorFetcher 按来源懒加载连接器并把归一化报价转成存储模型。
type ConnectorFetcher struct {
	cfg    *config.Config
	rdb    *redis.Client
	logger *slog.Logger

	mu         sync.Mutex
	connectors map[string]connector.Connector
}

func NewConnectorFetcher(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) *ConnectorFetcher {
	return &ConnectorFetcher{
		cfg:        cfg,
		rdb:        rdb,
		logger:     logger,
		connectors: make(map[string]connector.Connector),
	}
}

func (f *ConnectorFetcher) Fetch(ctx context.Context, source string, gpus []model.CatalogEntry) ([]model.RetailerOffer, []string, error) {
	conn, err := f.connectorFor(source)
	if err != nil {
		return nil, nil, err
	}

	result, err := conn.FetchOffers(ctx, gpus)
	if err != nil {
		return nil, nil, fmt.Errorf("connector %s: %w", source, err)
	}

	offers := make([]model.RetailerOffer, 0, len(result.Offers))
	for _, o := range result.Offers {
		offers = append(offers, model.RetailerOffer{
			GPUID:           o.GPUID,
			Retailer:        o.Retailer,
			SKU:             o.SKU,
			PriceUSD:        o.PriceUSD,
			RegularPriceUSD: o.RegularPriceUSD,
			SalePriceUSD:    o.SalePriceUSD,
			StockStatus:     o.StockStatus,
			StockQuantity:   o.StockQuantity,
			AffiliateURL:    o.AffiliateURL,
			DirectURL:       o.DirectURL,
			LastCheckedAt:   o.ObservedAt,
		})
	}
	return offers, result.Errors, nil
}

func (f *ConnectorFetcher) connectorFor(source string) (connector.Connector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if conn, ok := f.connectors[source]; ok {
		return conn, nil
	}
	conn, err := connector.New(source, f.cfg, f.rdb, f.logger)
	if err != nil {
		return nil, err
	}
	f.connectors[source] = conn
	return conn, nil
}

// Close 释放持有浏览器等重资源的连接器。
func (f *ConnectorFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for source, conn := range f.connectors {
		if closer, ok := conn.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				f.logger.Warn("close connector",
					slog.String("source", source),
					slog.String("error", err.Error()))
			}
		}
	}
}
