package store

import (
	"context"
	"fmt"

	polygon "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"

	"backend/internal/scan"
)

// PolygonReferenceProvider implements scan.ReferenceProvider against the
// upstream ticker directory.
type PolygonReferenceProvider struct {
	client *polygon.Client
}

// NewPolygonReferenceProvider wraps an existing polygon-io REST client.
func NewPolygonReferenceProvider(c *polygon.Client) *PolygonReferenceProvider {
	return &PolygonReferenceProvider{client: c}
}

var _ scan.ReferenceProvider = (*PolygonReferenceProvider)(nil)

// ListActiveTickers pages through the upstream common-stock ticker
// directory and maps each entry into a scan.TickerDetail.
func (p *PolygonReferenceProvider) ListActiveTickers(ctx context.Context) ([]scan.TickerDetail, error) {
	params := models.ListTickersParams{}.
		WithMarket(models.AssetStocks).
		WithActive(true).
		WithOrder(models.Asc).
		WithLimit(1000).
		WithSort("ticker")

	it := p.client.ListTickers(ctx, params)

	var out []scan.TickerDetail
	for it.Next() {
		t := it.Item()
		out = append(out, scan.TickerDetail{
			Ticker:    t.Ticker,
			Name:      t.Name,
			Exchange:  t.PrimaryExchange,
			AssetType: string(t.Market),
			Active:    t.Active,
		})
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list active tickers: %w", err)
	}
	return out, nil
}
