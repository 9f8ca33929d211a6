package db

import (
	"context"
	"database/sql"
)

const pricingColumns = `id, product_id, retailer, location_id, pricing_context, list_price,
	sale_price, effective_price, is_on_sale, effective_from, effective_to`

func scanPricing(row interface{ Scan(...any) error }) (GoodsRetailerPricing, error) {
	var i GoodsRetailerPricing
	err := row.Scan(
		&i.ID,
		&i.ProductID,
		&i.Retailer,
		&i.LocationID,
		&i.PricingContext,
		&i.ListPrice,
		&i.SalePrice,
		&i.EffectivePrice,
		&i.IsOnSale,
		&i.EffectiveFrom,
		&i.EffectiveTo,
	)
	return i, err
}

type PriceKey struct {
	ProductID      string
	Retailer       string
	LocationID     string
	PricingContext string
}

const getOpenPrice = `SELECT ` + pricingColumns + ` FROM goods_retailer_pricing
WHERE product_id = ? AND retailer = ? AND location_id = ? AND pricing_context = ?
	AND effective_to IS NULL`

func (q *Queries) GetOpenPrice(ctx context.Context, arg PriceKey) (GoodsRetailerPricing, error) {
	return scanPricing(q.db.QueryRowContext(ctx, getOpenPrice,
		arg.ProductID,
		arg.Retailer,
		arg.LocationID,
		arg.PricingContext,
	))
}

const closePrice = `UPDATE goods_retailer_pricing SET effective_to = ?
WHERE id = ? AND effective_to IS NULL`

type ClosePriceParams struct {
	ID          int64
	EffectiveTo int64
}

func (q *Queries) ClosePrice(ctx context.Context, arg ClosePriceParams) error {
	_, err := q.db.ExecContext(ctx, closePrice, arg.EffectiveTo, arg.ID)
	return err
}

const insertPrice = `INSERT INTO goods_retailer_pricing (
	product_id, retailer, location_id, pricing_context, list_price,
	sale_price, effective_price, is_on_sale, effective_from
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

type InsertPriceParams struct {
	PriceKey
	ListPrice      sql.NullFloat64
	SalePrice      sql.NullFloat64
	EffectivePrice float64
	IsOnSale       bool
	EffectiveFrom  int64
}

func (q *Queries) InsertPrice(ctx context.Context, arg InsertPriceParams) error {
	_, err := q.db.ExecContext(ctx, insertPrice,
		arg.ProductID,
		arg.Retailer,
		arg.LocationID,
		arg.PricingContext,
		arg.ListPrice,
		arg.SalePrice,
		arg.EffectivePrice,
		arg.IsOnSale,
		arg.EffectiveFrom,
	)
	return err
}

const listPrices = `SELECT ` + pricingColumns + ` FROM goods_retailer_pricing
WHERE product_id = ?
ORDER BY retailer, location_id, pricing_context, effective_from, id`

func (q *Queries) ListPrices(ctx context.Context, productID string) ([]GoodsRetailerPricing, error) {
	rows, err := q.db.QueryContext(ctx, listPrices, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []GoodsRetailerPricing
	for rows.Next() {
		i, err := scanPricing(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
