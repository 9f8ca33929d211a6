package db

import (
	"context"
	"database/sql"
	"strings"
)

const upsertMapping = `INSERT INTO goods_retailer_mapping (
	product_id, retailer, retailer_product_id, retailer_name,
	retailer_image_url, stock_status, store_location, is_active, last_seen_at
) VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
ON CONFLICT (product_id, retailer, retailer_product_id) DO UPDATE SET
	retailer_name = excluded.retailer_name,
	retailer_image_url = COALESCE(excluded.retailer_image_url, retailer_image_url),
	stock_status = COALESCE(excluded.stock_status, stock_status),
	store_location = COALESCE(excluded.store_location, store_location),
	is_active = 1,
	last_seen_at = excluded.last_seen_at`

type UpsertMappingParams struct {
	ProductID         string
	Retailer          string
	RetailerProductID string
	RetailerName      string
	RetailerImageUrl  sql.NullString
	StockStatus       sql.NullString
	StoreLocation     sql.NullString
	LastSeenAt        int64
}

func (q *Queries) UpsertMapping(ctx context.Context, arg UpsertMappingParams) error {
	_, err := q.db.ExecContext(ctx, upsertMapping,
		arg.ProductID,
		arg.Retailer,
		arg.RetailerProductID,
		arg.RetailerName,
		arg.RetailerImageUrl,
		arg.StockStatus,
		arg.StoreLocation,
		arg.LastSeenAt,
	)
	return err
}

const deleteStaleMappings = `DELETE FROM goods_retailer_mapping
WHERE retailer = ? AND retailer_product_id = ? AND product_id != ?`

type DeleteStaleMappingsParams struct {
	Retailer          string
	RetailerProductID string
	KeepProductID     string
}

func (q *Queries) DeleteStaleMappings(ctx context.Context, arg DeleteStaleMappingsParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteStaleMappings, arg.Retailer, arg.RetailerProductID, arg.KeepProductID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const mappingColumns = `id, product_id, retailer, retailer_product_id, retailer_name,
	retailer_image_url, stock_status, store_location, is_active, last_seen_at`

func scanMappings(rows *sql.Rows) ([]GoodsRetailerMapping, error) {
	defer rows.Close()
	var items []GoodsRetailerMapping
	for rows.Next() {
		var i GoodsRetailerMapping
		err := rows.Scan(
			&i.ID,
			&i.ProductID,
			&i.Retailer,
			&i.RetailerProductID,
			&i.RetailerName,
			&i.RetailerImageUrl,
			&i.StockStatus,
			&i.StoreLocation,
			&i.IsActive,
			&i.LastSeenAt,
		)
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

const listMappingsForProduct = `SELECT ` + mappingColumns + ` FROM goods_retailer_mapping
WHERE product_id = ? ORDER BY retailer, retailer_product_id`

func (q *Queries) ListMappingsForProduct(ctx context.Context, productID string) ([]GoodsRetailerMapping, error) {
	rows, err := q.db.QueryContext(ctx, listMappingsForProduct, productID)
	if err != nil {
		return nil, err
	}
	return scanMappings(rows)
}

const listMappingsForRetailerProduct = `SELECT ` + mappingColumns + ` FROM goods_retailer_mapping
WHERE retailer = ? AND retailer_product_id = ? ORDER BY id`

type ListMappingsForRetailerProductParams struct {
	Retailer          string
	RetailerProductID string
}

func (q *Queries) ListMappingsForRetailerProduct(ctx context.Context, arg ListMappingsForRetailerProductParams) ([]GoodsRetailerMapping, error) {
	rows, err := q.db.QueryContext(ctx, listMappingsForRetailerProduct, arg.Retailer, arg.RetailerProductID)
	if err != nil {
		return nil, err
	}
	return scanMappings(rows)
}

const listActiveMappingIDs = `SELECT id, retailer_product_id FROM goods_retailer_mapping
WHERE retailer = ? AND is_active = 1`

type ListActiveMappingIDsRow struct {
	ID                int64
	RetailerProductID string
}

func (q *Queries) ListActiveMappingIDs(ctx context.Context, retailer string) ([]ListActiveMappingIDsRow, error) {
	rows, err := q.db.QueryContext(ctx, listActiveMappingIDs, retailer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ListActiveMappingIDsRow
	for rows.Next() {
		var i ListActiveMappingIDsRow
		if err := rows.Scan(&i.ID, &i.RetailerProductID); err != nil {
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

const deactivateMappings = `UPDATE goods_retailer_mapping SET is_active = 0 WHERE id IN (/*SLICE:ids*/?)`

func (q *Queries) DeactivateMappings(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := strings.Replace(deactivateMappings, "/*SLICE:ids*/?", strings.Repeat(",?", len(ids))[1:], 1)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
