package db

import (
	"context"
	"database/sql"
)

const productColumns = `id, name, brand, barcode, size, size_uom, category_id, subcategory_id,
	image_url, raw_data, handle, description, metadata, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (SourceProduct, error) {
	var i SourceProduct
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Brand,
		&i.Barcode,
		&i.Size,
		&i.SizeUom,
		&i.CategoryID,
		&i.SubcategoryID,
		&i.ImageUrl,
		&i.RawData,
		&i.Handle,
		&i.Description,
		&i.Metadata,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getProduct = `SELECT ` + productColumns + ` FROM source_products WHERE id = ?`

func (q *Queries) GetProduct(ctx context.Context, id string) (SourceProduct, error) {
	return scanProduct(q.db.QueryRowContext(ctx, getProduct, id))
}

const getProductByBarcode = `SELECT ` + productColumns + ` FROM source_products WHERE barcode = ?`

func (q *Queries) GetProductByBarcode(ctx context.Context, barcode string) (SourceProduct, error) {
	return scanProduct(q.db.QueryRowContext(ctx, getProductByBarcode, barcode))
}

const getProductByMapping = `SELECT ` + productColumns + ` FROM source_products
WHERE id = (
	SELECT product_id FROM goods_retailer_mapping
	WHERE retailer = ? AND retailer_product_id = ?
	ORDER BY last_seen_at DESC, id DESC
	LIMIT 1
)`

type GetProductByMappingParams struct {
	Retailer          string
	RetailerProductID string
}

func (q *Queries) GetProductByMapping(ctx context.Context, arg GetProductByMappingParams) (SourceProduct, error) {
	return scanProduct(q.db.QueryRowContext(ctx, getProductByMapping, arg.Retailer, arg.RetailerProductID))
}

const insertProduct = `INSERT INTO source_products (
	id, name, brand, barcode, size, size_uom, category_id, subcategory_id,
	image_url, raw_data, handle, description, metadata, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type InsertProductParams struct {
	ID            string
	Name          string
	Brand         sql.NullString
	Barcode       sql.NullString
	Size          sql.NullString
	SizeUom       sql.NullString
	CategoryID    sql.NullInt64
	SubcategoryID sql.NullInt64
	ImageUrl      sql.NullString
	RawData       sql.NullString
	Handle        sql.NullString
	Description   sql.NullString
	Metadata      sql.NullString
	Now           int64
}

func (q *Queries) InsertProduct(ctx context.Context, arg InsertProductParams) error {
	_, err := q.db.ExecContext(ctx, insertProduct,
		arg.ID,
		arg.Name,
		arg.Brand,
		arg.Barcode,
		arg.Size,
		arg.SizeUom,
		arg.CategoryID,
		arg.SubcategoryID,
		arg.ImageUrl,
		arg.RawData,
		arg.Handle,
		arg.Description,
		arg.Metadata,
		arg.Now,
		arg.Now,
	)
	return err
}

// null parameters keep the stored value, category_id and barcode are only
// filled while they are null.
const updateProduct = `UPDATE source_products SET
	name = ?,
	brand = COALESCE(?, brand),
	barcode = COALESCE(barcode, ?),
	size = COALESCE(?, size),
	size_uom = COALESCE(?, size_uom),
	category_id = COALESCE(category_id, ?),
	subcategory_id = COALESCE(?, subcategory_id),
	image_url = COALESCE(?, image_url),
	raw_data = COALESCE(?, raw_data),
	handle = COALESCE(handle, ?),
	description = COALESCE(?, description),
	metadata = COALESCE(?, metadata),
	updated_at = ?
WHERE id = ?`

type UpdateProductParams struct {
	ID            string
	Name          string
	Brand         sql.NullString
	Barcode       sql.NullString
	Size          sql.NullString
	SizeUom       sql.NullString
	CategoryID    sql.NullInt64
	SubcategoryID sql.NullInt64
	ImageUrl      sql.NullString
	RawData       sql.NullString
	Handle        sql.NullString
	Description   sql.NullString
	Metadata      sql.NullString
	UpdatedAt     int64
}

func (q *Queries) UpdateProduct(ctx context.Context, arg UpdateProductParams) error {
	_, err := q.db.ExecContext(ctx, updateProduct,
		arg.Name,
		arg.Brand,
		arg.Barcode,
		arg.Size,
		arg.SizeUom,
		arg.CategoryID,
		arg.SubcategoryID,
		arg.ImageUrl,
		arg.RawData,
		arg.Handle,
		arg.Description,
		arg.Metadata,
		arg.UpdatedAt,
		arg.ID,
	)
	return err
}

const setBarcode = `UPDATE source_products SET barcode = ?, updated_at = ?
WHERE id = ? AND barcode IS NULL`

type SetBarcodeParams struct {
	ID        string
	Barcode   string
	UpdatedAt int64
}

func (q *Queries) SetBarcode(ctx context.Context, arg SetBarcodeParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, setBarcode, arg.Barcode, arg.UpdatedAt, arg.ID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const listProductsMissingBarcode = `SELECT p.id, p.name, m.retailer_product_id
FROM source_products p
JOIN goods_retailer_mapping m ON m.product_id = p.id
WHERE p.barcode IS NULL AND m.retailer = ? AND m.is_active = 1
ORDER BY p.created_at, p.id
LIMIT ?`

type ListProductsMissingBarcodeParams struct {
	Retailer string
	Limit    int64
}

type ListProductsMissingBarcodeRow struct {
	ID                string
	Name              string
	RetailerProductID string
}

func (q *Queries) ListProductsMissingBarcode(ctx context.Context, arg ListProductsMissingBarcodeParams) ([]ListProductsMissingBarcodeRow, error) {
	rows, err := q.db.QueryContext(ctx, listProductsMissingBarcode, arg.Retailer, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ListProductsMissingBarcodeRow
	for rows.Next() {
		var i ListProductsMissingBarcodeRow
		if err := rows.Scan(&i.ID, &i.Name, &i.RetailerProductID); err != nil {
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
