package db

import (
	"context"
	"database/sql"
)

const getCategoryBySlug = `SELECT id, slug, name, parent_id FROM categories WHERE slug = ?`

func (q *Queries) GetCategoryBySlug(ctx context.Context, slug string) (Category, error) {
	row := q.db.QueryRowContext(ctx, getCategoryBySlug, slug)
	var i Category
	err := row.Scan(&i.ID, &i.Slug, &i.Name, &i.ParentID)
	return i, err
}

const upsertCategory = `INSERT INTO categories (slug, name, parent_id) VALUES (?, ?, ?)
ON CONFLICT (slug) DO UPDATE SET name = excluded.name, parent_id = excluded.parent_id
RETURNING id`

type UpsertCategoryParams struct {
	Slug     string
	Name     string
	ParentID sql.NullInt64
}

func (q *Queries) UpsertCategory(ctx context.Context, arg UpsertCategoryParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, upsertCategory, arg.Slug, arg.Name, arg.ParentID)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const listImages = `SELECT id, product_id, url, "rank", metadata FROM image
WHERE product_id = ? ORDER BY "rank", id`

func (q *Queries) ListImages(ctx context.Context, productID string) ([]Image, error) {
	rows, err := q.db.QueryContext(ctx, listImages, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Image
	for rows.Next() {
		var i Image
		if err := rows.Scan(&i.ID, &i.ProductID, &i.Url, &i.Rank, &i.Metadata); err != nil {
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

const insertImage = `INSERT INTO image (product_id, url, "rank", metadata) VALUES (?, ?, ?, ?)
ON CONFLICT (product_id, url) DO NOTHING`

type InsertImageParams struct {
	ProductID string
	Url       string
	Rank      int64
	Metadata  sql.NullString
}

func (q *Queries) InsertImage(ctx context.Context, arg InsertImageParams) error {
	_, err := q.db.ExecContext(ctx, insertImage, arg.ProductID, arg.Url, arg.Rank, arg.Metadata)
	return err
}
