package db

import (
	"database/sql"
)

type Category struct {
	ID       int64
	Slug     string
	Name     string
	ParentID sql.NullInt64
}

type SourceProduct struct {
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
	CreatedAt     int64
	UpdatedAt     int64
}

type GoodsRetailerMapping struct {
	ID                int64
	ProductID         string
	Retailer          string
	RetailerProductID string
	RetailerName      string
	RetailerImageUrl  sql.NullString
	StockStatus       sql.NullString
	StoreLocation     sql.NullString
	IsActive          bool
	LastSeenAt        int64
}

type GoodsRetailerPricing struct {
	ID             int64
	ProductID      string
	Retailer       string
	LocationID     string
	PricingContext string
	ListPrice      sql.NullFloat64
	SalePrice      sql.NullFloat64
	EffectivePrice float64
	IsOnSale       bool
	EffectiveFrom  int64
	EffectiveTo    sql.NullInt64
}

type Image struct {
	ID        int64
	ProductID string
	Url       string
	Rank      int64
	Metadata  sql.NullString
}
