// Package types holds the catalog data types shared by the cache, the
// persistence adapters and the HTTP surface.
package types

import (
	"time"
)

// Product is a catalog entry. The persistence layer owns the authoritative
// copy and assigns ID; caches only ever hold derived copies.
type Product struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Price       float64   `json:"price"`
	Category    string    `json:"category"`
	Stock       int64     `json:"stock"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ProductInput is the payload accepted when creating a product.
type ProductInput struct {
	Name        string  `json:"name" validate:"required,max=255"`
	Description string  `json:"description" validate:"max=2000"`
	Price       float64 `json:"price" validate:"gte=0"`
	Category    string  `json:"category" validate:"required,max=100"`
	Stock       int64   `json:"stock" validate:"gte=0"`
}

// ProductPatch carries a partial update. A nil field is left untouched; a
// present name or category must not be empty.
type ProductPatch struct {
	Name        *string  `json:"name,omitempty" validate:"omitnil,min=1,max=255"`
	Description *string  `json:"description,omitempty" validate:"omitempty,max=2000"`
	Price       *float64 `json:"price,omitempty" validate:"omitempty,gte=0"`
	Category    *string  `json:"category,omitempty" validate:"omitnil,min=1,max=100"`
	Stock       *int64   `json:"stock,omitempty" validate:"omitempty,gte=0"`
}

// IsEmpty reports whether the patch changes nothing.
func (p ProductPatch) IsEmpty() bool {
	return p.Name == nil && p.Description == nil && p.Price == nil && p.Category == nil && p.Stock == nil
}

// ProductFilter narrows a list query. Empty fields match everything.
type ProductFilter struct {
	Category string `json:"category,omitempty"`
	Name     string `json:"name,omitempty"`
}

// ProductPage is one page of a list or search query.
type ProductPage struct {
	Items []Product `json:"items"`
	Total int64     `json:"total"`
	Page  int       `json:"page"`
	Limit int       `json:"limit"`
}
