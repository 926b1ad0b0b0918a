package cache

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-catalogcache/pkg/types"
)

// Hash field names used for hash-mode entries.
const (
	FieldID          = "id"
	FieldName        = "name"
	FieldDescription = "description"
	FieldPrice       = "price"
	FieldCategory    = "category"
	FieldStock       = "stock"
	FieldCreatedAt   = "createdAt"
	FieldUpdatedAt   = "updatedAt"
	FieldCachedAt    = "cachedAt"
)

var requiredFields = []string{FieldID, FieldName, FieldPrice, FieldCategory}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// encodeProduct flattens every scalar field of p into its string form.
func encodeProduct(p *types.Product) map[string]string {
	fields := map[string]string{
		FieldID:          strconv.FormatInt(p.ID, 10),
		FieldName:        p.Name,
		FieldDescription: p.Description,
		FieldPrice:       formatPrice(p.Price),
		FieldCategory:    p.Category,
		FieldStock:       strconv.FormatInt(p.Stock, 10),
	}
	if !p.CreatedAt.IsZero() {
		fields[FieldCreatedAt] = formatTime(p.CreatedAt)
	}
	if !p.UpdatedAt.IsZero() {
		fields[FieldUpdatedAt] = formatTime(p.UpdatedAt)
	}
	return fields
}

// PatchFields encodes only the fields a patch supplies, in the same format
// Put uses, so the result can be merged into an existing hash entry.
func PatchFields(patch types.ProductPatch) map[string]string {
	fields := make(map[string]string)
	if patch.Name != nil {
		fields[FieldName] = *patch.Name
	}
	if patch.Description != nil {
		fields[FieldDescription] = *patch.Description
	}
	if patch.Price != nil {
		fields[FieldPrice] = formatPrice(*patch.Price)
	}
	if patch.Category != nil {
		fields[FieldCategory] = *patch.Category
	}
	if patch.Stock != nil {
		fields[FieldStock] = strconv.FormatInt(*patch.Stock, 10)
	}
	return fields
}

// WithUpdatedAt adds an updatedAt value to an encoded field set.
func WithUpdatedAt(fields map[string]string, t time.Time) map[string]string {
	if !t.IsZero() {
		fields[FieldUpdatedAt] = formatTime(t)
	}
	return fields
}

// decodeProduct validates a hash read back from Redis and builds a fully
// populated Product. It never returns a partial value: any missing or
// malformed required field yields a *ValidationError.
func decodeProduct(key string, fields map[string]string) (*types.Product, error) {
	for _, f := range requiredFields {
		if _, ok := fields[f]; !ok {
			return nil, &ValidationError{Key: key, Field: f, Reason: "is missing"}
		}
	}

	id, err := strconv.ParseInt(strings.TrimSpace(fields[FieldID]), 10, 64)
	if err != nil {
		return nil, &ValidationError{Key: key, Field: FieldID, Reason: "is not a valid integer"}
	}
	if id <= 0 {
		return nil, &ValidationError{Key: key, Field: FieldID, Reason: "must be positive"}
	}

	price, err := strconv.ParseFloat(strings.TrimSpace(fields[FieldPrice]), 64)
	if err != nil || math.IsNaN(price) || math.IsInf(price, 0) {
		return nil, &ValidationError{Key: key, Field: FieldPrice, Reason: "is not a valid number"}
	}
	if price < 0 {
		return nil, &ValidationError{Key: key, Field: FieldPrice, Reason: "must not be negative"}
	}

	name := strings.TrimSpace(fields[FieldName])
	if name == "" {
		return nil, &ValidationError{Key: key, Field: FieldName, Reason: "is empty"}
	}
	category := strings.TrimSpace(fields[FieldCategory])
	if category == "" {
		return nil, &ValidationError{Key: key, Field: FieldCategory, Reason: "is empty"}
	}

	p := &types.Product{
		ID:          id,
		Name:        name,
		Description: fields[FieldDescription],
		Price:       price,
		Category:    category,
	}

	if raw, ok := fields[FieldStock]; ok && raw != "" {
		stock, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || stock < 0 {
			return nil, &ValidationError{Key: key, Field: FieldStock, Reason: "is not a valid non-negative integer"}
		}
		p.Stock = stock
	}
	if p.CreatedAt, err = parseOptionalTime(key, FieldCreatedAt, fields); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseOptionalTime(key, FieldUpdatedAt, fields); err != nil {
		return nil, err
	}
	return p, nil
}

func parseOptionalTime(key, field string, fields map[string]string) (time.Time, error) {
	raw, ok := fields[field]
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, &ValidationError{Key: key, Field: field, Reason: "is not an ISO-8601 timestamp"}
	}
	return t, nil
}
