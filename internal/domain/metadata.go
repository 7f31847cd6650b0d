package domain

import "strings"

// DefaultCategory is used whenever the vision model does not supply one.
const DefaultCategory = "Other"

// VisionMetadata is the structured listing description extracted from a
// product photo. It is produced once per orchestration request and carried
// through to the response even when later stages fail.
type VisionMetadata struct {
	ProductName string  `json:"product_name"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Stock       int     `json:"stock"`
	ImagePrompt string  `json:"image_prompt"`
}

// DefaultMetadata builds metadata purely from the product name, for when
// vision extraction is unavailable or fails.
func DefaultMetadata(productName string) VisionMetadata {
	name := strings.TrimSpace(productName)
	return VisionMetadata{
		ProductName: name,
		Category:    DefaultCategory,
		Description: name,
		Price:       0,
		Stock:       0,
		ImagePrompt: defaultImagePrompt(name),
	}
}

func defaultImagePrompt(name string) string {
	if name == "" {
		return "artisan product photo on a clean studio background"
	}
	return name + " product photo on a clean studio background, preserve the product exactly"
}

// Clamp enforces the documented field invariants: price and stock are never
// negative, category is never empty.
func (m *VisionMetadata) Clamp() {
	if m.Price < 0 {
		m.Price = 0
	}
	if m.Stock < 0 {
		m.Stock = 0
	}
	if strings.TrimSpace(m.Category) == "" {
		m.Category = DefaultCategory
	}
	if strings.TrimSpace(m.ImagePrompt) == "" {
		m.ImagePrompt = defaultImagePrompt(m.ProductName)
	}
}
