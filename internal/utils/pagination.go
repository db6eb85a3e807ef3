package utils

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Page is a page request over a ledger listing.
type Page struct {
	Number int
	Size   int
}

// Offset is the number of rows before this page.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// Meta renders the pagination block returned next to a listing.
func (p Page) Meta(total int64) fiber.Map {
	pages := int((total + int64(p.Size) - 1) / int64(p.Size))
	return fiber.Map{
		"page":       p.Number,
		"limit":      p.Size,
		"total":      total,
		"totalPages": pages,
	}
}

// ParsePage reads page and limit query params, capping the page size.
func ParsePage(c *fiber.Ctx) Page {
	number := queryInt(c, "page", 1)
	size := queryInt(c, "limit", defaultPageSize)
	if number <= 0 {
		number = 1
	}
	switch {
	case size <= 0:
		size = defaultPageSize
	case size > maxPageSize:
		size = maxPageSize
	}
	return Page{Number: number, Size: size}
}

func queryInt(c *fiber.Ctx, key string, fallback int) int {
	if parsed, err := strconv.Atoi(c.Query(key)); err == nil {
		return parsed
	}
	return fallback
}
