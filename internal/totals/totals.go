// Package totals is the read-side payment projection. Both functions are
// pure: they recompute from the item snapshot they are handed and keep
// the caller's ordering.
package totals

import (
	"github.com/BenjaminMensah-2255/whos-going/internal/domain"
	"github.com/BenjaminMensah-2255/whos-going/internal/money"
)

// UserTotal groups one participant's items with their subtotal.
type UserTotal struct {
	UserID        string        `json:"user_id"`
	UserName      string        `json:"user_name"`
	Items         []domain.Item `json:"items"`
	SubtotalCents money.Cents   `json:"subtotal_cents"`
}

// ByUser groups items by participant in first-appearance order and sums
// each participant's quantity-times-price contributions. names maps user
// ids to display names; unknown ids keep the raw id as their label.
func ByUser(items []domain.Item, names map[string]string) []UserTotal {
	index := make(map[string]int)
	var out []UserTotal
	for _, it := range items {
		i, ok := index[it.UserID]
		if !ok {
			name := names[it.UserID]
			if name == "" {
				name = it.UserID
			}
			i = len(out)
			index[it.UserID] = i
			out = append(out, UserTotal{UserID: it.UserID, UserName: name})
		}
		out[i].Items = append(out[i].Items, it)
		out[i].SubtotalCents += it.TotalCents()
	}
	return out
}

// Grand sums quantity-times-price over all items.
func Grand(items []domain.Item) money.Cents {
	var sum money.Cents
	for _, it := range items {
		sum += it.TotalCents()
	}
	return sum
}
