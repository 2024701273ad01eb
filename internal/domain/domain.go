package domain

import (
	"time"

	"github.com/BenjaminMensah-2255/whos-going/internal/money"
)

type RunStatus string

const (
	RunOpen      RunStatus = "open"
	RunClosed    RunStatus = "closed"
	RunCompleted RunStatus = "completed"
)

type Run struct {
	ID            string    `json:"id"`
	VendorName    string    `json:"vendor_name"`
	RunnerID      string    `json:"runner_id"`
	DepartureTime string    `json:"departure_time" format:"date-time"`
	Note          string    `json:"note,omitempty"`
	Status        RunStatus `json:"status" enum:"open,closed,completed"`
	CreatedAt     string    `json:"created_at" format:"date-time"`
}

// DepartureAt parses the stored departure timestamp. The engine writes
// timestamps in RFC3339, so a failed parse yields the zero time, which
// reads as long elapsed.
func (r Run) DepartureAt() time.Time {
	t, _ := time.Parse(time.RFC3339, r.DepartureTime)
	return t
}

func (r Run) CreatedAtTime() time.Time {
	t, _ := time.Parse(time.RFC3339, r.CreatedAt)
	return t
}

type Item struct {
	ID         string      `json:"id"`
	RunID      string      `json:"run_id"`
	UserID     string      `json:"user_id"`
	Name       string      `json:"name"`
	Quantity   int         `json:"quantity"`
	PriceCents money.Cents `json:"price_cents"`
	Notes      string      `json:"notes,omitempty"`
	Paid       bool        `json:"paid"`
	CreatedAt  string      `json:"created_at" format:"date-time"`
}

// TotalCents is the item's monetary contribution: quantity times unit price.
func (i Item) TotalCents() money.Cents {
	return i.PriceCents.MulQty(i.Quantity)
}

type User struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Email                string `json:"email,omitempty"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
	PasswordHash         string `json:"-"`
	CreatedAt            string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
