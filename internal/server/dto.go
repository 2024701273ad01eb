package server

import (
	"github.com/BenjaminMensah-2255/whos-going/internal/domain"
	"github.com/BenjaminMensah-2255/whos-going/internal/engine"
)

// Request payloads

type RegisterRequest struct {
	Name                 string `json:"name" minLength:"1"`
	Email                string `json:"email,omitempty" format:"email"`
	Password             string `json:"password" minLength:"6"`
	NotificationsEnabled bool   `json:"notifications_enabled,omitempty"`
}

type LoginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type CreateRunRequest struct {
	VendorName       string `json:"vendor_name"`
	DepartureMinutes int    `json:"departure_minutes"`
	Note             string `json:"note,omitempty"`
}

type ExtendRunRequest struct {
	Minutes int `json:"minutes"`
}

type AddItemRequest struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    string `json:"price" example:"3.50"`
	Notes    string `json:"notes,omitempty"`
}

type UpdateItemRequest struct {
	Name     *string `json:"name,omitempty"`
	Quantity *int    `json:"quantity,omitempty"`
	Price    *string `json:"price,omitempty" example:"3.50"`
	Notes    *string `json:"notes,omitempty"`
}

// Response payloads. Money travels as exact decimal strings.

type TokenResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

type UserResponse struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Email                string `json:"email,omitempty"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
	CreatedAt            string `json:"created_at" format:"date-time"`
}

type RunResponse struct {
	ID            string `json:"id"`
	VendorName    string `json:"vendor_name"`
	RunnerID      string `json:"runner_id"`
	DepartureTime string `json:"departure_time" format:"date-time"`
	Note          string `json:"note,omitempty"`
	Status        string `json:"status" enum:"open,closed,completed"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type RunSummaryResponse struct {
	RunResponse
	RunnerName       string  `json:"runner_name"`
	ItemCount        int     `json:"item_count"`
	Urgency          string  `json:"urgency" enum:"green,yellow,red"`
	RemainingSeconds int64   `json:"remaining_seconds"`
	ProgressPercent  float64 `json:"progress_percent" minimum:"0" maximum:"100"`
}

type ItemResponse struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name,omitempty"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price" example:"3.50"`
	Total     string `json:"total" example:"7.00"`
	Notes     string `json:"notes,omitempty"`
	Paid      bool   `json:"paid"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RunDetailResponse struct {
	RunResponse
	RunnerName       string         `json:"runner_name"`
	Items            []ItemResponse `json:"items"`
	Urgency          string         `json:"urgency" enum:"green,yellow,red"`
	RemainingSeconds int64          `json:"remaining_seconds"`
	ProgressPercent  float64        `json:"progress_percent" minimum:"0" maximum:"100"`
}

type UserTotalResponse struct {
	UserID   string         `json:"user_id"`
	UserName string         `json:"user_name"`
	Items    []ItemResponse `json:"items"`
	Subtotal string         `json:"subtotal" example:"7.00"`
}

type RunTotalsResponse struct {
	RunID      string              `json:"run_id"`
	Users      []UserTotalResponse `json:"users"`
	GrandTotal string              `json:"grand_total" example:"17.00"`
}

type PaidResponse struct {
	ItemID string `json:"item_id"`
	Paid   bool   `json:"paid"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

// Mappers

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:                   u.ID,
		Name:                 u.Name,
		Email:                u.Email,
		NotificationsEnabled: u.NotificationsEnabled,
		CreatedAt:            u.CreatedAt,
	}
}

func runResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:            r.ID,
		VendorName:    r.VendorName,
		RunnerID:      r.RunnerID,
		DepartureTime: r.DepartureTime,
		Note:          r.Note,
		Status:        string(r.Status),
		CreatedAt:     r.CreatedAt,
	}
}

func itemResponse(it domain.Item, userName string) ItemResponse {
	return ItemResponse{
		ID:        it.ID,
		RunID:     it.RunID,
		UserID:    it.UserID,
		UserName:  userName,
		Name:      it.Name,
		Quantity:  it.Quantity,
		Price:     it.PriceCents.String(),
		Total:     it.TotalCents().String(),
		Notes:     it.Notes,
		Paid:      it.Paid,
		CreatedAt: it.CreatedAt,
	}
}

func runSummaryResponse(s engine.RunSummary) RunSummaryResponse {
	return RunSummaryResponse{
		RunResponse:      runResponse(s.Run),
		RunnerName:       s.RunnerName,
		ItemCount:        s.ItemCount,
		Urgency:          string(s.Urgency),
		RemainingSeconds: s.RemainingSeconds,
		ProgressPercent:  s.ProgressPercent,
	}
}

func runDetailResponse(d engine.RunDetail) RunDetailResponse {
	items := make([]ItemResponse, 0, len(d.Items))
	for _, it := range d.Items {
		items = append(items, itemResponse(it.Item, it.UserName))
	}
	return RunDetailResponse{
		RunResponse:      runResponse(d.Run),
		RunnerName:       d.RunnerName,
		Items:            items,
		Urgency:          string(d.Urgency),
		RemainingSeconds: d.RemainingSeconds,
		ProgressPercent:  d.ProgressPercent,
	}
}

func runTotalsResponse(t engine.RunTotals) RunTotalsResponse {
	users := make([]UserTotalResponse, 0, len(t.Users))
	for _, ut := range t.Users {
		items := make([]ItemResponse, 0, len(ut.Items))
		for _, it := range ut.Items {
			items = append(items, itemResponse(it, ut.UserName))
		}
		users = append(users, UserTotalResponse{
			UserID:   ut.UserID,
			UserName: ut.UserName,
			Items:    items,
			Subtotal: ut.SubtotalCents.String(),
		})
	}
	return RunTotalsResponse{
		RunID:      t.RunID,
		Users:      users,
		GrandTotal: t.GrandTotalCents.String(),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RunID:      e.RunID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}
