package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/BenjaminMensah-2255/whos-going/internal/engine"
	"github.com/BenjaminMensah-2255/whos-going/internal/money"
)

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-item",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/items",
		Summary:       "Add an item to a run",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RunID string         `path:"run_id"`
		Body  AddItemRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		price, err := money.Parse(input.Body.Price)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid price: "+err.Error(), map[string]any{"field": "price"})
		}
		item, err := e.AddItem(ctx, actorID, input.RunID, engine.ItemInput{
			Name:     input.Body.Name,
			Quantity: input.Body.Quantity,
			Price:    price,
			Notes:    input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(item, "")}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item",
		Method:      http.MethodPatch,
		Path:        "/items/{item_id}",
		Summary:     "Edit an item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string            `path:"item_id"`
		Body   UpdateItemRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		upd := engine.ItemUpdate{
			Name:     input.Body.Name,
			Quantity: input.Body.Quantity,
			Notes:    input.Body.Notes,
		}
		if input.Body.Price != nil {
			price, err := money.Parse(*input.Body.Price)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid price: "+err.Error(), map[string]any{"field": "price"})
			}
			upd.Price = &price
		}
		item, err := e.UpdateItem(ctx, actorID, input.ItemID, upd)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(item, "")}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-item",
		Method:      http.MethodDelete,
		Path:        "/items/{item_id}",
		Summary:     "Remove an item",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteItem(ctx, actorID, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-item-paid",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/paid",
		Summary:     "Toggle an item's paid flag",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body PaidResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		paid, err := e.TogglePaid(ctx, actorID, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaidResponse `json:"body"`
		}{Body: PaidResponse{ItemID: input.ItemID, Paid: paid}}, nil
	})
}
