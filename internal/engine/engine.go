// Package engine coordinates the run lifecycle: it authorizes the
// acting user, enforces the run state machine and item edit gates, and
// writes every mutation plus its events in one transaction.
//
// The departure deadline, not the stored status column, is authoritative
// for gating: an open run whose deadline has elapsed rejects item
// mutations even before the sweeper flips the row. The stored status is
// a projection that lags safely.
package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/BenjaminMensah-2255/whos-going/internal/auth"
	"github.com/BenjaminMensah-2255/whos-going/internal/clock"
	"github.com/BenjaminMensah-2255/whos-going/internal/domain"
	"github.com/BenjaminMensah-2255/whos-going/internal/events"
	"github.com/BenjaminMensah-2255/whos-going/internal/money"
	"github.com/BenjaminMensah-2255/whos-going/internal/repo"
	"github.com/BenjaminMensah-2255/whos-going/internal/totals"
)

const (
	vendorNameMin = 2
	vendorNameMax = 100
	noteMax       = 500
	itemNameMax   = 200
	quantityMin   = 1
	quantityMax   = 999
	maxPriceCents = money.Cents(9_999_999) // 99999.99
)

// Broadcaster receives a post-commit signal for every mutation of a run.
// Delivery is best effort and never affects the mutation's outcome.
type Broadcaster interface {
	RunEvent(runID, eventType string)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	Live   Broadcaster

	locks *runLocks
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
		locks:  newRunLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// appendEvent threads the engine clock into the writer so event
// timestamps follow an injected Now.
func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, runID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.Now
	return w.Append(ctx, tx, evtType, runID, entityKind, entityID, actorID, payload)
}

func (e Engine) broadcast(runID, evtType string) {
	if e.Live != nil {
		e.Live.RunEvent(runID, evtType)
	}
}

// effectiveStatus derives the status that gates mutations: an open run
// past its departure reads as closed regardless of the stored column.
func effectiveStatus(run domain.Run, now time.Time) domain.RunStatus {
	if run.Status == domain.RunOpen && !now.Before(run.DepartureAt()) {
		return domain.RunClosed
	}
	return run.Status
}

// --- run lifecycle ---

func (e Engine) CreateRun(ctx context.Context, actorID, vendorName string, departureMinutes int, note string) (domain.Run, error) {
	if _, err := e.Repo.GetUser(ctx, actorID); err != nil {
		if err == repo.ErrNotFound {
			return domain.Run{}, notFoundErr("user %s not found", actorID)
		}
		return domain.Run{}, err
	}
	vendorName = strings.TrimSpace(vendorName)
	if utf8.RuneCountInString(vendorName) < vendorNameMin {
		return domain.Run{}, validationErr("vendor name must be at least %d characters", vendorNameMin)
	}
	if utf8.RuneCountInString(vendorName) > vendorNameMax {
		return domain.Run{}, validationErr("vendor name must be at most %d characters", vendorNameMax)
	}
	if departureMinutes < 1 {
		return domain.Run{}, validationErr("departure time must be at least 1 minute from now")
	}
	note = strings.TrimSpace(note)
	if utf8.RuneCountInString(note) > noteMax {
		return domain.Run{}, validationErr("note must be at most %d characters", noteMax)
	}

	now := e.now().UTC()
	run := domain.Run{
		ID:            uuid.New().String(),
		VendorName:    vendorName,
		RunnerID:      actorID,
		DepartureTime: now.Add(time.Duration(departureMinutes) * time.Minute).Format(time.RFC3339),
		Note:          note,
		Status:        domain.RunOpen,
		CreatedAt:     now.Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, err
	}
	if err := e.appendEvent(ctx, tx, events.RunCreated, run.ID, "run", run.ID, actorID, events.EventPayload{
		"vendor_name":    run.VendorName,
		"departure_time": run.DepartureTime,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	e.broadcast(run.ID, events.RunCreated)
	return run, nil
}

func (e Engine) CloseRun(ctx context.Context, actorID, runID string) (domain.Run, error) {
	unlock := e.locks.lock(runID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Run{}, notFoundErr("run not found")
		}
		return domain.Run{}, err
	}
	if run.RunnerID != actorID {
		return domain.Run{}, unauthorizedErr("only the runner can close this run")
	}
	switch run.Status {
	case domain.RunCompleted:
		return domain.Run{}, invalidTransitionErr("run is already completed")
	case domain.RunClosed:
		return domain.Run{}, invalidTransitionErr("run is already closed")
	}
	flipped, err := e.Repo.CloseRunIfOpen(ctx, tx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if flipped {
		if err := e.appendEvent(ctx, tx, events.RunClosed, runID, "run", runID, actorID, events.EventPayload{
			"reason": "runner",
		}); err != nil {
			return domain.Run{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunClosed
	e.broadcast(runID, events.RunClosed)
	return run, nil
}

func (e Engine) CompleteRun(ctx context.Context, actorID, runID string) (domain.Run, error) {
	unlock := e.locks.lock(runID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Run{}, notFoundErr("run not found")
		}
		return domain.Run{}, err
	}
	if run.RunnerID != actorID {
		return domain.Run{}, unauthorizedErr("only the runner can complete this run")
	}
	if run.Status == domain.RunCompleted {
		return domain.Run{}, invalidTransitionErr("run is already completed")
	}
	if err := e.Repo.SetRunStatus(ctx, tx, runID, domain.RunCompleted); err != nil {
		return domain.Run{}, err
	}
	if err := e.appendEvent(ctx, tx, events.RunCompleted, runID, "run", runID, actorID, events.EventPayload{
		"from_status": string(run.Status),
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunCompleted
	e.broadcast(runID, events.RunCompleted)
	return run, nil
}

// ExtendRun pushes the departure forward and forces the run back to
// open. The new departure is taken from now, except that it never moves
// backwards: extending a run whose old deadline is still far out extends
// from that deadline instead.
func (e Engine) ExtendRun(ctx context.Context, actorID, runID string, minutes int) (domain.Run, error) {
	unlock := e.locks.lock(runID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Run{}, notFoundErr("run not found")
		}
		return domain.Run{}, err
	}
	if run.RunnerID != actorID {
		return domain.Run{}, unauthorizedErr("only the runner can extend this run")
	}
	if minutes <= 0 {
		return domain.Run{}, validationErr("extension must be at least 1 minute")
	}
	if run.Status == domain.RunCompleted {
		return domain.Run{}, invalidTransitionErr("cannot extend a completed run")
	}

	delta := time.Duration(minutes) * time.Minute
	departure := e.now().UTC().Add(delta)
	if !departure.After(run.DepartureAt()) {
		departure = run.DepartureAt().Add(delta)
	}
	departureStr := departure.Format(time.RFC3339)

	if err := e.Repo.ReopenRun(ctx, tx, runID, departureStr); err != nil {
		return domain.Run{}, err
	}
	if err := e.appendEvent(ctx, tx, events.RunExtended, runID, "run", runID, actorID, events.EventPayload{
		"minutes":        minutes,
		"from_status":    string(run.Status),
		"departure_time": departureStr,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunOpen
	run.DepartureTime = departureStr
	e.broadcast(runID, events.RunExtended)
	return run, nil
}

// --- items ---

// ItemInput carries the fields for a new item.
type ItemInput struct {
	Name     string
	Quantity int
	Price    money.Cents
	Notes    string
}

func (e Engine) AddItem(ctx context.Context, actorID, runID string, in ItemInput) (domain.Item, error) {
	unlock := e.locks.lock(runID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Item{}, notFoundErr("run not found")
		}
		return domain.Item{}, err
	}
	now := e.now().UTC()
	if effectiveStatus(run, now) != domain.RunOpen {
		return domain.Item{}, invalidStateErr("this run is no longer accepting items")
	}

	name := strings.TrimSpace(in.Name)
	if err := validateItemFields(name, in.Quantity, in.Price, in.Notes); err != nil {
		return domain.Item{}, err
	}

	item := domain.Item{
		ID:         uuid.New().String(),
		RunID:      runID,
		UserID:     actorID,
		Name:       name,
		Quantity:   in.Quantity,
		PriceCents: in.Price,
		Notes:      strings.TrimSpace(in.Notes),
		Paid:       false,
		CreatedAt:  now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertItem(ctx, tx, item); err != nil {
		return domain.Item{}, err
	}
	if err := e.appendEvent(ctx, tx, events.ItemAdded, runID, "item", item.ID, actorID, events.EventPayload{
		"name":     item.Name,
		"quantity": item.Quantity,
		"price":    item.PriceCents.String(),
	}); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	e.broadcast(runID, events.ItemAdded)
	return item, nil
}

func validateItemFields(name string, quantity int, price money.Cents, notes string) error {
	if name == "" {
		return validationErr("item name is required")
	}
	if utf8.RuneCountInString(name) > itemNameMax {
		return validationErr("item name must be at most %d characters", itemNameMax)
	}
	if quantity < quantityMin || quantity > quantityMax {
		return validationErr("quantity must be between %d and %d", quantityMin, quantityMax)
	}
	if price < 0 || price > maxPriceCents {
		return validationErr("price must be between 0.00 and %s", maxPriceCents)
	}
	if utf8.RuneCountInString(strings.TrimSpace(notes)) > noteMax {
		return validationErr("notes must be at most %d characters", noteMax)
	}
	return nil
}

// ItemUpdate carries partial item updates: nil fields are left
// unchanged. A present but empty name is a validation error, not a
// no-op.
type ItemUpdate struct {
	Name     *string
	Quantity *int
	Price    *money.Cents
	Notes    *string
}

func (e Engine) UpdateItem(ctx context.Context, actorID, itemID string, upd ItemUpdate) (domain.Item, error) {
	// Read once outside the critical section to learn the run id, then
	// re-read under the lock.
	probe, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Item{}, notFoundErr("item not found")
		}
		return domain.Item{}, err
	}
	unlock := e.locks.lock(probe.RunID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Item{}, notFoundErr("item not found")
		}
		return domain.Item{}, err
	}
	if item.UserID != actorID {
		return domain.Item{}, unauthorizedErr("you can only edit your own items")
	}
	run, err := e.Repo.GetRunTx(ctx, tx, item.RunID)
	if err != nil {
		return domain.Item{}, err
	}
	if effectiveStatus(run, e.now().UTC()) != domain.RunOpen {
		return domain.Item{}, invalidStateErr("cannot edit items in a closed run")
	}

	if upd.Name != nil {
		item.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Quantity != nil {
		item.Quantity = *upd.Quantity
	}
	if upd.Price != nil {
		item.PriceCents = *upd.Price
	}
	if upd.Notes != nil {
		item.Notes = strings.TrimSpace(*upd.Notes)
	}
	if err := validateItemFields(item.Name, item.Quantity, item.PriceCents, item.Notes); err != nil {
		return domain.Item{}, err
	}

	if err := e.Repo.UpdateItem(ctx, tx, item); err != nil {
		return domain.Item{}, err
	}
	if err := e.appendEvent(ctx, tx, events.ItemUpdated, item.RunID, "item", item.ID, actorID, events.EventPayload{
		"name":     item.Name,
		"quantity": item.Quantity,
		"price":    item.PriceCents.String(),
	}); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	e.broadcast(item.RunID, events.ItemUpdated)
	return item, nil
}

func (e Engine) DeleteItem(ctx context.Context, actorID, itemID string) error {
	probe, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		if err == repo.ErrNotFound {
			return notFoundErr("item not found")
		}
		return err
	}
	unlock := e.locks.lock(probe.RunID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		if err == repo.ErrNotFound {
			return notFoundErr("item not found")
		}
		return err
	}
	if item.UserID != actorID {
		return unauthorizedErr("you can only delete your own items")
	}
	run, err := e.Repo.GetRunTx(ctx, tx, item.RunID)
	if err != nil {
		return err
	}
	if effectiveStatus(run, e.now().UTC()) != domain.RunOpen {
		return invalidStateErr("cannot delete items in a closed run")
	}

	// The removal event carries the pre-delete snapshot; it is appended
	// before the row goes away so notifications see the old values.
	if err := e.appendEvent(ctx, tx, events.ItemRemoved, item.RunID, "item", item.ID, actorID, events.EventPayload{
		"name":     item.Name,
		"quantity": item.Quantity,
		"price":    item.PriceCents.String(),
		"user_id":  item.UserID,
	}); err != nil {
		return err
	}
	if err := e.Repo.DeleteItem(ctx, tx, itemID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.broadcast(item.RunID, events.ItemRemoved)
	return nil
}

// TogglePaid flips an item's paid flag. Only the run's runner may do
// this, but it is allowed at any run status: settlement happens after
// the run closes.
func (e Engine) TogglePaid(ctx context.Context, actorID, itemID string) (bool, error) {
	probe, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		if err == repo.ErrNotFound {
			return false, notFoundErr("item not found")
		}
		return false, err
	}
	unlock := e.locks.lock(probe.RunID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		if err == repo.ErrNotFound {
			return false, notFoundErr("item not found")
		}
		return false, err
	}
	run, err := e.Repo.GetRunTx(ctx, tx, item.RunID)
	if err != nil {
		return false, err
	}
	if run.RunnerID != actorID {
		return false, unauthorizedErr("only the runner can mark items as paid")
	}
	paid := !item.Paid
	if err := e.Repo.SetItemPaid(ctx, tx, itemID, paid); err != nil {
		return false, err
	}
	if err := e.appendEvent(ctx, tx, events.ItemPaidToggle, item.RunID, "item", item.ID, actorID, events.EventPayload{
		"paid": paid,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.broadcast(item.RunID, events.ItemPaidToggle)
	return paid, nil
}

// --- reads ---

// RunSummary is a run as shown in the active list.
type RunSummary struct {
	domain.Run
	RunnerName       string        `json:"runner_name"`
	ItemCount        int           `json:"item_count"`
	Urgency          clock.Urgency `json:"urgency" enum:"green,yellow,red"`
	RemainingSeconds int64         `json:"remaining_seconds"`
	ProgressPercent  float64       `json:"progress_percent"`
}

// ListActiveRuns returns open and closed runs ordered by soonest
// departure, annotated with item counts and urgency. Statuses are the
// effective ones: a run past its deadline reads closed even if the
// sweeper has not flipped it yet.
func (e Engine) ListActiveRuns(ctx context.Context) ([]RunSummary, error) {
	runs, err := e.Repo.ListActiveRuns(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(runs))
	runnerIDs := make([]string, 0, len(runs))
	for _, run := range runs {
		ids = append(ids, run.ID)
		runnerIDs = append(runnerIDs, run.RunnerID)
	}
	counts, err := e.Repo.CountItemsByRun(ctx, ids)
	if err != nil {
		return nil, err
	}
	names, err := e.Repo.DisplayNames(ctx, runnerIDs)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		remaining := clock.Remaining(now, run.DepartureAt())
		run.Status = effectiveStatus(run, now)
		out = append(out, RunSummary{
			Run:              run,
			RunnerName:       names[run.RunnerID],
			ItemCount:        counts[run.ID],
			Urgency:          clock.UrgencyFor(remaining),
			RemainingSeconds: int64(remaining / time.Second),
			ProgressPercent:  clock.ProgressPercent(now, run.CreatedAtTime(), run.DepartureAt()),
		})
	}
	return out, nil
}

// ItemView is an item with its owner's display name resolved.
type ItemView struct {
	domain.Item
	UserName   string      `json:"user_name"`
	TotalCents money.Cents `json:"total_cents"`
}

// RunDetail is a full run view: run, ordered items, resolved names.
type RunDetail struct {
	domain.Run
	RunnerName       string        `json:"runner_name"`
	Items            []ItemView    `json:"items"`
	Urgency          clock.Urgency `json:"urgency" enum:"green,yellow,red"`
	RemainingSeconds int64         `json:"remaining_seconds"`
	ProgressPercent  float64       `json:"progress_percent"`
}

func (e Engine) GetRun(ctx context.Context, runID string) (RunDetail, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		if err == repo.ErrNotFound {
			return RunDetail{}, notFoundErr("run not found")
		}
		return RunDetail{}, err
	}
	items, err := e.Repo.ListRunItems(ctx, runID)
	if err != nil {
		return RunDetail{}, err
	}
	ids := []string{run.RunnerID}
	for _, it := range items {
		ids = append(ids, it.UserID)
	}
	names, err := e.Repo.DisplayNames(ctx, ids)
	if err != nil {
		return RunDetail{}, err
	}
	now := e.now().UTC()
	remaining := clock.Remaining(now, run.DepartureAt())
	run.Status = effectiveStatus(run, now)
	detail := RunDetail{
		Run:              run,
		RunnerName:       names[run.RunnerID],
		Items:            make([]ItemView, 0, len(items)),
		Urgency:          clock.UrgencyFor(remaining),
		RemainingSeconds: int64(remaining / time.Second),
		ProgressPercent:  clock.ProgressPercent(now, run.CreatedAtTime(), run.DepartureAt()),
	}
	for _, it := range items {
		detail.Items = append(detail.Items, ItemView{
			Item:       it,
			UserName:   names[it.UserID],
			TotalCents: it.TotalCents(),
		})
	}
	return detail, nil
}

// RunTotals is the payment summary for one run.
type RunTotals struct {
	RunID           string             `json:"run_id"`
	Users           []totals.UserTotal `json:"users"`
	GrandTotalCents money.Cents        `json:"grand_total_cents"`
}

func (e Engine) PaymentSummary(ctx context.Context, runID string) (RunTotals, error) {
	if _, err := e.Repo.GetRun(ctx, runID); err != nil {
		if err == repo.ErrNotFound {
			return RunTotals{}, notFoundErr("run not found")
		}
		return RunTotals{}, err
	}
	items, err := e.Repo.ListRunItems(ctx, runID)
	if err != nil {
		return RunTotals{}, err
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.UserID)
	}
	names, err := e.Repo.DisplayNames(ctx, ids)
	if err != nil {
		return RunTotals{}, err
	}
	return RunTotals{
		RunID:           runID,
		Users:           totals.ByUser(items, names),
		GrandTotalCents: totals.Grand(items),
	}, nil
}

// --- users ---

func (e Engine) RegisterUser(ctx context.Context, name, email, password string, notifications bool) (domain.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.User{}, validationErr("name is required")
	}
	if utf8.RuneCountInString(password) < 6 {
		return domain.User{}, validationErr("password must be at least 6 characters")
	}
	if _, err := e.Repo.GetUserByName(ctx, name); err == nil {
		return domain.User{}, validationErr("name %q is already taken", name)
	} else if err != repo.ErrNotFound {
		return domain.User{}, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, err
	}
	u := domain.User{
		ID:                   uuid.New().String(),
		Name:                 name,
		Email:                strings.TrimSpace(email),
		NotificationsEnabled: notifications,
		PasswordHash:         hash,
		CreatedAt:            e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		// A concurrent registration can win the race after the
		// check above; surface it the same way.
		if repo.IsUniqueViolation(err) {
			return domain.User{}, validationErr("name %q is already taken", name)
		}
		return domain.User{}, err
	}
	if err := e.appendEvent(ctx, tx, events.UserRegistered, "", "user", u.ID, u.ID, events.EventPayload{
		"name": u.Name,
	}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// --- deadline sweep ---

// SweepDeadlines closes every run whose departure has elapsed while
// still stored open, and reports how many this call closed. The flip is
// conditional on the stored status, so concurrent or repeated sweeps of
// the same run close it exactly once and emit a single event.
func (e Engine) SweepDeadlines(ctx context.Context) (int, error) {
	now := e.now().UTC().Format(time.RFC3339)
	ids, err := e.Repo.ListDueRunIDs(ctx, now)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, id := range ids {
		flipped, err := e.closeDueRun(ctx, id, now)
		if err != nil {
			return closed, err
		}
		if flipped {
			closed++
			e.broadcast(id, events.RunClosed)
		}
	}
	return closed, nil
}

func (e Engine) closeDueRun(ctx context.Context, runID, now string) (bool, error) {
	unlock := e.locks.lock(runID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	flipped, err := e.Repo.CloseRunIfDue(ctx, tx, runID, now)
	if err != nil {
		return false, err
	}
	if !flipped {
		return false, nil
	}
	if err := e.appendEvent(ctx, tx, events.RunClosed, runID, "run", runID, "system", events.EventPayload{
		"reason": "deadline",
	}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
