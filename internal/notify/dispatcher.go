// Package notify turns committed run events into emails. The dispatcher
// tails the event log with a cursor, strictly after the mutations that
// produced the events have committed; a delivery failure is logged and
// never surfaces into the operation that caused it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BenjaminMensah-2255/whos-going/internal/domain"
	"github.com/BenjaminMensah-2255/whos-going/internal/events"
	"github.com/BenjaminMensah-2255/whos-going/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

type Dispatcher struct {
	Repo     repo.Repo
	Mailer   Mailer
	AppURL   string
	Interval time.Duration

	mu     sync.Mutex
	cursor int64
	stop   chan struct{}
}

func NewDispatcher(r repo.Repo, m Mailer, appURL string) *Dispatcher {
	return &Dispatcher{Repo: r, Mailer: m, AppURL: appURL, Interval: defaultInterval}
}

// Start begins tailing the event log from its current end: events that
// predate startup are not re-notified.
func (d *Dispatcher) Start() {
	ctx := context.Background()
	cur, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		slog.Warn("notify: init cursor failed", "error", err)
		cur = 0
	}
	d.mu.Lock()
	d.cursor = cur
	d.stop = make(chan struct{})
	stop := d.stop
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(d.interval())
		defer ticker.Stop()
		for {
			if err := d.DispatchPending(ctx); err != nil {
				slog.Warn("notify: dispatch failed", "error", err)
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
}

func (d *Dispatcher) interval() time.Duration {
	if d.Interval > 0 {
		return d.Interval
	}
	return defaultInterval
}

// DispatchPending processes every event past the cursor. The cursor
// advances even when delivery fails: notifications are fire and forget.
func (d *Dispatcher) DispatchPending(ctx context.Context) error {
	for {
		d.mu.Lock()
		cursor := d.cursor
		d.mu.Unlock()

		evts, err := d.Repo.EventsAfter(ctx, defaultBatch, cursor)
		if err != nil {
			return err
		}
		if len(evts) == 0 {
			return nil
		}
		for _, evt := range evts {
			d.handle(ctx, evt)
			d.mu.Lock()
			d.cursor = evt.ID
			d.mu.Unlock()
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, evt domain.Event) {
	switch evt.Type {
	case events.RunCreated:
		d.notifyRunCreated(ctx, evt)
	case events.ItemAdded:
		d.notifyRunnerItem(ctx, evt, "added")
	case events.ItemRemoved:
		d.notifyRunnerItem(ctx, evt, "removed")
	}
}

type itemPayload struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    string `json:"price"`
}

// notifyRunCreated mails every opted-in user except the runner.
func (d *Dispatcher) notifyRunCreated(ctx context.Context, evt domain.Event) {
	run, err := d.Repo.GetRun(ctx, evt.RunID)
	if err != nil {
		slog.Warn("notify: run lookup failed", "run_id", evt.RunID, "error", err)
		return
	}
	runner, err := d.Repo.GetUser(ctx, run.RunnerID)
	if err != nil {
		slog.Warn("notify: runner lookup failed", "user_id", run.RunnerID, "error", err)
		return
	}
	recipients, err := d.Repo.ListNotifiableUsers(ctx)
	if err != nil {
		slog.Warn("notify: recipient lookup failed", "error", err)
		return
	}
	subject := fmt.Sprintf("%s is going to %s!", runner.Name, run.VendorName)
	body := fmt.Sprintf("%s is making a run to %s, leaving at %s.\n", runner.Name, run.VendorName, formatDeparture(run.DepartureTime))
	if run.Note != "" {
		body += "Note: " + run.Note + "\n"
	}
	body += fmt.Sprintf("\nAdd your items before they leave: %s/runs/%s\n", d.AppURL, run.ID)

	sent, failed := 0, 0
	for _, u := range recipients {
		if u.ID == evt.ActorID {
			continue
		}
		if err := d.Mailer.Send(u.Email, subject, body); err != nil {
			failed++
			slog.Warn("notify: run created mail failed", "to", u.Email, "error", err)
			continue
		}
		sent++
	}
	slog.Info("notify: run created", "run_id", run.ID, "sent", sent, "failed", failed)
}

// notifyRunnerItem mails the runner when someone else adds or removes an
// item on their run.
func (d *Dispatcher) notifyRunnerItem(ctx context.Context, evt domain.Event, verb string) {
	run, err := d.Repo.GetRun(ctx, evt.RunID)
	if err != nil {
		slog.Warn("notify: run lookup failed", "run_id", evt.RunID, "error", err)
		return
	}
	if evt.ActorID == run.RunnerID {
		return
	}
	runner, err := d.Repo.GetUser(ctx, run.RunnerID)
	if err != nil {
		slog.Warn("notify: runner lookup failed", "user_id", run.RunnerID, "error", err)
		return
	}
	if !runner.NotificationsEnabled || runner.Email == "" {
		return
	}
	requester, err := d.Repo.GetUser(ctx, evt.ActorID)
	if err != nil {
		slog.Warn("notify: requester lookup failed", "user_id", evt.ActorID, "error", err)
		return
	}
	var p itemPayload
	if err := json.Unmarshal([]byte(evt.Payload), &p); err != nil {
		slog.Warn("notify: bad item payload", "event_id", evt.ID, "error", err)
		return
	}
	subject := fmt.Sprintf("%s %s an item on your %s run", requester.Name, verb, run.VendorName)
	body := fmt.Sprintf("%s %s: %d x %s (%s each)\n\nView the run: %s/runs/%s\n",
		requester.Name, verb, p.Quantity, p.Name, p.Price, d.AppURL, run.ID)
	if err := d.Mailer.Send(runner.Email, subject, body); err != nil {
		slog.Warn("notify: item mail failed", "to", runner.Email, "error", err)
		return
	}
	slog.Info("notify: item "+verb, "run_id", run.ID, "to", runner.Email)
}

func formatDeparture(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.Format("3:04 PM MST")
}
