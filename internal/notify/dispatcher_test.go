package notify_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BenjaminMensah-2255/whos-going/internal/db"
	"github.com/BenjaminMensah-2255/whos-going/internal/engine"
	"github.com/BenjaminMensah-2255/whos-going/internal/migrate"
	"github.com/BenjaminMensah-2255/whos-going/internal/money"
	"github.com/BenjaminMensah-2255/whos-going/internal/notify"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	fail bool
}

type sentMail struct {
	To      string
	Subject string
}

func (m *fakeMailer) Send(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("smtp down")
	}
	m.sent = append(m.sent, sentMail{To: to, Subject: subject})
	return nil
}

func (m *fakeMailer) mails() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMail, len(m.sent))
	copy(out, m.sent)
	return out
}

type notifyEnv struct {
	Engine     engine.Engine
	Dispatcher *notify.Dispatcher
	Mailer     *fakeMailer
	Ctx        context.Context

	runner string
	buyer  string
}

func newNotifyEnv(t *testing.T) *notifyEnv {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	alice, err := eng.RegisterUser(ctx, "alice", "alice@example.com", "secret1", true)
	if err != nil {
		t.Fatal(err)
	}
	bob, err := eng.RegisterUser(ctx, "bob", "bob@example.com", "secret2", true)
	if err != nil {
		t.Fatal(err)
	}
	// Carol has opted out; she must never get mail.
	if _, err := eng.RegisterUser(ctx, "carol", "carol@example.com", "secret3", false); err != nil {
		t.Fatal(err)
	}

	mailer := &fakeMailer{}
	// No Start here: the tests drive DispatchPending directly. The cursor
	// begins at zero, which is fine since user.registered events are not
	// notified.
	d := notify.NewDispatcher(eng.Repo, mailer, "http://app.local")

	return &notifyEnv{
		Engine:     eng,
		Dispatcher: d,
		Mailer:     mailer,
		Ctx:        ctx,
		runner:     alice.ID,
		buyer:      bob.ID,
	}
}

func TestRunCreatedNotifiesOptedInUsersExceptRunner(t *testing.T) {
	env := newNotifyEnv(t)
	if _, err := env.Engine.CreateRun(env.Ctx, env.runner, "Blue Bottle", 20, "back door"); err != nil {
		t.Fatal(err)
	}
	if err := env.Dispatcher.DispatchPending(env.Ctx); err != nil {
		t.Fatal(err)
	}
	mails := env.Mailer.mails()
	if len(mails) != 1 {
		t.Fatalf("sent %d mails, want 1 (bob only): %+v", len(mails), mails)
	}
	if mails[0].To != "bob@example.com" {
		t.Fatalf("mail went to %s", mails[0].To)
	}
	if mails[0].Subject != "alice is going to Blue Bottle!" {
		t.Fatalf("subject = %q", mails[0].Subject)
	}
}

func TestItemAddedNotifiesRunnerOnly(t *testing.T) {
	env := newNotifyEnv(t)
	run, err := env.Engine.CreateRun(env.Ctx, env.runner, "Blue Bottle", 20, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Dispatcher.DispatchPending(env.Ctx); err != nil {
		t.Fatal(err)
	}
	before := len(env.Mailer.mails())

	price, _ := money.Parse("3.50")
	if _, err := env.Engine.AddItem(env.Ctx, env.buyer, run.ID, engine.ItemInput{Name: "latte", Quantity: 2, Price: price}); err != nil {
		t.Fatal(err)
	}
	// The runner adding to their own run stays silent.
	if _, err := env.Engine.AddItem(env.Ctx, env.runner, run.ID, engine.ItemInput{Name: "sandwich", Quantity: 1, Price: price}); err != nil {
		t.Fatal(err)
	}
	if err := env.Dispatcher.DispatchPending(env.Ctx); err != nil {
		t.Fatal(err)
	}

	mails := env.Mailer.mails()[before:]
	if len(mails) != 1 {
		t.Fatalf("sent %d item mails, want 1: %+v", len(mails), mails)
	}
	if mails[0].To != "alice@example.com" {
		t.Fatalf("item mail went to %s, want the runner", mails[0].To)
	}
	if mails[0].Subject != "bob added an item on your Blue Bottle run" {
		t.Fatalf("subject = %q", mails[0].Subject)
	}
}

func TestCursorAdvancesPastDeliveryFailures(t *testing.T) {
	env := newNotifyEnv(t)
	if _, err := env.Engine.CreateRun(env.Ctx, env.runner, "Blue Bottle", 20, ""); err != nil {
		t.Fatal(err)
	}

	env.Mailer.fail = true
	if err := env.Dispatcher.DispatchPending(env.Ctx); err != nil {
		t.Fatal(err)
	}
	env.Mailer.fail = false

	// A second pass must not replay the event.
	if err := env.Dispatcher.DispatchPending(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(env.Mailer.mails()); got != 0 {
		t.Fatalf("replayed %d mails after failure, want 0", got)
	}
}
