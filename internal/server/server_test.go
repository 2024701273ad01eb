package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/BenjaminMensah-2255/whos-going/internal/auth"
	"github.com/BenjaminMensah-2255/whos-going/internal/db"
	"github.com/BenjaminMensah-2255/whos-going/internal/engine"
	"github.com/BenjaminMensah-2255/whos-going/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	issuer := auth.TokenIssuer{Secret: "test-secret", TTL: time.Hour}
	handler, err := New(Config{Engine: e, Issuer: issuer, BasePath: "/v1"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func registerUser(t *testing.T, ts *testServer, name string) TokenResponse {
	t.Helper()
	res, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/auth/register", RegisterRequest{
		Name:     name,
		Password: "secret1",
	}, "")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d: %s", name, res.StatusCode, body)
	}
	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	return tok
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v: %s", err, body)
	}
	return envelope.Error.Code
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t)

	res, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/runs", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: status %d, want 401", res.StatusCode)
	}

	tok := registerUser(t, ts, "alice")
	if tok.Token == "" || tok.User.Name != "alice" {
		t.Fatalf("bad register response: %+v", tok)
	}

	res, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/auth/login", LoginRequest{Name: "alice", Password: "wrong"}, "")
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "invalid_credentials" {
		t.Fatalf("bad password: status %d code %s", res.StatusCode, errorCode(t, body))
	}

	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/auth/login", LoginRequest{Name: "alice", Password: "secret1"}, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/me", nil, tok.Token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d: %s", res.StatusCode, body)
	}
	var me UserResponse
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatal(err)
	}
	if me.ID != tok.User.ID {
		t.Fatalf("me = %s, want %s", me.ID, tok.User.ID)
	}
}

func TestRunAndItemFlow(t *testing.T) {
	ts := newTestServer(t)
	runner := registerUser(t, ts, "alice")
	buyer := registerUser(t, ts, "bob")

	res, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/runs", CreateRunRequest{
		VendorName:       "Blue Bottle",
		DepartureMinutes: 20,
		Note:             "leaving from the lobby",
	}, runner.Token)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create run: status %d: %s", res.StatusCode, body)
	}
	var run RunResponse
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatal(err)
	}
	if run.Status != "open" {
		t.Fatalf("run status = %s", run.Status)
	}

	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/runs/"+run.ID+"/items", AddItemRequest{
		Name:     "latte",
		Quantity: 2,
		Price:    "3.50",
	}, buyer.Token)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add item: status %d: %s", res.StatusCode, body)
	}
	var item ItemResponse
	if err := json.Unmarshal(body, &item); err != nil {
		t.Fatal(err)
	}
	if item.Price != "3.50" || item.Total != "7.00" {
		t.Fatalf("item money: price=%s total=%s", item.Price, item.Total)
	}

	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/runs/"+run.ID+"/items", AddItemRequest{
		Name:     "bad",
		Quantity: 1,
		Price:    "3.5.0",
	}, buyer.Token)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed price: status %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/runs/"+run.ID, nil, runner.Token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run: status %d: %s", res.StatusCode, body)
	}
	var detail RunDetailResponse
	if err := json.Unmarshal(body, &detail); err != nil {
		t.Fatal(err)
	}
	if len(detail.Items) != 1 || detail.Items[0].UserName != "bob" {
		t.Fatalf("detail items: %+v", detail.Items)
	}

	// Only the runner can close.
	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/runs/"+run.ID+"/close", nil, buyer.Token)
	if res.StatusCode != http.StatusForbidden || errorCode(t, body) != "forbidden" {
		t.Fatalf("non-runner close: status %d code %s", res.StatusCode, errorCode(t, body))
	}
	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/runs/"+run.ID+"/close", nil, runner.Token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close: status %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/runs/"+run.ID+"/items", AddItemRequest{
		Name:     "muffin",
		Quantity: 1,
		Price:    "2.50",
	}, buyer.Token)
	if res.StatusCode != http.StatusConflict || errorCode(t, body) != "invalid_state" {
		t.Fatalf("item on closed run: status %d code %s", res.StatusCode, errorCode(t, body))
	}

	res, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/runs/"+run.ID+"/totals", nil, runner.Token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("totals: status %d: %s", res.StatusCode, body)
	}
	var totals RunTotalsResponse
	if err := json.Unmarshal(body, &totals); err != nil {
		t.Fatal(err)
	}
	if totals.GrandTotal != "7.00" {
		t.Fatalf("grand total = %s, want 7.00", totals.GrandTotal)
	}

	res, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/items/"+item.ID+"/paid", nil, runner.Token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle paid: status %d: %s", res.StatusCode, body)
	}
	var paid PaidResponse
	if err := json.Unmarshal(body, &paid); err != nil {
		t.Fatal(err)
	}
	if !paid.Paid {
		t.Fatalf("paid = false after toggle")
	}

	res, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/runs/no-such-run", nil, runner.Token)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing run: status %d, want 404", res.StatusCode)
	}
}

func TestEventTail(t *testing.T) {
	ts := newTestServer(t)
	runner := registerUser(t, ts, "alice")

	res, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/runs", CreateRunRequest{
		VendorName:       "Taqueria",
		DepartureMinutes: 15,
	}, runner.Token)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create run: %d: %s", res.StatusCode, body)
	}
	var run RunResponse
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatal(err)
	}

	res, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/events?run_id="+run.ID, nil, runner.Token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tail: status %d: %s", res.StatusCode, body)
	}
	var evts []EventResponse
	if err := json.Unmarshal(body, &evts); err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 || evts[0].Type != "run.created" {
		t.Fatalf("events: %+v", evts)
	}
}
