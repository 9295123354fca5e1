package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/regx/internal/events"
	"github.com/desertthunder/regx/internal/models"
	"github.com/desertthunder/regx/internal/repositories"
	"github.com/desertthunder/regx/internal/shared"
	"github.com/desertthunder/regx/internal/tasks"
)

type fakeBatch struct {
	mu       sync.Mutex
	running  bool
	startErr error
	count    int
	conc     int
}

func (f *fakeBatch) Start(ctx context.Context, count, concurrency int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if count < 1 {
		return fmt.Errorf("%w: count must be at least 1", shared.ErrInvalidArgument)
	}
	if f.running {
		return shared.ErrAlreadyRunning
	}
	f.running, f.count, f.conc = true, count, concurrency
	return nil
}

func (f *fakeBatch) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return shared.ErrNotRunning
	}
	return nil
}

func (f *fakeBatch) Status() tasks.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return tasks.Status{}
	}
	return tasks.Status{Running: true, Concurrency: f.conc, Stats: &events.Stats{Target: f.count}}
}

type fakeSettings struct {
	settings shared.Settings
	err      error
}

func (f *fakeSettings) Get(ctx context.Context) (shared.Settings, error) { return f.settings, f.err }

func (f *fakeSettings) Put(ctx context.Context, s shared.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.settings = s
	return nil
}

type fakeAccounts struct {
	accounts []*models.Account
	opts     repositories.ListOptions
	err      error
}

func (f *fakeAccounts) List(ctx context.Context, opts repositories.ListOptions) ([]*models.Account, error) {
	f.opts = opts
	return f.accounts, f.err
}

func (f *fakeAccounts) Stats(ctx context.Context) (*models.AccountStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.AccountStats{Total: len(f.accounts), WithKey: 1, WithoutKey: len(f.accounts) - 1}, nil
}

func validSettings() shared.Settings {
	return shared.Settings{
		EmailTimeout:       120,
		EmailCheckInterval: 1,
		RegisterDelayMS:    1000,
		RetryTimes:         3,
		Concurrency:        10,
		HTTPTimeout:        30,
		BatchSaveSize:      10,
	}
}

func newTestAPI() (*BasicRouter, *fakeBatch, *fakeSettings, *fakeAccounts) {
	batch := &fakeBatch{}
	settings := &fakeSettings{settings: validSettings()}
	accounts := &fakeAccounts{accounts: []*models.Account{
		models.NewAccount("a@mail.example", "pw", "tok", "key"),
		models.NewAccount("b@mail.example", "pw", "tok", ""),
	}}

	router := NewBasicRouter()
	router.Use(Recover(quietLogger()), RequestLogger(quietLogger()))
	NewControlAPI(batch, settings, accounts, quietLogger()).Register(router)
	return router, batch, settings, accounts
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestBasicRouter(t *testing.T) {
	t.Run("Dispatches By Method", func(t *testing.T) {
		router := NewBasicRouter()
		router.Handle(http.MethodGet, "/thing", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("get"))
		}))
		router.Handle("put", "/thing", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("put"))
		}))

		if rec := do(t, router, http.MethodGet, "/thing", ""); rec.Body.String() != "get" {
			t.Errorf("expected get handler, got %q", rec.Body.String())
		}
		if rec := do(t, router, http.MethodPut, "/thing", ""); rec.Body.String() != "put" {
			t.Errorf("expected put handler, got %q", rec.Body.String())
		}

		rec := do(t, router, http.MethodDelete, "/thing", "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected 405, got %d", rec.Code)
		}
		if allow := rec.Header().Get("Allow"); allow != "GET, PUT" {
			t.Errorf("expected Allow header, got %q", allow)
		}
	})

	t.Run("Middleware Order", func(t *testing.T) {
		var order []string
		mw := func(name string) Middleware {
			return func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					order = append(order, name)
					next.ServeHTTP(w, r)
				})
			}
		}

		router := NewBasicRouter()
		router.Use(mw("first"), mw("second"))
		router.Handle(http.MethodGet, "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		do(t, router, http.MethodGet, "/", "")

		if strings.Join(order, ",") != "first,second" {
			t.Errorf("unexpected middleware order %v", order)
		}
	})

	t.Run("Recover", func(t *testing.T) {
		router := NewBasicRouter()
		router.Use(Recover(quietLogger()))
		router.Handle(http.MethodGet, "/panic", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))

		if rec := do(t, router, http.MethodGet, "/panic", ""); rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{shared.ErrInvalidArgument, http.StatusBadRequest},
		{fmt.Errorf("%w: bad", shared.ErrInvalidConfig), http.StatusBadRequest},
		{shared.ErrInvalidInput, http.StatusBadRequest},
		{shared.ErrAlreadyRunning, http.StatusConflict},
		{shared.ErrNotRunning, http.StatusConflict},
		{shared.ErrAccountNotFound, http.StatusNotFound},
		{errors.New("disk"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := StatusFor(tt.err); got != tt.want {
				t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestControlAPI(t *testing.T) {
	t.Run("Start Stop Status", func(t *testing.T) {
		router, batch, _, _ := newTestAPI()

		if rec := do(t, router, http.MethodGet, "/api/register/status", ""); rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		} else if s := decode[tasks.Status](t, rec); s.Running {
			t.Error("expected idle status")
		}

		if rec := do(t, router, http.MethodPost, "/api/register/stop", ""); rec.Code != http.StatusConflict {
			t.Errorf("expected 409 when idle, got %d", rec.Code)
		}

		rec := do(t, router, http.MethodPost, "/api/register/start", `{"count":5,"concurrency":2}`)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
		}
		if s := decode[tasks.Status](t, rec); !s.Running || s.Stats.Target != 5 || s.Concurrency != 2 {
			t.Errorf("unexpected status %+v", s)
		}
		if batch.count != 5 || batch.conc != 2 {
			t.Errorf("expected request forwarded, got %d/%d", batch.count, batch.conc)
		}

		if rec := do(t, router, http.MethodPost, "/api/register/start", `{"count":1}`); rec.Code != http.StatusConflict {
			t.Errorf("expected 409 when already running, got %d", rec.Code)
		}
		if rec := do(t, router, http.MethodPost, "/api/register/stop", ""); rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("Start Validation", func(t *testing.T) {
		tests := []struct {
			name string
			body string
		}{
			{"zero count", `{"count":0}`},
			{"malformed body", `{"count":`},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				router, _, _, _ := newTestAPI()
				rec := do(t, router, http.MethodPost, "/api/register/start", tt.body)
				if rec.Code != http.StatusBadRequest {
					t.Errorf("expected 400, got %d", rec.Code)
				}
				if body := decode[errorBody](t, rec); body.Error == "" {
					t.Error("expected error message")
				}
			})
		}
	})

	t.Run("Config", func(t *testing.T) {
		router, _, settings, _ := newTestAPI()

		rec := do(t, router, http.MethodGet, "/api/config", "")
		if got := decode[shared.Settings](t, rec); got.Concurrency != 10 {
			t.Errorf("unexpected settings %+v", got)
		}

		rec = do(t, router, http.MethodPut, "/api/config", `{"concurrency":3,"skip_api_key":true}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if settings.settings.Concurrency != 3 || !settings.settings.SkipAPIKey || settings.settings.EmailTimeout != 120 {
			t.Errorf("expected partial update merged over stored settings, got %+v", settings.settings)
		}

		if rec := do(t, router, http.MethodPut, "/api/config", `{"concurrency":0}`); rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for invalid settings, got %d", rec.Code)
		}
		if settings.settings.Concurrency != 3 {
			t.Error("expected invalid update to be rejected")
		}

		if rec := do(t, router, http.MethodDelete, "/api/config", ""); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected 405, got %d", rec.Code)
		}
	})

	t.Run("Accounts", func(t *testing.T) {
		router, _, _, accounts := newTestAPI()

		rec := do(t, router, http.MethodGet, "/api/accounts?prefix=a&status=active&missing_key=true&limit=5&offset=10", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if got := decode[[]models.Account](t, rec); len(got) != 2 {
			t.Errorf("expected 2 accounts, got %d", len(got))
		}
		want := repositories.ListOptions{Prefix: "a", Status: models.StatusActive, MissingKey: true, Limit: 5, Offset: 10}
		if accounts.opts != want {
			t.Errorf("expected %+v, got %+v", want, accounts.opts)
		}

		for _, q := range []string{"?status=zombie", "?limit=-1", "?offset=x"} {
			if rec := do(t, router, http.MethodGet, "/api/accounts"+q, ""); rec.Code != http.StatusBadRequest {
				t.Errorf("%s: expected 400, got %d", q, rec.Code)
			}
		}

		rec = do(t, router, http.MethodGet, "/api/accounts/stats", "")
		if got := decode[models.AccountStats](t, rec); got.Total != 2 || got.WithKey != 1 {
			t.Errorf("unexpected stats %+v", got)
		}
	})

	t.Run("Empty Account List Is An Array", func(t *testing.T) {
		router, _, _, accounts := newTestAPI()
		accounts.accounts = nil

		rec := do(t, router, http.MethodGet, "/api/accounts", "")
		if strings.TrimSpace(rec.Body.String()) != "[]" {
			t.Errorf("expected empty array, got %q", rec.Body.String())
		}
	})

	t.Run("Store Errors", func(t *testing.T) {
		router, _, settings, accounts := newTestAPI()
		settings.err = errors.New("db down")
		accounts.err = errors.New("db down")

		for _, path := range []string{"/api/config", "/api/accounts", "/api/accounts/stats"} {
			if rec := do(t, router, http.MethodGet, path, ""); rec.Code != http.StatusInternalServerError {
				t.Errorf("%s: expected 500, got %d", path, rec.Code)
			}
		}
	})
}

type fakeSnapshots struct {
	entries []events.Event
	err     error
}

func (f *fakeSnapshots) LoadSnapshot(ctx context.Context) ([]events.Event, error) {
	return f.entries, f.err
}

type sseClient struct {
	resp   *http.Response
	reader *bufio.Reader
}

func connect(t *testing.T, url string) *sseClient {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	return &sseClient{resp: resp, reader: bufio.NewReader(resp.Body)}
}

// next returns the next non-empty line.
func (c *sseClient) next(t *testing.T) string {
	t.Helper()
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line = strings.TrimRight(line, "\n"); line != "" {
			return line
		}
	}
}

func (c *sseClient) event(t *testing.T) events.Event {
	t.Helper()
	line := c.next(t)
	var e events.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
		t.Fatalf("bad event line %q: %v", line, err)
	}
	return e
}

func TestEventStream(t *testing.T) {
	newBus := func() *events.Bus {
		bus := events.NewBus(events.Options{Logger: quietLogger()})
		t.Cleanup(func() { bus.Close() })
		return bus
	}

	t.Run("Connected Replay And Live", func(t *testing.T) {
		bus := newBus()
		for i := range 60 {
			bus.Publish(events.Info(fmt.Sprintf("event %d", i)))
		}

		stream := NewEventStream(bus, nil, &fakeBatch{running: true}, quietLogger())
		srv := httptest.NewServer(stream)
		defer srv.Close()

		c := connect(t, srv.URL+stream.Routes()[0])
		if line := c.next(t); line != `data: {"type":"connected","running":true}` {
			t.Fatalf("unexpected first line %q", line)
		}

		first := c.event(t)
		if first.Message != "event 10" {
			t.Errorf("expected replay to start at the 50th newest entry, got %q", first.Message)
		}
		for range DefaultReplay - 1 {
			c.event(t)
		}

		bus.Publish(events.Success("live"))
		if e := c.event(t); e.Message != "live" || e.Level != events.LevelSuccess {
			t.Errorf("unexpected live event %+v", e)
		}
	})

	t.Run("Snapshot Fallback", func(t *testing.T) {
		snapshots := &fakeSnapshots{entries: []events.Event{events.Info("before restart")}}
		stream := NewEventStream(newBus(), snapshots, nil, quietLogger())
		srv := httptest.NewServer(stream)
		defer srv.Close()

		c := connect(t, srv.URL)
		if line := c.next(t); !strings.Contains(line, `"running":false`) {
			t.Errorf("expected idle connected message, got %q", line)
		}
		if e := c.event(t); e.Message != "before restart" {
			t.Errorf("expected snapshot replay, got %+v", e)
		}
	})

	t.Run("Keepalive", func(t *testing.T) {
		stream := NewEventStream(newBus(), &fakeSnapshots{err: errors.New("gone")}, nil, quietLogger())
		stream.keepalive = 10 * time.Millisecond
		srv := httptest.NewServer(stream)
		defer srv.Close()

		c := connect(t, srv.URL)
		c.next(t)
		if line := c.next(t); line != ": keepalive" {
			t.Errorf("expected keepalive comment, got %q", line)
		}
	})

	t.Run("Disconnect Unsubscribes", func(t *testing.T) {
		bus := newBus()
		stream := NewEventStream(bus, nil, nil, quietLogger())
		srv := httptest.NewServer(stream)
		defer srv.Close()

		c := connect(t, srv.URL)
		c.next(t)
		if bus.Subscribers() != 1 {
			t.Fatalf("expected 1 subscriber, got %d", bus.Subscribers())
		}
		c.resp.Body.Close()

		deadline := time.Now().Add(2 * time.Second)
		for bus.Subscribers() != 0 && time.Now().Before(deadline) {
			bus.Publish(events.Info("ping"))
			time.Sleep(10 * time.Millisecond)
		}
		if bus.Subscribers() != 0 {
			t.Error("expected subscription to be released after disconnect")
		}
	})

	t.Run("Rejects Non-GET", func(t *testing.T) {
		stream := NewEventStream(newBus(), nil, nil, quietLogger())
		if rec := do(t, stream, http.MethodPost, "/api/events", ""); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected 405, got %d", rec.Code)
		}
	})
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		}), quietLogger())
	}()

	resp, err := http.Get("http://" + ln.Addr().String())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("unexpected body %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func quietLogger() *log.Logger {
	return shared.NewLogger(io.Discard)
}
