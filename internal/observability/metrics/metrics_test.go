package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"hundredbot/internal/eventbus"
	"hundredbot/internal/scheduler"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestObserveEvents(t *testing.T) {
	t.Parallel()
	m := New(eventbus.New())
	for _, e := range []eventbus.Event{
		{Type: eventbus.TypeDaySettled, Data: eventbus.SettledData{Source: "window", Completed: true}},
		{Type: eventbus.TypeDaySettled, Data: eventbus.SettledData{Source: "midnight", LifeLost: true}},
		{Type: eventbus.TypeDaySettled, Data: eventbus.SettledData{Source: "midnight", LifeLost: true, Eliminated: true}},
		{Type: eventbus.TypeTaskStarted},
		{Type: eventbus.TypeTaskStarted},
		{Type: eventbus.TypeTaskStopped},
		{Type: eventbus.TypeTaskRetry, Data: eventbus.TaskData{Phase: "reminders"}},
		{Type: eventbus.TypeNotifySent, Data: eventbus.NotifyData{Kind: "reminder"}},
		{Type: eventbus.TypeNotifyDeduped, Data: eventbus.NotifyData{Kind: "reminder"}},
		{Type: eventbus.TypeCommandHandled, Data: eventbus.CommandData{Command: "add", OK: true, Took: time.Millisecond}},
		{Type: eventbus.TypeMidnightRun, Data: scheduler.SweepSummary{Checked: 4, Settled: 2, Took: time.Second}},
		{Type: "unknown.type"},
	} {
		m.Observe(e)
	}

	body := scrape(t, m)
	for _, want := range []string{
		`hundredbot_settlements_total{outcome="completed",source="window"} 1`,
		`hundredbot_settlements_total{outcome="life_lost",source="midnight"} 1`,
		`hundredbot_settlements_total{outcome="eliminated",source="midnight"} 1`,
		`hundredbot_tasks_running 1`,
		`hundredbot_task_retries_total{phase="reminders"} 1`,
		`hundredbot_notifications_total{kind="reminder",result="sent"} 1`,
		`hundredbot_notifications_total{kind="reminder",result="deduped"} 1`,
		`hundredbot_commands_total{command="add",ok="true"} 1`,
		`hundredbot_midnight_last_sweep{field="checked"} 4`,
		`hundredbot_midnight_sweeps_total 1`,
		`hundredbot_eventbus_dropped_total 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in scrape", want)
		}
	}
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	m := New(bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.TypeRepsChanged})
		if strings.Contains(scrape(t, m), "hundredbot_reps_changes_total") &&
			!strings.Contains(scrape(t, m), "hundredbot_reps_changes_total 0") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reps counter never moved")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	t.Parallel()
	m := New(nil)
	r := mux.NewRouter()
	r.Use(m.Middleware)
	r.HandleFunc("/ops/tasks/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ops/tasks/42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	body := scrape(t, m)
	want := `http_requests_total{method="GET",path="/ops/tasks/{id}",status="I'm a teapot"} 1`
	if !strings.Contains(body, want) {
		t.Fatalf("missing %q", want)
	}
}
