package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"hundredbot/internal/challenge"
	"hundredbot/internal/eventbus"
	"hundredbot/internal/messages"
	"hundredbot/internal/timewindow"
	logx "hundredbot/pkg/logx"
)

const DefaultSettleCron = "0 0 * * *"

// SecondOptional allows both 5-field and 6-field (with seconds) specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron reports whether spec parses.
func ValidateCron(spec string) error {
	if _, err := cronParser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("settle cron %q: %w", spec, err)
	}
	return nil
}

// SweepSummary counts what one midnight run did.
type SweepSummary struct {
	Date       timewindow.Date `json:"date"`
	Checked    int             `json:"checked"`
	Settled    int             `json:"settled"`
	Eliminated int             `json:"eliminated"`
	Rearmed    int             `json:"rearmed"`
	Failed     int             `json:"failed"`
	Took       time.Duration   `json:"took"`
}

// Midnight is the backstop that settles any day a task did not close, for
// example because the process was down at window end.
type Midnight struct {
	reg  *Registry
	deps Deps
	log  logx.Logger

	mu   sync.Mutex
	spec string
	c    *cron.Cron
	last SweepSummary
}

func NewMidnight(reg *Registry, spec string) *Midnight {
	if strings.TrimSpace(spec) == "" {
		spec = DefaultSettleCron
	}
	return &Midnight{
		reg:  reg,
		deps: reg.deps,
		log:  reg.deps.Log.With(logx.String("comp", "midnight")),
		spec: strings.TrimSpace(spec),
	}
}

// Start registers the cron job in the participants' time zone. Jobs fired
// after ctx is cancelled do nothing.
func (m *Midnight) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return nil
	}
	loc := m.deps.Progress.Location()
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{m.log}), cron.SkipIfStillRunning(cronLogger{m.log})),
	)
	if _, err := c.AddFunc(m.spec, func() { m.fire(ctx) }); err != nil {
		return fmt.Errorf("settle cron %q: %w", m.spec, err)
	}
	c.Start()
	m.c = c
	m.log.Info("midnight sweep scheduled", logx.String("spec", m.spec), logx.String("tz", loc.String()))
	return nil
}

// Stop halts the cron and waits for a running sweep or ctx.
func (m *Midnight) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Reschedule swaps the cron spec; a running cron is restarted.
func (m *Midnight) Reschedule(ctx context.Context, spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSettleCron
	}
	if err := ValidateCron(spec); err != nil {
		return err
	}
	m.mu.Lock()
	running := m.c != nil
	same := spec == m.spec
	m.spec = spec
	m.mu.Unlock()
	if !running || same {
		return nil
	}
	m.Stop(ctx)
	return m.Start(ctx)
}

func (m *Midnight) Last() SweepSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Midnight) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	today := timewindow.DateOf(m.deps.Clock.Now(), m.deps.Progress.Location())
	if _, err := m.SettleAll(ctx, today.AddDays(-1)); err != nil {
		m.log.Error("midnight sweep failed", logx.Err(err))
	}
}

// SettleAll closes day for every live participant. It is idempotent: days a
// task already settled are skipped. Per-user failures are counted and logged.
func (m *Midnight) SettleAll(ctx context.Context, day timewindow.Date) (SweepSummary, error) {
	start := time.Now()
	sum := SweepSummary{Date: day}
	users, err := m.deps.Progress.ListUsers(ctx)
	if err != nil {
		return sum, fmt.Errorf("list participants: %w", err)
	}
	pol := m.deps.Progress.Policy().WithDefaults()

	for _, st := range users {
		if st.Eliminated {
			continue
		}
		sum.Checked++
		log := m.log.With(logx.Int64("user_id", int64(st.ID)))

		out, cur, err := m.deps.Progress.SettleDay(ctx, st.ID, day, challenge.SourceMidnight)
		if err != nil {
			sum.Failed++
			log.Warn("midnight settle failed", logx.Err(err))
			continue
		}
		if out.Settled {
			sum.Settled++
		}
		if out.Eliminated {
			sum.Eliminated++
			m.reg.Cancel(st.ID)
			p := messages.Payload{
				Name:      cur.DisplayName,
				Date:      day,
				Day:       out.Day,
				Reps:      out.Reps,
				Threshold: pol.Threshold,
				LivesUsed: out.Lives,
				MaxLives:  pol.MaxLives,
				Window:    cur.Window,
			}
			if err := m.deps.Notifier.Notify(ctx, st.ID, messages.KindEliminated, p); err != nil {
				log.Warn("elimination notice failed", logx.Err(err))
			}
			continue
		}
		if !m.reg.Running(st.ID) {
			if err := m.reg.Register(st.ID); err != nil {
				log.Warn("re-arm task failed", logx.Err(err))
				continue
			}
			sum.Rearmed++
		}
	}
	sum.Took = time.Since(start)

	m.mu.Lock()
	m.last = sum
	m.mu.Unlock()
	m.log.Info("midnight sweep done",
		logx.String("date", day.String()),
		logx.Int("checked", sum.Checked),
		logx.Int("settled", sum.Settled),
		logx.Int("eliminated", sum.Eliminated),
		logx.Int("rearmed", sum.Rearmed),
		logx.Int("failed", sum.Failed),
		logx.Duration("took", sum.Took),
	)
	m.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeMidnightRun, Data: sum})
	return sum, nil
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
