package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hundredbot/internal/challenge"
	"hundredbot/internal/eventbus"
	"hundredbot/internal/messages"
	kit "hundredbot/internal/transport"
	logx "hundredbot/pkg/logx"
)

var ErrDisabled = errors.New("notifier disabled")

// DedupStore persists dedup marks. storage.Store satisfies it.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

// Service is safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
	store  DedupStore
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New wires a notifier. store may be nil.
func New(cfg Config, sender kit.Sender, store DedupStore, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		log:    log,
		sender: sender,
		bus:    bus,
		store:  store,
		now:    time.Now,
		dedup:  map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Key identifies one logical notification for dedup.
func Key(id challenge.UserID, kind messages.Kind, p messages.Payload) string {
	return fmt.Sprintf("%d:%s:%s:%d", id, kind, p.Date, p.Index)
}

// Notify renders and delivers one notification to the participant's private
// chat. A key that was already delivered returns nil without sending.
// Undeliverable chats are reported with transport.ErrUndeliverable.
func (s *Service) Notify(ctx context.Context, id challenge.UserID, kind messages.Kind, p messages.Payload) error {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()
	if !cfg.Enabled {
		return ErrDisabled
	}
	text, err := messages.Render(kind, p)
	if err != nil {
		return err
	}

	key := Key(id, kind, p)
	if s.seen(ctx, key, cfg) {
		s.publish(eventbus.TypeNotifyDeduped, id, kind, nil)
		return nil
	}

	err = s.deliver(ctx, kit.ChatTarget{ChatID: int64(id)}, text, cfg, lim)
	s.appendHistory(id, kind, err)
	if err != nil {
		s.publish(eventbus.TypeNotifyFailed, id, kind, err)
		return fmt.Errorf("notify %s to %d: %w", kind, id, err)
	}
	s.remember(ctx, key, cfg)
	s.publish(eventbus.TypeNotifySent, id, kind, nil)
	return nil
}

// Send delivers free text without dedup, for operator broadcasts.
func (s *Service) Send(ctx context.Context, to kit.ChatTarget, text string) error {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()
	if !cfg.Enabled {
		return ErrDisabled
	}
	return s.deliver(ctx, to, text, cfg, lim)
}

func (s *Service) deliver(ctx context.Context, to kit.ChatTarget, text string, cfg Config, lim *rate.Limiter) error {
	if s.sender == nil {
		return ErrDisabled
	}
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.sender.SendText(callCtx, to, text, kit.HTML())
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, kit.ErrUndeliverable) {
			return err
		}
		lastErr = err
		s.log.Debug("notify send failed",
			logx.Int64("chat_id", to.ChatID),
			logx.Int("attempt", attempt),
			logx.Int("max", attempts),
			logx.Err(err),
		)
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return lastErr
		}
	}
	return lastErr
}

func (s *Service) seen(ctx context.Context, key string, cfg Config) bool {
	now := s.now()
	s.dmu.Lock()
	until, ok := s.dedup[key]
	s.dmu.Unlock()
	if ok && now.Before(until) {
		return true
	}
	if !cfg.PersistDedup || s.store == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	until, ok, err := s.store.GetDedup(cctx, key)
	cancel()
	if err != nil {
		s.log.Debug("dedup lookup failed", logx.String("key", key), logx.Err(err))
		return false
	}
	if ok && now.Before(until) {
		s.dmu.Lock()
		s.dedup[key] = until
		s.dmu.Unlock()
		return true
	}
	return false
}

func (s *Service) remember(ctx context.Context, key string, cfg Config) {
	now := s.now()
	until := now.Add(cfg.DedupWindow)

	s.dmu.Lock()
	s.dedup[key] = until
	if len(s.dedup) > cfg.DedupMaxEntries {
		for k, u := range s.dedup {
			if !now.Before(u) {
				delete(s.dedup, k)
			}
		}
		// Still over the cap: drop the entries expiring first.
		for len(s.dedup) > cfg.DedupMaxEntries {
			var (
				oldest string
				at     time.Time
			)
			for k, u := range s.dedup {
				if oldest == "" || u.Before(at) {
					oldest, at = k, u
				}
			}
			delete(s.dedup, oldest)
		}
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := s.store.PutDedup(cctx, key, until); err != nil {
			s.log.Warn("dedup persist failed", logx.String("key", key), logx.Err(err))
		}
		cancel()
	}
}

func (s *Service) publish(typ string, id challenge.UserID, kind messages.Kind, err error) {
	d := eventbus.NotifyData{UserID: int64(id), Kind: string(kind)}
	if err != nil {
		d.Err = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: d})
}

// History returns the most recent delivery attempts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(id challenge.UserID, kind messages.Kind, err error) {
	it := HistoryItem{At: s.now(), UserID: int64(id), Kind: string(kind)}
	if err != nil {
		it.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

// retryDelay is the wait before attempt+1: exponential with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
