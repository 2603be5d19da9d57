// Package bot maps chat commands onto the tracker and renders the replies.
package bot

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"hundredbot/internal/challenge"
	"hundredbot/internal/notifier/broadcast"
	"hundredbot/internal/progress"
	"hundredbot/internal/scheduler"
	"hundredbot/internal/storage"
	"hundredbot/internal/timewindow"
	"hundredbot/internal/tracker"
	kit "hundredbot/internal/transport"
	"hundredbot/internal/transport/telegram/router"
	logx "hundredbot/pkg/logx"
)

// Tracker is the part of tracker.Service the handlers use.
type Tracker interface {
	OnRegister(ctx context.Context, id challenge.UserID, set challenge.Settings) (challenge.State, error)
	OnReset(ctx context.Context, id challenge.UserID) error
	OnRepsAdded(ctx context.Context, id challenge.UserID, n int) (challenge.State, challenge.RepsResult, error)
	OnRepsSubtracted(ctx context.Context, id challenge.UserID, n int) (challenge.State, challenge.RepsResult, error)
	OnSettingsChanged(ctx context.Context, id challenge.UserID, set challenge.Settings) (challenge.State, error)
	OnStatusQuery(ctx context.Context, id challenge.UserID) (tracker.Snapshot, error)
	Leaderboard(ctx context.Context, limit int) ([]progress.Standing, error)
	History(ctx context.Context, id challenge.UserID, limit int) ([]storage.DayRecord, error)
	SettleNow(ctx context.Context) (scheduler.SweepSummary, error)
	Participants(ctx context.Context) ([]challenge.UserID, error)
	Policy() challenge.Policy
	Location() *time.Location
	Today() timewindow.Date
}

// Broadcaster queues an operator message; broadcast.Service fits.
type Broadcaster interface {
	Enqueue(targets []kit.ChatTarget, text string, done broadcast.DoneFunc) (string, error)
}

type Options struct {
	Log   logx.Logger
	Clock clockwork.Clock
	// PendingTTL is how long a bare /add waits for the number.
	PendingTTL time.Duration
	// TopLimit and HistoryLimit bound the list replies.
	TopLimit     int
	HistoryLimit int
}

type Handlers struct {
	tr  Tracker
	bc  Broadcaster
	log logx.Logger
	clk clockwork.Clock
	opt Options

	mu      sync.Mutex
	pending map[int64]time.Time // user id -> expiry of a bare /add
}

// New wires the handlers. bc may be nil, which disables /broadcast.
func New(tr Tracker, bc Broadcaster, opt Options) *Handlers {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	if opt.PendingTTL <= 0 {
		opt.PendingTTL = 5 * time.Minute
	}
	if opt.TopLimit <= 0 {
		opt.TopLimit = 10
	}
	if opt.HistoryLimit <= 0 {
		opt.HistoryLimit = 7
	}
	return &Handlers{
		tr:      tr,
		bc:      bc,
		log:     opt.Log,
		clk:     opt.Clock,
		opt:     opt,
		pending: map[int64]time.Time{},
	}
}

// Install registers the commands and the plain-text fallback on m.
func (h *Handlers) Install(m *router.CommandManager) {
	m.SetRegistry(h.Commands())
	m.SetFallback(h.onText)
}

// Commands lists every chat command.
func (h *Handlers) Commands() []router.Command {
	cmds := []router.Command{
		{Name: "start", Description: "join the challenge", Usage: "/start name HH:MM HH:MM reminders", Handle: h.start},
		{Name: "settings", Description: "change window and reminders", Usage: "/settings HH:MM HH:MM reminders", Handle: h.settings},
		{Name: "add", Description: "log reps", Usage: "/add n", Handle: h.add},
		{Name: "sub", Description: "undo reps", Usage: "/sub n", Handle: h.sub},
		{Name: "status", Description: "today's progress", Handle: h.status},
		{Name: "top", Description: "today's leaderboard", Handle: h.top},
		{Name: "history", Description: "recent days", Handle: h.history},
		{Name: "reset", Description: "delete your progress", Handle: h.reset},
		{Name: "help", Description: "list commands", Handle: h.help},
		{Name: "settle", Description: "settle yesterday for everyone", Access: router.AccessOwnerOnly, Timeout: 2 * time.Minute, Handle: h.settle},
	}
	for _, n := range quickAdds {
		cmds = append(cmds, router.Command{
			Name:        "add" + strconv.Itoa(n),
			Description: "log " + strconv.Itoa(n) + " reps",
			Handle:      h.addFixed(n),
		})
	}
	if h.bc != nil {
		cmds = append(cmds, router.Command{
			Name: "broadcast", Description: "message every participant", Usage: "/broadcast text",
			Access: router.AccessOwnerOnly, Handle: h.broadcast,
		})
	}
	return cmds
}

var quickAdds = []int{10, 15, 20, 25}

func (h *Handlers) setPending(id int64) {
	h.mu.Lock()
	h.pending[id] = h.clk.Now().Add(h.opt.PendingTTL)
	h.mu.Unlock()
}

// takePending reports and clears a live bare /add for id.
func (h *Handlers) takePending(id int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	exp, ok := h.pending[id]
	if !ok {
		return false
	}
	delete(h.pending, id)
	return h.clk.Now().Before(exp)
}

func (h *Handlers) clearPending(id int64) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}
