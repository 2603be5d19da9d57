package bot

import (
	"context"
	"strconv"
	"strings"

	"hundredbot/internal/challenge"
	"hundredbot/internal/messages"
	"hundredbot/internal/notifier/broadcast"
	"hundredbot/internal/timewindow"
	kit "hundredbot/internal/transport"
	"hundredbot/internal/transport/telegram/router"
	logx "hundredbot/pkg/logx"
)

func uid(req *router.Request) challenge.UserID { return challenge.UserID(req.FromID) }

// fail replies with the user-facing text for err. Only errors the user
// cannot act on are returned, so the request log flags them.
func (h *Handlers) fail(ctx context.Context, req *router.Request, err error) error {
	text, known := messages.ErrorReply(err)
	if rerr := req.Reply(ctx, text); rerr != nil {
		req.Logger.Warn("reply failed", logx.Err(rerr))
	}
	if known {
		return nil
	}
	return err
}

func (h *Handlers) start(ctx context.Context, req *router.Request) error {
	if !req.Message.IsPrivate {
		return req.Reply(ctx, messages.PrivateOnly)
	}
	// The name may contain spaces; the schedule is always the last three args.
	if len(req.Args) < 3 {
		return req.Reply(ctx, messages.UsageStart)
	}
	n := len(req.Args)
	name := strings.Join(req.Args[:n-3], " ")
	if name == "" {
		name = req.Message.FromName
	}
	w, count, ok := parseSchedule(req.Args[n-3:])
	if !ok {
		return req.Reply(ctx, messages.UsageStart)
	}
	st, err := h.tr.OnRegister(ctx, uid(req), challenge.Settings{
		DisplayName:   name,
		Username:      req.Message.FromUsername,
		Window:        w,
		ReminderCount: count,
	})
	if err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, messages.Welcome(st, h.tr.Policy(), h.tr.Today()))
}

func (h *Handlers) settings(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 3 {
		return req.Reply(ctx, messages.UsageSettings)
	}
	w, count, ok := parseSchedule(req.Args)
	if !ok {
		return req.Reply(ctx, messages.UsageSettings)
	}
	st, err := h.tr.OnSettingsChanged(ctx, uid(req), challenge.Settings{Window: w, ReminderCount: count})
	if err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, messages.SettingsSaved(st))
}

// parseSchedule reads "HH:MM HH:MM count". Range checks are left to
// challenge.Settings.Validate so the reply names the bad field.
func parseSchedule(args []string) (timewindow.Window, int, bool) {
	start, err := timewindow.ParseTimeOfDay(args[0])
	if err != nil {
		return timewindow.Window{}, 0, false
	}
	end, err := timewindow.ParseTimeOfDay(args[1])
	if err != nil {
		return timewindow.Window{}, 0, false
	}
	count, err := strconv.Atoi(args[2])
	if err != nil {
		return timewindow.Window{}, 0, false
	}
	return timewindow.Window{Start: start, End: end}, count, true
}

func (h *Handlers) add(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		h.setPending(req.FromID)
		return req.Reply(ctx, messages.AskReps)
	}
	n, ok := positive(req.Args[0])
	if !ok || len(req.Args) > 1 {
		return req.Reply(ctx, messages.UsageAdd)
	}
	return h.addReps(ctx, req, n)
}

func (h *Handlers) addFixed(n int) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		return h.addReps(ctx, req, n)
	}
}

func (h *Handlers) addReps(ctx context.Context, req *router.Request, n int) error {
	h.clearPending(req.FromID)
	_, res, err := h.tr.OnRepsAdded(ctx, uid(req), n)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, messages.RepsAdded(n, res.Total, h.tr.Policy().Threshold, res.JustReached))
}

func (h *Handlers) sub(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, messages.UsageSub)
	}
	n, ok := positive(req.Args[0])
	if !ok {
		return req.Reply(ctx, messages.UsageSub)
	}
	_, res, err := h.tr.OnRepsSubtracted(ctx, uid(req), n)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, messages.RepsSubtracted(n, res.Total, h.tr.Policy().Threshold))
}

// onText completes a bare /add with the number sent next.
func (h *Handlers) onText(ctx context.Context, req *router.Request) error {
	if !h.takePending(req.FromID) {
		return nil
	}
	if len(req.Args) != 1 {
		return req.Reply(ctx, messages.UsageAdd)
	}
	n, ok := positive(req.Args[0])
	if !ok {
		return req.Reply(ctx, messages.UsageAdd)
	}
	return h.addReps(ctx, req, n)
}

func positive(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(s), "+"))
	return n, err == nil && n > 0
}

func (h *Handlers) status(ctx context.Context, req *router.Request) error {
	snap, err := h.tr.OnStatusQuery(ctx, uid(req))
	if err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, messages.Status(messages.StatusView{
		Name:          snap.Name,
		Day:           snap.Day,
		Reps:          snap.Reps,
		Threshold:     snap.Threshold,
		LivesUsed:     snap.Lives,
		MaxLives:      snap.MaxLives,
		Eliminated:    snap.Eliminated,
		Window:        snap.Window,
		ReminderCount: snap.ReminderCount,
		StartsOn:      snap.StartsOn,
		FailureNotice: snap.FailureNotice,
	}))
}

func (h *Handlers) top(ctx context.Context, req *router.Request) error {
	rows, err := h.tr.Leaderboard(ctx, h.opt.TopLimit)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	out := make([]messages.Standing, 0, len(rows))
	for _, r := range rows {
		out = append(out, messages.Standing{
			Name:        r.DisplayName,
			Username:    r.Username,
			Reps:        r.Reps,
			Completed:   r.Completed,
			CompletedAt: r.CompletedAt,
		})
	}
	return req.Reply(ctx, messages.Leaderboard(out, h.tr.Policy().Threshold, h.tr.Location()))
}

func (h *Handlers) history(ctx context.Context, req *router.Request) error {
	recs, err := h.tr.History(ctx, uid(req), h.opt.HistoryLimit)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	rows := make([]messages.HistoryRow, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, messages.HistoryRow{
			Date:       r.Date,
			Day:        r.Day,
			Reps:       r.Reps,
			Completed:  r.Completed,
			Eliminated: r.Eliminated,
		})
	}
	return req.Reply(ctx, messages.History(rows))
}

func (h *Handlers) reset(ctx context.Context, req *router.Request) error {
	h.clearPending(req.FromID)
	if err := h.tr.OnReset(ctx, uid(req)); err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, messages.ResetDone())
}

func (h *Handlers) help(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, messages.Help(req.Owner))
}

func (h *Handlers) settle(ctx context.Context, req *router.Request) error {
	sum, err := h.tr.SettleNow(ctx)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	req.Logger.Info("manual settle", logx.String("date", sum.Date.String()), logx.Int("settled", sum.Settled))
	return req.Reply(ctx, messages.SettleSummary(sum.Date, sum.Checked, sum.Settled, sum.Eliminated, sum.Failed))
}

func (h *Handlers) broadcast(ctx context.Context, req *router.Request) error {
	text := strings.TrimSpace(strings.Join(req.Args, " "))
	if text == "" {
		return req.Reply(ctx, messages.UsageBroadcast)
	}
	ids, err := h.tr.Participants(ctx)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	targets := make([]kit.ChatTarget, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, kit.ChatTarget{ChatID: int64(id)})
	}
	owner := req.Chat
	sender := req.Sender
	id, err := h.bc.Enqueue(targets, text, func(ctx context.Context, st broadcast.JobStatus) {
		_, _ = sender.SendText(ctx, owner, messages.BroadcastDone(st.ID, st.Sent, st.Failed), kit.HTML())
	})
	if err != nil {
		return h.fail(ctx, req, err)
	}
	return req.Reply(ctx, messages.BroadcastQueued(id, len(targets)))
}
