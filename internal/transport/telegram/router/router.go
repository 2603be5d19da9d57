// Package router turns incoming chat messages into command handler calls.
// Handlers run on a bounded worker pool under a supervisor, wrapped in panic
// recovery, request logging and a per-command timeout.
package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hundredbot/internal/eventbus"
	"hundredbot/internal/runtime/supervisor"
	kit "hundredbot/internal/transport"
	logx "hundredbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Hidden keeps the command out of the Telegram menu.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Message kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Owner   bool

	Sender kit.Sender
	Logger logx.Logger
}

// Reply sends an HTML message back to the request's chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, kit.HTML())
	return err
}

type Options struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	Bus            eventbus.Bus
	// Sup runs the background menu update; nil falls back to a goroutine.
	Sup *supervisor.Supervisor
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 20 * time.Second
	}
	if o.Bus == nil {
		o.Bus = eventbus.Nop()
	}
	return o
}

type CommandManager struct {
	mu     sync.RWMutex
	cmds   map[string]*Command // name and aliases
	owners []int64
	// fallback sees plain text in private chats.
	fallback HandlerFunc

	log    logx.Logger
	sender kit.Sender
	opt    Options

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, sender kit.Sender, owners []int64, opt Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	opt = opt.withDefaults()
	return &CommandManager{
		cmds:   map[string]*Command{},
		owners: append([]int64(nil), owners...),
		log:    log,
		sender: sender,
		opt:    opt,
		jobs:   make(chan func(), opt.QueueSize),
	}
}

// Supervisor returns the worker pool supervisor, nil when not running.
func (m *CommandManager) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *supervisor.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// SetOwners replaces the owner list. Safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) IsOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.owners {
		if o == id {
			return true
		}
	}
	return false
}

// SetRegistry replaces the command table and refreshes the Telegram menu in
// the background.
func (m *CommandManager) SetRegistry(cmds []Command) {
	table := map[string]*Command{}
	for i := range cmds {
		c := cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		table[name] = &c
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.ContainsAny(a, " \t") {
				continue
			}
			if _, taken := table[a]; !taken {
				table[a] = &c
			}
		}
	}
	m.mu.Lock()
	m.cmds = table
	m.mu.Unlock()

	up, ok := m.sender.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildMenuCommands(cmds)
	run := func(parent context.Context) error {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
		return nil
	}
	if m.opt.Sup != nil {
		m.opt.Sup.Go("telegram.menu.update", run)
		return
	}
	go func() { _ = run(context.Background()) }()
}

// SetFallback installs the handler for private non-command text. The
// request has an empty Command and the words of the message as Args.
func (m *CommandManager) SetFallback(h HandlerFunc) {
	m.mu.Lock()
	m.fallback = h
	m.mu.Unlock()
}

// Lookup finds a command by name or alias.
func (m *CommandManager) Lookup(name string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cmds[strings.ToLower(name)]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// Commands lists the registered commands once each, in name order.
func (m *CommandManager) Commands() []Command {
	m.mu.RLock()
	seen := map[*Command]bool{}
	out := make([]Command, 0, len(m.cmds))
	for _, c := range m.cmds {
		if !seen[c] {
			seen[c] = true
			out = append(out, *c)
		}
	}
	m.mu.RUnlock()
	sortCommands(out)
	return out
}

// DispatchLoop routes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Message) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		supervisor.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", m.opt.Workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < m.opt.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					m.runJob(idx, job)
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, msg)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) route(ctx context.Context, msg kit.Message) {
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	name, args, ok := ParseCommand(msg.Text)
	if !ok {
		m.routeText(ctx, msg, chat)
		return
	}
	cmd, found := m.Lookup(name)
	if !found {
		// Groups see commands meant for other bots; only answer in private.
		if msg.IsPrivate {
			_, _ = m.sender.SendText(ctx, chat, "Unknown command. Try /help", nil)
		}
		return
	}

	owner := m.IsOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = m.sender.SendText(ctx, chat, "This command is for the bot owner.", nil)
		return
	}

	req := m.newRequest(msg, chat, cmd.Name, args, owner)

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.opt.DefaultTimeout
	}
	final := Chain(
		cmd.Handle,
		MWEvents(m.opt.Bus),
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.sender.SendText(ctx, chat, "Busy, try again in a moment.", nil)
	}
}

func (m *CommandManager) routeText(ctx context.Context, msg kit.Message, chat kit.ChatTarget) {
	m.mu.RLock()
	fb := m.fallback
	m.mu.RUnlock()
	if fb == nil || !msg.IsPrivate || strings.TrimSpace(msg.Text) == "" {
		return
	}
	req := m.newRequest(msg, chat, "", strings.Fields(msg.Text), m.IsOwner(msg.FromID))
	final := Chain(fb,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(m.opt.DefaultTimeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		m.log.Warn("text dropped, job queue full", logx.Int64("chat_id", msg.ChatID))
	}
}

func (m *CommandManager) newRequest(msg kit.Message, chat kit.ChatTarget, cmd string, args []string, owner bool) *Request {
	rid := newReqID()
	return &Request{
		Message: msg,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd,
		Args:    args,
		ReqID:   rid,
		Owner:   owner,
		Sender:  m.sender,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd),
		),
	}
}

func (m *CommandManager) tryEnqueue(fn func()) bool {
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// ParseCommand splits "/name@bot arg1 arg2" into its parts. Text that is not
// a command returns ok == false.
func ParseCommand(text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	name = strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), parts[1:], true
}

func newReqID() string {
	return uuid.NewString()[:8]
}
