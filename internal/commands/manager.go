// Package commands routes chat messages to digest management commands.
// Commands are single-token routes addressed with a "/" or "!" prefix;
// configuration-changing commands are restricted to owner user IDs.
package commands

import (
	"context"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"digestbot/internal/transport"
	logx "digestbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Route       string
	Description string
	Usage       string
	Access      Access
	Handle      HandlerFunc
}

type Request struct {
	Message *transport.Message
	Chat    transport.ChatTarget
	Args    []string
	ReqID   string

	Adapter transport.Adapter
	Log     logx.Logger
}

// Reply sends text back to the chat (and thread) the command came from.
func (r *Request) Reply(ctx context.Context, text string) {
	if err := r.Adapter.SendText(ctx, r.Chat, text); err != nil {
		r.Log.Warn("reply failed", logx.Err(err))
	}
}

type Manager struct {
	mu       sync.RWMutex
	registry map[string]Command
	owners   []int64

	log     logx.Logger
	adapter transport.Adapter

	jobs chan func()
}

func NewManager(log logx.Logger, adapter transport.Adapter, owners []int64) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		registry: map[string]Command{},
		owners:   append([]int64(nil), owners...),
		log:      log,
		adapter:  adapter,
		jobs:     make(chan func(), 64),
	}
	m.register(Command{
		Route:       "help",
		Description: "show available commands",
		Usage:       "/help",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			req.Reply(ctx, m.helpText())
			return nil
		},
	})
	return m
}

// SetOwners swaps the owner list used for AccessOwnerOnly checks. Safe
// during hot-reload.
func (m *Manager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Manager) Register(cmds ...Command) {
	for _, c := range cmds {
		m.register(c)
	}
}

func (m *Manager) register(c Command) {
	route := strings.TrimSpace(strings.ToLower(c.Route))
	if route == "" || c.Handle == nil {
		return
	}
	m.mu.Lock()
	m.registry[route] = c
	m.mu.Unlock()
}

func (m *Manager) helpText() string {
	m.mu.RLock()
	cmds := make([]Command, 0, len(m.registry))
	for _, c := range m.registry {
		cmds = append(cmds, c)
	}
	m.mu.RUnlock()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Route < cmds[j].Route })

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range cmds {
		b.WriteString(c.Usage)
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
		if c.Access == AccessOwnerOnly {
			b.WriteString(" (owner)")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// DispatchLoop consumes updates until the context ends or the channel
// closes. Handlers run on a small worker pool so a slow command never
// blocks routing.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	const workers = 4

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("panic in command worker",
						logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-m.jobs:
					job()
				}
			}
		}()
	}
	defer func() {
		wg.Wait()
		m.log.Info("command dispatcher stopped")
	}()

	m.log.Info("command dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Manager) route(ctx context.Context, up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") && !strings.HasPrefix(text, "!") {
		return
	}

	parts := strings.Fields(text[1:])
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(parts[0])
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	m.mu.RLock()
	cmd, ok := m.registry[word]
	owners := append([]int64(nil), m.owners...)
	m.mu.RUnlock()
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if !ok {
		_ = m.adapter.SendText(ctx, chat, "unknown command. try /help")
		return
	}

	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		_ = m.adapter.SendText(ctx, chat, "unauthorized")
		return
	}

	rid := uuid.NewString()
	req := &Request{
		Message: msg,
		Chat:    chat,
		Args:    args,
		ReqID:   rid,
		Adapter: m.adapter,
		Log: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.String("cmd", cmd.Route)),
	}

	job := func() {
		req.Log.Debug("command dispatched")
		if err := cmd.Handle(ctx, req); err != nil {
			req.Log.Error("command failed", logx.Err(err))
			req.Reply(ctx, "error: "+err.Error())
		}
	}

	select {
	case m.jobs <- job:
	default:
		_ = m.adapter.SendText(ctx, chat, "busy, try again")
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
