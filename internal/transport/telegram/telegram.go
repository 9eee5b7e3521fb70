// Package telegram implements the transport over the Telegram Bot API.
// Each Establish builds a fresh bot (telebot validates the token with getMe
// at construction) and runs a long-poll loop plus a periodic health probe;
// the session ends when polling dies or the probe fails repeatedly.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"digestbot/internal/archive"
	"digestbot/internal/metrics"
	"digestbot/internal/transport"
	logx "digestbot/pkg/logx"
)

type Config struct {
	Token           string
	PollTimeout     time.Duration
	HealthInterval  time.Duration
	HealthFailLimit int
}

func (c *Config) applyDefaults() {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HealthFailLimit <= 0 {
		c.HealthFailLimit = 3
	}
}

// Adapter owns the Telegram connection lifecycle. It is both the Connector
// the session manager dials with and the send surface the command layer
// replies through.
type Adapter struct {
	cfg  Config
	log  logx.Logger
	arch *archive.Store

	out atomic.Value // chan<- transport.Update

	mu  sync.Mutex
	bot *tele.Bot

	droppedUpdates uint64
}

// New builds the adapter without touching the network; the token is only
// validated on Establish.
func New(cfg Config, arch *archive.Store, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, arch: arch}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	return a, nil
}

// SetUpdates swaps the channel incoming command updates are forwarded to.
func (a *Adapter) SetUpdates(out chan<- transport.Update) {
	a.out.Store(out)
}

func (a *Adapter) Establish(ctx context.Context) (transport.Session, error) {
	b, err := tele.NewBot(tele.Settings{
		Token:  a.cfg.Token,
		Poller: &tele.LongPoller{Timeout: a.cfg.PollTimeout},
	})
	if err != nil {
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %v", transport.ErrAuthFailed, err)
		}
		return nil, err
	}

	a.mu.Lock()
	a.bot = b
	a.mu.Unlock()

	s := &session{adapter: a, bot: b, done: make(chan error, 1), stop: make(chan struct{})}
	a.registerHandlers(b)

	go s.poll()
	go s.healthLoop(ctx)

	a.log.Info("telegram session established", logx.String("bot", b.Me.Username))
	return s, nil
}

func (a *Adapter) registerHandlers(b *tele.Bot) {
	onMessage := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.observe(m, a.resolveAttachments(b, m))
		a.forward(m)
		return nil
	}
	b.Handle(tele.OnText, onMessage)
	b.Handle(tele.OnPhoto, onMessage)
	b.Handle(tele.OnDocument, onMessage)
	b.Handle(tele.OnVideo, onMessage)
}

// observe archives a message so later digest generation can retrieve it.
func (a *Adapter) observe(m *tele.Message, attachments []string) {
	if a.arch == nil {
		return
	}
	ev := transport.Event{
		TenantID:    m.Chat.ID,
		ChannelID:   int64(m.ThreadID),
		Author:      authorName(m.Sender),
		Text:        messageText(m),
		At:          m.Time(),
		Attachments: attachments,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.arch.Record(ctx, ev, int64(m.ID), chatName(m.Chat), threadName(m)); err != nil {
		a.log.Warn("archive record failed",
			logx.Int64("chat_id", m.Chat.ID), logx.Int("msg_id", m.ID), logx.Err(err))
		return
	}
	metrics.MessagesArchived.Inc()
}

func (a *Adapter) forward(m *tele.Message) {
	v := a.out.Load()
	out, _ := v.(chan<- transport.Update)
	if out == nil {
		return
	}
	up := transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			ThreadID:     m.ThreadID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         messageText(m),
			IsGroup:      m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
		},
	}
	select {
	case out <- up:
	default:
		if n := atomic.AddUint64(&a.droppedUpdates, 1); n%100 == 1 {
			a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("total", n))
		}
	}
}

const textLimit = 4000

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string) error {
	a.mu.Lock()
	b := a.bot
	a.mu.Unlock()
	if b == nil {
		return transport.ErrSessionLost
	}

	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitText(text, textLimit) {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := b.Send(chat, chunk, &tele.SendOptions{ThreadID: to.ThreadID})
		if err != nil {
			return err
		}
	}
	return nil
}

// splitText chops long messages at newline boundaries where possible.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

type session struct {
	adapter *Adapter
	bot     *tele.Bot

	once sync.Once
	done chan error    // carries the session-end error, read by Wait only
	stop chan struct{} // closed on finish, for internal loops
}

func (s *session) poll() {
	// Start blocks until Stop. An unexpected return means the session ended.
	s.bot.Start()
	s.finish(transport.ErrSessionLost)
}

// healthLoop probes getMe periodically; repeated consecutive failures mark
// the session lost even while the long-poll goroutine is stuck waiting.
func (s *session) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.adapter.cfg.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.bot.Raw("getMe", nil); err != nil {
				if isAuthError(err) {
					s.finish(fmt.Errorf("%w: %v", transport.ErrAuthFailed, err))
					return
				}
				failures++
				s.adapter.log.Warn("health probe failed",
					logx.Int("consecutive", failures), logx.Err(err))
				if failures >= s.adapter.cfg.HealthFailLimit {
					s.finish(fmt.Errorf("%w: %d consecutive health probe failures",
						transport.ErrSessionLost, failures))
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *session) finish(err error) {
	s.once.Do(func() {
		s.done <- err
		close(s.done)
		close(s.stop)
	})
}

func (s *session) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.done:
		return err
	}
}

func (s *session) Close(ctx context.Context) error {
	s.adapter.mu.Lock()
	if s.adapter.bot == s.bot {
		s.adapter.bot = nil
	}
	s.adapter.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		s.bot.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		// long-poll may still be waiting; do not block shutdown on it
	}
	s.finish(nil)
	return nil
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, tele.ErrUnauthorized) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401")
}

// resolveAttachments turns the message's media into stable download URLs.
// A failed getFile lookup drops that attachment but keeps the message.
func (a *Adapter) resolveAttachments(b *tele.Bot, m *tele.Message) []string {
	ids := mediaFileIDs(m)
	if len(ids) == 0 {
		return nil
	}
	urls := make([]string, 0, len(ids))
	for _, id := range ids {
		f, err := b.FileByID(id)
		if err != nil {
			a.log.Warn("attachment lookup failed",
				logx.Int64("chat_id", m.Chat.ID), logx.Int("msg_id", m.ID), logx.Err(err))
			continue
		}
		urls = append(urls, fileURL(a.cfg.Token, f.FilePath))
	}
	if len(urls) == 0 {
		return nil
	}
	return urls
}

func mediaFileIDs(m *tele.Message) []string {
	var ids []string
	if m.Photo != nil {
		ids = append(ids, m.Photo.FileID)
	}
	if m.Document != nil {
		ids = append(ids, m.Document.FileID)
	}
	if m.Video != nil {
		ids = append(ids, m.Video.FileID)
	}
	return ids
}

func fileURL(token, filePath string) string {
	return fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", token, filePath)
}

// messageText is the digest body: the text for plain messages, the caption
// for media.
func messageText(m *tele.Message) string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

func authorName(u *tele.User) string {
	if u.Username != "" {
		return u.Username
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	return fmt.Sprintf("user-%d", u.ID)
}

func chatName(c *tele.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	if c.Username != "" {
		return c.Username
	}
	return ""
}

func threadName(m *tele.Message) string {
	if m.ThreadID == 0 {
		return "general"
	}
	return fmt.Sprintf("topic-%d", m.ThreadID)
}
