package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"chatsync/infrastructure/cache"
	"chatsync/infrastructure/metrics"
	"chatsync/infrastructure/ws"
	"chatsync/internal/conversation"
	"chatsync/internal/dispatcher"
	"chatsync/internal/entity"
	"chatsync/internal/repository"
	"chatsync/internal/roster"
	"chatsync/internal/router"

	"github.com/sirupsen/logrus"
)

var (
	ErrClosed            = errors.New("session is not running")
	ErrAlreadyRunning    = errors.New("session is already running")
	ErrChatNotFound      = errors.New("chat not found in roster")
	ErrUploadUnavailable = errors.New("file upload is not configured")
)

const maxNotices = 50

type Options struct {
	Channel  ws.IChannel
	Chats    repository.ChatRepository
	Messages repository.MessageRepository
	Users    repository.UserRepository
	Files    repository.FileRepository

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics

	// Seen and DedupWindow enable the redelivery filter for newMessage.
	Seen        *cache.MemCache
	DedupWindow time.Duration

	PendingTimeout time.Duration
	TypingInterval time.Duration
	ExpiryInterval time.Duration
}

// Session runs the client core on a single goroutine. Transport events, fetch
// results and control calls are all applied from Run's loop, so the roster,
// conversation and dispatcher need no locking.
type Session struct {
	opts    Options
	logger  logrus.FieldLogger
	metrics *metrics.Metrics

	channel    ws.IChannel
	router     *router.Router
	roster     *roster.Roster
	conv       *conversation.Conversation
	dispatcher *dispatcher.Dispatcher

	viewer        entity.Viewer
	users         []entity.User
	notices       []entity.Notice
	connected     bool
	everConnected bool

	ctx     context.Context
	tasks   chan func()
	done    chan struct{}
	started atomic.Bool
	now     func() time.Time
}

func New(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ExpiryInterval <= 0 {
		opts.ExpiryInterval = time.Second
	}

	s := &Session{
		opts:       opts,
		logger:     opts.Logger.WithField("component", "session"),
		metrics:    opts.Metrics,
		channel:    opts.Channel,
		router:     router.NewRouter(opts.Logger, opts.Metrics),
		roster:     roster.New(),
		conv:       conversation.New(),
		dispatcher: dispatcher.New(opts.Channel, opts.Logger, dispatcher.Config{PendingTimeout: opts.PendingTimeout, TypingInterval: opts.TypingInterval}),
		tasks:      make(chan func()),
		done:       make(chan struct{}),
		now:        time.Now,
	}
	s.subscribe()
	return s
}

// Run connects the transport for user and processes events until ctx is
// done.
func (s *Session) Run(ctx context.Context, user entity.User) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	s.viewer = entity.NewViewer(user)
	s.ctx = ctx
	log := s.logger.WithField("userId", s.viewer.UserId)

	if err := s.channel.Connect(ctx, s.viewer.UserId); err != nil {
		return err
	}
	defer s.channel.Disconnect()

	s.refreshRoster("")
	s.loadUsers()

	ticker := time.NewTicker(s.opts.ExpiryInterval)
	defer ticker.Stop()

	log.Info("session started")
	for {
		select {
		case <-ctx.Done():
			log.Info("session stopped")
			return ctx.Err()
		case env := <-s.channel.Events():
			_ = s.router.Route(env)
		case up := <-s.channel.Status():
			s.onStatus(up)
		case fn := <-s.tasks:
			fn()
		case now := <-ticker.C:
			s.expire(now)
		}
	}
}

type result[T any] struct {
	value T
	err   error
}

// call runs fn on the session loop and hands its result back over a
// channel. If ctx ends first the zero value is returned.
func call[T any](ctx context.Context, s *Session, fn func() (T, error)) (T, error) {
	var zero T
	resc := make(chan result[T], 1)
	task := func() {
		v, err := fn()
		resc <- result[T]{value: v, err: err}
	}

	select {
	case s.tasks <- task:
	case <-s.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-resc:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Do runs fn on the session loop and returns its error.
func (s *Session) Do(ctx context.Context, fn func() error) error {
	_, err := call(ctx, s, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// async runs fetch off the loop and applies the function it returns back on
// the loop. Results arriving after shutdown are discarded.
func (s *Session) async(fetch func(ctx context.Context) func()) {
	ctx := s.ctx
	go func() {
		apply := fetch(ctx)
		select {
		case s.tasks <- apply:
		case <-s.done:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) refreshRoster(term string) {
	t := s.roster.BeginLoad(s.viewer, term)
	s.async(func(ctx context.Context) func() {
		chats, err := s.opts.Chats.Index(ctx, t.UserId, t.Term)
		return func() { s.rosterLoaded(t, chats, err) }
	})
}

func (s *Session) rosterLoaded(t roster.Ticket, chats []entity.Chat, err error) {
	log := s.logger.WithField("term", t.Term)

	if err != nil {
		if s.roster.LoadFailed(t, err) == nil {
			log.WithError(err).Warn("roster load failed, keeping previous chats")
		}
		return
	}
	if err := s.roster.Loaded(t, chats); err != nil {
		log.Debug("stale roster load discarded")
		return
	}
	s.metrics.SetRosterSize(s.roster.Len())
	log.WithField("chats", s.roster.Len()).Debug("roster loaded")
}

func (s *Session) loadUsers() {
	if s.opts.Users == nil {
		return
	}
	s.async(func(ctx context.Context) func() {
		users, err := s.opts.Users.Users(ctx)
		return func() {
			if err != nil {
				s.logger.WithError(err).Warn("user list load failed")
				return
			}
			s.users = s.users[:0]
			for _, u := range users {
				if !s.viewer.Is(u.Id) {
					s.users = append(s.users, u)
				}
			}
		}
	})
}

// open makes chat the active conversation: leave the previous room, join
// the new one and fetch its history.
func (s *Session) open(chat entity.Chat) {
	if prev := s.conv.ActiveChatId(); prev != "" && prev != chat.Id {
		s.dispatcher.LeaveRoom(s.viewer, prev)
	}

	t := s.conv.Select(s.viewer, chat)
	s.dispatcher.JoinRoom(s.viewer, chat.Id)
	s.roster.MarkRead(chat.Id)

	s.async(func(ctx context.Context) func() {
		messages, err := s.opts.Messages.GetByChatId(ctx, t.ChatId)
		return func() { s.historyLoaded(t, messages, err) }
	})
}

func (s *Session) historyLoaded(t conversation.Ticket, messages []entity.Message, err error) {
	log := s.logger.WithField("chatId", t.ChatId)

	if err != nil {
		if s.conv.HistoryFailed(t) == nil {
			log.WithError(err).Warn("history load failed")
		}
		return
	}
	if err := s.conv.HistoryLoaded(s.viewer, t, messages); err != nil {
		log.Debug("stale history discarded")
		return
	}
	log.WithField("messages", len(messages)).Debug("history loaded")
}

func (s *Session) close() {
	if prev := s.conv.Close(); prev != "" {
		s.dispatcher.LeaveRoom(s.viewer, prev)
	}
}

func (s *Session) onStatus(up bool) {
	s.connected = up
	if !up {
		s.logger.Warn("transport disconnected")
		return
	}

	if id := s.conv.ActiveChatId(); id != "" {
		s.dispatcher.JoinRoom(s.viewer, id)
	}
	if s.everConnected {
		s.refreshRoster(s.roster.Term())
	}
	s.everConnected = true
}

func (s *Session) expire(now time.Time) {
	for _, in := range s.dispatcher.Expire(now) {
		s.logger.WithFields(logrus.Fields{
			"correlationId": in.CorrelationId,
			"kind":          in.Kind,
		}).Warn("no confirmation for pending command")
		s.notify(entity.NoticeWarning, "No Response", "The server has not confirmed "+describe(in.Kind)+" yet.", "It may still go through.", in.ChatId)
	}
}

func (s *Session) notify(level entity.NoticeLevel, title, message, sub, chatId string) {
	s.notices = append(s.notices, entity.Notice{
		Level:      level,
		Title:      title,
		Message:    message,
		SubMessage: sub,
		ChatId:     chatId,
		At:         s.now(),
	})
	if len(s.notices) > maxNotices {
		s.notices = append([]entity.Notice(nil), s.notices[len(s.notices)-maxNotices:]...)
	}
}

// reject records validation failures as notices and returns err unchanged.
func (s *Session) reject(err error) error {
	var ve *dispatcher.ValidationError
	if errors.As(err, &ve) {
		s.notify(entity.NoticeWarning, ve.Title, ve.Message, ve.Detail, s.conv.ActiveChatId())
	}
	return err
}

func (s *Session) scope() dispatcher.Scope {
	sc := dispatcher.Scope{Viewer: s.viewer, Messages: s.conv}
	if chat, ok := s.conv.Chat(); ok {
		sc.Active = &chat
		sc.IsAdmin = s.conv.IsAdmin()
		st := s.conv.State()
		sc.Writable = st == conversation.StateLoading || st == conversation.StateReady
	}
	return sc
}

func describe(k dispatcher.IntentKind) string {
	switch k {
	case dispatcher.IntentSend:
		return "your message"
	case dispatcher.IntentCreatePrivate:
		return "the new chat"
	case dispatcher.IntentCreateGroup:
		return "the new group"
	case dispatcher.IntentAddMember:
		return "the new member"
	case dispatcher.IntentRemoveMember:
		return "the member removal"
	case dispatcher.IntentLeave:
		return "that you left the group"
	case dispatcher.IntentCreatePoll:
		return "your poll"
	case dispatcher.IntentVote:
		return "your vote"
	}
	return "the request"
}
