package router

import (
	"encoding/json"
	"errors"
	"fmt"

	"chatsync/infrastructure/metrics"
	"chatsync/infrastructure/ws"
	"chatsync/internal/entity"

	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrMalformedEvent = errors.New("malformed event payload")
)

type Handler func(entity.Event)

type decodeFunc func(json.RawMessage) (entity.Event, error)

// Router turns transport envelopes into typed events and hands each one to
// the subscribers of its own topic, synchronously and in arrival order. It
// does no business logic and no de-duplication.
type Router struct {
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics
	decoders map[entity.EventKind]decodeFunc
	topics   map[entity.EventKind][]Handler
}

func NewRouter(logger logrus.FieldLogger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := &Router{
		logger:   logger.WithField("component", "router"),
		metrics:  m,
		decoders: make(map[entity.EventKind]decodeFunc),
		topics:   make(map[entity.EventKind][]Handler),
	}

	register[entity.NewMessage](r)
	register[entity.MessageSent](r)
	register[entity.MessageError](r)
	register[entity.PrivateChatCreated](r)
	register[entity.GroupCreated](r)
	register[entity.NewGroup](r)
	register[entity.GroupError](r)
	register[entity.PollUpdated](r)
	register[entity.AddedToGroup](r)
	register[entity.UserAddedToGroup](r)
	register[entity.UserRemovedFromGroup](r)
	register[entity.RemovedFromGroup](r)
	register[entity.RoomJoined](r)
	register[entity.UserJoined](r)
	register[entity.UserLeft](r)

	return r
}

func register[T entity.Event](r *Router) {
	var zero T
	r.decoders[zero.Kind()] = func(raw json.RawMessage) (entity.Event, error) {
		var ev T
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	}
}

// Subscribe adds h to the topic for kind. Handlers run in subscription order.
func (r *Router) Subscribe(kind entity.EventKind, h Handler) {
	r.topics[kind] = append(r.topics[kind], h)
}

// On subscribes a handler typed to one event record.
func On[T entity.Event](r *Router, fn func(T)) {
	var zero T
	r.Subscribe(zero.Kind(), func(ev entity.Event) {
		fn(ev.(T))
	})
}

func (r *Router) Known(event string) bool {
	_, ok := r.decoders[entity.EventKind(event)]
	return ok
}

func (r *Router) Decode(env ws.Envelope) (entity.Event, error) {
	decode, ok := r.decoders[entity.EventKind(env.Event)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	ev, err := decode(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Event, err)
	}
	return ev, nil
}

// Route decodes env and delivers it. Unknown or undecodable events are
// logged, counted and dropped; the error is returned for the caller's benefit
// only.
func (r *Router) Route(env ws.Envelope) error {
	log := r.logger.WithField("event", env.Event)

	ev, err := r.Decode(env)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownEvent):
			log.Warn("unknown event dropped")
			r.metrics.EventDropped("unknown")
		default:
			log.WithError(err).Warn("undecodable event dropped")
			r.metrics.EventDropped("malformed")
		}
		return err
	}

	r.metrics.EventRouted(env.Event)

	handlers := r.topics[ev.Kind()]
	if len(handlers) == 0 {
		log.Debug("event has no subscribers")
		return nil
	}
	for _, h := range handlers {
		h(ev)
	}
	return nil
}
