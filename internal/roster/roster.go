package roster

import (
	"errors"

	"chatsync/internal/entity"
)

var (
	ErrStaleLoad = errors.New("roster load superseded by a newer one")
)

type State int

const (
	StateEmpty State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	}
	return "empty"
}

// Ticket tags one in-flight roster fetch. Only the newest ticket may apply
// its result.
type Ticket struct {
	Seq    uint64
	UserId string
	Term   string
}

// Roster owns the ordered chat list, most recently active first. It is not
// safe for concurrent use; the session loop is its only caller.
type Roster struct {
	chats   []entity.Chat
	state   State
	seq     uint64
	term    string
	lastErr error
}

func New() *Roster {
	return &Roster{}
}

// BeginLoad starts a full replacement of the roster for v and term. The
// current chats stay visible until the result arrives.
func (r *Roster) BeginLoad(v entity.Viewer, term string) Ticket {
	r.seq++
	r.term = term
	if r.state == StateEmpty {
		r.state = StateLoading
	}
	return Ticket{Seq: r.seq, UserId: v.UserId, Term: term}
}

// Loaded replaces the roster with chats in server order.
func (r *Roster) Loaded(t Ticket, chats []entity.Chat) error {
	if t.Seq != r.seq {
		return ErrStaleLoad
	}
	r.chats = make([]entity.Chat, 0, len(chats))
	for _, c := range chats {
		r.chats = append(r.chats, c.Clone())
	}
	r.state = StateReady
	r.lastErr = nil
	return nil
}

// LoadFailed records err and keeps the previous chats.
func (r *Roster) LoadFailed(t Ticket, err error) error {
	if t.Seq != r.seq {
		return ErrStaleLoad
	}
	r.lastErr = err
	if r.chats != nil {
		r.state = StateReady
	} else {
		r.state = StateEmpty
	}
	return nil
}

func (r *Roster) index(chatId string) int {
	for i := range r.chats {
		if r.chats[i].Id == chatId {
			return i
		}
	}
	return -1
}

// Promote moves chatId to index 0, keeping the order of every other entry.
// It reports whether the roster changed.
func (r *Roster) Promote(chatId string) bool {
	i := r.index(chatId)
	if i <= 0 {
		return false
	}
	c := r.chats[i]
	copy(r.chats[1:i+1], r.chats[:i])
	r.chats[0] = c
	return true
}

// ApplyMembershipChange replaces the entry for chatId in place. Derived
// fields the server snapshot does not carry are kept.
func (r *Roster) ApplyMembershipChange(chatId string, chat entity.Chat) bool {
	i := r.index(chatId)
	if i < 0 {
		return false
	}
	updated := chat.Clone()
	if updated.LastMessage == nil {
		updated.LastMessage = r.chats[i].LastMessage
	}
	updated.HasUnread = updated.HasUnread || r.chats[i].HasUnread
	r.chats[i] = updated
	return true
}

// RecordMessage applies a pushed message to its chat: last message,
// unread flag when the chat is not the active one, then promotion.
// It reports whether the chat is in the roster.
func (r *Roster) RecordMessage(msg entity.Message, v entity.Viewer, activeChatId string) bool {
	i := r.index(msg.ChatId)
	if i < 0 {
		return false
	}
	r.chats[i].LastMessage = msg.LastMessage()
	if msg.ChatId != activeChatId && !v.Is(msg.Sender.Id()) {
		r.chats[i].HasUnread = true
	}
	r.Promote(msg.ChatId)
	return true
}

func (r *Roster) MarkRead(chatId string) {
	if i := r.index(chatId); i >= 0 {
		r.chats[i].HasUnread = false
	}
}

// Chats returns a copy of the roster in display order.
func (r *Roster) Chats() []entity.Chat {
	out := make([]entity.Chat, 0, len(r.chats))
	for _, c := range r.chats {
		out = append(out, c.Clone())
	}
	return out
}

func (r *Roster) Find(chatId string) (entity.Chat, bool) {
	i := r.index(chatId)
	if i < 0 {
		return entity.Chat{}, false
	}
	return r.chats[i].Clone(), true
}

func (r *Roster) State() State { return r.state }

func (r *Roster) Term() string { return r.term }

func (r *Roster) Err() error { return r.lastErr }

func (r *Roster) Len() int { return len(r.chats) }
