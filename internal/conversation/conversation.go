package conversation

import (
	"errors"

	"chatsync/internal/entity"
)

var (
	ErrNoActiveChat     = errors.New("no active chat")
	ErrNotReady         = errors.New("conversation is not ready")
	ErrChatMismatch     = errors.New("event is for another chat")
	ErrStaleFetch       = errors.New("history fetch was superseded")
	ErrRemoved          = errors.New("user was removed from the conversation")
	ErrMessageNotFound  = errors.New("message not found")
	ErrDuplicateMessage = errors.New("message already in conversation")
)

type State int

const (
	StateEmpty State = iota
	StateLoading
	StateReady
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRemoved:
		return "removed"
	}
	return "empty"
}

// Ticket identifies one history fetch by the chat it was issued for and a
// sequence number, so a reselection of the same chat also invalidates it.
type Ticket struct {
	ChatId string
	Seq    uint64
}

// Removal describes how the viewer lost access to the active chat.
type Removal struct {
	ChatId    string `json:"chatId"`
	GroupName string `json:"groupName"`
	IsKicked  bool   `json:"isKicked"`
}

// Conversation is the state machine for the single open chat. Every
// transition takes the viewer explicitly. It is owned by the session loop.
type Conversation struct {
	state    State
	chat     entity.Chat
	messages []entity.Message
	isAdmin  bool
	seq      uint64
	removal  *Removal
}

func New() *Conversation {
	return &Conversation{}
}

// Select discards the current messages and starts loading chat. The
// returned ticket must accompany the history result.
func (c *Conversation) Select(v entity.Viewer, chat entity.Chat) Ticket {
	c.seq++
	c.state = StateLoading
	c.chat = chat.Clone()
	c.messages = nil
	c.removal = nil
	c.isAdmin = c.chat.IsAdmin(v)
	return Ticket{ChatId: chat.Id, Seq: c.seq}
}

func (c *Conversation) current(t Ticket) bool {
	return c.state == StateLoading && t.Seq == c.seq && t.ChatId == c.chat.Id
}

func (c *Conversation) HistoryLoaded(v entity.Viewer, t Ticket, messages []entity.Message) error {
	if !c.current(t) {
		return ErrStaleFetch
	}
	c.messages = entity.IngestAll(v, messages)
	c.state = StateReady
	return nil
}

// HistoryFailed leaves the conversation ready with an empty history so live
// messages still land.
func (c *Conversation) HistoryFailed(t Ticket) error {
	if !c.current(t) {
		return ErrStaleFetch
	}
	c.messages = []entity.Message{}
	c.state = StateReady
	return nil
}

func (c *Conversation) accepts(chatId string) error {
	switch c.state {
	case StateEmpty:
		return ErrNoActiveChat
	case StateRemoved:
		return ErrRemoved
	case StateLoading:
		return ErrNotReady
	}
	if chatId != c.chat.Id {
		return ErrChatMismatch
	}
	return nil
}

// LiveMessage appends a pushed message for the active chat.
func (c *Conversation) LiveMessage(v entity.Viewer, msg entity.Message) error {
	if err := c.accepts(msg.ChatId); err != nil {
		return err
	}
	if c.indexOf(msg.Id) >= 0 {
		return ErrDuplicateMessage
	}
	c.messages = append(c.messages, msg.Ingest(v))
	return nil
}

// PollVoteUpdated replaces the message with the same id wholesale.
func (c *Conversation) PollVoteUpdated(v entity.Viewer, msg entity.Message) error {
	if err := c.accepts(msg.ChatId); err != nil {
		return err
	}
	i := c.indexOf(msg.Id)
	if i < 0 {
		return ErrMessageNotFound
	}
	c.messages[i] = msg.Ingest(v)
	return nil
}

// MembershipUpdated applies a new member list for the active chat, also
// while its history is still loading. If the viewer is no longer a member
// the conversation moves to Removed.
func (c *Conversation) MembershipUpdated(v entity.Viewer, chat entity.Chat) error {
	switch c.state {
	case StateEmpty:
		return ErrNoActiveChat
	case StateRemoved:
		return ErrRemoved
	}
	if chat.Id != c.chat.Id {
		return ErrChatMismatch
	}
	if !chat.HasMember(v.UserId) {
		c.remove(chat.Id, chat.Name, true)
		return nil
	}
	keep := c.chat
	c.chat = chat.Clone()
	if c.chat.LastMessage == nil {
		c.chat.LastMessage = keep.LastMessage
	}
	c.isAdmin = c.chat.IsAdmin(v)
	return nil
}

// Removed forces the Removed state for chatId whatever the member list says.
func (c *Conversation) Removed(chatId string, isKicked bool, groupName string) error {
	if c.state == StateEmpty {
		return ErrNoActiveChat
	}
	if chatId != c.chat.Id {
		return ErrChatMismatch
	}
	if groupName == "" {
		groupName = c.chat.Name
	}
	c.remove(chatId, groupName, isKicked)
	return nil
}

func (c *Conversation) remove(chatId, groupName string, isKicked bool) {
	c.state = StateRemoved
	c.messages = nil
	c.isAdmin = false
	c.removal = &Removal{ChatId: chatId, GroupName: groupName, IsKicked: isKicked}
}

// Close returns to Empty. The id of the chat that was open, if any, is
// returned so the caller can leave its room.
func (c *Conversation) Close() string {
	prev := c.ActiveChatId()
	c.seq++
	c.state = StateEmpty
	c.chat = entity.Chat{}
	c.messages = nil
	c.isAdmin = false
	c.removal = nil
	return prev
}

func (c *Conversation) indexOf(messageId string) int {
	if messageId == "" {
		return -1
	}
	for i := range c.messages {
		if c.messages[i].Id == messageId {
			return i
		}
	}
	return -1
}

func (c *Conversation) State() State {
	return c.state
}

// ActiveChatId is empty when no chat is selected.
func (c *Conversation) ActiveChatId() string {
	if c.state == StateEmpty {
		return ""
	}
	return c.chat.Id
}

func (c *Conversation) Chat() (entity.Chat, bool) {
	if c.state == StateEmpty {
		return entity.Chat{}, false
	}
	return c.chat.Clone(), true
}

func (c *Conversation) Messages() []entity.Message {
	out := make([]entity.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) Message(messageId string) (entity.Message, bool) {
	i := c.indexOf(messageId)
	if i < 0 {
		return entity.Message{}, false
	}
	return c.messages[i], true
}

func (c *Conversation) IsAdmin() bool {
	return c.isAdmin
}

func (c *Conversation) Removal() (Removal, bool) {
	if c.removal == nil {
		return Removal{}, false
	}
	return *c.removal, true
}
