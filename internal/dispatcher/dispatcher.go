package dispatcher

import (
	"errors"
	"strings"
	"time"

	"chatsync/internal/entity"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const MaxUploadSize = 10 << 20

var (
	ErrNoActiveChat = errors.New("no active chat")
	ErrNotWritable  = errors.New("active chat does not accept commands")
)

// Emitter is the outbound half of the transport.
type Emitter interface {
	Emit(command string, payload any)
}

// MessageLookup finds a message in the active conversation.
type MessageLookup interface {
	Message(messageId string) (entity.Message, bool)
}

// Scope is the context a command is issued in, read from the roster and
// conversation at call time.
type Scope struct {
	Viewer   entity.Viewer
	Active   *entity.Chat
	IsAdmin  bool
	Writable bool
	Messages MessageLookup
}

func (s Scope) activeId() string {
	if s.Active == nil {
		return ""
	}
	return s.Active.Id
}

type Config struct {
	PendingTimeout time.Duration
	TypingInterval time.Duration
}

// Dispatcher turns user actions into transport commands. Local guards run
// first; a rejected action emits nothing. Accepted commands are tracked as
// pending intents until a matching event resolves them.
type Dispatcher struct {
	emitter  Emitter
	logger   logrus.FieldLogger
	validate *validator.Validate
	typing   *rate.Limiter
	now      func() time.Time

	pendingTimeout time.Duration
	pending        []Intent
	late           []Intent
	draft          string
}

func New(emitter Emitter, logger logrus.FieldLogger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	interval := cfg.TypingInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	return &Dispatcher{
		emitter:        emitter,
		logger:         logger.WithField("component", "dispatcher"),
		validate:       newValidator(),
		typing:         rate.NewLimiter(rate.Every(interval), 1),
		now:            time.Now,
		pendingTimeout: cfg.PendingTimeout,
	}
}

func (d *Dispatcher) emit(cmd entity.CommandName, payload any) {
	d.emitter.Emit(string(cmd), payload)
}

func (d *Dispatcher) JoinRoom(v entity.Viewer, chatId string) {
	if chatId == "" {
		return
	}
	d.emit(entity.CmdJoinRoom, entity.RoomRequest{ChatId: chatId, UserId: v.UserId})
}

func (d *Dispatcher) LeaveRoom(v entity.Viewer, chatId string) {
	if chatId == "" {
		return
	}
	d.emit(entity.CmdLeaveRoom, entity.RoomRequest{ChatId: chatId, UserId: v.UserId})
}

func (d *Dispatcher) SetDraft(content string) {
	d.draft = content
}

func (d *Dispatcher) Draft() string {
	return d.draft
}

// Send emits the current draft as a text message and clears the draft
// before any confirmation. A blank draft is left untouched.
func (d *Dispatcher) Send(s Scope) (Intent, error) {
	content := strings.TrimSpace(d.draft)
	if content == "" {
		return Intent{}, ErrEmptyMessage
	}
	if s.Active == nil {
		return Intent{}, ErrNoActiveChat
	}
	if !s.Writable {
		return Intent{}, ErrNotWritable
	}

	req := entity.SendMessageRequest{
		ChatId:   s.Active.Id,
		SenderId: s.Viewer.UserId,
		Content:  content,
		Type:     entity.MessageText,
	}
	if err := d.validate.Struct(req); err != nil {
		return Intent{}, invalid("Message Error", "Message could not be sent.", err.Error())
	}

	in := d.track(IntentSend, req.ChatId, "")
	req.ClientRef = in.CorrelationId
	d.draft = ""
	d.emit(entity.CmdSendMessage, req)
	d.logger.WithField("chatId", req.ChatId).Debug("message sent")
	return in, nil
}

// CheckUpload applies the local guards for a file message. The upload
// itself happens over HTTP and the message arrives as a newMessage echo.
func (d *Dispatcher) CheckUpload(s Scope, size int64) error {
	if s.Active == nil {
		return ErrNoActiveChat
	}
	if !s.Writable {
		return ErrNotWritable
	}
	if size <= 0 {
		return invalid("Upload Failed", "File is empty", "")
	}
	if size > MaxUploadSize {
		return invalid("Upload Failed", "File size exceeds 10MB limit", "")
	}
	return nil
}

// CreatePrivateChat asks the server for the chat between the viewer and
// userId. The server is idempotent for an existing pair.
func (d *Dispatcher) CreatePrivateChat(v entity.Viewer, userId string) (Intent, error) {
	req := entity.CreatePrivateChatRequest{UserId1: v.UserId, UserId2: userId}
	if err := d.validate.Struct(req); err != nil {
		return Intent{}, invalid("Invalid Input", "Select another user to start a chat.", err.Error())
	}

	in := d.track(IntentCreatePrivate, "", userId)
	req.ClientRef = in.CorrelationId
	d.emit(entity.CmdCreatePrivateChat, req)
	return in, nil
}

// CreateGroup validates the form and emits createGroup with the viewer as
// first participant, which makes them admin.
func (d *Dispatcher) CreateGroup(v entity.Viewer, name string, members []string) (Intent, error) {
	participants := []string{v.UserId}
	seen := map[string]bool{v.UserId: true}
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		participants = append(participants, m)
	}

	req := entity.CreateGroupRequest{
		Name:         strings.TrimSpace(name),
		Participants: participants,
		CreatedBy:    v.UserId,
	}
	if err := d.validate.Struct(req); err != nil {
		return Intent{}, groupFormError(err)
	}

	in := d.track(IntentCreateGroup, "", req.Name)
	req.ClientRef = in.CorrelationId
	d.emit(entity.CmdCreateGroup, req)
	return in, nil
}

func (d *Dispatcher) requireAdminGroup(s Scope) error {
	if s.Active == nil {
		return ErrNoActiveChat
	}
	if !s.Writable {
		return ErrNotWritable
	}
	if !s.Active.IsGroup {
		return invalid("Not a Group", "Members can only be managed in group chats", "")
	}
	if !s.IsAdmin {
		return invalid("Not Allowed", "Only the group admin can manage members", "")
	}
	return nil
}

func (d *Dispatcher) AddMember(s Scope, userId string) (Intent, error) {
	if err := d.requireAdminGroup(s); err != nil {
		return Intent{}, err
	}
	if s.Active.HasMember(userId) {
		return Intent{}, invalid("Already a Member", "This user is already in the group", "")
	}

	req := entity.AddUserToGroupRequest{ChatId: s.Active.Id, UserId: userId, AddedBy: s.Viewer.UserId}
	if err := d.validate.Struct(req); err != nil {
		return Intent{}, invalid("Invalid Input", "Select a user to add.", err.Error())
	}

	in := d.track(IntentAddMember, req.ChatId, userId)
	d.emit(entity.CmdAddUserToGroup, req)
	return in, nil
}

func (d *Dispatcher) RemoveMember(s Scope, userId string) (Intent, error) {
	if err := d.requireAdminGroup(s); err != nil {
		return Intent{}, err
	}
	if s.Viewer.Is(userId) {
		return Intent{}, invalid("Cannot Remove Self", "You cannot remove yourself as admin", "Please transfer admin rights to another member first")
	}
	if !s.Active.HasMember(userId) {
		return Intent{}, invalid("Not a Member", "This user is not in the group", "")
	}

	req := entity.RemoveUserFromGroupRequest{ChatId: s.Active.Id, UserId: userId, RemovedBy: s.Viewer.UserId}
	in := d.track(IntentRemoveMember, req.ChatId, userId)
	d.emit(entity.CmdRemoveUserFromGroup, req)
	return in, nil
}

// Leave removes the viewer from the active group. The admin cannot leave.
func (d *Dispatcher) Leave(s Scope) (Intent, error) {
	if s.Active == nil {
		return Intent{}, ErrNoActiveChat
	}
	if !s.Writable {
		return Intent{}, ErrNotWritable
	}
	if !s.Active.IsGroup {
		return Intent{}, invalid("Not a Group", "Only group chats can be left", "")
	}
	if s.IsAdmin {
		return Intent{}, invalid("Cannot Leave Group", "As admin, you cannot leave the group", "Please transfer admin rights to another member first")
	}

	req := entity.RemoveUserFromGroupRequest{ChatId: s.Active.Id, UserId: s.Viewer.UserId, RemovedBy: s.Viewer.UserId}
	in := d.track(IntentLeave, req.ChatId, s.Viewer.UserId)
	d.emit(entity.CmdRemoveUserFromGroup, req)
	return in, nil
}

func (d *Dispatcher) CreatePoll(s Scope, question string, options []string, allowMultiple bool) (Intent, error) {
	if s.Active == nil {
		return Intent{}, ErrNoActiveChat
	}
	if !s.Active.IsGroup {
		return Intent{}, invalid("Polls Unavailable", "Polls can only be created in group chats", "")
	}
	if !s.Writable {
		return Intent{}, ErrNotWritable
	}

	cleaned := make([]string, 0, len(options))
	for _, o := range options {
		if o = strings.TrimSpace(o); o != "" {
			cleaned = append(cleaned, o)
		}
	}
	req := entity.CreatePollRequest{
		ChatId:        s.Active.Id,
		SenderId:      s.Viewer.UserId,
		Question:      strings.TrimSpace(question),
		Options:       cleaned,
		AllowMultiple: allowMultiple,
	}
	if err := d.validate.Struct(req); err != nil {
		return Intent{}, pollFormError(err)
	}

	in := d.track(IntentCreatePoll, req.ChatId, req.Question)
	d.emit(entity.CmdCreatePoll, req)
	return in, nil
}

// Vote emits a vote on a poll of the active conversation. The tally only
// changes when pollUpdated arrives.
func (d *Dispatcher) Vote(s Scope, messageId string, optionIndex int) (Intent, error) {
	if s.Active == nil {
		return Intent{}, ErrNoActiveChat
	}
	if !s.Writable {
		return Intent{}, ErrNotWritable
	}

	var poll entity.Message
	found := false
	if s.Messages != nil {
		poll, found = s.Messages.Message(messageId)
	}
	if !found || !poll.IsPoll() {
		return Intent{}, invalid("Vote Failed", "Poll not found in this conversation.", "")
	}

	req := entity.VoteRequest{MessageId: messageId, OptionIndex: optionIndex, UserId: s.Viewer.UserId}
	if err := d.validate.Struct(req); err != nil {
		return Intent{}, invalid("Vote Failed", "Select a valid poll option.", err.Error())
	}
	if optionIndex >= len(poll.PollMetadata.Options) {
		return Intent{}, invalid("Vote Failed", "Select a valid poll option.", "")
	}

	in := d.track(IntentVote, s.activeId(), messageId)
	d.emit(entity.CmdVote, req)
	return in, nil
}

// Typing emits a typing indicator for the active chat. Starts are throttled
// to one per interval; stops always go out. It reports whether anything was
// emitted.
func (d *Dispatcher) Typing(s Scope, isTyping bool) bool {
	if s.Active == nil || !s.Writable {
		return false
	}
	if isTyping && !d.typing.Allow() {
		return false
	}
	d.emit(entity.CmdTyping, entity.TypingRequest{
		ChatId:   s.Active.Id,
		UserId:   s.Viewer.UserId,
		Username: s.Viewer.Name,
		IsTyping: isTyping,
	})
	return true
}
