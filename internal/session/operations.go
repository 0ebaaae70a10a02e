package session

import (
	"context"
	"errors"
	"io"
	"slices"

	"chatsync/internal/conversation"
	"chatsync/internal/dispatcher"
	"chatsync/internal/entity"

	"github.com/sirupsen/logrus"
)

// Service is what the delivery layer needs from a running session.
type Service interface {
	State(ctx context.Context) (Snapshot, error)
	Search(ctx context.Context, term string) error
	SelectChat(ctx context.Context, chatId string) error
	CloseChat(ctx context.Context) error
	SetDraft(ctx context.Context, content string) error
	Send(ctx context.Context) (dispatcher.Intent, error)
	Typing(ctx context.Context, isTyping bool) (bool, error)
	CreatePrivateChat(ctx context.Context, userId string) (dispatcher.Intent, error)
	CreateGroup(ctx context.Context, name string, members []string) (dispatcher.Intent, error)
	AddMember(ctx context.Context, userId string) (dispatcher.Intent, error)
	RemoveMember(ctx context.Context, userId string) (dispatcher.Intent, error)
	LeaveGroup(ctx context.Context) (dispatcher.Intent, error)
	CreatePoll(ctx context.Context, question string, options []string, allowMultiple bool) (dispatcher.Intent, error)
	Vote(ctx context.Context, messageId string, optionIndex int) (dispatcher.Intent, error)
	UploadFile(ctx context.Context, fileName string, size int64, content io.Reader) error
}

var _ Service = (*Session)(nil)

type ChatView struct {
	entity.Chat
	DisplayName string `json:"displayName"`
	Preview     string `json:"preview,omitempty"`
}

type RosterView struct {
	State string     `json:"state"`
	Term  string     `json:"term,omitempty"`
	Error string     `json:"error,omitempty"`
	Chats []ChatView `json:"chats"`
}

type ConversationView struct {
	State    string                `json:"state"`
	Chat     *ChatView             `json:"chat,omitempty"`
	IsAdmin  bool                  `json:"isAdmin"`
	Messages []entity.Message      `json:"messages"`
	Polls    []PollView            `json:"polls"`
	Removal  *conversation.Removal `json:"removal,omitempty"`
}

type PollOptionView struct {
	Text       string `json:"text"`
	Votes      int    `json:"votes"`
	Percentage int    `json:"percentage"`
	Selected   bool   `json:"selected"`
}

// PollView is the tally of one poll message as the viewer sees it.
type PollView struct {
	MessageId     string           `json:"messageId"`
	Question      string           `json:"question"`
	AllowMultiple bool             `json:"allowMultiple"`
	TotalVoters   int              `json:"totalVoters"`
	HasVoted      bool             `json:"hasVoted"`
	Options       []PollOptionView `json:"options"`
}

// Snapshot is a copy of everything the presentation layer renders.
type Snapshot struct {
	Connected    bool                `json:"connected"`
	Viewer       entity.Viewer       `json:"viewer"`
	Roster       RosterView          `json:"roster"`
	Conversation ConversationView    `json:"conversation"`
	Draft        string              `json:"draft"`
	Users        []entity.User       `json:"users"`
	Notices      []entity.Notice     `json:"notices"`
	Pending      []dispatcher.Intent `json:"pending"`
}

func (s *Session) chatView(chat entity.Chat) ChatView {
	return ChatView{
		Chat:        chat,
		DisplayName: chat.DisplayName(s.viewer),
		Preview:     chat.LastMessage.Preview(),
	}
}

func (s *Session) pollView(msg entity.Message) PollView {
	p := msg.PollMetadata
	vote, voted := p.VoteOf(s.viewer.UserId)

	view := PollView{
		MessageId:     msg.Id,
		Question:      p.Question,
		AllowMultiple: p.AllowMultiple,
		TotalVoters:   p.TotalVoters(),
		HasVoted:      voted,
		Options:       make([]PollOptionView, 0, len(p.Options)),
	}
	for i, o := range p.Options {
		view.Options = append(view.Options, PollOptionView{
			Text:       o.Text,
			Votes:      p.VotesFor(i),
			Percentage: p.Percentage(i),
			Selected:   voted && slices.Contains(vote.OptionIndices, i),
		})
	}
	return view
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Connected: s.connected,
		Viewer:    s.viewer,
		Draft:     s.dispatcher.Draft(),
		Users:     append([]entity.User{}, s.users...),
		Notices:   append([]entity.Notice{}, s.notices...),
		Pending:   s.dispatcher.Pending(),
	}

	snap.Roster = RosterView{
		State: s.roster.State().String(),
		Term:  s.roster.Term(),
		Chats: []ChatView{},
	}
	if err := s.roster.Err(); err != nil {
		snap.Roster.Error = err.Error()
	}
	for _, c := range s.roster.Chats() {
		snap.Roster.Chats = append(snap.Roster.Chats, s.chatView(c))
	}

	snap.Conversation = ConversationView{
		State:    s.conv.State().String(),
		IsAdmin:  s.conv.IsAdmin(),
		Messages: s.conv.Messages(),
		Polls:    []PollView{},
	}
	for _, m := range snap.Conversation.Messages {
		if m.IsPoll() {
			snap.Conversation.Polls = append(snap.Conversation.Polls, s.pollView(m))
		}
	}
	if chat, ok := s.conv.Chat(); ok {
		view := s.chatView(chat)
		snap.Conversation.Chat = &view
	}
	if r, ok := s.conv.Removal(); ok {
		snap.Conversation.Removal = &r
	}
	return snap
}

func (s *Session) State(ctx context.Context) (Snapshot, error) {
	return call(ctx, s, func() (Snapshot, error) {
		return s.snapshot(), nil
	})
}

// Search reloads the roster filtered by term. An empty term lists all chats.
func (s *Session) Search(ctx context.Context, term string) error {
	return s.Do(ctx, func() error {
		s.refreshRoster(term)
		return nil
	})
}

func (s *Session) SelectChat(ctx context.Context, chatId string) error {
	return s.Do(ctx, func() error {
		chat, ok := s.roster.Find(chatId)
		if !ok {
			return ErrChatNotFound
		}
		s.open(chat)
		return nil
	})
}

func (s *Session) CloseChat(ctx context.Context) error {
	return s.Do(ctx, func() error {
		s.close()
		return nil
	})
}

func (s *Session) SetDraft(ctx context.Context, content string) error {
	return s.Do(ctx, func() error {
		s.dispatcher.SetDraft(content)
		return nil
	})
}

func (s *Session) Send(ctx context.Context) (dispatcher.Intent, error) {
	return s.intent(ctx, func() (dispatcher.Intent, error) {
		return s.dispatcher.Send(s.scope())
	})
}

func (s *Session) Typing(ctx context.Context, isTyping bool) (bool, error) {
	return call(ctx, s, func() (bool, error) {
		return s.dispatcher.Typing(s.scope(), isTyping), nil
	})
}

func (s *Session) CreatePrivateChat(ctx context.Context, userId string) (dispatcher.Intent, error) {
	return s.intent(ctx, func() (dispatcher.Intent, error) {
		return s.dispatcher.CreatePrivateChat(s.viewer, userId)
	})
}

func (s *Session) CreateGroup(ctx context.Context, name string, members []string) (dispatcher.Intent, error) {
	return s.intent(ctx, func() (dispatcher.Intent, error) {
		return s.dispatcher.CreateGroup(s.viewer, name, members)
	})
}

func (s *Session) AddMember(ctx context.Context, userId string) (dispatcher.Intent, error) {
	return s.intent(ctx, func() (dispatcher.Intent, error) {
		return s.dispatcher.AddMember(s.scope(), userId)
	})
}

func (s *Session) RemoveMember(ctx context.Context, userId string) (dispatcher.Intent, error) {
	return s.intent(ctx, func() (dispatcher.Intent, error) {
		return s.dispatcher.RemoveMember(s.scope(), userId)
	})
}

// LeaveGroup leaves the active group and closes it right away. The notice
// is recorded when the server confirms with removedFromGroup.
func (s *Session) LeaveGroup(ctx context.Context) (dispatcher.Intent, error) {
	return s.intent(ctx, func() (dispatcher.Intent, error) {
		in, err := s.dispatcher.Leave(s.scope())
		if err != nil {
			return in, err
		}
		s.close()
		return in, nil
	})
}

func (s *Session) CreatePoll(ctx context.Context, question string, options []string, allowMultiple bool) (dispatcher.Intent, error) {
	return s.intent(ctx, func() (dispatcher.Intent, error) {
		return s.dispatcher.CreatePoll(s.scope(), question, options, allowMultiple)
	})
}

func (s *Session) Vote(ctx context.Context, messageId string, optionIndex int) (dispatcher.Intent, error) {
	return s.intent(ctx, func() (dispatcher.Intent, error) {
		return s.dispatcher.Vote(s.scope(), messageId, optionIndex)
	})
}

// UploadFile sends a file to the active chat. Guards run on the loop, the
// upload itself runs on the caller's goroutine.
func (s *Session) UploadFile(ctx context.Context, fileName string, size int64, content io.Reader) error {
	if s.opts.Files == nil {
		return ErrUploadUnavailable
	}

	upload, err := call(ctx, s, func() (entity.FileUpload, error) {
		if err := s.dispatcher.CheckUpload(s.scope(), size); err != nil {
			return entity.FileUpload{}, s.reject(err)
		}
		return entity.FileUpload{
			ChatId:   s.conv.ActiveChatId(),
			SenderId: s.viewer.UserId,
			FileName: fileName,
			Size:     size,
			Content:  content,
		}, nil
	})
	if err != nil {
		return err
	}

	if _, err := s.opts.Files.Upload(ctx, upload); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"chatId":   upload.ChatId,
			"fileName": fileName,
		}).Warn("file upload failed")

		notifyErr := s.Do(ctx, func() error {
			s.notify(entity.NoticeError, "Upload Failed", "Failed to upload file", err.Error(), upload.ChatId)
			return nil
		})
		return errors.Join(err, notifyErr)
	}
	return nil
}

func (s *Session) intent(ctx context.Context, fn func() (dispatcher.Intent, error)) (dispatcher.Intent, error) {
	return call(ctx, s, func() (dispatcher.Intent, error) {
		in, err := fn()
		return in, s.reject(err)
	})
}
