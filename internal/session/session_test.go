package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsync/infrastructure/cache"
	"chatsync/infrastructure/ws"
	"chatsync/internal/dispatcher"
	"chatsync/internal/entity"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type emitted struct {
	command string
	payload any
}

type fakeChannel struct {
	mu     sync.Mutex
	sent   []emitted
	events chan ws.Envelope
	status chan bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		events: make(chan ws.Envelope, 16),
		status: make(chan bool, 4),
	}
}

func (f *fakeChannel) Connect(ctx context.Context, userId string) error {
	if userId == "" {
		return ws.ErrMissingUserId
	}
	f.status <- true
	return nil
}

func (f *fakeChannel) Disconnect() {}

func (f *fakeChannel) Emit(command string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, emitted{command, payload})
}

func (f *fakeChannel) Events() <-chan ws.Envelope { return f.events }

func (f *fakeChannel) Status() <-chan bool { return f.status }

func (f *fakeChannel) IsConnected() bool { return true }

func (f *fakeChannel) commands(name entity.CommandName) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.sent {
		if e.command == string(name) {
			out = append(out, e.payload)
		}
	}
	return out
}

func (f *fakeChannel) push(event entity.EventKind, payload any) {
	env, err := ws.NewEnvelope(string(event), payload)
	if err != nil {
		panic(err)
	}
	f.events <- env
}

type fakeChats struct {
	mu    sync.Mutex
	chats []entity.Chat
	calls int
}

func (f *fakeChats) Index(ctx context.Context, userId, search string) ([]entity.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var out []entity.Chat
	for _, c := range f.chats {
		if search == "" || strings.Contains(strings.ToLower(c.Name), strings.ToLower(search)) {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (f *fakeChats) set(chats ...entity.Chat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = chats
}

func (f *fakeChats) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMessages map[string][]entity.Message

func (f fakeMessages) GetByChatId(ctx context.Context, chatId string) ([]entity.Message, error) {
	return f[chatId], nil
}

type fakeUsers []entity.User

func (f fakeUsers) Get(ctx context.Context, userId string) (entity.User, error) {
	for _, u := range f {
		if u.Id == userId {
			return u, nil
		}
	}
	return entity.User{}, errors.New("user not found")
}

func (f fakeUsers) Users(ctx context.Context) ([]entity.User, error) {
	return f, nil
}

type fakeFiles struct {
	err  error
	body string
}

func (f *fakeFiles) Upload(ctx context.Context, upload entity.FileUpload) (entity.UploadResponse, error) {
	b, _ := io.ReadAll(upload.Content)
	f.body = string(b)
	if f.err != nil {
		return entity.UploadResponse{}, f.err
	}
	return entity.UploadResponse{Success: true}, nil
}

var (
	ana  = entity.User{Id: "u1", Name: "Ana"}
	bob  = entity.Member{Id: "u2", Name: "Bob"}
	cara = entity.Member{Id: "u3", Name: "Cara"}

	teamChat = entity.Chat{
		Id:      "g1",
		Name:    "Team",
		IsGroup: true,
		Members: []entity.MemberRef{entity.SnapshotOf(entity.Member{Id: "u1", Name: "Ana"}), entity.SnapshotOf(bob)},
	}
	bobChat = entity.Chat{
		Id:      "p1",
		Members: []entity.MemberRef{entity.RefOf("u1"), entity.SnapshotOf(bob)},
	}
	caraTeam = entity.Chat{
		Id:      "g2",
		Name:    "Cara Team",
		IsGroup: true,
		Members: []entity.MemberRef{entity.SnapshotOf(cara), entity.RefOf("u1")},
	}
)

type SessionTestSuite struct {
	suite.Suite
	channel *fakeChannel
	chats   *fakeChats
	files   *fakeFiles
	seen    *cache.MemCache
	session *Session

	cancel context.CancelFunc
	runErr chan error
}

func (s *SessionTestSuite) SetupTest() {
	logger, _ := test.NewNullLogger()

	s.channel = newFakeChannel()
	s.chats = &fakeChats{}
	s.chats.set(teamChat, bobChat, caraTeam)
	s.files = &fakeFiles{}
	s.seen = cache.NewMemCache(time.Minute)

	s.session = New(Options{
		Channel: s.channel,
		Chats:   s.chats,
		Messages: fakeMessages{
			"g1": {{Id: "m1", ChatId: "g1", Sender: entity.RefOf("u2"), Content: "hi", Type: entity.MessageText}},
		},
		Users:          fakeUsers{{Id: "u1", Name: "Ana"}, {Id: "u2", Name: "Bob"}},
		Files:          s.files,
		Logger:         logger,
		Seen:           s.seen,
		DedupWindow:    time.Minute,
		PendingTimeout: time.Hour,
		TypingInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.runErr = make(chan error, 1)
	go func() { s.runErr <- s.session.Run(ctx, ana) }()

	s.eventually(func(snap Snapshot) bool {
		return snap.Connected && snap.Roster.State == "ready" && len(snap.Users) == 1
	}, "roster and users load on start")
}

func (s *SessionTestSuite) TearDownTest() {
	s.cancel()
	select {
	case err := <-s.runErr:
		s.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		s.Fail("session did not stop")
	}
	s.seen.Close()
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, &SessionTestSuite{})
}

func (s *SessionTestSuite) state() Snapshot {
	snap, err := s.session.State(context.Background())
	s.Require().NoError(err)
	return snap
}

func (s *SessionTestSuite) eventually(cond func(Snapshot) bool, msg string) {
	s.Eventually(func() bool {
		snap, err := s.session.State(context.Background())
		return err == nil && cond(snap)
	}, time.Second, 5*time.Millisecond, msg)
}

func (s *SessionTestSuite) openTeam() {
	s.Require().NoError(s.session.SelectChat(context.Background(), "g1"))
	s.eventually(func(snap Snapshot) bool {
		return snap.Conversation.State == "ready"
	}, "history loads")
}

func (s *SessionTestSuite) Test_StartLoadsRosterAndUsers() {
	snap := s.state()
	s.True(snap.Connected)
	s.Equal("u1", snap.Viewer.UserId)
	s.Len(snap.Roster.Chats, 3)
	s.Equal("Bob", snap.Roster.Chats[1].DisplayName)
	s.Equal("No messages yet", snap.Roster.Chats[1].Preview)
	s.Equal("u2", snap.Users[0].Id, "the viewer is not listed")
}

func (s *SessionTestSuite) Test_SelectChatLoadsHistoryAndJoinsRoom() {
	s.openTeam()

	snap := s.state()
	s.Equal("g1", snap.Conversation.Chat.Id)
	s.True(snap.Conversation.IsAdmin)
	s.Len(snap.Conversation.Messages, 1)
	s.False(snap.Conversation.Messages[0].Self)

	joins := s.channel.commands(entity.CmdJoinRoom)
	s.Require().Len(joins, 1)
	s.Equal(entity.RoomRequest{ChatId: "g1", UserId: "u1"}, joins[0])
}

func (s *SessionTestSuite) Test_SelectUnknownChat() {
	err := s.session.SelectChat(context.Background(), "nope")
	s.ErrorIs(err, ErrChatNotFound)
}

func (s *SessionTestSuite) Test_SwitchingChatsLeavesPreviousRoom() {
	s.openTeam()
	s.Require().NoError(s.session.SelectChat(context.Background(), "p1"))

	leaves := s.channel.commands(entity.CmdLeaveRoom)
	s.Require().Len(leaves, 1)
	s.Equal(entity.RoomRequest{ChatId: "g1", UserId: "u1"}, leaves[0])
}

func (s *SessionTestSuite) Test_NewMessageUpdatesRosterAndConversation() {
	s.openTeam()

	s.channel.push(entity.EventNewMessage, entity.Message{Id: "m2", ChatId: "g1", Sender: entity.RefOf("u2"), Content: "live"})
	s.channel.push(entity.EventNewMessage, entity.Message{Id: "m3", ChatId: "g2", Sender: entity.RefOf("u3"), Content: "elsewhere"})

	s.eventually(func(snap Snapshot) bool {
		return len(snap.Conversation.Messages) == 2 && snap.Roster.Chats[0].Id == "g2"
	}, "live message appended and other chat promoted")

	snap := s.state()
	s.True(snap.Roster.Chats[0].HasUnread, "inactive chat is unread")
	s.Equal("elsewhere", snap.Roster.Chats[0].Preview)
	s.Equal("g1", snap.Roster.Chats[1].Id)
	s.False(snap.Roster.Chats[1].HasUnread, "active chat is never unread")
}

func (s *SessionTestSuite) Test_RedeliveredMessageIsDropped() {
	s.openTeam()

	msg := entity.Message{Id: "m2", ChatId: "g1", Sender: entity.RefOf("u2"), Content: "once"}
	s.channel.push(entity.EventNewMessage, msg)
	s.channel.push(entity.EventNewMessage, msg)
	s.channel.push(entity.EventNewMessage, entity.Message{Id: "m3", ChatId: "g1", Sender: entity.RefOf("u2"), Content: "marker"})

	s.eventually(func(snap Snapshot) bool {
		n := len(snap.Conversation.Messages)
		return n > 0 && snap.Conversation.Messages[n-1].Id == "m3"
	}, "marker arrives")
	s.Len(s.state().Conversation.Messages, 3)
}

func (s *SessionTestSuite) Test_SendTracksAndConfirms() {
	s.openTeam()
	ctx := context.Background()

	s.Require().NoError(s.session.SetDraft(ctx, "  hello  "))
	in, err := s.session.Send(ctx)
	s.Require().NoError(err)
	s.Equal(dispatcher.IntentSend, in.Kind)

	sends := s.channel.commands(entity.CmdSendMessage)
	s.Require().Len(sends, 1)
	req := sends[0].(entity.SendMessageRequest)
	s.Equal("hello", req.Content)
	s.Equal(in.CorrelationId, req.ClientRef)

	snap := s.state()
	s.Empty(snap.Draft, "draft cleared before confirmation")
	s.Len(snap.Pending, 1)

	s.channel.push(entity.EventMessageSent, entity.MessageSent{MessageId: "m9", ChatId: "g1", ClientRef: in.CorrelationId})
	s.eventually(func(snap Snapshot) bool { return len(snap.Pending) == 0 }, "send confirmed")
}

func (s *SessionTestSuite) Test_SendWithoutChat() {
	ctx := context.Background()
	s.Require().NoError(s.session.SetDraft(ctx, "hello"))

	_, err := s.session.Send(ctx)
	s.ErrorIs(err, dispatcher.ErrNoActiveChat)
	s.Empty(s.channel.commands(entity.CmdSendMessage))
}

func (s *SessionTestSuite) Test_MessageErrorRecordsNotice() {
	s.openTeam()
	ctx := context.Background()
	s.Require().NoError(s.session.SetDraft(ctx, "hello"))
	_, err := s.session.Send(ctx)
	s.Require().NoError(err)

	s.channel.push(entity.EventMessageError, entity.MessageError{ChatId: "g1", Message: "Chat is archived"})
	s.eventually(func(snap Snapshot) bool {
		return len(snap.Pending) == 0 && len(snap.Notices) == 1
	}, "rejection resolves intent")

	n := s.state().Notices[0]
	s.Equal(entity.NoticeError, n.Level)
	s.Equal("Failed to send message", n.Message)
	s.Equal("Chat is archived", n.SubMessage)
}

func (s *SessionTestSuite) Test_ValidationFailureBecomesNotice() {
	_, err := s.session.CreateGroup(context.Background(), "ab", []string{"u2"})

	var ve *dispatcher.ValidationError
	s.Require().ErrorAs(err, &ve)
	s.Equal("Group name must be at least 3 characters.", ve.Message)
	s.Empty(s.channel.commands(entity.CmdCreateGroup))

	notices := s.state().Notices
	s.Require().Len(notices, 1)
	s.Equal(entity.NoticeWarning, notices[0].Level)
	s.Equal(ve.Message, notices[0].Message)
}

func (s *SessionTestSuite) Test_GroupCreatedOpensRequestedGroup() {
	in, err := s.session.CreateGroup(context.Background(), "Team One", []string{"u2"})
	s.Require().NoError(err)

	created := entity.Chat{Id: "g9", Name: "Team One", IsGroup: true, Members: []entity.MemberRef{entity.RefOf("u1"), entity.RefOf("u2")}}
	s.chats.set(created, teamChat, bobChat, caraTeam)
	s.channel.push(entity.EventGroupCreated, entity.GroupCreated{Group: created, ClientRef: in.CorrelationId})

	s.eventually(func(snap Snapshot) bool {
		return snap.Conversation.Chat != nil && snap.Conversation.Chat.Id == "g9" && len(snap.Roster.Chats) == 4
	}, "own group opened and roster refreshed")
	s.Empty(s.state().Pending)
}

func (s *SessionTestSuite) Test_ForeignGroupOnlyRefreshesRoster() {
	before := s.chats.count()
	s.channel.push(entity.EventGroupCreated, entity.GroupCreated{Group: entity.Chat{Id: "g7", Name: "Other"}})

	s.Eventually(func() bool { return s.chats.count() > before }, time.Second, 5*time.Millisecond)
	s.Nil(s.state().Conversation.Chat)
}

func (s *SessionTestSuite) Test_KickedFromActiveGroup() {
	s.openTeam()

	s.channel.push(entity.EventRemovedFromGroup, entity.RemovedFromGroup{ChatId: "g1", IsKicked: true})
	s.eventually(func(snap Snapshot) bool { return snap.Conversation.State == "removed" }, "conversation removed")

	snap := s.state()
	s.Require().NotNil(snap.Conversation.Removal)
	s.Equal("Team", snap.Conversation.Removal.GroupName)
	s.Require().Len(snap.Notices, 1)
	s.Equal("Removed from Group", snap.Notices[0].Title)
	s.Equal(`You have been removed from "Team"`, snap.Notices[0].Message)

	s.Require().NoError(s.session.SetDraft(context.Background(), "still here?"))
	_, err := s.session.Send(context.Background())
	s.ErrorIs(err, dispatcher.ErrNotWritable)
}

func (s *SessionTestSuite) Test_MembershipWithoutViewerRemovesOnce() {
	s.openTeam()

	group := entity.Chat{Id: "g1", Name: "Team", IsGroup: true, Members: []entity.MemberRef{entity.RefOf("u2")}}
	s.channel.push(entity.EventUserRemovedFromGroup, entity.UserRemovedFromGroup{ChatId: "g1", User: &entity.Member{Id: "u1"}, Group: &group})
	s.channel.push(entity.EventRemovedFromGroup, entity.RemovedFromGroup{ChatId: "g1", IsKicked: true, GroupName: "Team"})

	s.eventually(func(snap Snapshot) bool { return snap.Conversation.State == "removed" }, "conversation removed")
	s.channel.push(entity.EventUserLeft, entity.UserLeft{ChatId: "g1", UserId: "u1"})
	s.Eventually(func() bool { return len(s.channel.events) == 0 }, time.Second, 5*time.Millisecond)

	s.Len(s.state().Notices, 1, "one notice for one removal")
}

func (s *SessionTestSuite) Test_LeaveGroupAsMember() {
	s.Require().NoError(s.session.SelectChat(context.Background(), "g2"))

	in, err := s.session.LeaveGroup(context.Background())
	s.Require().NoError(err)
	s.Equal(dispatcher.IntentLeave, in.Kind)

	removes := s.channel.commands(entity.CmdRemoveUserFromGroup)
	s.Require().Len(removes, 1)
	s.Equal(entity.RemoveUserFromGroupRequest{ChatId: "g2", UserId: "u1", RemovedBy: "u1"}, removes[0])
	s.Equal("empty", s.state().Conversation.State)

	s.channel.push(entity.EventRemovedFromGroup, entity.RemovedFromGroup{ChatId: "g2", GroupName: "Cara Team"})
	s.eventually(func(snap Snapshot) bool { return len(snap.Notices) == 1 }, "leave confirmed")

	n := s.state().Notices[0]
	s.Equal("Left Group", n.Title)
	s.Equal(`You have left "Cara Team"`, n.Message)
}

func (s *SessionTestSuite) Test_AdminCannotLeave() {
	s.openTeam()

	_, err := s.session.LeaveGroup(context.Background())
	var ve *dispatcher.ValidationError
	s.Require().ErrorAs(err, &ve)
	s.Equal("Cannot Leave Group", ve.Title)
	s.Equal("ready", s.state().Conversation.State)
}

func (s *SessionTestSuite) Test_PollUpdateReplacesMessage() {
	poll := entity.Message{
		Id:     "m5",
		ChatId: "g1",
		Sender: entity.RefOf("u2"),
		Type:   entity.MessagePoll,
		PollMetadata: &entity.PollMetadata{
			Question: "Lunch?",
			Options:  []entity.PollOption{{Text: "Yes"}, {Text: "No"}},
		},
	}
	s.openTeam()
	s.channel.push(entity.EventNewMessage, poll)
	s.eventually(func(snap Snapshot) bool { return len(snap.Conversation.Polls) == 1 }, "poll arrives")

	view := s.state().Conversation.Polls[0]
	s.Equal("m5", view.MessageId)
	s.False(view.HasVoted)
	s.Len(view.Options, 2)

	updated := poll
	updated.PollMetadata = &entity.PollMetadata{
		Question: "Lunch?",
		Options:  []entity.PollOption{{Text: "Yes"}, {Text: "No"}},
		Votes:    []entity.PollVote{{UserId: "u1", OptionIndices: []int{0}}},
	}
	_, err := s.session.Vote(context.Background(), "m5", 0)
	s.Require().NoError(err)
	s.channel.push(entity.EventPollUpdated, updated)

	s.eventually(func(snap Snapshot) bool {
		if len(snap.Pending) != 0 {
			return false
		}
		for _, m := range snap.Conversation.Messages {
			if m.Id == "m5" && m.PollMetadata != nil {
				_, voted := m.PollMetadata.VoteOf("u1")
				return voted
			}
		}
		return false
	}, "vote confirmed and tally replaced")

	view = s.state().Conversation.Polls[0]
	s.True(view.HasVoted)
	s.Equal(1, view.TotalVoters)
	s.Equal(PollOptionView{Text: "Yes", Votes: 1, Percentage: 100, Selected: true}, view.Options[0])
	s.Equal(PollOptionView{Text: "No"}, view.Options[1])
}

func (s *SessionTestSuite) Test_VoteNeedsPollInConversation() {
	s.openTeam()

	_, err := s.session.Vote(context.Background(), "m1", 0)
	var ve *dispatcher.ValidationError
	s.Require().ErrorAs(err, &ve)
	s.Equal("Poll not found in this conversation.", ve.Message)
	s.Empty(s.channel.commands(entity.CmdVote))
}

func (s *SessionTestSuite) Test_VoteAfterKickIsRejected() {
	s.openTeam()
	s.channel.push(entity.EventRemovedFromGroup, entity.RemovedFromGroup{ChatId: "g1", IsKicked: true})
	s.eventually(func(snap Snapshot) bool { return snap.Conversation.State == "removed" }, "conversation removed")

	_, err := s.session.Vote(context.Background(), "m1", 0)
	s.ErrorIs(err, dispatcher.ErrNotWritable)
	s.Empty(s.channel.commands(entity.CmdVote))
}

func (s *SessionTestSuite) Test_ReconnectRejoinsAndRefreshes() {
	s.openTeam()
	before := s.chats.count()

	s.channel.status <- false
	s.eventually(func(snap Snapshot) bool { return !snap.Connected }, "disconnected")
	s.channel.status <- true
	s.eventually(func(snap Snapshot) bool { return snap.Connected }, "reconnected")

	s.Len(s.channel.commands(entity.CmdJoinRoom), 2)
	s.Eventually(func() bool { return s.chats.count() > before }, time.Second, 5*time.Millisecond)
}

func (s *SessionTestSuite) Test_SearchFiltersRoster() {
	s.Require().NoError(s.session.Search(context.Background(), "cara"))
	s.eventually(func(snap Snapshot) bool {
		return snap.Roster.Term == "cara" && snap.Roster.State == "ready" && len(snap.Roster.Chats) == 1
	}, "filtered roster")
}

func (s *SessionTestSuite) Test_UploadFile() {
	ctx := context.Background()

	err := s.session.UploadFile(ctx, "a.txt", 3, strings.NewReader("abc"))
	s.ErrorIs(err, dispatcher.ErrNoActiveChat)

	s.openTeam()
	s.Require().NoError(s.session.UploadFile(ctx, "a.txt", 3, strings.NewReader("abc")))
	s.Equal("abc", s.files.body)

	err = s.session.UploadFile(ctx, "big.bin", dispatcher.MaxUploadSize+1, strings.NewReader(""))
	var ve *dispatcher.ValidationError
	s.Require().ErrorAs(err, &ve)
	s.Equal("File size exceeds 10MB limit", ve.Message)
}

func (s *SessionTestSuite) Test_UploadFailureRecordsNotice() {
	s.openTeam()
	s.files.err = errors.New("boom")

	err := s.session.UploadFile(context.Background(), "a.txt", 3, strings.NewReader("abc"))
	s.Error(err)

	notices := s.state().Notices
	s.Require().Len(notices, 1)
	s.Equal("Upload Failed", notices[0].Title)
}

func (s *SessionTestSuite) Test_SnapshotEncodes() {
	s.openTeam()
	raw, err := json.Marshal(s.state())
	s.Require().NoError(err)
	s.Contains(string(raw), `"displayName":"Team"`)
}

func Test_DoAfterStop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	channel := newFakeChannel()
	sess := New(Options{Channel: channel, Chats: &fakeChats{}, Messages: fakeMessages{}, Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx, ana) }()

	assert.Eventually(t, func() bool {
		_, err := sess.State(context.Background())
		return err == nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	_, err := sess.State(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, sess.Run(context.Background(), ana), ErrAlreadyRunning)
}

func Test_ExpiredIntentBecomesNotice(t *testing.T) {
	logger, _ := test.NewNullLogger()
	channel := newFakeChannel()
	sess := New(Options{
		Channel:        channel,
		Chats:          &fakeChats{},
		Messages:       fakeMessages{},
		Logger:         logger,
		PendingTimeout: time.Millisecond,
		ExpiryInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx, ana) }()

	in, err := sess.CreatePrivateChat(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "u2", in.Target)

	var snap Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = sess.State(context.Background())
		return err == nil && len(snap.Pending) == 0 && len(snap.Notices) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "No Response", snap.Notices[0].Title)
	assert.Equal(t, "The server has not confirmed the new chat yet.", snap.Notices[0].Message)
}

type gatedMessages struct {
	release  chan struct{}
	messages fakeMessages
}

func (g gatedMessages) GetByChatId(ctx context.Context, chatId string) ([]entity.Message, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.messages[chatId], nil
}

func Test_MembershipUpdateDuringHistoryLoad(t *testing.T) {
	logger, _ := test.NewNullLogger()
	channel := newFakeChannel()
	chats := &fakeChats{}
	chats.set(teamChat)
	history := gatedMessages{
		release:  make(chan struct{}),
		messages: fakeMessages{"g1": {{Id: "m1", ChatId: "g1", Sender: entity.RefOf("u2"), Content: "hi"}}},
	}
	sess := New(Options{Channel: channel, Chats: chats, Messages: history, Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx, ana) }()

	snapshot := func() Snapshot {
		snap, _ := sess.State(context.Background())
		return snap
	}
	require.Eventually(t, func() bool { return snapshot().Roster.State == "ready" }, time.Second, 5*time.Millisecond)

	require.NoError(t, sess.SelectChat(context.Background(), "g1"))
	require.Equal(t, "loading", snapshot().Conversation.State)

	group := entity.Chat{Id: "g1", Name: "Team", IsGroup: true, Members: []entity.MemberRef{entity.RefOf("u2")}}
	channel.push(entity.EventUserRemovedFromGroup, entity.UserRemovedFromGroup{ChatId: "g1", User: &entity.Member{Id: "u1"}, Group: &group})
	require.Eventually(t, func() bool { return snapshot().Conversation.State == "removed" }, time.Second, 5*time.Millisecond)

	close(history.release)
	assert.Never(t, func() bool { return snapshot().Conversation.State != "removed" }, 50*time.Millisecond, 5*time.Millisecond)

	snap := snapshot()
	assert.Empty(t, snap.Conversation.Messages)
	assert.False(t, snap.Conversation.IsAdmin)
	require.Len(t, snap.Notices, 1)
	assert.Equal(t, `You have been removed from "Team"`, snap.Notices[0].Message)

	require.NoError(t, sess.SetDraft(context.Background(), "still here?"))
	_, err := sess.Send(context.Background())
	assert.ErrorIs(t, err, dispatcher.ErrNotWritable)
}

func Test_LateGroupConfirmationOpensChat(t *testing.T) {
	logger, _ := test.NewNullLogger()
	channel := newFakeChannel()
	chats := &fakeChats{}
	sess := New(Options{
		Channel:        channel,
		Chats:          chats,
		Messages:       fakeMessages{},
		Logger:         logger,
		PendingTimeout: time.Millisecond,
		ExpiryInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx, ana) }()

	var in dispatcher.Intent
	require.Eventually(t, func() bool {
		var err error
		in, err = sess.CreateGroup(context.Background(), "Team One", []string{"u2"})
		return err == nil
	}, time.Second, 5*time.Millisecond)

	snapshot := func() Snapshot {
		snap, _ := sess.State(context.Background())
		return snap
	}
	require.Eventually(t, func() bool {
		snap := snapshot()
		return len(snap.Pending) == 0 && len(snap.Notices) == 1
	}, time.Second, 5*time.Millisecond, "intent expires first")

	created := entity.Chat{Id: "g9", Name: "Team One", IsGroup: true, Members: []entity.MemberRef{entity.RefOf("u1"), entity.RefOf("u2")}}
	chats.set(created)
	channel.push(entity.EventGroupCreated, entity.GroupCreated{Group: created, ClientRef: in.CorrelationId})

	require.Eventually(t, func() bool {
		chat := snapshot().Conversation.Chat
		return chat != nil && chat.Id == "g9"
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, channel.commands(entity.CmdJoinRoom), entity.RoomRequest{ChatId: "g9", UserId: "u1"})
}

func Test_CallCancelledWhileQueued(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sess := New(Options{Channel: newFakeChannel(), Chats: &fakeChats{}, Messages: fakeMessages{}, Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx, ana) }()
	require.Eventually(t, func() bool {
		_, err := sess.State(context.Background())
		return err == nil
	}, time.Second, 5*time.Millisecond)

	callCtx, cancelCall := context.WithCancel(context.Background())
	release := make(chan struct{})
	got, err := call(callCtx, sess, func() (int, error) {
		cancelCall()
		<-release
		return 42, nil
	})
	close(release)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, got, "a result written after the caller left is not returned")

	_, err = sess.State(context.Background())
	assert.NoError(t, err, "the loop keeps running")
}
