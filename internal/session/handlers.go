package session

import (
	"fmt"

	"chatsync/internal/conversation"
	"chatsync/internal/entity"
	"chatsync/internal/router"

	"github.com/sirupsen/logrus"
)

func (s *Session) subscribe() {
	router.On(s.router, s.onNewMessage)
	router.On(s.router, s.onMessageSent)
	router.On(s.router, s.onMessageError)
	router.On(s.router, s.onPrivateChatCreated)
	router.On(s.router, s.onGroupCreated)
	router.On(s.router, s.onNewGroup)
	router.On(s.router, s.onGroupError)
	router.On(s.router, s.onPollUpdated)
	router.On(s.router, s.onAddedToGroup)
	router.On(s.router, s.onUserAddedToGroup)
	router.On(s.router, s.onUserRemovedFromGroup)
	router.On(s.router, s.onRemovedFromGroup)
	router.On(s.router, s.onRoomJoined)
	router.On(s.router, s.onUserJoined)
	router.On(s.router, s.onUserLeft)
}

func (s *Session) onNewMessage(ev entity.NewMessage) {
	msg := ev.Message
	log := s.logger.WithFields(logrus.Fields{"chatId": msg.ChatId, "messageId": msg.Id})

	if s.opts.Seen != nil && s.opts.DedupWindow > 0 && msg.Id != "" {
		if s.opts.Seen.Seen("message:"+msg.Id, s.opts.DedupWindow) {
			log.Debug("redelivered message dropped")
			s.metrics.EventDropped("duplicate")
			return
		}
	}

	if in, ok := s.dispatcher.ConfirmEcho(s.viewer, msg); ok {
		log.WithField("correlationId", in.CorrelationId).Debug("pending command confirmed by echo")
	}

	active := s.conv.ActiveChatId()
	if !s.roster.RecordMessage(msg, s.viewer, active) {
		log.Debug("message for a chat outside the roster, refreshing")
		s.refreshRoster(s.roster.Term())
	}

	if msg.ChatId == active {
		if err := s.conv.LiveMessage(s.viewer, msg); err != nil {
			log.WithError(err).Debug("live message not applied")
		}
	}
}

func (s *Session) onMessageSent(ev entity.MessageSent) {
	if in, ok := s.dispatcher.ConfirmSent(ev); ok {
		s.logger.WithFields(logrus.Fields{
			"chatId":        ev.ChatId,
			"correlationId": in.CorrelationId,
		}).Debug("send confirmed")
	}
}

func (s *Session) onMessageError(ev entity.MessageError) {
	log := s.logger.WithField("chatId", ev.ChatId)
	if in, ok := s.dispatcher.RejectMessage(ev); ok {
		log = log.WithField("correlationId", in.CorrelationId)
	}
	log.WithField("error", ev.Text()).Warn("message rejected by server")
	s.notify(entity.NoticeError, "Message Error", "Failed to send message", ev.Text(), ev.ChatId)
}

// onPrivateChatCreated opens the chat only when it answers one of our own
// requests; otherwise it just shows up in the roster.
func (s *Session) onPrivateChatCreated(ev entity.PrivateChatCreated) {
	if in, ok := s.dispatcher.ConfirmPrivateChat(ev); ok {
		s.logger.WithFields(logrus.Fields{
			"chatId":        ev.Chat.Id,
			"correlationId": in.CorrelationId,
		}).Info("private chat ready")
		s.open(ev.Chat)
	}
	s.refreshRoster(s.roster.Term())
}

func (s *Session) onGroupCreated(ev entity.GroupCreated) {
	if in, ok := s.dispatcher.ConfirmGroup(ev); ok {
		s.logger.WithFields(logrus.Fields{
			"chatId":        ev.Group.Id,
			"correlationId": in.CorrelationId,
		}).Info("group created")
		s.open(ev.Group)
	}
	s.refreshRoster(s.roster.Term())
}

func (s *Session) onNewGroup(ev entity.NewGroup) {
	s.logger.WithField("chatId", ev.Group.Id).Debug("new group")
	s.refreshRoster(s.roster.Term())
}

func (s *Session) onGroupError(ev entity.GroupError) {
	log := s.logger.WithField("chatId", ev.ChatId)
	if in, ok := s.dispatcher.RejectGroup(ev); ok {
		log = log.WithField("correlationId", in.CorrelationId)
	}
	log.WithField("error", ev.Text()).Warn("group command rejected by server")
	s.notify(entity.NoticeError, "Group Error", ev.Text(), "", ev.ChatId)
}

func (s *Session) onPollUpdated(ev entity.PollUpdated) {
	msg := ev.Message
	log := s.logger.WithFields(logrus.Fields{"chatId": msg.ChatId, "messageId": msg.Id})

	if in, ok := s.dispatcher.ConfirmVote(msg.Id); ok {
		log.WithField("correlationId", in.CorrelationId).Debug("vote confirmed")
	}
	if msg.ChatId != s.conv.ActiveChatId() {
		return
	}
	if err := s.conv.PollVoteUpdated(s.viewer, msg); err != nil {
		log.WithError(err).Debug("poll update not applied")
	}
}

func (s *Session) onAddedToGroup(ev entity.AddedToGroup) {
	s.logger.WithField("chatId", ev.Group.Id).Info("added to group")
	s.refreshRoster(s.roster.Term())
}

func (s *Session) onUserAddedToGroup(ev entity.UserAddedToGroup) {
	if ev.User != nil {
		s.dispatcher.ConfirmMemberAdded(ev.ChatId, ev.User.Id)
	}
	if ev.Group != nil {
		s.applyMembership(ev.ChatId, *ev.Group)
	}
	s.refreshRoster(s.roster.Term())
}

func (s *Session) onUserRemovedFromGroup(ev entity.UserRemovedFromGroup) {
	if ev.User != nil {
		s.dispatcher.ConfirmMemberRemoved(ev.ChatId, ev.User.Id)
	}
	if ev.Group != nil {
		s.applyMembership(ev.ChatId, *ev.Group)
	}
	s.refreshRoster(s.roster.Term())
}

func (s *Session) applyMembership(chatId string, group entity.Chat) {
	if group.Id == "" {
		group.Id = chatId
	}
	s.roster.ApplyMembershipChange(chatId, group)

	if s.conv.ActiveChatId() != chatId {
		return
	}
	log := s.logger.WithFields(logrus.Fields{"chatId": chatId, "members": group.MemberIds()})
	wasRemoved := s.conv.State() == conversation.StateRemoved
	if err := s.conv.MembershipUpdated(s.viewer, group); err != nil {
		log.WithError(err).Debug("membership update not applied")
		return
	}
	log.WithField("state", s.conv.State().String()).Debug("membership updated")
	if !wasRemoved && s.conv.State() == conversation.StateRemoved {
		s.notifyRemoval(chatId, group.Name, true)
	}
}

func (s *Session) onRemovedFromGroup(ev entity.RemovedFromGroup) {
	log := s.logger.WithFields(logrus.Fields{"chatId": ev.ChatId, "isKicked": ev.IsKicked})

	_, left := s.dispatcher.ConfirmMemberRemoved(ev.ChatId, s.viewer.UserId)
	notify := left

	if s.conv.ActiveChatId() == ev.ChatId {
		wasRemoved := s.conv.State() == conversation.StateRemoved
		if err := s.conv.Removed(ev.ChatId, ev.IsKicked, ev.GroupName); err == nil && !wasRemoved {
			notify = true
		}
	}

	log.Info("removed from group")
	if notify {
		s.notifyRemoval(ev.ChatId, ev.GroupName, ev.IsKicked)
	}
	s.refreshRoster(s.roster.Term())
}

func (s *Session) notifyRemoval(chatId, groupName string, isKicked bool) {
	if groupName == "" {
		if chat, ok := s.roster.Find(chatId); ok {
			groupName = chat.Name
		}
	}
	if isKicked {
		s.notify(entity.NoticeWarning, "Removed from Group", fmt.Sprintf("You have been removed from \"%s\"", groupName), "You will no longer receive messages from this group", chatId)
		return
	}
	s.notify(entity.NoticeWarning, "Left Group", fmt.Sprintf("You have left \"%s\"", groupName), "You will no longer receive messages from this group", chatId)
}

func (s *Session) onRoomJoined(ev entity.RoomJoined) {
	s.logger.WithField("chatId", ev.ChatId).Debug("room joined")
}

func (s *Session) onUserJoined(ev entity.UserJoined) {
	s.logger.WithFields(logrus.Fields{"chatId": ev.ChatId, "userId": ev.UserId}).Debug("user joined room")
}

func (s *Session) onUserLeft(ev entity.UserLeft) {
	s.logger.WithFields(logrus.Fields{"chatId": ev.ChatId, "userId": ev.UserId}).Debug("user left room")
}
