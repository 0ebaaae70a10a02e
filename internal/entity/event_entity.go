package entity

import (
	"bytes"
	"encoding/json"
)

type EventKind string

const (
	EventNewMessage           EventKind = "newMessage"
	EventMessageSent          EventKind = "messageSent"
	EventMessageError         EventKind = "messageError"
	EventPrivateChatCreated   EventKind = "privateChatCreated"
	EventGroupCreated         EventKind = "groupCreated"
	EventNewGroup             EventKind = "newGroup"
	EventGroupError           EventKind = "groupError"
	EventPollUpdated          EventKind = "pollUpdated"
	EventAddedToGroup         EventKind = "addedToGroup"
	EventUserAddedToGroup     EventKind = "userAddedToGroup"
	EventUserRemovedFromGroup EventKind = "userRemovedFromGroup"
	EventRemovedFromGroup     EventKind = "removedFromGroup"
	EventRoomJoined           EventKind = "roomJoined"
	EventUserJoined           EventKind = "userJoined"
	EventUserLeft             EventKind = "userLeft"
)

// Event is a decoded inbound push event.
type Event interface {
	Kind() EventKind
}

type NewMessage struct {
	Message Message
}

func (NewMessage) Kind() EventKind { return EventNewMessage }

func (e *NewMessage) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &e.Message)
}

type MessageSent struct {
	MessageId string `json:"messageId"`
	ChatId    string `json:"chatId"`
	Timestamp string `json:"timestamp"`
	ClientRef string `json:"clientRef,omitempty"`
}

func (MessageSent) Kind() EventKind { return EventMessageSent }

type MessageError struct {
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	MessageId string `json:"messageId,omitempty"`
	ChatId    string `json:"chatId,omitempty"`
	ClientRef string `json:"clientRef,omitempty"`
}

func (MessageError) Kind() EventKind { return EventMessageError }

func (e MessageError) Text() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Error != "":
		return e.Error
	}
	return "Please try again"
}

type PrivateChatCreated struct {
	Chat      Chat   `json:"chat"`
	ClientRef string `json:"clientRef,omitempty"`
}

func (PrivateChatCreated) Kind() EventKind { return EventPrivateChatCreated }

type GroupCreated struct {
	Group     Chat   `json:"group"`
	ClientRef string `json:"clientRef,omitempty"`
}

func (GroupCreated) Kind() EventKind { return EventGroupCreated }

type NewGroup struct {
	Group Chat
}

func (NewGroup) Kind() EventKind { return EventNewGroup }

func (e *NewGroup) UnmarshalJSON(data []byte) error {
	return decodeChat(data, &e.Group)
}

type GroupError struct {
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ChatId    string `json:"chatId,omitempty"`
	ClientRef string `json:"clientRef,omitempty"`
}

func (GroupError) Kind() EventKind { return EventGroupError }

func (e GroupError) Text() string {
	return MessageError{Message: e.Message, Error: e.Error}.Text()
}

type PollUpdated struct {
	Message Message
}

func (PollUpdated) Kind() EventKind { return EventPollUpdated }

func (e *PollUpdated) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &e.Message)
}

type AddedToGroup struct {
	Group Chat
}

func (AddedToGroup) Kind() EventKind { return EventAddedToGroup }

func (e *AddedToGroup) UnmarshalJSON(data []byte) error {
	return decodeChat(data, &e.Group)
}

type UserAddedToGroup struct {
	ChatId string  `json:"chatId"`
	User   *Member `json:"user,omitempty"`
	Group  *Chat   `json:"group,omitempty"`
}

func (UserAddedToGroup) Kind() EventKind { return EventUserAddedToGroup }

type UserRemovedFromGroup struct {
	ChatId string  `json:"chatId"`
	User   *Member `json:"user,omitempty"`
	Group  *Chat   `json:"group,omitempty"`
}

func (UserRemovedFromGroup) Kind() EventKind { return EventUserRemovedFromGroup }

type RemovedFromGroup struct {
	ChatId    string `json:"chatId"`
	IsKicked  bool   `json:"isKicked"`
	GroupName string `json:"groupName"`
}

func (RemovedFromGroup) Kind() EventKind { return EventRemovedFromGroup }

type RoomJoined struct {
	ChatId   string `json:"chatId"`
	UserId   string `json:"userId"`
	RoomName string `json:"roomName,omitempty"`
}

func (RoomJoined) Kind() EventKind { return EventRoomJoined }

type UserJoined struct {
	ChatId   string `json:"chatId"`
	UserId   string `json:"userId"`
	Username string `json:"username"`
}

func (UserJoined) Kind() EventKind { return EventUserJoined }

type UserLeft struct {
	ChatId string `json:"chatId"`
	UserId string `json:"userId"`
}

func (UserLeft) Kind() EventKind { return EventUserLeft }

// decodeChat reads a chat sent either bare or wrapped as {"group": {...}}.
func decodeChat(data []byte, chat *Chat) error {
	var wrapped struct {
		Id    string          `json:"_id"`
		Group json.RawMessage `json:"group"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	if wrapped.Id == "" && len(wrapped.Group) > 0 && !bytes.Equal(wrapped.Group, []byte("null")) {
		return json.Unmarshal(wrapped.Group, chat)
	}
	return json.Unmarshal(data, chat)
}
