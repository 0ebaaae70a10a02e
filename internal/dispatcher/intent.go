package dispatcher

import (
	"time"

	"chatsync/internal/entity"

	"github.com/google/uuid"
)

type IntentKind string

const (
	IntentSend          IntentKind = "sendMessage"
	IntentCreatePrivate IntentKind = "createPrivateChat"
	IntentCreateGroup   IntentKind = "createGroup"
	IntentAddMember     IntentKind = "addUserToGroup"
	IntentRemoveMember  IntentKind = "removeUserFromGroup"
	IntentLeave         IntentKind = "leaveGroup"
	IntentCreatePoll    IntentKind = "createPoll"
	IntentVote          IntentKind = "vote"
)

// Intent is a command sent but not yet confirmed or rejected by an event.
// Target is the counterpart user, group name, member or message id
// depending on Kind.
type Intent struct {
	CorrelationId string     `json:"correlationId"`
	Kind          IntentKind `json:"kind"`
	ChatId        string     `json:"chatId,omitempty"`
	Target        string     `json:"target,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func (d *Dispatcher) track(kind IntentKind, chatId, target string) Intent {
	in := Intent{
		CorrelationId: uuid.NewString(),
		Kind:          kind,
		ChatId:        chatId,
		Target:        target,
		CreatedAt:     d.now(),
	}
	d.pending = append(d.pending, in)
	return in
}

// maxLate bounds how many expired chat creations stay matchable.
const maxLate = 16

// take removes and returns the oldest pending intent accepted by match.
func (d *Dispatcher) take(match func(Intent) bool) (Intent, bool) {
	return takeFrom(&d.pending, match)
}

func takeFrom(list *[]Intent, match func(Intent) bool) (Intent, bool) {
	for i, in := range *list {
		if match(in) {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return in, true
		}
	}
	return Intent{}, false
}

func refMatch(ref string, kinds ...IntentKind) func(Intent) bool {
	return func(in Intent) bool {
		return ref != "" && in.CorrelationId == ref && kindIn(in.Kind, kinds)
	}
}

func (d *Dispatcher) takeRef(ref string, kinds ...IntentKind) (Intent, bool) {
	return d.take(refMatch(ref, kinds...))
}

// takeCreated resolves a chat creation from the pending list, else from
// creations that already expired, so a late confirmation still counts.
func (d *Dispatcher) takeCreated(ref string, kind IntentKind, match func(Intent) bool) (Intent, bool) {
	byKind := func(in Intent) bool { return in.Kind == kind && match(in) }
	for _, list := range []*[]Intent{&d.pending, &d.late} {
		if in, ok := takeFrom(list, refMatch(ref, kind)); ok {
			return in, true
		}
		if in, ok := takeFrom(list, byKind); ok {
			return in, true
		}
	}
	return Intent{}, false
}

func kindIn(k IntentKind, kinds []IntentKind) bool {
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// ConfirmSent resolves a send acknowledged by messageSent.
func (d *Dispatcher) ConfirmSent(ev entity.MessageSent) (Intent, bool) {
	if in, ok := d.takeRef(ev.ClientRef, IntentSend); ok {
		return in, true
	}
	return d.take(func(in Intent) bool {
		return in.Kind == IntentSend && in.ChatId == ev.ChatId
	})
}

// ConfirmEcho resolves the oldest send or poll creation for the chat of a
// message the viewer authored.
func (d *Dispatcher) ConfirmEcho(v entity.Viewer, msg entity.Message) (Intent, bool) {
	if !v.Is(msg.Sender.Id()) {
		return Intent{}, false
	}
	kind := IntentSend
	if msg.Type == entity.MessagePoll {
		kind = IntentCreatePoll
	}
	return d.take(func(in Intent) bool {
		return in.Kind == kind && in.ChatId == msg.ChatId
	})
}

// ConfirmPrivateChat matches a privateChatCreated event by client reference,
// else by counterpart membership.
func (d *Dispatcher) ConfirmPrivateChat(ev entity.PrivateChatCreated) (Intent, bool) {
	return d.takeCreated(ev.ClientRef, IntentCreatePrivate, func(in Intent) bool {
		return ev.Chat.HasMember(in.Target)
	})
}

func (d *Dispatcher) ConfirmGroup(ev entity.GroupCreated) (Intent, bool) {
	return d.takeCreated(ev.ClientRef, IntentCreateGroup, func(in Intent) bool {
		return in.Target == ev.Group.Name
	})
}

func (d *Dispatcher) ConfirmMemberAdded(chatId, userId string) (Intent, bool) {
	return d.take(func(in Intent) bool {
		return in.Kind == IntentAddMember && in.ChatId == chatId && in.Target == userId
	})
}

func (d *Dispatcher) ConfirmMemberRemoved(chatId, userId string) (Intent, bool) {
	return d.take(func(in Intent) bool {
		return (in.Kind == IntentRemoveMember || in.Kind == IntentLeave) && in.ChatId == chatId && in.Target == userId
	})
}

func (d *Dispatcher) ConfirmVote(messageId string) (Intent, bool) {
	return d.take(func(in Intent) bool {
		return in.Kind == IntentVote && in.Target == messageId
	})
}

// RejectMessage resolves the intent a messageError refers to: by client
// reference, else the oldest message-level intent for the chat.
func (d *Dispatcher) RejectMessage(ev entity.MessageError) (Intent, bool) {
	kinds := []IntentKind{IntentSend, IntentCreatePoll, IntentVote}
	if in, ok := d.takeRef(ev.ClientRef, kinds...); ok {
		return in, true
	}
	return d.take(func(in Intent) bool {
		if !kindIn(in.Kind, kinds) {
			return false
		}
		if ev.MessageId != "" && in.Kind == IntentVote {
			return in.Target == ev.MessageId
		}
		return ev.ChatId == "" || in.ChatId == ev.ChatId
	})
}

func (d *Dispatcher) RejectGroup(ev entity.GroupError) (Intent, bool) {
	kinds := []IntentKind{IntentCreateGroup, IntentAddMember, IntentRemoveMember, IntentLeave, IntentCreatePrivate}
	if in, ok := d.takeRef(ev.ClientRef, kinds...); ok {
		return in, true
	}
	return d.take(func(in Intent) bool {
		return kindIn(in.Kind, kinds) && (ev.ChatId == "" || in.ChatId == ev.ChatId)
	})
}

// Expire drops intents older than the pending timeout and returns them.
// Nothing is rolled back: an expired intent is only inconclusive. Expired
// chat creations can still be confirmed by a late event.
func (d *Dispatcher) Expire(now time.Time) []Intent {
	if d.pendingTimeout <= 0 {
		return nil
	}
	var expired []Intent
	kept := d.pending[:0]
	for _, in := range d.pending {
		if now.Sub(in.CreatedAt) >= d.pendingTimeout {
			expired = append(expired, in)
			if in.Kind == IntentCreatePrivate || in.Kind == IntentCreateGroup {
				d.late = append(d.late, in)
			}
			continue
		}
		kept = append(kept, in)
	}
	d.pending = kept
	if len(d.late) > maxLate {
		d.late = append([]Intent(nil), d.late[len(d.late)-maxLate:]...)
	}
	return expired
}

func (d *Dispatcher) Pending() []Intent {
	out := make([]Intent, len(d.pending))
	copy(out, d.pending)
	return out
}
