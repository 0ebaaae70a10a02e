package router

import (
	"encoding/json"
	"testing"

	"chatsync/infrastructure/ws"
	"chatsync/internal/entity"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*Router, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewRouter(logger, nil), hook
}

func envelope(event, data string) ws.Envelope {
	return ws.Envelope{Event: event, Data: json.RawMessage(data)}
}

func Test_Route_DeliversOnlyToOwnTopic(t *testing.T) {
	r, _ := newTestRouter(t)

	var got []entity.Message
	var sent int
	On(r, func(e entity.NewMessage) { got = append(got, e.Message) })
	On(r, func(e entity.MessageSent) { sent++ })

	err := r.Route(envelope("newMessage", `{"_id":"m1","chatId":"c1","senderId":"u2","content":"hi"}`))
	require.NoError(t, err)

	require.Len(t, got, 1, "newMessage handler should run once")
	assert.Equal(t, "m1", got[0].Id)
	assert.Equal(t, "u2", got[0].Sender.Id())
	assert.Equal(t, entity.MessageText, got[0].Type, "type should default to text")
	assert.Equal(t, 0, sent, "messageSent handler should not run")
}

func Test_Route_PreservesArrivalOrder(t *testing.T) {
	r, _ := newTestRouter(t)

	var order []string
	On(r, func(e entity.NewMessage) { order = append(order, e.Message.Id) })
	On(r, func(e entity.PollUpdated) { order = append(order, "poll:"+e.Message.Id) })

	require.NoError(t, r.Route(envelope("newMessage", `{"_id":"a","chatId":"c"}`)))
	require.NoError(t, r.Route(envelope("pollUpdated", `{"_id":"p","chatId":"c","type":"poll"}`)))
	require.NoError(t, r.Route(envelope("newMessage", `{"_id":"b","chatId":"c"}`)))

	assert.Equal(t, []string{"a", "poll:p", "b"}, order)
}

func Test_Route_SubscribersRunInSubscriptionOrder(t *testing.T) {
	r, _ := newTestRouter(t)

	var calls []int
	r.Subscribe(entity.EventUserLeft, func(entity.Event) { calls = append(calls, 1) })
	r.Subscribe(entity.EventUserLeft, func(entity.Event) { calls = append(calls, 2) })

	require.NoError(t, r.Route(envelope("userLeft", `{"chatId":"c","userId":"u"}`)))
	assert.Equal(t, []int{1, 2}, calls)
}

func Test_Route_UnknownEventIsDropped(t *testing.T) {
	r, hook := newTestRouter(t)

	called := false
	r.Subscribe(entity.EventNewMessage, func(entity.Event) { called = true })

	err := r.Route(envelope("somethingElse", `{}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
	assert.False(t, called)

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.WarnLevel, last.Level)
	assert.Equal(t, "somethingElse", last.Data["event"])
}

func Test_Route_MalformedPayload(t *testing.T) {
	r, _ := newTestRouter(t)

	called := false
	On(r, func(entity.RemovedFromGroup) { called = true })

	err := r.Route(envelope("removedFromGroup", `{"chatId": 12`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
	assert.False(t, called)
}

func Test_Decode_GroupWrapperAndBareChat(t *testing.T) {
	r, _ := newTestRouter(t)

	ev, err := r.Decode(envelope("addedToGroup", `{"group":{"_id":"g1","name":"Team","isGroup":true,"members":["u1","u2"]}}`))
	require.NoError(t, err)
	added, ok := ev.(entity.AddedToGroup)
	require.True(t, ok)
	assert.Equal(t, "g1", added.Group.Id)
	assert.Equal(t, "u1", added.Group.AdminId())

	ev, err = r.Decode(envelope("newGroup", `{"_id":"g2","name":"Other","isGroup":true,"members":[{"_id":"u3","name":"Cara"}]}`))
	require.NoError(t, err)
	group := ev.(entity.NewGroup).Group
	assert.Equal(t, "g2", group.Id)
	assert.Equal(t, "Cara", group.Members[0].Name())
}

func Test_Decode_EmptyPayload(t *testing.T) {
	r, _ := newTestRouter(t)

	ev, err := r.Decode(ws.Envelope{Event: "messageError"})
	require.NoError(t, err)
	assert.Equal(t, "Please try again", ev.(entity.MessageError).Text())
}

func Test_Known(t *testing.T) {
	r, _ := newTestRouter(t)
	assert.True(t, r.Known("groupCreated"))
	assert.False(t, r.Known("typing"))
}
