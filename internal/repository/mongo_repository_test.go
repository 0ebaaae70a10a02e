package repository

import (
	"context"
	"testing"
	"time"

	"chatsync/internal/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func Test_ChatRepository_Index(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("resolves members and last messages", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "chat.chats", mtest.FirstBatch,
				bson.D{
					{Key: "_id", Value: "c1"},
					{Key: "name", Value: "Team"},
					{Key: "isGroup", Value: true},
					{Key: "members", Value: bson.A{"u1", "u2"}},
					{Key: "lastMessage", Value: bson.D{
						{Key: "content", Value: "hi"},
						{Key: "type", Value: "text"},
						{Key: "senderId", Value: "u2"},
					}},
				},
				bson.D{
					{Key: "_id", Value: "c2"},
					{Key: "isGroup", Value: false},
					{Key: "members", Value: bson.A{"u1", bson.D{{Key: "_id", Value: "u3"}, {Key: "name", Value: "Cara"}}}},
					{Key: "lastMessage", Value: "m7"},
				},
			),
			mtest.CreateCursorResponse(0, "chat.users", mtest.FirstBatch,
				bson.D{{Key: "_id", Value: "u1"}, {Key: "name", Value: "Ana"}},
				bson.D{{Key: "_id", Value: "u2"}, {Key: "name", Value: "Bob"}},
			),
			mtest.CreateCursorResponse(0, "chat.messages", mtest.FirstBatch,
				bson.D{
					{Key: "_id", Value: "m7"},
					{Key: "chatId", Value: "c2"},
					{Key: "senderId", Value: "u3"},
					{Key: "content", Value: "yo"},
					{Key: "type", Value: "image"},
				},
			),
		)

		chats, err := NewChatRepository(mt.DB).Index(context.Background(), "u1", "")
		require.NoError(mt, err)
		require.Len(mt, chats, 2)

		team := chats[0]
		assert.Equal(mt, "c1", team.Id)
		assert.Equal(mt, "u1", team.AdminId())
		assert.Equal(mt, "Ana", team.Members[0].Name())
		assert.Equal(mt, "Bob", team.Members[1].Name())
		require.NotNil(mt, team.LastMessage)
		assert.Equal(mt, "hi", team.LastMessage.Content)
		assert.Equal(mt, "u2", team.LastMessage.SenderId)

		private := chats[1]
		assert.Equal(mt, "Cara", private.Members[1].Name(), "embedded snapshots are kept")
		require.NotNil(mt, private.LastMessage)
		assert.Equal(mt, entity.MessageImage, private.LastMessage.Type)
		assert.Equal(mt, "u3", private.LastMessage.SenderId)
	})

	mt.Run("query error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    2,
			Message: "bad query",
			Name:    "BadValue",
		}))

		_, err := NewChatRepository(mt.DB).Index(context.Background(), "u1", "team")
		assert.Error(mt, err)
	})
}

func Test_MessageRepository_GetByChatId(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("resolves senders", func(mt *mtest.T) {
		first := primitive.NewObjectID()
		chatId := primitive.NewObjectID()
		at := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "chat.messages", mtest.FirstBatch,
				bson.D{
					{Key: "_id", Value: first},
					{Key: "chatId", Value: "c1"},
					{Key: "senderId", Value: "u2"},
					{Key: "content", Value: "hello"},
					{Key: "timestamp", Value: at},
				},
				bson.D{
					{Key: "_id", Value: "m2"},
					{Key: "chatId", Value: "c1"},
					{Key: "senderId", Value: bson.D{{Key: "_id", Value: "u1"}, {Key: "name", Value: "Ana"}}},
					{Key: "content", Value: "yo"},
					{Key: "type", Value: "sticker"},
					{Key: "createdAt", Value: at},
				},
			),
			mtest.CreateCursorResponse(0, "chat.users", mtest.FirstBatch,
				bson.D{{Key: "_id", Value: "u2"}, {Key: "name", Value: "Bob"}},
			),
		)

		messages, err := NewMessageRepository(mt.DB).GetByChatId(context.Background(), chatId.Hex())
		require.NoError(mt, err)
		require.Len(mt, messages, 2)

		started := mt.GetStartedEvent()
		require.NotNil(mt, started)
		assert.Equal(mt, "find", started.CommandName)
		ids, ok := started.Command.Lookup("filter", "chatId", "$in").ArrayOK()
		require.True(mt, ok)
		values, err := ids.Values()
		require.NoError(mt, err)
		require.Len(mt, values, 2, "hex ids match both string and ObjectID forms")
		assert.Equal(mt, chatId.Hex(), values[0].StringValue())
		assert.Equal(mt, chatId, values[1].ObjectID())

		assert.Equal(mt, first.Hex(), messages[0].Id)
		assert.Equal(mt, "Bob", messages[0].Sender.Name())
		assert.Equal(mt, "2024-05-01T10:30:00Z", messages[0].Timestamp)
		assert.Equal(mt, entity.MessageText, messages[0].Type)

		assert.Equal(mt, "Ana", messages[1].Sender.Name())
		assert.Equal(mt, "2024-05-01T10:30:00Z", messages[1].Timestamp, "falls back to createdAt")
		assert.Equal(mt, entity.MessageText, messages[1].Type, "unknown types render as text")
	})
}

func Test_UserRepository_Get(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("found", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "chat.users", mtest.FirstBatch,
			bson.D{{Key: "_id", Value: "u2"}, {Key: "name", Value: "Bob"}},
		))

		user, err := NewUserRepository(mt.DB).Get(context.Background(), "u2")
		require.NoError(mt, err)
		assert.Equal(mt, "Bob", user.Name)
	})

	mt.Run("missing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "chat.users", mtest.FirstBatch))

		_, err := NewUserRepository(mt.DB).Get(context.Background(), "u9")
		assert.ErrorIs(mt, err, ErrUserNotFound)
	})
}
