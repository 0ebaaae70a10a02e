package repository

import (
	"context"
	"errors"
	"regexp"

	"chatsync/internal/entity"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrUploadRejected = errors.New("upload rejected by server")
)

type ChatRepository interface {
	// Index returns the user's chats, most recently updated first, filtered
	// by name when search is set.
	Index(ctx context.Context, userId, search string) ([]entity.Chat, error)
}

type chatRepository struct {
	db *mongo.Database
}

func NewChatRepository(db *mongo.Database) ChatRepository {
	return &chatRepository{
		db: db,
	}
}

func (r *chatRepository) Index(ctx context.Context, userId, search string) ([]entity.Chat, error) {
	collection := r.db.Collection("chats")

	filter := bson.M{"members": idFilter(userId)}
	if search != "" {
		filter["name"] = bson.M{"$regex": regexp.QuoteMeta(search), "$options": "i"}
	}
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}})

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []chatDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	var refs []entity.MemberRef
	var lastIds []string
	for _, d := range docs {
		refs = append(refs, d.Members...)
		if d.LastMessage.Type != bsontype.EmbeddedDocument {
			if id := rawString(d.LastMessage); id != "" {
				lastIds = append(lastIds, id)
			}
		}
	}

	members, err := memberResolver{users: r.db.Collection("users")}.lookup(ctx, refs)
	if err != nil {
		return nil, err
	}
	lastMessages, err := r.lastMessages(ctx, lastIds)
	if err != nil {
		return nil, err
	}

	chats := make([]entity.Chat, 0, len(docs))
	for _, d := range docs {
		chat := entity.Chat{
			Id:      d.Id,
			Name:    d.Name,
			IsGroup: d.IsGroup,
			Members: make([]entity.MemberRef, 0, len(d.Members)),
		}
		for _, m := range d.Members {
			chat.Members = append(chat.Members, resolve(m, members))
		}

		if d.LastMessage.Type == bsontype.EmbeddedDocument {
			var doc messageDocument
			if err := d.LastMessage.Unmarshal(&doc); err == nil {
				chat.LastMessage = doc.message().LastMessage()
			}
		} else if lm, ok := lastMessages[rawString(d.LastMessage)]; ok {
			chat.LastMessage = lm
		}

		chats = append(chats, chat)
	}

	return chats, nil
}

// lastMessages loads the messages referenced by id from chat documents.
func (r *chatRepository) lastMessages(ctx context.Context, ids []string) (map[string]*entity.LastMessage, error) {
	out := map[string]*entity.LastMessage{}
	if len(ids) == 0 {
		return out, nil
	}

	cursor, err := r.db.Collection("messages").Find(ctx, bson.M{"_id": idFilter(ids...)})
	if err != nil {
		return nil, err
	}
	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	for _, d := range docs {
		out[d.Id] = d.message().LastMessage()
	}
	return out, nil
}
