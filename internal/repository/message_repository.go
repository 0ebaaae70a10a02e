package repository

import (
	"context"

	"chatsync/internal/entity"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MessageRepository interface {
	// GetByChatId returns the chat's history, oldest first.
	GetByChatId(ctx context.Context, chatId string) ([]entity.Message, error)
}

type messageRepository struct {
	db *mongo.Database
}

func NewMessageRepository(db *mongo.Database) MessageRepository {
	return &messageRepository{
		db: db,
	}
}

func (r *messageRepository) GetByChatId(ctx context.Context, chatId string) ([]entity.Message, error) {
	collection := r.db.Collection("messages")
	filter := bson.M{"chatId": idFilter(chatId)}

	opts := options.Find()
	opts.SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	var docs []messageDocument
	err = cursor.All(ctx, &docs)
	if err != nil {
		return nil, err
	}

	refs := make([]entity.MemberRef, 0, len(docs))
	for _, d := range docs {
		refs = append(refs, d.Sender)
	}
	senders, err := memberResolver{users: r.db.Collection("users")}.lookup(ctx, refs)
	if err != nil {
		return nil, err
	}

	messages := make([]entity.Message, 0, len(docs))
	for _, d := range docs {
		msg := d.message()
		msg.Sender = resolve(msg.Sender, senders)
		messages = append(messages, msg)
	}

	return messages, nil
}
