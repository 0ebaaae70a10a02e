package repository

import (
	"context"
	"time"

	"chatsync/internal/entity"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// The chat server stores ids as ObjectIDs, but ids reach this client as hex
// strings. Filters match both forms.
func idValues(ids ...string) []any {
	out := make([]any, 0, len(ids)*2)
	for _, id := range ids {
		out = append(out, id)
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			out = append(out, oid)
		}
	}
	return out
}

func idFilter(ids ...string) bson.M {
	return bson.M{"$in": idValues(ids...)}
}

// rawString renders a string, ObjectID or datetime value as a string.
func rawString(v bson.RawValue) string {
	switch v.Type {
	case bsontype.String:
		return v.StringValue()
	case bsontype.ObjectID:
		return v.ObjectID().Hex()
	case bsontype.DateTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case bsontype.Timestamp:
		t, _ := v.Timestamp()
		return time.Unix(int64(t), 0).UTC().Format(time.RFC3339Nano)
	}
	return ""
}

type chatDocument struct {
	Id          string             `bson:"_id"`
	Name        string             `bson:"name"`
	IsGroup     bool               `bson:"isGroup"`
	Members     []entity.MemberRef `bson:"members"`
	LastMessage bson.RawValue      `bson:"lastMessage,omitempty"`
}

type messageDocument struct {
	Id           string               `bson:"_id"`
	ChatId       bson.RawValue        `bson:"chatId"`
	Sender       entity.MemberRef     `bson:"senderId"`
	Content      string               `bson:"content"`
	Type         entity.MessageType   `bson:"type"`
	FileMetadata *entity.FileMetadata `bson:"fileMetadata,omitempty"`
	PollMetadata *entity.PollMetadata `bson:"pollMetadata,omitempty"`
	IsFormatted  bool                 `bson:"isFormatted"`
	Timestamp    bson.RawValue        `bson:"timestamp"`
	CreatedAt    bson.RawValue        `bson:"createdAt"`
}

func (d messageDocument) message() entity.Message {
	msg := entity.Message{
		Id:           d.Id,
		ChatId:       rawString(d.ChatId),
		Sender:       d.Sender,
		Content:      d.Content,
		Type:         d.Type,
		FileMetadata: d.FileMetadata,
		PollMetadata: d.PollMetadata,
		IsFormatted:  d.IsFormatted,
		Timestamp:    rawString(d.Timestamp),
	}
	if msg.Timestamp == "" {
		msg.Timestamp = rawString(d.CreatedAt)
	}
	if !msg.Type.Valid() {
		msg.Type = entity.MessageText
	}
	return msg
}

// memberResolver turns bare member references into snapshots from the
// users collection.
type memberResolver struct {
	users *mongo.Collection
}

func (r memberResolver) lookup(ctx context.Context, refs []entity.MemberRef) (map[string]entity.Member, error) {
	var missing []string
	seen := map[string]bool{}
	for _, ref := range refs {
		if _, ok := ref.Snapshot(); ok || ref.Id() == "" || seen[ref.Id()] {
			continue
		}
		seen[ref.Id()] = true
		missing = append(missing, ref.Id())
	}
	found := map[string]entity.Member{}
	if len(missing) == 0 {
		return found, nil
	}

	cursor, err := r.users.Find(ctx, bson.M{"_id": idFilter(missing...)})
	if err != nil {
		return nil, err
	}
	var members []entity.Member
	if err := cursor.All(ctx, &members); err != nil {
		return nil, err
	}
	for _, m := range members {
		found[m.Id] = m
	}
	return found, nil
}

func resolve(ref entity.MemberRef, found map[string]entity.Member) entity.MemberRef {
	if m, ok := found[ref.Id()]; ok {
		return entity.SnapshotOf(m)
	}
	return ref
}
