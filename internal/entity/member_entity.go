package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

var ErrInvalidMemberRef = errors.New("member reference must be an id or an object")

// Member is a snapshot of a user taken when they joined a chat.
type Member struct {
	Id     string `bson:"_id" json:"_id"`
	Name   string `bson:"name" json:"name"`
	Email  string `bson:"email" json:"email"`
	Avatar string `bson:"avatar,omitempty" json:"avatar,omitempty"`
}

// MemberRef is a member as delivered by the server: either a bare id or a
// full snapshot. The shape is resolved once while decoding.
type MemberRef struct {
	id       string
	snapshot *Member
}

func RefOf(id string) MemberRef {
	return MemberRef{id: id}
}

func SnapshotOf(m Member) MemberRef {
	return MemberRef{id: m.Id, snapshot: &m}
}

func (r MemberRef) Id() string {
	return r.id
}

func (r MemberRef) Snapshot() (Member, bool) {
	if r.snapshot == nil {
		return Member{Id: r.id}, false
	}
	return *r.snapshot, true
}

func (r MemberRef) Name() string {
	if r.snapshot == nil || r.snapshot.Name == "" {
		return "Unknown"
	}
	return r.snapshot.Name
}

func (r MemberRef) Email() string {
	if r.snapshot == nil {
		return ""
	}
	return r.snapshot.Email
}

func (r MemberRef) IsZero() bool {
	return r.id == "" && r.snapshot == nil
}

func (r MemberRef) MarshalJSON() ([]byte, error) {
	if r.snapshot != nil {
		return json.Marshal(r.snapshot)
	}
	return json.Marshal(r.id)
}

func (r *MemberRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = MemberRef{}
		return nil
	}

	switch data[0] {
	case '"':
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = RefOf(id)
		return nil
	case '{':
		var m Member
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*r = SnapshotOf(m)
		return nil
	}

	return fmt.Errorf("%w: %s", ErrInvalidMemberRef, string(data))
}

// UnmarshalBSONValue accepts a string id, an ObjectID, or an embedded user document.
func (r *MemberRef) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	raw := bson.RawValue{Type: t, Value: data}

	if id, ok := raw.StringValueOK(); ok {
		*r = RefOf(id)
		return nil
	}
	if oid, ok := raw.ObjectIDOK(); ok {
		*r = RefOf(oid.Hex())
		return nil
	}
	if t == bsontype.EmbeddedDocument {
		var m Member
		if err := raw.Unmarshal(&m); err != nil {
			return err
		}
		*r = SnapshotOf(m)
		return nil
	}
	if t == bsontype.Null || t == bsontype.Undefined {
		*r = MemberRef{}
		return nil
	}

	return fmt.Errorf("%w: bson type %s", ErrInvalidMemberRef, t)
}
