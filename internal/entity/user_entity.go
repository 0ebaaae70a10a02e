package entity

import "time"

type User struct {
	Id       string     `bson:"_id" json:"_id"`
	Name     string     `bson:"name" json:"name"`
	Email    string     `bson:"email" json:"email"`
	Avatar   string     `bson:"avatar,omitempty" json:"avatar,omitempty"`
	IsOnline bool       `bson:"isOnline" json:"isOnline"`
	LastSeen *time.Time `bson:"lastSeen,omitempty" json:"lastSeen,omitempty"`
}

// Viewer is the active user as seen by every state transition.
// It is passed explicitly instead of being read from shared state.
type Viewer struct {
	UserId string `json:"userId"`
	Name   string `json:"name"`
}

func NewViewer(user User) Viewer {
	return Viewer{UserId: user.Id, Name: user.Name}
}

// Is reports whether id refers to the viewer. An empty id never matches.
func (v Viewer) Is(id string) bool {
	return id != "" && v.UserId == id
}
