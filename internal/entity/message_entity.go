package entity

import (
	"encoding/json"
	"io"
)

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageVideo  MessageType = "video"
	MessageFile   MessageType = "file"
	MessageAudio  MessageType = "audio"
	MessageSystem MessageType = "system"
	MessagePoll   MessageType = "poll"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageFile, MessageAudio, MessageSystem, MessagePoll:
		return true
	}
	return false
}

type FileMetadata struct {
	OriginalName string `bson:"originalName" json:"originalName" validate:"required"`
	FileName     string `bson:"fileName" json:"fileName" validate:"required"`
	FileSize     int64  `bson:"fileSize" json:"fileSize" validate:"gte=0"`
	MimeType     string `bson:"mimeType" json:"mimeType"`
	Url          string `bson:"url" json:"url"`
}

type Message struct {
	Id           string        `bson:"_id" json:"_id"`
	ChatId       string        `bson:"chatId" json:"chatId"`
	Sender       MemberRef     `bson:"senderId" json:"sender"`
	Content      string        `bson:"content" json:"content"`
	Type         MessageType   `bson:"type" json:"type"`
	FileMetadata *FileMetadata `bson:"fileMetadata,omitempty" json:"fileMetadata,omitempty"`
	PollMetadata *PollMetadata `bson:"pollMetadata,omitempty" json:"pollMetadata,omitempty"`
	IsFormatted  bool          `bson:"isFormatted" json:"isFormatted"`
	Timestamp    string        `bson:"timestamp" json:"timestamp"`

	// Self is computed on ingestion from Sender and the viewer; it is never
	// taken from the wire.
	Self bool `bson:"-" json:"self"`
}

// UnmarshalJSON accepts the sender under "sender" or, failing that, "senderId".
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		SenderId *MemberRef `json:"senderId,omitempty"`
	}{alias: (*alias)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if m.Sender.IsZero() && aux.SenderId != nil {
		m.Sender = *aux.SenderId
	}
	if !m.Type.Valid() {
		m.Type = MessageText
	}
	m.Self = false
	return nil
}

// Ingest recomputes Self for v and normalizes poll votes. Every path that
// brings a message into local state goes through it.
func (m Message) Ingest(v Viewer) Message {
	m.Self = v.Is(m.Sender.Id())
	if m.PollMetadata != nil {
		p := m.PollMetadata.Clone()
		p.Normalize()
		m.PollMetadata = &p
	}
	return m
}

func (m Message) IsPoll() bool {
	return m.Type == MessagePoll && m.PollMetadata != nil
}

func (m Message) LastMessage() *LastMessage {
	return &LastMessage{
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Type:      m.Type,
		SenderId:  m.Sender.Id(),
	}
}

func IngestAll(v Viewer, messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Ingest(v))
	}
	return out
}

// UploadResponse is returned by the file upload endpoint. The server spells
// the message field "messsage".
type UploadResponse struct {
	Success bool     `json:"success"`
	Message *Message `json:"messsage,omitempty"`
}

// FileUpload is a file message on its way to the upload endpoint.
type FileUpload struct {
	ChatId   string
	SenderId string
	FileName string
	Size     int64
	Content  io.Reader
}
