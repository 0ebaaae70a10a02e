package entity

import "time"

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a user-facing message left for the presentation layer.
type Notice struct {
	Level      NoticeLevel `json:"level"`
	Title      string      `json:"title"`
	Message    string      `json:"message"`
	SubMessage string      `json:"subMessage,omitempty"`
	ChatId     string      `json:"chatId,omitempty"`
	At         time.Time   `json:"at"`
}
