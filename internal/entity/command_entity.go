package entity

type CommandName string

const (
	CmdJoinRoom            CommandName = "joinRoom"
	CmdLeaveRoom           CommandName = "leaveRoom"
	CmdSendMessage         CommandName = "sendMessage"
	CmdCreatePrivateChat   CommandName = "createPrivateChat"
	CmdCreateGroup         CommandName = "createGroup"
	CmdAddUserToGroup      CommandName = "addUserToGroup"
	CmdRemoveUserFromGroup CommandName = "removeUserFromGroup"
	CmdTyping              CommandName = "typing"
	CmdCreatePoll          CommandName = "createPoll"
	CmdVote                CommandName = "vote"
)

type RoomRequest struct {
	ChatId string `json:"chatId" validate:"required"`
	UserId string `json:"userId" validate:"required"`
}

type SendMessageRequest struct {
	ChatId       string        `json:"chatId" validate:"required"`
	SenderId     string        `json:"senderId" validate:"required"`
	Content      string        `json:"content" validate:"required"`
	Type         MessageType   `json:"type" validate:"required,oneof=text image video file audio"`
	FileMetadata *FileMetadata `json:"fileMetadata,omitempty" validate:"omitempty"`
	ClientRef    string        `json:"clientRef,omitempty"`
}

type CreatePrivateChatRequest struct {
	UserId1   string `json:"userId1" validate:"required"`
	UserId2   string `json:"userId2" validate:"required,nefield=UserId1"`
	ClientRef string `json:"clientRef,omitempty"`
}

type CreateGroupRequest struct {
	Name         string   `json:"name" validate:"required,min=3,max=10,groupname"`
	Participants []string `json:"participants" validate:"min=2,dive,required"`
	CreatedBy    string   `json:"createdBy" validate:"required"`
	ClientRef    string   `json:"clientRef,omitempty"`
}

type AddUserToGroupRequest struct {
	ChatId  string `json:"chatId" validate:"required"`
	UserId  string `json:"userId" validate:"required"`
	AddedBy string `json:"addedBy" validate:"required"`
}

type RemoveUserFromGroupRequest struct {
	ChatId    string `json:"chatId" validate:"required"`
	UserId    string `json:"userId" validate:"required"`
	RemovedBy string `json:"removedBy" validate:"required"`
}

type TypingRequest struct {
	ChatId   string `json:"chatId" validate:"required"`
	UserId   string `json:"userId" validate:"required"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type CreatePollRequest struct {
	ChatId        string   `json:"chatId" validate:"required"`
	SenderId      string   `json:"senderId" validate:"required"`
	Question      string   `json:"question" validate:"required,max=200"`
	Options       []string `json:"options" validate:"min=2,max=10,dive,required"`
	AllowMultiple bool     `json:"allowMultiple"`
}

type VoteRequest struct {
	MessageId   string `json:"messageId" validate:"required"`
	OptionIndex int    `json:"optionIndex" validate:"gte=0"`
	UserId      string `json:"userId" validate:"required"`
}
