package entity

type Chat struct {
	Id          string       `bson:"_id" json:"_id"`
	Name        string       `bson:"name" json:"name"`
	IsGroup     bool         `bson:"isGroup" json:"isGroup"`
	Members     []MemberRef  `bson:"members" json:"members"`
	LastMessage *LastMessage `bson:"lastMessage,omitempty" json:"lastMessage,omitempty"`
	HasUnread   bool         `bson:"hasUnread,omitempty" json:"hasUnread,omitempty"`
}

type LastMessage struct {
	Content   string      `bson:"content,omitempty" json:"content,omitempty"`
	Timestamp string      `bson:"timestamp,omitempty" json:"timestamp,omitempty"`
	Type      MessageType `bson:"type,omitempty" json:"type,omitempty"`
	SenderId  string      `bson:"senderId,omitempty" json:"senderId,omitempty"`
}

// AdminId returns the id of members[0] for group chats. Admin status is
// positional: there is no role field.
func (c Chat) AdminId() string {
	if !c.IsGroup || len(c.Members) == 0 {
		return ""
	}
	return c.Members[0].Id()
}

func (c Chat) IsAdmin(v Viewer) bool {
	return v.Is(c.AdminId())
}

func (c Chat) HasMember(userId string) bool {
	_, ok := c.Member(userId)
	return ok
}

func (c Chat) Member(userId string) (MemberRef, bool) {
	for _, m := range c.Members {
		if m.Id() == userId {
			return m, true
		}
	}
	return MemberRef{}, false
}

func (c Chat) MemberIds() []string {
	ids := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.Id())
	}
	return ids
}

// DisplayName is the group name, or the other participant's name for private chats.
func (c Chat) DisplayName(v Viewer) string {
	if c.IsGroup {
		return c.Name
	}
	for _, m := range c.Members {
		if !v.Is(m.Id()) {
			if s, ok := m.Snapshot(); ok && s.Name != "" {
				return s.Name
			}
			break
		}
	}
	return "Unknown User"
}

// Clone copies the member list so the returned chat shares no slices with c.
func (c Chat) Clone() Chat {
	out := c
	if c.Members != nil {
		out.Members = make([]MemberRef, len(c.Members))
		copy(out.Members, c.Members)
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// Preview renders the last message the way the chat list shows it.
func (l *LastMessage) Preview() string {
	if l == nil {
		return "No messages yet"
	}

	switch l.Type {
	case MessageSystem:
		if l.Content == "" {
			return "System message"
		}
		return l.Content
	case MessageText:
		runes := []rune(l.Content)
		if len(runes) > 40 {
			return string(runes[:40]) + "..."
		}
		return l.Content
	case MessageImage:
		return "📷 Image"
	case MessageVideo:
		return "🎥 Video"
	case MessageAudio:
		return "🎵 Audio"
	case MessageFile:
		return "📎 File"
	}

	return "New message"
}
