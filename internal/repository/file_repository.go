package repository

import (
	"context"

	"chatsync/internal/entity"
)

// FileRepository uploads a file message. The server creates the message and
// pushes it back as newMessage.
type FileRepository interface {
	Upload(ctx context.Context, upload entity.FileUpload) (entity.UploadResponse, error)
}
