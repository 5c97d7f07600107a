package telegram

import (
	"fmt"

	"github.com/gotd/td/tg"

	"github.com/telefiles/telefiles/pkg/tflib"
)

// fileInfo is the downloadable content extracted from message media.
type fileInfo struct {
	fileID   int32
	uniqueID string
	fileType tflib.FileType
	name     string
	size     int64
}

// shortID folds a 64-bit Telegram object id into the 31-bit file id space the
// engine carries around. Collisions are harmless: uniqueID is the identity.
func shortID(id int64) int32 {
	return int32(uint32(id) ^ uint32(uint64(id)>>32))
}

// extractFile pulls file metadata out of message media. ok is false when the
// message carries no downloadable content.
func extractFile(media tg.MessageMediaClass) (fileInfo, bool) {
	switch md := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := md.Photo.(*tg.Photo)
		if !ok {
			return fileInfo{}, false
		}
		return fileInfo{
			fileID:   shortID(photo.ID),
			uniqueID: fmt.Sprintf("p%d", photo.ID),
			fileType: tflib.FileTypePhoto,
			size:     int64(largestPhotoSize(photo.Sizes)),
		}, true

	case *tg.MessageMediaDocument:
		doc, ok := md.Document.(*tg.Document)
		if !ok {
			return fileInfo{}, false
		}
		info := fileInfo{
			fileID:   shortID(doc.ID),
			uniqueID: fmt.Sprintf("d%d", doc.ID),
			fileType: tflib.FileTypeFile,
			size:     doc.Size,
		}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeVideo:
				info.fileType = tflib.FileTypeVideo
			case *tg.DocumentAttributeAudio:
				info.fileType = tflib.FileTypeAudio
			case *tg.DocumentAttributeFilename:
				info.name = a.FileName
			}
		}
		return info, true
	}
	return fileInfo{}, false
}

// largestPhotoSize returns the byte size of the biggest available photo size.
func largestPhotoSize(sizes []tg.PhotoSizeClass) int {
	best := 0
	for _, s := range sizes {
		if ps, ok := s.(*tg.PhotoSize); ok && ps.Size > best {
			best = ps.Size
		}
	}
	return best
}

// largestThumbType returns the type string of the biggest photo size, used as
// the thumb selector of a photo file location.
func largestThumbType(sizes []tg.PhotoSizeClass) string {
	best := 0
	typ := "x"
	for _, s := range sizes {
		if ps, ok := s.(*tg.PhotoSize); ok && ps.Size > best {
			best = ps.Size
			typ = ps.Type
		}
	}
	return typ
}

// convertMessage maps a raw message to the engine's view. Messages without
// downloadable media come back with empty file fields; the engine skips those.
func convertMessage(chatID int64, msg *tg.Message) tflib.Message {
	out := tflib.Message{
		ChatID:    chatID,
		MessageID: int64(msg.ID),
		Date:      int64(msg.Date),
	}
	if info, ok := extractFile(msg.Media); ok {
		out.FileID = info.fileID
		out.FileUniqueID = info.uniqueID
		out.FileType = info.fileType
		out.FileName = info.name
		out.Size = info.size
	}
	// A message replying inside a thread identifies the thread by its top
	// message; its thread chat is its own chat. Channel posts resolve their
	// discussion thread separately via GetMessageThread.
	if reply, ok := msg.GetReplyTo(); ok {
		if h, ok := reply.(*tg.MessageReplyHeader); ok && h.ReplyToTopID != 0 {
			out.ThreadChatID = chatID
			out.MessageThreadID = int64(h.ReplyToTopID)
		}
	}
	return out
}

// collectMessages converts the raw messages of a search or fetch response,
// keeping only real messages.
func collectMessages(chatID int64, raw []tg.MessageClass) []tflib.Message {
	out := make([]tflib.Message, 0, len(raw))
	for _, mc := range raw {
		if msg, ok := mc.(*tg.Message); ok {
			out = append(out, convertMessage(chatID, msg))
		}
	}
	return out
}
