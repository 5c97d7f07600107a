package telegram

import (
	"testing"

	"github.com/gotd/td/tg"

	"github.com/telefiles/telefiles/pkg/tflib"
)

func TestExtractFilePhoto(t *testing.T) {
	media := &tg.MessageMediaPhoto{
		Photo: &tg.Photo{
			ID: 42,
			Sizes: []tg.PhotoSizeClass{
				&tg.PhotoSize{Type: "m", Size: 100},
				&tg.PhotoSize{Type: "x", Size: 5000},
			},
		},
	}
	info, ok := extractFile(media)
	if !ok {
		t.Fatalf("expected photo media to be extractable")
	}
	if info.fileType != tflib.FileTypePhoto {
		t.Fatalf("expected photo type, got %q", info.fileType)
	}
	if info.uniqueID != "p42" {
		t.Fatalf("unexpected unique id %q", info.uniqueID)
	}
	if info.size != 5000 {
		t.Fatalf("expected largest size 5000, got %d", info.size)
	}
}

func TestExtractFileDocumentKinds(t *testing.T) {
	doc := func(attrs ...tg.DocumentAttributeClass) *tg.MessageMediaDocument {
		return &tg.MessageMediaDocument{
			Document: &tg.Document{ID: 7, Size: 1024, Attributes: attrs},
		}
	}
	cases := []struct {
		name  string
		media *tg.MessageMediaDocument
		want  tflib.FileType
	}{
		{"plain", doc(), tflib.FileTypeFile},
		{"video", doc(&tg.DocumentAttributeVideo{}), tflib.FileTypeVideo},
		{"audio", doc(&tg.DocumentAttributeAudio{}), tflib.FileTypeAudio},
	}
	for _, tc := range cases {
		info, ok := extractFile(tc.media)
		if !ok {
			t.Fatalf("%s: expected extractable media", tc.name)
		}
		if info.fileType != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, info.fileType)
		}
		if info.uniqueID != "d7" {
			t.Fatalf("%s: unexpected unique id %q", tc.name, info.uniqueID)
		}
	}
}

func TestExtractFileName(t *testing.T) {
	media := &tg.MessageMediaDocument{
		Document: &tg.Document{
			ID: 9,
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeFilename{FileName: "report.pdf"},
			},
		},
	}
	info, ok := extractFile(media)
	if !ok {
		t.Fatalf("expected extractable media")
	}
	if info.name != "report.pdf" {
		t.Fatalf("expected filename, got %q", info.name)
	}
}

func TestExtractFileNoMedia(t *testing.T) {
	if _, ok := extractFile(&tg.MessageMediaWebPage{}); ok {
		t.Fatalf("web page media must not be extractable")
	}
	if _, ok := extractFile(nil); ok {
		t.Fatalf("nil media must not be extractable")
	}
}

func TestConvertMessageThreadIdentity(t *testing.T) {
	msg := &tg.Message{ID: 55, Date: 1700000000}
	msg.SetReplyTo(&tg.MessageReplyHeader{ReplyToTopID: 12})

	out := convertMessage(88, msg)
	if out.ChatID != 88 || out.MessageID != 55 {
		t.Fatalf("unexpected identity %d/%d", out.ChatID, out.MessageID)
	}
	if out.ThreadChatID != 88 || out.MessageThreadID != 12 {
		t.Fatalf("expected thread (88, 12), got (%d, %d)", out.ThreadChatID, out.MessageThreadID)
	}
	if out.FileUniqueID != "" {
		t.Fatalf("message without media must have no file identity")
	}
}

func TestConvertMessageNoThread(t *testing.T) {
	out := convertMessage(88, &tg.Message{ID: 55})
	if out.ThreadChatID != 0 || out.MessageThreadID != 0 {
		t.Fatalf("expected zero thread fields, got (%d, %d)", out.ThreadChatID, out.MessageThreadID)
	}
}

func TestSearchFilterMapping(t *testing.T) {
	cases := []struct {
		in   tflib.FileType
		want tg.MessagesFilterClass
	}{
		{tflib.FileTypePhoto, &tg.InputMessagesFilterPhotos{}},
		{tflib.FileTypeVideo, &tg.InputMessagesFilterVideo{}},
		{tflib.FileTypeAudio, &tg.InputMessagesFilterMusic{}},
		{tflib.FileTypeFile, &tg.InputMessagesFilterDocument{}},
		{tflib.FileType(""), &tg.InputMessagesFilterEmpty{}},
	}
	for _, tc := range cases {
		got := searchFilter(tc.in)
		if got.TypeID() != tc.want.TypeID() {
			t.Fatalf("%q: expected %T, got %T", tc.in, tc.want, got)
		}
	}
}

func TestShortIDStable(t *testing.T) {
	a := shortID(1 << 40)
	b := shortID(1 << 40)
	if a != b {
		t.Fatalf("shortID must be deterministic")
	}
	if shortID(1) == shortID(2) {
		t.Fatalf("distinct small ids must not collide")
	}
}

func TestPeerID(t *testing.T) {
	if got := peerID(&tg.PeerChannel{ChannelID: 5}); got != 5 {
		t.Fatalf("channel peer: got %d", got)
	}
	if got := peerID(&tg.PeerChat{ChatID: 6}); got != 6 {
		t.Fatalf("chat peer: got %d", got)
	}
	if got := peerID(&tg.PeerUser{UserID: 7}); got != 7 {
		t.Fatalf("user peer: got %d", got)
	}
	if got := peerID(nil); got != 0 {
		t.Fatalf("nil peer: got %d", got)
	}
}
