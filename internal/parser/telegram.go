package parser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// TelegramParser reads Telegram Desktop JSON exports
type TelegramParser struct {
	log *zap.Logger
}

// NewTelegramParser creates a new Telegram export parser
func NewTelegramParser(log *zap.Logger) *TelegramParser {
	return &TelegramParser{log: log}
}

// telegramExport represents one exported chat file
type telegramExport struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Messages []telegramMessage `json:"messages"`
}

// telegramMessage represents a single record in a chat export
type telegramMessage struct {
	ID               json.RawMessage `json:"id"`
	Type             string          `json:"type"`
	Date             string          `json:"date"`
	From             *string         `json:"from"`
	FromID           json.RawMessage `json:"from_id"`
	Text             json.RawMessage `json:"text"`
	Photo            string          `json:"photo"`
	File             string          `json:"file"`
	Thumbnail        string          `json:"thumbnail"`
	MediaType        string          `json:"media_type"`
	ReplyToMessageID json.RawMessage `json:"reply_to_message_id"`
}

// Parse parses every chat file found under root
func (p *TelegramParser) Parse(root string) ([]Message, []Chat, error) {
	files, err := findFiles(root)
	if err != nil {
		return nil, nil, err
	}

	var messages []Message
	var chats []Chat

	for _, file := range files {
		export, err := readTelegramFile(file)
		if err != nil {
			p.log.Warn("Failed to parse telegram file", zap.String("file", file), zap.Error(err))
			continue
		}
		if export.Messages == nil {
			continue
		}

		chat := &Chat{
			Name: export.Name,
			Type: telegramChatType(export.Type),
		}
		if chat.Name == "" {
			chat.Name = "unknown"
		}
		chats = append(chats, *chat)

		for _, m := range export.Messages {
			if m.Type != "message" {
				continue
			}

			text := flattenText(m.Text)
			media := telegramMedia(root, filepath.Dir(file), m)
			if text == "" && media == nil {
				continue
			}

			msg := Message{
				AuthorID:   rawID(m.FromID),
				Timestamp:  m.Date,
				Text:       text,
				PlatformID: rawID(m.ID),
				ReplyTo:    rawID(m.ReplyToMessageID),
				Chat:       chat,
			}
			if m.From != nil {
				msg.AuthorName = *m.From
			}
			if media != nil {
				msg.Media = []Media{*media}
			}
			messages = append(messages, msg)
		}
	}

	p.log.Info("Parsed telegram export",
		zap.String("path", root),
		zap.Int("chats", len(chats)),
		zap.Int("messages", len(messages)),
	)
	return messages, chats, nil
}

func readTelegramFile(path string) (*telegramExport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var export telegramExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &export, nil
}

// telegramMedia returns the attachment of m; a file takes precedence over a photo
func telegramMedia(root, dir string, m telegramMessage) *Media {
	var media *Media

	if m.Photo != "" && !strings.Contains(strings.ToLower(m.Photo), "file not included") {
		media = &Media{Type: "photo", Path: resolveMediaPath(root, dir, m.Photo)}
	}

	if m.File != "" && !telegramFileMissing(m.File) {
		media = &Media{Type: telegramMediaType(m.MediaType), Path: resolveMediaPath(root, dir, m.File)}
		if m.Thumbnail != "" {
			media.Thumbnail = resolveMediaPath(root, dir, m.Thumbnail)
		}
	}

	return media
}

// resolveMediaPath joins rel to the chat file's directory, falling back to
// the export root when the file is not there
func resolveMediaPath(root, dir, rel string) string {
	local := filepath.Join(dir, rel)
	if _, err := os.Stat(local); err == nil {
		return local
	}
	return filepath.Join(root, rel)
}

func telegramFileMissing(file string) bool {
	lower := strings.ToLower(file)
	return strings.Contains(lower, "file not included") || strings.Contains(lower, "file exceeds maximum size")
}

func telegramChatType(t string) string {
	if strings.Contains(t, "group") {
		return "group"
	}
	return t
}

func telegramMediaType(t string) string {
	switch {
	case strings.Contains(t, "video"):
		return "video"
	case strings.Contains(t, "animation"):
		return "animation"
	default:
		return "file"
	}
}

// flattenText joins Telegram rich text, which is either a plain string or a
// list of strings and {"type", "text"} entities.
func flattenText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var entity struct {
		Text json.RawMessage `json:"text"`
	}
	if raw[0] == '{' {
		if err := json.Unmarshal(raw, &entity); err == nil {
			return flattenText(entity.Text)
		}
		return ""
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, part := range parts {
			b.WriteString(flattenText(part))
		}
		return b.String()
	}

	return strings.TrimSpace(string(raw))
}
