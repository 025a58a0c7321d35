package parser

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

const discordAvatarBaseURL = "https://cdn.discordapp.com/avatars"

// DiscordParser reads Discord channel exports (one JSON array per channel)
type DiscordParser struct {
	log *zap.Logger
}

// NewDiscordParser creates a new Discord export parser
func NewDiscordParser(log *zap.Logger) *DiscordParser {
	return &DiscordParser{log: log}
}

type discordMessage struct {
	ID               json.RawMessage     `json:"id"`
	Name             string              `json:"name"`
	Content          string              `json:"content"`
	Timestamp        string              `json:"timestamp"`
	Author           *discordAuthor      `json:"author"`
	Attachments      []discordAttachment `json:"attachments"`
	MessageReference *struct {
		MessageID json.RawMessage `json:"message_id"`
	} `json:"message_reference"`
}

type discordAuthor struct {
	ID         json.RawMessage `json:"id"`
	Username   string          `json:"username"`
	GlobalName *string         `json:"global_name"`
	Avatar     *string         `json:"avatar"`
}

type discordAttachment struct {
	ProxyURL    string `json:"proxy_url"`
	ContentType string `json:"content_type"`
	Thumbnail   *struct {
		URL string `json:"url"`
	} `json:"thumbnail"`
}

// Parse parses every channel file found under root
func (p *DiscordParser) Parse(root string) ([]Message, []Chat, error) {
	files, err := findFiles(root)
	if err != nil {
		return nil, nil, err
	}

	var messages []Message
	var chats []Chat

	for _, file := range files {
		records, err := readDiscordFile(file)
		if err != nil {
			p.log.Warn("Failed to parse discord file", zap.String("file", file), zap.Error(err))
			continue
		}
		if len(records) == 0 {
			continue
		}

		chat := &Chat{Name: records[0].Name, Type: "channel"}
		if chat.Name == "" {
			chat.Name = "unknown"
		}
		chats = append(chats, *chat)

		for _, m := range records {
			if m.Author == nil || m.Author.GlobalName == nil || *m.Author.GlobalName == "" {
				continue
			}

			media := discordMedia(m.Attachments)
			if m.Content == "" && len(media) == 0 {
				continue
			}

			authorID := rawID(m.Author.ID)
			msg := Message{
				AuthorID:   authorID,
				AuthorName: m.Author.Username,
				Timestamp:  m.Timestamp,
				Text:       m.Content,
				PlatformID: rawID(m.ID),
				Media:      media,
				Chat:       chat,
			}
			if m.Author.Avatar != nil && *m.Author.Avatar != "" {
				msg.Avatar = fmt.Sprintf("%s/%s/%s", discordAvatarBaseURL, authorID, *m.Author.Avatar)
			}
			// Replies point at the referenced message id, never at its author
			if m.MessageReference != nil {
				msg.ReplyTo = rawID(m.MessageReference.MessageID)
			}
			messages = append(messages, msg)
		}
	}

	if len(chats) == 0 {
		return nil, nil, fmt.Errorf("no discord channel files found under %s", root)
	}

	p.log.Info("Parsed discord export",
		zap.String("path", root),
		zap.Int("chats", len(chats)),
		zap.Int("messages", len(messages)),
	)
	return messages, chats, nil
}

func readDiscordFile(path string) ([]discordMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var records []discordMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return records, nil
}

func discordMedia(attachments []discordAttachment) []Media {
	var media []Media
	for _, a := range attachments {
		if a.ProxyURL == "" {
			continue
		}
		m := Media{Type: discordMediaType(a.ContentType), Path: a.ProxyURL}
		if a.Thumbnail != nil {
			m.Thumbnail = a.Thumbnail.URL
		}
		media = append(media, m)
	}
	return media
}

func discordMediaType(contentType string) string {
	switch {
	case strings.Contains(contentType, "image"):
		return "photo"
	case strings.Contains(contentType, "video"):
		return "video"
	default:
		return "file"
	}
}
