// Package parser turns platform export archives into messages and chats
// ready for ingestion.
package parser

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Media is an attachment locator as found in an export
type Media struct {
	Type      string `json:"type"` // photo, video, animation, file
	Path      string `json:"path"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Chat is a conversation as found in an export. Its canon id is derived from
// OriginID, Name and Type.
type Chat struct {
	OriginID string `json:"origin_id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
	Type     string `json:"type"`
}

// Message is one parsed record. Chat is a back-reference used only during
// ingestion; ReplyTo holds the platform id of the replied-to message in the
// same chat.
type Message struct {
	AuthorID   string  `json:"author_id"`
	AuthorName string  `json:"author_name"`
	Avatar     string  `json:"avatar,omitempty"`
	Timestamp  string  `json:"timestamp"`
	Text       string  `json:"text"`
	PlatformID string  `json:"platform_id,omitempty"`
	ReplyTo    string  `json:"reply_to,omitempty"`
	Media      []Media `json:"media,omitempty"`
	Chat       *Chat   `json:"-"`
}

// Parser reads an export rooted at path
type Parser interface {
	Parse(path string) ([]Message, []Chat, error)
}

// ParserFunc adapts a function to the Parser interface
type ParserFunc func(path string) ([]Message, []Chat, error)

func (f ParserFunc) Parse(path string) ([]Message, []Chat, error) { return f(path) }

// Registry maps platform names to parsers
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
	log     *zap.Logger
}

// NewRegistry creates an empty parser registry
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{parsers: make(map[string]Parser), log: log}
}

// NewDefaultRegistry creates a registry with the built-in platform parsers
func NewDefaultRegistry(log *zap.Logger) *Registry {
	r := NewRegistry(log)
	r.Register("telegram", NewTelegramParser(log))
	r.Register("discord", NewDiscordParser(log))
	return r
}

// Register binds a parser to a platform, replacing any previous one
func (r *Registry) Register(platform string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[platform] = p
	r.log.Debug("Registered parser", zap.String("platform", platform))
}

// Platforms lists registered platform names in order
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse runs the parser registered for platform
func (r *Registry) Parse(platform, path string) ([]Message, []Chat, error) {
	r.mu.RLock()
	p, ok := r.parsers[platform]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("no parser for platform: %s", platform)
	}
	return p.Parse(path)
}

// findFiles returns every .json file under root in walk order
func findFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".json") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return files, nil
}

// rawID normalizes a JSON id that may be a number or a string
func rawID(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}
