// Package convstore persists conversations as one JSON file each under a
// data directory. Writes go through a temp file and rename, so a crash
// never leaves a half-written conversation behind.
package convstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// titleWords is how many leading words of the first message become the
// conversation title.
const titleWords = 6

// Message is one stored conversation entry.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is the persisted record.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// Summary is a conversation without its messages, for listings.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes conversations under dir.
type Store struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	s := &Store{dir: dir, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create starts a new conversation titled from the first message.
func (s *Store) Create(firstMessage string) (*Conversation, error) {
	now := time.Now()
	c := &Conversation{
		ID:        uuid.NewString(),
		Title:     TitleFrom(firstMessage),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.write(c); err != nil {
		return nil, err
	}
	s.logger.Debug("conversation created", "conversation_id", c.ID, "title", c.Title)
	return c, nil
}

// Get loads a conversation by ID.
func (s *Store) Get(id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// List returns summaries of all conversations, most recently updated first.
func (s *Store) List() ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	var out []Summary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		c, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			s.logger.Warn("skipping unreadable conversation file", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, Summary{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// AppendMessage adds a message and bumps UpdatedAt.
func (s *Store) AppendMessage(id, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.read(id)
	if err != nil {
		return err
	}
	c.Messages = append(c.Messages, Message{Role: role, Content: content, CreatedAt: time.Now()})
	c.UpdatedAt = time.Now()
	return s.writeLocked(c)
}

// SetTitle renames a conversation.
func (s *Store) SetTitle(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.read(id)
	if err != nil {
		return err
	}
	c.Title = title
	c.UpdatedAt = time.Now()
	return s.writeLocked(c)
}

// Delete removes a conversation file. Missing files are not an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

func (s *Store) path(id string) string {
	// IDs are UUIDs we minted; the Base strips anything path-like anyway.
	return filepath.Join(s.dir, filepath.Base(id)+".json")
}

func (s *Store) read(id string) (*Conversation, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("read conversation %s: %w", id, err)
	}
	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *Store) write(c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(c)
}

// writeLocked writes via temp file + rename. Caller holds s.mu.
func (s *Store) writeLocked(c *Conversation) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", c.ID, err)
	}
	tmp := s.path(c.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write conversation %s: %w", c.ID, err)
	}
	if err := os.Rename(tmp, s.path(c.ID)); err != nil {
		return fmt.Errorf("write conversation %s: %w", c.ID, err)
	}
	return nil
}

// TitleFrom derives a title from a message: the first few words, with an
// ellipsis when truncated.
func TitleFrom(message string) string {
	fields := strings.Fields(strings.TrimSpace(message))
	if len(fields) == 0 {
		return "Nova conversa"
	}
	if len(fields) <= titleWords {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[:titleWords], " ") + "..."
}
