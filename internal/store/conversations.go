package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/pkg/types"
)

// Conversation message roles. The chat engine writes exactly these two;
// system prompts are assembled per turn and never persisted.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationMessage is one entry in a chat conversation.
type ConversationMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// Sources cites the knowledge chunks that grounded an assistant reply.
	Sources []types.Source `json:"sources,omitempty"`
}

// Conversation is a persisted chat thread, one JSON file per conversation.
type Conversation struct {
	ID         string `json:"conversation_id"`
	CampaignID string `json:"campaign_id,omitempty"`

	// Title is derived from the first user message.
	Title string `json:"title,omitempty"`

	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
	Messages  []ConversationMessage `json:"messages"`
}

// ConversationStore reads and writes conversations under a directory, one
// file per thread named by its UUID. Append is a locked
// read-modify-write, so concurrent turns on the same conversation cannot
// lose messages.
type ConversationStore struct {
	mu  sync.Mutex
	dir string
}

// NewConversationStore returns a store over dir. The directory is created
// lazily on first write.
func NewConversationStore(dir string) *ConversationStore {
	return &ConversationStore{dir: dir}
}

// Create starts a new conversation, optionally scoped to a campaign, and
// persists it immediately so the id is durable before the first turn runs.
func (s *ConversationStore) Create(campaignID string) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:         uuid.NewString(),
		CampaignID: campaignID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Messages:   []ConversationMessage{},
	}
	if err := s.write(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Get loads a conversation by id. Returns [ErrNotFound] for unknown ids and
// for ids that are not UUIDs, since those cannot name a file this store
// wrote.
func (s *ConversationStore) Get(id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// Append adds a message to a conversation and persists it. The first user
// message becomes the conversation title. A zero CreatedAt on the message
// is filled with the current time.
func (s *ConversationStore) Append(id string, msg ConversationMessage) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.read(id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	conv.Messages = append(conv.Messages, msg)
	if conv.Title == "" && msg.Role == RoleUser {
		conv.Title = conversationTitle(msg.Content)
	}
	conv.UpdatedAt = now

	if err := s.write(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// List loads every conversation, most recently updated first. Unreadable
// files are skipped with a warning.
func (s *ConversationStore) List() ([]*Conversation, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read conversations directory %q: %w", s.dir, err)
	}

	var conversations []*Conversation
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || IsTempFile(e.Name()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("skipping unreadable conversation", "path", path, "error", err)
			continue
		}
		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			slog.Warn("skipping unparseable conversation", "path", path, "error", err)
			continue
		}
		conversations = append(conversations, &conv)
	}

	slices.SortFunc(conversations, func(a, b *Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return conversations, nil
}

func (s *ConversationStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *ConversationStore) read(id string) (*Conversation, error) {
	// Ids are UUIDs assigned by Create. Anything else cannot exist here,
	// and rejecting it before touching the filesystem keeps crafted ids
	// ("../../etc") from ever reaching a path.
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("store: conversation %q: %w", id, ErrNotFound)
	}

	path := s.path(id)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("store: conversation %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read conversation %q: %w", path, err)
	}

	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("store: parse conversation %q: %w", path, err)
	}
	return &conv, nil
}

func (s *ConversationStore) write(conv *Conversation) error {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal conversation %q: %w", conv.ID, err)
	}
	return WriteFileAtomic(s.path(conv.ID), append(data, '\n'))
}

// conversationTitle derives a short display title from the first user
// message: whitespace collapsed, cut at a word boundary near 60 characters.
func conversationTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	const maxRunes = 60
	runes := []rune(title)
	if len(runes) <= maxRunes {
		return title
	}
	truncated := string(runes[:maxRunes])
	if cut := strings.LastIndex(truncated, " "); cut > len(truncated)/2 {
		truncated = truncated[:cut]
	}
	return truncated + "..."
}
