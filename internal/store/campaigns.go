package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// campaignsFileVersion is the document version written to campaigns.json.
// Files claiming a newer version are refused rather than silently rewritten.
const campaignsFileVersion = 1

// Campaign is one record in the campaign registry. Campaigns own sessions,
// profiles, and narratives by reference: those records carry the campaign id
// (plus the display name frozen at tagging time), never a copy of the
// mutable fields here.
type Campaign struct {
	// ID is the generated UUID identifying this campaign everywhere else.
	ID string `json:"campaign_id"`

	// Name is the display name, unique case-insensitively within the registry.
	Name string `json:"name"`

	// Description is a free-text summary of the campaign.
	Description string `json:"description,omitempty"`

	// PartyID optionally links the campaign to a party roster file.
	PartyID string `json:"party_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// campaignsFile is the on-disk document shape of campaigns.json.
type campaignsFile struct {
	Version   int        `json:"version"`
	Campaigns []Campaign `json:"campaigns"`
}

// CampaignStore is the single writer of the campaign registry file.
// It loads the file once and keeps the records in memory; every mutation is
// persisted with an atomic rewrite before it returns.
type CampaignStore struct {
	mu        sync.RWMutex
	path      string
	campaigns []Campaign
}

// OpenCampaignStore loads the registry at path. A missing file is an empty
// registry, not an error.
func OpenCampaignStore(path string) (*CampaignStore, error) {
	s := &CampaignStore{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CampaignStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read campaigns file %q: %w", s.path, err)
	}

	var doc campaignsFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("store: parse campaigns file %q: %w", s.path, err)
	}
	// Version 0 means a file written before the version field existed.
	if doc.Version > campaignsFileVersion {
		return fmt.Errorf("store: campaigns file %q has version %d, newest supported is %d",
			s.path, doc.Version, campaignsFileVersion)
	}
	s.campaigns = doc.Campaigns
	return nil
}

// save persists the registry atomically. Callers must hold the write lock.
func (s *CampaignStore) save() error {
	doc := campaignsFile{Version: campaignsFileVersion, Campaigns: s.campaigns}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal campaigns: %w", err)
	}
	return WriteFileAtomic(s.path, append(data, '\n'))
}

// Create registers a new campaign and persists the registry. The ID and
// timestamps are assigned here; Name, Description, and PartyID are taken
// from c. Returns [ErrDuplicateName] if the name is already taken,
// comparing case-insensitively.
func (s *CampaignStore) Create(c Campaign) (Campaign, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return Campaign{}, fmt.Errorf("store: campaign name must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.campaigns {
		if strings.EqualFold(existing.Name, c.Name) {
			return Campaign{}, fmt.Errorf("store: create campaign %q: %w", c.Name, ErrDuplicateName)
		}
	}

	now := time.Now().UTC()
	c.ID = uuid.NewString()
	c.CreatedAt = now
	c.UpdatedAt = now

	s.campaigns = append(s.campaigns, c)
	if err := s.save(); err != nil {
		s.campaigns = s.campaigns[:len(s.campaigns)-1]
		return Campaign{}, err
	}
	return c, nil
}

// Get retrieves a campaign by id. Returns [ErrNotFound] when absent.
func (s *CampaignStore) Get(id string) (Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.campaigns {
		if c.ID == id {
			return c, nil
		}
	}
	return Campaign{}, fmt.Errorf("store: campaign %q: %w", id, ErrNotFound)
}

// GetByName retrieves a campaign by display name, compared
// case-insensitively. Returns [ErrNotFound] when absent.
func (s *CampaignStore) GetByName(name string) (Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.campaigns {
		if strings.EqualFold(c.Name, name) {
			return c, nil
		}
	}
	return Campaign{}, fmt.Errorf("store: campaign named %q: %w", name, ErrNotFound)
}

// Resolve looks up a campaign by id first, then by name. Commands accept
// either form, so both lookups live behind one call.
func (s *CampaignStore) Resolve(idOrName string) (Campaign, error) {
	if c, err := s.Get(idOrName); err == nil {
		return c, nil
	}
	return s.GetByName(idOrName)
}

// List returns all campaigns sorted by name.
func (s *CampaignStore) List() []Campaign {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := slices.Clone(s.campaigns)
	slices.SortFunc(out, func(a, b Campaign) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return out
}
