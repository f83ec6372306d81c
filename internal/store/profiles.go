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
	"time"
	"unicode"
)

// ProfileSchemaVersion is stamped into profile files on write. Legacy files
// (version 0) carry a free-text "campaign" field instead of campaign
// linkage; [Profile.UnmarshalJSON] maps it so reads never lose the value.
const ProfileSchemaVersion = 2

// Profile describes one player character within a campaign.
type Profile struct {
	// Name is the character's canonical name and the profile's identity.
	Name string `json:"name"`

	// CampaignID links the profile to a campaign. Nil for profiles
	// created before campaigns existed.
	CampaignID *string `json:"campaign_id"`

	// CampaignName is the campaign display name. For legacy files this is
	// the value of the old free-text "campaign" field.
	CampaignName string `json:"campaign_name,omitempty"`

	// Player is the real person playing the character.
	Player string `json:"player,omitempty"`

	Class string `json:"class,omitempty"`
	Level int    `json:"level,omitempty"`

	// Description is free text about the character.
	Description string `json:"description,omitempty"`

	// Aliases are alternative names used at the table ("Sera",
	// "the warlock"). They feed speaker attribution and proper-noun
	// correction.
	Aliases []string `json:"aliases,omitempty"`

	UpdatedAt     time.Time `json:"updated_at"`
	SchemaVersion int       `json:"schema_version,omitempty"`
}

// UnmarshalJSON decodes a profile, accepting both the current shape and
// legacy files. A legacy "campaign" value becomes CampaignName when no
// campaign_name is present; CampaignID stays nil until a migration assigns
// it.
func (p *Profile) UnmarshalJSON(data []byte) error {
	type alias Profile
	aux := struct {
		*alias
		LegacyCampaign string `json:"campaign"`
	}{alias: (*alias)(p)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if p.CampaignName == "" && aux.LegacyCampaign != "" {
		p.CampaignName = aux.LegacyCampaign
	}
	return nil
}

// ProfileStore reads and writes character profiles under a directory,
// one JSON file per character named by [ProfileSlug].
type ProfileStore struct {
	dir string
}

// NewProfileStore returns a store over dir. The directory is created
// lazily on first write.
func NewProfileStore(dir string) *ProfileStore {
	return &ProfileStore{dir: dir}
}

// Dir returns the directory the store was constructed with.
func (s *ProfileStore) Dir() string { return s.dir }

// Path returns the file path for a character name.
func (s *ProfileStore) Path(name string) string {
	return filepath.Join(s.dir, ProfileSlug(name)+".json")
}

// Save persists p atomically, stamping UpdatedAt and the current schema
// version.
func (s *ProfileStore) Save(p *Profile) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("store: profile name must not be empty")
	}
	p.UpdatedAt = time.Now().UTC()
	p.SchemaVersion = ProfileSchemaVersion

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal profile %q: %w", p.Name, err)
	}
	return WriteFileAtomic(s.Path(p.Name), append(data, '\n'))
}

// Get loads the profile for a character name. Returns [ErrNotFound] when
// no profile file exists.
func (s *ProfileStore) Get(name string) (*Profile, error) {
	path := s.Path(name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("store: profile %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read profile %q: %w", path, err)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("store: parse profile %q: %w", path, err)
	}
	return &p, nil
}

// List loads every profile in the directory, sorted by character name.
// Unreadable files are skipped with a warning.
func (s *ProfileStore) List() ([]*Profile, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read profiles directory %q: %w", s.dir, err)
	}

	var profiles []*Profile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || IsTempFile(e.Name()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("skipping unreadable profile", "path", path, "error", err)
			continue
		}
		var p Profile
		if err := json.Unmarshal(data, &p); err != nil {
			slog.Warn("skipping unparseable profile", "path", path, "error", err)
			continue
		}
		profiles = append(profiles, &p)
	}

	slices.SortFunc(profiles, func(a, b *Profile) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return profiles, nil
}

// ListByCampaign returns the profiles linked to campaignID, in name order.
func (s *ProfileStore) ListByCampaign(campaignID string) ([]*Profile, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Profile
	for _, p := range all {
		if p.CampaignID != nil && *p.CampaignID == campaignID {
			out = append(out, p)
		}
	}
	return out, nil
}

// ProfileSlug converts a character name into its file name: lower case,
// with every run of non-alphanumeric characters collapsed to one hyphen.
// "Seraphina Duskmantle" becomes "seraphina-duskmantle".
func ProfileSlug(name string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending && b.Len() > 0 {
				b.WriteByte('-')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}
