package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Roster is a party roster file: the mapping from the people at the table
// to the characters they play. Rosters are written by hand, so decoding is
// strict and validation errors name the field that is wrong.
//
// Example:
//
//	party_id: party-emberward
//	campaign: "Curse of the Ember Court"
//	members:
//	  - player: Alice
//	    character: Seraphina Duskmantle
//	    aliases: [Sera, the warlock]
type Roster struct {
	// PartyID identifies the roster; sessions record it when the roster
	// was used for attribution.
	PartyID string `yaml:"party_id"`

	// Campaign is the campaign display name this party belongs to.
	Campaign string `yaml:"campaign,omitempty"`

	Members []RosterMember `yaml:"members"`
}

// RosterMember maps one player to one character.
type RosterMember struct {
	Player    string `yaml:"player"`
	Character string `yaml:"character"`

	// Aliases are other names the character goes by at the table.
	Aliases []string `yaml:"aliases,omitempty"`
}

// LoadRoster reads and parses a roster YAML file from disk.
func LoadRoster(path string) (*Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open roster file %q: %w", path, err)
	}
	defer f.Close()

	r, err := LoadRosterFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("store: parse roster file %q: %w", path, err)
	}
	return r, nil
}

// LoadRosterFromReader parses roster YAML from an [io.Reader] and validates
// it. The reader is consumed entirely; the caller is responsible for
// closing it.
func LoadRosterFromReader(r io.Reader) (*Roster, error) {
	var roster Roster
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&roster); err != nil {
		return nil, fmt.Errorf("decode roster yaml: %w", err)
	}
	if err := roster.Validate(); err != nil {
		return nil, err
	}
	return &roster, nil
}

// Validate checks a roster for required fields.
//
// Rules:
//   - PartyID must be non-empty.
//   - At least one member.
//   - Every member needs both a player and a character.
//   - Player names must be unique within the roster.
func (r *Roster) Validate() error {
	var errs []error

	if strings.TrimSpace(r.PartyID) == "" {
		errs = append(errs, errors.New("party_id must not be empty"))
	}
	if len(r.Members) == 0 {
		errs = append(errs, errors.New("members must not be empty"))
	}

	seen := make(map[string]bool, len(r.Members))
	for i, m := range r.Members {
		if m.Player == "" {
			errs = append(errs, fmt.Errorf("members[%d]: player must not be empty", i))
		}
		if m.Character == "" {
			errs = append(errs, fmt.Errorf("members[%d]: character must not be empty", i))
		}
		key := strings.ToLower(m.Player)
		if m.Player != "" && seen[key] {
			errs = append(errs, fmt.Errorf("members[%d]: duplicate player %q", i, m.Player))
		}
		seen[key] = true
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// MemberFor returns the roster member for player, matched
// case-insensitively.
func (r *Roster) MemberFor(player string) (RosterMember, bool) {
	for _, m := range r.Members {
		if strings.EqualFold(m.Player, player) {
			return m, true
		}
	}
	return RosterMember{}, false
}

// CharacterFor returns the character played by player, matched
// case-insensitively.
func (r *Roster) CharacterFor(player string) (string, bool) {
	m, ok := r.MemberFor(player)
	if !ok {
		return "", false
	}
	return m.Character, true
}

// CharacterNames returns every character name and alias in the roster.
// The list seeds the proper-noun correction lexicon.
func (r *Roster) CharacterNames() []string {
	var names []string
	for _, m := range r.Members {
		names = append(names, m.Character)
		names = append(names, m.Aliases...)
	}
	return names
}

// ListRosters loads every roster in dir (non-recursively). Files that fail
// to parse or validate are skipped with a warning so one bad roster does
// not hide the others.
func ListRosters(dir string) ([]*Roster, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read parties directory %q: %w", dir, err)
	}

	var rosters []*Roster
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		r, err := LoadRoster(filepath.Join(dir, name))
		if err != nil {
			slog.Warn("skipping invalid roster", "path", filepath.Join(dir, name), "error", err)
			continue
		}
		rosters = append(rosters, r)
	}
	return rosters, nil
}

// FindRoster returns the roster with the given party id from dir.
// Returns [ErrNotFound] when no roster matches.
func FindRoster(dir, partyID string) (*Roster, error) {
	rosters, err := ListRosters(dir)
	if err != nil {
		return nil, err
	}
	for _, r := range rosters {
		if r.PartyID == partyID {
			return r, nil
		}
	}
	return nil, fmt.Errorf("store: roster %q: %w", partyID, ErrNotFound)
}

// FindRosterByCampaign returns the first roster whose campaign matches
// name, compared case-insensitively. Returns [ErrNotFound] when none does.
func FindRosterByCampaign(dir, name string) (*Roster, error) {
	rosters, err := ListRosters(dir)
	if err != nil {
		return nil, err
	}
	for _, r := range rosters {
		if strings.EqualFold(r.Campaign, name) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("store: roster for campaign %q: %w", name, ErrNotFound)
}
