package transcript_test

import (
	"slices"
	"testing"

	"github.com/lorekeep/lorekeep/internal/store"
	"github.com/lorekeep/lorekeep/internal/transcript"
	"github.com/lorekeep/lorekeep/pkg/types"
)

func testRoster() *store.Roster {
	return &store.Roster{
		PartyID:  "party-emberward",
		Campaign: "Curse of the Ember Court",
		Members: []store.RosterMember{
			{Player: "Alice", Character: "Seraphina Duskmantle", Aliases: []string{"Sera"}},
			{Player: "Bob", Character: "Thrag"},
		},
	}
}

func TestAttributeSpeakers_ExplicitOverride(t *testing.T) {
	t.Parallel()

	segments := []types.Segment{{ID: 0, Speaker: "SPEAKER_03", Text: "x"}}
	overrides := map[string]string{"SPEAKER_03": "Alice"}

	got, att := transcript.AttributeSpeakers(segments, testRoster(), overrides)
	if got[0].Character != "Seraphina Duskmantle" {
		t.Errorf("Character = %q, want roster character via override", got[0].Character)
	}
	want := store.SpeakerIdentity{Player: "Alice", Character: "Seraphina Duskmantle"}
	if att.Speakers["SPEAKER_03"] != want {
		t.Errorf("identity = %+v, want %+v", att.Speakers["SPEAKER_03"], want)
	}
	if len(att.Unmapped) != 0 {
		t.Errorf("Unmapped = %v, want none", att.Unmapped)
	}
}

func TestAttributeSpeakers_OverrideToUnknownPlayer(t *testing.T) {
	t.Parallel()

	segments := []types.Segment{{ID: 0, Speaker: "guest-track"}}
	overrides := map[string]string{"guest-track": "Chris"}

	got, att := transcript.AttributeSpeakers(segments, testRoster(), overrides)
	if got[0].Character != "" {
		t.Errorf("Character = %q, want empty for player outside roster", got[0].Character)
	}
	want := store.SpeakerIdentity{Player: "Chris"}
	if att.Speakers["guest-track"] != want {
		t.Errorf("identity = %+v, want player recorded without character", att.Speakers["guest-track"])
	}
	if len(att.Unmapped) != 0 {
		t.Errorf("Unmapped = %v, explicit override is never unmapped", att.Unmapped)
	}
}

func TestAttributeSpeakers_ExactTrackName(t *testing.T) {
	t.Parallel()

	segments := []types.Segment{{ID: 0, Speaker: "alice"}}

	got, att := transcript.AttributeSpeakers(segments, testRoster(), nil)
	if got[0].Character != "Seraphina Duskmantle" {
		t.Errorf("Character = %q, want case-insensitive player match", got[0].Character)
	}
	if att.Speakers["alice"].Player != "Alice" {
		t.Errorf("Player = %q, want canonical roster casing", att.Speakers["alice"].Player)
	}
}

func TestAttributeSpeakers_CleanedTrackName(t *testing.T) {
	t.Parallel()

	segments := []types.Segment{{ID: 0, Speaker: "bob_02"}}

	got, _ := transcript.AttributeSpeakers(segments, testRoster(), nil)
	if got[0].Character != "Thrag" {
		t.Errorf("Character = %q, want separator and take-number stripped", got[0].Character)
	}
}

func TestAttributeSpeakers_PhoneticTrackName(t *testing.T) {
	t.Parallel()

	segments := []types.Segment{{ID: 0, Speaker: "alise"}}

	got, att := transcript.AttributeSpeakers(segments, testRoster(), nil)
	if got[0].Character != "Seraphina Duskmantle" {
		t.Errorf("Character = %q, want phonetic match to Alice", got[0].Character)
	}
	if att.Speakers["alise"].Player != "Alice" {
		t.Errorf("Player = %q, want Alice", att.Speakers["alise"].Player)
	}
}

func TestAttributeSpeakers_DiarizationIndex(t *testing.T) {
	t.Parallel()

	segments := []types.Segment{
		{ID: 0, Speaker: "SPEAKER_00"},
		{ID: 1, Speaker: "SPEAKER_01"},
		{ID: 2, Speaker: "SPEAKER_02"},
	}

	got, att := transcript.AttributeSpeakers(segments, testRoster(), nil)
	if got[0].Character != "Seraphina Duskmantle" {
		t.Errorf("SPEAKER_00 Character = %q, want first roster member", got[0].Character)
	}
	if got[1].Character != "Thrag" {
		t.Errorf("SPEAKER_01 Character = %q, want second roster member", got[1].Character)
	}
	if got[2].Character != "" {
		t.Errorf("SPEAKER_02 Character = %q, want empty past roster size", got[2].Character)
	}
	if !slices.Contains(att.Unmapped, "SPEAKER_02") {
		t.Errorf("Unmapped = %v, want SPEAKER_02 listed", att.Unmapped)
	}
}

func TestAttributeSpeakers_UnmappedListedOnce(t *testing.T) {
	t.Parallel()

	segments := []types.Segment{
		{ID: 0, Speaker: "mystery"},
		{ID: 1, Speaker: "mystery"},
		{ID: 2, Speaker: ""},
	}

	got, att := transcript.AttributeSpeakers(segments, testRoster(), nil)
	if len(att.Unmapped) != 1 || att.Unmapped[0] != "mystery" {
		t.Errorf("Unmapped = %v, want [mystery]", att.Unmapped)
	}
	for i := range got {
		if got[i].Character != "" {
			t.Errorf("segment %d Character = %q, want empty", i, got[i].Character)
		}
	}
}

func TestAttributeSpeakers_NilRoster(t *testing.T) {
	t.Parallel()

	segments := []types.Segment{
		{ID: 0, Speaker: "alice"},
		{ID: 1, Speaker: "narrator"},
	}
	overrides := map[string]string{"narrator": "Dana"}

	got, att := transcript.AttributeSpeakers(segments, nil, overrides)
	if got[0].Character != "" {
		t.Errorf("Character = %q, want empty without roster", got[0].Character)
	}
	if att.Speakers["narrator"].Player != "Dana" {
		t.Errorf("override identity = %+v, want Dana", att.Speakers["narrator"])
	}
	if !slices.Contains(att.Unmapped, "alice") {
		t.Errorf("Unmapped = %v, want alice listed", att.Unmapped)
	}
}

func TestAttributeSpeakers_InputNotModified(t *testing.T) {
	t.Parallel()

	segments := []types.Segment{{ID: 0, Speaker: "alice"}}

	_, _ = transcript.AttributeSpeakers(segments, testRoster(), nil)
	if segments[0].Character != "" {
		t.Errorf("input Character = %q, input slice must stay untouched", segments[0].Character)
	}
}
