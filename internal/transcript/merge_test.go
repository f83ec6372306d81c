package transcript_test

import (
	"testing"

	"github.com/lorekeep/lorekeep/internal/transcript"
	"github.com/lorekeep/lorekeep/pkg/types"
)

func TestMerge_Interleaves(t *testing.T) {
	t.Parallel()

	tracks := map[string][]types.Segment{
		"alice": {
			{Start: 0.0, End: 1.0, Text: "a1"},
			{Start: 5.0, End: 6.0, Text: "a2"},
		},
		"bob": {
			{Start: 1.5, End: 2.0, Text: "b1"},
			{Start: 4.0, End: 4.5, Text: "b2"},
		},
	}

	merged := transcript.Merge(tracks)
	if len(merged) != 4 {
		t.Fatalf("got %d segments, want 4", len(merged))
	}

	wantOrder := []string{"a1", "b1", "b2", "a2"}
	wantSpeaker := []string{"alice", "bob", "bob", "alice"}
	for i, seg := range merged {
		if seg.Text != wantOrder[i] {
			t.Errorf("merged[%d].Text = %q, want %q", i, seg.Text, wantOrder[i])
		}
		if seg.Speaker != wantSpeaker[i] {
			t.Errorf("merged[%d].Speaker = %q, want %q", i, seg.Speaker, wantSpeaker[i])
		}
		if seg.ID != i {
			t.Errorf("merged[%d].ID = %d, want %d", i, seg.ID, i)
		}
	}
}

func TestMerge_TieBreaksByTrackName(t *testing.T) {
	t.Parallel()

	tracks := map[string][]types.Segment{
		"zoe":   {{Start: 2.0, End: 3.0, Text: "z"}},
		"alice": {{Start: 2.0, End: 3.0, Text: "a"}},
	}

	merged := transcript.Merge(tracks)
	if len(merged) != 2 {
		t.Fatalf("got %d segments, want 2", len(merged))
	}
	if merged[0].Speaker != "alice" || merged[1].Speaker != "zoe" {
		t.Errorf("tie order = [%s %s], want [alice zoe]", merged[0].Speaker, merged[1].Speaker)
	}
}

func TestMerge_ReassignsStaleIDs(t *testing.T) {
	t.Parallel()

	tracks := map[string][]types.Segment{
		"dm": {
			{ID: 99, Start: 0.0, End: 1.0, Text: "one", Speaker: "SPEAKER_04"},
			{ID: 42, Start: 1.0, End: 2.0, Text: "two"},
		},
	}

	merged := transcript.Merge(tracks)
	for i, seg := range merged {
		if seg.ID != i {
			t.Errorf("merged[%d].ID = %d, want %d", i, seg.ID, i)
		}
		if seg.Speaker != "dm" {
			t.Errorf("merged[%d].Speaker = %q, want track name", i, seg.Speaker)
		}
	}
}

func TestMerge_Empty(t *testing.T) {
	t.Parallel()

	if got := transcript.Merge(nil); len(got) != 0 {
		t.Errorf("Merge(nil) returned %d segments, want 0", len(got))
	}
	if got := transcript.Merge(map[string][]types.Segment{"a": nil}); len(got) != 0 {
		t.Errorf("empty track produced %d segments, want 0", len(got))
	}
}

func TestAlignTurns_MaxOverlapWins(t *testing.T) {
	t.Parallel()

	segments := []types.Segment{{Start: 0, End: 10, Text: "long line"}}
	turns := []types.SpeakerTurn{
		{Start: 0, End: 4, Speaker: "SPEAKER_00"},
		{Start: 4, End: 10, Speaker: "SPEAKER_01"},
	}

	got := transcript.AlignTurns(segments, turns)
	if got[0].Speaker != "SPEAKER_01" {
		t.Errorf("Speaker = %q, want SPEAKER_01 (overlap 6 beats 4)", got[0].Speaker)
	}
}

func TestAlignTurns_NoOverlapKeepsLabel(t *testing.T) {
	t.Parallel()

	segments := []types.Segment{{Start: 20, End: 21, Speaker: "track-7"}}
	turns := []types.SpeakerTurn{{Start: 0, End: 10, Speaker: "SPEAKER_00"}}

	got := transcript.AlignTurns(segments, turns)
	if got[0].Speaker != "track-7" {
		t.Errorf("Speaker = %q, want existing label kept", got[0].Speaker)
	}
}

func TestAlignTurns_BoundaryTouchDoesNotCount(t *testing.T) {
	t.Parallel()

	segments := []types.Segment{{Start: 5, End: 6}}
	turns := []types.SpeakerTurn{{Start: 0, End: 5, Speaker: "SPEAKER_00"}}

	got := transcript.AlignTurns(segments, turns)
	if got[0].Speaker != "" {
		t.Errorf("Speaker = %q, want empty for zero overlap", got[0].Speaker)
	}
}

func TestAlignTurns_UnsortedTurns(t *testing.T) {
	t.Parallel()

	segments := []types.Segment{
		{Start: 0, End: 2, Text: "first"},
		{Start: 2.5, End: 5, Text: "second"},
		{Start: 6, End: 8, Text: "third"},
	}
	turns := []types.SpeakerTurn{
		{Start: 5.5, End: 9, Speaker: "SPEAKER_02"},
		{Start: 0, End: 3, Speaker: "SPEAKER_00"},
		{Start: 3, End: 5, Speaker: "SPEAKER_01"},
	}

	got := transcript.AlignTurns(segments, turns)
	want := []string{"SPEAKER_00", "SPEAKER_01", "SPEAKER_02"}
	for i, seg := range got {
		if seg.Speaker != want[i] {
			t.Errorf("segment %d Speaker = %q, want %q", i, seg.Speaker, want[i])
		}
	}
}

func TestAlignTurns_InputNotModified(t *testing.T) {
	t.Parallel()

	segments := []types.Segment{{Start: 0, End: 2}}
	turns := []types.SpeakerTurn{{Start: 0, End: 2, Speaker: "SPEAKER_00"}}

	_ = transcript.AlignTurns(segments, turns)
	if segments[0].Speaker != "" {
		t.Errorf("input Speaker = %q, input slice must stay untouched", segments[0].Speaker)
	}
}
