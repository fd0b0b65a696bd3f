package client

import (
	"reflect"
	"testing"

	"inkpad/api/internal/realtime"
	"inkpad/api/internal/store"
)

func snapshot() realtime.LoadPadPayload {
	return realtime.LoadPadPayload{
		PadID:    "pad_1",
		Name:     "Draft",
		Sections: []store.Section{{ID: "sec_1", Content: "hello"}},
		Authors:  []store.Author{{Name: "Ada"}},
		References: []store.Reference{
			{Key: "ref1", Title: "Prior work"},
		},
	}
}

func TestSnapshotReplacesLocalState(t *testing.T) {
	rec := NewReconciler()
	rec.ApplySectionUpdate(realtime.SectionUpdatePayload{Section: store.Section{ID: "stale", Content: "offline edit"}})

	rec.ApplySnapshot(snapshot())

	sections := rec.Sections()
	if len(sections) != 1 || sections[0].ID != "sec_1" {
		t.Errorf("snapshot did not replace local state: %+v", sections)
	}
	if rec.PadID() != "pad_1" {
		t.Errorf("pad id = %q", rec.PadID())
	}
}

func TestSectionUpdateMergesByID(t *testing.T) {
	rec := NewReconciler()
	rec.ApplySnapshot(snapshot())

	rec.ApplySectionUpdate(realtime.SectionUpdatePayload{Section: store.Section{ID: "sec_1", Content: "edited"}})
	rec.ApplySectionUpdate(realtime.SectionUpdatePayload{Section: store.Section{ID: "sec_2", Content: "new"}})

	sections := rec.Sections()
	if len(sections) != 2 {
		t.Fatalf("section count = %d, want 2", len(sections))
	}
	if sections[0].Content != "edited" || sections[1].ID != "sec_2" {
		t.Errorf("unexpected sections: %+v", sections)
	}
}

func TestReferenceAddDedupsOnEcho(t *testing.T) {
	rec := NewReconciler()
	rec.ApplySnapshot(snapshot())

	// Local add, then the same reference relayed back.
	add := realtime.ReferenceAddPayload{Reference: store.Reference{Key: "ref2", Title: "New"}}
	rec.ApplyReferenceAdd(add)
	rec.ApplyReferenceAdd(add)

	if refs := rec.References(); len(refs) != 2 {
		t.Errorf("reference count = %d, want 2: %+v", len(refs), refs)
	}
}

func TestPresenceReplacedWholesale(t *testing.T) {
	rec := NewReconciler()
	rec.ApplyPresence([]realtime.PresenceUser{{UserID: "u1", UserName: "Ada"}, {UserID: "u2", UserName: "Grace"}})
	rec.ApplyPresence([]realtime.PresenceUser{{UserID: "u2", UserName: "Grace"}})

	roster := rec.Roster()
	if len(roster) != 1 || roster[0].UserID != "u2" {
		t.Errorf("roster = %+v, want only u2", roster)
	}
}

func TestMergeCollaboratorsIdempotent(t *testing.T) {
	current := []string{"u1", "u2"}
	merged := MergeCollaborators(current, []string{"u2", "u3"})
	want := []string{"u1", "u2", "u3"}
	if !reflect.DeepEqual(merged, want) {
		t.Errorf("merged = %v, want %v", merged, want)
	}

	// Merging the same response again changes nothing.
	again := MergeCollaborators(merged, []string{"u2", "u3"})
	if !reflect.DeepEqual(again, want) {
		t.Errorf("second merge = %v, want %v", again, want)
	}
}

func TestSelectionShadowSurvivesToolbarClick(t *testing.T) {
	rec := NewReconciler()
	rec.SetSelection("quoted text")
	// Toolbar click clears the live selection; the empty update is ignored.
	rec.SetSelection("")

	if got := rec.SelectionForAction(); got != "quoted text" {
		t.Errorf("selection = %q, want shadowed value", got)
	}
	// A second action reuses the same selection.
	if got := rec.SelectionForAction(); got != "quoted text" {
		t.Errorf("repeat action selection = %q, want shadowed value", got)
	}

	// Only a new non-empty selection replaces the shadow.
	rec.SetSelection("another passage")
	if got := rec.SelectionForAction(); got != "another passage" {
		t.Errorf("selection = %q, want replacement", got)
	}
}
