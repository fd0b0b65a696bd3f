// Package client implements the editor-side view of a pad: a reconciler that
// folds server events into local state, and a websocket client that keeps a
// session alive across reconnects.
package client

import (
	"sync"

	"inkpad/api/internal/realtime"
	"inkpad/api/internal/store"
)

// Reconciler maintains the local working copy of a pad. Server events are
// authoritative: a snapshot replaces everything, relayed updates merge in by
// identity, and the presence roster is always replaced wholesale.
type Reconciler struct {
	mu sync.Mutex

	padID      string
	name       string
	abstract   string
	sections   []store.Section
	authors    []store.Author
	references []store.Reference
	published  bool

	roster []realtime.PresenceUser

	// selection survives toolbar clicks that clear the live browser
	// selection; actions use the last non-empty value.
	selection string
}

func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// ApplySnapshot replaces the whole local state with the joined pad.
func (r *Reconciler) ApplySnapshot(p realtime.LoadPadPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.padID = p.PadID
	r.name = p.Name
	r.abstract = p.Abstract
	r.sections = append([]store.Section(nil), p.Sections...)
	r.authors = append([]store.Author(nil), p.Authors...)
	r.references = append([]store.Reference(nil), p.References...)
	r.published = p.Published
}

// ApplyPresence replaces the collaborator roster.
func (r *Reconciler) ApplyPresence(users []realtime.PresenceUser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roster = append([]realtime.PresenceUser(nil), users...)
}

// ApplySectionUpdate merges a relayed edit by section ID.
func (r *Reconciler) ApplySectionUpdate(p realtime.SectionUpdatePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.sections {
		if r.sections[i].ID == p.Section.ID {
			r.sections[i] = p.Section
			return
		}
	}
	r.sections = append(r.sections, p.Section)
}

// ApplyAuthorUpdate replaces the author list.
func (r *Reconciler) ApplyAuthorUpdate(p realtime.AuthorUpdatePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authors = append([]store.Author(nil), p.Authors...)
}

// ApplyReferenceAdd appends a relayed reference unless the key is already
// known, so a locally-added reference echoed back is a no-op.
func (r *Reconciler) ApplyReferenceAdd(p realtime.ReferenceAddPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.references {
		if existing.Key == p.Reference.Key {
			return
		}
	}
	r.references = append(r.references, p.Reference)
}

// MergeCollaborators folds an add-user response into the roster-independent
// membership view. Adding the same user twice is idempotent.
func MergeCollaborators(current []string, added []string) []string {
	seen := make(map[string]struct{}, len(current))
	merged := append([]string(nil), current...)
	for _, id := range current {
		seen[id] = struct{}{}
	}
	for _, id := range added {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	return merged
}

// SetSelection records the current text selection. Empty selections are
// ignored so the shadow keeps the last real one.
func (r *Reconciler) SetSelection(text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	r.selection = text
	r.mu.Unlock()
}

// SelectionForAction returns the selection a toolbar action should operate
// on. The shadow is retained, so back-to-back actions reuse the same text
// until a new non-empty selection replaces it.
func (r *Reconciler) SelectionForAction() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selection
}

// Sections returns a copy of the current section list.
func (r *Reconciler) Sections() []store.Section {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Section(nil), r.sections...)
}

// Authors returns a copy of the current author list.
func (r *Reconciler) Authors() []store.Author {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Author(nil), r.authors...)
}

// References returns a copy of the current reference list.
func (r *Reconciler) References() []store.Reference {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Reference(nil), r.references...)
}

// Roster returns a copy of the current presence roster.
func (r *Reconciler) Roster() []realtime.PresenceUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.PresenceUser(nil), r.roster...)
}

// PadID returns the id of the joined pad, empty before the first snapshot.
func (r *Reconciler) PadID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.padID
}

// Published reports the pad's visibility as of the last snapshot.
func (r *Reconciler) Published() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published
}
