package realtime

import "inkpad/api/internal/store"

// PadState is the in-memory working copy of a pad while at least one editor
// has it open. All access goes through the owning room's lock.
type PadState struct {
	PadID      string
	Name       string
	Abstract   string
	Sections   []store.Section
	Authors    []store.Author
	References []store.Reference
	Published  bool

	// Access set and role map travel with the cached state so a join into a
	// warm room is gated without a storage round-trip.
	Users []string
	Roles map[string]string
}

// hasAccess reports whether the user is in the pad's access set.
func (s *PadState) hasAccess(userID string) bool {
	for _, id := range s.Users {
		if id == userID {
			return true
		}
	}
	return false
}

// Grant adds a collaborator to the cached access set and role map.
// Idempotent; granting an existing member only refreshes the role.
func (s *PadState) Grant(userID, role string) {
	if s.Roles == nil {
		s.Roles = make(map[string]string)
	}
	s.Roles[userID] = role
	if !s.hasAccess(userID) {
		s.Users = append(s.Users, userID)
	}
}

// Snapshot returns a deep copy safe to hand to another goroutine after the
// room lock is released.
func (s *PadState) Snapshot() *PadState {
	cp := &PadState{
		PadID:     s.PadID,
		Name:      s.Name,
		Abstract:  s.Abstract,
		Published: s.Published,
	}
	cp.Sections = make([]store.Section, len(s.Sections))
	copy(cp.Sections, s.Sections)
	cp.Authors = make([]store.Author, len(s.Authors))
	copy(cp.Authors, s.Authors)
	cp.References = make([]store.Reference, len(s.References))
	copy(cp.References, s.References)
	cp.Users = make([]string, len(s.Users))
	copy(cp.Users, s.Users)
	cp.Roles = make(map[string]string, len(s.Roles))
	for id, role := range s.Roles {
		cp.Roles[id] = role
	}
	return cp
}

// ApplySection replaces the section with the matching ID, or appends it when
// no such section exists. Last write wins at section granularity.
func (s *PadState) ApplySection(sec store.Section) {
	for i := range s.Sections {
		if s.Sections[i].ID == sec.ID {
			s.Sections[i] = sec
			return
		}
	}
	s.Sections = append(s.Sections, sec)
}

// ApplyAuthors replaces the author list wholesale.
func (s *PadState) ApplyAuthors(authors []store.Author) {
	s.Authors = make([]store.Author, len(authors))
	copy(s.Authors, authors)
}

// AddReference appends a reference unless its key is already present.
// References are append-only; duplicate adds are idempotent.
func (s *PadState) AddReference(ref store.Reference) bool {
	for _, existing := range s.References {
		if existing.Key == ref.Key {
			return false
		}
	}
	s.References = append(s.References, ref)
	return true
}

func (s *PadState) loadPayload() LoadPadPayload {
	snap := s.Snapshot()
	return LoadPadPayload{
		PadID:      snap.PadID,
		Name:       snap.Name,
		Abstract:   snap.Abstract,
		Sections:   snap.Sections,
		Authors:    snap.Authors,
		References: snap.References,
		Published:  snap.Published,
	}
}
