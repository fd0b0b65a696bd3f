package store

import "time"

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Section is one coarse-grained unit of pad content. Concurrent edits to the
// same section resolve last-write-wins; there is no sub-section merge.
type Section struct {
	ID       string `json:"id"`
	Heading  string `json:"heading"`
	Content  string `json:"content"`
	Position int    `json:"position"`
}

type Author struct {
	Name        string `json:"name"`
	Affiliation string `json:"affiliation,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Reference is append-only: the Key is the stable in-text citation marker
// and must never change once handed to clients.
type Reference struct {
	Key     string `json:"key"`
	Title   string `json:"title"`
	Authors string `json:"authors,omitempty"`
	Venue   string `json:"venue,omitempty"`
	Year    int    `json:"year,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Pad is the shared document unit. Users is the access set; Roles maps a
// subset of Users to their role. The two are written together in one
// transaction, never independently.
type Pad struct {
	ID         string
	Name       string
	Abstract   string
	Sections   []Section
	Authors    []Author
	References []Reference
	Users      []string
	Roles      map[string]string
	Published  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PadSummary is the listing shape for user-pads: membership and roles
// without section bodies.
type PadSummary struct {
	ID        string
	Name      string
	Abstract  string
	Users     []string
	Roles     map[string]string
	Published bool
	UpdatedAt time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
