package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"inkpad/api/internal/archive"
	"inkpad/api/internal/auth"
	"inkpad/api/internal/authpw"
	"inkpad/api/internal/config"
	"inkpad/api/internal/email"
	"inkpad/api/internal/gitrepo"
	"inkpad/api/internal/rbac"
	"inkpad/api/internal/realtime"
	"inkpad/api/internal/search"
	"inkpad/api/internal/session"
	"inkpad/api/internal/store"
	"inkpad/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	CreateUser(ctx context.Context, u *store.User) error
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByID(ctx context.Context, id string) (*store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)

	CreatePad(ctx context.Context, p *store.Pad) error
	GetPad(ctx context.Context, id string) (*store.Pad, error)
	ListPadsForUser(ctx context.Context, userID string) ([]store.PadSummary, error)
	AddPadMember(ctx context.Context, padID, userID, role string) error
	UpdatePadContent(ctx context.Context, p *store.Pad) error
	SetPublished(ctx context.Context, padID string, expected, next bool) error

	Ping(ctx context.Context) error
}

// RefreshSessions is the refresh-token store; Redis-backed in production
// with a Postgres fallback when Redis is not configured.
type RefreshSessions interface {
	Save(ctx context.Context, tokenHash string, data session.TokenData) error
	Get(ctx context.Context, tokenHash string) (*session.TokenData, error)
	Rotate(ctx context.Context, oldHash, newHash string, data session.TokenData) error
	Delete(ctx context.Context, tokenHash string) error
}

type gitService interface {
	EnsurePadRepo(padID string) error
	CommitSnapshot(snap gitrepo.Snapshot, authorName, authorEmail, message string) (string, error)
	History(padID string, limit int) ([]store.CommitInfo, error)
	GetSnapshotByHash(padID, hash string) (*gitrepo.Snapshot, error)
}

// Service carries the application semantics: accounts, pad lifecycle, the
// collaborator and publish gates, and the bridge into the realtime hub.
type Service struct {
	cfg      config.Config
	store    dataStore
	sessions RefreshSessions
	authpw   *authpw.Service
	git      gitService
	search   *search.Service
	archive  *archive.Store
	email    *email.Service
	hub      *realtime.Hub
}

func New(cfg config.Config, dataStore dataStore, sessions RefreshSessions, authSvc *authpw.Service, git gitService, searchSvc *search.Service, archiveStore *archive.Store, emailSvc *email.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		authpw:   authSvc,
		git:      git,
		search:   searchSvc,
		archive:  archiveStore,
		email:    emailSvc,
	}
}

// SetHub wires the realtime hub after construction; the hub needs the
// service as its loader, so the two cannot be built in one step.
func (s *Service) SetHub(hub *realtime.Hub) {
	s.hub = hub
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- auth ---

func (s *Service) Register(ctx context.Context, name, emailAddr, password string) (Session, error) {
	user, err := s.authpw.Register(ctx, name, emailAddr, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.authpw.Login(ctx, emailAddr, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	oldHash := auth.HashToken(refreshToken)
	data, err := s.sessions.Get(ctx, oldHash)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Session{}, errUnauthorized()
		}
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, data.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, errUnauthorized()
		}
		return Session{}, err
	}

	sess, newRefresh, err := s.buildSession(user)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.Rotate(ctx, oldHash, auth.HashToken(newRefresh), session.TokenData{
		UserID:    user.ID,
		UserName:  user.Name,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Session{}, errUnauthorized()
		}
		return Session{}, err
	}
	return sess, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.sessions.Delete(ctx, auth.HashToken(refreshToken))
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) issueSession(ctx context.Context, user *store.User) (Session, error) {
	sess, refresh, err := s.buildSession(user)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.Save(ctx, auth.HashToken(refresh), session.TokenData{
		UserID:    user.ID,
		UserName:  user.Name,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *Service) buildSession(user *store.User) (Session, string, error) {
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Name,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, "", err
	}
	refresh := util.NewID("rft")
	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, refresh, nil
}

// --- pads ---

func (s *Service) ListUserPads(ctx context.Context, userID string) ([]store.PadSummary, error) {
	summaries, err := s.store.ListPadsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if summaries == nil {
		summaries = []store.PadSummary{}
	}
	return summaries, nil
}

// GetPad returns the pad when the caller is a collaborator, or when the pad
// is published (read-only discovery).
func (s *Service) GetPad(ctx context.Context, padID, userID string) (*store.Pad, error) {
	pad, err := s.store.GetPad(ctx, padID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errPadNotFound()
	}
	if err != nil {
		return nil, err
	}
	if !isMember(pad, userID) && !pad.Published {
		return nil, errNotCollaborator()
	}
	return pad, nil
}

func (s *Service) CreatePad(ctx context.Context, userID, userName, name string) (*store.Pad, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(400, "INVALID_BODY", "Pad name is required", nil)
	}

	pad := &store.Pad{
		ID:        util.NewID("pad"),
		Name:      name,
		Users:     []string{userID},
		Roles:     map[string]string{userID: string(rbac.RoleOwner)},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreatePad(ctx, pad); err != nil {
		return nil, err
	}

	if s.git != nil {
		if err := s.git.EnsurePadRepo(pad.ID); err != nil {
			log.Printf("app: init pad repo %s: %v", pad.ID, err)
		} else if _, err := s.git.CommitSnapshot(padSnapshot(pad), userName, "", "create pad"); err != nil {
			log.Printf("app: initial commit for pad %s: %v", pad.ID, err)
		}
	}
	s.indexPad(pad)
	return pad, nil
}

// AddCollaborator grows a pad's access set. Owner-gated; the target must
// already have an account. The updated collaborator set comes back so the
// caller can render it without a second fetch.
func (s *Service) AddCollaborator(ctx context.Context, actorID, padID, userEmail string) (*store.Pad, error) {
	pad, err := s.store.GetPad(ctx, padID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errPadNotFound()
	}
	if err != nil {
		return nil, err
	}
	if !isMember(pad, actorID) {
		return nil, errNotCollaborator()
	}
	if !rbac.Can(rbac.Normalize(pad.Roles[actorID]), rbac.ActionAddUser) {
		return nil, errNotOwner()
	}

	userEmail = strings.ToLower(strings.TrimSpace(userEmail))
	target, err := s.store.GetUserByEmail(ctx, userEmail)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errUnknownUser(userEmail)
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.AddPadMember(ctx, padID, target.ID, string(rbac.RoleEditor)); err != nil {
		return nil, err
	}

	// A live room keeps gating joins off its cached access set; push the
	// grant in so the new collaborator is admitted without a reload.
	if s.hub != nil {
		s.hub.AddMember(padID, target.ID, string(rbac.RoleEditor))
	}

	updated, err := s.store.GetPad(ctx, padID)
	if err != nil {
		return nil, err
	}
	if err := checkRoleInvariants(updated); err != nil {
		log.Printf("app: pad %s role invariant violated after add-user: %v", padID, err)
		if s.hub != nil {
			// Cached state can no longer be trusted to match storage.
			s.hub.Invalidate(padID)
		}
	}

	if s.email != nil && s.email.IsConfigured() {
		actor, actorErr := s.store.GetUserByID(ctx, actorID)
		inviter := "A collaborator"
		if actorErr == nil {
			inviter = actor.Name
		}
		go func() {
			if err := s.email.SendCollaboratorInvite(target.Email, inviter, pad.Name); err != nil {
				log.Printf("app: invite email to %s: %v", target.Email, err)
			}
		}()
	}

	return updated, nil
}

func checkRoleInvariants(pad *store.Pad) error {
	roles := make(map[string]rbac.Role, len(pad.Roles))
	for userID, role := range pad.Roles {
		roles[userID] = rbac.Normalize(role)
	}
	return rbac.CheckInvariants(roles, pad.Users)
}

// TogglePublish flips visibility with compare-and-swap semantics. When the
// caller supplies the published state it last saw, a concurrent toggle is
// reported as STALE_STATE instead of being silently re-flipped.
func (s *Service) TogglePublish(ctx context.Context, actorID, actorName, padID string, expected *bool) (*store.Pad, error) {
	pad, err := s.store.GetPad(ctx, padID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errPadNotFound()
	}
	if err != nil {
		return nil, err
	}
	if !isMember(pad, actorID) {
		return nil, errNotCollaborator()
	}
	if !rbac.Can(rbac.Normalize(pad.Roles[actorID]), rbac.ActionPublish) {
		return nil, errNotOwner()
	}

	base := pad.Published
	if expected != nil {
		base = *expected
	}
	next := !base

	if err := s.store.SetPublished(ctx, padID, base, next); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return nil, errStaleState()
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, errPadNotFound()
		}
		return nil, err
	}
	pad.Published = next

	if s.hub != nil {
		s.hub.SetPublished(padID, next)
	}
	s.indexPad(pad)

	if next {
		s.archivePublish(pad, actorName)
	}
	return pad, nil
}

// archivePublish records the published revision in git history and object
// storage. Both are best-effort; the toggle itself already succeeded.
func (s *Service) archivePublish(pad *store.Pad, actorName string) {
	if s.git != nil {
		if _, err := s.git.CommitSnapshot(padSnapshot(pad), actorName, "", "publish pad"); err != nil {
			log.Printf("app: publish commit for pad %s: %v", pad.ID, err)
		}
	}
	if s.archive != nil {
		snapshot := padSnapshot(pad)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.archive.ArchiveSnapshot(ctx, pad.ID, snapshot); err != nil {
				log.Printf("app: archive pad %s: %v", pad.ID, err)
			}
		}()
	}
}

func (s *Service) SearchPads(_ context.Context, authenticated bool, text string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(search.Query{
		Text:          text,
		Limit:         limit,
		Offset:        offset,
		PublishedOnly: !authenticated,
	})
}

func (s *Service) PadHistory(ctx context.Context, userID, padID string, limit int) ([]store.CommitInfo, error) {
	if _, err := s.GetPad(ctx, padID, userID); err != nil {
		return nil, err
	}
	if s.git == nil {
		return []store.CommitInfo{}, nil
	}
	commits, err := s.git.History(padID, limit)
	if err != nil {
		return nil, err
	}
	if commits == nil {
		commits = []store.CommitInfo{}
	}
	return commits, nil
}

func (s *Service) PadSnapshotAt(ctx context.Context, userID, padID, hash string) (*gitrepo.Snapshot, error) {
	if _, err := s.GetPad(ctx, padID, userID); err != nil {
		return nil, err
	}
	if s.git == nil {
		return nil, errPadNotFound()
	}
	snap, err := s.git.GetSnapshotByHash(padID, hash)
	if errors.Is(err, gitrepo.ErrNotFound) {
		return nil, domainError(404, "SNAPSHOT_NOT_FOUND", "No snapshot at that revision", nil)
	}
	return snap, err
}

func (s *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []store.User{}
	}
	return users, nil
}

// ActivePadUsers reports who currently has the pad open.
func (s *Service) ActivePadUsers(ctx context.Context, userID, padID string) ([]realtime.PresenceUser, error) {
	if _, err := s.GetPad(ctx, padID, userID); err != nil {
		return nil, err
	}
	if s.hub == nil {
		return []realtime.PresenceUser{}, nil
	}
	users := s.hub.ActiveUsers(padID)
	if users == nil {
		users = []realtime.PresenceUser{}
	}
	return users, nil
}

// --- realtime bridge ---

// LoadPad feeds the hub when the first session opens a pad.
func (s *Service) LoadPad(ctx context.Context, padID, userID string) (*realtime.PadState, error) {
	pad, err := s.store.GetPad(ctx, padID)
	if err != nil {
		return nil, err
	}
	if !isMember(pad, userID) {
		return nil, realtime.ErrNoAccess
	}
	return &realtime.PadState{
		PadID:      pad.ID,
		Name:       pad.Name,
		Abstract:   pad.Abstract,
		Sections:   pad.Sections,
		Authors:    pad.Authors,
		References: pad.References,
		Published:  pad.Published,
		Users:      pad.Users,
		Roles:      pad.Roles,
	}, nil
}

// PersistPad writes a mutated room snapshot back to Postgres.
func (s *Service) PersistPad(ctx context.Context, state *realtime.PadState) error {
	pad := &store.Pad{
		ID:         state.PadID,
		Name:       state.Name,
		Abstract:   state.Abstract,
		Sections:   state.Sections,
		Authors:    state.Authors,
		References: state.References,
		Published:  state.Published,
	}
	if err := s.store.UpdatePadContent(ctx, pad); err != nil {
		return err
	}
	s.indexPad(pad)
	return nil
}

func (s *Service) indexPad(pad *store.Pad) {
	if s.search == nil {
		return
	}
	s.search.IndexPad(search.PadRecord{
		ID:        pad.ID,
		Name:      pad.Name,
		Abstract:  pad.Abstract,
		Published: pad.Published,
	})
}

func isMember(pad *store.Pad, userID string) bool {
	for _, id := range pad.Users {
		if id == userID {
			return true
		}
	}
	return false
}

func padSnapshot(pad *store.Pad) gitrepo.Snapshot {
	return gitrepo.Snapshot{
		PadID:      pad.ID,
		Name:       pad.Name,
		Abstract:   pad.Abstract,
		Sections:   pad.Sections,
		Authors:    pad.Authors,
		References: pad.References,
		Published:  pad.Published,
	}
}
