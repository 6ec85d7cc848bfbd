// Package client is the sync session a desktop GIS plugin drives: login,
// project selection, viewport fetch and idempotent upload against the
// geosync API.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/geosync/internal/core/httpclient"
	"github.com/mohammed-shakir/geosync/internal/core/model"
	"github.com/mohammed-shakir/geosync/internal/planner"
)

type State int

const (
	Anonymous State = iota
	Authenticating
	Authenticated
	Refreshing
	LoggedOut
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	case LoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of the session. Generation increases every
// time the token pair changes.
type Snapshot struct {
	State      State
	UserID     string
	Projects   []model.Project
	Project    int64
	Access     string
	Refresh    string
	Generation uint64
}

type Config struct {
	BaseURL string
	// LayerPrefix names fetched layers, e.g. "QGIS" gives "QGIS_Point".
	LayerPrefix    string
	Timeout        time.Duration
	RefreshTimeout time.Duration
	HTTPClient     *http.Client
	Log            *slog.Logger
	// Planner normalizes viewports before they leave the client. Defaults to
	// planner.New(), which targets EPSG:4326.
	Planner *planner.Planner
	// BatchSize caps the features sent per upload request.
	BatchSize int
}

const defaultBatchSize = 1000

type Session struct {
	baseURL        string
	prefix         string
	refreshTimeout time.Duration
	hc             *http.Client
	log            *slog.Logger
	planner        *planner.Planner
	batchSize      int

	snap    atomic.Pointer[Snapshot]
	refresh singleflight.Group
}

func New(cfg Config) *Session {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpclient.NewOutbound(httpclient.Options{Timeout: cfg.Timeout})
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	prefix := cfg.LayerPrefix
	if prefix == "" {
		prefix = "QGIS"
	}
	rt := cfg.RefreshTimeout
	if rt <= 0 {
		rt = 15 * time.Second
	}
	pl := cfg.Planner
	if pl == nil {
		pl = planner.New()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	s := &Session{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		prefix:         prefix,
		refreshTimeout: rt,
		hc:             hc,
		log:            log,
		planner:        pl,
		batchSize:      batch,
	}
	s.snap.Store(&Snapshot{State: Anonymous})
	return s
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	snap := *s.snap.Load()
	snap.Projects = slices.Clone(snap.Projects)
	return snap
}

// update applies fn to the current snapshot until the swap wins.
func (s *Session) update(fn func(Snapshot) Snapshot) Snapshot {
	for {
		cur := s.snap.Load()
		next := fn(*cur)
		if s.snap.CompareAndSwap(cur, &next) {
			return next
		}
	}
}

func (s *Session) reset(state State) {
	s.snap.Store(&Snapshot{State: state, Generation: s.snap.Load().Generation + 1})
}

type LoginResult struct {
	UserID   string
	Projects []model.Project
}

func (s *Session) Login(ctx context.Context, email, password string) (LoginResult, error) {
	s.update(func(cur Snapshot) Snapshot {
		return Snapshot{State: Authenticating, Generation: cur.Generation}
	})

	var lr model.LoginResponse
	err := s.call(ctx, http.MethodPost, "/api/auth/login", "", model.Credentials{Email: email, Password: password}, &lr)
	if err != nil {
		s.reset(Anonymous)
		var te *transportError
		switch {
		case errors.Is(err, errUnauthorized):
			return LoginResult{}, &AuthError{Kind: InvalidCredentials}
		case errors.As(err, &te):
			return LoginResult{}, &AuthError{Kind: Transport, Err: te.err}
		default:
			return LoginResult{}, fmt.Errorf("login: %w", err)
		}
	}

	s.update(func(cur Snapshot) Snapshot {
		return Snapshot{
			State:      Authenticated,
			UserID:     lr.UserID,
			Projects:   slices.Clone(lr.Projects),
			Access:     lr.AccessToken,
			Refresh:    lr.RefreshToken,
			Generation: cur.Generation + 1,
		}
	})
	s.log.InfoContext(ctx, "logged in", "user_id", lr.UserID, "projects", len(lr.Projects))
	return LoginResult{UserID: lr.UserID, Projects: lr.Projects}, nil
}

// SelectProject picks the project fetch and upload operate on.
func (s *Session) SelectProject(id int64) error {
	var err error
	s.update(func(cur Snapshot) Snapshot {
		err = nil
		if cur.State != Authenticated && cur.State != Refreshing {
			err = ErrNotLoggedIn
			return cur
		}
		if !slices.ContainsFunc(cur.Projects, func(p model.Project) bool { return p.ID == id }) {
			err = fmt.Errorf("%w: %d", ErrUnknownProject, id)
			return cur
		}
		cur.Project = id
		return cur
	})
	return err
}

// Logout revokes the refresh token on a best effort basis and always ends
// Anonymous.
func (s *Session) Logout(ctx context.Context) error {
	cur := s.snap.Load()
	var err error
	if cur.Refresh != "" {
		err = s.call(ctx, http.MethodPost, "/api/auth/logout", cur.Access, model.RefreshRequest{RefreshToken: cur.Refresh}, nil)
		if err != nil {
			s.log.WarnContext(ctx, "server logout failed", "err", err)
		}
	}
	s.reset(LoggedOut)
	s.reset(Anonymous)
	return err
}

// doAuthorized runs one authorized call. A 401 triggers exactly one token
// refresh followed by exactly one retry; anything past that expires the
// session.
func (s *Session) doAuthorized(ctx context.Context, path string, body, out any) error {
	cur := s.snap.Load()
	if cur.Access == "" {
		return ErrNotLoggedIn
	}
	err := s.call(ctx, http.MethodPost, path, cur.Access, body, out)
	if !errors.Is(err, errUnauthorized) {
		return err
	}

	if err := s.renew(ctx, cur.Generation); err != nil {
		return err
	}
	next := s.snap.Load()
	err = s.call(ctx, http.MethodPost, path, next.Access, body, out)
	if errors.Is(err, errUnauthorized) {
		s.expire(ctx, "retry rejected")
		return ErrSessionExpired
	}
	return err
}

// renew refreshes the token pair seen at generation gen. Callers that saw an
// older generation reuse whatever refresh already happened.
func (s *Session) renew(ctx context.Context, gen uint64) error {
	_, err, _ := s.refresh.Do("refresh", func() (any, error) {
		cur := s.snap.Load()
		if cur.Generation != gen {
			if cur.Access == "" {
				return nil, ErrSessionExpired
			}
			return nil, nil
		}
		if cur.Refresh == "" {
			s.expire(ctx, "no refresh token")
			return nil, ErrSessionExpired
		}
		s.update(func(c Snapshot) Snapshot {
			if c.Generation == gen {
				c.State = Refreshing
			}
			return c
		})

		// shared by every waiter, so the first caller's cancellation must not decide it
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
		defer cancel()
		var rr model.RefreshResponse
		if err := s.call(rctx, http.MethodPost, "/api/auth/refresh", "", model.RefreshRequest{RefreshToken: cur.Refresh}, &rr); err != nil {
			s.expire(ctx, err.Error())
			return nil, &AuthError{Kind: SessionExpired, Err: err}
		}
		s.update(func(c Snapshot) Snapshot {
			c.State = Authenticated
			c.Access = rr.AccessToken
			c.Refresh = rr.RefreshToken
			c.Generation++
			return c
		})
		s.log.DebugContext(ctx, "token refreshed")
		return nil, nil
	})
	return err
}

func (s *Session) expire(ctx context.Context, reason string) {
	s.log.WarnContext(ctx, "session expired", "reason", reason)
	s.reset(Anonymous)
}

// scope returns the snapshot for a project bound operation without touching
// the network.
func (s *Session) scope() (*Snapshot, error) {
	cur := s.snap.Load()
	if cur.Project == 0 {
		return nil, ErrNoProjectSelected
	}
	if cur.Access == "" {
		return nil, ErrNotLoggedIn
	}
	return cur, nil
}
