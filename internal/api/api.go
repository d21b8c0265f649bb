/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the station's control surface over HTTP: status and
// queue reads for anyone with a token, playout controls for operators.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/friendsincode/skald/internal/auth"
	"github.com/friendsincode/skald/internal/dj"
	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/logbuffer"
	"github.com/friendsincode/skald/internal/mixer"
	"github.com/friendsincode/skald/internal/models"
	"github.com/friendsincode/skald/internal/playout"
	"github.com/friendsincode/skald/internal/sink"
	"github.com/friendsincode/skald/internal/version"
)

// tokenTTL is how long a login-minted JWT stays valid.
const tokenTTL = 12 * time.Hour

// Options wires the API. Engine, Bus, and Logger are required; a nil DB
// disables account login and API keys, leaving only the env operator.
type Options struct {
	DB          *gorm.DB
	JWTSecret   []byte
	StationName string
	Engine      *playout.Engine
	Brain       *dj.Brain
	Mixer       *mixer.Mixer
	Sinks       []sink.Sink
	Bus         *events.Bus
	LogBuffer   *logbuffer.Buffer
	Logger      zerolog.Logger

	// Env-configured operator account, usable before any DB user exists.
	OperatorUser         string
	OperatorPasswordHash string
}

// API exposes HTTP handlers.
type API struct {
	db          *gorm.DB
	jwtSecret   []byte
	stationName string
	engine      *playout.Engine
	brain       *dj.Brain
	mixer       *mixer.Mixer
	sinks       []sink.Sink
	bus         *events.Bus
	logBuffer   *logbuffer.Buffer
	logger      zerolog.Logger

	operatorUser string
	operatorHash string

	startedAt time.Time
}

// New creates the API router wrapper.
func New(opts Options) *API {
	return &API{
		db:           opts.DB,
		jwtSecret:    opts.JWTSecret,
		stationName:  opts.StationName,
		engine:       opts.Engine,
		brain:        opts.Brain,
		mixer:        opts.Mixer,
		sinks:        opts.Sinks,
		bus:          opts.Bus,
		logBuffer:    opts.LogBuffer,
		logger:       opts.Logger,
		operatorUser: opts.OperatorUser,
		operatorHash: opts.OperatorPasswordHash,
		startedAt:    time.Now(),
	}
}

// Routes mounts the API under /api/v1.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Get("/now-playing", a.handleNowPlaying)
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(pr chi.Router) {
			pr.Use(a.authMiddleware())

			pr.Get("/status", a.handleStatus)
			pr.Get("/queue", a.handleQueue)
			pr.Get("/history", a.handleHistory)
			pr.Get("/sinks", a.handleSinks)
			pr.Get("/events", a.handleEvents)

			pr.Route("/logs", func(lr chi.Router) {
				lr.Get("/", a.handleLogs)
				lr.Get("/components", a.handleLogComponents)
				lr.Get("/stats", a.handleLogStats)
			})

			pr.Group(func(cr chi.Router) {
				cr.Use(a.requireRoles(models.RoleAdmin, models.RoleOperator))
				cr.Post("/control/duck", a.handleDuck)
				cr.Post("/control/drain", a.handleDrain)
			})
		})
	})
}

func (a *API) authMiddleware() func(http.Handler) http.Handler {
	return auth.Middleware(a.db, a.jwtSecret)
}

func (a *API) requireRoles(allowed ...models.RoleName) func(http.Handler) http.Handler {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, role := range allowed {
		allowedSet[string(role)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			for _, role := range claims.Roles {
				if _, exists := allowedSet[role]; exists {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "insufficient_role")
		})
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := a.engine.State()
	status := "ok"
	code := http.StatusOK
	if state == playout.StateError {
		status = "error"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status": status,
		"state":  state.String(),
	})
}

type nowPlayingResponse struct {
	State   string `json:"state"`
	Kind    string `json:"kind,omitempty"`
	Title   string `json:"title,omitempty"`
	Artist  string `json:"artist,omitempty"`
	Station string `json:"station"`
}

func (a *API) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	resp := nowPlayingResponse{
		State:   a.engine.State().String(),
		Station: a.stationName,
	}
	if cur, ok := a.engine.Current(); ok {
		resp.Kind = string(cur.Kind)
		resp.Title = cur.Title
		resp.Artist = cur.Artist
	}
	writeJSON(w, http.StatusOK, resp)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "credentials_required")
		return
	}

	claims, err := a.authenticate(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	token, err := auth.Issue(a.jwtSecret, *claims, tokenTTL)
	if err != nil {
		a.logger.Error().Err(err).Msg("minting token failed")
		writeError(w, http.StatusInternalServerError, "token_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(tokenTTL.Seconds()),
		"roles":      claims.Roles,
	})
}

// authenticate checks DB accounts first, then the env operator account.
func (a *API) authenticate(username, password string) (*auth.Claims, error) {
	if a.db != nil {
		var user models.User
		err := a.db.First(&user, "username = ?", username).Error
		if err == nil {
			if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
				return nil, errors.New("bad password")
			}
			return &auth.Claims{UserID: user.ID, Roles: []string{string(user.Role)}}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if a.operatorHash != "" && username == a.operatorUser {
		if bcrypt.CompareHashAndPassword([]byte(a.operatorHash), []byte(password)) == nil {
			return &auth.Claims{UserID: uuid.NewString(), Roles: []string{string(models.RoleOperator)}}, nil
		}
	}
	return nil, errors.New("unknown user")
}

type sinkStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

type statusResponse struct {
	Station       string       `json:"station"`
	Version       string       `json:"version"`
	State         string       `json:"state"`
	Draining      bool         `json:"draining"`
	Ducked        bool         `json:"ducked"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	NowPlaying    *queueEntry  `json:"now_playing,omitempty"`
	QueueLength   int          `json:"queue_length"`
	Sinks         []sinkStatus `json:"sinks"`
	SongsPlayed   int64        `json:"songs_played"`
	TalkBreaks    int64        `json:"talk_breaks"`
	TicklerQueue  int          `json:"tickler_backlog"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Station:       a.stationName,
		Version:       version.Version,
		State:         a.engine.State().String(),
		Draining:      a.engine.Draining(),
		UptimeSeconds: int64(time.Since(a.startedAt).Seconds()),
		QueueLength:   a.engine.QueueLen(),
		Sinks:         a.sinkStatuses(),
	}
	if a.mixer != nil {
		resp.Ducked = a.mixer.Ducked()
	}
	if cur, ok := a.engine.Current(); ok {
		e := toQueueEntry(cur)
		resp.NowPlaying = &e
	}
	if a.brain != nil {
		st := a.brain.Counters()
		resp.SongsPlayed = st.SongsPlayed
		resp.TalkBreaks = st.TalkBreaks
		resp.TicklerQueue = a.brain.BacklogLen()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) sinkStatuses() []sinkStatus {
	out := make([]sinkStatus, 0, len(a.sinks))
	for _, s := range a.sinks {
		out = append(out, sinkStatus{Name: s.Name(), Healthy: s.Healthy()})
	}
	return out
}

type queueEntry struct {
	ID       string `json:"id,omitempty"`
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Artist   string `json:"artist,omitempty"`
	Path     string `json:"path"`
	Duration int64  `json:"duration_ms,omitempty"`
}

func toQueueEntry(ev playout.AudioEvent) queueEntry {
	return queueEntry{
		ID:       ev.ID,
		Kind:     string(ev.Kind),
		Title:    ev.Title,
		Artist:   ev.Artist,
		Path:     ev.Path,
		Duration: ev.Duration.Milliseconds(),
	}
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	queue := a.engine.Queue()
	out := make([]queueEntry, len(queue))
	for i, ev := range queue {
		out[i] = toQueueEntry(ev)
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": out})
}

type historyEntry struct {
	Title    string    `json:"title"`
	Artist   string    `json:"artist,omitempty"`
	Path     string    `json:"path"`
	PlayedAt time.Time `json:"played_at"`
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	var out []historyEntry
	if a.brain != nil {
		for _, h := range a.brain.History(limit) {
			out = append(out, historyEntry{
				Title:    h.Title,
				Artist:   h.Artist,
				Path:     h.Path,
				PlayedAt: h.PlayedAt,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

func (a *API) handleSinks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sinks": a.sinkStatuses()})
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeJSON(w, http.StatusOK, map[string]any{"logs": []any{}})
		return
	}
	params := logbuffer.QueryParams{
		Level:     r.URL.Query().Get("level"),
		Component: r.URL.Query().Get("component"),
		Search:    r.URL.Query().Get("search"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			params.Limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": a.logBuffer.Query(params)})
}

func (a *API) handleLogComponents(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeJSON(w, http.StatusOK, map[string]any{"components": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"components": a.logBuffer.Components()})
}

func (a *API) handleLogStats(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeJSON(w, http.StatusOK, logbuffer.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, a.logBuffer.Stats())
}

type duckRequest struct {
	Ducked bool `json:"ducked"`
}

func (a *API) handleDuck(w http.ResponseWriter, r *http.Request) {
	var req duckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	a.mixer.SetDucked(req.Ducked)
	a.logger.Info().Bool("ducked", req.Ducked).Msg("operator duck change")
	writeJSON(w, http.StatusOK, map[string]bool{"ducked": a.mixer.Ducked()})
}

func (a *API) handleDrain(w http.ResponseWriter, r *http.Request) {
	a.engine.BeginDrain()
	a.logger.Info().Msg("operator requested drain")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"draining":     true,
		"queue_length": a.engine.QueueLen(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
