/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package web serves the server-rendered station pages: the public status
// board and the WebRTC monitor player.
package web

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/skald/internal/dj"
	"github.com/friendsincode/skald/internal/mixer"
	"github.com/friendsincode/skald/internal/playout"
	"github.com/friendsincode/skald/internal/sink"
	"github.com/friendsincode/skald/internal/version"
)

// Handler renders the station pages from embedded templates.
type Handler struct {
	logger      zerolog.Logger
	stationName string
	engine      *playout.Engine
	mix         *mixer.Mixer
	brain       *dj.Brain
	sinks       []sink.Sink
	stunURL     string
	startedAt   time.Time

	templates map[string]*template.Template
}

// Options configures the web handler.
type Options struct {
	Logger      zerolog.Logger
	StationName string
	Engine      *playout.Engine
	Mixer       *mixer.Mixer
	Brain       *dj.Brain
	Sinks       []sink.Sink
	STUNURL     string
}

// New builds a Handler and parses every embedded template.
func New(opts Options) (*Handler, error) {
	h := &Handler{
		logger:      opts.Logger.With().Str("component", "web").Logger(),
		stationName: opts.StationName,
		engine:      opts.Engine,
		mix:         opts.Mixer,
		brain:       opts.Brain,
		sinks:       opts.Sinks,
		stunURL:     opts.STUNURL,
		startedAt:   time.Now(),
	}
	if h.stationName == "" {
		h.stationName = "Skald"
	}
	if h.stunURL == "" {
		h.stunURL = "stun:stun.l.google.com:19302"
	}
	if err := h.loadTemplates(); err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	return h, nil
}

func (h *Handler) loadTemplates() error {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
		"formatDuration": func(d time.Duration) string {
			d = d.Round(time.Second)
			if d >= time.Hour {
				return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
			}
			return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
		},
		"jsonMarshal": func(v any) (template.JS, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return template.JS(b), nil
		},
	}

	var layouts, pages []string
	err := fs.WalkDir(TemplateFS, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".html") {
			return nil
		}
		if strings.HasPrefix(path, "templates/layouts/") {
			layouts = append(layouts, path)
		} else if strings.HasPrefix(path, "templates/pages/") {
			pages = append(pages, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	h.templates = make(map[string]*template.Template)
	for _, pagePath := range pages {
		tmpl := template.New("").Funcs(funcMap)
		for _, layoutPath := range layouts {
			content, err := fs.ReadFile(TemplateFS, layoutPath)
			if err != nil {
				return fmt.Errorf("read %s: %w", layoutPath, err)
			}
			name := strings.TrimSuffix(strings.TrimPrefix(layoutPath, "templates/"), ".html")
			if _, err := tmpl.New(name).Parse(string(content)); err != nil {
				return fmt.Errorf("parse %s: %w", layoutPath, err)
			}
		}
		content, err := fs.ReadFile(TemplateFS, pagePath)
		if err != nil {
			return fmt.Errorf("read %s: %w", pagePath, err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(pagePath, "templates/"), ".html")
		if _, err := tmpl.New(name).Parse(string(content)); err != nil {
			return fmt.Errorf("parse %s: %w", pagePath, err)
		}
		h.templates[name] = tmpl
	}
	return nil
}

// PageData is the payload handed to every page template.
type PageData struct {
	Title         string
	Station       string
	Version       string
	CurrentPath   string
	WebRTCSTUNURL string
	Status        *StatusView
}

// StatusView is the rendered snapshot of the playout chain.
type StatusView struct {
	State       string
	Uptime      time.Duration
	QueueLength int
	Draining    bool
	Ducked      bool
	NowPlaying  *TrackView
	Sinks       []SinkView
	SongsPlayed int64
	TalkBreaks  int64
}

// TrackView is one segment shown on the status board.
type TrackView struct {
	Title  string
	Artist string
	Kind   string
}

// SinkView is one output row on the status board.
type SinkView struct {
	Name    string
	Healthy bool
}

func (h *Handler) statusView() *StatusView {
	sv := &StatusView{
		State:       h.engine.State().String(),
		Uptime:      time.Since(h.startedAt),
		QueueLength: h.engine.QueueLen(),
		Draining:    h.engine.Draining(),
	}
	if h.mix != nil {
		sv.Ducked = h.mix.Ducked()
	}
	if cur, ok := h.engine.Current(); ok {
		sv.NowPlaying = &TrackView{Title: cur.Title, Artist: cur.Artist, Kind: string(cur.Kind)}
	}
	for _, s := range h.sinks {
		sv.Sinks = append(sv.Sinks, SinkView{Name: s.Name(), Healthy: s.Healthy()})
	}
	if h.brain != nil {
		st := h.brain.Counters()
		sv.SongsPlayed = st.SongsPlayed
		sv.TalkBreaks = st.TalkBreaks
	}
	return sv
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, page string, data PageData) {
	tmpl, ok := h.templates[page]
	if !ok {
		h.logger.Error().Str("template", page).Msg("template not found")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	data.Station = h.stationName
	data.Version = version.Version
	data.CurrentPath = r.URL.Path
	data.WebRTCSTUNURL = h.stunURL

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "layouts/base", data); err != nil {
		h.logger.Error().Err(err).Str("template", page).Msg("render failed")
	}
}

func (h *Handler) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/status", PageData{Title: "Status", Status: h.statusView()})
}

func (h *Handler) handleListenPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/listen", PageData{Title: "Listen", Status: h.statusView()})
}

// Routes mounts the pages and the embedded static assets.
func (h *Handler) Routes(r chi.Router) {
	staticFS, err := fs.Sub(StaticFS, "static")
	if err != nil {
		h.logger.Error().Err(err).Msg("static fs unavailable")
	} else {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	}
	r.Get("/", h.handleStatusPage)
	r.Get("/listen", h.handleListenPage)
}
