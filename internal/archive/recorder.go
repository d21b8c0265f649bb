/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/pcm"
	"github.com/rs/zerolog"
)

// uploadTimeout bounds a single chunk upload. Chunks can be large, so
// this is generous; a failed upload leaves the chunk in the spool.
const uploadTimeout = 10 * time.Minute

type RecorderConfig struct {
	SpoolDir   string        // where open chunks are written
	Rotate     time.Duration // audio length per chunk
	FrameBytes int
	// Buffer is how much audio may queue while the disk stalls.
	Buffer time.Duration
}

// Recorder is a secondary sink that captures the program output into
// rotating WAV chunks and hands finished chunks to a Store. WriteFrame
// never blocks: when the writer stalls, the incoming frame is shed.
type Recorder struct {
	cfg          RecorderConfig
	store        Store
	logger       zerolog.Logger
	bus          *events.Bus
	rotateFrames int

	frames       chan []byte
	uploads      chan *chunkFile
	writerDone   chan struct{}
	uploaderDone chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc

	// chunk and seq belong to the writer goroutine.
	chunk *chunkFile
	seq   int

	drops atomic.Uint64

	mu      sync.Mutex
	healthy bool
}

func NewRecorder(cfg RecorderConfig, store Store, logger zerolog.Logger, bus *events.Bus) *Recorder {
	if cfg.Rotate <= 0 {
		cfg.Rotate = time.Hour
	}
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = pcm.DefaultFrameBytes
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 2 * time.Second
	}
	rotateFrames := pcm.FramesFor(cfg.Rotate, cfg.FrameBytes)
	if rotateFrames < 1 {
		rotateFrames = 1
	}
	return &Recorder{
		cfg:          cfg,
		store:        store,
		logger:       logger,
		bus:          bus,
		rotateFrames: rotateFrames,
		frames:       make(chan []byte, pcm.FramesFor(cfg.Buffer, cfg.FrameBytes)),
		uploads:      make(chan *chunkFile, 8),
		writerDone:   make(chan struct{}),
		uploaderDone: make(chan struct{}),
	}
}

func (r *Recorder) Name() string { return "archive" }

// Start opens the first chunk so a broken spool directory fails loud,
// then brings up the writer and uploader workers.
func (r *Recorder) Start(ctx context.Context) error {
	if err := os.MkdirAll(r.cfg.SpoolDir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	if err := r.openChunk(); err != nil {
		return err
	}
	r.setHealthy(true)

	go r.writer()
	go r.uploader()

	r.logger.Info().
		Str("spool", r.cfg.SpoolDir).
		Str("store", r.store.Name()).
		Dur("rotate", r.cfg.Rotate).
		Msg("archive recorder started")
	return nil
}

// WriteFrame queues a frame for recording. Always returns nil.
func (r *Recorder) WriteFrame(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)

	select {
	case r.frames <- cp:
	default:
		d := r.drops.Add(1)
		if d == 1 || d%256 == 0 {
			r.logger.Debug().Uint64("dropped_total", d).Msg("archive buffer full, shedding frame")
			r.bus.Publish(events.EventSinkDropped, events.Payload{
				"sink":          r.Name(),
				"dropped_total": d,
			})
		}
	}
	return nil
}

// Stop finishes the open chunk and waits for pending uploads.
func (r *Recorder) Stop() error {
	if r.cancel != nil {
		r.cancel()
		<-r.writerDone
		<-r.uploaderDone
	}
	return nil
}

func (r *Recorder) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthy
}

func (r *Recorder) writer() {
	defer close(r.writerDone)
	defer close(r.uploads)

	for {
		select {
		case <-r.ctx.Done():
			// Producers have stopped; drain what is queued.
			for {
				select {
				case frame := <-r.frames:
					r.handleFrame(frame)
				default:
					r.finishChunk()
					return
				}
			}
		case frame := <-r.frames:
			r.handleFrame(frame)
		}
	}
}

func (r *Recorder) handleFrame(frame []byte) {
	if r.chunk == nil {
		if err := r.openChunk(); err != nil {
			r.degrade(err)
			return // frame lost while the spool is unwritable
		}
		r.setHealthy(true)
	}

	if err := r.chunk.writeFrame(frame); err != nil {
		r.logger.Error().Err(err).Str("path", r.chunk.path).Msg("archive write failed, discarding chunk")
		r.chunk.discard()
		r.chunk = nil
		r.degrade(err)
		return
	}

	if r.chunk.frames >= r.rotateFrames {
		r.rotate()
	}
}

func (r *Recorder) openChunk() error {
	c, err := createChunk(r.cfg.SpoolDir, time.Now(), r.seq)
	if err != nil {
		return err
	}
	r.seq++
	r.chunk = c
	return nil
}

func (r *Recorder) rotate() {
	c := r.chunk
	r.chunk = nil

	if err := c.close(); err != nil {
		r.logger.Error().Err(err).Str("path", c.path).Msg("closing archive chunk failed")
		return
	}

	r.bus.Publish(events.EventArchiveRotated, events.Payload{
		"sink":    r.Name(),
		"path":    c.path,
		"seconds": c.duration().Seconds(),
	})

	select {
	case r.uploads <- c:
	default:
		r.logger.Warn().Str("path", c.path).Msg("upload queue full, chunk stays in spool")
	}
}

// finishChunk closes out the partial chunk at shutdown. An empty chunk
// is just removed.
func (r *Recorder) finishChunk() {
	if r.chunk == nil {
		return
	}
	if r.chunk.frames == 0 {
		r.chunk.discard()
		r.chunk = nil
		return
	}
	r.rotate()
}

func (r *Recorder) uploader() {
	defer close(r.uploaderDone)

	for c := range r.uploads {
		key := chunkKey(c.started, filepath.Base(c.path))

		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		location, err := r.store.Save(ctx, key, c.path)
		cancel()

		if err != nil {
			r.logger.Error().Err(err).Str("path", c.path).Msg("archive upload failed, chunk stays in spool")
			continue
		}

		r.logger.Info().
			Str("location", location).
			Float64("seconds", c.duration().Seconds()).
			Msg("archive chunk stored")
		r.bus.Publish(events.EventArchiveUploaded, events.Payload{
			"sink":     r.Name(),
			"key":      key,
			"location": location,
			"store":    r.store.Name(),
		})
	}
}

func (r *Recorder) degrade(err error) {
	r.mu.Lock()
	was := r.healthy
	r.healthy = false
	r.mu.Unlock()

	if was {
		r.bus.Publish(events.EventSinkDegraded, events.Payload{
			"sink":  r.Name(),
			"error": err.Error(),
		})
	}
}

func (r *Recorder) setHealthy(v bool) {
	r.mu.Lock()
	was := r.healthy
	r.healthy = v
	r.mu.Unlock()

	if v && !was && r.ctx != nil && r.ctx.Err() == nil {
		r.bus.Publish(events.EventSinkRecovered, events.Payload{"sink": r.Name()})
	}
}

// chunkKey files chunks by recording date, slash separated for object
// stores.
func chunkKey(started time.Time, base string) string {
	return path.Join(started.UTC().Format("2006/01/02"), base)
}
