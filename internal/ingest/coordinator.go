// Package ingest turns inbound sensor events into scene store updates. A
// frame event runs the vision detector and commits a freshly fused scene; a
// distance event re-annotates the current scene.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/aura/internal/monitoring"
	"github.com/banshee-data/aura/internal/scene"
	"github.com/banshee-data/aura/internal/timeutil"
	"github.com/banshee-data/aura/internal/vision"
)

var logf = monitoring.Component("ingest")

// Defaults applied by NewCoordinator to zero Config fields.
const (
	DefaultVisionTimeout   = 10 * time.Second
	DefaultDistanceMeters  = 2.0
	DefaultLatencyWindow   = 256
	journalWriteTimeout    = 2 * time.Second
	distanceSourceFallback = "lidar"
)

// Journal persists event outcomes. Writes are best effort: a failing
// journal is logged and never fails the event.
type Journal interface {
	RecordOutcome(ctx context.Context, o Outcome) error
}

// Config configures a Coordinator. Only Store and Detector are required.
type Config struct {
	Store    *scene.Store
	Detector vision.Detector

	// VisionTimeout bounds each detector call.
	VisionTimeout time.Duration
	// DefaultDistance is fused when a frame has no distance and no range
	// reading has been received. Nil means DefaultDistanceMeters.
	DefaultDistance *float64
	// ImageDirs enables local file image references inside these
	// directories.
	ImageDirs []string

	Journal       Journal
	Metrics       *monitoring.Metrics
	Clock         timeutil.Clock
	LatencyWindow int
}

// Coordinator drives every inbound event to a terminal state. It is safe for
// concurrent use; frame and distance events may be handled in parallel.
type Coordinator struct {
	store     *scene.Store
	detector  vision.Detector
	timeout   time.Duration
	fallback  float64
	imageDirs []string

	journal Journal
	metrics *monitoring.Metrics
	clock   timeutil.Clock

	latency   *monitoring.SampleWindow
	distances *monitoring.SampleWindow

	seq      atomic.Uint64
	inFlight atomic.Int64

	countsMu sync.Mutex
	counts   map[string]map[string]uint64

	newID func() string
}

// NewCoordinator validates cfg and returns a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("ingest: nil scene store")
	}
	if cfg.Detector == nil {
		return nil, errors.New("ingest: nil detector")
	}
	c := &Coordinator{
		store:     cfg.Store,
		detector:  cfg.Detector,
		timeout:   cfg.VisionTimeout,
		fallback:  DefaultDistanceMeters,
		imageDirs: cfg.ImageDirs,
		journal:   cfg.Journal,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		counts:    make(map[string]map[string]uint64),
		newID:     uuid.NewString,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultVisionTimeout
	}
	if cfg.DefaultDistance != nil {
		if err := validateDistance(*cfg.DefaultDistance); err != nil {
			return nil, fmt.Errorf("default distance: %w", err)
		}
		c.fallback = *cfg.DefaultDistance
	}
	if c.clock == nil {
		c.clock = timeutil.RealClock{}
	}
	window := cfg.LatencyWindow
	if window <= 0 {
		window = DefaultLatencyWindow
	}
	c.latency = monitoring.NewSampleWindow(window)
	c.distances = monitoring.NewSampleWindow(window)
	return c, nil
}

// Store returns the scene store the coordinator writes to.
func (c *Coordinator) Store() *scene.Store { return c.store }

// HandleFrame runs one frame event to completion: validate, dispatch to the
// detector under the vision timeout, fuse, commit. It returns an error only
// for rejected input or a failed detection; a superseded result is reported
// through Outcome.State with a nil error. The store is untouched on failure.
func (c *Coordinator) HandleFrame(ctx context.Context, fe FrameEvent) (Outcome, error) {
	if err := validateImageRef(fe.ImageRef, c.imageDirs); err != nil {
		c.count(KindFrame, "rejected")
		return Outcome{}, err
	}
	if fe.Distance != nil {
		if err := validateDistance(*fe.Distance); err != nil {
			c.count(KindFrame, "rejected")
			return Outcome{}, err
		}
	}

	ev := &event{out: Outcome{
		EventID:    c.newID(),
		Kind:       KindFrame,
		Seq:        c.seq.Add(1),
		State:      StateReceived,
		ImageRef:   fe.ImageRef,
		ReceivedAt: c.clock.Now(),
	}}
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	distance, distanceSeq := c.resolveDistance(ev, fe.Distance)

	ev.advance(StateDispatched)
	res, err := c.detect(ctx, fe.ImageRef, distance, ev)
	if err != nil {
		ev.out.Err = err
		ev.advance(StateFailed)
		logf("frame %s (seq %d) failed: %v", ev.out.EventID, ev.out.Seq, err)
		return c.finish(ctx, ev), err
	}

	objects := res.Objects
	if objects == nil {
		objects = []scene.Entity{}
	}
	people := res.People
	if people == nil {
		people = []scene.Entity{}
	}
	d := distance
	next := scene.Scene{
		FrameSeq:       ev.out.Seq,
		DistanceSeq:    distanceSeq,
		Distance:       &d,
		EventID:        ev.out.EventID,
		Context:        res.Context,
		Objects:        scene.Fuse(objects, distance),
		People:         scene.Fuse(people, distance),
		AnnotatedImage: res.AnnotatedImage,
		CapturedAt:     ev.out.ReceivedAt,
	}
	ev.advance(StateFused)

	installed, err := c.store.Commit(next)
	if errors.Is(err, scene.ErrStaleFrame) {
		ev.advance(StateSuperseded)
		logf("frame %s (seq %d) superseded by a newer frame", ev.out.EventID, ev.out.Seq)
		return c.finish(ctx, ev), nil
	}
	if err != nil {
		// Commit has no other failure mode today.
		ev.out.Err = err
		ev.advance(StateFailed)
		return c.finish(ctx, ev), err
	}

	ev.out.Scene = &installed
	if installed.Distance != nil && installed.DistanceSeq != distanceSeq {
		ev.out.Distance = *installed.Distance
		ev.out.DistanceSource = SourceLatest
	}
	ev.advance(StateCommitted)
	c.metrics.RecordScene(installed.Version, len(installed.Objects), len(installed.People))
	return c.finish(ctx, ev), nil
}

// resolveDistance picks the distance to fuse: the event's own, else the
// latest reading, else the configured default.
func (c *Coordinator) resolveDistance(ev *event, own *float64) (float64, uint64) {
	if own != nil {
		ev.out.Distance, ev.out.DistanceSource = *own, SourceEvent
		return *own, ev.out.Seq
	}
	if r, ok := c.store.LatestDistance(); ok {
		ev.out.Distance, ev.out.DistanceSource = r.Meters, SourceLatest
		return r.Meters, r.Seq
	}
	ev.out.Distance, ev.out.DistanceSource = c.fallback, SourceDefault
	return c.fallback, 0
}

type detectResult struct {
	res vision.Result
	err error
}

// detect calls the detector on its own goroutine so that a detector which
// ignores its context still cannot hold the caller past the timeout.
func (c *Coordinator) detect(ctx context.Context, imageRef string, distance float64, ev *event) (vision.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.clock.Now()
	done := make(chan detectResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logf("detector panic on %s: %v", imageRef, r)
				done <- detectResult{err: &vision.DetectError{
					ImageRef: imageRef,
					Kind:     vision.ErrWorkerFailed,
					Cause:    fmt.Errorf("detector panic: %v", r),
				}}
			}
		}()
		res, err := c.detector.Detect(ctx, imageRef, distance)
		done <- detectResult{res, err}
	}()

	var out detectResult
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = vision.ContextError(ctx, imageRef)
	}

	elapsed := c.clock.Since(start)
	ev.out.DetectDuration = elapsed
	c.latency.Add(start, elapsed.Seconds())
	c.metrics.RecordDetect(elapsed)

	if out.err != nil {
		var de *vision.DetectError
		if !errors.As(out.err, &de) {
			out.err = &vision.DetectError{ImageRef: imageRef, Kind: vision.ErrWorkerFailed, Cause: out.err}
		}
		return vision.Result{}, out.err
	}
	return out.res, nil
}

// HandleDistance applies one range reading. It never invokes the detector.
func (c *Coordinator) HandleDistance(ctx context.Context, de DistanceEvent) (Outcome, error) {
	if err := validateDistance(de.Meters); err != nil {
		c.count(KindDistance, "rejected")
		return Outcome{}, err
	}
	source := de.Source
	if source == "" {
		source = distanceSourceFallback
	}

	ev := &event{out: Outcome{
		EventID:        c.newID(),
		Kind:           KindDistance,
		Seq:            c.seq.Add(1),
		State:          StateReceived,
		ReceivedAt:     c.clock.Now(),
		Distance:       de.Meters,
		DistanceSource: source,
	}}

	installed, res := c.store.ApplyDistance(scene.DistanceReading{
		Meters: de.Meters,
		At:     ev.out.ReceivedAt,
		Seq:    ev.out.Seq,
		Source: source,
	})
	switch res {
	case scene.DistanceApplied:
		ev.out.Scene = &installed
		ev.advance(StateApplied)
		c.metrics.RecordScene(installed.Version, len(installed.Objects), len(installed.People))
	case scene.DistanceNoScene:
		ev.advance(StateNoScene)
	default:
		ev.advance(StateSuperseded)
	}
	if ev.out.State != StateSuperseded {
		c.distances.Add(ev.out.ReceivedAt, de.Meters)
		c.metrics.RecordDistance(de.Meters)
	}
	return c.finish(ctx, ev), nil
}

// finish counts and journals a terminal outcome.
func (c *Coordinator) finish(ctx context.Context, ev *event) Outcome {
	out := ev.out
	c.count(out.Kind, out.State.String())
	c.metrics.RecordEvent(out.Kind, out.State.String())

	if c.journal != nil {
		// The request context may already be done (a timed-out frame), the
		// journal write gets its own deadline.
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalWriteTimeout)
		if err := c.journal.RecordOutcome(jctx, out); err != nil {
			logf("journal write for %s %s failed: %v", out.Kind, out.EventID, err)
		}
		cancel()
	}
	return out
}

func (c *Coordinator) count(kind, state string) {
	c.countsMu.Lock()
	defer c.countsMu.Unlock()
	byState, ok := c.counts[kind]
	if !ok {
		byState = make(map[string]uint64)
		c.counts[kind] = byState
	}
	byState[state]++
}
