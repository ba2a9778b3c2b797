package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/banshee-data/aura/internal/camera"
	"github.com/banshee-data/aura/internal/httputil"
	"github.com/banshee-data/aura/internal/ingest"
	"github.com/banshee-data/aura/internal/scene"
	"github.com/banshee-data/aura/internal/units"
	"github.com/banshee-data/aura/internal/version"
	"github.com/banshee-data/aura/internal/vision"
)

// Status strings returned by the ingest endpoints.
const (
	StatusRunning      = "Aura ingest running"
	StatusOK           = "ok"
	StatusLidarUpdated = "lidar updated"
	StatusNoData       = "no data"
)

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		httputil.NotFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"status":  StatusRunning,
		"version": version.Get(),
	})
}

// frameResponse is the body of a processed frame. Status is "ok" for both
// committed and superseded frames; State tells them apart.
type frameResponse struct {
	Status         string       `json:"status"`
	EventID        string       `json:"event_id"`
	Seq            uint64       `json:"seq"`
	State          ingest.State `json:"state"`
	Distance       float64      `json:"distance_m"`
	DistanceSource string       `json:"distance_source"`
	Scene          *scene.Scene `json:"scene,omitempty"`
}

func (s *Server) frameHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var fe ingest.FrameEvent
	if err := httputil.DecodeJSONBody(w, r, &fe, s.maxBytes); err != nil {
		httputil.WriteDecodeError(w, err)
		return
	}

	out, err := s.coord.HandleFrame(r.Context(), fe)
	if err != nil {
		writeIngestError(w, err)
		return
	}
	httputil.WriteJSONOK(w, frameResponse{
		Status:         StatusOK,
		EventID:        out.EventID,
		Seq:            out.Seq,
		State:          out.State,
		Distance:       out.Distance,
		DistanceSource: out.DistanceSource,
		Scene:          out.Scene,
	})
}

func (s *Server) lidarHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	// distance is required; a missing field must not read as 0 m.
	var body struct {
		Distance *float64 `json:"distance"`
		Source   string   `json:"source"`
	}
	if err := httputil.DecodeJSONBody(w, r, &body, s.maxBytes); err != nil {
		httputil.WriteDecodeError(w, err)
		return
	}
	if body.Distance == nil {
		httputil.BadRequest(w, "distance is required")
		return
	}

	if _, err := s.coord.HandleDistance(r.Context(), ingest.DistanceEvent{Meters: *body.Distance, Source: body.Source}); err != nil {
		writeIngestError(w, err)
		return
	}
	httputil.WriteStatus(w, StatusLidarUpdated)
}

// writeIngestError maps coordinator errors to HTTP statuses.
func writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidImageRef), errors.Is(err, ingest.ErrInvalidDistance):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, vision.ErrTimeout):
		httputil.GatewayTimeout(w, err.Error())
	case errors.Is(err, vision.ErrCanceled):
		// The client went away; nobody reads this.
		httputil.WriteJSONError(w, 499, err.Error())
	default:
		var de *vision.DetectError
		if errors.As(err, &de) {
			httputil.BadGateway(w, err.Error())
			return
		}
		log.Printf("[api] unexpected ingest error: %v", err)
		httputil.InternalServerError(w, "internal error")
	}
}

// sceneView is a scene with distances converted to Units.
type sceneView struct {
	scene.Scene
	Units string `json:"units"`
}

func parseUnits(r *http.Request) (string, error) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return units.Meters, nil
	}
	if !units.IsValid(u) {
		return "", fmt.Errorf("invalid units %q (valid: %s)", u, units.GetValidUnitsString())
	}
	return u, nil
}

func convertScene(sc scene.Scene, unit string) sceneView {
	if unit == units.Meters {
		return sceneView{Scene: sc, Units: unit}
	}
	out := sc.Clone()
	if out.Distance != nil {
		v := units.ConvertDistance(*out.Distance, unit)
		out.Distance = &v
	}
	for _, list := range [][]scene.Entity{out.Objects, out.People} {
		for i := range list {
			if list[i].DistanceMeters != nil {
				v := units.ConvertDistance(*list[i].DistanceMeters, unit)
				list[i].DistanceMeters = &v
			}
		}
	}
	return sceneView{Scene: out, Units: unit}
}

func (s *Server) latestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	unit, err := parseUnits(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sc, ok := s.coord.Store().Get()
	if !ok {
		httputil.WriteStatus(w, StatusNoData)
		return
	}
	httputil.WriteJSONOK(w, convertScene(sc, unit))
}

// streamHandler sends every installed scene as a Server-Sent Event,
// starting with the current one.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	unit, err := parseUnits(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	store := s.coord.Store()
	id, updates := store.Subscribe()
	s.metrics.RecordSubscribers(store.SubscriberCount())
	defer func() {
		store.Unsubscribe(id)
		s.metrics.RecordSubscribers(store.SubscriberCount())
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx
	w.WriteHeader(http.StatusOK)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	var buf bytes.Buffer
	send := func(sc scene.Scene) error {
		b, err := json.Marshal(convertScene(sc, unit))
		if err != nil {
			return err
		}
		buf.Reset()
		fmt.Fprintf(&buf, "id: %d\nevent: scene\ndata: %s\n\n", sc.Version, b)
		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	var sent uint64
	if sc, ok := store.Get(); ok {
		if err := send(sc); err != nil {
			return
		}
		sent = sc.Version
	}
	for {
		select {
		case sc, ok := <-updates:
			if !ok {
				return
			}
			if sc.Version <= sent {
				continue
			}
			if err := send(sc); err != nil {
				return
			}
			sent = sc.Version
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.journal == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}

	kind := r.URL.Query().Get("kind")
	switch kind {
	case "", ingest.KindFrame, ingest.KindDistance:
	default:
		httputil.BadRequest(w, fmt.Sprintf("invalid kind %q (valid: %s, %s)", kind, ingest.KindFrame, ingest.KindDistance))
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.journal.RecentEvents(r.Context(), kind, limit)
	if err != nil {
		log.Printf("[api] failed to read journal: %v", err)
		httputil.InternalServerError(w, "failed to read journal")
		return
	}
	httputil.WriteJSONOK(w, events)
}

// statsResponse is the body of GET /api/stats.
type statsResponse struct {
	ingest.Stats
	DistanceM   *float64            `json:"distance_m,omitempty"`
	Camera      *camera.PollerStats `json:"camera,omitempty"`
	Rangefinder map[string]any      `json:"rangefinder,omitempty"`
	Version     version.Info        `json:"version"`
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := statsResponse{Stats: s.coord.Stats(), Version: version.Get()}
	if reading, ok := s.coord.Store().LatestDistance(); ok {
		d := reading.Meters
		resp.DistanceM = &d
	}
	if s.camera != nil {
		st := s.camera.Stats()
		resp.Camera = &st
	}
	if s.device != nil {
		if snap := s.device.Snapshot(); len(snap) > 0 {
			resp.Rangefinder = snap
		}
	}
	httputil.WriteJSONOK(w, resp)
}
