package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jobrelay/internal/eventbus"
	"jobrelay/internal/job"
	"jobrelay/internal/poller"
	"jobrelay/internal/storage"
	logx "jobrelay/pkg/logx"
)

const (
	userHeader  = "X-User-Id"
	maxBodySize = 1 << 20
)

func (s *Service) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Post("/subscriptions", s.handleSubscribe)
			r.Delete("/subscriptions", s.handleUnsubscribe)
			r.Post("/jobs", s.handleCreateJob)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Post("/jobs/{id}/cancel", s.handleCancelJob)
			r.Delete("/jobs/{id}/poll", s.handleCancelPoll)
		})

		r.Post("/queues/{engine}", s.handlePublish)
	})

	if s.cfg.Pprof {
		if h := s.pprofHandler(); h != nil {
			r.Mount("/debug", h)
		}
	}
	return r
}

func (s *Service) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
			logx.String("remote", r.RemoteAddr),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("http request", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userOf(r) == "" {
			writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userOf(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userHeader))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps storage errors onto HTTP statuses.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, storage.ErrExists):
		writeError(w, http.StatusConflict, "job already exists")
	case errors.Is(err, storage.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, storage.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	return true
}

type subscriptionRequest struct {
	JobIDs []string `json:"jobIds"`
}

func (s *Service) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s.subscription(w, r, true)
}

func (s *Service) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.subscription(w, r, false)
}

func (s *Service) subscription(w http.ResponseWriter, r *http.Request, add bool) {
	if s.deps.Relay == nil {
		writeError(w, http.StatusServiceUnavailable, "relay unavailable")
		return
	}
	var req subscriptionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reg := s.deps.Relay.Registry()
	if add {
		reg.Subscribe(req.JobIDs, userOf(r))
	} else {
		reg.Unsubscribe(req.JobIDs, userOf(r))
	}
	w.WriteHeader(http.StatusNoContent)
}

// pollOverrides lets a submission tune its poll. Durations are Go strings.
type pollOverrides struct {
	Disabled    bool   `json:"disabled,omitempty"`
	Interval    string `json:"interval,omitempty"`
	Threshold   int    `json:"threshold,omitempty"`
	HalfTime    string `json:"halfTime,omitempty"`
	MaxInterval string `json:"maxInterval,omitempty"`
}

type createJobRequest struct {
	ID        string          `json:"id,omitempty"`
	Engine    job.EngineKind  `json:"engine"`
	ProjectID string          `json:"projectId,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Poll      *pollOverrides  `json:"poll,omitempty"`
}

type createJobResponse struct {
	Job  job.Job      `json:"job"`
	Poll *poller.Info `json:"poll,omitempty"`
}

func (s *Service) pollOptions(req createJobRequest, j job.Job) (poller.Options, error) {
	var o poller.Options
	if s.deps.PollDefaults != nil {
		o = s.deps.PollDefaults()
	}
	if o.Interval <= 0 {
		o.Interval = poller.DefaultInterval
	}
	if o.Threshold <= 0 {
		o.Threshold = poller.DefaultThreshold
	}
	if o.HalfTime <= 0 {
		o.HalfTime = poller.DefaultHalfTime
	}
	if p := req.Poll; p != nil {
		for _, f := range []struct {
			name string
			raw  string
			dst  *time.Duration
		}{
			{"poll.interval", p.Interval, &o.Interval},
			{"poll.halfTime", p.HalfTime, &o.HalfTime},
			{"poll.maxInterval", p.MaxInterval, &o.MaxInterval},
		} {
			if f.raw == "" {
				continue
			}
			d, err := time.ParseDuration(f.raw)
			if err != nil || d <= 0 {
				return o, errors.New(f.name + ": invalid duration")
			}
			*f.dst = d
		}
		if p.Threshold < 0 {
			return o, errors.New("poll.threshold: must be positive")
		}
		if p.Threshold > 0 {
			o.Threshold = p.Threshold
		}
	}
	o.JobID = j.ID
	o.ProjectID = j.ProjectID
	o.Capability = job.ReadOnly(j.UserID)
	o.Metadata = j.Metadata
	return o, nil
}

func (s *Service) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	var req createJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch req.Engine {
	case "":
		req.Engine = job.EngineGeneric
	case job.EngineGeneric, job.EngineSciml, job.EnginePyciemss:
	default:
		writeError(w, http.StatusBadRequest, "unknown engine "+string(req.Engine))
		return
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		writeError(w, http.StatusBadRequest, "metadata must be JSON")
		return
	}

	draft := job.Job{ID: req.ID, Engine: req.Engine, ProjectID: req.ProjectID, UserID: userOf(r), Metadata: req.Metadata}
	var opts poller.Options
	polling := s.deps.Polls != nil && (req.Poll == nil || !req.Poll.Disabled)
	if polling {
		var err error
		if opts, err = s.pollOptions(req, draft); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	j, err := s.deps.Store.CreateJob(r.Context(), draft)
	if err != nil {
		storeError(w, err)
		return
	}
	s.publish(eventbus.JobCreated, j)

	resp := createJobResponse{Job: j}
	if polling {
		opts.JobID = j.ID
		n, err := s.deps.Polls.Start(opts)
		if err != nil {
			// The job exists; report it even though polling could not start.
			s.log.Warn("poll start failed", logx.JobID(j.ID), logx.Err(err))
		} else {
			info := n.Info()
			resp.Poll = &info
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	j, err := s.deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"), job.ReadOnly(userOf(r)))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Service) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	c := job.ReadWrite(userOf(r))
	j, err := s.deps.Store.SetStatus(r.Context(), id, c, job.StatusCancelled)
	if errors.Is(err, storage.ErrTerminal) {
		writeError(w, http.StatusConflict, "job already "+string(j.Status))
		return
	}
	if err != nil {
		storeError(w, err)
		return
	}
	if s.deps.Polls != nil {
		s.deps.Polls.Cancel(id)
	}
	s.publish(eventbus.JobCancelled, j)
	writeJSON(w, http.StatusOK, j)
}

func (s *Service) handleCancelPoll(w http.ResponseWriter, r *http.Request) {
	if s.deps.Polls == nil || !s.deps.Polls.Cancel(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "no active poll")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.deps.Relay == nil || s.deps.Broker == nil {
		writeError(w, http.StatusServiceUnavailable, "relay unavailable")
		return
	}
	kind := job.EngineKind(chi.URLParam(r, "engine"))
	route, ok := s.deps.Relay.Route(kind)
	if !ok {
		writeError(w, http.StatusNotFound, "no route for engine "+string(kind))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}
	if err := s.deps.Broker.Publish(r.Context(), route.Queue, body); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"queue": route.Queue})
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "events unavailable")
		return
	}
	user := userOf(r)
	if user == "" {
		user = strings.TrimSpace(r.URL.Query().Get("user"))
	}
	if user == "" {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	s.deps.Hub.ServeWS(w, r, user)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if s.deps.Relay != nil {
		out["relay"] = s.deps.Relay.Stats()
		if sup := s.deps.Relay.Supervisor(); sup != nil {
			out["relayTasks"] = sup.Snapshot()
		}
	}
	if s.deps.Polls != nil {
		out["polls"] = s.deps.Polls.Snapshot()
	}
	if s.deps.Hub != nil {
		out["clients"] = s.deps.Hub.Stats()
	}
	if s.deps.Notifier != nil {
		out["notifications"] = s.deps.Notifier.Snapshot()
	}
	if s.deps.Status != nil {
		for k, v := range s.deps.Status() {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) publish(typ string, j job.Job) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: eventbus.JobEvent{JobID: j.ID, Status: string(j.Status)}})
}
