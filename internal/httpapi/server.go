package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/portcullis/portcullis/internal/clock"
	"github.com/portcullis/portcullis/internal/portcullis/service"
	"github.com/portcullis/portcullis/internal/portcullis/store"
	"github.com/portcullis/portcullis/internal/portcullis/token"
	"github.com/portcullis/portcullis/internal/portcullis/types"
	"github.com/portcullis/portcullis/internal/portcullis/watchdog"
)

// ReaderIDHeader names the reader on protobuf check requests, whose body
// carries only the scanned code.
const ReaderIDHeader = "X-Reader-ID"

// Admission decides scans. *service.AdmissionService implements it.
type Admission interface {
	Decide(ctx context.Context, req types.ScanRequest) (service.Decision, error)
}

// Health reports process liveness. *watchdog.Supervisor implements it.
type Health interface {
	Healthy() bool
	Status() []watchdog.TaskStatus
}

type Dependencies struct {
	Logger     logrus.FieldLogger
	Addr       string
	Admission  Admission
	Heartbeats *service.HeartbeatService
	Health     Health

	// ReaderToken guards the reader endpoints. Empty disables the check.
	ReaderToken string

	// Downloads, Cards and Members enable GET /v1/card/qr when all set.
	Downloads *token.ScopedCodec
	Cards     *token.Codec
	Members   store.MemberStore
	QRSize    int

	Location *time.Location
	Clock    clock.Clock

	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

type Server struct {
	httpServer *http.Server
	logger     logrus.FieldLogger
	admission  Admission
	heartbeats *service.HeartbeatService
	health     Health
	downloads  *token.ScopedCodec
	cards      *token.Codec
	members    store.MemberStore
	qrSize     int
	loc        *time.Location
	clock      clock.Clock
}

func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		logger:     d.Logger,
		admission:  d.Admission,
		heartbeats: d.Heartbeats,
		health:     d.Health,
		downloads:  d.Downloads,
		cards:      d.Cards,
		members:    d.Members,
		qrSize:     d.QRSize,
		loc:        d.Location,
		clock:      d.Clock,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(readerAuth(d.ReaderToken))
		if s.admission != nil {
			r.Post("/v1/reader/check", s.handleReaderCheck)
		}
		if s.heartbeats != nil {
			r.Post("/v1/heartbeat", s.handleHeartbeat)
		}
	})

	if s.downloads != nil && s.cards != nil && s.members != nil {
		r.Get("/v1/card/qr", s.handleCardQR)
	}

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Run serves until ctx ends, then shuts down with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}

func (s *Server) handleReaderCheck(w http.ResponseWriter, r *http.Request) {
	format := requestFormat(r)

	var (
		req types.ScanRequest
		msg wrapperspb.StringValue
	)
	if err := format.decode(w, r, &req, &msg); err != nil {
		format.badBody(w)
		return
	}
	if format == wireProto {
		req = scanRequestFromProto(&msg, r.Header.Get(ReaderIDHeader))
	}

	dec, err := s.admission.Decide(r.Context(), req)
	resp, status := admissionResponse(dec, err, req.ReaderID, s.clock.Now())
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).WithField("reader_id", req.ReaderID).Error("reader check failed")
	}

	format.write(w, status, resp, func() proto.Message { return admissionResponseToProto(resp) })
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	format := requestFormat(r)

	var (
		req types.HeartbeatRequest
		msg structpb.Struct
	)
	if err := format.decode(w, r, &req, &msg); err != nil {
		format.badBody(w)
		return
	}
	if format == wireProto {
		req = heartbeatRequestFromProto(&msg)
	}

	resp, err := s.heartbeats.Record(r.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidReaderID) {
			writeError(w, http.StatusBadRequest, "invalid_reader_id", err.Error())
			return
		}
		s.logger.WithError(err).Error("heartbeat failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	format.write(w, http.StatusOK, resp, func() proto.Message { return heartbeatResponseToProto(resp) })
}

type healthResponse struct {
	Healthy bool                  `json:"healthy"`
	Tasks   []watchdog.TaskStatus `json:"tasks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Healthy: true}
	if s.health != nil {
		resp.Healthy = s.health.Healthy()
		resp.Tasks = s.health.Status()
	}

	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCardQR(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()

	memberID, err := s.downloads.VerifyAt(r.URL.Query().Get("token"), token.ScopeMember, now)
	switch {
	case err == nil:
	case errors.Is(err, token.ErrScopeMismatch):
		writeError(w, http.StatusForbidden, "scope_mismatch", "token does not grant card downloads")
		return
	case errors.Is(err, token.ErrExpired):
		writeError(w, http.StatusUnauthorized, "expired_token", "download link has expired")
		return
	default:
		writeError(w, http.StatusUnauthorized, "invalid_token", "download link is not valid")
		return
	}

	m, ok, err := s.members.GetMember(r.Context(), memberID)
	if err != nil {
		s.logger.WithError(err).WithField("member_id", memberID).Error("card download lookup failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}
	if !ok || !m.Active {
		writeError(w, http.StatusNotFound, "unknown_member", "no active membership")
		return
	}

	typ := token.Type(m.MembershipType)
	if typ == 0 {
		typ = token.TypeNormal
	}

	card, err := s.cards.GenerateUntil(memberID, typ, token.MediaDigital, token.SeasonExpiry(now, s.loc))
	if err == nil {
		var png []byte
		png, err = token.RenderQR(card, s.qrSize)
		if err == nil {
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(png)
			s.logger.WithFields(logrus.Fields{"member_id": memberID, "type": typ.String()}).Info("card downloaded")
			return
		}
	}

	s.logger.WithError(err).WithField("member_id", memberID).Error("card render failed")
	writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
}
