// Package httpapi exposes the engine's externally-facing operations
// over HTTP: measurement ingest, manual compose, and agreement
// lifecycle management. Authentication and authorization are out of
// scope (the spec's Non-goals) and are expected to be handled by an
// upstream gateway; this layer trusts its caller's asserted subject.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"ggoledger/internal/agreement"
	"ggoledger/internal/allocate"
	"ggoledger/internal/clock"
	"ggoledger/internal/composer"
	"ggoledger/internal/metrics"
	"ggoledger/internal/model"
	"ggoledger/internal/store"
)

// Server wires the engine's use cases to a chi router.
type Server struct {
	db      *gorm.DB
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	expireTime time.Duration

	router http.Handler
}

// Config captures Server's dependencies.
type Config struct {
	DB         *gorm.DB
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	ExpireTime time.Duration
}

// New constructs a Server and builds its router.
func New(cfg Config) *Server {
	s := &Server{
		db:         cfg.DB,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		expireTime: cfg.ExpireTime,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Route("/v1", func(api chi.Router) {
		api.Post("/measurements", s.createMeasurement)
		api.Post("/ggos/{id}/compose", s.compose)

		api.Post("/agreements", s.proposeAgreement)
		api.Post("/agreements/{id}/accept", s.acceptAgreement)
		api.Post("/agreements/{id}/decline", s.declineAgreement)
		api.Post("/agreements/{id}/withdraw", s.withdrawAgreement)
		api.Post("/agreements/{id}/cancel", s.cancelAgreement)
		api.Post("/agreements/priority", s.setPriority)
	})

	return r
}

type createMeasurementRequest struct {
	GSRN   string    `json:"gsrn"`
	Begin  time.Time `json:"begin"`
	End    time.Time `json:"end"`
	Amount int64     `json:"amount_wh"`
}

func (s *Server) createMeasurement(w http.ResponseWriter, r *http.Request) {
	var req createMeasurementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	var mp model.Meteringpoint
	if err := s.db.Where("gsrn = ?", req.GSRN).First(&mp).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpError(w, http.StatusNotFound, "meteringpoint not found")
			return
		}
		httpError(w, http.StatusInternalServerError, "failed to load meteringpoint")
		return
	}

	now := s.clock.Now()
	var createdMeasurement model.Measurement
	var mintedGGO *model.GGO
	err := s.db.Transaction(func(tx *gorm.DB) error {
		measurement := model.Measurement{GSRN: mp.GSRN, Begin: req.Begin, End: req.End, Amount: req.Amount, CreatedAt: now}
		if req.Amount <= 0 {
			return fmt.Errorf("amount_wh must be positive")
		}
		if err := tx.Create(&measurement).Error; err != nil {
			return err
		}
		createdMeasurement = measurement

		if !mp.IsProducer() {
			return nil
		}
		ggo := model.NewFromMeasurement(mp, measurement, now, now.Add(s.expireTime))
		if err := tx.Create(&ggo).Error; err != nil {
			return err
		}
		engine := allocate.New(tx, s.clock, s.metrics, s.logger)
		if err := engine.Run(ggo); err != nil {
			return err
		}
		mintedGGO = &ggo
		return nil
	})
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	decorated, err := decorateGGO(s.db, mintedGGO)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to resolve technology label")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"measurement": createdMeasurement, "ggo": decorated})
}

type composeTransferRequest struct {
	Recipient string  `json:"recipient"`
	Amount    int64   `json:"amount_wh"`
	Reference *string `json:"reference,omitempty"`
}

type composeRetireRequest struct {
	MeteringpointGSRN string `json:"meteringpoint_gsrn"`
	Amount            int64  `json:"amount_wh"`
}

type composeRequest struct {
	Transfers []composeTransferRequest `json:"transfers"`
	Retires   []composeRetireRequest   `json:"retires"`
}

func (s *Server) compose(w http.ResponseWriter, r *http.Request) {
	publicID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid ggo id")
		return
	}

	var req composeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	var result *composer.Result
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var ggo model.GGO
		if err := tx.Where("public_id = ?", publicID).First(&ggo).Error; err != nil {
			return err
		}

		now := s.clock.Now()
		c, err := composer.New(tx, ggo, now)
		if err != nil {
			return err
		}
		for _, t := range req.Transfers {
			if err := c.AddTransfer(t.Recipient, t.Amount, t.Reference); err != nil {
				return err
			}
		}
		for _, rt := range req.Retires {
			var mp model.Meteringpoint
			if err := tx.Where("gsrn = ?", rt.MeteringpointGSRN).First(&mp).Error; err != nil {
				return err
			}
			if err := c.AddRetire(mp, rt.Amount); err != nil {
				return err
			}
		}

		built, err := c.Build(ggo.Subject)
		if err != nil {
			return err
		}
		if err := c.OnBegin(built); err != nil {
			return err
		}
		result = built

		engine := allocate.New(tx, s.clock, s.metrics, s.logger)
		for _, recipient := range built.Recipients {
			// Recipient.GGO was read back before OnBegin flipped its
			// stored flag; reload so allocation sees the current state.
			var child model.GGO
			if err := tx.First(&child, recipient.GGO.ID).Error; err != nil {
				return err
			}
			if err := engine.Run(child); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpError(w, http.StatusNotFound, "ggo not found")
			return
		}
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type proposeAgreementRequest struct {
	UserProposed       string       `json:"user_proposed"`
	UserFrom           string       `json:"user_from"`
	UserTo             string       `json:"user_to"`
	DateFrom           time.Time    `json:"date_from"`
	DateTo             time.Time    `json:"date_to"`
	FacilityGSRN       []string     `json:"facility_gsrn,omitempty"`
	Technologies       []string     `json:"technologies,omitempty"`
	Amount             *int64       `json:"amount,omitempty"`
	Unit               *model.Unit  `json:"unit,omitempty"`
	AmountPercent      *int         `json:"amount_percent,omitempty"`
	LimitToConsumption bool         `json:"limit_to_consumption,omitempty"`
}

func (s *Server) proposeAgreement(w http.ResponseWriter, r *http.Request) {
	var req proposeAgreementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	mgr := agreement.New(s.db, s.clock.Now)
	created, err := mgr.Propose(agreement.ProposeInput{
		UserProposed:       req.UserProposed,
		UserFrom:           req.UserFrom,
		UserTo:             req.UserTo,
		DateFrom:           req.DateFrom,
		DateTo:             req.DateTo,
		FacilityGSRN:       req.FacilityGSRN,
		Technologies:       req.Technologies,
		Amount:             req.Amount,
		Unit:               req.Unit,
		AmountPercent:      req.AmountPercent,
		LimitToConsumption: req.LimitToConsumption,
	})
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type acceptRequest struct {
	Caller        string   `json:"caller"`
	Technologies  []string `json:"technologies,omitempty"`
	FacilityGSRN  []string `json:"facility_gsrn,omitempty"`
	AmountPercent *int     `json:"amount_percent,omitempty"`
}

func (s *Server) acceptAgreement(w http.ResponseWriter, r *http.Request) {
	publicID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid agreement id")
		return
	}
	var req acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	mgr := agreement.New(s.db, s.clock.Now)
	updated, err := mgr.Accept(publicID, req.Caller, req.Technologies, req.FacilityGSRN, req.AmountPercent)
	if err != nil {
		s.handleAgreementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) declineAgreement(w http.ResponseWriter, r *http.Request) {
	s.terminateAgreement(w, r, func(mgr *agreement.Manager, id uuid.UUID, caller string) (*model.TradeAgreement, error) {
		return mgr.Decline(id, caller)
	})
}

func (s *Server) withdrawAgreement(w http.ResponseWriter, r *http.Request) {
	s.terminateAgreement(w, r, func(mgr *agreement.Manager, id uuid.UUID, caller string) (*model.TradeAgreement, error) {
		return mgr.Withdraw(id, caller)
	})
}

func (s *Server) cancelAgreement(w http.ResponseWriter, r *http.Request) {
	s.terminateAgreement(w, r, func(mgr *agreement.Manager, id uuid.UUID, caller string) (*model.TradeAgreement, error) {
		return mgr.Cancel(id, caller)
	})
}

func (s *Server) terminateAgreement(w http.ResponseWriter, r *http.Request, op func(*agreement.Manager, uuid.UUID, string) (*model.TradeAgreement, error)) {
	publicID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid agreement id")
		return
	}
	var req callerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	mgr := agreement.New(s.db, s.clock.Now)
	updated, err := op(mgr, publicID, req.Caller)
	if err != nil {
		s.handleAgreementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type setPriorityRequest struct {
	UserFrom string      `json:"user_from"`
	Order    []uuid.UUID `json:"order"`
}

func (s *Server) setPriority(w http.ResponseWriter, r *http.Request) {
	var req setPriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	mgr := agreement.New(s.db, s.clock.Now)
	if err := mgr.SetPriority(req.UserFrom, req.Order); err != nil {
		s.handleAgreementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgreementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agreement.ErrNotFound):
		httpError(w, http.StatusNotFound, err.Error())
	default:
		httpError(w, http.StatusBadRequest, err.Error())
	}
}

// ggoResponse decorates a GGO with its resolved technology label, since
// TechCode/FuelCode alone mean nothing to an external caller.
type ggoResponse struct {
	model.GGO
	TechnologyLabel string `json:"technology_label,omitempty"`
}

func decorateGGO(tx *gorm.DB, ggo *model.GGO) (*ggoResponse, error) {
	if ggo == nil {
		return nil, nil
	}
	label, err := store.New(tx).TechnologyLabel(ggo.TechCode, ggo.FuelCode)
	if err != nil {
		return nil, err
	}
	return &ggoResponse{GGO: *ggo, TechnologyLabel: label}, nil
}

func httpError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
