package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/fredSavings/pkg/engine"
	"github.com/mcclellann/fredSavings/pkg/models"
	"github.com/mcclellann/fredSavings/pkg/schedule"
	"github.com/mcclellann/fredSavings/pkg/store"
	"github.com/mcclellann/fredSavings/pkg/withdrawal"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Server exposes the savings engine over HTTP.
type Server struct {
	engine  *engine.Engine
	storage store.Storage // Keep a reference to the storage to close it
	log     logrus.FieldLogger
}

func NewServer(eng *engine.Engine, s store.Storage, log logrus.FieldLogger) *Server {
	return &Server{engine: eng, storage: s, log: log}
}

func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/plans", s.listPlansHandler).Methods("GET")
	router.HandleFunc("/plans", s.createPlanHandler).Methods("POST")
	router.HandleFunc("/plans/preview", s.previewScheduleHandler).Methods("POST")
	router.HandleFunc("/plans/{id}", s.getStatusHandler).Methods("GET")
	router.HandleFunc("/plans/{id}/schedule", s.getScheduleHandler).Methods("GET")
	router.HandleFunc("/plans/{id}/deposits", s.listDepositsHandler).Methods("GET")
	router.HandleFunc("/plans/{id}/deposits", s.recordDepositHandler).Methods("POST")
	router.HandleFunc("/plans/{id}/deposits/initiate", s.initiateDepositHandler).Methods("POST")
	router.HandleFunc("/plans/{id}/interest", s.listInterestHandler).Methods("GET")
	router.HandleFunc("/plans/{id}/reminders", s.listRemindersHandler).Methods("GET")
	router.HandleFunc("/plans/{id}/withdrawals", s.listWithdrawalsHandler).Methods("GET")
	router.HandleFunc("/plans/{id}/withdrawals", s.requestWithdrawalHandler).Methods("POST")
	router.HandleFunc("/plans/{id}/close", s.closePlanHandler).Methods("POST")
	router.HandleFunc("/plans/{id}/audit", s.auditHandler).Methods("GET")
	router.HandleFunc("/withdrawals/{id}/confirm", s.confirmWithdrawalHandler).Methods("POST")
	router.HandleFunc("/withdrawals/{id}/cancel", s.cancelWithdrawalHandler).Methods("POST")
	router.HandleFunc("/payments/webhook", s.paymentWebhookHandler).Methods("POST")
	router.HandleFunc("/payments/{reference}", s.getPaymentHandler).Methods("GET")
	router.HandleFunc("/admin/tick", s.tickHandler).Methods("POST")
	router.HandleFunc("/admin/plans/{id}/withdrawals/force-majeure", s.forceMajeureWithdrawalHandler).Methods("POST")
	router.HandleFunc("/admin/withdrawals/{id}/confirm", s.confirmForceMajeureHandler).Methods("POST")

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrPlanNotFound),
		errors.Is(err, models.ErrWithdrawalNotFound),
		errors.Is(err, models.ErrPaymentNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrInvalidStateTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrInsufficientBalance),
		errors.Is(err, models.ErrAmountMismatch),
		errors.Is(err, models.ErrDepositLimitReached):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid "+what+" ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) createPlanHandler(w http.ResponseWriter, r *http.Request) {
	var req engine.PlanConfig
	if !decode(w, r, &req) {
		return
	}

	plan, err := s.engine.CreatePlan(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) listPlansHandler(w http.ResponseWriter, r *http.Request) {
	plans, err := s.engine.ListPlans(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if plans == nil {
		plans = []*models.SavingsPlan{}
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) previewScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var req schedule.Config
	if !decode(w, r, &req) {
		return
	}
	sched, err := s.engine.PreviewSchedule(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) getStatusHandler(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "plan")
	if !ok {
		return
	}
	status, err := s.engine.GetStatus(r.Context(), planID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) getScheduleHandler(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "plan")
	if !ok {
		return
	}
	sched, err := s.engine.Schedule(r.Context(), planID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) listDepositsHandler(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "plan")
	if !ok {
		return
	}
	deposits, err := s.engine.Deposits(r.Context(), planID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if deposits == nil {
		deposits = []*models.Deposit{}
	}
	writeJSON(w, http.StatusOK, deposits)
}

func (s *Server) recordDepositHandler(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "plan")
	if !ok {
		return
	}
	var req struct {
		SourceReference string          `json:"source_reference"`
		Amount          decimal.Decimal `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}

	res, err := s.engine.RecordDeposit(r.Context(), planID, req.SourceReference, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) initiateDepositHandler(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "plan")
	if !ok {
		return
	}
	attempt, err := s.engine.InitiateDeposit(r.Context(), planID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, paymentView(attempt))
}

func (s *Server) listInterestHandler(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "plan")
	if !ok {
		return
	}
	entries, err := s.engine.InterestEntries(r.Context(), planID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.InterestEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listRemindersHandler(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "plan")
	if !ok {
		return
	}
	reminders, err := s.engine.Reminders(r.Context(), planID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if reminders == nil {
		reminders = []*models.Reminder{}
	}
	writeJSON(w, http.StatusOK, reminders)
}

func (s *Server) listWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "plan")
	if !ok {
		return
	}
	ws, err := s.engine.Withdrawals(r.Context(), planID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ws == nil {
		ws = []*models.WithdrawalRequest{}
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) requestWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "plan")
	if !ok {
		return
	}
	var req struct {
		Amount       decimal.Decimal `json:"amount"`
		ForceMajeure bool            `json:"force_majeure"`
		OperatorID   string          `json:"operator_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.ForceMajeure || req.OperatorID != "" {
		http.Error(w, "force majeure withdrawals are opened by an operator", http.StatusForbidden)
		return
	}

	wr, err := s.engine.RequestWithdrawal(r.Context(), planID, req.Amount, withdrawal.Options{})
	s.writeWithdrawal(w, r, wr, err)
}

func (s *Server) writeWithdrawal(w http.ResponseWriter, r *http.Request, wr *models.WithdrawalRequest, err error) {
	switch {
	case errors.Is(err, models.ErrEarlyWithdrawalPenaltyPending):
		// Not a failure: the saver has to accept the penalty first.
		writeJSON(w, http.StatusAccepted, wr)
	case err != nil:
		s.writeError(w, r, err)
	case wr.Status == models.WithdrawalStatusPending:
		writeJSON(w, http.StatusAccepted, wr)
	default:
		writeJSON(w, http.StatusCreated, wr)
	}
}

// forceMajeureWithdrawalHandler opens a penalty-free request on an operator's authority.
// It stays pending until an operator confirms it through confirmForceMajeureHandler.
func (s *Server) forceMajeureWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "plan")
	if !ok {
		return
	}
	var req struct {
		Amount     decimal.Decimal `json:"amount"`
		OperatorID string          `json:"operator_id"`
		Reason     string          `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}

	wr, err := s.engine.RequestWithdrawal(r.Context(), planID, req.Amount, withdrawal.Options{
		ForceMajeure: true,
		OperatorID:   req.OperatorID,
		Reason:       req.Reason,
	})
	s.writeWithdrawal(w, r, wr, err)
}

func (s *Server) confirmForceMajeureHandler(w http.ResponseWriter, r *http.Request) {
	requestID, ok := pathID(w, r, "withdrawal")
	if !ok {
		return
	}
	var req struct {
		OperatorID string `json:"operator_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	wr, err := s.engine.ConfirmForceMajeureWithdrawal(r.Context(), requestID, req.OperatorID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

func (s *Server) confirmWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	requestID, ok := pathID(w, r, "withdrawal")
	if !ok {
		return
	}
	wr, err := s.engine.ConfirmWithdrawal(r.Context(), requestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

func (s *Server) cancelWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	requestID, ok := pathID(w, r, "withdrawal")
	if !ok {
		return
	}
	wr, err := s.engine.CancelWithdrawal(r.Context(), requestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

func (s *Server) closePlanHandler(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "plan")
	if !ok {
		return
	}
	var req engine.CloseRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.ClosePlan(r.Context(), planID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) auditHandler(w http.ResponseWriter, r *http.Request) {
	planID, ok := pathID(w, r, "plan")
	if !ok {
		return
	}
	audit, err := s.engine.AuditBalance(r.Context(), planID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

type paymentResponse struct {
	*models.PaymentAttempt
	UserStatus string `json:"user_status"`
}

func paymentView(a *models.PaymentAttempt) paymentResponse {
	return paymentResponse{PaymentAttempt: a, UserStatus: a.UserStatus()}
}

func (s *Server) getPaymentHandler(w http.ResponseWriter, r *http.Request) {
	attempt, err := s.engine.GetPayment(r.Context(), mux.Vars(r)["reference"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentView(attempt))
}

// paymentWebhookHandler receives the gateway's asynchronous outcome for a charge.
func (s *Server) paymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reference string          `json:"reference"`
		Status    string          `json:"status"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}

	switch models.PaymentStatus(req.Status) {
	case models.PaymentStatusConfirmed:
		res, err := s.engine.ConfirmPayment(r.Context(), req.Reference, req.Amount)
		if errors.Is(err, models.ErrPaymentUnconfirmed) {
			writeJSON(w, http.StatusAccepted, map[string]string{"reference": req.Reference, "status": string(models.PaymentStatusPending)})
			return
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case models.PaymentStatusFailed:
		attempt, err := s.engine.FailPayment(r.Context(), req.Reference)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, paymentView(attempt))
	default:
		http.Error(w, "status must be confirmed or failed", http.StatusBadRequest)
	}
}

// tickHandler runs the periodic work on demand. An optional "at" replays a given instant.
func (s *Server) tickHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		At *time.Time `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	now := time.Now().UTC()
	if req.At != nil {
		now = *req.At
	}

	report, err := s.engine.OnTick(r.Context(), now)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
