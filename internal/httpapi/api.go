package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Blockeeer/ai-hair-simulation/internal/models"
	"github.com/Blockeeer/ai-hair-simulation/internal/service"
)

const maxUploadBytes = 10 << 20

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input"})
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input"})
		return
	}
	defer file.Close()

	image, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input"})
		return
	}

	res, err := s.svc.Generation.Generate(r.Context(), service.GenerateRequest{
		UserID:      userID(r),
		Image:       image,
		ContentType: header.Header.Get("Content-Type"),
		Params: models.StyleParams{
			Style:  r.FormValue("style"),
			Color:  r.FormValue("color"),
			Model:  r.FormValue("model"),
			Gender: r.FormValue("gender"),
		},
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type queueStatusResponse struct {
	ActiveJobs                   int     `json:"active_jobs"`
	AverageProcessingTimeSeconds float64 `json:"average_processing_time_seconds"`
	EstimatedWaitSeconds         int     `json:"estimated_wait_seconds"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.svc.Generation.QueueStatus()
	writeJSON(w, http.StatusOK, queueStatusResponse{
		ActiveJobs:                   snap.ActiveJobs,
		AverageProcessingTimeSeconds: snap.AverageProcessingTime.Round(100 * time.Millisecond).Seconds(),
		EstimatedWaitSeconds:         int(snap.EstimatedWaitForNext.Round(time.Second).Seconds()),
	})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Generation.Report(r.Context(), userID(r))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input"})
			return
		}
		limit = n
	}
	entries, err := s.svc.Generation.History(r.Context(), userID(r), limit)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if entries == nil {
		entries = []models.GenerationLog{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type registerRequest struct {
	Username string `json:"username"`
}

type userResponse struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	FreeDailyLimit int    `json:"free_daily_limit"`
	CreditBalance  int    `json:"credit_balance"`
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json"})
		return
	}
	user, err := s.svc.Users.Register(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{
		ID:             user.ID,
		Username:       user.Username,
		FreeDailyLimit: user.Quota.FreeDailyLimit,
		CreditBalance:  user.Quota.CreditBalance,
	})
}

func (s *Server) handlePublicPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.svc.Plans.ListActive(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

type checkoutRequest struct {
	PackageID int64 `json:"package_id"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json"})
			return
		}
	}
	checkout, err := s.svc.Payments.CreateCheckout(r.Context(), userID(r), req.PackageID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, checkout)
}

type verifyRequest struct {
	SessionID string `json:"session_id"`
}

type verifyResponse struct {
	Granted          bool `json:"granted"`
	AlreadyProcessed bool `json:"already_processed"`
	CreditBalance    int  `json:"credit_balance"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input"})
		return
	}
	res, err := s.svc.Payments.Verify(r.Context(), userID(r), strings.TrimSpace(req.SessionID))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Granted:          res.Granted,
		AlreadyProcessed: res.AlreadyProcessed(),
		CreditBalance:    res.CreditBalance,
	})
}

const maxWebhookBytes = 64 << 10

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input"})
		return
	}
	res, err := s.svc.Payments.HandleStripeWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.log.Warn("stripe webhook rejected", "err", err)
		writeError(w, s.log, err)
		return
	}
	if res == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Granted:          res.Granted,
		AlreadyProcessed: res.AlreadyProcessed(),
		CreditBalance:    res.CreditBalance,
	})
}

type redeemRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleRedeemPromo(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json"})
		return
	}
	res, err := s.svc.Promos.Apply(r.Context(), userID(r), req.Code)
	if err != nil {
		if errors.Is(err, service.ErrPromoInvalid) {
			s.log.Info("promo code rejected", "user_id", userID(r))
		}
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
