package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"bria-engine/internal/referral"
)

type registerRequest struct {
	ID         string `json:"id"`
	Wallet     string `json:"wallet"`
	UplineID   string `json:"upline_id"`
	TelegramID int64  `json:"telegram_id"`
}

type uplineRequest struct {
	UplineID string `json:"upline_id"`
}

type activateRequest struct {
	Tier string `json:"tier"`
}

type machineRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) listTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.Catalog().Tiers())
}

func (s *Server) registerUser(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	u := referral.User{ID: req.ID, Wallet: req.Wallet, UplineID: req.UplineID, TelegramID: req.TelegramID}
	if err := s.Engine.RegisterUser(r.Context(), u); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) linkUpline(w http.ResponseWriter, r *http.Request) {
	var req uplineRequest
	if !decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.Engine.LinkUpline(r.Context(), id, req.UplineID); err != nil {
		writeError(w, err)
		return
	}
	u, err := s.Engine.User(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) userStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Engine.GetUserStats(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listMachines(w http.ResponseWriter, r *http.Request) {
	list, err := s.Engine.ListMachines(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) activateMachine(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.Engine.ActivateMachine(r.Context(), mux.Vars(r)["id"], req.Tier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) claimAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.Engine.ClaimAll(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getMachine(w http.ResponseWriter, r *http.Request) {
	m, err := s.Engine.GetMachine(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) stake(w http.ResponseWriter, r *http.Request) {
	var req machineRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.Engine.Stake(r.Context(), req.UserID, mux.Vars(r)["id"], req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) unstake(w http.ResponseWriter, r *http.Request) {
	var req machineRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Engine.Unstake(r.Context(), req.UserID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	var req machineRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Engine.Claim(r.Context(), req.UserID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listActivity(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	items, err := s.Engine.ListActivity(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}
