package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bountyflow/lifecycle"
	"bountyflow/rail"
)

type milestoneRequest struct {
	Title         string `json:"title"`
	PayoutPercent int    `json:"payoutPercent"`
}

type createBountyRequest struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Budget      int64              `json:"budget"`
	Currency    string             `json:"currency"`
	MinTier     int                `json:"minTier"`
	Deadline    *time.Time         `json:"deadline"`
	Milestones  []milestoneRequest `json:"milestones"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type approvalRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

type fundingRequest struct {
	Rail   string `json:"rail"`
	Amount int64  `json:"amount"`
	Payer  string `json:"payer"`
}

type confirmRequest struct {
	Reference string `json:"reference"`
}

type proposalRequest struct {
	BidAmount int64  `json:"bidAmount"`
	Summary   string `json:"summary"`
}

type itemsResponse[T any] struct {
	Items []T `json:"items"`
}

func (s *Server) handleCreateBounty(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createBountyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	in := lifecycle.CreateBountyInput{
		Title:       req.Title,
		Description: req.Description,
		Budget:      req.Budget,
		Currency:    req.Currency,
		MinTier:     req.MinTier,
		Deadline:    req.Deadline,
	}
	for _, m := range req.Milestones {
		in.Milestones = append(in.Milestones, lifecycle.MilestoneInput{Title: m.Title, PayoutPercent: m.PayoutPercent})
	}
	b, err := s.engine.CreateBounty(r.Context(), p, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBountyResponse(b))
}

func (s *Server) handleGetBounty(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.engine.GetBounty(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toViewResponse(v))
}

func (s *Server) handleSubmitBounty(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.engine.SubmitBounty(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBountyResponse(b))
}

func (s *Server) handleCancelBounty(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.engine.CancelBounty(r.Context(), p, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBountyResponse(b))
}

func (s *Server) handleApproveBounty(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req approvalRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.engine.ApproveBounty(r.Context(), p, chi.URLParam(r, "id"), req.Approve, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBountyResponse(b))
}

func (s *Server) handleInitFunding(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req fundingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.InitFunding(r.Context(), p, chi.URLParam(r, "id"), lifecycle.FundingInput{
		Rail:   req.Rail,
		Amount: req.Amount,
		Payer:  req.Payer,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fundingResponse{
		Escrow:  toEscrowResponse(res.Escrow),
		Deposit: toDepositResponse(res.Deposit),
	})
}

func (s *Server) handleConfirmFunding(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req confirmRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.ConfirmFunding(r.Context(), p, chi.URLParam(r, "id"), req.Reference)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := confirmResponse{
		Outcome: string(res.Outcome),
		Detail:  res.Detail,
		Escrow:  toEscrowResponse(res.Escrow),
	}
	status := http.StatusAccepted
	if res.Outcome == rail.OutcomeVerified {
		br := toBountyResponse(res.Bounty)
		resp.Bounty = &br
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleSubmitProposal(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req proposalRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	prop, err := s.engine.SubmitProposal(r.Context(), p, chi.URLParam(r, "id"), lifecycle.ProposalInput{
		BidAmount: req.BidAmount,
		Summary:   req.Summary,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProposalResponse(prop))
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	props, err := s.engine.ListProposals(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]proposalResponse, 0, len(props))
	for _, prop := range props {
		items = append(items, toProposalResponse(prop))
	}
	writeJSON(w, http.StatusOK, itemsResponse[proposalResponse]{Items: items})
}

func (s *Server) handleAcceptProposal(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.engine.AcceptProposal(r.Context(), p, chi.URLParam(r, "id"), chi.URLParam(r, "pid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBountyResponse(b))
}

func (s *Server) handleExecuteSettlement(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.engine.ExecuteSettlement(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBountyResponse(b))
}
