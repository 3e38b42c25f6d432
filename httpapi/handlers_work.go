package httpapi

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"bountyflow/apperr"
	"bountyflow/auth"
	"bountyflow/bounty"
	"bountyflow/dispute"
	"bountyflow/lab"
	"bountyflow/lifecycle"
	"bountyflow/stake"
)

type evidenceRequest struct {
	ContentHash string `json:"contentHash"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
}

type verifyRequest struct {
	Approve  bool   `json:"approve"`
	Feedback string `json:"feedback"`
}

type openDisputeRequest struct {
	Reason        string   `json:"reason"`
	Description   string   `json:"description"`
	EvidenceLinks []string `json:"evidenceLinks"`
}

type escalateRequest struct {
	ArbitratorID string `json:"arbitratorId"`
}

type resolveRequest struct {
	Resolution    string `json:"resolution"`
	SlashPercent  int    `json:"slashPercent"`
	RefundPercent int    `json:"refundPercent"`
	Notes         string `json:"notes"`
}

type labRequest struct {
	Name           string            `json:"name"`
	PayoutAccounts map[string]string `json:"payoutAccounts"`
}

type tierRequest struct {
	Tier int `json:"tier"`
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

type stakeOp func(ctx context.Context, p auth.Principal, labID string, amount int64) (stake.Account, error)

// handleSubmitEvidence accepts either a JSON reference to evidence already
// stored elsewhere or a multipart upload under the "file" field, which is
// written to the evidence store first.
func (s *Server) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var ev bounty.Evidence
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		ev, err = s.uploadEvidence(w, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	} else {
		var req evidenceRequest
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		ev = bounty.Evidence{ContentHash: req.ContentHash, URL: req.URL, Size: req.Size}
		if s.evidence != nil && ev.ContentHash != "" {
			ok, err := s.evidence.Exists(r.Context(), ev.ContentHash)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			if !ok && ev.URL == "" {
				s.writeError(w, r, apperr.Validation("evidence %s is not stored and carries no url", ev.ContentHash))
				return
			}
		}
	}

	b, err := s.engine.SubmitMilestoneEvidence(r.Context(), p, chi.URLParam(r, "id"), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBountyResponse(b))
}

func (s *Server) uploadEvidence(w http.ResponseWriter, r *http.Request) (bounty.Evidence, error) {
	if s.evidence == nil {
		return bounty.Evidence{}, apperr.Validation("evidence uploads are not enabled")
	}
	// Multipart framing needs a little room beyond the payload itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return bounty.Evidence{}, apperr.Validation("evidence exceeds %d bytes", s.maxUpload)
		}
		return bounty.Evidence{}, apperr.Validation("multipart field \"file\" is required")
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if strings.TrimSpace(contentType) == "" {
		contentType = "application/octet-stream"
	}
	return s.evidence.Put(r.Context(), file, contentType)
}

func (s *Server) handleVerifyMilestone(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.engine.VerifyMilestone(r.Context(), p, chi.URLParam(r, "id"), req.Approve, req.Feedback)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBountyResponse(b))
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req openDisputeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.engine.OpenDispute(r.Context(), p, chi.URLParam(r, "id"), lifecycle.DisputeInput{
		Reason:        dispute.Reason(req.Reason),
		Description:   req.Description,
		EvidenceLinks: req.EvidenceLinks,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleEscalateDispute(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req escalateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.engine.EscalateDispute(r.Context(), p, chi.URLParam(r, "id"), req.ArbitratorID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.ResolveDispute(r.Context(), p, chi.URLParam(r, "id"), dispute.Decision{
		Resolution:    dispute.Resolution(req.Resolution),
		SlashPercent:  req.SlashPercent,
		RefundPercent: req.RefundPercent,
		Notes:         req.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Settled {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resolveResponse{
		Dispute:         toDisputeResponse(res.Dispute),
		Bounty:          toBountyResponse(res.Bounty),
		Settled:         res.Settled,
		SettlementError: res.SettlementError,
	})
}

func (s *Server) handleRegisterLab(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req labRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.engine.RegisterLab(r.Context(), p, lab.Profile{
		ID:             chi.URLParam(r, "id"),
		Name:           req.Name,
		PayoutAccounts: req.PayoutAccounts,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLabResponse(out))
}

func (s *Server) handleSetLabTier(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req tierRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.engine.SetLabTier(r.Context(), p, chi.URLParam(r, "id"), lab.Tier(req.Tier))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLabResponse(out))
}

func (s *Server) handleGetStake(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, txs, err := s.engine.GetStake(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStakeResponse(acct, txs))
}

func (s *Server) handleDepositStake(w http.ResponseWriter, r *http.Request) {
	s.moveStake(w, r, s.engine.DepositStake)
}

func (s *Server) handleWithdrawStake(w http.ResponseWriter, r *http.Request) {
	s.moveStake(w, r, s.engine.WithdrawStake)
}

func (s *Server) moveStake(w http.ResponseWriter, r *http.Request, op stakeOp) {
	p, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req amountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, err := op(r.Context(), p, chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStakeResponse(acct, nil))
}
