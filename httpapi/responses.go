package httpapi

import (
	"time"

	"bountyflow/bounty"
	"bountyflow/dispute"
	"bountyflow/escrow"
	"bountyflow/lab"
	"bountyflow/lifecycle"
	"bountyflow/rail"
	"bountyflow/stake"
)

type transitionResponse struct {
	Seq     int    `json:"seq"`
	From    string `json:"from"`
	To      string `json:"to"`
	Event   string `json:"event"`
	ActorID string `json:"actorId"`
	Reason  string `json:"reason,omitempty"`
	At      string `json:"at"`
}

type evidenceResponse struct {
	ContentHash string `json:"contentHash"`
	URL         string `json:"url,omitempty"`
	Size        int64  `json:"size"`
}

type milestoneResponse struct {
	ID            string            `json:"id"`
	Sequence      int               `json:"sequence"`
	Title         string            `json:"title"`
	PayoutPercent int               `json:"payoutPercent"`
	Status        string            `json:"status"`
	Evidence      *evidenceResponse `json:"evidence,omitempty"`
	Feedback      string            `json:"feedback,omitempty"`
	SubmittedAt   string            `json:"submittedAt,omitempty"`
	VerifiedAt    string            `json:"verifiedAt,omitempty"`
}

type bountyResponse struct {
	ID          string               `json:"id"`
	FunderID    string               `json:"funderId"`
	LabID       string               `json:"labId,omitempty"`
	Title       string               `json:"title"`
	Description string               `json:"description,omitempty"`
	Budget      int64                `json:"budget"`
	Currency    string               `json:"currency"`
	MinTier     int                  `json:"minTier"`
	State       string               `json:"state"`
	Deadline    string               `json:"deadline,omitempty"`
	AcceptedBid int64                `json:"acceptedBid,omitempty"`
	LockedStake int64                `json:"lockedStake,omitempty"`
	Milestones  []milestoneResponse  `json:"milestones"`
	History     []transitionResponse `json:"history"`
	CreatedAt   string               `json:"createdAt"`
	UpdatedAt   string               `json:"updatedAt"`
}

type escrowResponse struct {
	ID              string `json:"id"`
	Rail            string `json:"rail"`
	RailReference   string `json:"railReference,omitempty"`
	Currency        string `json:"currency"`
	RequestedAmount int64  `json:"requestedAmount"`
	PlatformFee     int64  `json:"platformFee"`
	TotalAmount     int64  `json:"totalAmount"`
	ReceivedAmount  int64  `json:"receivedAmount"`
	PayoutBasis     int64  `json:"payoutBasis"`
	ReleasedAmount  int64  `json:"releasedAmount"`
	RefundedAmount  int64  `json:"refundedAmount"`
	Held            int64  `json:"held"`
	Status          string `json:"status"`
}

type movementResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
	Reference   string `json:"reference"`
	MilestoneID string `json:"milestoneId,omitempty"`
	DisputeID   string `json:"disputeId,omitempty"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

type settlementResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Legs      int    `json:"legs"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
	UpdatedAt string `json:"updatedAt"`
}

type viewResponse struct {
	Bounty     bountyResponse      `json:"bounty"`
	Escrow     *escrowResponse     `json:"escrow,omitempty"`
	Movements  []movementResponse  `json:"movements"`
	Dispute    *disputeResponse    `json:"dispute,omitempty"`
	Settlement *settlementResponse `json:"settlement,omitempty"`
}

type depositResponse struct {
	Reference    string `json:"reference"`
	PayTo        string `json:"payTo,omitempty"`
	PaymentURL   string `json:"paymentUrl,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
}

type fundingResponse struct {
	Escrow  escrowResponse  `json:"escrow"`
	Deposit depositResponse `json:"deposit"`
}

type confirmResponse struct {
	Outcome string          `json:"outcome"`
	Detail  string          `json:"detail,omitempty"`
	Escrow  escrowResponse  `json:"escrow"`
	Bounty  *bountyResponse `json:"bounty,omitempty"`
}

type proposalResponse struct {
	ID        string `json:"id"`
	BountyID  string `json:"bountyId"`
	LabID     string `json:"labId"`
	BidAmount int64  `json:"bidAmount"`
	Summary   string `json:"summary,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

type disputeResponse struct {
	ID            string   `json:"id"`
	BountyID      string   `json:"bountyId"`
	InitiatorID   string   `json:"initiatorId"`
	Reason        string   `json:"reason"`
	Description   string   `json:"description"`
	EvidenceLinks []string `json:"evidenceLinks,omitempty"`
	Status        string   `json:"status"`
	Resolution    string   `json:"resolution,omitempty"`
	SlashAmount   int64    `json:"slashAmount,omitempty"`
	ArbitratorID  string   `json:"arbitratorId,omitempty"`
	PriorState    string   `json:"priorState"`
	CreatedAt     string   `json:"createdAt"`
	ResolvedAt    string   `json:"resolvedAt,omitempty"`
}

type resolveResponse struct {
	Dispute         disputeResponse `json:"dispute"`
	Bounty          bountyResponse  `json:"bounty"`
	Settled         bool            `json:"settled"`
	SettlementError string          `json:"settlementError,omitempty"`
}

type stakeResponse struct {
	LabID          string                     `json:"labId"`
	StakingBalance int64                      `json:"stakingBalance"`
	LockedStake    int64                      `json:"lockedStake"`
	Available      int64                      `json:"available"`
	Transactions   []stakeTransactionResponse `json:"transactions,omitempty"`
}

type stakeTransactionResponse struct {
	Type     string `json:"type"`
	BountyID string `json:"bountyId,omitempty"`
	Amount   int64  `json:"amount"`
	Balance  int64  `json:"balance"`
	Locked   int64  `json:"locked"`
	At       string `json:"at"`
}

type labResponse struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Tier           int               `json:"tier"`
	PayoutAccounts map[string]string `json:"payoutAccounts,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toBountyResponse(b bounty.Bounty) bountyResponse {
	resp := bountyResponse{
		ID:          b.ID,
		FunderID:    b.FunderID,
		LabID:       b.LabID,
		Title:       b.Title,
		Description: b.Description,
		Budget:      b.Budget,
		Currency:    b.Currency,
		MinTier:     b.MinTier,
		State:       string(b.State),
		Deadline:    formatTimePtr(b.Deadline),
		AcceptedBid: b.AcceptedBid,
		LockedStake: b.LockedStake,
		Milestones:  make([]milestoneResponse, 0, len(b.Milestones)),
		History:     make([]transitionResponse, 0, len(b.History)),
		CreatedAt:   formatTime(b.CreatedAt),
		UpdatedAt:   formatTime(b.UpdatedAt),
	}
	for _, m := range b.Milestones {
		mr := milestoneResponse{
			ID:            m.ID,
			Sequence:      m.Sequence,
			Title:         m.Title,
			PayoutPercent: m.PayoutPercent,
			Status:        string(m.Status),
			Feedback:      m.Feedback,
			SubmittedAt:   formatTimePtr(m.SubmittedAt),
			VerifiedAt:    formatTimePtr(m.VerifiedAt),
		}
		if m.Evidence != nil {
			mr.Evidence = &evidenceResponse{ContentHash: m.Evidence.ContentHash, URL: m.Evidence.URL, Size: m.Evidence.Size}
		}
		resp.Milestones = append(resp.Milestones, mr)
	}
	for _, tr := range b.History {
		resp.History = append(resp.History, transitionResponse{
			Seq:     tr.Seq,
			From:    string(tr.From),
			To:      string(tr.To),
			Event:   string(tr.Event),
			ActorID: tr.ActorID,
			Reason:  tr.Reason,
			At:      formatTime(tr.At),
		})
	}
	return resp
}

func toEscrowResponse(e escrow.Escrow) escrowResponse {
	return escrowResponse{
		ID:              e.ID,
		Rail:            e.Rail,
		RailReference:   e.RailReference,
		Currency:        e.Currency,
		RequestedAmount: e.RequestedAmount,
		PlatformFee:     e.PlatformFee,
		TotalAmount:     e.TotalAmount,
		ReceivedAmount:  e.ReceivedAmount,
		PayoutBasis:     e.PayoutBasis,
		ReleasedAmount:  e.ReleasedAmount,
		RefundedAmount:  e.RefundedAmount,
		Held:            e.Held(),
		Status:          string(e.Status),
	}
}

func toViewResponse(v lifecycle.View) viewResponse {
	resp := viewResponse{
		Bounty:    toBountyResponse(v.Bounty),
		Movements: make([]movementResponse, 0, len(v.Releases)+len(v.Refunds)),
	}
	if v.Escrow != nil {
		er := toEscrowResponse(*v.Escrow)
		resp.Escrow = &er
	}
	for _, r := range v.Releases {
		resp.Movements = append(resp.Movements, movementResponse{
			ID:          r.ID,
			Kind:        string(escrow.LegRelease),
			Amount:      r.Amount,
			Destination: r.Destination,
			Reference:   r.Reference,
			MilestoneID: r.MilestoneID,
			DisputeID:   r.DisputeID,
			CreatedAt:   formatTime(r.CreatedAt),
		})
	}
	for _, r := range v.Refunds {
		resp.Movements = append(resp.Movements, movementResponse{
			ID:          r.ID,
			Kind:        string(escrow.LegRefund),
			Amount:      r.Amount,
			Destination: r.Destination,
			Reference:   r.Reference,
			Reason:      r.Reason,
			CreatedAt:   formatTime(r.CreatedAt),
		})
	}
	if v.Dispute != nil {
		dr := toDisputeResponse(*v.Dispute)
		resp.Dispute = &dr
	}
	if in := v.Settlement; in != nil {
		resp.Settlement = &settlementResponse{
			ID:        in.ID,
			Kind:      string(in.Kind),
			Legs:      len(in.Legs),
			Attempts:  in.Attempts,
			LastError: in.LastError,
			UpdatedAt: formatTime(in.UpdatedAt),
		}
	}
	return resp
}

func toDepositResponse(d rail.Deposit) depositResponse {
	return depositResponse{
		Reference:    d.Reference,
		PayTo:        d.PayTo,
		PaymentURL:   d.PaymentURL,
		ClientSecret: d.ClientSecret,
		ExpiresAt:    formatTimePtr(d.ExpiresAt),
	}
}

func toProposalResponse(p bounty.Proposal) proposalResponse {
	return proposalResponse{
		ID:        p.ID,
		BountyID:  p.BountyID,
		LabID:     p.LabID,
		BidAmount: p.BidAmount,
		Summary:   p.Summary,
		Status:    string(p.Status),
		CreatedAt: formatTime(p.CreatedAt),
	}
}

func toDisputeResponse(d dispute.Record) disputeResponse {
	return disputeResponse{
		ID:            d.ID,
		BountyID:      d.BountyID,
		InitiatorID:   d.InitiatorID,
		Reason:        string(d.Reason),
		Description:   d.Description,
		EvidenceLinks: d.EvidenceLinks,
		Status:        string(d.Status),
		Resolution:    string(d.Resolution),
		SlashAmount:   d.SlashAmount,
		ArbitratorID:  d.ArbitratorID,
		PriorState:    string(d.PriorState),
		CreatedAt:     formatTime(d.CreatedAt),
		ResolvedAt:    formatTimePtr(d.ResolvedAt),
	}
}

func toStakeResponse(a stake.Account, txs []stake.Transaction) stakeResponse {
	resp := stakeResponse{
		LabID:          a.LabID,
		StakingBalance: a.StakingBalance,
		LockedStake:    a.LockedStake,
		Available:      a.Available(),
	}
	for _, t := range txs {
		resp.Transactions = append(resp.Transactions, stakeTransactionResponse{
			Type:     string(t.Type),
			BountyID: t.BountyID,
			Amount:   t.Amount,
			Balance:  t.Balance,
			Locked:   t.Locked,
			At:       formatTime(t.At),
		})
	}
	return resp
}

func toLabResponse(p lab.Profile) labResponse {
	return labResponse{ID: p.ID, Name: p.Name, Tier: int(p.Tier), PayoutAccounts: p.PayoutAccounts}
}
