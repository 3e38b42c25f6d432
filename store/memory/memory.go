// Package memory is an in-process store.Store. Transactions run one at a time
// against a cloned snapshot that replaces the live state only on success, so a
// failed unit of work leaves nothing behind.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"bountyflow/apperr"
	"bountyflow/bounty"
	"bountyflow/dispute"
	"bountyflow/escrow"
	"bountyflow/inbox"
	"bountyflow/lab"
	"bountyflow/outbox"
	"bountyflow/stake"
	"bountyflow/store"
)

type state struct {
	bounties   map[string]bounty.Bounty
	milestones map[string]string // milestone id -> bounty id
	proposals  map[string]bounty.Proposal
	labs       map[string]lab.Profile
	escrows    map[string]escrow.Escrow
	references map[string]string // rail + "\x00" + reference -> escrow id
	releases   []escrow.Release
	refunds    []escrow.Refund
	intents    map[string]escrow.Intent // keyed by bounty id
	accounts   map[string]stake.Account
	stakeTxs   []stake.Transaction
	anomalies  []stake.Anomaly
	disputes   map[string]dispute.Record
	outbox     []outbox.Message
	inbound    []inbox.Event
	seq        int64
}

func newState() *state {
	return &state{
		bounties:   map[string]bounty.Bounty{},
		milestones: map[string]string{},
		proposals:  map[string]bounty.Proposal{},
		labs:       map[string]lab.Profile{},
		escrows:    map[string]escrow.Escrow{},
		references: map[string]string{},
		intents:    map[string]escrow.Intent{},
		accounts:   map[string]stake.Account{},
		disputes:   map[string]dispute.Record{},
	}
}

func (s *state) clone() *state {
	c := &state{
		bounties:   make(map[string]bounty.Bounty, len(s.bounties)),
		milestones: maps.Clone(s.milestones),
		proposals:  maps.Clone(s.proposals),
		labs:       make(map[string]lab.Profile, len(s.labs)),
		escrows:    maps.Clone(s.escrows),
		references: maps.Clone(s.references),
		releases:   slices.Clone(s.releases),
		refunds:    slices.Clone(s.refunds),
		intents:    make(map[string]escrow.Intent, len(s.intents)),
		accounts:   maps.Clone(s.accounts),
		stakeTxs:   slices.Clone(s.stakeTxs),
		anomalies:  slices.Clone(s.anomalies),
		disputes:   make(map[string]dispute.Record, len(s.disputes)),
		outbox:     slices.Clone(s.outbox),
		inbound:    slices.Clone(s.inbound),
		seq:        s.seq,
	}
	for k, v := range s.bounties {
		c.bounties[k] = cloneBounty(v)
	}
	for k, v := range s.labs {
		c.labs[k] = cloneLab(v)
	}
	for k, v := range s.intents {
		c.intents[k] = cloneIntent(v)
	}
	for k, v := range s.disputes {
		c.disputes[k] = cloneDispute(v)
	}
	return c
}

func cloneBounty(b bounty.Bounty) bounty.Bounty {
	b.History = slices.Clone(b.History)
	b.Milestones = slices.Clone(b.Milestones)
	for i := range b.Milestones {
		if ev := b.Milestones[i].Evidence; ev != nil {
			cp := *ev
			b.Milestones[i].Evidence = &cp
		}
	}
	return b
}

func cloneLab(p lab.Profile) lab.Profile {
	p.PayoutAccounts = maps.Clone(p.PayoutAccounts)
	return p
}

func cloneIntent(in escrow.Intent) escrow.Intent {
	in.Legs = slices.Clone(in.Legs)
	return in
}

func cloneDispute(d dispute.Record) dispute.Record {
	d.EvidenceLinks = slices.Clone(d.EvidenceLinks)
	return d
}

// Store implements store.Store.
type Store struct {
	mu    sync.Mutex
	state *state
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{state: newState()}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Outbox returns a copy of every outbox message, oldest first.
func (s *Store) Outbox() []outbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.outbox)
}

func (s *Store) ClaimOutbox(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Message
	for i := range s.state.outbox {
		m := &s.state.outbox[i]
		if len(out) >= limit {
			break
		}
		if m.Status != outbox.StatusPending || m.NextAttemptAt.After(now) {
			continue
		}
		m.NextAttemptAt = now.Add(lease)
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) MarkOutboxProcessed(ctx context.Context, id string) error {
	return s.updateOutbox(id, func(m *outbox.Message) {
		m.Status = outbox.StatusProcessed
	})
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id string, lastErr string, nextAttempt time.Time, dead bool) error {
	return s.updateOutbox(id, func(m *outbox.Message) {
		m.Attempts++
		m.LastError = lastErr
		m.NextAttemptAt = nextAttempt
		if dead {
			m.Status = outbox.StatusDead
		}
	})
}

func (s *Store) updateOutbox(id string, fn func(*outbox.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.outbox {
		if s.state.outbox[i].ID == id {
			fn(&s.state.outbox[i])
			return nil
		}
	}
	return apperr.NotFound("outbox message %s not found", id)
}

func (s *Store) RecordInbound(ctx context.Context, ev inbox.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.state.inbound {
		if existing.Rail == ev.Rail && existing.EventID == ev.EventID {
			return false, nil
		}
	}
	s.state.inbound = append(s.state.inbound, ev)
	return true, nil
}

func (s *Store) ClaimInbound(ctx context.Context, shard, limit int, now time.Time, lease time.Duration) ([]inbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inbox.Event
	for i := range s.state.inbound {
		ev := &s.state.inbound[i]
		if len(out) >= limit {
			break
		}
		if ev.Shard != shard || ev.Status != inbox.StatusPending || ev.NextAttemptAt.After(now) {
			continue
		}
		ev.NextAttemptAt = now.Add(lease)
		out = append(out, *ev)
	}
	return out, nil
}

func (s *Store) MarkInboundProcessed(ctx context.Context, id string) error {
	return s.updateInbound(id, func(ev *inbox.Event) {
		ev.Status = inbox.StatusProcessed
	})
}

func (s *Store) MarkInboundFailed(ctx context.Context, id string, lastErr string, nextAttempt time.Time, dead bool) error {
	return s.updateInbound(id, func(ev *inbox.Event) {
		ev.Attempts++
		ev.LastError = lastErr
		ev.NextAttemptAt = nextAttempt
		if dead {
			ev.Status = inbox.StatusDead
		}
	})
}

func (s *Store) updateInbound(id string, fn func(*inbox.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.inbound {
		if s.state.inbound[i].ID == id {
			fn(&s.state.inbound[i])
			return nil
		}
	}
	return apperr.NotFound("inbound event %s not found", id)
}

type tx struct {
	st *state
}

func (t *tx) nextID() int64 {
	t.st.seq++
	return t.st.seq
}

func (t *tx) InsertBounty(ctx context.Context, b bounty.Bounty) error {
	if _, ok := t.st.bounties[b.ID]; ok {
		return apperr.StateConflict("bounty %s already exists", b.ID)
	}
	b = cloneBounty(b)
	b.History = nil
	for _, m := range b.Milestones {
		t.st.milestones[m.ID] = b.ID
	}
	t.st.bounties[b.ID] = b
	return nil
}

func (t *tx) GetBounty(ctx context.Context, id string) (bounty.Bounty, error) {
	b, ok := t.st.bounties[id]
	if !ok {
		return bounty.Bounty{}, apperr.NotFound("bounty %s not found", id)
	}
	return cloneBounty(b), nil
}

// LockBounty is GetBounty: the store mutex already serializes transactions.
func (t *tx) LockBounty(ctx context.Context, id string) (bounty.Bounty, error) {
	return t.GetBounty(ctx, id)
}

func (t *tx) SaveBounty(ctx context.Context, b bounty.Bounty) error {
	cur, ok := t.st.bounties[b.ID]
	if !ok {
		return apperr.NotFound("bounty %s not found", b.ID)
	}
	b = cloneBounty(b)
	b.History = cur.History
	for _, m := range b.Milestones {
		t.st.milestones[m.ID] = b.ID
	}
	t.st.bounties[b.ID] = b
	return nil
}

func (t *tx) AppendTransition(ctx context.Context, bountyID string, tr bounty.Transition) error {
	b, ok := t.st.bounties[bountyID]
	if !ok {
		return apperr.NotFound("bounty %s not found", bountyID)
	}
	if tr.Seq != len(b.History)+1 {
		return apperr.StateConflict("bounty %s history is at seq %d, got %d", bountyID, len(b.History), tr.Seq)
	}
	b.History = append(b.History, tr)
	t.st.bounties[bountyID] = b
	return nil
}

func (t *tx) GetMilestone(ctx context.Context, id string) (bounty.Milestone, error) {
	bountyID, ok := t.st.milestones[id]
	if !ok {
		return bounty.Milestone{}, apperr.NotFound("milestone %s not found", id)
	}
	b := t.st.bounties[bountyID]
	m, ok := b.MilestoneByID(id)
	if !ok {
		return bounty.Milestone{}, apperr.NotFound("milestone %s not found", id)
	}
	return *m, nil
}

func (t *tx) InsertProposal(ctx context.Context, p bounty.Proposal) error {
	if _, ok := t.st.proposals[p.ID]; ok {
		return apperr.StateConflict("proposal %s already exists", p.ID)
	}
	for _, other := range t.st.proposals {
		if other.BountyID == p.BountyID && other.LabID == p.LabID && other.Status == bounty.ProposalPending {
			return apperr.StateConflict("lab %s already has a pending proposal on bounty %s", p.LabID, p.BountyID)
		}
	}
	t.st.proposals[p.ID] = p
	return nil
}

func (t *tx) GetProposal(ctx context.Context, id string) (bounty.Proposal, error) {
	p, ok := t.st.proposals[id]
	if !ok {
		return bounty.Proposal{}, apperr.NotFound("proposal %s not found", id)
	}
	return p, nil
}

func (t *tx) ListProposals(ctx context.Context, bountyID string) ([]bounty.Proposal, error) {
	var out []bounty.Proposal
	for _, p := range t.st.proposals {
		if p.BountyID == bountyID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *tx) UpdateProposalStatus(ctx context.Context, id string, status bounty.ProposalStatus) error {
	p, ok := t.st.proposals[id]
	if !ok {
		return apperr.NotFound("proposal %s not found", id)
	}
	p.Status = status
	t.st.proposals[id] = p
	return nil
}

func (t *tx) GetLab(ctx context.Context, id string) (lab.Profile, error) {
	p, ok := t.st.labs[id]
	if !ok {
		return lab.Profile{}, apperr.NotFound("lab %s not found", id)
	}
	return cloneLab(p), nil
}

func (t *tx) UpsertLab(ctx context.Context, p lab.Profile) error {
	if cur, ok := t.st.labs[p.ID]; ok && p.CreatedAt.IsZero() {
		p.CreatedAt = cur.CreatedAt
	}
	t.st.labs[p.ID] = cloneLab(p)
	return nil
}

func (t *tx) InsertEscrow(ctx context.Context, e escrow.Escrow) error {
	if _, ok := t.st.escrows[e.ID]; ok {
		return apperr.StateConflict("escrow %s already exists", e.ID)
	}
	for _, other := range t.st.escrows {
		if other.BountyID == e.BountyID {
			return apperr.StateConflict("bounty %s already has escrow %s", e.BountyID, other.ID)
		}
	}
	t.st.escrows[e.ID] = e
	return nil
}

func (t *tx) UpdateEscrow(ctx context.Context, e escrow.Escrow) error {
	if _, ok := t.st.escrows[e.ID]; !ok {
		return apperr.NotFound("escrow %s not found", e.ID)
	}
	t.st.escrows[e.ID] = e
	return nil
}

func (t *tx) GetEscrow(ctx context.Context, id string) (escrow.Escrow, error) {
	e, ok := t.st.escrows[id]
	if !ok {
		return escrow.Escrow{}, apperr.NotFound("escrow %s not found", id)
	}
	return e, nil
}

func (t *tx) EscrowForBounty(ctx context.Context, bountyID string) (escrow.Escrow, error) {
	for _, e := range t.st.escrows {
		if e.BountyID == bountyID {
			return e, nil
		}
	}
	return escrow.Escrow{}, apperr.NotFound("bounty %s has no escrow", bountyID)
}

func (t *tx) EscrowByReference(ctx context.Context, rail, reference string) (escrow.Escrow, error) {
	if id, ok := t.st.references[rail+"\x00"+reference]; ok {
		return t.GetEscrow(ctx, id)
	}
	for _, e := range t.st.escrows {
		if e.Rail == rail && e.RailReference == reference {
			return e, nil
		}
	}
	return escrow.Escrow{}, apperr.NotFound("no escrow for %s reference %s", rail, reference)
}

func (t *tx) ClaimRailReference(ctx context.Context, rail, reference, escrowID string) error {
	key := rail + "\x00" + reference
	if owner, ok := t.st.references[key]; ok && owner != escrowID {
		return apperr.StateConflict("%s reference %s already settled escrow %s", rail, reference, owner)
	}
	t.st.references[key] = escrowID
	return nil
}

func (t *tx) InsertRelease(ctx context.Context, r escrow.Release) error {
	for _, other := range t.st.releases {
		if other.EscrowID != r.EscrowID {
			continue
		}
		if r.MilestoneID != "" && other.MilestoneID == r.MilestoneID {
			return apperr.StateConflict("milestone %s already released", r.MilestoneID)
		}
		if r.DisputeID != "" && other.DisputeID == r.DisputeID {
			return apperr.StateConflict("dispute %s already settled", r.DisputeID)
		}
	}
	t.st.releases = append(t.st.releases, r)
	return nil
}

func (t *tx) InsertRefund(ctx context.Context, r escrow.Refund) error {
	t.st.refunds = append(t.st.refunds, r)
	return nil
}

func (t *tx) ListReleases(ctx context.Context, escrowID string) ([]escrow.Release, error) {
	var out []escrow.Release
	for _, r := range t.st.releases {
		if r.EscrowID == escrowID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *tx) ListRefunds(ctx context.Context, escrowID string) ([]escrow.Refund, error) {
	var out []escrow.Refund
	for _, r := range t.st.refunds {
		if r.EscrowID == escrowID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *tx) InsertIntent(ctx context.Context, in escrow.Intent) error {
	if cur, ok := t.st.intents[in.BountyID]; ok {
		return apperr.StateConflict("bounty %s already has settlement %s in progress", in.BountyID, cur.ID)
	}
	t.st.intents[in.BountyID] = cloneIntent(in)
	return nil
}

func (t *tx) IntentForBounty(ctx context.Context, bountyID string) (escrow.Intent, error) {
	in, ok := t.st.intents[bountyID]
	if !ok {
		return escrow.Intent{}, apperr.NotFound("bounty %s has no settlement in progress", bountyID)
	}
	return cloneIntent(in), nil
}

func (t *tx) UpdateIntent(ctx context.Context, in escrow.Intent) error {
	cur, ok := t.st.intents[in.BountyID]
	if !ok || cur.ID != in.ID {
		return apperr.NotFound("settlement %s not found", in.ID)
	}
	t.st.intents[in.BountyID] = cloneIntent(in)
	return nil
}

func (t *tx) DeleteIntent(ctx context.Context, id string) error {
	for k, in := range t.st.intents {
		if in.ID == id {
			delete(t.st.intents, k)
			return nil
		}
	}
	return apperr.NotFound("settlement %s not found", id)
}

func (t *tx) StaleIntents(ctx context.Context, before time.Time, limit int) ([]escrow.Intent, error) {
	var out []escrow.Intent
	for _, in := range t.st.intents {
		if in.UpdatedAt.Before(before) {
			out = append(out, cloneIntent(in))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) LockStakeAccount(ctx context.Context, labID string) (stake.Account, error) {
	if a, ok := t.st.accounts[labID]; ok {
		return a, nil
	}
	return stake.Account{LabID: labID}, nil
}

func (t *tx) SaveStakeAccount(ctx context.Context, a stake.Account) error {
	if a.LockedStake < 0 || a.StakingBalance < 0 || a.LockedStake > a.StakingBalance {
		return apperr.Internal(nil, "stake account %s violates balance constraint (%d locked of %d)", a.LabID, a.LockedStake, a.StakingBalance)
	}
	t.st.accounts[a.LabID] = a
	return nil
}

func (t *tx) AppendStakeTransaction(ctx context.Context, st stake.Transaction) error {
	st.ID = t.nextID()
	t.st.stakeTxs = append(t.st.stakeTxs, st)
	return nil
}

func (t *tx) InsertStakeAnomaly(ctx context.Context, a stake.Anomaly) error {
	a.ID = t.nextID()
	t.st.anomalies = append(t.st.anomalies, a)
	return nil
}

func (t *tx) ListStakeTransactions(ctx context.Context, labID string) ([]stake.Transaction, error) {
	var out []stake.Transaction
	for _, st := range t.st.stakeTxs {
		if st.LabID == labID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (t *tx) InsertDispute(ctx context.Context, d dispute.Record) error {
	if _, active, _ := t.ActiveDispute(ctx, d.BountyID); active {
		return apperr.StateConflict("bounty %s already has an active dispute", d.BountyID)
	}
	if _, ok := t.st.disputes[d.ID]; ok {
		return apperr.StateConflict("dispute %s already exists", d.ID)
	}
	t.st.disputes[d.ID] = cloneDispute(d)
	return nil
}

func (t *tx) GetDispute(ctx context.Context, id string) (dispute.Record, error) {
	d, ok := t.st.disputes[id]
	if !ok {
		return dispute.Record{}, apperr.NotFound("dispute %s not found", id)
	}
	return cloneDispute(d), nil
}

func (t *tx) UpdateDispute(ctx context.Context, d dispute.Record) error {
	cur, ok := t.st.disputes[d.ID]
	if !ok {
		return apperr.NotFound("dispute %s not found", d.ID)
	}
	if !cur.Active() {
		return apperr.StateConflict("dispute %s is already resolved", d.ID)
	}
	t.st.disputes[d.ID] = cloneDispute(d)
	return nil
}

func (t *tx) ActiveDispute(ctx context.Context, bountyID string) (dispute.Record, bool, error) {
	for _, d := range t.st.disputes {
		if d.BountyID == bountyID && d.Active() {
			return cloneDispute(d), true, nil
		}
	}
	return dispute.Record{}, false, nil
}

func (t *tx) Enqueue(ctx context.Context, msg outbox.Message) error {
	t.st.outbox = append(t.st.outbox, msg)
	return nil
}
