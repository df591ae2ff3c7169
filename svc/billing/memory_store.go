package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and local development.
// One mutex guards everything, which makes CompletePayment and
// NextSequence as atomic as their SQL counterparts.
type MemoryStore struct {
	mu sync.Mutex

	orgs        map[uuid.UUID]*Organization
	plans       map[uuid.UUID]*Plan
	memberships map[uuid.UUID]*Membership
	payments    map[uuid.UUID]*Payment
	webhooks    map[string]*WebhookRecord
	sequences   map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:        make(map[uuid.UUID]*Organization),
		plans:       make(map[uuid.UUID]*Plan),
		memberships: make(map[uuid.UUID]*Membership),
		payments:    make(map[uuid.UUID]*Payment),
		webhooks:    make(map[string]*WebhookRecord),
		sequences:   make(map[string]int),
	}
}

// Seed helpers. Copies are stored so callers keep ownership of their
// structs.

func (s *MemoryStore) PutOrganization(o *Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.orgs[o.ID] = &cp
}

func (s *MemoryStore) PutPlan(p *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.plans[p.ID] = &cp
}

func (s *MemoryStore) PutMembership(m *Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.memberships[m.ID] = &cp
}

func (s *MemoryStore) PutPayment(p *Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.payments[p.ID] = &cp
}

func (s *MemoryStore) Organization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, ErrOrganizationNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) Organizations(ctx context.Context) ([]Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Organization, 0, len(s.orgs))
	for _, o := range s.orgs {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Plan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Membership(ctx context.Context, id uuid.UUID) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[id]
	if !ok {
		return nil, ErrMembershipNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) MembershipBySubscription(ctx context.Context, subscriptionID string) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.SubscriptionID == subscriptionID && subscriptionID != "" {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrMembershipNotFound
}

func (s *MemoryStore) ManualBillingMemberships(ctx context.Context, orgID uuid.UUID) ([]Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Membership
	for _, m := range s.memberships {
		if m.OrgID != orgID || m.Terminal() || m.OnProviderBilling() {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *MemoryStore) UpdateMembership(ctx context.Context, m *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[m.ID]; !ok {
		return ErrMembershipNotFound
	}
	cp := *m
	s.memberships[m.ID] = &cp
	return nil
}

func (s *MemoryStore) Payment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) CreatePayment(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; ok {
		return ErrDuplicatePayment
	}
	// Mirrors the partial unique index on pending (membership, due date)
	// rows.
	if p.Status == PaymentPending {
		for _, q := range s.payments {
			if q.MembershipID == p.MembershipID && q.Status == PaymentPending && sameDate(q.DueAt, p.DueAt) {
				return ErrDuplicatePayment
			}
		}
	}
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdatePayment(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	cp := *p
	cp.UpdatedAt = time.Now().UTC()
	s.payments[p.ID] = &cp
	return nil
}

func (s *MemoryStore) PendingPaymentForDueDate(ctx context.Context, membershipID uuid.UUID, due time.Time) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.MembershipID == membershipID && p.Status == PaymentPending && sameDate(p.DueAt, due) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (s *MemoryStore) OldestUnpaidPayment(ctx context.Context, membershipID uuid.UUID) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *Payment
	for _, p := range s.payments {
		if p.MembershipID != membershipID || p.Status != PaymentPending {
			continue
		}
		if oldest == nil || p.DueAt.Before(oldest.DueAt) {
			oldest = p
		}
	}
	if oldest == nil {
		return nil, ErrPaymentNotFound
	}
	cp := *oldest
	return &cp, nil
}

func (s *MemoryStore) PendingPaymentByProviderRef(ctx context.Context, orgID uuid.UUID, ref string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.OrgID == orgID && p.ProviderRef == ref && ref != "" && p.Status == PaymentPending {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (s *MemoryStore) CompletePayment(ctx context.Context, paymentID uuid.UUID, facts SettlementFacts, mutate MembershipMutation) (*Payment, *Membership, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return nil, nil, false, ErrPaymentNotFound
	}
	m, ok := s.memberships[p.MembershipID]
	if !ok {
		return nil, nil, false, ErrMembershipNotFound
	}

	switch p.Status {
	case PaymentCompleted:
		pc, mc := *p, *m
		return &pc, &mc, true, nil
	case PaymentRefunded:
		return nil, nil, false, ErrPaymentRefunded
	}

	// Mutate copies; commit only when the mutation succeeds.
	pc, mc := *p, *m
	pc.Status = PaymentCompleted
	pc.Method = facts.Method
	paidAt := facts.PaidAt
	pc.PaidAt = &paidAt
	if facts.ProviderRef != "" {
		pc.ProviderRef = facts.ProviderRef
	}
	pc.UpdatedAt = time.Now().UTC()

	if err := mutate(&pc, &mc); err != nil {
		return nil, nil, false, err
	}

	s.payments[paymentID] = &pc
	s.memberships[mc.ID] = &mc

	pr, mr := pc, mc
	return &pr, &mr, false, nil
}

func (s *MemoryStore) WebhookEvent(ctx context.Context, eventID string) (*WebhookRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.webhooks[eventID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) RecordWebhookEvent(ctx context.Context, rec *WebhookRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[rec.EventID]; ok {
		return nil
	}
	cp := *rec
	s.webhooks[rec.EventID] = &cp
	return nil
}

// PaymentsFor returns all payments recorded for a membership, oldest
// first. Test inspection helper.
func (s *MemoryStore) PaymentsFor(membershipID uuid.UUID) []Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Payment
	for _, p := range s.payments {
		if p.MembershipID == membershipID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// OrganizationName implements invoice.OrganizationDirectory.
func (s *MemoryStore) OrganizationName(ctx context.Context, orgID uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[orgID]
	if !ok {
		return "", ErrOrganizationNotFound
	}
	return o.Name, nil
}

// NextSequence implements invoice.SequenceStore.
func (s *MemoryStore) NextSequence(ctx context.Context, orgID uuid.UUID, yearMonth string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s/%s", orgID, yearMonth)
	s.sequences[key]++
	return s.sequences[key], nil
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
