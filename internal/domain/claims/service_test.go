package claims

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// memRepo is an in-memory Repository for service tests.
type memRepo struct {
	mu     sync.Mutex
	claims map[uuid.UUID]*Claim
	items  map[uuid.UUID][]*ClaimItem
	seq    int
}

func newMemRepo() *memRepo {
	return &memRepo{
		claims: make(map[uuid.UUID]*Claim),
		items:  make(map[uuid.UUID][]*ClaimItem),
	}
}

func (r *memRepo) Create(_ context.Context, c *Claim, items []*ClaimItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	r.claims[c.ID] = &cp
	for _, it := range items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.ClaimID = c.ID
		icp := *it
		r.items[c.ID] = append(r.items[c.ID], &icp)
	}
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) GetByNumber(_ context.Context, number string) (*Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.claims {
		if c.ClaimNumber == number {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRepo) ListByPanel(_ context.Context, panelID uuid.UUID, limit, offset int) ([]*Claim, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Claim
	for _, c := range r.claims {
		if c.PanelID == panelID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return page(out, limit, offset)
}

func (r *memRepo) ListByStatus(_ context.Context, status Status, limit, offset int) ([]*Claim, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Claim
	for _, c := range r.claims {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	return page(out, limit, offset)
}

func page(out []*Claim, limit, offset int) ([]*Claim, int, error) {
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (r *memRepo) ListStaleByStatus(_ context.Context, status Status, cutoff time.Time, limit int) ([]*Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Claim
	for _, c := range r.claims {
		if c.Status == status && !c.UpdatedAt.After(cutoff) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status, stamp StatusStamp) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.claims[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	switch to {
	case StatusSubmitted:
		at := stamp.At
		c.SubmittedAt = &at
		actor := stamp.Actor
		c.SubmittedBy = &actor
	case StatusApproved:
		at := stamp.At
		c.ApprovedAt = &at
		actor := stamp.Actor
		c.ApprovedBy = &actor
	case StatusPaid, StatusShortPaid:
		at := stamp.At
		c.PaidAt = &at
		c.PaidAmount = stamp.PaidAmount
	case StatusRejected:
		reason := stamp.Reason
		c.RejectionReason = &reason
	}
	return true, nil
}

func (r *memRepo) Items(_ context.Context, claimID uuid.UUID) ([]*ClaimItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ClaimItem
	for _, it := range r.items[claimID] {
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepo) UpdateItemAmount(_ context.Context, itemID uuid.UUID, amount decimal.Decimal) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for claimID, items := range r.items {
		for _, it := range items {
			if it.ID == itemID {
				if r.claims[claimID].Status != StatusDraft {
					return false, nil
				}
				it.ClaimAmount = amount
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *memRepo) UpdateItemStatus(_ context.Context, itemID uuid.UUID, status ItemStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, items := range r.items {
		for _, it := range items {
			if it.ID == itemID {
				it.Status = status
				return nil
			}
		}
	}
	return ErrNotFound
}

func (r *memRepo) NextClaimNumber(_ context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return fmt.Sprintf("CLM-%s-%06d", time.Now().UTC().Format("200601"), r.seq), nil
}

// memRules is a fixed-list StatusRuleRepository.
type memRules struct{ rules []*StatusRule }

func (r *memRules) ListActive(_ context.Context, trigger TriggerType) ([]*StatusRule, error) {
	var out []*StatusRule
	for _, rule := range r.rules {
		if rule.IsActive && rule.TriggerType == trigger {
			out = append(out, rule)
		}
	}
	return out, nil
}

func newTestService() (*Service, *memRepo) {
	repo := newMemRepo()
	return NewService(repo, &memRules{}, zerolog.Nop()), repo
}

func draftClaim(t *testing.T, svc *Service, amounts ...string) *Claim {
	t.Helper()
	c := &Claim{PanelID: uuid.New(), Status: StatusDraft}
	var items []*ClaimItem
	for _, a := range amounts {
		items = append(items, &ClaimItem{
			BillingID:  uuid.New(),
			ItemAmount: decimal.RequireFromString(a),
			Status:     ItemIncluded,
		})
	}
	if err := svc.Create(context.Background(), c, items); err != nil {
		t.Fatalf("create claim: %v", err)
	}
	return c
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusSubmitted, true},
		{StatusDraft, StatusApproved, false},
		{StatusDraft, StatusPaid, false},
		{StatusSubmitted, StatusApproved, true},
		{StatusSubmitted, StatusRejected, true},
		{StatusSubmitted, StatusPaid, false},
		{StatusSubmitted, StatusDraft, false},
		{StatusApproved, StatusPaid, true},
		{StatusApproved, StatusShortPaid, true},
		{StatusApproved, StatusRejected, true},
		{StatusApproved, StatusSubmitted, false},
		{StatusPaid, StatusShortPaid, true},
		{StatusPaid, StatusApproved, false},
		{StatusRejected, StatusSubmitted, false},
		{StatusRejected, StatusDraft, false},
		{StatusShortPaid, StatusPaid, false},
		{StatusDraft, StatusDraft, false},
		{StatusPaid, StatusPaid, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			if got := ValidateTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("ValidateTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestService_Create(t *testing.T) {
	svc, _ := newTestService()
	c := draftClaim(t, svc, "100.50", "249.50")

	if c.ClaimNumber == "" {
		t.Error("expected claim number to be allocated")
	}
	if !c.TotalAmount.Equal(decimal.RequireFromString("350.00")) {
		t.Errorf("expected total 350.00, got %s", c.TotalAmount)
	}
	if c.TotalItems != 2 {
		t.Errorf("expected 2 items, got %d", c.TotalItems)
	}
}

func TestService_Create_RequiresItems(t *testing.T) {
	svc, _ := newTestService()
	err := svc.Create(context.Background(), &Claim{PanelID: uuid.New()}, nil)
	if err == nil {
		t.Fatal("expected error for claim without items")
	}
}

func TestService_Create_RequiresPanel(t *testing.T) {
	svc, _ := newTestService()
	err := svc.Create(context.Background(), &Claim{}, []*ClaimItem{
		{BillingID: uuid.New(), ItemAmount: decimal.NewFromInt(10)},
	})
	if err == nil {
		t.Fatal("expected error for claim without panel")
	}
}

func TestService_Create_DefaultsClaimAmount(t *testing.T) {
	svc, repo := newTestService()
	c := &Claim{PanelID: uuid.New()}
	items := []*ClaimItem{{BillingID: uuid.New(), ItemAmount: decimal.RequireFromString("75.00")}}
	if err := svc.Create(context.Background(), c, items); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ := repo.Items(context.Background(), c.ID)
	if !stored[0].ClaimAmount.Equal(decimal.RequireFromString("75.00")) {
		t.Errorf("expected claim_amount to default to item_amount, got %s", stored[0].ClaimAmount)
	}
}

func TestService_SubmitApprovePayFlow(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	c := draftClaim(t, svc, "500.00")

	c2, err := svc.Submit(ctx, c.ID, "user-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if c2.Status != StatusSubmitted || c2.SubmittedBy == nil || *c2.SubmittedBy != "user-1" {
		t.Errorf("unexpected submitted claim: %+v", c2)
	}

	c3, err := svc.Approve(ctx, c.ID, "supervisor-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if c3.Status != StatusApproved {
		t.Errorf("expected approved, got %s", c3.Status)
	}

	paid := decimal.RequireFromString("500.00")
	c4, err := svc.MarkPaid(ctx, c.ID, paid)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if c4.Status != StatusPaid {
		t.Errorf("expected paid, got %s", c4.Status)
	}
	if c4.PaidAmount == nil || !c4.PaidAmount.Equal(paid) {
		t.Errorf("expected paid_amount 500.00, got %v", c4.PaidAmount)
	}
}

func TestService_Transition_InvalidEdge(t *testing.T) {
	svc, _ := newTestService()
	c := draftClaim(t, svc, "100.00")

	_, err := svc.Approve(context.Background(), c.ID, "user-1")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestService_Reject_RequiresReason(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	c := draftClaim(t, svc, "100.00")
	if _, err := svc.Submit(ctx, c.ID, "u"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := svc.Reject(ctx, c.ID, "u", "")
	if !errors.Is(err, ErrReasonRequired) {
		t.Errorf("expected ErrReasonRequired, got %v", err)
	}

	c2, err := svc.Reject(ctx, c.ID, "u", "missing documentation")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if c2.RejectionReason == nil || *c2.RejectionReason != "missing documentation" {
		t.Errorf("expected rejection reason recorded, got %v", c2.RejectionReason)
	}
}

func TestService_Transition_LostRaceSameTargetIsBenign(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	c := draftClaim(t, svc, "100.00")

	// Another writer lands the same transition between read and write.
	if _, err := repo.UpdateStatus(ctx, c.ID, StatusDraft, StatusSubmitted, StatusStamp{Actor: "other", At: time.Now()}); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Submit(ctx, c.ID, "me")
	if err != nil {
		t.Fatalf("expected benign no-op, got %v", err)
	}
	if got.Status != StatusSubmitted {
		t.Errorf("expected submitted, got %s", got.Status)
	}
	if got.SubmittedBy == nil || *got.SubmittedBy != "other" {
		t.Error("expected the first writer's stamp to win")
	}
}

func TestService_Transition_RepeatedSameTargetIsBenign(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	c := draftClaim(t, svc, "100.00")

	first, err := svc.Submit(ctx, c.ID, "me")
	if err != nil {
		t.Fatal(err)
	}

	// A second submit finds the claim already submitted and succeeds without
	// rewriting the stamp.
	got, err := svc.Submit(ctx, c.ID, "someone-else")
	if err != nil {
		t.Fatalf("expected benign no-op, got %v", err)
	}
	if got.Status != StatusSubmitted {
		t.Errorf("expected submitted, got %s", got.Status)
	}
	if got.SubmittedBy == nil || *got.SubmittedBy != *first.SubmittedBy {
		t.Error("expected the original submitter's stamp to be preserved")
	}
}

func TestService_ClaimedAmount_ExcludedItemsSkipped(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	c := draftClaim(t, svc, "100.00", "50.00")

	items, _ := repo.Items(ctx, c.ID)
	if err := repo.UpdateItemStatus(ctx, items[1].ID, ItemExcluded); err != nil {
		t.Fatal(err)
	}

	sum, err := svc.ClaimedAmount(ctx, c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sum.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("expected 100.00, got %s", sum)
	}
}

func TestService_AdjustItemAmount(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	c := draftClaim(t, svc, "100.00")
	items, _ := repo.Items(ctx, c.ID)

	if err := svc.AdjustItemAmount(ctx, items[0].ID, decimal.RequireFromString("80.00")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.AdjustItemAmount(ctx, items[0].ID, decimal.RequireFromString("-1")); err == nil {
		t.Error("expected error for negative amount")
	}

	// Adjustments stop once the claim leaves draft.
	if _, err := svc.Submit(ctx, c.ID, "u"); err != nil {
		t.Fatal(err)
	}
	if err := svc.AdjustItemAmount(ctx, items[0].ID, decimal.RequireFromString("70.00")); err == nil {
		t.Error("expected error adjusting item on submitted claim")
	}
}

func TestService_ListByStatus_UnknownStatus(t *testing.T) {
	svc, _ := newTestService()
	_, _, err := svc.ListByStatus(context.Background(), "bogus", 10, 0)
	if err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestService_StaleClaims(t *testing.T) {
	repo := newMemRepo()
	rules := &memRules{rules: []*StatusRule{
		{FromStatus: StatusSubmitted, ToStatus: StatusApproved, TriggerType: TriggerTimeBased, DelayHours: 24, AutoExecute: true, IsActive: true},
	}}
	svc := NewService(repo, rules, zerolog.Nop())
	ctx := context.Background()

	c := draftClaim(t, svc, "100.00")
	if _, err := svc.Submit(ctx, c.ID, "u"); err != nil {
		t.Fatal(err)
	}

	active, err := svc.ActiveTimeRules(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected 1 active rule, got %d (err %v)", len(active), err)
	}

	// Fresh claim is not yet stale.
	stale, err := svc.StaleClaims(ctx, active[0], time.Now().UTC(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Errorf("expected no stale claims, got %d", len(stale))
	}

	// A sweep a day later picks it up.
	stale, err = svc.StaleClaims(ctx, active[0], time.Now().UTC().Add(25*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 {
		t.Errorf("expected 1 stale claim, got %d", len(stale))
	}
}
