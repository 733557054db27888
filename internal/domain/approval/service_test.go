package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// memWorkflows holds a fixed workflow list.
type memWorkflows struct{ wfs []*Workflow }

func (r *memWorkflows) GetByID(_ context.Context, id uuid.UUID) (*Workflow, error) {
	for _, wf := range r.wfs {
		if wf.ID == id {
			return wf, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memWorkflows) ListActive(_ context.Context) ([]*Workflow, error) {
	var out []*Workflow
	for _, wf := range r.wfs {
		if wf.IsActive {
			out = append(out, wf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApprovalOrder < out[j].ApprovalOrder })
	return out, nil
}

// memRequests is an in-memory RequestRepository.
type memRequests struct {
	mu   sync.Mutex
	reqs map[uuid.UUID]*Request
}

func newMemRequests() *memRequests {
	return &memRequests{reqs: make(map[uuid.UUID]*Request)}
}

func (r *memRequests) Create(_ context.Context, req *Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.CreatedAt = time.Now().UTC()
	cp := *req
	r.reqs[req.ID] = &cp
	return nil
}

func (r *memRequests) GetByID(_ context.Context, id uuid.UUID) (*Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.reqs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (r *memRequests) ListByStatus(_ context.Context, status RequestStatus, limit, offset int) ([]*Request, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Request
	for _, req := range r.reqs {
		if req.Status == status {
			cp := *req
			out = append(out, &cp)
		}
	}
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

func (r *memRequests) ListBySubject(_ context.Context, kind SubjectKind, subjectID uuid.UUID) ([]*Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Request
	for _, req := range r.reqs {
		if req.SubjectKind == kind && req.SubjectID == subjectID {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRequests) PendingForSubject(_ context.Context, kind SubjectKind, subjectID uuid.UUID) (*Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.reqs {
		if req.SubjectKind == kind && req.SubjectID == subjectID && req.Status == RequestPending {
			cp := *req
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRequests) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]*Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Request
	for _, req := range r.reqs {
		if req.Status == RequestPending && !req.ExpiresAt.After(now) {
			cp := *req
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRequests) Terminate(_ context.Context, id uuid.UUID, d Disposition) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.reqs[id]
	if !ok || req.Status != RequestPending {
		return false, nil
	}
	req.Status = d.Status
	req.RespondedAt = d.RespondedAt
	req.RespondedBy = d.RespondedBy
	req.ApprovalNotes = d.ApprovalNotes
	req.RejectionReason = d.RejectionReason
	return true, nil
}

// recordingNotifier captures NotifyRole calls.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []struct{ Role, Template string }
}

func (n *recordingNotifier) NotifyRole(_ context.Context, role, template string, _ map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, struct{ Role, Template string }{role, template})
	return nil
}

// recordingHandler captures subject callbacks.
type recordingHandler struct {
	approved []uuid.UUID
	rejected []uuid.UUID
	fail     error
}

func (h *recordingHandler) OnApproved(_ context.Context, req *Request, _ string) error {
	if h.fail != nil {
		return h.fail
	}
	h.approved = append(h.approved, req.SubjectID)
	return nil
}

func (h *recordingHandler) OnRejected(_ context.Context, req *Request, _, _ string) error {
	if h.fail != nil {
		return h.fail
	}
	h.rejected = append(h.rejected, req.SubjectID)
	return nil
}

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func standardWorkflows() *memWorkflows {
	max := amt("10000.00")
	escRole := "supervisor"
	return &memWorkflows{wfs: []*Workflow{
		{
			ID:                        uuid.New(),
			Name:                      "supervisor band",
			MinApprovalAmount:         amt("2000.00"),
			MaxApprovalAmount:         &max,
			RequiredRole:              "supervisor",
			EscalationRole:            &escRole,
			ApprovalOrder:             1,
			AutoApproveBelowThreshold: true,
			EscalationHours:           48,
			IsActive:                  true,
		},
		{
			ID:                uuid.New(),
			Name:              "director band",
			MinApprovalAmount: amt("10000.01"),
			RequiredRole:      "director",
			ApprovalOrder:     2,
			EscalationHours:   24,
			IsActive:          true,
		},
	}}
}

func TestService_NeedsApproval_BandSelection(t *testing.T) {
	wfs := standardWorkflows()
	svc := NewService(wfs, newMemRequests(), nil, zerolog.Nop())
	ctx := context.Background()

	// Below minimum with auto-approve: no workflow.
	wf, err := svc.NeedsApproval(ctx, nil, amt("1999.99"))
	if err != nil || wf != nil {
		t.Errorf("expected auto-approved below threshold, got wf=%v err=%v", wf, err)
	}

	// Exactly at minimum: first band.
	wf, err = svc.NeedsApproval(ctx, nil, amt("2000.00"))
	if err != nil || wf == nil || wf.Name != "supervisor band" {
		t.Errorf("expected supervisor band at 2000.00, got %v (err %v)", wf, err)
	}

	// Mid-band.
	wf, _ = svc.NeedsApproval(ctx, nil, amt("5000.00"))
	if wf == nil || wf.Name != "supervisor band" {
		t.Errorf("expected supervisor band at 5000.00, got %v", wf)
	}

	// Above the first band's maximum: director band.
	wf, _ = svc.NeedsApproval(ctx, nil, amt("25000.00"))
	if wf == nil || wf.Name != "director band" {
		t.Errorf("expected director band at 25000.00, got %v", wf)
	}
}

func TestService_NeedsApproval_NoWorkflowsIsError(t *testing.T) {
	svc := NewService(&memWorkflows{}, newMemRequests(), nil, zerolog.Nop())
	_, err := svc.NeedsApproval(context.Background(), nil, amt("100.00"))
	if !errors.Is(err, ErrNoWorkflows) {
		t.Errorf("expected ErrNoWorkflows, got %v", err)
	}
}

func TestService_NeedsApproval_PanelScoping(t *testing.T) {
	panelA := uuid.New()
	panelB := uuid.New()
	wfs := &memWorkflows{wfs: []*Workflow{
		{
			ID:                uuid.New(),
			Name:              "panel A only",
			MinApprovalAmount: amt("100.00"),
			RequiredRole:      "supervisor",
			ApprovalOrder:     1,
			PanelID:           &panelA,
			IsActive:          true,
		},
	}}
	svc := NewService(wfs, newMemRequests(), nil, zerolog.Nop())
	ctx := context.Background()

	wf, err := svc.NeedsApproval(ctx, &panelA, amt("500.00"))
	if err != nil || wf == nil {
		t.Errorf("expected panel A workflow to match, got %v (err %v)", wf, err)
	}

	wf, err = svc.NeedsApproval(ctx, &panelB, amt("500.00"))
	if err != nil || wf != nil {
		t.Errorf("expected no workflow for panel B, got %v (err %v)", wf, err)
	}
}

func TestService_RequireApproval_CreatesPendingRequest(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := NewService(standardWorkflows(), newMemRequests(), notifier, zerolog.Nop())
	ctx := context.Background()
	subjectID := uuid.New()

	req, err := svc.RequireApproval(ctx, SubjectClaim, subjectID, nil, amt("5000.00"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req == nil || req.Status != RequestPending {
		t.Fatalf("expected pending request, got %+v", req)
	}
	if got := req.ExpiresAt.Sub(req.RequestedAt); got != 48*time.Hour {
		t.Errorf("expected 48h deadline, got %s", got)
	}
	if len(notifier.calls) != 1 || notifier.calls[0].Role != "supervisor" || notifier.calls[0].Template != "approval-pending" {
		t.Errorf("expected approval-pending notification to supervisor, got %v", notifier.calls)
	}
}

func TestService_RequireApproval_IdempotentPerSubject(t *testing.T) {
	svc := NewService(standardWorkflows(), newMemRequests(), nil, zerolog.Nop())
	ctx := context.Background()
	subjectID := uuid.New()

	first, err := svc.RequireApproval(ctx, SubjectClaim, subjectID, nil, amt("5000.00"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.RequireApproval(ctx, SubjectClaim, subjectID, nil, amt("5000.00"))
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Error("expected the existing pending request to be returned")
	}
}

func TestService_RequireApproval_NotNeeded(t *testing.T) {
	svc := NewService(standardWorkflows(), newMemRequests(), nil, zerolog.Nop())
	req, err := svc.RequireApproval(context.Background(), SubjectClaim, uuid.New(), nil, amt("500.00"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req != nil {
		t.Errorf("expected no request below threshold, got %+v", req)
	}
}

func TestService_ProcessRequest_Approve(t *testing.T) {
	handler := &recordingHandler{}
	svc := NewService(standardWorkflows(), newMemRequests(), nil, zerolog.Nop())
	svc.RegisterSubjectHandler(SubjectClaim, handler)
	ctx := context.Background()
	subjectID := uuid.New()

	req, err := svc.RequireApproval(ctx, SubjectClaim, subjectID, nil, amt("5000.00"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.ProcessRequest(ctx, req.ID, ActionApprove, "sup-1", []string{"supervisor"}, "looks fine")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != RequestApproved {
		t.Errorf("expected approved, got %s", got.Status)
	}
	if got.RespondedBy == nil || *got.RespondedBy != "sup-1" {
		t.Errorf("expected responded_by recorded, got %v", got.RespondedBy)
	}
	if len(handler.approved) != 1 || handler.approved[0] != subjectID {
		t.Errorf("expected subject handler callback, got %v", handler.approved)
	}
}

func TestService_ProcessRequest_RejectRequiresReason(t *testing.T) {
	handler := &recordingHandler{}
	svc := NewService(standardWorkflows(), newMemRequests(), nil, zerolog.Nop())
	svc.RegisterSubjectHandler(SubjectClaim, handler)
	ctx := context.Background()

	req, err := svc.RequireApproval(ctx, SubjectClaim, uuid.New(), nil, amt("5000.00"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ProcessRequest(ctx, req.ID, ActionReject, "sup-1", []string{"supervisor"}, ""); err == nil {
		t.Error("expected error rejecting without a reason")
	}

	got, err := svc.ProcessRequest(ctx, req.ID, ActionReject, "sup-1", []string{"supervisor"}, "over budget")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != RequestRejected {
		t.Errorf("expected rejected, got %s", got.Status)
	}
	if len(handler.rejected) != 1 {
		t.Errorf("expected rejection callback, got %v", handler.rejected)
	}
}

func TestService_ProcessRequest_RoleEnforcement(t *testing.T) {
	svc := NewService(standardWorkflows(), newMemRequests(), nil, zerolog.Nop())
	ctx := context.Background()

	req, err := svc.RequireApproval(ctx, SubjectClaim, uuid.New(), nil, amt("5000.00"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ProcessRequest(ctx, req.ID, ActionApprove, "u", []string{"billing"}, ""); !errors.Is(err, ErrRoleNotAllowed) {
		t.Errorf("expected ErrRoleNotAllowed, got %v", err)
	}

	// Admin overrides the required role.
	if _, err := svc.ProcessRequest(ctx, req.ID, ActionApprove, "root", []string{"admin"}, ""); err != nil {
		t.Errorf("expected admin to be allowed, got %v", err)
	}
}

func TestService_ProcessRequest_TerminalIsImmutable(t *testing.T) {
	svc := NewService(standardWorkflows(), newMemRequests(), nil, zerolog.Nop())
	ctx := context.Background()

	req, err := svc.RequireApproval(ctx, SubjectClaim, uuid.New(), nil, amt("5000.00"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ProcessRequest(ctx, req.ID, ActionApprove, "sup-1", []string{"supervisor"}, ""); err != nil {
		t.Fatal(err)
	}

	_, err = svc.ProcessRequest(ctx, req.ID, ActionReject, "sup-2", []string{"supervisor"}, "changed my mind")
	if !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending on second decision, got %v", err)
	}
}

func TestService_EscalationSweep(t *testing.T) {
	notifier := &recordingNotifier{}
	wfs := standardWorkflows()
	reqs := newMemRequests()
	svc := NewService(wfs, reqs, notifier, zerolog.Nop())
	ctx := context.Background()

	// One request per band. The supervisor band escalates, the director band
	// (no escalation role) expires.
	escalating, err := svc.RequireApproval(ctx, SubjectClaim, uuid.New(), nil, amt("5000.00"))
	if err != nil {
		t.Fatal(err)
	}
	expiring, err := svc.RequireApproval(ctx, SubjectClaim, uuid.New(), nil, amt("20000.00"))
	if err != nil {
		t.Fatal(err)
	}
	notifier.calls = nil

	// Sweep before either deadline does nothing.
	res, err := svc.EscalationSweep(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if res.Escalated != 0 || res.Expired != 0 {
		t.Errorf("expected empty sweep before deadline, got %+v", res)
	}

	// A sweep past both deadlines handles both.
	res, err = svc.EscalationSweep(ctx, time.Now().UTC().Add(49*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if res.Escalated != 1 || res.Expired != 1 || res.Failed != 0 {
		t.Errorf("expected 1 escalated / 1 expired, got %+v", res)
	}

	got, _ := reqs.GetByID(ctx, escalating.ID)
	if got.Status != RequestEscalated {
		t.Errorf("expected escalated, got %s", got.Status)
	}
	got, _ = reqs.GetByID(ctx, expiring.ID)
	if got.Status != RequestExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}

	if len(notifier.calls) != 1 || notifier.calls[0].Template != "approval-escalated" {
		t.Errorf("expected one escalation notification, got %v", notifier.calls)
	}

	// Re-running the sweep is a no-op: nothing is pending anymore.
	res, err = svc.EscalationSweep(ctx, time.Now().UTC().Add(50*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if res.Escalated != 0 || res.Expired != 0 {
		t.Errorf("expected idempotent sweep, got %+v", res)
	}
}

func TestWorkflow_Contains(t *testing.T) {
	max := amt("10000.00")
	wf := &Workflow{MinApprovalAmount: amt("2000.00"), MaxApprovalAmount: &max}

	tests := []struct {
		amount string
		want   bool
	}{
		{"1999.99", false},
		{"2000.00", true},
		{"10000.00", true},
		{"10000.01", false},
	}
	for _, tt := range tests {
		if got := wf.Contains(amt(tt.amount)); got != tt.want {
			t.Errorf("Contains(%s) = %v, want %v", tt.amount, got, tt.want)
		}
	}

	open := &Workflow{MinApprovalAmount: amt("10000.01")}
	if !open.Contains(amt("1000000.00")) {
		t.Error("expected open-ended band to contain any amount above minimum")
	}
}
