package store

import (
	"sort"
	"time"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
	"github.com/openluffy/luffy/pkg/tenant"
)

// Phase is where a tenant stands in promoting preprod to prod.
type Phase string

const (
	PhaseInSync          Phase = "in-sync"
	PhasePendingApproval Phase = "pending-approval"
	PhasePromoting       Phase = "promoting"
	PhasePromotionFailed Phase = "promotion-failed"
)

type ApprovalState string

const (
	ApprovalPending   ApprovalState = "pending"
	ApprovalPromoting ApprovalState = "promoting"
	ApprovalResolved  ApprovalState = "resolved"
)

// Approval is a request for an operator to let preprod's image go to
// prod. It exists while the two differ.
type Approval struct {
	TenantID     tenant.ID     `json:"tenant_id"`
	PreprodImage string        `json:"preprod_image"`
	ProdImage    string        `json:"prod_image"`
	PreprodReady int32         `json:"preprod_ready"`
	ProdReady    int32         `json:"prod_ready"`
	State        ApprovalState `json:"state"`
	// Key identifies the promotion in flight: the tenant and the
	// digest of the image being promoted.
	Key       string    `json:"key,omitempty"`
	Handle    string    `json:"handle,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ObserveDivergence records that preprod runs a different image to
// prod and is ready to be promoted. It opens an approval if there is
// none, and refreshes a pending one; a promotion in flight is left
// alone, since only the promoting engine may change it. It reports
// whether a new approval was opened.
func (s *Store) ObserveDivergence(a Approval) (bool, error) {
	e, err := s.get(a.TenantID)
	if err != nil {
		return false, err
	}
	e.Lock()
	defer e.Unlock()
	if e.tenant.Archived() || e.tenant.Suspended() {
		return false, nil
	}
	now := s.now()
	switch {
	case e.approval == nil:
		a.State = ApprovalPending
		a.Key, a.Handle, a.Message = "", "", ""
		a.CreatedAt, a.UpdatedAt = now, now
		e.approval = &a
		e.phase = PhasePendingApproval
		return true, nil
	case e.approval.State == ApprovalPending:
		e.approval.PreprodImage = a.PreprodImage
		e.approval.ProdImage = a.ProdImage
		e.approval.PreprodReady = a.PreprodReady
		e.approval.ProdReady = a.ProdReady
		e.approval.UpdatedAt = now
	}
	return false, nil
}

// ObserveInSync records that preprod and prod run the same image. A
// pending approval is withdrawn; a promotion in flight is left to be
// resolved by its engine.
func (s *Store) ObserveInSync(id tenant.ID) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	e.Lock()
	defer e.Unlock()
	if e.approval != nil && e.approval.State == ApprovalPending {
		e.approval = nil
		e.phase = PhaseInSync
	}
	return nil
}

// BeginPromotion moves the tenant's approval from pending to
// promoting, atomically. It fails with NotPending if there is no
// approval and AlreadyPromoting if one is in flight, so that of two
// concurrent approvals exactly one wins. The promotion's key is made
// by key from the preprod image being promoted.
func (s *Store) BeginPromotion(id tenant.ID, handle string, key func(image string) string) (Approval, error) {
	e, err := s.get(id)
	if err != nil {
		return Approval{}, luffyerr.NotPending
	}
	e.Lock()
	defer e.Unlock()
	switch {
	case e.approval == nil:
		return Approval{}, luffyerr.NotPending
	case e.approval.State == ApprovalPromoting:
		return Approval{}, luffyerr.AlreadyPromoting
	case e.claim != "":
		return Approval{}, busy(id, e.claim)
	case e.tenant.Suspended():
		return Approval{}, luffyerr.Conflictf("customer %q is suspended", id)
	}
	e.approval.State = ApprovalPromoting
	e.approval.Key = key(e.approval.PreprodImage)
	e.approval.Handle = handle
	e.approval.Message = ""
	e.approval.UpdatedAt = s.now()
	e.phase = PhasePromoting
	return *e.approval, nil
}

// ResolvePromotion closes the approval once prod has been seen
// running the promoted image.
func (s *Store) ResolvePromotion(id tenant.ID, key string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	e.Lock()
	defer e.Unlock()
	if _, err := e.promoting(key); err != nil {
		return err
	}
	e.approval = nil
	e.phase = PhaseInSync
	return nil
}

// FailPromotion re-opens the approval so the operator can try again,
// keeping the reason for display.
func (s *Store) FailPromotion(id tenant.ID, key, msg string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	e.Lock()
	defer e.Unlock()
	a, err := e.promoting(key)
	if err != nil {
		return err
	}
	a.State = ApprovalPending
	a.Key = ""
	a.Message = msg
	a.UpdatedAt = s.now()
	e.phase = PhasePromotionFailed
	return nil
}

func (e *entry) promoting(key string) (*Approval, error) {
	if e.approval == nil || e.approval.State != ApprovalPromoting || e.approval.Key != key {
		return nil, luffyerr.Conflictf("promotion %s is not in flight", key)
	}
	return e.approval, nil
}

// Approval returns the tenant's open approval, if any.
func (s *Store) Approval(id tenant.ID) (Approval, bool) {
	e, err := s.get(id)
	if err != nil {
		return Approval{}, false
	}
	e.RLock()
	defer e.RUnlock()
	if e.approval == nil {
		return Approval{}, false
	}
	return *e.approval, true
}

// Approvals lists every open approval, whether waiting for an
// operator or being promoted, by tenant.
func (s *Store) Approvals() []Approval {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.tenants))
	for _, e := range s.tenants {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var res []Approval
	for _, e := range entries {
		e.RLock()
		if e.approval != nil {
			res = append(res, *e.approval)
		}
		e.RUnlock()
	}
	sort.Slice(res, func(i, j int) bool { return res[i].TenantID < res[j].TenantID })
	return res
}

func (s *Store) Phase(id tenant.ID) (Phase, error) {
	e, err := s.get(id)
	if err != nil {
		return "", err
	}
	e.RLock()
	defer e.RUnlock()
	return e.phase, nil
}

// Promotions gives access to the status of promotions by handle.
func (s *Store) Promotions() *PromotionCache {
	return s.promotions
}
