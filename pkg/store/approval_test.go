package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
)

func divergent() Approval {
	return Approval{TenantID: acme.ID, PreprodImage: "myapp:abc123", ProdImage: "myapp:abc000", PreprodReady: 3, ProdReady: 3}
}

func fixedKey(key string) func(string) string {
	return func(string) string { return key }
}

func TestApprovalLifecycle(t *testing.T) {
	s := New()
	startedJob(t, s)

	phase, _ := s.Phase(acme.ID)
	assert.Equal(t, PhaseInSync, phase)

	opened, err := s.ObserveDivergence(divergent())
	require.NoError(t, err)
	assert.True(t, opened)
	opened, _ = s.ObserveDivergence(divergent())
	assert.False(t, opened, "already open")

	as := s.Approvals()
	require.Len(t, as, 1)
	assert.Equal(t, ApprovalPending, as[0].State)
	assert.Equal(t, int32(3), as[0].PreprodReady)
	phase, _ = s.Phase(acme.ID)
	assert.Equal(t, PhasePendingApproval, phase)

	a, err := s.BeginPromotion(acme.ID, "handle", fixedKey("key"))
	require.NoError(t, err)
	assert.Equal(t, ApprovalPromoting, a.State)

	_, err = s.BeginPromotion(acme.ID, "other", fixedKey("key"))
	assert.Equal(t, luffyerr.AlreadyPromoting, err)

	// the reconciler does not withdraw a promotion in flight
	require.NoError(t, s.ObserveInSync(acme.ID))
	_, ok := s.Approval(acme.ID)
	assert.True(t, ok)

	require.NoError(t, s.ResolvePromotion(acme.ID, "key"))
	assert.Empty(t, s.Approvals())
	phase, _ = s.Phase(acme.ID)
	assert.Equal(t, PhaseInSync, phase)
}

func TestApproveWithoutApproval(t *testing.T) {
	s := New()
	startedJob(t, s)
	_, err := s.BeginPromotion(acme.ID, "handle", fixedKey("key"))
	assert.Equal(t, luffyerr.NotPending, err)
	_, err = s.BeginPromotion("nobody", "handle", fixedKey("key"))
	assert.Equal(t, luffyerr.NotPending, err)
}

func TestFailedPromotionReopens(t *testing.T) {
	s := New()
	startedJob(t, s)
	s.ObserveDivergence(divergent())
	_, err := s.BeginPromotion(acme.ID, "handle", fixedKey("key"))
	require.NoError(t, err)

	assert.Error(t, s.FailPromotion(acme.ID, "wrong-key", "nope"))
	require.NoError(t, s.FailPromotion(acme.ID, "key", "sync failed"))

	a, ok := s.Approval(acme.ID)
	require.True(t, ok)
	assert.Equal(t, ApprovalPending, a.State)
	assert.Equal(t, "sync failed", a.Message)
	phase, _ := s.Phase(acme.ID)
	assert.Equal(t, PhasePromotionFailed, phase)

	_, err = s.BeginPromotion(acme.ID, "handle2", fixedKey("key2"))
	assert.NoError(t, err, "operator can retry")
}

func TestConcurrentApprovalsOneWins(t *testing.T) {
	s := New()
	startedJob(t, s)
	s.ObserveDivergence(divergent())

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.BeginPromotion(acme.ID, "handle", fixedKey("key"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.Equal(t, luffyerr.AlreadyPromoting, err)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestInSyncWithdrawsPending(t *testing.T) {
	s := New()
	startedJob(t, s)
	s.ObserveDivergence(divergent())
	require.NoError(t, s.ObserveInSync(acme.ID))
	_, ok := s.Approval(acme.ID)
	assert.False(t, ok)
}

func TestPromotionKeyFromPromotedImage(t *testing.T) {
	s := New()
	startedJob(t, s)
	s.ObserveDivergence(divergent())

	// preprod moves on before the operator approves
	newer := divergent()
	newer.PreprodImage = "myapp:def456"
	_, err := s.ObserveDivergence(newer)
	require.NoError(t, err)

	a, err := s.BeginPromotion(acme.ID, "handle", func(image string) string { return "key-" + image })
	require.NoError(t, err)
	assert.Equal(t, "myapp:def456", a.PreprodImage)
	assert.Equal(t, "key-myapp:def456", a.Key)
}
