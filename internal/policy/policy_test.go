package policy_test

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nicksinger/wicked/internal/policy"
)

func TestGetApplicablePriorityOrder(t *testing.T) {
	s := policy.New()
	s.Put(policy.Policy{ID: "low", Predicate: policy.Predicate{NameGlob: "eth*"}, Priority: 1})
	s.Put(policy.Policy{ID: "high", Predicate: policy.Predicate{NameGlob: "eth*"}, Priority: 10})

	matches := s.GetApplicable("eth0", nil, nil, false)
	assert.Len(t, matches, 2)
	assert.Equal(t, "high", matches[0].ID)
	assert.Equal(t, "low", matches[1].ID)
}

func TestGetApplicableTieBreaksByInsertionOrder(t *testing.T) {
	s := policy.New()
	s.Put(policy.Policy{ID: "first", Predicate: policy.Predicate{}, Priority: 5})
	s.Put(policy.Policy{ID: "second", Predicate: policy.Predicate{}, Priority: 5})

	matches := s.GetApplicable("eth0", nil, nil, false)
	assert.Equal(t, []string{"first", "second"}, []string{matches[0].ID, matches[1].ID})
}

func TestPutReplaceKeepsOriginalInsertionOrder(t *testing.T) {
	s := policy.New()
	s.Put(policy.Policy{ID: "a", Priority: 5})
	s.Put(policy.Policy{ID: "b", Priority: 5})
	s.Put(policy.Policy{ID: "a", Priority: 5}) // update, should not jump ahead of b

	matches := s.GetApplicable("eth0", nil, nil, false)
	assert.Equal(t, []string{"a", "b"}, []string{matches[0].ID, matches[1].ID})
}

func TestPredicateMatchesHardwareAddrAndCIDR(t *testing.T) {
	hw, _ := net.ParseMAC("00:11:22:33:44:55")
	cidr := netip.MustParsePrefix("10.0.0.0/24")
	p := policy.Predicate{HardwareAddr: hw, CIDR: cidr}

	addrs := []net.IPNet{{IP: net.ParseIP("10.0.0.5"), Mask: net.CIDRMask(24, 32)}}
	assert.True(t, p.Matches("eth0", hw, addrs, false))

	otherHW, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	assert.False(t, p.Matches("eth0", otherHW, addrs, false))

	outsideAddrs := []net.IPNet{{IP: net.ParseIP("192.168.1.5"), Mask: net.CIDRMask(24, 32)}}
	assert.False(t, p.Matches("eth0", hw, outsideAddrs, false))
}

func TestDeleteUnknownIDIsNoopAndDoesNotAdvanceRevision(t *testing.T) {
	s := policy.New()
	s.Put(policy.Policy{ID: "a"})
	rev := s.Revision()

	s.Delete("does-not-exist")
	assert.Equal(t, rev, s.Revision())
}

func TestWinnerReturnsHighestPriority(t *testing.T) {
	s := policy.New()
	s.Put(policy.Policy{ID: "low", Priority: 1})
	s.Put(policy.Policy{ID: "high", Priority: 10})

	w, ok := s.Winner("eth0", nil, nil, false)
	assert.True(t, ok)
	assert.Equal(t, "high", w.ID)
}
