package vbucket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewGateDeadByDefault(t *testing.T) {
	g := New(false, false)
	assert.Equal(t, Dead, g.State(0))
	assert.Equal(t, Dead, g.State(1023))
}

func TestVB0FlagActivatesVBucketZero(t *testing.T) {
	g := New(false, true)
	assert.Equal(t, Active, g.State(0))
	assert.Equal(t, Dead, g.State(1))
}

func TestAdmitRequiresActiveUnlessIgnored(t *testing.T) {
	g := New(false, false)
	assert.False(t, g.Admit(5))
	g.SetState(5, Active)
	assert.True(t, g.Admit(5))
	g.SetState(5, Replica)
	assert.False(t, g.Admit(5))
}

func TestIgnoreVBucketAlwaysAdmits(t *testing.T) {
	g := New(true, false)
	assert.True(t, g.Admit(999))
}

func TestDeletingVBucketSetsDead(t *testing.T) {
	g := New(false, false)
	g.SetState(7, Active)
	assert.True(t, g.Admit(7))
	g.SetState(7, Dead)
	assert.False(t, g.Admit(7))
}
