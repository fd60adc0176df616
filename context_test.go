package welfarekit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestContextValues tests the user and actor helpers
func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetUserID(ctx))
	assert.Empty(t, GetActorID(ctx))

	ctx = WithUserID(ctx, "user-1")
	assert.Equal(t, "user-1", GetUserID(ctx))
	// Test fallback to the user
	assert.Equal(t, "user-1", GetActorID(ctx))

	ctx = WithActorID(ctx, "admin-1")
	assert.Equal(t, "admin-1", GetActorID(ctx))
	assert.Equal(t, "user-1", GetUserID(ctx))
}

// TestAuditContext tests setting and reading audit values together
func TestAuditContext(t *testing.T) {
	ctx := WithAuditContext(context.Background(), AuditContext{
		ActorID:   "admin-1",
		IPAddress: "10.0.0.1",
		UserAgent: "curl/8.0",
		RequestID: "req-1",
	})

	assert.Equal(t, AuditContext{
		ActorID:   "admin-1",
		IPAddress: "10.0.0.1",
		UserAgent: "curl/8.0",
		RequestID: "req-1",
	}, GetAuditContext(ctx))

	ac := AccessContextFrom(ctx)
	assert.Equal(t, "10.0.0.1", ac.IP)
	assert.Equal(t, "curl/8.0", ac.UserAgent)
	assert.Equal(t, "req-1", ac.RequestID)
	assert.True(t, ac.Timestamp.IsZero())

	// Empty values leave the context untouched
	ctx = WithAuditContext(ctx, AuditContext{})
	assert.Equal(t, "admin-1", GetActorID(ctx))
}
