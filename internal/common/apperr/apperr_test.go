package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	assert.Equal(t, "not_found: task t-42 does not exist",
		New(KindNotFound, "task %s does not exist", "t-42").Error())
	assert.Equal(t, "validation_error: title: is required",
		Validation("title", "is required").Error())
}

func TestWrapPreservesChain(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindUnavailable, cause, "persist failed")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, KindUnavailable, KindOf(err))

	// Wrapping again with fmt keeps the chain intact.
	outer := fmt.Errorf("handler: %w", err)
	assert.True(t, Is(outer, KindUnavailable))
	assert.Equal(t, KindUnavailable, KindOf(outer))
}

func TestKindOfUnknownErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.False(t, Is(errors.New("plain"), KindValidation))
}

func TestWireMappings(t *testing.T) {
	cases := []struct {
		kind Kind
		name string
		rpc  int
		http int
	}{
		{KindInternal, "internal", -32000, 500},
		{KindUnauthenticated, "unauthenticated", -32001, 401},
		{KindPermissionDenied, "permission_denied", -32002, 403},
		{KindValidation, "validation_error", -32602, 400},
		{KindNotFound, "not_found", -32004, 404},
		{KindAlreadyExists, "already_exists", -32005, 409},
		{KindInvalidTransition, "invalid_transition", -32010, 409},
		{KindInvalidRelation, "invalid_relation", -32011, 409},
		{KindConflict, "conflict", -32012, 409},
		{KindResourceExhausted, "resource_exhausted", -32020, 429},
		{KindDeadline, "deadline", -32021, 504},
		{KindUnavailable, "unavailable", -32030, 503},
		{KindSecurity, "security_error", -32040, 403},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.name, tc.kind.String())
			assert.Equal(t, tc.rpc, tc.kind.JSONRPCCode())
			assert.Equal(t, tc.http, tc.kind.HTTPStatus())
		})
	}
}
