package secretsd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResultOkOnlyOnSucceeded(t *testing.T) {
	require.True(t, succeeded().Ok())
	require.False(t, fail(Failed, "x").Ok())
	require.False(t, pending("id").Ok())
	require.False(t, (*Result)(nil).Ok())
}

func TestResultErrorIncludesMessageOrCause(t *testing.T) {
	r := fail(InvalidCollection, "collection %q missing", "coll")
	require.Contains(t, r.Error(), "InvalidCollection")
	require.Contains(t, r.Error(), "coll")

	cause := errors.New("boom")
	wrapped := failWrap(Failed, cause, "operation failed")
	require.Contains(t, wrapped.Error(), "operation failed")
	require.ErrorIs(t, wrapped, cause)
}

func TestResultErrorFallsBackToCodeString(t *testing.T) {
	r := &Result{Code: Succeeded}
	require.Equal(t, "Succeeded", r.Error())
}

func TestCompositeErrorUnwrapsBoth(t *testing.T) {
	primary := errors.New("plugin failed")
	secondary := errors.New("cleanup also failed")
	c := &compositeError{primary: primary, secondary: secondary}

	require.ErrorIs(t, c, primary)
	require.ErrorIs(t, c, secondary)
	require.Contains(t, c.Error(), "plugin failed")
	require.Contains(t, c.Error(), "cleanup also failed")
}

func TestCodeStringCoversEveryValue(t *testing.T) {
	codes := []Code{
		Succeeded, Pending, Failed, InvalidCollection, InvalidSecret, InvalidFilter,
		InvalidExtensionPlugin, CollectionAlreadyExists, SecretAlreadyExists,
		CollectionIsLocked, IncorrectAuthenticationCode, OperationRequiresUserInteraction,
		OperationRequiresApplicationUserInteraction, OperationNotSupported, Permissions,
		SecretsDaemonLocked, InteractionViewUserCanceled,
	}
	for _, c := range codes {
		require.NotEqual(t, "Unknown", c.String(), "code %d should have a named String()", c)
	}
	require.Equal(t, "Unknown", Code(999).String())
}
