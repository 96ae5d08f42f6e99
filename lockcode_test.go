package secretsd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keystonevault/secretsd/plugins/chacha"
)

func TestModifyLockCodeCollectionAndStandaloneTargetsUnsupported(t *testing.T) {
	d, cleanup := newTestDaemon(t)
	defer cleanup()
	ctx := context.Background()

	r := d.ModifyLockCode(ctx, TargetCollection, "coll", true, AllowInteraction, "")
	require.Equal(t, OperationNotSupported, r.Code)

	r = d.ModifyLockCode(ctx, TargetStandaloneSecret, "secret", true, AllowInteraction, "")
	require.Equal(t, OperationNotSupported, r.Code)
}

func TestModifyLockCodePluginRequiresPlatformApplication(t *testing.T) {
	d, cleanup := newTestDaemon(t)
	defer cleanup()
	ctx := context.Background()

	r := d.ModifyLockCode(ctx, TargetPlugin, "chacha", false, AllowInteraction, "")
	require.Equal(t, Permissions, r.Code)
}

func TestModifyLockCodeDatabaseRequiresPlatformApplication(t *testing.T) {
	d, cleanup := newTestDaemon(t)
	defer cleanup()
	ctx := context.Background()

	r := d.ModifyLockCode(ctx, TargetDatabase, "", false, AllowInteraction, "")
	require.Equal(t, Permissions, r.Code)
}

func TestModifyLockCodePluginNotLockCapableFails(t *testing.T) {
	d, cleanup := newTestDaemon(t)
	defer cleanup()
	ctx := context.Background()

	r := d.ModifyLockCode(ctx, TargetPlugin, "chacha", true, AllowInteraction, "")
	require.Equal(t, InvalidExtensionPlugin, r.Code, "chacha implements no lock-code hooks")
}

type stubLockCodePlugin struct {
	*stubAuthPlugin
	setLockCodeCalls int
}

func (p *stubLockCodePlugin) SupportsLocking() bool { return true }
func (p *stubLockCodePlugin) SetLockCode(ctx context.Context, oldCode, newCode []byte) error {
	p.setLockCodeCalls++
	return nil
}
func (p *stubLockCodePlugin) Unlock(ctx context.Context, code []byte) error { return nil }
func (p *stubLockCodePlugin) Lock(ctx context.Context) error               { return nil }

func TestModifyLockCodePluginRoundTrip(t *testing.T) {
	d, cleanup := newTestDaemon(t)
	defer cleanup()
	ctx := context.Background()

	plugin := &stubLockCodePlugin{stubAuthPlugin: &stubAuthPlugin{name: "lockable", interactionID: "interaction-x", timeout: time.Minute}}
	d.registry.RegisterAuthentication(plugin)

	r := d.ModifyLockCode(ctx, TargetPlugin, "lockable", true, AllowInteraction, "")
	require.True(t, r.Ok(), "unexpected result: %+v", r)
	require.Equal(t, 1, plugin.setLockCodeCalls)
}

func TestProvideLockCodeAllowsNoCodeWhenUninitialised(t *testing.T) {
	d, cleanup := newTestDaemon(t)
	defer cleanup()
	ctx := context.Background()

	require.Equal(t, Uninitialised, d.lockState)
	r := d.ProvideLockCode(ctx, TargetDatabase, true, true, AllowInteraction, "")
	require.True(t, r.Ok(), "unexpected result: %+v", r)
	require.Equal(t, Unlocked, d.lockState)
}

func TestProvideLockCodeRequiresPlatformApplication(t *testing.T) {
	d, cleanup := newTestDaemon(t)
	defer cleanup()
	ctx := context.Background()

	r := d.ProvideLockCode(ctx, TargetDatabase, false, true, AllowInteraction, "")
	require.Equal(t, Permissions, r.Code)
	require.Equal(t, Uninitialised, d.lockState)
}

func TestProvideLockCodeNonDatabaseTargetUnsupported(t *testing.T) {
	d, cleanup := newTestDaemon(t)
	defer cleanup()
	ctx := context.Background()

	r := d.ProvideLockCode(ctx, TargetPlugin, true, true, AllowInteraction, "")
	require.Equal(t, OperationNotSupported, r.Code)
}

func TestProvideLockCodeRequiresInteractionWhenCodeRequired(t *testing.T) {
	d, cleanup := newTestDaemon(t)
	defer cleanup()
	ctx := context.Background()

	r := d.ProvideLockCode(ctx, TargetDatabase, true, false, PreventInteraction, "")
	require.Equal(t, OperationRequiresUserInteraction, r.Code)
}

func TestForgetLockCodeLocksDatabaseAndEvictsCache(t *testing.T) {
	d, cleanup := newTestDaemon(t)
	defer cleanup()
	ctx := context.Background()

	require.True(t, d.CreateDeviceLockCollection(ctx, "coll", "app", "chacha", "chacha", "", KeepUnlocked, OwnerOnly, []byte("code")).Ok())
	require.True(t, d.keyCache.Contains("coll", ""))

	r := d.ForgetLockCode(ctx, TargetDatabase, true)
	require.True(t, r.Ok(), "unexpected result: %+v", r)
	require.Equal(t, Locked, d.lockState)
	require.False(t, d.keyCache.Contains("coll", ""))
}

func TestForgetLockCodeRequiresPlatformApplication(t *testing.T) {
	d, cleanup := newTestDaemon(t)
	defer cleanup()
	ctx := context.Background()

	r := d.ForgetLockCode(ctx, TargetDatabase, false)
	require.Equal(t, Permissions, r.Code)
}

func TestModifyLockCodeDatabaseRoundTrip(t *testing.T) {
	d, cleanup := newTestDaemon(t)
	defer cleanup()
	ctx := context.Background()

	d.registry.RegisterEncryptedStorage(chacha.New(d.config.DefaultAuthenticationPlugin))
	d.registry.RegisterAuthentication(&stubAuthPlugin{name: d.config.DefaultAuthenticationPlugin, interactionID: "interaction-lockcode", timeout: time.Minute})

	unlock := d.ProvideLockCode(ctx, TargetDatabase, true, true, AllowInteraction, "")
	require.True(t, unlock.Ok(), "unexpected result: %+v", unlock)

	r := d.ModifyLockCode(ctx, TargetDatabase, "", true, AllowInteraction, "")
	require.Equal(t, Pending, r.Code, "unexpected result: %+v", r)
	reply, ok := d.Await(r.RequestID)
	require.True(t, ok)

	d.UserInput("interaction-lockcode", []byte("old-code"), false)
	require.Eventually(t, func() bool { return d.Broker().Outstanding() == 1 }, time.Second, time.Millisecond,
		"second lock-code prompt should register once the first is resumed")
	d.UserInput("interaction-lockcode", []byte("new-code"), false)

	select {
	case final := <-reply:
		require.True(t, final.Ok(), "unexpected result: %+v", final)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the lock-code re-key to finish")
	}
}

func TestModifyLockCodeDatabaseRequiresUnlockedState(t *testing.T) {
	d, cleanup := newTestDaemon(t)
	defer cleanup()
	ctx := context.Background()

	r := d.ModifyLockCode(ctx, TargetDatabase, "", true, AllowInteraction, "")
	require.Equal(t, SecretsDaemonLocked, r.Code)
}

// TestModifyLockCodeDatabaseWrongOldCodeRejected establishes a real
// database lock code via a full modifyLockCode round trip, then tries a
// second round trip supplying the wrong old code: it must fail
// SecretsDaemonLocked rather than silently accepting it (§8 scenario 6).
func TestModifyLockCodeDatabaseWrongOldCodeRejected(t *testing.T) {
	d, cleanup := newTestDaemon(t)
	defer cleanup()
	ctx := context.Background()

	d.registry.RegisterEncryptedStorage(chacha.New(d.config.DefaultAuthenticationPlugin))
	d.registry.RegisterAuthentication(&stubAuthPlugin{name: d.config.DefaultAuthenticationPlugin, interactionID: "interaction-wrongcode", timeout: time.Minute})

	unlock := d.ProvideLockCode(ctx, TargetDatabase, true, true, AllowInteraction, "")
	require.True(t, unlock.Ok(), "unexpected result: %+v", unlock)

	// First round trip establishes "real-code" as the database's actual
	// lock code and stores a verifier for it.
	r := d.ModifyLockCode(ctx, TargetDatabase, "", true, AllowInteraction, "")
	require.Equal(t, Pending, r.Code, "unexpected result: %+v", r)
	reply, ok := d.Await(r.RequestID)
	require.True(t, ok)

	d.UserInput("interaction-wrongcode", []byte("old-code"), false)
	require.Eventually(t, func() bool { return d.Broker().Outstanding() == 1 }, time.Second, time.Millisecond,
		"second lock-code prompt should register once the first is resumed")
	d.UserInput("interaction-wrongcode", []byte("real-code"), false)

	select {
	case final := <-reply:
		require.True(t, final.Ok(), "unexpected result: %+v", final)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the lock-code re-key to finish")
	}

	// Second round trip supplies a wrong old code; it must be rejected
	// before ever reaching the new-code prompt.
	r = d.ModifyLockCode(ctx, TargetDatabase, "", true, AllowInteraction, "")
	require.Equal(t, Pending, r.Code, "unexpected result: %+v", r)
	reply, ok = d.Await(r.RequestID)
	require.True(t, ok)

	d.UserInput("interaction-wrongcode", []byte("wrong-code"), false)

	select {
	case final := <-reply:
		require.Equal(t, SecretsDaemonLocked, final.Code, "unexpected result: %+v", final)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the wrong-old-code rejection")
	}
}
