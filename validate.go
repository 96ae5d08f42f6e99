package secretsd

import (
	"context"
	"strings"

	"github.com/keystonevault/secretsd/bookkeeping"
	"github.com/keystonevault/secretsd/internal/misc"
	"github.com/keystonevault/secretsd/registry"
)

// requestContext is the resolved state common to every request that
// names a collection, produced by validateCollectionRequest per §4.6's
// five-step ladder. Operations build on it instead of repeating the
// ladder themselves.
type requestContext struct {
	row      bookkeeping.CollectionRow
	strategy registry.StrategyHandle
}

// validateCollectionRequest runs the common validation ladder (§4.6):
//  1. reject the reserved/empty collection name,
//  2. load metadata,
//  3. reject System access control (not integrated),
//  4. enforce OwnerOnly,
//  5. resolve plugin names in the registry.
//
// allowReserved permits the reserved "standalone" name through step 1,
// for the standalone-secret operations that use it internally.
func (d *Daemon) validateCollectionRequest(ctx context.Context, name, callerAppID string, allowReserved bool) (requestContext, *Result) {
	if !allowReserved {
		if name == "" || misc.IsReservedCollectionName(name) {
			return requestContext{}, fail(InvalidCollection, "collection name %q is reserved or empty", name)
		}
	}

	row, err := d.bookkeeping.GetCollection(ctx, name)
	if err != nil {
		return requestContext{}, fail(InvalidCollection, "collection %q not found", name)
	}

	if AccessControlMode(row.AccessControl) == System {
		return requestContext{}, fail(OperationNotSupported, "system access control is not integrated")
	}
	if AccessControlMode(row.AccessControl) == OwnerOnly && row.ApplicationID != callerAppID {
		return requestContext{}, fail(Permissions, "caller %q does not own collection %q", callerAppID, name)
	}

	strategy, rerr := d.registry.ResolveStrategy(row.StoragePlugin, row.EncryptionPlugin)
	if rerr != nil {
		return requestContext{}, failWrap(InvalidExtensionPlugin, rerr, "collection %q references an unresolvable plugin", name)
	}

	return requestContext{row: row, strategy: strategy}, nil
}

// resolveCallerApplicationID implements §4.6's caller identity rule: the
// configured platform identity for platform-classified callers,
// otherwise whatever an application-permissions oracle reports for the
// caller's pid. This daemon has no OS-level pid oracle wired in (it is
// out of scope per §1's process boundary); callers that are not the
// platform identity must supply their application id explicitly through
// the request, and this function only applies the platform override.
func (d *Daemon) resolveCallerApplicationID(claimedAppID string, isPlatformApplication bool) string {
	if isPlatformApplication {
		return d.config.PlatformApplicationID
	}
	return claimedAppID
}

func isReservedOrEmpty(name string) bool {
	return name == "" || strings.EqualFold(name, misc.ReservedStandaloneCollectionName)
}
