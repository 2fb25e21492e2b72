package domain

import (
	"testing"

	"searchsync/testutil"
)

func TestDomainStaysFreeOfAdapters(t *testing.T) {
	rule := testutil.Any(testutil.InternalPackage, testutil.BackendClient)
	testutil.AssertNoDirectImports(t, ".", rule, "pkg/domain is shared by every adapter")
	testutil.AssertNoTransitiveDependency(t, ".", rule, "pkg/domain is shared by every adapter")
}
