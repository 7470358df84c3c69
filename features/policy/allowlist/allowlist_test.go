package allowlist_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/procmem/features/policy/allowlist"
)

func TestAllowsEverythingByDefault(t *testing.T) {
	e := allowlist.New(allowlist.Options{})
	require.True(t, e.Allow("cap_X"))
}

func TestBlockIDsTakePrecedenceOverAllow(t *testing.T) {
	e := allowlist.New(allowlist.Options{AllowIDs: []string{"cap_X"}, BlockIDs: []string{"cap_X"}})
	require.False(t, e.Allow("cap_X"))
}

func TestAllowPrefixRestrictsOthers(t *testing.T) {
	e := allowlist.New(allowlist.Options{AllowPrefixes: []string{"svc.alpha."}})
	require.True(t, e.Allow("svc.alpha.tool"))
	require.False(t, e.Allow("svc.beta.tool"))
}

func TestBlockPrefixExcludes(t *testing.T) {
	e := allowlist.New(allowlist.Options{BlockPrefixes: []string{"deprecated."}})
	require.False(t, e.Allow("deprecated.cap"))
	require.True(t, e.Allow("cap_X"))
}
