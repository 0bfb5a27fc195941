package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeDomain(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Example.COM", "example.com", true},
		{"  example.com.  ", "example.com", true},
		{"https://example.com/team", "example.com", true},
		{"münchen.de", "xn--mnchen-3ya.de", true},
		{"", "", false},
		{"not a domain", "", false},
		{"user@example.com", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeDomain(tc.in)
		if !tc.ok {
			require.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		require.Equal(t, tc.want, got)
	}
}

func TestNormalizeEmail(t *testing.T) {
	t.Parallel()

	local, domain, full, err := NormalizeEmail(" Jane.Doe@Example.COM ")
	require.NoError(t, err)
	require.Equal(t, "jane.doe", local)
	require.Equal(t, "example.com", domain)
	require.Equal(t, "jane.doe@example.com", full)

	// Mixed-case spellings of one mailbox collapse to one row key.
	_, _, upper, err := NormalizeEmail("JANE.DOE@example.com")
	require.NoError(t, err)
	require.Equal(t, full, upper)

	_, _, _, err = NormalizeEmail("missing-at-sign")
	require.Error(t, err)
	_, _, _, err = NormalizeEmail("trailing@")
	require.Error(t, err)
}

func TestDedupeDomains(t *testing.T) {
	t.Parallel()

	domains, rejected := DedupeDomains([]string{
		"a.com", "A.com", "b.com", "bad domain", "https://a.com/x",
	})
	require.Equal(t, []string{"a.com", "b.com"}, domains)
	require.Equal(t, []string{"bad domain"}, rejected)
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	err := NewError(KindSMTPTempFail, "rcpt 451", nil)
	require.True(t, Retryable(err))
	require.Equal(t, KindSMTPTempFail, KindOf(err))

	hard := Errorf(KindSMTPHardFail, "rcpt %d", 550)
	require.False(t, Retryable(hard))

	// Unknown errors retry so crashes reach the DLQ via attempts.
	require.True(t, Retryable(ErrNotFound))
	require.Equal(t, KindInternal, KindOf(ErrNotFound))
}

func TestRunStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, RunStatusQueued.Terminal())
	require.False(t, RunStatusRunning.Terminal())
	require.True(t, RunStatusSucceeded.Terminal())
	require.True(t, RunStatusFailed.Terminal())
	require.True(t, RunStatusCancelled.Terminal())
}

func TestModeIncludes(t *testing.T) {
	t.Parallel()

	require.True(t, ModeFull.Includes(StageVerify))
	require.True(t, ModeAutodiscovery.Includes(StageAutodiscovery))
	require.False(t, ModeAutodiscovery.Includes(StageGenerate))
	require.True(t, ModeGenerate.Includes(StageGenerate))
	require.False(t, ModeGenerate.Includes(StageVerify))
	require.True(t, ModeVerify.Includes(StageVerify))
	require.False(t, ModeVerify.Includes(StageAutodiscovery))
}
