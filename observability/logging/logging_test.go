package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskEmail(t *testing.T) {
	require.Equal(t, "", MaskEmail(""))
	require.Equal(t, RedactedValue+"@example.com", MaskEmail("donor@example.com"))
	require.Equal(t, RedactedValue+"@example.com", MaskEmail("  donor@example.com "))
	require.Equal(t, RedactedValue, MaskEmail("not-an-address"))
	require.Equal(t, RedactedValue, MaskEmail("@example.com"))
}

func TestMaskFieldRedactsContactKeys(t *testing.T) {
	attr := MaskField("donor_email", "donor@example.com")
	require.Equal(t, RedactedValue, attr.Value.String())

	attr = MaskField("guardian_contact", "guardian@family.example")
	require.Equal(t, RedactedValue, attr.Value.String())

	// Operational identifiers stay readable.
	attr = MaskField("pledge_id", "PLEDGE-2026-1")
	require.Equal(t, "PLEDGE-2026-1", attr.Value.String())
	attr = MaskField("thread_id", "thread-9")
	require.Equal(t, "thread-9", attr.Value.String())
}

func TestAllowlistExcludesContactFields(t *testing.T) {
	require.True(t, IsAllowlisted("pledge_id"))
	require.True(t, IsAllowlisted(" Pledge_ID "))
	for _, key := range []string{"donor_email", "donor_name", "guardian_contact", "student_name", "hostel_email"} {
		require.False(t, IsAllowlisted(key), key)
	}
	for _, key := range RedactionAllowlist() {
		require.NotContains(t, key, "email")
		require.NotContains(t, key, "name")
	}
}
