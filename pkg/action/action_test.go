package action

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAssignsIDAndEmptyMaps(t *testing.T) {
	a := New("ns", "t1", "sms", "signup")
	require.NotEmpty(t, a.ID)
	require.Equal(t, "ns", a.Namespace)
	require.NotNil(t, a.Payload)
	require.NotNil(t, a.Metadata.Labels)
}

func TestEffectiveDedupKeyPrefersExplicitKey(t *testing.T) {
	a := New("ns", "t1", "sms", "signup")
	a.DedupKey = "explicit"
	require.Equal(t, "explicit", a.EffectiveDedupKey())
}

func TestEffectiveDedupKeyFallsBackToFingerprint(t *testing.T) {
	a := New("ns", "t1", "sms", "signup")
	a.Payload["amount"] = float64(10)
	fp := a.DeriveFingerprint()
	require.Equal(t, fp, a.EffectiveDedupKey())
	require.NotEmpty(t, fp)
}

func TestDeriveFingerprintIsStableForEquivalentPayloads(t *testing.T) {
	a1 := New("ns", "t1", "sms", "signup")
	a1.Payload["amount"] = float64(10)
	a2 := New("ns", "t1", "sms", "signup")
	a2.Payload["amount"] = float64(10)
	require.Equal(t, a1.DeriveFingerprint(), a2.DeriveFingerprint())
}

func TestDeriveFingerprintDiffersForDifferentPayloads(t *testing.T) {
	a1 := New("ns", "t1", "sms", "signup")
	a1.Payload["amount"] = float64(10)
	a2 := New("ns", "t1", "sms", "signup")
	a2.Payload["amount"] = float64(20)
	require.NotEqual(t, a1.DeriveFingerprint(), a2.DeriveFingerprint())
}

func TestHasVisitedProviderTracksProviderPath(t *testing.T) {
	a := New("ns", "t1", "sms", "signup")
	require.False(t, a.HasVisitedProvider("email"))
	a.ProviderPath = append(a.ProviderPath, "sms", "email")
	require.True(t, a.HasVisitedProvider("sms"))
	require.True(t, a.HasVisitedProvider("email"))
	require.False(t, a.HasVisitedProvider("slack"))
}

func TestCloneDeepCopiesPayloadAndLabels(t *testing.T) {
	a := New("ns", "t1", "sms", "signup")
	a.Payload["nested"] = map[string]interface{}{"a": 1}
	a.Metadata.Labels["team"] = "growth"
	a.ProviderPath = []string{"sms"}

	clone := a.Clone()
	clone.Payload["nested"].(map[string]interface{})["a"] = 2
	clone.Metadata.Labels["team"] = "other"
	clone.ProviderPath[0] = "email"

	require.Equal(t, 1, a.Payload["nested"].(map[string]interface{})["a"])
	require.Equal(t, "growth", a.Metadata.Labels["team"])
	require.Equal(t, "sms", a.ProviderPath[0])
}

func TestViewExposesActionFields(t *testing.T) {
	a := New("ns", "t1", "sms", "signup")
	a.Metadata.Labels["team"] = "growth"
	v := a.View()
	require.Equal(t, "ns", v["namespace"])
	require.Equal(t, "sms", v["provider"])
	labels := v["metadata"].(map[string]interface{})["labels"].(map[string]interface{})
	require.Equal(t, "growth", labels["team"])
}

func TestAttachmentDecodedSize(t *testing.T) {
	att := Attachment{Body: "aGVsbG8="} // "hello"
	require.Equal(t, 5, att.DecodedSize())

	empty := Attachment{}
	require.Equal(t, 0, empty.DecodedSize())

	invalid := Attachment{Body: "not-base64!!"}
	require.Equal(t, 0, invalid.DecodedSize())
}
