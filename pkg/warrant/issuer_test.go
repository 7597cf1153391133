package warrant

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munigrid/mandate/pkg/decision"
)

var testSeed = []byte("0123456789abcdef0123456789abcdef")

func testStep() decision.PlanStep {
	return decision.PlanStep{
		StepID:    "step-1",
		Connector: "m365",
		Status:    decision.StepStatusPrepared,
		Plan:      map[string]interface{}{"kind": "m365"},
	}
}

func TestIssueAndVerify(t *testing.T) {
	keys, err := NewKeyringFromSeed(testSeed)
	require.NoError(t, err)
	issuer := NewIssuer(keys)

	token, err := issuer.Issue("ws-clerks", "req-1", testStep(), "sha256:abc")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := issuer.Verify("ws-clerks", token)
	require.NoError(t, err)
	assert.Equal(t, "ws-clerks", claims.WorkspaceID)
	assert.Equal(t, "req-1", claims.RequestID)
	assert.Equal(t, "step-1", claims.StepID)
	assert.Equal(t, "m365", claims.Connector)
	assert.Equal(t, "sha256:abc", claims.PlanHash)
	assert.Equal(t, "step-1", claims.Subject)
	assert.NotEmpty(t, claims.ID)
}

func TestWorkspaceKeyIsolation(t *testing.T) {
	keys, err := NewKeyringFromSeed(testSeed)
	require.NoError(t, err)
	issuer := NewIssuer(keys)

	token, err := issuer.Issue("ws-clerks", "req-1", testStep(), "sha256:abc")
	require.NoError(t, err)

	_, err = issuer.Verify("ws-parks", token)
	require.Error(t, err)
}

func TestDeterministicDerivation(t *testing.T) {
	a, err := NewKeyringFromSeed(testSeed)
	require.NoError(t, err)
	b, err := NewKeyringFromSeed(testSeed)
	require.NoError(t, err)

	pubA, err := a.PublicKey("ws-clerks")
	require.NoError(t, err)
	pubB, err := b.PublicKey("ws-clerks")
	require.NoError(t, err)
	assert.Equal(t, pubA, pubB)

	pubOther, err := a.PublicKey("ws-parks")
	require.NoError(t, err)
	assert.NotEqual(t, pubA, pubOther)
}

func TestExpiredWarrantRejected(t *testing.T) {
	keys, err := NewKeyringFromSeed(testSeed)
	require.NoError(t, err)

	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	issuer := NewIssuer(keys, WithTTL(time.Minute), WithClock(func() time.Time { return now }))

	token, err := issuer.Issue("ws-clerks", "req-1", testStep(), "sha256:abc")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = issuer.Verify("ws-clerks", token)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestTamperedTokenRejected(t *testing.T) {
	keys, err := NewKeyringFromSeed(testSeed)
	require.NoError(t, err)
	issuer := NewIssuer(keys)

	token, err := issuer.Issue("ws-clerks", "req-1", testStep(), "sha256:abc")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	payload := []byte(parts[1])
	payload[0] ^= 0x01
	tampered := parts[0] + "." + string(payload) + "." + parts[2]

	_, err = issuer.Verify("ws-clerks", tampered)
	require.Error(t, err)
}

func TestForeignAlgorithmRejected(t *testing.T) {
	keys, err := NewKeyringFromSeed(testSeed)
	require.NoError(t, err)
	issuer := NewIssuer(keys)

	// A token signed with a symmetric method never verifies, whatever its
	// claims say.
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		WorkspaceID: "ws-clerks",
		PlanHash:    "sha256:abc",
	}).SignedString([]byte("guessable"))
	require.NoError(t, err)

	_, err = issuer.Verify("ws-clerks", forged)
	require.Error(t, err)
}

func TestStampSetsEveryWarrant(t *testing.T) {
	keys, err := NewKeyringFromSeed(testSeed)
	require.NoError(t, err)
	issuer := NewIssuer(keys)

	steps := []decision.PlanStep{testStep(), {StepID: "step-2", Connector: "github"}}
	require.NoError(t, issuer.Stamp("ws-clerks", "req-1", steps, "sha256:abc"))

	for _, s := range steps {
		claims, err := issuer.Verify("ws-clerks", s.Warrant)
		require.NoError(t, err)
		assert.Equal(t, s.StepID, claims.StepID)
		assert.Equal(t, "sha256:abc", claims.PlanHash)
	}
}

func TestKeyringRejectsBadSeedAndWorkspace(t *testing.T) {
	_, err := NewKeyringFromSeed([]byte("short"))
	require.Error(t, err)

	keys, err := NewKeyringFromSeed(testSeed)
	require.NoError(t, err)
	_, err = keys.PublicKey("")
	require.ErrorIs(t, err, ErrEmptyWorkspace)
}
