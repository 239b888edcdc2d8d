package certutil_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/blockadesystems/acmekeeper/internal/certutil"
	"github.com/blockadesystems/acmekeeper/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawToPEMAndBack(t *testing.T) {
	tc := testutils.GenerateTestCert(t, "example.com", time.Unix(1577836800, 0), time.Unix(1609459200, 0))

	pemText, err := certutil.RawToPEM(tc.Raw)
	require.NoError(t, err)
	assert.Equal(t, tc.PEM, pemText)

	raw, err := certutil.LeafRaw(tc.PEM + tc.PEM)
	require.NoError(t, err)
	assert.Equal(t, tc.Raw, raw)

	_, err = certutil.RawToPEM("bm90IGEgY2VydA==")
	assert.Error(t, err)
	_, err = certutil.RawToPEM("")
	assert.Error(t, err)
}

func TestPublicKeysMatch(t *testing.T) {
	tc := testutils.GenerateTestCert(t, "example.com", time.Now(), time.Now().Add(time.Hour))
	other := testutils.GenerateTestCert(t, "example.org", time.Now(), time.Now().Add(time.Hour))

	certKey, err := certutil.CertificatePublicKey(tc.Raw)
	require.NoError(t, err)
	pemKey, err := certutil.CertificatePublicKey(tc.PEM)
	require.NoError(t, err)
	csrKey, err := certutil.CSRPublicKey(tc.CSR)
	require.NoError(t, err)
	csrPEMKey, err := certutil.CSRPublicKey(tc.CSRPEM)
	require.NoError(t, err)
	otherKey, err := certutil.CSRPublicKey(other.CSR)
	require.NoError(t, err)

	assert.True(t, certutil.SameKey(certKey, pemKey))
	assert.True(t, certutil.SameKey(certKey, csrKey))
	assert.True(t, certutil.SameKey(certKey, csrPEMKey))
	assert.False(t, certutil.SameKey(certKey, otherKey))
	assert.False(t, certutil.SameKey(nil, nil))

	_, err = certutil.CSRPublicKey("garbage!")
	assert.Error(t, err)
}

func TestDatesAndSerial(t *testing.T) {
	notBefore := time.Unix(1577836800, 0)
	notAfter := time.Unix(1609459200, 0)
	tc := testutils.GenerateTestCert(t, "example.com", notBefore, notAfter)

	issue, expire, err := certutil.Dates(tc.Raw)
	require.NoError(t, err)
	assert.Equal(t, int64(1577836800), issue)
	assert.Equal(t, int64(1609459200), expire)

	serial, err := certutil.Serial(tc.PEM)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%x", tc.Serial), serial)

	_, err = certutil.Serial("AAAA")
	assert.Error(t, err)
}

func TestDecodeBase64(t *testing.T) {
	for _, in := range []string{"aGk/Pz8+", "aGk_Pz8-", "aGk/Pz8+\n", "aGk"} {
		b, err := certutil.DecodeBase64(in)
		require.NoError(t, err, in)
		assert.NotEmpty(t, b)
	}
	_, err := certutil.DecodeBase64("  ")
	assert.Error(t, err)
}
