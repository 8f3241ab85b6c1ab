package transport

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSPPUUIDIsVerbatim(t *testing.T) {
	assert.Equal(t, uuid.MustParse("00001101-0000-1000-8000-00805F9B34FB"), SPP)
	assert.Equal(t, "00001101-0000-1000-8000-00805f9b34fb", SPP.String())
}

func TestServerURL(t *testing.T) {
	assert.Equal(t,
		"btspp://localhost:00001101-0000-1000-8000-00805f9b34fb;name=chat",
		ServerURL(SPP, "chat"))
}

func TestSecurityTier(t *testing.T) {
	assert.Equal(t, 0, SecurityTier(false, false))
	assert.Equal(t, 1, SecurityTier(true, false))
	assert.Equal(t, 1, SecurityTier(false, true))
	assert.Equal(t, 2, SecurityTier(true, true))
}

func TestConnectionURLRoundTrip(t *testing.T) {
	raw := ConnectionURL("aa:bb:cc:dd:ee:ff", 3, SecurityEncrypt)
	assert.Equal(t, "btspp://AABBCCDDEEFF:3;authenticate=true;encrypt=true;master=false", raw)

	addr, ch, err := ParseConnectionURL(raw)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", addr)
	assert.EqualValues(t, 3, ch)
}

func TestParseConnectionURLRejectsGarbage(t *testing.T) {
	for _, raw := range []string{
		"",
		"http://AABBCCDDEEFF:1",
		"btspp://AABBCCDDEEFF",
		"btspp://AABBCCDDEEFF:0",
		"btspp://AABBCCDDEEFF:31",
		"btspp://ZZBBCCDDEEFF:1",
	} {
		_, _, err := ParseConnectionURL(raw)
		assert.Error(t, err, raw)
	}
}
