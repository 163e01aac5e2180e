package stun

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	msg := New(TypeBindingRequest)
	msg.AddString(AttrUsername, "remotefrag:localfrag")
	msg.AddUint32(AttrPriority, 0x7e0000ff)
	msg.Add(AttrUseCandidate, nil)
	msg.AddUint64(AttrIceControlling, 0x0123456789abcdef)

	raw := msg.Marshal()
	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, msg.Type, parsed.Type)
	assert.Equal(t, msg.TransactionID, parsed.TransactionID)
	require.Len(t, parsed.Attributes, 4)

	username, ok := parsed.Get(AttrUsername)
	require.True(t, ok)
	assert.Equal(t, "remotefrag:localfrag", string(username))

	priority, ok := parsed.GetUint32(AttrPriority)
	require.True(t, ok)
	assert.Equal(t, uint32(0x7e0000ff), priority)

	assert.True(t, parsed.Has(AttrUseCandidate))

	tiebreaker, ok := parsed.GetUint64(AttrIceControlling)
	require.True(t, ok)
	assert.Equal(t, uint64(0x0123456789abcdef), tiebreaker)
}

func TestIsMessage(t *testing.T) {
	msg := New(TypeBindingRequest)
	assert.True(t, IsMessage(msg.Marshal()))

	// RTP: version bits land in the top two bits
	rtp := make([]byte, 20)
	rtp[0] = 0x80
	assert.False(t, IsMessage(rtp))

	// right bits but wrong cookie
	bad := msg.Marshal()
	bad[4] = 0xff
	assert.False(t, IsMessage(bad))

	assert.False(t, IsMessage([]byte{0x00, 0x01}))
}

func TestXorMappedAddressV4(t *testing.T) {
	addr := netip.MustParseAddrPort("192.0.2.1:32853")
	msg := New(TypeBindingSuccess)
	msg.AddXorAddress(AttrXorMappedAddress, addr)

	parsed, err := Parse(msg.Marshal())
	require.NoError(t, err)
	got, err := parsed.XorAddress(AttrXorMappedAddress)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}

func TestXorMappedAddressV6(t *testing.T) {
	addr := netip.MustParseAddrPort("[2001:db8::42]:5000")
	msg := New(TypeBindingSuccess)
	msg.AddXorAddress(AttrXorMappedAddress, addr)

	parsed, err := Parse(msg.Marshal())
	require.NoError(t, err)
	got, err := parsed.XorAddress(AttrXorMappedAddress)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}

func TestMessageIntegrity(t *testing.T) {
	key := []byte("the-remote-password")
	msg := New(TypeBindingRequest)
	msg.AddString(AttrUsername, "a:b")
	msg.AddMessageIntegrity(key)
	msg.AddFingerprint()

	parsed, err := Parse(msg.Marshal())
	require.NoError(t, err)
	require.NoError(t, parsed.VerifyMessageIntegrity(key))
	require.NoError(t, parsed.CheckFingerprint())

	assert.ErrorIs(t, parsed.VerifyMessageIntegrity([]byte("wrong")), ErrIntegrityMismatch)
}

func TestFingerprintDetectsCorruption(t *testing.T) {
	msg := New(TypeBindingRequest)
	msg.AddString(AttrSoftware, "voxmesh")
	msg.AddFingerprint()
	raw := msg.Marshal()

	// flip a bit in the SOFTWARE attribute
	raw[HeaderSize+attrHeaderSize] ^= 0x01

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.ErrorIs(t, parsed.CheckFingerprint(), ErrFingerprintInvalid)
}

func TestErrorCode(t *testing.T) {
	msg := New(TypeBindingError)
	msg.AddErrorCode(487, "Role Conflict")

	parsed, err := Parse(msg.Marshal())
	require.NoError(t, err)
	code, reason, ok := parsed.ErrorCode()
	require.True(t, ok)
	assert.Equal(t, 487, code)
	assert.Equal(t, "Role Conflict", reason)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte{0x00, 0x01, 0x00})
	assert.ErrorIs(t, err, ErrMessageTooShort)

	raw := New(TypeBindingRequest).Marshal()
	raw[4] = 0
	_, err = Parse(raw)
	assert.ErrorIs(t, err, ErrBadMagicCookie)
}
