package ice

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxmesh/voxmesh-server/pkg/stun"
)

// wire delivers datagrams between two agents synchronously.
type wire struct {
	lock  sync.Mutex
	peers map[netip.AddrPort]*Agent
}

func newWire() *wire {
	return &wire{peers: make(map[netip.AddrPort]*Agent)}
}

func (w *wire) attach(addr netip.AddrPort, agent *Agent) {
	w.lock.Lock()
	w.peers[addr] = agent
	w.lock.Unlock()
}

type wireWriter struct {
	wire *wire
	from netip.AddrPort
}

func (w *wireWriter) WriteTo(data []byte, dest netip.AddrPort) error {
	w.wire.lock.Lock()
	peer := w.wire.peers[dest]
	w.wire.lock.Unlock()
	if peer != nil {
		peer.HandlePacket(append([]byte(nil), data...), w.from)
	}
	return nil
}

func newAgentPair(t *testing.T, mock *clock.Mock) (*Agent, *Agent) {
	t.Helper()
	w := newWire()
	addrA := netip.MustParseAddrPort("10.0.0.1:4000")
	addrB := netip.MustParseAddrPort("10.0.0.2:4000")

	configA := DefaultConfig()
	configA.Role = Controlling
	configA.LocalAddresses = []netip.AddrPort{addrA}
	configA.GatherSrflx = false
	configA.GatherRelay = false

	configB := DefaultConfig()
	configB.Role = Controlled
	configB.LocalAddresses = []netip.AddrPort{addrB}
	configB.GatherSrflx = false
	configB.GatherRelay = false

	a := NewAgent(configA, &wireWriter{wire: w, from: addrA}, mock, logr.Discard())
	b := NewAgent(configB, &wireWriter{wire: w, from: addrB}, mock, logr.Discard())
	w.attach(addrA, a)
	w.attach(addrB, b)

	a.SetRemoteCredentials(b.LocalCredentials())
	b.SetRemoteCredentials(a.LocalCredentials())
	return a, b
}

func exchangeCandidates(a, b *Agent) {
	for _, c := range a.LocalCandidates() {
		b.AddRemoteCandidate(c)
	}
	for _, c := range b.LocalCandidates() {
		a.AddRemoteCandidate(c)
	}
	a.SetRemoteCandidatesComplete()
	b.SetRemoteCandidatesComplete()
}

func TestGatheringHostCandidates(t *testing.T) {
	mock := clock.NewMock()
	a, _ := newAgentPair(t, mock)

	var gathered []Candidate
	var states []GatheringState
	a.SetCallbacks(Callbacks{
		OnCandidate:      func(c Candidate) { gathered = append(gathered, c) },
		OnGatheringState: func(s GatheringState) { states = append(states, s) },
	})
	a.GatherCandidates()

	require.Len(t, gathered, 1)
	assert.Equal(t, CandidateHost, gathered[0].Type)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:4000"), gathered[0].Address)
	assert.Equal(t, []GatheringState{Gathering, GatheringComplete}, states)
	assert.Equal(t, GatheringComplete, a.GatheringState())
}

func TestConnectivityEstablishment(t *testing.T) {
	mock := clock.NewMock()
	a, b := newAgentPair(t, mock)
	a.GatherCandidates()
	b.GatherCandidates()
	exchangeCandidates(a, b)

	for i := 0; i < 20; i++ {
		a.Tick()
		b.Tick()
		mock.Add(50 * time.Millisecond)
		if a.ConnectionState() == ConnectionCompleted && b.ConnectionState() == ConnectionCompleted {
			break
		}
	}

	assert.Equal(t, ConnectionCompleted, a.ConnectionState())
	assert.Equal(t, ConnectionCompleted, b.ConnectionState())

	pairA, ok := a.SelectedPair()
	require.True(t, ok)
	assert.True(t, pairA.Nominated)
	pairB, ok := b.SelectedPair()
	require.True(t, ok)
	assert.Equal(t, pairA.Local.Address, pairB.Remote.Address)
}

func TestDataFlowsOverSelectedPair(t *testing.T) {
	mock := clock.NewMock()
	a, b := newAgentPair(t, mock)

	var fromB []byte
	b.SetCallbacks(Callbacks{
		OnData: func(data []byte, _ netip.AddrPort) { fromB = append([]byte(nil), data...) },
	})

	a.GatherCandidates()
	b.GatherCandidates()
	exchangeCandidates(a, b)
	for i := 0; i < 20; i++ {
		a.Tick()
		b.Tick()
		mock.Add(50 * time.Millisecond)
	}
	require.Equal(t, ConnectionCompleted, a.ConnectionState())

	payload := []byte{0x80, 0x01, 0x02, 0x03} // looks like RTP, not STUN
	require.True(t, a.Send(payload))
	assert.Equal(t, payload, fromB)
}

func TestFailsWithoutAnyResponse(t *testing.T) {
	mock := clock.NewMock()
	w := newWire() // remote never attached: all checks vanish
	addrA := netip.MustParseAddrPort("10.0.0.1:4000")

	config := DefaultConfig()
	config.LocalAddresses = []netip.AddrPort{addrA}
	config.GatherSrflx = false
	config.GatherRelay = false
	config.NominationTimeout = time.Second

	a := NewAgent(config, &wireWriter{wire: w, from: addrA}, mock, logr.Discard())
	a.SetRemoteCredentials(Credentials{UFrag: "remote", Password: "remotepw"})
	a.GatherCandidates()
	a.AddRemoteCandidate(NewCandidate(CandidateHost, 1, 65534,
		netip.MustParseAddrPort("10.0.0.9:4000"), netip.AddrPort{}))
	a.SetRemoteCandidatesComplete()

	for i := 0; i < 300; i++ {
		a.Tick()
		mock.Add(500 * time.Millisecond)
		if a.ConnectionState() == ConnectionFailed {
			break
		}
	}
	assert.Equal(t, ConnectionFailed, a.ConnectionState())
}

func TestStunDemux(t *testing.T) {
	mock := clock.NewMock()
	a, _ := newAgentPair(t, mock)

	var data []byte
	a.SetCallbacks(Callbacks{
		OnData: func(d []byte, _ netip.AddrPort) { data = d },
	})

	// a STUN binding indication must not reach OnData
	ind := stun.New(stun.TypeBindingIndication)
	a.HandlePacket(ind.Marshal(), netip.MustParseAddrPort("10.0.0.2:4000"))
	assert.Nil(t, data)

	// non-STUN bytes must
	a.HandlePacket([]byte{0x80, 0xaa}, netip.MustParseAddrPort("10.0.0.2:4000"))
	assert.Equal(t, []byte{0x80, 0xaa}, data)
}
