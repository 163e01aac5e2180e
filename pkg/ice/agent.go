// Copyright 2024 Voxmesh, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ice

import (
	"math/rand"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/voxmesh/voxmesh-server/pkg/stun"
	"github.com/voxmesh/voxmesh-server/pkg/turn"
)

// Logger is used by agents that are not handed one explicitly.
var Logger logr.Logger = logr.Discard()

// ConnectionState per RFC 8445 §6.1.3.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionChecking
	ConnectionConnected
	ConnectionCompleted
	ConnectionFailed
	ConnectionDisconnected
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionChecking:
		return "checking"
	case ConnectionConnected:
		return "connected"
	case ConnectionCompleted:
		return "completed"
	case ConnectionFailed:
		return "failed"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionClosed:
		return "closed"
	}
	return "unknown"
}

// GatheringState of the local candidate harvest.
type GatheringState int

const (
	GatheringNew GatheringState = iota
	Gathering
	GatheringComplete
)

func (s GatheringState) String() string {
	switch s {
	case GatheringNew:
		return "new"
	case Gathering:
		return "gathering"
	case GatheringComplete:
		return "complete"
	}
	return "unknown"
}

// Role of the agent in this session.
type Role int

const (
	Controlling Role = iota
	Controlled
)

// Config for an Agent. LocalAddresses are the transport addresses the
// I/O layer has already bound; the agent only advertises them.
type Config struct {
	Role           Role
	LocalAddresses []netip.AddrPort
	StunServers    []netip.AddrPort
	TurnServers    []turn.ServerConfig

	CheckInterval     time.Duration
	KeepaliveInterval time.Duration
	NominationTimeout time.Duration
	DisconnectTimeout time.Duration

	GatherHost  bool
	GatherSrflx bool
	GatherRelay bool
}

// DefaultConfig matches the timing profile of the production deployment.
func DefaultConfig() Config {
	return Config{
		Role:              Controlling,
		CheckInterval:     50 * time.Millisecond,
		KeepaliveInterval: 15 * time.Second,
		NominationTimeout: 10 * time.Second,
		DisconnectTimeout: 30 * time.Second,
		GatherHost:        true,
		GatherSrflx:       true,
		GatherRelay:       true,
	}
}

// Credentials are the local or remote ufrag/password pair.
type Credentials struct {
	UFrag    string
	Password string
}

// Callbacks the agent fires. All are invoked without the agent lock
// held so handlers may call back into the agent.
type Callbacks struct {
	OnCandidate       func(Candidate)
	OnGatheringState  func(GatheringState)
	OnConnectionState func(ConnectionState)
	OnSelectedPair    func(CandidatePair)
	OnData            func(data []byte, from netip.AddrPort)
}

// Stats is a point-in-time agent snapshot.
type Stats struct {
	CandidatesGathered int
	ChecksSent         uint64
	ChecksReceived     uint64
	SelectedPriority   uint64
	TimeToConnected    time.Duration
}

// Agent drives ICE for one component set against one remote peer.
type Agent struct {
	config    Config
	callbacks Callbacks
	writer    stun.PacketWriter
	stun      *stun.Client
	turn      []*turn.Client
	clock     clock.Clock
	logger    logr.Logger

	lock sync.Mutex

	localCredentials  Credentials
	remoteCredentials Credentials
	tiebreaker        uint64

	gatheringState  GatheringState
	connectionState ConnectionState
	pendingGathers  int

	localCandidates  []Candidate
	remoteCandidates []Candidate
	checklist        []*CandidatePair
	selected         *CandidatePair
	remoteComplete   bool

	startedAt       time.Time
	connectedAt     time.Time
	checklistDoneAt time.Time
	lastKeepalive   time.Time
	recovery        *keepaliveMonitor

	checksSent     uint64
	checksReceived uint64
}

// NewAgent creates an agent. writer sends towards arbitrary
// destinations; incoming traffic must be routed to HandlePacket.
func NewAgent(config Config, writer stun.PacketWriter, clk clock.Clock, logger logr.Logger) *Agent {
	a := &Agent{
		config:           config,
		writer:           writer,
		stun:             stun.NewClient(writer, clk),
		clock:            clk,
		logger:           logger,
		localCredentials: generateCredentials(),
		tiebreaker:       rand.Uint64(),
		recovery:         newKeepaliveMonitor(config.DisconnectTimeout),
	}
	for _, server := range config.TurnServers {
		a.turn = append(a.turn, turn.NewClient(server, a.stun, clk))
	}
	return a
}

// SetCallbacks must be called before gathering starts.
func (a *Agent) SetCallbacks(callbacks Callbacks) {
	a.lock.Lock()
	a.callbacks = callbacks
	a.lock.Unlock()
}

// LocalCredentials returns the generated ufrag/password.
func (a *Agent) LocalCredentials() Credentials {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.localCredentials
}

// SetRemoteCredentials installs the peer's ufrag/password.
func (a *Agent) SetRemoteCredentials(creds Credentials) {
	a.lock.Lock()
	a.remoteCredentials = creds
	a.lock.Unlock()
}

// GatherCandidates emits host candidates for every bound local address,
// then server-reflexive and relay candidates asynchronously.
func (a *Agent) GatherCandidates() {
	a.lock.Lock()
	if a.gatheringState != GatheringNew {
		a.lock.Unlock()
		return
	}
	a.gatheringState = Gathering
	a.startedAt = a.clock.Now()
	a.lock.Unlock()
	a.fireGatheringState(Gathering)

	if a.config.GatherHost {
		for _, addr := range a.config.LocalAddresses {
			c := NewCandidate(CandidateHost, 1, localPreferenceFor(addr), addr, netip.AddrPort{})
			a.addLocalCandidate(c)
		}
	}

	pending := 0
	if a.config.GatherSrflx {
		pending += len(a.config.StunServers)
	}
	if a.config.GatherRelay {
		pending += len(a.turn)
	}
	a.lock.Lock()
	a.pendingGathers = pending
	a.lock.Unlock()
	if pending == 0 {
		a.finishGathering()
		return
	}

	if a.config.GatherSrflx {
		for _, server := range a.config.StunServers {
			req := stun.New(stun.TypeBindingRequest)
			req.AddFingerprint()
			if err := a.stun.Do(req, server, a.onServerReflexive); err != nil {
				a.logger.Error(err, "stun binding request failed", "server", server)
				a.gatherDone()
			}
		}
	}
	if a.config.GatherRelay {
		for _, client := range a.turn {
			if err := client.Allocate(a.onRelayAllocated); err != nil {
				a.logger.Error(err, "turn allocate failed")
				a.gatherDone()
			}
		}
	}
}

func (a *Agent) onServerReflexive(resp *stun.Message, from netip.AddrPort) {
	defer a.gatherDone()
	if resp == nil || resp.Class() != stun.ClassSuccessResponse {
		return
	}
	mapped, err := resp.XorAddress(stun.AttrXorMappedAddress)
	if err != nil {
		a.logger.Error(err, "binding response without xor-mapped-address", "from", from)
		return
	}

	base := a.baseAddressFor(mapped)
	c := NewCandidate(CandidateServerReflexive, 1, localPreferenceFor(mapped), mapped, base)
	a.addLocalCandidate(c)
}

func (a *Agent) onRelayAllocated(relayed netip.AddrPort, err error) {
	defer a.gatherDone()
	if err != nil {
		a.logger.Error(err, "relay allocation failed")
		return
	}
	base := a.baseAddressFor(relayed)
	c := NewCandidate(CandidateRelay, 1, localPreferenceFor(relayed), relayed, base)
	a.addLocalCandidate(c)
}

func (a *Agent) baseAddressFor(_ netip.AddrPort) netip.AddrPort {
	if len(a.config.LocalAddresses) > 0 {
		return a.config.LocalAddresses[0]
	}
	return netip.AddrPort{}
}

func (a *Agent) gatherDone() {
	a.lock.Lock()
	a.pendingGathers--
	done := a.pendingGathers <= 0 && a.gatheringState == Gathering
	a.lock.Unlock()
	if done {
		a.finishGathering()
	}
}

func (a *Agent) finishGathering() {
	a.lock.Lock()
	a.gatheringState = GatheringComplete
	a.lock.Unlock()
	a.fireGatheringState(GatheringComplete)
}

func (a *Agent) addLocalCandidate(c Candidate) {
	a.lock.Lock()
	a.localCandidates = append(a.localCandidates, c)
	remotes := append([]Candidate(nil), a.remoteCandidates...)
	a.lock.Unlock()

	if cb := a.callbacks.OnCandidate; cb != nil {
		cb(c)
	}
	for _, remote := range remotes {
		a.formPair(c, remote)
	}
}

// AddRemoteCandidate installs a peer candidate and pairs it with every
// local candidate of the same component.
func (a *Agent) AddRemoteCandidate(remote Candidate) {
	a.lock.Lock()
	a.remoteCandidates = append(a.remoteCandidates, remote)
	locals := append([]Candidate(nil), a.localCandidates...)
	a.lock.Unlock()

	for _, local := range locals {
		a.formPair(local, remote)
	}
}

// SetRemoteCandidatesComplete marks the end of trickled candidates.
func (a *Agent) SetRemoteCandidatesComplete() {
	a.lock.Lock()
	a.remoteComplete = true
	a.lock.Unlock()
}

func (a *Agent) formPair(local, remote Candidate) {
	if local.Component != remote.Component {
		return
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	for _, p := range a.checklist {
		if p.Local.Address == local.Address && p.Remote.Address == remote.Address {
			return
		}
	}

	g, d := local.Priority, remote.Priority
	if a.config.Role == Controlled {
		g, d = d, g
	}
	pair := &CandidatePair{
		Local:    local,
		Remote:   remote,
		Priority: PairPriority(g, d),
		State:    PairFrozen,
	}

	// one pair per foundation starts unfrozen
	hasWaiting := false
	for _, p := range a.checklist {
		if p.foundation() == pair.foundation() && p.State != PairFailed {
			hasWaiting = true
			break
		}
	}
	if !hasWaiting {
		pair.State = PairWaiting
	}

	a.checklist = append(a.checklist, pair)
	sortPairs(a.checklist)
}

// Tick drives timers: connectivity checks, retransmissions, keepalive,
// nomination timeout. The owner calls it every CheckInterval.
func (a *Agent) Tick() {
	a.stun.Tick()
	for _, client := range a.turn {
		client.Tick()
	}

	a.lock.Lock()
	state := a.connectionState
	a.lock.Unlock()

	switch state {
	case ConnectionClosed, ConnectionFailed:
		return
	case ConnectionConnected, ConnectionCompleted:
		a.keepaliveTick()
		a.watchLiveness()
	default:
		a.checkTick()
	}
}

func (a *Agent) checkTick() {
	a.lock.Lock()

	if a.connectionState == ConnectionNew && len(a.checklist) > 0 {
		a.setConnectionStateLocked(ConnectionChecking)
	}

	var next *CandidatePair
	for _, p := range a.checklist {
		if p.State == PairWaiting {
			next = p
			break
		}
	}
	if next == nil {
		// unfreeze the highest-priority frozen pair
		for _, p := range a.checklist {
			if p.State == PairFrozen {
				p.State = PairWaiting
				next = p
				break
			}
		}
	}

	if next != nil {
		next.State = PairInProgress
		next.checkSentAt = a.clock.Now()
		a.checksSent++
		a.checklistDoneAt = time.Time{}
		req := a.buildCheckLocked(next, false)
		dest := next.Remote.Address
		a.lock.Unlock()
		_ = a.stun.Do(req, dest, func(resp *stun.Message, from netip.AddrPort) {
			a.onCheckResponse(next, resp, from)
		})
		return
	}

	// checklist drained: fail once the nomination window expires
	if len(a.checklist) > 0 && a.checklistDoneAt.IsZero() {
		a.checklistDoneAt = a.clock.Now()
	}
	if !a.checklistDoneAt.IsZero() && a.selected == nil &&
		a.clock.Now().Sub(a.checklistDoneAt) > a.config.NominationTimeout {
		anySucceeded := false
		for _, p := range a.checklist {
			if p.State == PairSucceeded {
				anySucceeded = true
				break
			}
		}
		if !anySucceeded && a.remoteComplete {
			a.setConnectionStateLocked(ConnectionFailed)
		}
	}
	a.lock.Unlock()
}

// buildCheckLocked assembles a connectivity check for pair.
func (a *Agent) buildCheckLocked(pair *CandidatePair, nominate bool) *stun.Message {
	req := stun.New(stun.TypeBindingRequest)
	req.AddString(stun.AttrUsername, a.remoteCredentials.UFrag+":"+a.localCredentials.UFrag)
	req.AddUint32(stun.AttrPriority, ComputePriority(CandidatePeerReflexive, localPreferenceFor(pair.Local.Address), pair.Local.Component))
	if a.config.Role == Controlling {
		req.AddUint64(stun.AttrIceControlling, a.tiebreaker)
		if nominate {
			req.Add(stun.AttrUseCandidate, nil)
		}
	} else {
		req.AddUint64(stun.AttrIceControlled, a.tiebreaker)
	}
	req.AddMessageIntegrity([]byte(a.remoteCredentials.Password))
	req.AddFingerprint()
	return req
}

func (a *Agent) onCheckResponse(pair *CandidatePair, resp *stun.Message, _ netip.AddrPort) {
	if resp == nil {
		a.lock.Lock()
		pair.State = PairFailed
		a.unfreezeFoundationLocked(pair)
		a.lock.Unlock()
		return
	}

	if resp.Class() == stun.ClassErrorResponse {
		code, _, _ := resp.ErrorCode()
		if code == 487 {
			// role conflict: switch roles and retry the pair
			a.lock.Lock()
			if a.config.Role == Controlling {
				a.config.Role = Controlled
			} else {
				a.config.Role = Controlling
			}
			pair.State = PairWaiting
			a.lock.Unlock()
			return
		}
		a.lock.Lock()
		pair.State = PairFailed
		a.unfreezeFoundationLocked(pair)
		a.lock.Unlock()
		return
	}

	a.lock.Lock()
	pair.State = PairSucceeded
	pair.RTT = a.clock.Now().Sub(pair.checkSentAt)
	a.unfreezeFoundationLocked(pair)
	controlling := a.config.Role == Controlling
	alreadyNominated := pair.Nominated
	a.lock.Unlock()

	switch {
	case controlling && !alreadyNominated:
		a.nominate(pair)
	case !controlling && alreadyNominated:
		// the peer nominated before our own check completed
		a.selectPair(pair)
	}
}

func (a *Agent) unfreezeFoundationLocked(done *CandidatePair) {
	for _, p := range a.checklist {
		if p != done && p.foundation() == done.foundation() && p.State == PairFrozen {
			p.State = PairWaiting
			return
		}
	}
}

// nominate sends a USE-CANDIDATE check on a succeeded pair.
func (a *Agent) nominate(pair *CandidatePair) {
	a.lock.Lock()
	pair.Nominated = true
	req := a.buildCheckLocked(pair, true)
	dest := pair.Remote.Address
	a.checksSent++
	a.lock.Unlock()

	_ = a.stun.Do(req, dest, func(resp *stun.Message, _ netip.AddrPort) {
		if resp == nil || resp.Class() != stun.ClassSuccessResponse {
			return
		}
		a.selectPair(pair)
	})
}

func (a *Agent) selectPair(pair *CandidatePair) {
	a.lock.Lock()
	if a.selected == pair || a.connectionState == ConnectionClosed {
		a.lock.Unlock()
		return
	}
	a.selected = pair
	a.connectedAt = a.clock.Now()
	a.recovery.observe(a.clock.Now())
	a.setConnectionStateLocked(ConnectionConnected)
	// single data component: completed as soon as its pair is selected
	a.setConnectionStateLocked(ConnectionCompleted)
	cb := a.callbacks.OnSelectedPair
	selected := *pair
	a.lock.Unlock()

	if cb != nil {
		cb(selected)
	}
}

func (a *Agent) keepaliveTick() {
	a.lock.Lock()
	now := a.clock.Now()
	due := a.selected != nil && now.Sub(a.lastKeepalive) >= a.config.KeepaliveInterval
	var dest netip.AddrPort
	if due {
		a.lastKeepalive = now
		dest = a.selected.Remote.Address
	}
	a.lock.Unlock()

	if due {
		ind := stun.New(stun.TypeBindingIndication)
		ind.AddFingerprint()
		_ = a.writer.WriteTo(ind.Marshal(), dest)
	}
}

func (a *Agent) watchLiveness() {
	a.lock.Lock()
	state := a.recovery.state(a.clock.Now())
	var transition ConnectionState
	fire := false
	switch {
	case state == livenessLost && a.connectionState != ConnectionFailed:
		transition = ConnectionFailed
		fire = true
	case state == livenessStale && a.connectionState == ConnectionCompleted:
		transition = ConnectionDisconnected
		fire = true
	case state == livenessOK && a.connectionState == ConnectionDisconnected:
		transition = ConnectionCompleted
		fire = true
	}
	if fire {
		a.setConnectionStateLocked(transition)
	}
	a.lock.Unlock()
}

// HandlePacket demultiplexes an incoming datagram: STUN is consumed,
// anything else is application data handed to OnData.
func (a *Agent) HandlePacket(data []byte, from netip.AddrPort) {
	if !stun.IsMessage(data) {
		a.lock.Lock()
		if a.selected != nil {
			a.selected.BytesReceived += uint64(len(data))
		}
		a.recovery.observe(a.clock.Now())
		cb := a.callbacks.OnData
		a.lock.Unlock()
		if cb != nil {
			cb(data, from)
		}
		return
	}

	msg, err := stun.Parse(data)
	if err != nil {
		a.logger.V(1).Info("dropping malformed stun packet", "from", from, "err", err)
		return
	}

	a.lock.Lock()
	a.recovery.observe(a.clock.Now())
	a.lock.Unlock()

	switch msg.Class() {
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		a.stun.HandleMessage(msg, from)
	case stun.ClassRequest:
		a.handleCheckRequest(msg, from)
	case stun.ClassIndication:
		// keepalive, nothing to answer
	}
}

func (a *Agent) handleCheckRequest(msg *stun.Message, from netip.AddrPort) {
	a.lock.Lock()
	password := a.localCredentials.Password
	a.checksReceived++
	a.lock.Unlock()

	if err := msg.VerifyMessageIntegrity([]byte(password)); err != nil {
		a.logger.V(1).Info("check with bad credentials", "from", from)
		return
	}

	// role conflict resolution (RFC 8445 §7.3.1.1)
	if a.config.Role == Controlling && msg.Has(stun.AttrIceControlling) {
		theirs, _ := msg.GetUint64(stun.AttrIceControlling)
		if a.tiebreaker >= theirs {
			resp := &stun.Message{Type: stun.TypeBindingError, TransactionID: msg.TransactionID}
			resp.AddErrorCode(487, "Role Conflict")
			resp.AddMessageIntegrity([]byte(password))
			resp.AddFingerprint()
			_ = a.writer.WriteTo(resp.Marshal(), from)
			return
		}
		a.lock.Lock()
		a.config.Role = Controlled
		a.lock.Unlock()
	} else if a.config.Role == Controlled && msg.Has(stun.AttrIceControlled) {
		theirs, _ := msg.GetUint64(stun.AttrIceControlled)
		if a.tiebreaker >= theirs {
			a.lock.Lock()
			a.config.Role = Controlling
			a.lock.Unlock()
		} else {
			resp := &stun.Message{Type: stun.TypeBindingError, TransactionID: msg.TransactionID}
			resp.AddErrorCode(487, "Role Conflict")
			resp.AddMessageIntegrity([]byte(password))
			resp.AddFingerprint()
			_ = a.writer.WriteTo(resp.Marshal(), from)
			return
		}
	}

	a.learnPeerReflexive(msg, from)

	resp := &stun.Message{Type: stun.TypeBindingSuccess, TransactionID: msg.TransactionID}
	resp.AddXorAddress(stun.AttrXorMappedAddress, from)
	resp.AddMessageIntegrity([]byte(password))
	resp.AddFingerprint()
	_ = a.writer.WriteTo(resp.Marshal(), from)

	if msg.Has(stun.AttrUseCandidate) {
		a.acceptNomination(from)
	}
}

// learnPeerReflexive creates a prflx remote candidate for checks from
// unknown sources (RFC 8445 §7.3.1.3).
func (a *Agent) learnPeerReflexive(msg *stun.Message, from netip.AddrPort) {
	a.lock.Lock()
	for _, c := range a.remoteCandidates {
		if c.Address == from {
			a.lock.Unlock()
			return
		}
	}
	a.lock.Unlock()

	priority, ok := msg.GetUint32(stun.AttrPriority)
	if !ok {
		priority = ComputePriority(CandidatePeerReflexive, 0, 1)
	}
	prflx := Candidate{
		Foundation: foundationFor(CandidatePeerReflexive, from),
		Component:  1,
		Protocol:   "udp",
		Priority:   priority,
		Address:    from,
		Type:       CandidatePeerReflexive,
	}
	a.AddRemoteCandidate(prflx)
}

// acceptNomination handles USE-CANDIDATE from the controlling peer. A
// succeeded pair is selected immediately; otherwise the nomination is
// remembered until our own check of that pair completes.
func (a *Agent) acceptNomination(from netip.AddrPort) {
	a.lock.Lock()
	var nominated *CandidatePair
	for _, p := range a.checklist {
		if p.Remote.Address == from && p.State != PairFailed {
			nominated = p
			break
		}
	}
	var ready bool
	if nominated != nil {
		nominated.Nominated = true
		ready = nominated.State == PairSucceeded
	}
	a.lock.Unlock()

	if ready {
		a.selectPair(nominated)
	}
}

// Send transmits application data over the selected pair.
func (a *Agent) Send(data []byte) bool {
	a.lock.Lock()
	if a.selected == nil || a.connectionState == ConnectionClosed {
		a.lock.Unlock()
		return false
	}
	dest := a.selected.Remote.Address
	a.selected.BytesSent += uint64(len(data))
	a.lock.Unlock()

	return a.writer.WriteTo(data, dest) == nil
}

// LocalCandidates returns the gathered candidates.
func (a *Agent) LocalCandidates() []Candidate {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]Candidate(nil), a.localCandidates...)
}

// ConnectionState returns the current connection state.
func (a *Agent) ConnectionState() ConnectionState {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.connectionState
}

// GatheringState returns the current gathering state.
func (a *Agent) GatheringState() GatheringState {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.gatheringState
}

// SelectedPair returns a copy of the nominated pair.
func (a *Agent) SelectedPair() (CandidatePair, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.selected == nil {
		return CandidatePair{}, false
	}
	return *a.selected, true
}

// Stats snapshots counters.
func (a *Agent) Stats() Stats {
	a.lock.Lock()
	defer a.lock.Unlock()
	s := Stats{
		CandidatesGathered: len(a.localCandidates),
		ChecksSent:         a.checksSent,
		ChecksReceived:     a.checksReceived,
	}
	if a.selected != nil {
		s.SelectedPriority = a.selected.Priority
	}
	if !a.connectedAt.IsZero() {
		s.TimeToConnected = a.connectedAt.Sub(a.startedAt)
	}
	return s
}

// Close releases relay allocations and stops all processing.
func (a *Agent) Close() {
	a.lock.Lock()
	if a.connectionState == ConnectionClosed {
		a.lock.Unlock()
		return
	}
	a.setConnectionStateLocked(ConnectionClosed)
	a.lock.Unlock()

	for _, client := range a.turn {
		client.Release()
	}
}

// setConnectionStateLocked transitions and schedules the callback on
// its own goroutine so handlers may re-enter the agent.
func (a *Agent) setConnectionStateLocked(state ConnectionState) {
	if a.connectionState == state {
		return
	}
	a.connectionState = state
	if cb := a.callbacks.OnConnectionState; cb != nil {
		go cb(state)
	}
}

func (a *Agent) fireGatheringState(state GatheringState) {
	if cb := a.callbacks.OnGatheringState; cb != nil {
		cb(state)
	}
}

// generateCredentials builds the ufrag (8 chars) and password
// (24 chars) from random UUIDs, alphanumeric-safe for SDP.
func generateCredentials() Credentials {
	hex := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	return Credentials{
		UFrag:    hex[:8],
		Password: hex[8 : 8+24],
	}
}

// localPreferenceFor ranks addresses: IPv6 above IPv4, loopback last.
func localPreferenceFor(addr netip.AddrPort) uint32 {
	ip := addr.Addr()
	switch {
	case ip.IsLoopback():
		return 0
	case ip.Is6() && !ip.Is4In6():
		return 65535
	default:
		return 65534
	}
}
