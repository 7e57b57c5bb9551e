package bootstrap

// Phases of the bootstrap state machine.
const (
	PhaseDiscovering = "discovering"
	PhaseRegistering = "registering"
	PhaseHandshaking = "handshaking"
	PhaseAnnouncing  = "announcing"
	PhaseReady       = "ready"
	PhaseFailed      = "failed"
)

// Status event types published on the status feed. Phase transitions use
// "bootstrap:<phase>". Consumers treat these as advisory progress markers.
const (
	EventPeerRegistered = "bootstrap:peer-registered"
	EventChannelOpened  = "bootstrap:channel-opened"
	EventAnnounced      = "bootstrap:announced"
	EventFailed         = "bootstrap:failed"
)

// PhaseEventType renders the status type for a phase transition.
func PhaseEventType(phase string) string {
	return "bootstrap:" + phase
}

// StatusEvent is one advisory notification from the state machine.
type StatusEvent struct {
	Type  string
	Phase string
	// Peer is the pubkey of the peer the event concerns, when it concerns
	// one.
	Peer string
	Err  error
}
