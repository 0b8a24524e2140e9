package hub

// MaxProtocolVersion is the newest protocol revision this client speaks.
// The handshake carries it; the hub answers with the version it will use.
const MaxProtocolVersion = 2

// Profile captures the per-version protocol limits. The device may offer a
// smaller chunk than the profile ceiling, never a larger one.
type Profile struct {
	Version  uint8
	MaxChunk int
}

var profiles = map[uint8]Profile{
	1: {Version: 1, MaxChunk: 256},
	2: {Version: 2, MaxChunk: 512},
}

func ProfileFor(version uint8) (Profile, bool) {
	p, ok := profiles[version]

	return p, ok
}
