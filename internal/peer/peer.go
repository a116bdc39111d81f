// Package peer models remote identities and their per-link connection
// lifecycle. A Peer becomes a friend purely by being present in the friend
// store; there is no separate flag.
package peer

import (
	"time"

	"github.com/danbachar/grassroots/internal/wire"
)

// Peer is a remote identity. PublicKey doubles as the identity; there is
// no separate short id.
type Peer struct {
	PublicKey   wire.ID   `json:"publicKey"`
	DisplayName string    `json:"displayName"`
	Verified    bool      `json:"verified"`
	LastSeen    time.Time `json:"lastSeen"`
}

// MaxFriends caps the friend store.
const MaxFriends = 1000
