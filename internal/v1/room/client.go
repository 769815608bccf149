package room

import (
	"encoding/json"
	"time"

	"github.com/openworld-labs/gridsync/internal/v1/types"
	"k8s.io/utils/set"
)

// connState is the per-connection auth state machine.
type connState int

const (
	stateAwaitAuth connState = iota
	stateAwaitResponse
	stateAuthenticated
	stateClosed
)

// client is the per-connection record inside a Room. All access is
// serialized by the Room's mutex.
type client struct {
	conn  types.ClientConn
	state connState

	pubkey    string // empty before auth
	challenge string // pending challenge, only while awaiting response

	position   types.Position
	animation  string
	expression string
	cell       string // derived from position

	// subscribedCells empty means "receive all position broadcasts"
	// (legacy/no-AOI mode).
	subscribedCells set.Set[string]

	avatar json.RawMessage // opaque bag carried through

	lastActivity time.Time
}

func (c *client) authenticated() bool {
	return c.state == stateAuthenticated
}

// wantsCell reports whether the client's subscription predicate accepts a
// position update originating in the given cell.
func (c *client) wantsCell(cell string) bool {
	if c.subscribedCells == nil || c.subscribedCells.Len() == 0 {
		return true
	}
	return c.subscribedCells.Has(cell)
}

func (c *client) snapshot() types.PeerSnapshot {
	return types.PeerSnapshot{
		Pubkey:   c.pubkey,
		Position: c.position,
		Avatar:   c.avatar,
	}
}
