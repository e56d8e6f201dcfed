package conn

import "github.com/cachemir/kvdaemon/pkg/binprot"

// remapResponseStatus centralises the error-remapping policy spec.md §9
// asks for: "centralise in one function on Connection that consults the
// XERROR negotiation flag and the error kind; do not sprinkle mapping
// through executors." A status that requires XERROR but whose client
// never negotiated the feature becomes a disconnect instead of being
// sent on the wire.
func (c *Connection) remapResponseStatus() {
	status := c.Cookie.ResponseStatus
	if !binprot.RequiresXerror(status) {
		return
	}
	if c.Features[binprot.FeatureXERROR] {
		return
	}
	c.pendingDisconnect = true
	c.state = StateClosing
}
