package spb

// Identity names the unit of birth/death lifecycle: a node within a group,
// optionally narrowed to one device under that node. Aliases and sequence
// numbers are scoped to identities, and all of that scope dies with the
// session.
type Identity struct {
	Group  string `json:"group"`
	Node   string `json:"node"`
	Device string `json:"device,omitempty"`
}

// IsDevice reports whether the identity addresses a device rather than the
// node itself.
func (id Identity) IsDevice() bool {
	return id.Device != ""
}

// NodeOnly strips the device component, yielding the identity that owns
// sequence tracking. Devices share their node's sequence counter.
func (id Identity) NodeOnly() Identity {
	id.Device = ""
	return id
}

// Key returns the canonical map key "group/node" or "group/node/device".
func (id Identity) Key() string {
	if id.Device == "" {
		return id.Group + "/" + id.Node
	}
	return id.Group + "/" + id.Node + "/" + id.Device
}

func (id Identity) String() string {
	return id.Key()
}
