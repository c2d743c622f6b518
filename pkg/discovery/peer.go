// Package discovery maintains the list of discoverable hosts. Advertisement
// mechanics live in external sources; this package owns the merged
// descriptor store and the found/lost event feed consumed by the session
// layer and the UI.
package discovery

// PeerDescriptor identifies one discoverable host. The ID is stable across
// reachability changes; multiple sources may report the same peer and their
// records merge rather than overwrite.
type PeerDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	// LAN reachability: advertised service host (possibly a .local name)
	// and port. Numeric resolution happens at connect time, not here.
	LANHost string `json:"lan_host,omitempty"`
	LANPort int    `json:"lan_port,omitempty"`

	// Mesh reachability, when the peer advertises a QUIC endpoint.
	MeshHost string `json:"mesh_host,omitempty"`
	MeshPort int    `json:"mesh_port,omitempty"`

	Sources  []string `json:"sources,omitempty"`
	LastSeen int64    `json:"last_seen_unix_ms"`
}

// HasLAN reports whether a LAN reachability record is present.
func (p PeerDescriptor) HasLAN() bool { return p.LANHost != "" && p.LANPort > 0 }

// HasMesh reports whether a mesh reachability record is present.
func (p PeerDescriptor) HasMesh() bool { return p.MeshHost != "" && p.MeshPort > 0 }

// merge folds an update from one source into the existing descriptor.
// Non-empty fields win; reachability is only ever added, never cleared.
func merge(old, upd PeerDescriptor, source string) PeerDescriptor {
	out := old
	out.ID = upd.ID
	if upd.Name != "" {
		out.Name = upd.Name
	}
	if upd.HasLAN() {
		out.LANHost, out.LANPort = upd.LANHost, upd.LANPort
	}
	if upd.HasMesh() {
		out.MeshHost, out.MeshPort = upd.MeshHost, upd.MeshPort
	}
	if upd.LastSeen > out.LastSeen {
		out.LastSeen = upd.LastSeen
	}
	found := false
	for _, s := range out.Sources {
		if s == source {
			found = true
			break
		}
	}
	if !found {
		out.Sources = append(out.Sources, source)
	}
	return out
}
