package automation

import (
	"path/filepath"
	"strings"
)

// Capabilities declares the access an automation or action may use. Nothing
// outside a declared capability is granted: no declared paths means no
// filesystem access beyond the sandbox work directory, Network false means no
// network, no declared commands means the advisory command check accepts any
// binary already reachable inside the isolation boundary.
type Capabilities struct {
	PathsRead  []string         `json:"paths_read,omitempty" yaml:"paths_read,omitempty"`
	PathsWrite []string         `json:"paths_write,omitempty" yaml:"paths_write,omitempty"`
	Network    bool             `json:"network,omitempty" yaml:"network,omitempty"`
	Commands   []string         `json:"commands,omitempty" yaml:"commands,omitempty"`
	Connectors []ConnectorGrant `json:"connectors,omitempty" yaml:"connectors,omitempty"`
}

// Contains reports whether other is a subset of c. Path containment is
// directory-prefix based: a declared path covers itself and everything under
// it. Write paths also satisfy read requests.
func (c Capabilities) Contains(other Capabilities) bool {
	for _, p := range other.PathsRead {
		if !pathCovered(p, c.PathsRead) && !pathCovered(p, c.PathsWrite) {
			return false
		}
	}
	for _, p := range other.PathsWrite {
		if !pathCovered(p, c.PathsWrite) {
			return false
		}
	}
	if other.Network && !c.Network {
		return false
	}
	for _, cmd := range other.Commands {
		if !stringIn(cmd, c.Commands) {
			return false
		}
	}
	for _, g := range other.Connectors {
		if !c.AllowsConnector(g.Connector, g.Operations...) {
			return false
		}
	}
	return true
}

// AllowsConnector reports whether the capability set grants every listed
// operation on the named connector.
func (c Capabilities) AllowsConnector(id string, operations ...string) bool {
	for _, g := range c.Connectors {
		if g.Connector != id {
			continue
		}
		for _, op := range operations {
			if !stringIn(op, g.Operations) {
				return false
			}
		}
		return true
	}
	return false
}

// IsZero reports whether no capability at all is declared.
func (c Capabilities) IsZero() bool {
	return len(c.PathsRead) == 0 && len(c.PathsWrite) == 0 && !c.Network &&
		len(c.Commands) == 0 && len(c.Connectors) == 0
}

func pathCovered(p string, declared []string) bool {
	p = filepath.Clean(p)
	for _, d := range declared {
		d = filepath.Clean(d)
		if p == d || strings.HasPrefix(p, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func stringIn(s string, list []string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
