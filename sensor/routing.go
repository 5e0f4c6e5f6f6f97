package sensor

import (
	"github.com/srg/blecsc/internal/radio"
)

type charKind int

const (
	kindCSCMeasurement charKind = iota + 1
)

func (k charKind) String() string {
	if k == kindCSCMeasurement {
		return "csc_measurement"
	}
	return "unknown"
}

// kindOf maps a notifying characteristic to the kind of data it carries.
func kindOf(characteristic string) (charKind, bool) {
	if radio.EqualUUID(characteristic, radio.CharacteristicCSCMeasurement) {
		return kindCSCMeasurement, true
	}
	return 0, false
}

type routeKey struct {
	peripheral radio.PeripheralID
	kind       charKind
}

// routingTable maps (peripheral, characteristic kind) to the roles that
// consume those notifications. A notification without a route is stale.
type routingTable struct {
	routes map[routeKey][2]bool
}

func newRoutingTable() *routingTable {
	return &routingTable{routes: map[routeKey][2]bool{}}
}

func (t *routingTable) add(id radio.PeripheralID, kind charKind, role Role) {
	k := routeKey{id, kind}
	r := t.routes[k]
	r[role] = true
	t.routes[k] = r
}

// removeRole drops every route of role on id.
func (t *routingTable) removeRole(id radio.PeripheralID, role Role) {
	for k, r := range t.routes {
		if k.peripheral != id {
			continue
		}
		r[role] = false
		if !r[RoleSpeed] && !r[RoleCadence] {
			delete(t.routes, k)
		} else {
			t.routes[k] = r
		}
	}
}

// lookup returns the roles routed for (id, kind), speed first.
func (t *routingTable) lookup(id radio.PeripheralID, kind charKind) []Role {
	r, ok := t.routes[routeKey{id, kind}]
	if !ok {
		return nil
	}
	var roles []Role
	for _, role := range Roles() {
		if r[role] {
			roles = append(roles, role)
		}
	}
	return roles
}

func (t *routingTable) len() int {
	return len(t.routes)
}
