// Package device defines the boundary between the GATT client core and the radio.
//
// It holds the transport contracts (Link, Radio and their callback handlers),
// the advertisement Record snapshot, the PermissionGate consulted before every
// radio operation, UUID normalization, and the kinded Error type shared by every
// layer above it:
//
//	if errors.Is(err, device.ErrTimeout) {
//	    // retry
//	}
//
// Nothing in this package talks to hardware. Concrete transports live under
// internal/transport.
package device
