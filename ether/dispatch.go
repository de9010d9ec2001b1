package ether

// Dispatch implements the global frame callback described in spec.md
// §4.1: it drops frames that are this device's own outbound traffic
// looped back, delivers frames addressed to selfMAC or broadcast, and
// demuxes by EtherType through reg. Frames to any other destination
// are silently dropped — this stack is a host, not an L2 bridge.
func Dispatch(buf []byte, length int, deviceID int, selfMAC MAC, reg *Registry) {
	f, err := Decode(buf[:length])
	if err != nil {
		return
	}
	if f.Src.Equal(selfMAC) {
		return
	}
	if !f.Dst.Equal(selfMAC) && !f.Dst.IsBroadcast() {
		return
	}
	cb, ok := reg.Lookup(f.Type)
	if !ok || cb == nil {
		return
	}
	cb(f.Payload, len(f.Payload), deviceID)
}
