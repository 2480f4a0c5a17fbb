package snapshot

// Translate brings a Snapshot decoded from an older on-disk format up to
// CurrentFormatVersion. Each step below must only touch the fields that
// actually changed shape between versions; anything unnamed passes through
// unmodified (the identity rule) so a translator never has to be rewritten
// just because an unrelated field was added earlier in the chain.
func Translate(snap *Snapshot, fromVersion uint32) *Snapshot {
	for v := fromVersion; v < CurrentFormatVersion; v++ {
		switch v {
		case 1:
			snap = translateV1ToV2(snap)
		}
	}

	return snap
}

// translateV1ToV2 accounts for the introduction of per-vCPU XCRS capture:
// version 1 images never populated VCPUState.XCRS, so it arrives nil and
// must be represented as an explicitly empty (not missing) byte slice --
// RestoreCPUState for a v1 image skips the SetXCRS call entirely when it
// sees a zero-length slice.
func translateV1ToV2(snap *Snapshot) *Snapshot {
	for i := range snap.VCPUStates {
		if snap.VCPUStates[i].XCRS == nil {
			snap.VCPUStates[i].XCRS = []byte{}
		}
	}

	return snap
}
