package scene

// Fuse annotates every entity with distance. The result has the same length
// and order as entities; the input slice and its elements are not modified,
// since the Store may be serving them concurrently. Any distance value is
// accepted: validation belongs to the caller.
func Fuse(entities []Entity, distance float64) []Entity {
	if entities == nil {
		return nil
	}
	out := make([]Entity, len(entities))
	for i, e := range entities {
		fused := e.Clone()
		d := distance
		fused.DistanceMeters = &d
		out[i] = fused
	}
	return out
}
