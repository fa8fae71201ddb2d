package sampling

// BucketOf maps a resolved timestamp onto its epoch-aligned slot. Buckets
// are aligned to the Unix epoch, not to a device session, so the same
// timestamp lands in the same bucket across restarts and across devices
// sharing an interval.
func BucketOf(ts, intervalMs int64) int64 {
	intervalMs = Clamp(intervalMs)
	b := ts / intervalMs
	if ts%intervalMs != 0 && ts < 0 {
		b--
	}
	return b
}

// BucketStart returns the first millisecond covered by bucket.
func BucketStart(bucket, intervalMs int64) int64 {
	return bucket * Clamp(intervalMs)
}
