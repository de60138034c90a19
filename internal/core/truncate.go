package core

// OutputTruncateBytes caps stored workload output at 1 MiB.
const OutputTruncateBytes = 1 << 20

// TruncateOutput applies the storage cap to combined workload output.
// Returns the (possibly shortened) bytes, whether truncation happened,
// and the original size. An output of exactly the cap is not truncated.
func TruncateOutput(out []byte) ([]byte, bool, int64) {
	size := int64(len(out))
	if size <= OutputTruncateBytes {
		return out, false, size
	}
	return out[:OutputTruncateBytes], true, size
}
