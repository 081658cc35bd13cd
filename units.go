package diskplan

const (
	// Kibibyte - 1024 bytes
	Kibibyte = uint64(1024)

	// Mebibyte - 1024 * 1024 bytes
	Mebibyte = Kibibyte * 1024

	// Gibibyte - 1024 * 1024 * 1024 bytes
	Gibibyte = Mebibyte * 1024

	// Tebibyte - 1024 * 1024 * 1024 * 1024 bytes
	Tebibyte = Gibibyte * 1024
)

// Ceiling returns the smallest integer equal to or larger than val that is evenly
// divisible by unit.
func Ceiling(val, unit uint64) uint64 {
	if unit == 0 || val%unit == 0 {
		return val
	}

	return ((val + unit) / unit) * unit
}

// Floor returns the largest integer equal to or less than val that is evenly
// divisible by unit.
func Floor(val, unit uint64) uint64 {
	if unit == 0 || val%unit == 0 {
		return val
	}

	return (val / unit) * unit
}
