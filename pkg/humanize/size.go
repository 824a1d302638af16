package humanize

var units = []string{"B", "KB", "MB", "GB", "TB", "PB"}

func Size(sz int64) (float64, string) {
	f := float64(sz)

	for _, unit := range units {
		if f < 1024 {
			return f, unit
		}

		f /= 1024
	}

	return f, "EB"
}
