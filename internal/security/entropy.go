package security

import "math"

// CalculateShannonEntropy measures the randomness of content in bits per
// character. Source code and prose sit around 4 to 5; packed or encrypted
// blobs climb toward 6 and above.
func CalculateShannonEntropy(data string) float64 {
	if len(data) == 0 {
		return 0
	}

	counts := make(map[rune]int)
	total := 0
	for _, r := range data {
		counts[r]++
		total++
	}

	var entropy float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}
