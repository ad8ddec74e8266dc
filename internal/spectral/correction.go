package spectral

// channelTolerance absorbs float noise when matching a query range to a
// harmonized channel window.
const channelTolerance = 1e-4

// HarmonizedChannel is a lipid m/z window whose per-pixel value was
// precomputed by the cross-slice harmonization. Values holds one value per pixel.
type HarmonizedChannel struct {
	MinMZ  float64
	MaxMZ  float64
	AvgMZ  float64
	Values []float32
}

// Correction carries the externally computed cross-slice normalization of a slice.
type Correction struct {
	// Factors is a per-pixel multiplier; 0 means no correction for that pixel.
	Factors  []float32
	Channels []HarmonizedChannel
}

// Channel returns the harmonized channel whose window contains [low, high],
// or nil when the range is not a harmonized channel.
func (c *Correction) Channel(low, high float64) *HarmonizedChannel {
	if c == nil {
		return nil
	}
	for i := range c.Channels {
		ch := &c.Channels[i]
		if low+channelTolerance >= ch.MinMZ && high-channelTolerance <= ch.MaxMZ {
			return ch
		}
	}
	return nil
}

// factor returns the multiplier of pixel p.
func (c *Correction) factor(p int) float64 {
	if c == nil || p >= len(c.Factors) {
		return 1
	}
	f := c.Factors[p]
	if f == 0 {
		return 1
	}
	return float64(f)
}
