package kernel

// CacheParams names the three-level cache blocking factors
// MatMulQuantBatch's loop nest tiles by: Nc bounds the weight-row panel
// that stays resident in L3, Kc the reduction-dimension panel dequantized
// into a packed scratch buffer, Mc the activation-row block reusing that
// panel, and Mr x Nr the microkernel's accumulator tile.
type CacheParams struct {
	Mr int // microkernel rows held in the accumulator
	Nr int // microkernel columns held in the accumulator
	Kc int // reduction-dimension panel size (fits L1)
	Mc int // activation-row block size (fits L2)
	Nc int // weight-row panel size (fits L3)
}

// CacheParamsFor returns the blocking factors MatMulQuantBatch runs with
// at the given tier. Reference shape is MR=6, NR=16; narrower tiers use
// smaller register tiles since they accumulate fewer lanes per cycle.
// Mr/Nr never exceed maxMr/maxNr, the microkernel's accumulator bounds.
func CacheParamsFor(t Tier) CacheParams {
	switch t {
	case TierAVX2FMA:
		return CacheParams{Mr: 6, Nr: 16, Kc: 256, Mc: 96, Nc: 4096}
	case TierPortable:
		return CacheParams{Mr: 4, Nr: 8, Kc: 256, Mc: 64, Nc: 2048}
	default:
		return CacheParams{Mr: 1, Nr: 1, Kc: 256, Mc: 32, Nc: 1024}
	}
}

// PackedPanelSize returns the element count of one packed Kc x Nr weight
// panel, the scratch buffer each batch-matmul worker carries.
func (c CacheParams) PackedPanelSize() int { return c.Kc * c.Nr }
