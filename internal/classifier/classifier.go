// Package classifier implements protein disorder prediction by threshold
// voting over seven biophysical features. The feature scales and decision
// thresholds were fitted offline against PDB (folded) and DisProt
// (disordered) reference sets; classification itself is a pure function of
// the input sequence with no I/O or shared state.
package classifier

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/protein-classifier/protein-classifier/internal/apperrors"
)

// Kyte-Doolittle hydrophobicity scale.
var kdHydrophobicity = map[byte]float64{
	'A': 1.8, 'R': -4.5, 'N': -3.5, 'D': -3.5, 'C': 2.5,
	'Q': -3.5, 'E': -3.5, 'G': -0.4, 'H': -3.2, 'I': 4.5,
	'L': 3.8, 'K': -3.9, 'M': 1.9, 'F': 2.8, 'P': -1.6,
	'S': -0.8, 'T': -0.7, 'W': -0.9, 'Y': -1.3, 'V': 4.2,
}

// Side-chain hydrogen bond donor counts.
var hDonors = map[byte]float64{
	'A': 0, 'R': 2, 'N': 2, 'D': 0, 'C': 0,
	'Q': 2, 'E': 0, 'G': 0, 'H': 1, 'I': 0,
	'L': 0, 'K': 1, 'M': 0, 'F': 0, 'P': 0,
	'S': 1, 'T': 1, 'W': 1, 'Y': 1, 'V': 0,
}

// Side-chain hydrogen bond acceptor counts.
var hAcceptors = map[byte]float64{
	'A': 0, 'R': 0, 'N': 2, 'D': 2, 'C': 1,
	'Q': 2, 'E': 2, 'G': 0, 'H': 1, 'I': 0,
	'L': 0, 'K': 0, 'M': 0, 'F': 0, 'P': 0,
	'S': 1, 'T': 1, 'W': 0, 'Y': 1, 'V': 0,
}

// Vihinen B-factor derived flexibility scale.
var flexibility = map[byte]float64{
	'A': 0.357, 'R': 0.529, 'N': 0.463, 'D': 0.511, 'C': 0.346,
	'Q': 0.493, 'E': 0.497, 'G': 0.544, 'H': 0.323, 'I': 0.462,
	'L': 0.365, 'K': 0.466, 'M': 0.295, 'F': 0.314, 'P': 0.509,
	'S': 0.507, 'T': 0.444, 'W': 0.305, 'Y': 0.420, 'V': 0.386,
}

// maxFlexibility normalizes the flexibility scale; glycine is the most
// flexible residue.
const maxFlexibility = 0.544

// CanonicalResidues are the twenty standard amino acid letters accepted in
// input sequences.
const CanonicalResidues = "ACDEFGHIKLMNPQRSTVWY"

// DefaultVoteThreshold is how many of the seven feature votes must favor
// "structured" for that label to win.
const DefaultVoteThreshold = 4

const numFeatures = 7

// bulkyHydrophobics are the residues counted by the freq_bulky_hydrophobics
// feature.
const bulkyHydrophobics = "WCFYIVL"

// Classification labels.
const (
	LabelStructured = "structured"
	LabelDisordered = "disordered"
)

// Features holds the seven per-sequence biophysical features.
type Features struct {
	HydroNormAvg          float64 `json:"hydro_norm_avg"`
	FlexNormAvg           float64 `json:"flex_norm_avg"`
	HBondPotentialAvg     float64 `json:"h_bond_potential_avg"`
	AbsNetChargeProp      float64 `json:"abs_net_charge_prop"`
	ShannonEntropy        float64 `json:"shannon_entropy"`
	FreqProline           float64 `json:"freq_proline"`
	FreqBulkyHydrophobics float64 `json:"freq_bulky_hydrophobics"`
}

// Thresholds are the per-feature decision boundaries: midpoints between the
// folded and disordered reference-set means.
type Thresholds struct {
	HydroNormAvg          float64
	FlexNormAvg           float64
	HBondPotentialAvg     float64
	AbsNetChargeProp      float64
	ShannonEntropy        float64
	FreqProline           float64
	FreqBulkyHydrophobics float64
}

// DefaultThresholds returns the validated decision boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HydroNormAvg:          0.507,
		FlexNormAvg:           0.821,
		HBondPotentialAvg:     1.476,
		AbsNetChargeProp:      0.082,
		ShannonEntropy:        2.932,
		FreqProline:           0.063,
		FreqBulkyHydrophobics: 0.347,
	}
}

// Result is the outcome of classifying one sequence.
type Result struct {
	Label         string   `json:"classification"`
	Confidence    float64  `json:"confidence"`
	ConditionsMet int      `json:"conditions_met"`
	Threshold     int      `json:"threshold"`
	Features      Features `json:"features"`
}

// Classifier scores sequences against a fixed vote threshold.
type Classifier struct {
	voteThreshold int
	thresholds    Thresholds
}

// New returns a classifier with the given vote threshold. A threshold
// outside [1, 7] falls back to the default.
func New(voteThreshold int) *Classifier {
	if voteThreshold < 1 || voteThreshold > numFeatures {
		voteThreshold = DefaultVoteThreshold
	}
	return &Classifier{voteThreshold: voteThreshold, thresholds: DefaultThresholds()}
}

// ValidateSequence checks that a sequence contains only canonical residues
// (case-insensitive, whitespace ignored) and at least one of them. Failures
// wrap apperrors.ErrValidation; the message names the offending characters.
func ValidateSequence(sequence string) error {
	invalid := map[rune]struct{}{}
	valid := 0
	for _, r := range strings.ToUpper(sequence) {
		switch {
		case strings.ContainsRune(CanonicalResidues, r):
			valid++
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
		default:
			invalid[r] = struct{}{}
		}
	}
	if len(invalid) > 0 {
		chars := make([]string, 0, len(invalid))
		for r := range invalid {
			chars = append(chars, string(r))
		}
		sort.Strings(chars)
		return fmt.Errorf("%w: invalid amino acid characters: %s", apperrors.ErrValidation, strings.Join(chars, ", "))
	}
	if valid == 0 {
		return fmt.Errorf("%w: sequence contains no valid amino acids", apperrors.ErrValidation)
	}
	return nil
}

// sanitize uppercases the sequence and strips everything that is not a
// canonical residue.
func sanitize(sequence string) string {
	var b strings.Builder
	b.Grow(len(sequence))
	for _, r := range strings.ToUpper(sequence) {
		if strings.ContainsRune(CanonicalResidues, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// composition returns per-residue frequencies and the valid length.
func composition(sequence string) (map[byte]float64, int) {
	counts := map[byte]float64{}
	for i := 0; i < len(sequence); i++ {
		counts[sequence[i]]++
	}
	n := len(sequence)
	if n == 0 {
		return counts, 0
	}
	for residue := range counts {
		counts[residue] /= float64(n)
	}
	return counts, n
}

// shannonEntropy computes compositional entropy in bits.
func shannonEntropy(comp map[byte]float64) float64 {
	entropy := 0.0
	for _, freq := range comp {
		if freq > 0 {
			entropy -= freq * math.Log2(freq)
		}
	}
	return entropy
}

// ComputeFeatures calculates the seven features for an already-sanitized
// sequence. A sequence with no canonical residues yields all zeros.
func ComputeFeatures(sequence string) Features {
	comp, n := composition(sequence)
	if n == 0 {
		return Features{}
	}

	var hydroSum, flexSum, hBondSum float64
	for i := 0; i < len(sequence); i++ {
		residue := sequence[i]
		hydroSum += (kdHydrophobicity[residue] + 4.5) / 9.0
		flexSum += flexibility[residue] / maxFlexibility
		hBondSum += hDonors[residue] + hAcceptors[residue]
	}

	netCharge := (comp['R'] + comp['K']) - (comp['D'] + comp['E'])

	freqBulky := 0.0
	for i := 0; i < len(bulkyHydrophobics); i++ {
		freqBulky += comp[bulkyHydrophobics[i]]
	}

	return Features{
		HydroNormAvg:          hydroSum / float64(n),
		FlexNormAvg:           flexSum / float64(n),
		HBondPotentialAvg:     hBondSum / float64(n),
		AbsNetChargeProp:      math.Abs(netCharge),
		ShannonEntropy:        shannonEntropy(comp),
		FreqProline:           comp['P'],
		FreqBulkyHydrophobics: freqBulky,
	}
}

// countVotes counts how many features favor the structured label. Folded
// proteins tend toward higher hydrophobicity, lower flexibility, lower
// hydrogen bonding potential, lower net charge, higher compositional
// entropy, fewer prolines, and more bulky hydrophobic residues.
func countVotes(f Features, t Thresholds) int {
	votes := 0
	if f.HydroNormAvg >= t.HydroNormAvg {
		votes++
	}
	if f.FlexNormAvg <= t.FlexNormAvg {
		votes++
	}
	if f.HBondPotentialAvg <= t.HBondPotentialAvg {
		votes++
	}
	if f.AbsNetChargeProp <= t.AbsNetChargeProp {
		votes++
	}
	if f.ShannonEntropy >= t.ShannonEntropy {
		votes++
	}
	if f.FreqProline <= t.FreqProline {
		votes++
	}
	if f.FreqBulkyHydrophobics >= t.FreqBulkyHydrophobics {
		votes++
	}
	return votes
}

// Classify scores one sequence. The caller is expected to have validated the
// sequence; non-canonical characters are silently dropped here.
func (c *Classifier) Classify(sequence string) (Result, error) {
	clean := sanitize(sequence)
	if clean == "" {
		return Result{}, fmt.Errorf("%w: no valid amino acids in sequence", apperrors.ErrValidation)
	}

	features := ComputeFeatures(clean)
	votes := countVotes(features, c.thresholds)

	structured := votes >= c.voteThreshold
	label := LabelDisordered
	if structured {
		label = LabelStructured
	}

	// Confidence grows with distance from the decision boundary: 0.5 at
	// the threshold, 1.0 at a unanimous vote either way.
	var confidence float64
	if structured {
		confidence = 1.0
		if c.voteThreshold < numFeatures {
			confidence = 0.5 + 0.5*float64(votes-c.voteThreshold)/float64(numFeatures-c.voteThreshold)
		}
	} else {
		confidence = 1.0
		if c.voteThreshold > 0 {
			confidence = 0.5 + 0.5*float64(c.voteThreshold-1-votes)/float64(c.voteThreshold)
		}
	}
	confidence = math.Max(0.5, math.Min(1.0, confidence))

	return Result{
		Label:         label,
		Confidence:    math.Round(confidence*100) / 100,
		ConditionsMet: votes,
		Threshold:     c.voteThreshold,
		Features:      features,
	}, nil
}
