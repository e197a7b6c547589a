package fingerprint

import (
	"math"
	"sort"
	"strings"
)

// BaselineFonts are the generic families every candidate is measured against.
var BaselineFonts = []string{"monospace", "sans-serif", "serif"}

// CandidateFonts is the list the page measures. Kept here so the page script
// and the server agree on it.
var CandidateFonts = []string{
	"Arial", "Arial Black", "Calibri", "Cambria", "Comic Sans MS", "Consolas",
	"Courier New", "Georgia", "Helvetica", "Impact", "Lucida Console",
	"Lucida Sans Unicode", "Microsoft Sans Serif", "Palatino Linotype",
	"Segoe UI", "Tahoma", "Times New Roman", "Trebuchet MS", "Verdana",
	"Noto Sans", "Roboto", "Ubuntu", "DejaVu Sans", "Liberation Sans",
	"Menlo", "Monaco", "San Francisco", "Helvetica Neue",
}

// widthEpsilon absorbs sub-pixel rounding between layout engines.
const widthEpsilon = 0.01

// FontProbe carries text widths: the fixed test string rendered in each
// generic baseline, and rendered as "<candidate>, <baseline>" for each
// candidate/baseline pair.
type FontProbe struct {
	Baselines  map[string]float64            `json:"baselines"`
	Candidates map[string]map[string]float64 `json:"candidates"`
	Error      string                        `json:"error,omitempty"`
}

// DetectFonts returns the sorted names of candidates whose width differs from
// at least one baseline. A candidate falling back to the baseline renders at
// the baseline's width, so any measurable delta implies it is installed.
func DetectFonts(p FontProbe) []string {
	var out []string
	for name, widths := range p.Candidates {
		for base, w := range widths {
			bw, ok := p.Baselines[base]
			if !ok {
				continue
			}
			if math.Abs(w-bw) > widthEpsilon {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func fontsHash(p FontProbe) (ProbeResult, []string) {
	if p.Error != "" {
		return ProbeResult{Err: &ProbeError{Probe: ProbeFonts, Kind: KindError, Detail: p.Error}}, nil
	}
	if len(p.Baselines) == 0 {
		return ProbeResult{Err: &ProbeError{Probe: ProbeFonts, Kind: KindError, Detail: "no baseline widths"}}, nil
	}
	detected := DetectFonts(p)
	return ProbeResult{Hash: Hash(strings.Join(detected, ","))}, detected
}
