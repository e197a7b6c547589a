// Package fingerprint derives a stable pseudo-identity for a browser instance
// from the raw probe outputs its page submits (canvas render, WebGL renderer
// info, audio context parameters, font metrics, screen and hardware hints).
//
// Every probe is guarded: a failed or unsupported probe yields a sentinel
// sub-hash such as "webgl_not_supported" instead of an error. Sentinels are
// kept in the composite and surface later as the abnormal_fingerprint signal.
package fingerprint

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const delimiter = "|"

// Probe names, used in sentinels and ProbeError.
const (
	ProbeCanvas = "canvas"
	ProbeWebGL  = "webgl"
	ProbeAudio  = "audio"
	ProbeFonts  = "fonts"
)

// Failure kinds.
const (
	KindError        = "error"
	KindNotSupported = "not_supported"
)

// ProbeError describes why a sub-probe produced a sentinel.
type ProbeError struct {
	Probe  string
	Kind   string
	Detail string
}

func (e *ProbeError) Error() string {
	if e.Detail == "" {
		return e.Probe + ": " + e.Kind
	}
	return fmt.Sprintf("%s: %s: %s", e.Probe, e.Kind, e.Detail)
}

// Sentinel is the sub-hash value recorded in place of a real hash.
func (e *ProbeError) Sentinel() string {
	return e.Probe + "_" + e.Kind
}

// ProbeResult is the outcome of one sub-probe: a hash, or the error that
// replaced it.
type ProbeResult struct {
	Hash string
	Err  *ProbeError
}

// Value returns the hash, or the sentinel when the probe failed.
func (r ProbeResult) Value() string {
	if r.Err != nil {
		return r.Err.Sentinel()
	}
	return r.Hash
}

// CanvasProbe carries the serialized pixel buffer of the fixed canvas render.
type CanvasProbe struct {
	DataURL     string `json:"data_url"`
	Unsupported bool   `json:"unsupported"`
	Error       string `json:"error,omitempty"`
}

// WebGLProbe carries the unmasked vendor/renderer strings from the debug
// renderer-info extension.
type WebGLProbe struct {
	Vendor      string `json:"vendor"`
	Renderer    string `json:"renderer"`
	Unsupported bool   `json:"unsupported"`
	Error       string `json:"error,omitempty"`
}

// AudioProbe carries the fixed parameters of a muted oscillator graph. The
// waveform itself is deliberately not sampled.
type AudioProbe struct {
	SampleRate   float64 `json:"sample_rate"`
	FFTSize      int     `json:"fft_size"`
	ChannelCount int     `json:"channel_count"`
	Unsupported  bool    `json:"unsupported"`
	Error        string  `json:"error,omitempty"`
}

// Screen describes the visitor's display.
type Screen struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	ColorDepth int     `json:"color_depth"`
	PixelRatio float64 `json:"pixel_ratio"`
}

// Resolution renders the screen as WxH.
func (s Screen) Resolution() string {
	if s.Width == 0 && s.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Hardware carries concurrency and memory hints.
type Hardware struct {
	Concurrency    int     `json:"hardware_concurrency"`
	DeviceMemoryGB float64 `json:"device_memory"`
	Platform       string  `json:"platform"`
	MaxTouchPoints int     `json:"max_touch_points"`
}

// Probes is everything the page measured.
type Probes struct {
	Canvas   CanvasProbe `json:"canvas"`
	WebGL    WebGLProbe  `json:"webgl"`
	Audio    AudioProbe  `json:"audio"`
	Fonts    FontProbe   `json:"fonts"`
	Screen   Screen      `json:"screen"`
	Hardware Hardware    `json:"hardware"`
}

// Fingerprint is the derived identity plus its components.
type Fingerprint struct {
	Fingerprint string   `json:"fingerprint"`
	CanvasHash  string   `json:"canvas_hash"`
	WebGLHash   string   `json:"webgl_hash"`
	AudioHash   string   `json:"audio_hash"`
	FontsHash   string   `json:"fonts_hash"`
	Fonts       []string `json:"fonts"`
	Screen      Screen   `json:"screen"`
	Hardware    Hardware `json:"hardware"`

	Errors []*ProbeError `json:"-"`
}

// Abnormal reports whether any sub-probe fell back to a sentinel.
func (f Fingerprint) Abnormal() bool {
	return len(f.Errors) > 0 ||
		IsSentinel(f.CanvasHash) || IsSentinel(f.WebGLHash) ||
		IsSentinel(f.AudioHash) || IsSentinel(f.FontsHash)
}

// IsSentinel reports whether a stored sub-hash is a probe failure marker.
func IsSentinel(v string) bool {
	return strings.HasSuffix(v, "_"+KindError) || strings.HasSuffix(v, "_"+KindNotSupported)
}

// Hash is the fast non-cryptographic string hash used for every sub-hash and
// the composite: xxhash64 rendered as 16 lowercase hex characters.
func Hash(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

// Compute derives the fingerprint. It never fails.
func Compute(p Probes) Fingerprint {
	canvas := canvasHash(p.Canvas)
	webgl := webglHash(p.WebGL)
	audio := audioHash(p.Audio)
	fonts, detected := fontsHash(p.Fonts)

	fp := Fingerprint{
		CanvasHash: canvas.Value(),
		WebGLHash:  webgl.Value(),
		AudioHash:  audio.Value(),
		FontsHash:  fonts.Value(),
		Fonts:      detected,
		Screen:     p.Screen,
		Hardware:   p.Hardware,
	}
	for _, r := range []ProbeResult{canvas, webgl, audio, fonts} {
		if r.Err != nil {
			fp.Errors = append(fp.Errors, r.Err)
		}
	}

	parts := []string{
		fp.CanvasHash,
		fp.WebGLHash,
		fp.AudioHash,
		fp.FontsHash,
		fmt.Sprintf("%dx%dx%d", p.Screen.Width, p.Screen.Height, p.Screen.ColorDepth),
		strconv.Itoa(p.Hardware.Concurrency),
		strconv.FormatFloat(p.Hardware.DeviceMemoryGB, 'f', -1, 64),
		p.Hardware.Platform,
	}
	fp.Fingerprint = Hash(strings.Join(parts, delimiter))
	return fp
}

func canvasHash(c CanvasProbe) ProbeResult {
	switch {
	case c.Error != "":
		return ProbeResult{Err: &ProbeError{Probe: ProbeCanvas, Kind: KindError, Detail: c.Error}}
	case c.Unsupported:
		return ProbeResult{Err: &ProbeError{Probe: ProbeCanvas, Kind: KindNotSupported}}
	case c.DataURL == "":
		return ProbeResult{Err: &ProbeError{Probe: ProbeCanvas, Kind: KindError, Detail: "empty render"}}
	}
	return ProbeResult{Hash: Hash(c.DataURL)}
}

func webglHash(w WebGLProbe) ProbeResult {
	switch {
	case w.Error != "":
		return ProbeResult{Err: &ProbeError{Probe: ProbeWebGL, Kind: KindError, Detail: w.Error}}
	case w.Unsupported, w.Vendor == "" && w.Renderer == "":
		// Headless browsers commonly lack the debug renderer extension.
		return ProbeResult{Err: &ProbeError{Probe: ProbeWebGL, Kind: KindNotSupported}}
	}
	return ProbeResult{Hash: Hash(w.Vendor + "~" + w.Renderer)}
}

func audioHash(a AudioProbe) ProbeResult {
	switch {
	case a.Error != "":
		return ProbeResult{Err: &ProbeError{Probe: ProbeAudio, Kind: KindError, Detail: a.Error}}
	case a.Unsupported, a.SampleRate <= 0:
		return ProbeResult{Err: &ProbeError{Probe: ProbeAudio, Kind: KindNotSupported}}
	}
	return ProbeResult{Hash: Hash(fmt.Sprintf("%s_%d_%d",
		strconv.FormatFloat(a.SampleRate, 'f', -1, 64), a.FFTSize, a.ChannelCount))}
}
