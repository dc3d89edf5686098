// Slicer detection and field parsing.
//
// The source this behavior is grounded on used a class hierarchy
// (PrusaSlicer, subclassed by Slic3rPE, subclassed by Slic3r, and so on)
// with identity and parser methods resolved by Python's MRO. Go has no
// such mechanism, so this file re-architects the same behavior as a
// flat table of descriptors, each a name, an identify function, and a
// map of per-field parse functions, registered once at init and walked
// in priority order. "Inheritance" becomes derive building one
// descriptor's parser map by copying a base map and overriding entries,
// which is the same effect the Python subclasses had when they only
// overrode a handful of parse_* methods.
package metadata

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const readWindow = 512 * 1024

// Thumbnail describes one embedded or sidecar preview image.
type Thumbnail struct {
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Size         int    `json:"size"`
	Data         string `json:"data,omitempty"`
	RelativePath string `json:"relative_path"`
}

// parseContext carries everything a parse function needs: the windows
// of gcode actually read from disk, plus layerHeight, which
// parse_first_layer_height needs after parse_layer_height has already
// run for slicers that express the first layer as a percentage.
type parseContext struct {
	path        string
	header      string
	footer      string
	size        int64
	layerHeight *float64
}

type parseFunc func(pc *parseContext) (any, bool)

// SlicerDescriptor is one entry in the slicer table: a name, a way to
// recognize the slicer from the header text, and a field name to parser
// function map covering whichever of the supported fields that slicer
// exposes.
type SlicerDescriptor struct {
	Name     string
	Identify func(header string) (version string, ok bool)
	Parsers  map[string]parseFunc
}

// supportedFields is iterated in this fixed order so output field
// ordering is stable across slicers, matching the source's SUPPORTED_DATA.
var supportedFields = []string{
	"layer_height", "first_layer_height", "object_height",
	"filament_total", "estimated_time", "thumbnails",
	"first_layer_bed_temp", "first_layer_extr_temp",
}

// slicerTable is walked in order; the first Identify match wins. The
// relative order here only matters where two patterns could otherwise
// both match the same header, which happens for the PrusaSlicer family
// (Slic3r PE and Slic3r both contain "Slic3r" as a substring of their
// own identifying banner but never of PrusaSlicer's).
var slicerTable []SlicerDescriptor

func init() {
	prusa := map[string]parseFunc{
		"layer_height":          prusaLayerHeight,
		"first_layer_height":    prusaFirstLayerHeight,
		"object_height":         prusaObjectHeight,
		"filament_total":        regexFirstParser(`filament\sused\s\[mm\]\s=\s(\d+\.\d*)`, false),
		"estimated_time":        prusaEstimatedTime,
		"thumbnails":            prusaThumbnails,
		"first_layer_bed_temp":  regexFirstParser(`;\sfirst_layer_bed_temperature\s=\s(\d+\.?\d*)`, false),
		"first_layer_extr_temp": regexFirstParser(`;\sfirst_layer_temperature\s=\s(\d+\.?\d*)`, false),
	}

	slic3rPE := derive(prusa, map[string]parseFunc{
		"filament_total": regexFirstParser(`filament\sused\s=\s(\d+\.\d+)mm`, false),
		"thumbnails":     nil,
	})

	slic3r := derive(slic3rPE, map[string]parseFunc{
		"estimated_time": nil,
	})

	superSlicer := derive(prusa, nil)

	cura := derive(prusa, map[string]parseFunc{
		"first_layer_height":    regexFirstParser(`;MINZ:(\d+\.?\d*)`, true),
		"layer_height":          curaLayerHeight,
		"object_height":         regexFirstParser(`;MAXZ:(\d+\.?\d*)`, true),
		"filament_total":        curaFilamentTotal,
		"estimated_time":        maxFloatParser(`;TIME:.*`, false),
		"first_layer_bed_temp":  regexFirstParser(`M190 S(\d+\.?\d*)`, true),
		"first_layer_extr_temp": regexFirstParser(`M109 S(\d+\.?\d*)`, true),
		"thumbnails":            curaThumbnails,
	})

	slicerTable = []SlicerDescriptor{
		{Name: "PrusaSlicer", Identify: identifyRegex(`PrusaSlicer\s(.*)\son`), Parsers: prusa},
		{Name: "Slic3r PE", Identify: identifyRegex(`Slic3r\sPrusa\sEdition\s(.*)\son`), Parsers: slic3rPE},
		{Name: "Slic3r", Identify: identifyRegex(`Slic3r\s(\d.*)\son`), Parsers: slic3r},
		{Name: "SuperSlicer", Identify: identifyRegex(`SuperSlicer\s(.*)\son`), Parsers: superSlicer},
		{Name: "Cura", Identify: identifyRegex(`Cura_SteamEngine\s(.*)`), Parsers: cura},
		{Name: "Simplify3D", Identify: identifyRegex(`Simplify3D\(R\)\sVersion\s(.*)`), Parsers: simplify3DParsers()},
		{Name: "KISSlicer", Identify: identifyKISSlicer, Parsers: kisslicerParsers()},
		{Name: "IdeaMaker", Identify: identifyRegex(`\sideaMaker\s(.*),`), Parsers: ideaMakerParsers()},
		{Name: "IceSL", Identify: identifyIceSL, Parsers: iceSLParsers()},
	}
}

// derive copies base and applies overrides on top of it, used the same
// way a Go struct embedding a base type and overriding a few methods
// would be, but for a table of closures instead of methods. A nil
// override value removes that field from the result rather than
// setting a nil parser, mirroring a subclass that explicitly returns
// None for a field its parent used to populate.
func derive(base map[string]parseFunc, overrides map[string]parseFunc) map[string]parseFunc {
	out := make(map[string]parseFunc, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func identifyRegex(pattern string) func(string) (string, bool) {
	re := regexp.MustCompile(pattern)
	return func(header string) (string, bool) {
		m := re.FindStringSubmatch(header)
		if m == nil {
			return "", false
		}
		if len(m) > 1 {
			return strings.TrimSpace(m[1]), true
		}
		return "", true
	}
}

func identifyKISSlicer(header string) (string, bool) {
	if !regexp.MustCompile(`;\sKISSlicer`).MatchString(header) {
		return "", false
	}
	if m := regexp.MustCompile(`;\sversion\s(.*)`).FindStringSubmatch(header); m != nil {
		return strings.ReplaceAll(strings.TrimSpace(m[1]), " ", "-"), true
	}
	return "", true
}

func identifyIceSL(header string) (string, bool) {
	if regexp.MustCompile(`; <IceSL.*>`).MatchString(header) {
		return "", true
	}
	return "", false
}

// regexFindFloats mirrors _regex_find_floats: it finds every match of
// pattern and then re-extracts every float embedded across all of them
// joined by spaces, rather than assuming one float per match.
func regexFindFloats(pattern, data string, strict bool) []float64 {
	matches := regexp.MustCompile(pattern).FindAllString(data, -1)
	if matches == nil {
		return nil
	}
	fp := `\d+\.?\d*`
	if strict {
		fp = `\d+\.\d*`
	}
	nums := regexp.MustCompile(fp).FindAllString(strings.Join(matches, " "), -1)
	out := make([]float64, 0, len(nums))
	for _, n := range nums {
		v, err := strconv.ParseFloat(n, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func regexFindInts(pattern, data string) []int {
	matches := regexp.MustCompile(pattern).FindAllString(data, -1)
	if matches == nil {
		return nil
	}
	nums := regexp.MustCompile(`\d+`).FindAllString(strings.Join(matches, " "), -1)
	out := make([]int, 0, len(nums))
	for _, n := range nums {
		v, err := strconv.Atoi(n)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func regexFindFirst(pattern, data string) (float64, bool) {
	m := regexp.MustCompile(pattern).FindStringSubmatch(data)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func minFloat(vals []float64) (float64, bool) {
	if len(vals) == 0 {
		return 0, false
	}
	min := vals[0]
	for _, v := range vals[1:] {
		if v < min {
			min = v
		}
	}
	return min, true
}

func maxFloat(vals []float64) (float64, bool) {
	if len(vals) == 0 {
		return 0, false
	}
	max := vals[0]
	for _, v := range vals[1:] {
		if v > max {
			max = v
		}
	}
	return max, true
}

// regexFirstParser builds a parseFunc that runs regexFindFirst against
// either the header or the footer window, for the large share of fields
// that are a single capture group with no further logic.
func regexFirstParser(pattern string, useHeader bool) parseFunc {
	return func(pc *parseContext) (any, bool) {
		data := pc.footer
		if useHeader {
			data = pc.header
		}
		return regexFindFirst(pattern, data)
	}
}

func maxFloatParser(pattern string, strict bool) parseFunc {
	return func(pc *parseContext) (any, bool) {
		return maxFloat(regexFindFloats(pattern, pc.header, strict))
	}
}

// --- PrusaSlicer family ---

func prusaLayerHeight(pc *parseContext) (any, bool) {
	v, ok := regexFindFirst(`;\slayer_height\s=\s(\d+\.?\d*)`, pc.footer)
	if ok {
		pc.layerHeight = &v
	}
	return v, ok
}

func prusaFirstLayerHeight(pc *parseContext) (any, bool) {
	if pct, ok := regexFindFirst(`;\sfirst_layer_height\s=\s(\d+)%`, pc.footer); ok {
		if pc.layerHeight == nil {
			return nil, false
		}
		return math.Round(pct/100.0*(*pc.layerHeight)*1e6) / 1e6, true
	}
	return regexFindFirst(`;\sfirst_layer_height\s=\s(\d+\.?\d*)`, pc.footer)
}

func prusaObjectHeight(pc *parseContext) (any, bool) {
	matches := regexp.MustCompile(`;BEFORE_LAYER_CHANGE\n(?:.*\n)?;(\d+\.?\d*)`).FindAllStringSubmatch(pc.footer, -1)
	if len(matches) > 0 {
		var vals []float64
		for _, m := range matches {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				vals = append(vals, v)
			}
		}
		if v, ok := maxFloat(vals); ok {
			return v, true
		}
	}
	return maxFloat(regexFindFloats(`G1\sZ\d+\.\d*\sF`, pc.footer, false))
}

func prusaEstimatedTime(pc *parseContext) (any, bool) {
	m := regexp.MustCompile(`;\sestimated\sprinting\stime.*`).FindString(pc.footer)
	if m == "" {
		return nil, false
	}
	return secondsAsFloat(durationFromUnits(m, []unitPattern{
		{`(\d+)d`, 24 * 60 * 60}, {`(\d+)h`, 60 * 60}, {`(\d+)m`, 60}, {`(\d+)s`, 1},
	})), true
}

type unitPattern struct {
	pattern string
	seconds int
}

func durationFromUnits(text string, units []unitPattern) int {
	total := 0
	for _, u := range units {
		m := regexp.MustCompile(u.pattern).FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		total += n * u.seconds
	}
	return total
}

func secondsAsFloat(n int) float64 { return float64(n) }

func prusaThumbnails(pc *parseContext) (any, bool) {
	re := regexp.MustCompile(`(?s); thumbnail begin[;/\+=\w\s]+?; thumbnail end`)
	matches := re.FindAllString(pc.header, -1)
	if len(matches) == 0 {
		return nil, false
	}
	thumbDir := filepath.Join(filepath.Dir(pc.path), "thumbs")
	if err := os.MkdirAll(thumbDir, 0o755); err != nil {
		return nil, false
	}
	base := strings.TrimSuffix(filepath.Base(pc.path), filepath.Ext(pc.path))

	var out []Thumbnail
	for _, match := range matches {
		lines := regexp.MustCompile(`\r?\n`).Split(strings.ReplaceAll(match, "; ", ""), -1)
		if len(lines) < 2 {
			continue
		}
		info := regexFindInts(`.*`, lines[0])
		data := strings.Join(lines[1:len(lines)-1], "")
		if len(info) != 3 {
			continue
		}
		if len(data) != info[2] {
			continue
		}
		name := fmt.Sprintf("%s-%dx%d.png", base, info[0], info[1])
		if err := os.WriteFile(filepath.Join(thumbDir, name), mustDecodeBase64(data), 0o644); err != nil {
			continue
		}
		out = append(out, Thumbnail{
			Width: info[0], Height: info[1], Size: info[2],
			Data:         data,
			RelativePath: filepath.Join("thumbs", name),
		})
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func mustDecodeBase64(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// --- Cura ---

func curaLayerHeight(pc *parseContext) (any, bool) {
	v, ok := regexFindFirst(`;Layer\sheight:\s(\d+\.?\d*)`, pc.header)
	if ok {
		pc.layerHeight = &v
	}
	return v, ok
}

func curaFilamentTotal(pc *parseContext) (any, bool) {
	v, ok := regexFindFirst(`;Filament\sused:\s(\d+\.?\d*)m`, pc.header)
	if !ok {
		return nil, false
	}
	return v * 1000, true
}

// curaThumbnails falls back to a PNG dropped alongside the gcode file by
// the .ufp unzip step when the gcode itself carries no embedded
// thumbnail block, synthesizing a 32x32 preview the same way the
// source's PIL-based fallback did.
func curaThumbnails(pc *parseContext) (any, bool) {
	if thumbs, ok := prusaThumbnails(pc); ok {
		return thumbs, true
	}
	thumbDir := filepath.Join(filepath.Dir(pc.path), "thumbs")
	base := strings.TrimSuffix(filepath.Base(pc.path), filepath.Ext(pc.path))
	fullPath := filepath.Join(thumbDir, base+".png")

	raw, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, false
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, false
	}

	small := resizeNearest(img, 32, 32)
	var smallBuf bytes.Buffer
	if err := png.Encode(&smallBuf, small); err != nil {
		return nil, false
	}
	smallName := fmt.Sprintf("%s-32x32.png", base)
	if err := os.WriteFile(filepath.Join(thumbDir, smallName), smallBuf.Bytes(), 0o644); err != nil {
		return nil, false
	}

	bounds := img.Bounds()
	fullB64 := base64.StdEncoding.EncodeToString(raw)
	smallB64 := base64.StdEncoding.EncodeToString(smallBuf.Bytes())
	sb := small.Bounds()

	return []Thumbnail{
		{Width: sb.Dx(), Height: sb.Dy(), Size: len(smallB64), Data: smallB64, RelativePath: filepath.Join("thumbs", smallName)},
		{Width: bounds.Dx(), Height: bounds.Dy(), Size: len(fullB64), Data: fullB64, RelativePath: filepath.Join("thumbs", base+".png")},
	}, true
}

// resizeNearest is a plain nearest-neighbor downscale used only for the
// 32x32 panel preview; none of the pack's examples pull in an image
// resizing library, so this one path stays on the standard library.
func resizeNearest(src image.Image, maxW, maxH int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return src
	}
	scale := float64(maxW) / float64(w)
	if hs := float64(maxH) / float64(h); hs < scale {
		scale = hs
	}
	dw, dh := int(float64(w)*scale), int(float64(h)*scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	for y := 0; y < dh; y++ {
		sy := b.Min.Y + y*h/dh
		for x := 0; x < dw; x++ {
			sx := b.Min.X + x*w/dw
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}

// --- Simplify3D ---

func simplify3DParsers() map[string]parseFunc {
	return map[string]parseFunc{
		"first_layer_height": func(pc *parseContext) (any, bool) {
			return minFloat(regexFindFloats(`G1\sZ\d+\.\d*`, pc.header, false))
		},
		"layer_height": func(pc *parseContext) (any, bool) {
			v, ok := regexFindFirst(`;\s+layerHeight,(\d+\.?\d*)`, pc.header)
			if ok {
				pc.layerHeight = &v
			}
			return v, ok
		},
		"object_height": func(pc *parseContext) (any, bool) {
			return maxFloat(regexFindFloats(`G1\sZ\d+\.\d*`, pc.footer, false))
		},
		"filament_total":       regexFirstParser(`;\s+Filament\slength:\s(\d+\.?\d*)\smm`, false),
		"estimated_time":       simplify3DEstimatedTime,
		"first_layer_extr_temp": simplify3DTempParser("Extruder 1"),
		"first_layer_bed_temp":  simplify3DTempParser("Heated Bed"),
	}
}

func simplify3DEstimatedTime(pc *parseContext) (any, bool) {
	m := regexp.MustCompile(`;\s+Build\stime:.*`).FindString(pc.footer)
	if m == "" {
		return nil, false
	}
	return secondsAsFloat(durationFromUnits(m, []unitPattern{
		{`(\d+)\shours`, 60 * 60}, {`(\d+)\smin`, 60}, {`(\d+)\ssec`, 1},
	})), true
}

func simplify3DTempParser(heater string) parseFunc {
	return func(pc *parseContext) (any, bool) {
		heaters := simplify3DTempItems(pc.header, `temperatureName.*`)
		temps := simplify3DTempItems(pc.header, `temperatureSetpointTemperatures.*`)
		for i, h := range heaters {
			if h != heater || i >= len(temps) {
				continue
			}
			v, err := strconv.ParseFloat(temps[i], 64)
			if err != nil {
				return nil, false
			}
			return v, true
		}
		return nil, false
	}
}

func simplify3DTempItems(data, pattern string) []string {
	m := regexp.MustCompile(pattern).FindString(data)
	if m == "" {
		return nil
	}
	parts := strings.Split(m, ",")
	if len(parts) < 2 {
		return nil
	}
	return parts[1:]
}

// --- KISSlicer ---

func kisslicerParsers() map[string]parseFunc {
	return map[string]parseFunc{
		"first_layer_height": regexFirstParser(`;\s+first_layer_thickness_mm\s=\s(\d+\.?\d*)`, true),
		"layer_height": func(pc *parseContext) (any, bool) {
			v, ok := regexFindFirst(`;\s+max_layer_thickness_mm\s=\s(\d+\.?\d*)`, pc.header)
			if ok {
				pc.layerHeight = &v
			}
			return v, ok
		},
		"object_height": func(pc *parseContext) (any, bool) {
			return maxFloat(regexFindFloats(`;\sEND_LAYER_OBJECT\sz.*`, pc.footer, false))
		},
		"filament_total": func(pc *parseContext) (any, bool) {
			vals := regexFindFloats(`;\s+Ext\s.*mm`, pc.footer, true)
			if len(vals) == 0 {
				return nil, false
			}
			sum := 0.0
			for _, v := range vals {
				sum += v
			}
			return sum, true
		},
		"estimated_time": func(pc *parseContext) (any, bool) {
			v, ok := regexFindFirst(`;\sCalculated.*Build\sTime:\s(\d+\.?\d*)\sminutes`, pc.footer)
			if !ok {
				return nil, false
			}
			return math.Round(v*60*100) / 100, true
		},
		"first_layer_extr_temp": regexFirstParser(`;\sfirst_layer_C\s=\s(\d+\.?\d*)`, true),
		"first_layer_bed_temp":  regexFirstParser(`;\sbed_C\s=\s(\d+\.?\d*)`, true),
	}
}

// --- IdeaMaker ---

func ideaMakerParsers() map[string]parseFunc {
	return map[string]parseFunc{
		"first_layer_height": func(pc *parseContext) (any, bool) {
			vals := regexFindFloats(`;LAYER:0\s*.*\s*;HEIGHT.*`, pc.header, false)
			if len(vals) < 3 {
				return nil, false
			}
			return vals[2], true
		},
		"layer_height": func(pc *parseContext) (any, bool) {
			vals := regexFindFloats(`;LAYER:1\s*.*\s*;HEIGHT.*`, pc.header, false)
			if len(vals) < 3 {
				return nil, false
			}
			pc.layerHeight = &vals[2]
			return vals[2], true
		},
		"object_height": func(pc *parseContext) (any, bool) {
			vals := regexFindFloats(`;Bounding\sBox:.*`, pc.header, false)
			if len(vals) < 6 {
				return nil, false
			}
			return vals[5], true
		},
		"filament_total": func(pc *parseContext) (any, bool) {
			vals := regexFindFloats(`;Material.\d\sUsed:.*`, pc.footer, true)
			if len(vals) == 0 {
				return nil, false
			}
			sum := 0.0
			for _, v := range vals {
				sum += v
			}
			return sum, true
		},
		"estimated_time":        regexFirstParser(`;Print\sTime:\s(\d+\.?\d*)`, false),
		"first_layer_extr_temp": regexFirstParser(`M109 T0 S(\d+\.?\d*)`, true),
		"first_layer_bed_temp":  regexFirstParser(`M190 S(\d+\.?\d*)`, true),
	}
}

// --- IceSL ---

func iceSLParsers() map[string]parseFunc {
	return map[string]parseFunc{
		"first_layer_height": regexFirstParser(`; z_layer_height_first_layer_mm\s:\s+(\d+\.\d+)`, true),
		"layer_height": func(pc *parseContext) (any, bool) {
			v, ok := regexFindFirst(`; z_layer_height_mm\s:\s+(\d+\.\d+)`, pc.header)
			if ok {
				pc.layerHeight = &v
			}
			return v, ok
		},
		"object_height": func(pc *parseContext) (any, bool) {
			return maxFloat(regexFindFloats(`G0 F\d+ Z\d+\.\d+`, pc.footer, true))
		},
		"first_layer_extr_temp": regexFirstParser(`; extruder_temp_degree_c_0\s:\s+(\d+\.?\d*)`, true),
		"first_layer_bed_temp":  regexFirstParser(`; bed_temp_degree_c\s:\s+(\d+\.?\d*)`, true),
	}
}

// --- Unknown fallback ---

func unknownParsers() map[string]parseFunc {
	return map[string]parseFunc{
		"first_layer_height": func(pc *parseContext) (any, bool) {
			return minFloat(regexFindFloats(`G1\sZ\d+\.\d*`, pc.header, false))
		},
		"object_height": func(pc *parseContext) (any, bool) {
			return maxFloat(regexFindFloats(`G1\sZ\d+\.\d*`, pc.footer, false))
		},
		"first_layer_extr_temp": regexFirstParser(`M109 S(\d+\.?\d*)`, true),
		"first_layer_bed_temp":  regexFirstParser(`M190 S(\d+\.?\d*)`, true),
	}
}

// ParseGcodeFile identifies the slicer that produced path and extracts
// every field that slicer's descriptor knows how to parse, reading at
// most readWindow bytes from the head and tail of the file.
func ParseGcodeFile(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	header := make([]byte, min64(readWindow, size))
	if _, err := f.ReadAt(header, 0); err != nil && size > 0 {
		return nil, err
	}

	// The footer window is always the trailing readWindow bytes of the
	// file (or the whole file, for anything smaller), whether that
	// overlaps the header window already read or not.
	var footer []byte
	if size <= readWindow {
		footer = header
	} else {
		footer = make([]byte, readWindow)
		if _, err := f.ReadAt(footer, size-readWindow); err != nil {
			return nil, err
		}
	}

	pc := &parseContext{
		path:   path,
		header: string(header),
		footer: string(footer),
		size:   size,
	}

	result := map[string]any{
		"size":     size,
		"modified": float64(info.ModTime().UnixNano()) / 1e9,
	}

	descriptor, version, slicerName := identifySlicer(pc.header)
	result["slicer"] = slicerName
	if version != "" {
		result["slicer_version"] = version
	}

	parsers := unknownParsers()
	if descriptor != nil {
		parsers = descriptor.Parsers
	}

	for _, field := range supportedFields {
		parse, ok := parsers[field]
		if !ok {
			continue
		}
		if v, ok := parse(pc); ok {
			result[field] = v
		}
	}

	if start, ok := gcodeStartByte(pc.header); ok {
		result["gcode_start_byte"] = start
	}
	if end, ok := gcodeEndByte(pc.footer, size); ok {
		result["gcode_end_byte"] = end
	}

	return result, nil
}

func identifySlicer(header string) (*SlicerDescriptor, string, string) {
	for i := range slicerTable {
		d := &slicerTable[i]
		if version, ok := d.Identify(header); ok {
			return d, version, d.Name
		}
	}
	return nil, "", "Unknown"
}

func gcodeStartByte(header string) (int, bool) {
	loc := regexp.MustCompile(`\n[MG]\d+\s.*\n`).FindStringIndex(header)
	if loc == nil {
		return 0, false
	}
	return loc[0], true
}

func gcodeEndByte(footer string, size int64) (int64, bool) {
	reversed := reverseString(footer)
	loc := regexp.MustCompile(`\n.*\s\d+[MG]\n`).FindStringIndex(reversed)
	if loc == nil {
		return 0, false
	}
	return size - int64(loc[0]), true
}

func reverseString(s string) string {
	r := []byte(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func min64(a int, b int64) int64 {
	if int64(a) < b {
		return int64(a)
	}
	return b
}
