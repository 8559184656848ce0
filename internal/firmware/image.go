package firmware

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/sigurn/crc16"
)

// Latest selects the highest versioned image in the image directory.
const Latest = "latest"

var (
	// ErrNoImages is returned when "latest" finds no versioned image.
	ErrNoImages = errors.New("firmware: no versioned images found")

	versionRe     = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)
	fullVersionRe = regexp.MustCompile(`^v?\d+\.\d+\.\d+$`)

	crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)
)

// Version is a MAJOR.MINOR.PATCH firmware version.
type Version struct {
	Major, Minor, Patch int
}

// ParseVersion finds the first MAJOR.MINOR.PATCH in s.
func ParseVersion(s string) (Version, error) {
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("firmware: no version in %q", s)
	}
	var v Version
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	v.Patch, _ = strconv.Atoi(m[3])
	return v, nil
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	default:
		return cmpInt(v.Patch, o.Patch)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Image is a resolved firmware target. Path is empty when a version was
// requested but no matching file exists; such a target can still be checked
// but not flashed.
type Image struct {
	Version string `json:"version"`
	Path    string `json:"path,omitempty"`
	Size    int64  `json:"size,omitempty"`
	CRC     uint16 `json:"crc,omitempty"`
}

// Resolve turns a target into an Image. target is "latest", a version such
// as "3.1.0", or a path to an image file whose name carries its version.
func Resolve(dir, target string) (Image, error) {
	target = strings.TrimSpace(target)
	switch {
	case target == "" || strings.EqualFold(target, Latest):
		return resolveLatest(dir)
	case fullVersionRe.MatchString(target):
		v, _ := ParseVersion(target)
		img := Image{Version: v.String()}
		if path, ok := findVersion(dir, v); ok {
			img.Path = path
			if err := img.load(); err != nil {
				return Image{}, err
			}
		}
		return img, nil
	default:
		v, err := ParseVersion(filepath.Base(target))
		if err != nil {
			return Image{}, err
		}
		img := Image{Version: v.String(), Path: target}
		if err := img.load(); err != nil {
			return Image{}, err
		}
		return img, nil
	}
}

// load fills Size and CRC from the file at Path.
func (img *Image) load() error {
	data, err := os.ReadFile(img.Path)
	if err != nil {
		return fmt.Errorf("firmware: read image: %w", err)
	}
	img.Size = int64(len(data))
	img.CRC = crc16.Checksum(data, crcTable)
	return nil
}

type candidate struct {
	path    string
	version Version
}

func scan(dir string) ([]candidate, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("firmware: scan %s: %w", dir, err)
	}
	var out []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		v, err := ParseVersion(e.Name())
		if err != nil {
			continue
		}
		out = append(out, candidate{path: filepath.Join(dir, e.Name()), version: v})
	}
	return out, nil
}

func resolveLatest(dir string) (Image, error) {
	cands, err := scan(dir)
	if err != nil {
		return Image{}, err
	}
	if len(cands) == 0 {
		return Image{}, ErrNoImages
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.version.Compare(best.version) > 0 {
			best = c
		}
	}
	img := Image{Version: best.version.String(), Path: best.path}
	if err := img.load(); err != nil {
		return Image{}, err
	}
	return img, nil
}

func findVersion(dir string, v Version) (string, bool) {
	cands, err := scan(dir)
	if err != nil {
		return "", false
	}
	for _, c := range cands {
		if c.version == v {
			return c.path, true
		}
	}
	return "", false
}
