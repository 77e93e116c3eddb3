package exposure

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Metadata holds parsed FITS header key-value pairs.
type Metadata struct {
	Headers map[string]string
}

// NewMetadata creates an empty Metadata.
func NewMetadata() *Metadata {
	return &Metadata{Headers: make(map[string]string)}
}

func (m *Metadata) GetString(key string) string {
	if v, ok := m.Headers[strings.ToUpper(key)]; ok {
		return v
	}
	return ""
}

func (m *Metadata) GetDouble(key string) (float64, bool) {
	v, ok := m.Headers[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

func (m *Metadata) GetInt(key string) (int, bool) {
	v, ok := m.Headers[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return i, true
}

func (m *Metadata) ObjectName() string { return m.GetString("OBJECT") }
func (m *Metadata) Filter() string     { return m.GetString("FILTER") }

func (m *Metadata) ExposureTime() (float64, bool) {
	if v, ok := m.GetDouble("EXPTIME"); ok {
		return v, true
	}
	return m.GetDouble("EXPOSURE")
}

// Gain is the detector gain in electrons per ADU.
func (m *Metadata) Gain() (float64, bool) {
	if v, ok := m.GetDouble("GAIN"); ok && v > 0 {
		return v, true
	}
	if v, ok := m.GetDouble("EGAIN"); ok && v > 0 {
		return v, true
	}
	return 0, false
}

// ReadFITS reads the primary HDU of a FITS file as a float32 Mat in
// physical units (BSCALE and BZERO applied).
func ReadFITS(filePath string) (Mat, *Metadata, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return Mat{}, nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()
	return readFITS(f)
}

// ReadFITSFromBytes reads a FITS image from a byte slice.
func ReadFITSFromBytes(data []byte) (Mat, *Metadata, error) {
	return readFITS(bytes.NewReader(data))
}

func readFITS(r io.Reader) (Mat, *Metadata, error) {
	var bitpix, naxis, width, height int
	bzero := 0.0
	bscale := 1.0
	headerDone := false
	metadata := NewMetadata()

	recordBuf := make([]byte, 80)

	for !headerDone {
		for i := 0; i < 36; i++ {
			if _, err := io.ReadFull(r, recordBuf); err != nil {
				return Mat{}, nil, fmt.Errorf("reading FITS header record: %w", err)
			}
			record := string(recordBuf)
			keyword := strings.TrimSpace(record[:8])

			if keyword == "END" {
				headerDone = true
				if remaining := 35 - i; remaining > 0 {
					if _, err := io.ReadFull(r, make([]byte, remaining*80)); err != nil {
						return Mat{}, nil, fmt.Errorf("reading FITS header padding: %w", err)
					}
				}
				break
			}

			if record[8] == '=' && record[9] == ' ' {
				rawValue := strings.TrimSpace(strings.SplitN(record[10:], "/", 2)[0])
				if parsed := parseFitsValue(rawValue); keyword != "" && parsed != "" {
					metadata.Headers[strings.ToUpper(keyword)] = parsed
				}

				switch keyword {
				case "BITPIX":
					bitpix, _ = strconv.Atoi(rawValue)
				case "NAXIS":
					naxis, _ = strconv.Atoi(rawValue)
				case "NAXIS1":
					width, _ = strconv.Atoi(rawValue)
				case "NAXIS2":
					height, _ = strconv.Atoi(rawValue)
				case "BZERO":
					bzero, _ = strconv.ParseFloat(rawValue, 64)
				case "BSCALE":
					bscale, _ = strconv.ParseFloat(rawValue, 64)
				}
			}
		}
	}

	if naxis < 2 || width <= 0 || height <= 0 {
		return Mat{}, nil, fmt.Errorf("invalid FITS: NAXIS=%d, NAXIS1=%d, NAXIS2=%d", naxis, width, height)
	}

	var bytesPerPixel int
	var decode func([]byte) float64
	switch bitpix {
	case 8:
		bytesPerPixel = 1
		decode = func(b []byte) float64 { return float64(b[0]) }
	case 16:
		bytesPerPixel = 2
		decode = func(b []byte) float64 { return float64(int16(binary.BigEndian.Uint16(b))) }
	case 32:
		bytesPerPixel = 4
		decode = func(b []byte) float64 { return float64(int32(binary.BigEndian.Uint32(b))) }
	case -32:
		bytesPerPixel = 4
		decode = func(b []byte) float64 { return float64(math.Float32frombits(binary.BigEndian.Uint32(b))) }
	case -64:
		bytesPerPixel = 8
		decode = func(b []byte) float64 { return math.Float64frombits(binary.BigEndian.Uint64(b)) }
	default:
		return Mat{}, nil, fmt.Errorf("unsupported BITPIX: %d", bitpix)
	}

	numPixels := width * height
	rawBytes := make([]byte, numPixels*bytesPerPixel)
	if _, err := io.ReadFull(r, rawBytes); err != nil {
		return Mat{}, nil, fmt.Errorf("reading BITPIX %d pixel data: %w", bitpix, err)
	}

	img := NewMatWithSize(height, width)
	data := img.DataFloat32()
	for i := 0; i < numPixels; i++ {
		data[i] = float32(decode(rawBytes[i*bytesPerPixel:])*bscale + bzero)
	}
	return img, metadata, nil
}

func parseFitsValue(rawValue string) string {
	if rawValue == "" {
		return ""
	}
	if rawValue == "T" {
		return "True"
	}
	if rawValue == "F" {
		return "False"
	}
	if strings.HasPrefix(rawValue, "'") {
		endQuote := strings.LastIndex(rawValue, "'")
		if endQuote > 0 {
			return strings.TrimRight(rawValue[1:endQuote], " ")
		}
		return strings.TrimLeft(strings.TrimRight(rawValue, " "), "'")
	}
	return rawValue
}
