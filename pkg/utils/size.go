package utils

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Binary size constants.
const (
	Byte     int64 = 1
	KiloByte       = 1024 * Byte
	MegaByte       = 1024 * KiloByte
	GigaByte       = 1024 * MegaByte
	TeraByte       = 1024 * GigaByte
)

// Decimal units are 1000-based; single letters and IEC names are 1024-based.
var unitMultipliers = map[string]int64{
	"B": 1, "BYTE": 1, "BYTES": 1,
	"KB": 1e3, "MB": 1e6, "GB": 1e9, "TB": 1e12,
	"K": KiloByte, "KIB": KiloByte,
	"M": MegaByte, "MIB": MegaByte,
	"G": GigaByte, "GIB": GigaByte,
	"T": TeraByte, "TIB": TeraByte,
}

var sizePattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([A-Za-z]+)$`)

// ParseDataSize turns strings like "512MB", "1.5GiB" or "4096" into bytes.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative size: %s", s)
		}
		return n, nil
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size format: %s (expected something like '10GB' or '512MiB')", s)
	}
	multiplier, ok := unitMultipliers[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s", m[2])
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", m[1])
	}
	bytes := value * float64(multiplier)
	if bytes > math.MaxInt64 {
		return 0, fmt.Errorf("size overflows: %s", s)
	}
	return int64(bytes), nil
}

// FormatDataSize renders bytes with binary units, e.g. "1.5 GiB".
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	if bytes < KiloByte {
		return fmt.Sprintf("%d B", bytes)
	}
	units := []string{"KiB", "MiB", "GiB", "TiB"}
	value := float64(bytes) / float64(KiloByte)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	text := strconv.FormatFloat(value, 'f', 2, 64)
	text = strings.TrimRight(strings.TrimRight(text, "0"), ".")
	return text + " " + units[i]
}

// DataSize is a byte count that config files may write as a number or as a
// human-friendly string.
type DataSize int64

func (d DataSize) Bytes() int64 { return int64(d) }

func (d DataSize) String() string { return FormatDataSize(int64(d)) }

func (d *DataSize) set(v any) error {
	switch x := v.(type) {
	case nil:
		*d = 0
	case string:
		n, err := ParseDataSize(x)
		if err != nil {
			return err
		}
		*d = DataSize(n)
	case float64:
		if x < 0 {
			return fmt.Errorf("negative size: %v", x)
		}
		*d = DataSize(x)
	case int:
		if x < 0 {
			return fmt.Errorf("negative size: %d", x)
		}
		*d = DataSize(x)
	default:
		return fmt.Errorf("size must be a number or string, got %T", v)
	}
	return nil
}

func (d *DataSize) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *DataSize) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d DataSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(d))
}
