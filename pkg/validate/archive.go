package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// stemField constrains department and type tokens after normalization:
// letters, digits, and hyphens only. The underscore is the stem separator
// and may not appear inside a field.
var stemField = regexp.MustCompile(`^[\p{L}\p{N}-]+$`)

// Descriptor is a parsed, normalized archival-name descriptor. Its stem
// routes the produced record into a retention class.
type Descriptor struct {
	Department string
	Type       string
	Date       string
	Sequence   int
	Version    int
}

// ParseDescriptor validates the structured archive metadata
// {dept, type, date, seq, v}. Text fields are NFC-normalized and upper-cased;
// the date must be a real ISO calendar date; seq and v must be positive
// integers.
func ParseDescriptor(meta map[string]interface{}) (*Descriptor, error) {
	dept, err := stemToken(meta, "dept")
	if err != nil {
		return nil, err
	}
	typ, err := stemToken(meta, "type")
	if err != nil {
		return nil, err
	}
	date, err := isoDate(meta, "date")
	if err != nil {
		return nil, err
	}
	seq, err := positiveInt(meta, "seq")
	if err != nil {
		return nil, err
	}
	ver, err := positiveInt(meta, "v")
	if err != nil {
		return nil, err
	}
	return &Descriptor{
		Department: dept,
		Type:       typ,
		Date:       date,
		Sequence:   seq,
		Version:    ver,
	}, nil
}

// Stem assembles the normalized archival name, e.g.
// DPW_PERMIT_2026-02-10_1_v1.
func (d *Descriptor) Stem() string {
	return fmt.Sprintf("%s_%s_%s_%d_v%d", d.Department, d.Type, d.Date, d.Sequence, d.Version)
}

func stemToken(meta map[string]interface{}, key string) (string, error) {
	raw, ok := meta[key].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("missing %s", key)
	}
	token := strings.ToUpper(norm.NFC.String(strings.TrimSpace(raw)))
	if !stemField.MatchString(token) {
		return "", fmt.Errorf("%s %q contains unsupported characters", key, raw)
	}
	return token, nil
}

func isoDate(meta map[string]interface{}, key string) (string, error) {
	raw, ok := meta[key].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("missing %s", key)
	}
	t, err := time.Parse("2006-01-02", strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%s %q is not an ISO date (YYYY-MM-DD)", key, raw)
	}
	return t.Format("2006-01-02"), nil
}

func positiveInt(meta map[string]interface{}, key string) (int, error) {
	var n int
	switch v := meta[key].(type) {
	case nil:
		return 0, fmt.Errorf("missing %s", key)
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		n = int(v)
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		n = int(i)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		n = i
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	if n < 1 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return n, nil
}
