package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"unicode"
)

// Volume is a liquidity measure that upstream and import data carry either as a
// number or as a formatted string such as "$1,250,000".
type Volume struct {
	Number float64
	Text   string
	Valid  bool
}

// NumericVolume returns a Volume holding v.
func NumericVolume(v float64) Volume {
	return Volume{Number: v, Valid: true}
}

// TextVolume returns a Volume holding a formatted string, parsed where possible.
func TextVolume(s string) Volume {
	vol := Volume{Text: s, Valid: s != ""}
	if n, ok := ParseVolume(s); ok {
		vol.Number = n
	}
	return vol
}

// Float returns the numeric value of the volume and whether one is available.
func (v Volume) Float() (float64, bool) {
	if !v.Valid {
		return 0, false
	}
	if v.Text == "" {
		return v.Number, true
	}
	return ParseVolume(v.Text)
}

// ParseVolume parses a formatted volume by stripping currency symbols,
// thousands separators, whitespace and underscores.
func ParseVolume(s string) (float64, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == ',' || r == '_' || unicode.IsSpace(r):
			return -1
		case unicode.Is(unicode.Sc, r):
			return -1
		}
		return r
	}, s)
	if cleaned == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (v Volume) MarshalJSON() ([]byte, error) {
	switch {
	case !v.Valid:
		return []byte("null"), nil
	case v.Text != "":
		return json.Marshal(v.Text)
	default:
		return json.Marshal(v.Number)
	}
}

func (v *Volume) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Volume{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = TextVolume(s)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*v = NumericVolume(n)
	return nil
}
