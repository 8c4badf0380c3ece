// Package phone renders a destination MSISDN in the format each
// upstream provider expects.
package phone

import (
	"fmt"
	"strings"
)

// ToNational coerces destination into a 10-digit national number
// starting with a single 0. It fails loudly on anything else.
func ToNational(destination string) (string, error) {
	d := strings.TrimSpace(destination)
	d = strings.TrimPrefix(d, "+")

	switch {
	case strings.HasPrefix(d, "254") && len(d) == 12:
		d = "0" + d[3:]
	case strings.HasPrefix(d, "0") && len(d) == 10:
	default:
		return "", fmt.Errorf("phone: %q does not reduce to 10 national digits", destination)
	}

	if len(d) != 10 {
		return "", fmt.Errorf("phone: %q does not reduce to 10 national digits", destination)
	}
	for _, r := range d {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("phone: %q contains non-digit characters", destination)
		}
	}
	return d, nil
}

// ToDealerFormat renders destination as 9 digits with no leading zero
// and no country code, e.g. "712345678".
func ToDealerFormat(destination string) (string, error) {
	national, err := ToNational(destination)
	if err != nil {
		return "", err
	}
	return national[1:], nil
}

// ToAggregatorFormat renders destination as E.164 with a leading '+'
// and country code, e.g. "+254712345678".
func ToAggregatorFormat(destination string) (string, error) {
	national, err := ToNational(destination)
	if err != nil {
		return "", err
	}
	return "+254" + national[1:], nil
}
