// Package carrier classifies a Kenyan destination MSISDN into the
// mobile network operator that owns its numbering prefix.
package carrier

import (
	"strings"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/domain/gateway"
)

// Prefix sets are enumerated constants; changes are infrequent enough
// to ship in code rather than configuration.
var (
	safaricomPrefixes = set("0700", "0701", "0702", "0703", "0704", "0705", "0706", "0707", "0708", "0709",
		"0710", "0711", "0712", "0713", "0714", "0715", "0716", "0717", "0718", "0719",
		"0720", "0721", "0722", "0723", "0724", "0725", "0726", "0727", "0728", "0729",
		"0740", "0741", "0742", "0743", "0744", "0745", "0746", "0748",
		"0757", "0758", "0759",
		"0768", "0769",
		"0790", "0791", "0792", "0793", "0794", "0795", "0796", "0797", "0798", "0799",
		"0110", "0111", "0112", "0113", "0114", "0115")

	airtelPrefixes = set("0730", "0731", "0732", "0733", "0734", "0735", "0736", "0737", "0738", "0739",
		"0750", "0751", "0752", "0753", "0754", "0755", "0756",
		"0780", "0781", "0782", "0783", "0784", "0785", "0786", "0787", "0788", "0789",
		"0100", "0101", "0102", "0103", "0104", "0105", "0106")

	telkomPrefixes = set("0770", "0771", "0772", "0773", "0774", "0775", "0776", "0777", "0778", "0779")

	equitelPrefixes = set("0763", "0764", "0765", "0766", "0767")

	faibaPrefixes = set("0747")
)

func set(prefixes ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(prefixes))
	for _, p := range prefixes {
		m[p] = struct{}{}
	}
	return m
}

// Classify normalizes destination into national form and returns the
// carrier that owns its prefix, or gateway.CarrierUnknown.
func Classify(destination string) gateway.Carrier {
	national, ok := nationalForm(destination)
	if !ok {
		return gateway.CarrierUnknown
	}

	prefix := national[:4]
	switch {
	case has(safaricomPrefixes, prefix):
		return gateway.CarrierSafaricom
	case has(airtelPrefixes, prefix):
		return gateway.CarrierAirtel
	case has(telkomPrefixes, prefix):
		return gateway.CarrierTelkom
	case has(equitelPrefixes, prefix):
		return gateway.CarrierEquitel
	case has(faibaPrefixes, prefix):
		return gateway.CarrierFaiba
	default:
		return gateway.CarrierUnknown
	}
}

func has(m map[string]struct{}, key string) bool {
	_, ok := m[key]
	return ok
}

// nationalForm strips a leading international prefix (254 or +254)
// and returns a 10-digit national number starting with a single 0.
func nationalForm(destination string) (string, bool) {
	d := strings.TrimSpace(destination)
	d = strings.TrimPrefix(d, "+")

	switch {
	case strings.HasPrefix(d, "254") && len(d) == 12:
		d = "0" + d[3:]
	case strings.HasPrefix(d, "0") && len(d) == 10:
		// already national
	default:
		return "", false
	}

	if len(d) != 10 {
		return "", false
	}
	for _, r := range d {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return d, true
}
