package validate

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/agnivade/levenshtein"
)

// iso4217 lists active ISO 4217 alphabetic codes.
var iso4217 = strings.Fields(`
AED AFN ALL AMD ANG AOA ARS AUD AWG AZN BAM BBD BDT BGN BHD BIF BMD BND BOB
BRL BSD BTN BWP BYN BZD CAD CDF CHF CLF CLP CNY COP CRC CUP CVE CZK DJF DKK
DOP DZD EGP ERN ETB EUR FJD FKP GBP GEL GHS GIP GMD GNF GTQ GYD HKD HNL HTG
HUF IDR ILS INR IQD IRR ISK JMD JOD JPY KES KGS KHR KMF KPW KRW KWD KYD KZT
LAK LBP LKR LRD LSL LYD MAD MDL MGA MKD MMK MNT MOP MRU MUR MVR MWK MXN MYR
MZN NAD NGN NIO NOK NPR NZD OMR PAB PEN PGK PHP PKR PLN PYG QAR RON RSD RUB
RWF SAR SBD SCR SDG SEK SGD SHP SLE SOS SRD SSP STN SVC SYP SZL THB TJS TMT
TND TOP TRY TTD TWD TZS UAH UGX USD UYI UYU UYW UZS VES VND VUV WST XAF XCD
XOF XPF YER ZAR ZMW ZWG
`)

// Registry is the set of currency codes the validator accepts.
type Registry struct {
	mu    sync.RWMutex
	codes map[string]struct{}
}

// NewRegistry returns a registry preloaded with ISO 4217 codes.
func NewRegistry() *Registry {
	r := &Registry{codes: make(map[string]struct{}, len(iso4217))}
	for _, c := range iso4217 {
		r.codes[c] = struct{}{}
	}
	return r
}

// Add registers additional codes. Codes must be three ASCII letters.
func (r *Registry) Add(codes ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if !isAlpha3(c) {
			return fmt.Errorf("invalid currency code %q", c)
		}
		r.codes[c] = struct{}{}
	}
	return nil
}

// Known reports whether code (already upper-cased) is registered.
func (r *Registry) Known(code string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.codes[code]
	return ok
}

// Codes returns all registered codes, sorted.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.codes))
	for c := range r.codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Suggest returns the closest registered code to an unknown one, or "" when
// nothing is within an edit distance of 1.
func (r *Registry) Suggest(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	best, bestDist := "", 2
	for _, c := range r.Codes() {
		if d := levenshtein.ComputeDistance(code, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// currencyFile is the TOML layout of a currency extension file:
//
//	currencies = ["XBT", "XAU"]
type currencyFile struct {
	Currencies []string `toml:"currencies"`
}

// LoadTOML adds the codes listed in a TOML extension file.
func (r *Registry) LoadTOML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read currency file %s: %w", path, err)
	}
	var f currencyFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse currency file %s: %w", path, err)
	}
	if err := r.Add(f.Currencies...); err != nil {
		return fmt.Errorf("currency file %s: %w", path, err)
	}
	return nil
}

func isAlpha3(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}
