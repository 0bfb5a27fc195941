package mx

import "strings"

// Provider buckets an MX host into a known operator family.
type Provider string

// Recognized provider families.
const (
	ProviderGoogle     Provider = "google"
	ProviderMicrosoft  Provider = "microsoft"
	ProviderProofpoint Provider = "proofpoint"
	ProviderMimecast   Provider = "mimecast"
	ProviderBarracuda  Provider = "barracuda"
	ProviderYahoo      Provider = "yahoo"
	ProviderZoho       Provider = "zoho"
	ProviderGeneric    Provider = "generic"
)

var providerSuffixes = []struct {
	suffix   string
	provider Provider
}{
	{".google.com", ProviderGoogle},
	{".googlemail.com", ProviderGoogle},
	{".psmtp.com", ProviderGoogle},
	{".protection.outlook.com", ProviderMicrosoft},
	{".mail.protection.outlook.com", ProviderMicrosoft},
	{".pphosted.com", ProviderProofpoint},
	{".ppe-hosted.com", ProviderProofpoint},
	{".mimecast.com", ProviderMimecast},
	{".mimecast.co.za", ProviderMimecast},
	{".barracudanetworks.com", ProviderBarracuda},
	{".ess.barracuda.com", ProviderBarracuda},
	{".yahoodns.net", ProviderYahoo},
	{".zoho.com", ProviderZoho},
	{".zoho.eu", ProviderZoho},
}

// ClassifyProvider maps an MX hostname to its operator family.
func ClassifyProvider(mxHost string) Provider {
	h := strings.ToLower(strings.TrimSuffix(mxHost, "."))
	for _, e := range providerSuffixes {
		if strings.HasSuffix(h, e.suffix) || h == strings.TrimPrefix(e.suffix, ".") {
			return e.provider
		}
	}
	return ProviderGeneric
}

// Hints describe behavior a probe should anticipate from a provider.
type Hints struct {
	// CatchallCommon providers accept any RCPT, so a 2xx alone is weak
	// evidence.
	CatchallCommon bool
	// GreylistLikely providers tempfail the first contact from an
	// unknown sender. A 4xx from them is worth a patient retry.
	GreylistLikely bool
	// StrictRateLimit providers block quickly on probe bursts.
	StrictRateLimit bool
}

// HintsFor returns the expectations for a provider family.
func HintsFor(p Provider) Hints {
	switch p {
	case ProviderGoogle:
		return Hints{StrictRateLimit: true}
	case ProviderMicrosoft:
		return Hints{CatchallCommon: true, StrictRateLimit: true}
	case ProviderProofpoint, ProviderMimecast, ProviderBarracuda:
		return Hints{CatchallCommon: true, GreylistLikely: true, StrictRateLimit: true}
	case ProviderYahoo:
		return Hints{StrictRateLimit: true}
	default:
		return Hints{GreylistLikely: true}
	}
}

// Observation is one recorded SMTP interaction with an exchanger.
type Observation struct {
	MXHost   string
	Provider Provider
	Event    string // connect_failed, tempfail, hardfail, accepted, tcp25_blocked, starttls
	SMTPCode int
}

// BehaviorSink receives exactly one observation per probe dialog.
type BehaviorSink interface {
	Record(obs Observation)
}

// NopSink discards observations.
type NopSink struct{}

// Record implements BehaviorSink.
func (NopSink) Record(Observation) {}
