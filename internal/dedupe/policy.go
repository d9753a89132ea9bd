package dedupe

import "time"

// Policy is the admission fence configuration applied before persistence.
type Policy struct {
	// MinAcceptedVersion quarantines events below a version floor.
	MinAcceptedVersion uint64
	// ReplayWindow quarantines events whose timestamp is older than
	// now - ReplayWindow, unless the check is an operator replay.
	// Zero disables the fence.
	ReplayWindow time.Duration
	// MaxFutureSkew quarantines events timestamped further than this into
	// the future. Zero disables the fence.
	MaxFutureSkew time.Duration
}

// PolicyProvider resolves the fence policy for a (tenant, family) pair.
// family is the consumer-defined event family; blank selects the tenant
// default.
type PolicyProvider interface {
	PolicyFor(tenantID, family string) Policy
}

// StaticProvider returns the same policy for every tenant and family.
type StaticProvider struct {
	Policy Policy
}

func (p StaticProvider) PolicyFor(string, string) Policy { return p.Policy }

// MapProvider layers per-(tenant,family) and per-tenant overrides over a
// default policy. Lookup order: "tenant/family", "tenant", default.
type MapProvider struct {
	Default   Policy
	Overrides map[string]Policy
}

func (p MapProvider) PolicyFor(tenantID, family string) Policy {
	if family != "" {
		if pol, ok := p.Overrides[tenantID+"/"+family]; ok {
			return pol
		}
	}
	if pol, ok := p.Overrides[tenantID]; ok {
		return pol
	}
	return p.Default
}
