package detect

import (
	"context"
	"fmt"

	"github.com/cloakgate/gateway/internal/blacklist"
)

// L1 evaluates the static blacklist: IP, then CIDR, then UA, then (if IP
// intelligence resolved an ASN) ISP, then geo — in that order. The first
// hit short-circuits. L1 is a hard-block layer: a hit always yields
// {passed:false, score:0}.
func L1(ctx context.Context, bl *blacklist.Store, in Input) (Result, error) {
	if m, err := bl.IsIPBlocked(ctx, in.IP.String(), in.TenantID); err != nil {
		return Result{}, fmt.Errorf("detect: l1 ip lookup: %w", err)
	} else if m.Hit {
		return blocked("ip", m), nil
	}

	if m := bl.IsCIDRHit(in.IP, in.TenantID); m.Hit {
		return blocked("cidr", m), nil
	}

	if m := bl.IsUABlocked(in.UserAgent, in.TenantID); m.Hit {
		return blocked("user_agent", m), nil
	}

	if in.Intel.HasASN {
		if m, err := bl.IsISPBlocked(ctx, in.Intel.ASN, in.Intel.Organization, in.TenantID); err != nil {
			return Result{}, fmt.Errorf("detect: l1 isp lookup: %w", err)
		} else if m.Hit {
			return blocked("isp", m), nil
		}
	}

	if in.Intel.HasGeo {
		if m := bl.IsGeoBlocked(in.Intel.Country, in.Intel.Region, in.TenantID); m.Hit {
			return blocked("geo", m), nil
		}
	}

	return Result{Passed: true, Score: 100}, nil
}

func blocked(kind string, m blacklist.Match) Result {
	return Result{
		Passed: false,
		Score:  0,
		Reason: fmt.Sprintf("blacklisted: %s matched %s scope on %q", kind, m.Scope, m.Value),
		Evidence: map[string]any{
			"kind":  kind,
			"scope": m.Scope,
			"value": m.Value,
		},
	}
}
