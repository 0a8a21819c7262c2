package blacklist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/cloakgate/gateway/internal/cache"
	"github.com/cloakgate/gateway/internal/model"
)

// RebuildCache rereads every active, non-expired blacklist entry from the
// primary store, repopulates the shared-cache representations, and swaps
// the in-process snapshot in one atomic step. Redis writes for a given kind
// happen inside a transaction (DEL+re-populate) so partial rebuilds are
// never visible to a concurrent reader; the in-process snapshot only
// becomes visible once every kind has been written successfully.
func (s *Store) RebuildCache(ctx context.Context) error {
	next := emptySnapshot()

	touched := map[string]bool{}
	if err := s.rebuildIPs(ctx, touched); err != nil {
		return fmt.Errorf("blacklist: rebuild ip: %w", err)
	}
	if err := s.rebuildCIDRs(ctx, next, touched); err != nil {
		return fmt.Errorf("blacklist: rebuild cidr: %w", err)
	}
	if err := s.rebuildUAs(ctx, next, touched); err != nil {
		return fmt.Errorf("blacklist: rebuild ua: %w", err)
	}
	if err := s.rebuildISPs(ctx, touched); err != nil {
		return fmt.Errorf("blacklist: rebuild isp: %w", err)
	}
	if err := s.rebuildGeos(ctx, next, touched); err != nil {
		return fmt.Errorf("blacklist: rebuild geo: %w", err)
	}
	if err := s.cleanupStaleKeys(ctx, cache.BlacklistKeyPrefix(), touched); err != nil {
		return fmt.Errorf("blacklist: cleanup stale keys: %w", err)
	}

	s.snap.Store(next)
	return nil
}

// --- IP (exact) ---

func (s *Store) rebuildIPs(ctx context.Context, touched map[string]bool) error {
	entries, err := s.primary.ListActiveBlacklistEntries(model.KindIP, nowNs())
	if err != nil {
		return err
	}

	byKey := map[string][]string{}
	for _, e := range entries {
		key := cache.BlacklistIPGlobalKey()
		if e.Scope == model.ScopeTenant {
			key = cache.BlacklistIPTenantKey(e.TenantID)
		}
		byKey[key] = append(byKey[key], e.IP)
	}
	// The global key is always rewritten (even if empty) so a fully cleared
	// global list still swaps to empty rather than leaving stale members.
	if _, ok := byKey[cache.BlacklistIPGlobalKey()]; !ok {
		byKey[cache.BlacklistIPGlobalKey()] = nil
	}
	return s.swapSets(ctx, byKey, touched)
}

// --- CIDR ---

type cidrJSONEntry struct {
	CIDR string `json:"cidr"`
}

func (s *Store) rebuildCIDRs(ctx context.Context, next *snapshot, touched map[string]bool) error {
	entries, err := s.primary.ListActiveBlacklistEntries(model.KindCIDR, nowNs())
	if err != nil {
		return err
	}

	byScope := map[string][]model.BlacklistEntry{"global": nil}
	for _, e := range entries {
		sk := scopeKey(e)
		byScope[sk] = append(byScope[sk], e)

		prefix, perr := netip.ParsePrefix(e.CIDR)
		if perr != nil {
			continue // malformed ranges never match, never fail the rebuild
		}
		next.cidrs = append(next.cidrs, cidrEntry{
			prefix: prefix, scope: e.Scope, tenantID: e.TenantID, value: e.CIDR,
		})
	}

	for sk, es := range byScope {
		jsonEntries := make([]cidrJSONEntry, 0, len(es))
		for _, e := range es {
			jsonEntries = append(jsonEntries, cidrJSONEntry{CIDR: e.CIDR})
		}
		data, err := json.Marshal(jsonEntries)
		if err != nil {
			return err
		}
		key := cache.BlacklistIPRangesKey(sk)
		if err := s.cache.Raw().Set(ctx, key, data, 0).Err(); err != nil {
			return err
		}
		touched[key] = true
	}
	return nil
}

// --- User agent ---

type uaJSONEntry struct {
	Pattern string `json:"pattern"`
	Type    string `json:"type,omitempty"`
}

func (s *Store) rebuildUAs(ctx context.Context, next *snapshot, touched map[string]bool) error {
	entries, err := s.primary.ListActiveBlacklistEntries(model.KindUserAgent, nowNs())
	if err != nil {
		return err
	}

	byScope := map[string][]string{"global": nil}
	for _, e := range entries {
		sk := scopeKey(e)
		data, err := json.Marshal(uaJSONEntry{Pattern: e.UAPattern, Type: string(e.UAPatternType)})
		if err != nil {
			return err
		}
		byScope[sk] = append(byScope[sk], string(data))

		next.uas = append(next.uas, uaEntry{
			match:    s.uaMatcher(e.UAPattern, e.UAPatternType),
			scope:    e.Scope,
			tenantID: e.TenantID,
			value:    e.UAPattern,
		})
	}

	return s.swapLists(ctx, prefixedKeys(byScope, cache.BlacklistUAsKey), touched)
}

// uaMatcher returns a matcher function for a single UA pattern entry. A
// bare string with no explicit type (UAPatternType zero value) is treated
// as contains, case-insensitive, per spec §4.2.
func (s *Store) uaMatcher(pattern string, patternType model.UAPatternType) func(string) bool {
	switch patternType {
	case model.UARegex:
		re, err := s.compileRegex(pattern)
		if err != nil {
			return func(string) bool { return false }
		}
		return re.MatchString
	case model.UAExact:
		return func(ua string) bool { return strings.EqualFold(ua, pattern) }
	default:
		lower := strings.ToLower(pattern)
		return func(ua string) bool { return strings.Contains(strings.ToLower(ua), lower) }
	}
}

func (s *Store) compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := s.regexes.Load(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	s.regexes.Store(pattern, re)
	return re, nil
}

// --- ISP / ASN ---

func (s *Store) rebuildISPs(ctx context.Context, touched map[string]bool) error {
	asnEntries, err := s.primary.ListActiveBlacklistEntries(model.KindASN, nowNs())
	if err != nil {
		return err
	}
	nameEntries, err := s.primary.ListActiveBlacklistEntries(model.KindISPName, nowNs())
	if err != nil {
		return err
	}

	asnByScope := map[string][]string{"global": nil}
	for _, e := range asnEntries {
		sk := scopeKey(e)
		asnByScope[sk] = append(asnByScope[sk], strconv.FormatInt(e.ASN, 10))
	}
	if err := s.swapSets(ctx, prefixedKeys(asnByScope, cache.BlacklistISPsKey), touched); err != nil {
		return err
	}

	nameByScope := map[string]map[string]string{"global": {}}
	for _, e := range nameEntries {
		sk := scopeKey(e)
		if nameByScope[sk] == nil {
			nameByScope[sk] = map[string]string{}
		}
		nameByScope[sk][strings.ToLower(e.ISPName)] = e.ISPName
	}
	return s.swapHashes(ctx, prefixedHashKeys(nameByScope, cache.BlacklistISPNamesKey), touched)
}

// --- Geo ---

func (s *Store) rebuildGeos(ctx context.Context, next *snapshot, touched map[string]bool) error {
	entries, err := s.primary.ListActiveBlacklistEntries(model.KindGeo, nowNs())
	if err != nil {
		return err
	}

	byScope := map[string]map[string]string{"global": {}}
	for _, e := range entries {
		sk := scopeKey(e)
		field := strings.ToLower(e.Country)
		if e.Region != "" {
			field += ":" + strings.ToLower(e.Region)
		}
		if byScope[sk] == nil {
			byScope[sk] = map[string]string{}
		}
		byScope[sk][field] = string(e.GeoBlockType)

		next.geos[geoKey{scope: e.Scope, tenantID: e.TenantID, field: field}] = e.GeoBlockType
	}

	return s.swapHashes(ctx, prefixedHashKeys(byScope, cache.BlacklistGeosKey), touched)
}

// --- Redis swap helpers ---

func prefixedKeys(byScope map[string][]string, keyFn func(string) string) map[string][]string {
	out := make(map[string][]string, len(byScope))
	for sk, v := range byScope {
		out[keyFn(sk)] = v
	}
	return out
}

func prefixedHashKeys(byScope map[string]map[string]string, keyFn func(string) string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(byScope))
	for sk, v := range byScope {
		out[keyFn(sk)] = v
	}
	return out
}

// swapSets atomically replaces the members of each Redis set in byKey.
func (s *Store) swapSets(ctx context.Context, byKey map[string][]string, touched map[string]bool) error {
	for key, members := range byKey {
		touched[key] = true
		_, err := s.cache.Raw().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(members) > 0 {
				vals := make([]any, len(members))
				for i, m := range members {
					vals[i] = m
				}
				pipe.SAdd(ctx, key, vals...)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// swapLists atomically replaces the elements of each Redis list in byKey.
func (s *Store) swapLists(ctx context.Context, byKey map[string][]string, touched map[string]bool) error {
	for key, items := range byKey {
		touched[key] = true
		_, err := s.cache.Raw().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(items) > 0 {
				vals := make([]any, len(items))
				for i, it := range items {
					vals[i] = it
				}
				pipe.RPush(ctx, key, vals...)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// swapHashes atomically replaces the fields of each Redis hash in byKey.
func (s *Store) swapHashes(ctx context.Context, byKey map[string]map[string]string, touched map[string]bool) error {
	for key, fields := range byKey {
		touched[key] = true
		_, err := s.cache.Raw().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(fields) > 0 {
				flat := make(map[string]any, len(fields))
				for f, v := range fields {
					flat[f] = v
				}
				pipe.HSet(ctx, key, flat)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// cleanupStaleKeys removes blacklist keys under prefix that weren't
// rewritten this rebuild (e.g. a tenant whose last entry of some kind was
// just removed).
func (s *Store) cleanupStaleKeys(ctx context.Context, prefix string, touched map[string]bool) error {
	var cursor uint64
	for {
		keys, next, err := s.cache.Raw().Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return err
		}
		var stale []string
		for _, k := range keys {
			if !touched[k] {
				stale = append(stale, k)
			}
		}
		if len(stale) > 0 {
			if err := s.cache.Raw().Del(ctx, stale...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}
