package license

import "strings"

// Tier is a named license level. The set is closed: every switch over
// tiers in this file is exhaustive, and TestTierTablesComplete fails if
// a tier is added without updating the capability tables.
type Tier string

const (
	TierCommunity   Tier = "community"
	TierLite        Tier = "lite"
	TierStandard    Tier = "standard"
	TierElite       Tier = "elite"
	TierOffTheWalls Tier = "off_the_walls"
)

// AllTiers lists every tier in ascending capability order.
var AllTiers = []Tier{TierCommunity, TierLite, TierStandard, TierElite, TierOffTheWalls}

// Feature flags gated by tier.
const (
	FeatureCustomEmoji        = "custom_emoji"
	FeatureServerDiscovery    = "server_discovery"
	FeatureAdvancedModeration = "advanced_moderation"
	FeatureVoiceChannels      = "voice_channels"
	FeatureVideoChannels      = "video_channels"
	FeatureSSO                = "sso"
	FeatureAuditLog           = "audit_log"
	FeatureWhiteLabel         = "white_label"
	FeaturePrioritySupport    = "priority_support"
)

// Limit keys. A value of -1 means unlimited.
const (
	LimitMaxUsers           = "max_users"
	LimitMaxServers         = "max_servers"
	LimitMaxUploadMB        = "max_upload_mb"
	LimitMessageHistoryDays = "message_history_days"
)

// Unlimited is the sentinel limit value for "no cap".
const Unlimited int64 = -1

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierCommunity, TierLite, TierStandard, TierElite, TierOffTheWalls:
		return true
	}
	return false
}

// ParseTier normalizes a tier string, returning TierCommunity for
// anything unrecognized. Consumers must never end up with an unknown
// tier in hand.
func ParseTier(s string) Tier {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return TierCommunity
	}
	return t
}

// FeaturesForTier returns the capability flags for a tier. Features are
// always re-derived from the tier here, never read from arbitrary
// payload fields.
func FeaturesForTier(t Tier) []string {
	switch t {
	case TierCommunity:
		return []string{}
	case TierLite:
		return []string{
			FeatureCustomEmoji,
		}
	case TierStandard:
		return []string{
			FeatureCustomEmoji,
			FeatureServerDiscovery,
			FeatureAdvancedModeration,
			FeatureVoiceChannels,
		}
	case TierElite:
		return []string{
			FeatureCustomEmoji,
			FeatureServerDiscovery,
			FeatureAdvancedModeration,
			FeatureVoiceChannels,
			FeatureVideoChannels,
			FeatureSSO,
			FeatureAuditLog,
		}
	case TierOffTheWalls:
		return []string{
			FeatureCustomEmoji,
			FeatureServerDiscovery,
			FeatureAdvancedModeration,
			FeatureVoiceChannels,
			FeatureVideoChannels,
			FeatureSSO,
			FeatureAuditLog,
			FeatureWhiteLabel,
			FeaturePrioritySupport,
		}
	}
	return []string{}
}

// LimitsForTier returns the numeric caps for a tier.
func LimitsForTier(t Tier) map[string]int64 {
	switch t {
	case TierCommunity:
		return map[string]int64{
			LimitMaxUsers:           25,
			LimitMaxServers:         1,
			LimitMaxUploadMB:        10,
			LimitMessageHistoryDays: 30,
		}
	case TierLite:
		return map[string]int64{
			LimitMaxUsers:           100,
			LimitMaxServers:         3,
			LimitMaxUploadMB:        50,
			LimitMessageHistoryDays: 90,
		}
	case TierStandard:
		return map[string]int64{
			LimitMaxUsers:           500,
			LimitMaxServers:         10,
			LimitMaxUploadMB:        200,
			LimitMessageHistoryDays: 365,
		}
	case TierElite:
		return map[string]int64{
			LimitMaxUsers:           5000,
			LimitMaxServers:         50,
			LimitMaxUploadMB:        1024,
			LimitMessageHistoryDays: Unlimited,
		}
	case TierOffTheWalls:
		return map[string]int64{
			LimitMaxUsers:           Unlimited,
			LimitMaxServers:         Unlimited,
			LimitMaxUploadMB:        Unlimited,
			LimitMessageHistoryDays: Unlimited,
		}
	}
	return LimitsForTier(TierCommunity)
}

// HasFeature reports whether a tier includes the named feature.
func HasFeature(t Tier, feature string) bool {
	for _, f := range FeaturesForTier(t) {
		if f == feature {
			return true
		}
	}
	return false
}
