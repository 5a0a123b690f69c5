package premium

// 功能常量
const (
	FeatureAIRules        = "ai:rules"
	FeatureDelayedActions = "ai:delayed_actions"
	FeatureBulkRun        = "ai:bulk_run"
	FeatureWebhookActions = "ai:webhook_actions"
)

// 套餐常量
const (
	TierFree     = "FREE"
	TierBasic    = "BASIC"
	TierPro      = "PRO"
	TierBusiness = "BUSINESS"
	TierLifetime = "LIFETIME"
)

// 套餐功能映射
var tierFeatures = map[string][]string{
	TierFree: {},
	TierBasic: {
		FeatureAIRules,
	},
	TierPro: {
		FeatureAIRules,
		FeatureDelayedActions,
		FeatureBulkRun,
	},
	TierBusiness: {
		FeatureAIRules,
		FeatureDelayedActions,
		FeatureBulkRun,
		FeatureWebhookActions,
	},
	TierLifetime: {
		FeatureAIRules,
		FeatureDelayedActions,
		FeatureBulkRun,
		FeatureWebhookActions,
	},
}

// IsPremium 非 FREE 的已知套餐
func IsPremium(tier string) bool {
	features, ok := tierFeatures[tier]
	return ok && len(features) > 0
}

// HasFeature 检查套餐是否包含指定功能
func HasFeature(tier, feature string) bool {
	for _, f := range tierFeatures[tier] {
		if f == feature {
			return true
		}
	}
	return false
}

// CheckFeature 检查套餐功能（返回错误而不是布尔值，便于处理）
func CheckFeature(tier, feature string) error {
	if !HasFeature(tier, feature) {
		return &FeatureDeniedError{Tier: tier, Feature: feature}
	}
	return nil
}

// FeatureDeniedError 表示套餐不包含该功能
type FeatureDeniedError struct {
	Tier    string
	Feature string
}

func (e *FeatureDeniedError) Error() string {
	return "plan " + e.Tier + " does not include " + e.Feature
}
