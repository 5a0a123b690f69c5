package premium

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasFeature(t *testing.T) {
	assert.False(t, HasFeature(TierFree, FeatureAIRules))
	assert.True(t, HasFeature(TierBasic, FeatureAIRules))
	assert.False(t, HasFeature(TierBasic, FeatureDelayedActions))
	assert.True(t, HasFeature(TierPro, FeatureDelayedActions))
	assert.False(t, HasFeature("UNKNOWN", FeatureAIRules))
}

func TestIsPremium(t *testing.T) {
	assert.False(t, IsPremium(TierFree))
	assert.False(t, IsPremium(""))
	assert.True(t, IsPremium(TierBusiness))
}

func TestCheckFeature(t *testing.T) {
	err := CheckFeature(TierBasic, FeatureBulkRun)
	var denied *FeatureDeniedError
	assert.ErrorAs(t, err, &denied)
	assert.Equal(t, FeatureBulkRun, denied.Feature)
	assert.NoError(t, CheckFeature(TierPro, FeatureBulkRun))
}
