package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBrief() *Brief {
	return &Brief{
		Description: "urban professionals interested in sustainable living",
		Interests:   []string{"cycling", "coffee"},
		Values:      []string{"sustainability"},
		AgeRange:    Age25To34,
		Location:    "Berlin",
	}
}

func TestBriefValidate(t *testing.T) {
	require.NoError(t, validBrief().Validate())

	t.Run("description bounds", func(t *testing.T) {
		b := validBrief()
		b.Description = strings.Repeat("x", BriefMinDescription-1)
		assert.Error(t, b.Validate())

		b.Description = strings.Repeat("x", BriefMinDescription)
		assert.NoError(t, b.Validate())

		b.Description = strings.Repeat("x", BriefMaxDescription)
		assert.NoError(t, b.Validate())

		b.Description = strings.Repeat("x", BriefMaxDescription+1)
		assert.Error(t, b.Validate())
	})

	t.Run("interests bounds", func(t *testing.T) {
		b := validBrief()
		b.Interests = nil
		assert.Error(t, b.Validate())

		b.Interests = make([]string, BriefMaxInterests+1)
		assert.Error(t, b.Validate())
	})

	t.Run("values bounds", func(t *testing.T) {
		b := validBrief()
		b.Values = nil
		assert.Error(t, b.Validate())

		b.Values = make([]string, BriefMaxValues+1)
		assert.Error(t, b.Validate())
	})

	t.Run("age range", func(t *testing.T) {
		b := validBrief()
		b.AgeRange = "30-ish"
		assert.Error(t, b.Validate())
	})

	t.Run("count bounds", func(t *testing.T) {
		b := validBrief()
		b.Count = BriefMaxCount
		assert.NoError(t, b.Validate())

		b.Count = BriefMaxCount + 1
		assert.Error(t, b.Validate())
	})

	t.Run("violations are invalid input", func(t *testing.T) {
		b := validBrief()
		b.Description = "short"
		err := b.Validate()
		require.Error(t, err)
		assert.Equal(t, KindInvalidInput, Kind(err))
	})
}

func TestBriefEffectiveCount(t *testing.T) {
	b := validBrief()
	assert.Equal(t, 1, b.EffectiveCount())

	b.Count = 3
	assert.Equal(t, 3, b.EffectiveCount())
}
