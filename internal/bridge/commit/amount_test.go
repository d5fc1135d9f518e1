package commit

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pegbridge.com/internal/bridge/domain"
)

func TestScaleAmount(t *testing.T) {
	tests := []struct {
		amount    string
		precision int32
		want      string
	}{
		{"12.500000", 6, "12500000"},
		{"12.5", 6, "12500000"},
		{"1.2345678", 6, "1234567"}, // 向零截断
		{"1.9999999", 6, "1999999"},
		{"0.0000001", 6, "0"},
		{"100", 0, "100"},
		{"3.99", 0, "3"},
		{"0.00001", 5, "1"},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ScaleAmount(decimal.RequireFromString(tt.amount), tt.precision)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestScaleAmount_Rejects(t *testing.T) {
	_, err := ScaleAmount(decimal.NewFromInt(-1), 6)
	assert.Equal(t, domain.TxUnknownError, domain.Classify(err))

	_, err = ScaleAmount(decimal.NewFromInt(1), -1)
	assert.Error(t, err)
}

func TestUnscaleAmount(t *testing.T) {
	got := UnscaleAmount(decimal.RequireFromString("12500000"), 6)
	assert.True(t, got.Equal(decimal.RequireFromString("12.5")))
}

func TestCheckLimits(t *testing.T) {
	min, max := decimal.NewFromInt(10), decimal.NewFromInt(1000)

	assert.NoError(t, checkLimits(decimal.NewFromInt(10), &min, &max))
	assert.NoError(t, checkLimits(decimal.NewFromInt(5), nil, nil))
	assert.Equal(t, domain.TxLessMin, domain.Classify(checkLimits(decimal.RequireFromString("9.99"), &min, &max)))
	assert.Equal(t, domain.TxGreaterMax, domain.Classify(checkLimits(decimal.NewFromInt(1001), &min, &max)))
}
