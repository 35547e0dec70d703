package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPosition_IsFlat(t *testing.T) {
	assert.True(t, Position{Quantity: 0}.IsFlat())
	assert.True(t, Position{Quantity: 1e-12}.IsFlat())
	assert.False(t, Position{Quantity: 1}.IsFlat())
}

func TestPosition_IsLongIsShort(t *testing.T) {
	assert.True(t, Position{Quantity: 10}.IsLong())
	assert.False(t, Position{Quantity: 10}.IsShort())
	assert.True(t, Position{Quantity: -10}.IsShort())
	assert.False(t, Position{Quantity: -10}.IsLong())
}

func TestPosition_MarketValue(t *testing.T) {
	p := Position{Quantity: 10, CurrentPrice: 5}
	assert.Equal(t, 50.0, p.MarketValue())
}

func TestPosition_UnrealizedPnL_Long(t *testing.T) {
	p := Position{Quantity: 10, AvgEntryPrice: 100, CurrentPrice: 110}
	assert.Equal(t, 100.0, p.UnrealizedPnL())
}

func TestPosition_UnrealizedPnL_Short(t *testing.T) {
	p := Position{Quantity: -10, AvgEntryPrice: 100, CurrentPrice: 90}
	assert.Equal(t, 100.0, p.UnrealizedPnL())
}

func TestPosition_UnrealizedPnL_Flat(t *testing.T) {
	p := Position{Quantity: 0, AvgEntryPrice: 100, CurrentPrice: 200}
	assert.Equal(t, 0.0, p.UnrealizedPnL())
}

func TestExecution_SignedQuantity(t *testing.T) {
	buy := Execution{Side: TradeSideBuy, FilledQty: 10}
	assert.Equal(t, 10.0, buy.SignedQuantity())

	sell := Execution{Side: TradeSideSell, FilledQty: 10}
	assert.Equal(t, -10.0, sell.SignedQuantity())
}
