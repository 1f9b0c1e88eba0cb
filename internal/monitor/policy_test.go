package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 4 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 4 * time.Second},
		{100, 4 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "Delay(%d)", tt.attempt)
	}
}

func TestPolicy_DelayNonDecreasing(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Second, MaxDelay: 60 * time.Second}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 70; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
}

func TestPolicy_Validate(t *testing.T) {
	valid := Policy{Interval: time.Second, BaseDelay: time.Second, MaxDelay: 4 * time.Second, RetryLimit: 3}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"zero interval", func(p *Policy) { p.Interval = 0 }},
		{"negative base", func(p *Policy) { p.BaseDelay = -time.Second }},
		{"zero max", func(p *Policy) { p.MaxDelay = 0 }},
		{"max below base", func(p *Policy) { p.MaxDelay = 500 * time.Millisecond }},
		{"no retries", func(p *Policy) { p.RetryLimit = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}
