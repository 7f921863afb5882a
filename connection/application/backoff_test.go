package application

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectPolicy_FlatByDefault(t *testing.T) {
	p := ReconnectPolicy{Delay: 5 * time.Second}
	for failures := 1; failures <= 10; failures++ {
		assert.Equal(t, 5*time.Second, p.Next(failures))
	}
}

func TestReconnectPolicy_Escalates(t *testing.T) {
	p := ReconnectPolicy{Delay: time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, time.Second, p.Next(1))
	assert.Equal(t, 2*time.Second, p.Next(2))
	assert.Equal(t, 4*time.Second, p.Next(3))
	assert.Equal(t, 8*time.Second, p.Next(4))
	assert.Equal(t, 10*time.Second, p.Next(5))
	assert.Equal(t, 10*time.Second, p.Next(50))
}

func TestReconnectPolicy_ZeroDelayFallsBack(t *testing.T) {
	assert.Equal(t, 5*time.Second, ReconnectPolicy{}.Next(1))
}
