package ice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeepaliveMonitorStates(t *testing.T) {
	m := newKeepaliveMonitor(30 * time.Second)
	base := time.Unix(1000, 0)

	// no activity observed yet: nothing to judge
	assert.Equal(t, livenessOK, m.state(base))

	m.observe(base)
	assert.Equal(t, livenessOK, m.state(base.Add(10*time.Second)))
	assert.Equal(t, livenessStale, m.state(base.Add(15*time.Second)))
	assert.Equal(t, livenessStale, m.state(base.Add(29*time.Second)))
	assert.Equal(t, livenessLost, m.state(base.Add(30*time.Second)))

	// traffic resumes
	m.observe(base.Add(31 * time.Second))
	assert.Equal(t, livenessOK, m.state(base.Add(32*time.Second)))
}

func TestKeepaliveMonitorDefaultTimeout(t *testing.T) {
	m := newKeepaliveMonitor(0)
	base := time.Unix(1000, 0)
	m.observe(base)
	assert.Equal(t, livenessLost, m.state(base.Add(31*time.Second)))
}
