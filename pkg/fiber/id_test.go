package fiber

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDSwapped(t *testing.T) {
	id := ID{Local: 10, Remote: 20}
	assert.Equal(t, ID{Local: 20, Remote: 10}, id.Swapped())
	assert.Equal(t, id, id.Swapped().Swapped())
}

func TestIDString(t *testing.T) {
	id := ID{Local: 10, Remote: 20}
	assert.Equal(t, "10<-20", id.String())
}

func TestWellKnownPorts(t *testing.T) {
	assert.True(t, PortAdmin >= WellKnownPortBase)
	assert.True(t, PortCopyServer >= WellKnownPortBase)
	assert.True(t, PortCopyFileAcceptor >= WellKnownPortBase)
	assert.NotEqual(t, PortAdmin, PortCopyServer)
	assert.NotEqual(t, PortCopyServer, PortCopyFileAcceptor)
}
