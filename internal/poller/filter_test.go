package poller

import (
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScriptFilter(t *testing.T) {
	f := NewScriptFilter(tracked)

	assert.True(t, f.Contains(tracked))
	assert.False(t, f.Contains(untracked))
	assert.Equal(t, []string{hex.EncodeToString(tracked)}, f.Scripts())

	f.Add(untracked, tracked)
	assert.True(t, f.Contains(untracked))
	assert.Equal(t, 2, f.Len())
}

func TestScriptFilterGrows(t *testing.T) {
	f := NewScriptFilter()

	var scripts [][]byte
	for i := 0; i < 3000; i++ {
		scripts = append(scripts, []byte(fmt.Sprintf("script-%d", i)))
	}
	f.Add(scripts...)

	for _, s := range scripts {
		assert.True(t, f.Contains(s))
	}
	assert.False(t, f.Contains([]byte("script-x")))
}
