package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRefCounter(t *testing.T) {
	rc := NewRefCounter()
	assert.Equal(t, 1, rc.Count())
	rc.Acquire()
	rc.Acquire()
	rc.Release()

	select {
	case <-rc.Done():
		t.Fatal("done fired with live references")
	default:
	}

	rc.Release()
	rc.Release()
	select {
	case <-rc.Done():
	case <-time.After(time.Second):
		t.Fatal("done never fired")
	}
	assert.Equal(t, 0, rc.Count())
}
