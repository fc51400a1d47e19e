package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlersFireInRegistrationOrder(t *testing.T) {
	var h handlers[func(int)]
	var got []int
	h.add(func(v int) { got = append(got, v*1) })
	off := h.add(func(v int) { got = append(got, v*10) })
	h.add(func(v int) { got = append(got, v*100) })

	h.each(func(fn func(int)) { fn(2) })
	assert.Equal(t, []int{2, 20, 200}, got)

	off()
	off()
	got = nil
	h.each(func(fn func(int)) { fn(1) })
	assert.Equal(t, []int{1, 100}, got)

	h.clear()
	got = nil
	h.each(func(fn func(int)) { fn(1) })
	assert.Empty(t, got)
}
