package cleaner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleaner_Text(t *testing.T) {
	c := NewCleaner()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"markup", "<b>浦东</b> <i>新区</i>", "浦东 新区"},
		{"entities", "A &amp; B", "A & B"},
		{"fullwidth digits", "第１２页", "第12页"},
		{"ideographic space", "杨浦　区\n", "杨浦 区"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Text(tt.in))
		})
	}
}

func TestCleaner_Compact(t *testing.T) {
	assert.Equal(t, "81012.31", NewCleaner().Compact(" 81 012.31 "))
}
