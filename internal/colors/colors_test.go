package colors

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestDetect(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	assert.False(t, detect(env(map[string]string{"NO_COLOR": "1", "FORCE_COLOR": "1"}), f))
	assert.True(t, detect(env(map[string]string{"FORCE_COLOR": "1"}), f))
	assert.False(t, detect(env(map[string]string{"TERM": "dumb"}), f))
	assert.False(t, detect(env(map[string]string{"TERM": "xterm"}), f), "regular file is not a terminal")
	assert.False(t, detect(env(map[string]string{"TERM": "xterm"}), nil))
}

func TestPaint(t *testing.T) {
	defer SetEnabled(Enabled())

	SetEnabled(false)
	assert.Equal(t, "abc", Node("abc"))
	assert.Equal(t, "7", Rev("7"))

	SetEnabled(true)
	assert.Equal(t, yellow+"abc"+reset, Node("abc"))
	assert.Equal(t, bold+"rev"+reset, Header("rev"))
	assert.Equal(t, red+"bad"+reset, Failure("bad"))
}
