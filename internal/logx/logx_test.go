package logx

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWriter_AllowDenyDedup(t *testing.T) {
	var buf bytes.Buffer
	now := time.Unix(100, 0)
	w := New(&buf, 3*time.Second, `^\[(engine|swarm)\]`, `Ice connection failed`)
	w.now = func() time.Time { return now }

	_, _ = w.Write([]byte("[engine] started\n"))
	_, _ = w.Write([]byte("[engine] started\n"))
	_, _ = w.Write([]byte("[http] GET /stream\n"))
	_, _ = w.Write([]byte("[swarm] warning: Ice connection failed\n"))

	assert.Equal(t, "[engine] started\n", buf.String())
	assert.EqualValues(t, 3, w.Dropped())

	now = now.Add(4 * time.Second)
	_, _ = w.Write([]byte("[engine] started\n"))
	assert.Equal(t, "[engine] started\n[engine] started\n", buf.String())
}

func TestWriter_SweepsExpiredKeys(t *testing.T) {
	var buf bytes.Buffer
	now := time.Unix(100, 0)
	w := New(&buf, time.Second, "", "")
	w.now = func() time.Time { return now }

	for _, l := range []string{"a\n", "b\n", "c\n"} {
		_, _ = w.Write([]byte(l))
	}
	assert.Equal(t, 3, w.Tracked())

	now = now.Add(2 * time.Second)
	_, _ = w.Write([]byte("d\n"))
	assert.Equal(t, 1, w.Tracked())
}

func TestWriter_InvalidPatternIgnored(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, 0, "([", "")
	_, _ = w.Write([]byte("anything\n"))
	assert.Equal(t, "anything\n", buf.String())
}
