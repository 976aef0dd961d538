package printer

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrinter(t *testing.T) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var out, errOut bytes.Buffer
	return New(&out, &errOut), &out, &errOut
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		p, _, errOut := newTestPrinter(t)
		err := p.Error("Test Error", "This is a test error", nil)
		require.Error(t, err)
		assert.Equal(t, "Test Error", err.Error())
		assert.Equal(t, "Test Error\n\nThis is a test error\n", errOut.String())
	})

	t.Run("single suggestion", func(t *testing.T) {
		p, _, errOut := newTestPrinter(t)
		_ = p.Error("Test Error", "Explanation", []string{"Try this fix"})
		assert.Contains(t, errOut.String(), "\nTry this fix\n")
		assert.NotContains(t, errOut.String(), "Either:")
	})

	t.Run("multiple suggestions are numbered", func(t *testing.T) {
		p, _, errOut := newTestPrinter(t)
		_ = p.Error("Test Error", "Explanation", []string{"First option", "Second option"})
		assert.Contains(t, errOut.String(), "Either:\n  1. First option\n  2. Second option\n")
	})
}

func TestErrorWithContext(t *testing.T) {
	p, out, errOut := newTestPrinter(t)
	err := p.ErrorWithContext("Redis unreachable", "", map[string]string{
		"redis": "redis://localhost:6379",
		"node":  "node-a",
	}, []string{"Check REDIS_URL"})

	require.EqualError(t, err, "Redis unreachable")
	assert.Empty(t, out.String())
	assert.Equal(t,
		"Redis unreachable\n\n\n  node: node-a\n  redis: redis://localhost:6379\n\nCheck REDIS_URL\n",
		errOut.String(),
		"details are sorted by key")
}

func TestMessages(t *testing.T) {
	p, out, errOut := newTestPrinter(t)

	p.Success("evicted %d entries\n", 3)
	p.Success("✓ already prefixed\n")
	p.Step("connecting\n")
	p.Info("plain %s\n", "text")
	p.Warning("skipping %s\n", "bad entry")

	assert.Equal(t, "✓ evicted 3 entries\n✓ already prefixed\n→ connecting\nplain text\n", out.String())
	assert.Equal(t, "⚠️  skipping bad entry\n", errOut.String())
}

func TestStatus(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	assert.Equal(t, "COMPLETED", Status("COMPLETED"))
	assert.Equal(t, "-", Status(""))
	assert.Equal(t, "custom", Status("custom"))
}
