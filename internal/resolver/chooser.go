package resolver

import (
	"math/rand/v2"
	"sync"
)

// Chooser returns a uniformly distributed index in [0, n).
type Chooser interface {
	Choose(n int) int
}

// ChooserFunc adapts a function to Chooser.
type ChooserFunc func(n int) int

// Choose calls f(n).
func (f ChooserFunc) Choose(n int) int { return f(n) }

// Uniform draws from the process-wide generator.
var Uniform Chooser = ChooserFunc(rand.IntN)

type seededChooser struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeededChooser returns a deterministic chooser for tests and replays.
func NewSeededChooser(seed uint64) Chooser {
	return &seededChooser{rng: rand.New(rand.NewPCG(seed, seed>>1|1))}
}

func (c *seededChooser) Choose(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.IntN(n)
}

// Pick returns one element of options chosen by c, or "" if options is empty.
func Pick(c Chooser, options []string) string {
	if len(options) == 0 {
		return ""
	}
	if c == nil {
		c = Uniform
	}
	i := c.Choose(len(options))
	if i < 0 || i >= len(options) {
		i = 0
	}
	return options[i]
}
