package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var challengeWords = []string{
	"pencil", "window", "garden", "river", "planet", "candle", "marble", "harbor",
	"silver", "ladder", "orange", "forest", "bridge", "rocket", "violet", "thunder",
}

type challenge struct {
	ID           string
	Prompt       string
	ExpiresAt    time.Time
	expectedHash string
}

// challenger issues periodic "are you there" prompts that a script replaying telemetry
// cannot anticipate.
type challenger struct {
	interval time.Duration
	window   time.Duration
	variance float64 // fraction of interval to randomize, 0..1
	rng      *rand.Rand
	generate func(r *rand.Rand) (prompt, answer string)

	pending *challenge
	next    time.Time
}

func newChallenger(interval, window time.Duration, now time.Time) *challenger {
	if window <= 0 || window > interval {
		window = interval
	}
	c := &challenger{
		interval: interval,
		window:   window,
		variance: 0.25,
		rng:      rand.New(rand.NewSource(now.UnixNano())),
		generate: generatePrompt,
	}
	c.schedule(now)
	return c
}

func generatePrompt(r *rand.Rand) (string, string) {
	if r.Intn(2) == 0 {
		a, b := r.Intn(9)+1, r.Intn(9)+1
		return fmt.Sprintf("What is %d + %d?", a, b), strconv.Itoa(a + b)
	}
	w := challengeWords[r.Intn(len(challengeWords))]
	return fmt.Sprintf("Type the word: %s", w), w
}

func hashAnswer(s string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(s))))
	return hex.EncodeToString(sum[:])
}

func (c *challenger) schedule(now time.Time) {
	d := c.interval
	if c.variance > 0 {
		d = time.Duration(float64(d) * (1 - c.variance + 2*c.variance*c.rng.Float64()))
	}
	c.next = now.Add(d)
}

func (c *challenger) due(now time.Time) bool {
	return c.pending == nil && !now.Before(c.next)
}

func (c *challenger) issue(now time.Time) challenge {
	prompt, answer := c.generate(c.rng)
	ch := challenge{
		ID:           uuid.NewString(),
		Prompt:       prompt,
		ExpiresAt:    now.Add(c.window),
		expectedHash: hashAnswer(answer),
	}
	c.pending = &ch
	return ch
}

// expire returns the pending challenge if its window has passed.
func (c *challenger) expire(now time.Time) (challenge, bool) {
	if c.pending == nil || now.Before(c.pending.ExpiresAt) {
		return challenge{}, false
	}
	ch := *c.pending
	c.pending = nil
	c.schedule(now)
	return ch, true
}

// answer checks a response. known is false for a stale or unknown challenge id.
func (c *challenger) answer(id, response string, now time.Time) (passed, known bool) {
	if c.pending == nil || c.pending.ID != id {
		return false, false
	}
	passed = hashAnswer(response) == c.pending.expectedHash
	c.pending = nil
	c.schedule(now)
	return passed, true
}
