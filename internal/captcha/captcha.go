package captcha

import (
	"fmt"
	"math/rand"
	"strings"
)

// Challenge is one human-solvable puzzle. Answers are numeric or HH:MM
// strings, so comparison is an exact match after trimming whitespace.
type Challenge struct {
	Label  string
	Prompt string
	Answer string
	Hint   string
}

// Render produces the message shown to the user.
func (c Challenge) Render() string {
	var b strings.Builder
	b.WriteString("🧩 ")
	b.WriteString(c.Label)
	b.WriteString("\n\n")
	b.WriteString(c.Prompt)
	if c.Hint != "" {
		b.WriteString("\n💡 Hint: ")
		b.WriteString(c.Hint)
	}
	b.WriteString("\n\nReply with the answer.")
	return b.String()
}

// Check reports whether a user reply solves the challenge.
func (c Challenge) Check(reply string) bool {
	return strings.TrimSpace(reply) == c.Answer
}

type factory func(rng *rand.Rand) Challenge

type pool struct {
	key     string
	label   string
	factory factory
}

// Registry order is the display order in the manager keyboard.
var registry = []pool{
	{"math", "Mental arithmetic", mathQuiz},
	{"sequence", "Number sequence", sequenceQuiz},
	{"numberword", "Number words", numberWordQuiz},
	{"logic", "Short riddle", logicQuiz},
	{"clock", "Time conversion", clockQuiz},
}

// PoolKeys returns every recognized pool key, in display order.
func PoolKeys() []string {
	keys := make([]string, len(registry))
	for i, p := range registry {
		keys[i] = p.key
	}
	return keys
}

// PoolLabel returns the human label for a pool key, or the key itself when
// unrecognized.
func PoolLabel(key string) string {
	for _, p := range registry {
		if p.key == key {
			return p.label
		}
	}
	return key
}

// Normalize filters a pool selection down to recognized keys. An empty
// result means the caller should treat the selection as "all pools".
func Normalize(selection []string) []string {
	var out []string
	for _, key := range selection {
		for _, p := range registry {
			if p.key == key {
				out = append(out, key)
				break
			}
		}
	}
	return out
}

// Generate picks one pool uniformly from the selection and produces a
// puzzle from it. An empty or fully unrecognized selection falls back to
// the whole registry. Pure given rng.
func Generate(rng *rand.Rand, selection []string) Challenge {
	pools := make([]pool, 0, len(registry))
	for _, key := range Normalize(selection) {
		for _, p := range registry {
			if p.key == key {
				pools = append(pools, p)
			}
		}
	}
	if len(pools) == 0 {
		pools = registry
	}
	return pools[rng.Intn(len(pools))].factory(rng)
}

func mathQuiz(rng *rand.Rand) Challenge {
	var expr string
	var answer int
	switch rng.Intn(3) {
	case 0: // addition / subtraction
		a, b := 10+rng.Intn(90), 10+rng.Intn(90)
		if rng.Intn(2) == 0 {
			expr = fmt.Sprintf("%d + %d = ?", a, b)
			answer = a + b
		} else {
			expr = fmt.Sprintf("%d - %d = ?", a, b)
			answer = a - b
		}
	case 1: // multiplication
		a, b := 2+rng.Intn(11), 2+rng.Intn(11)
		expr = fmt.Sprintf("%d × %d = ?", a, b)
		answer = a * b
	default: // operator precedence
		a, b, c := 5+rng.Intn(16), 1+rng.Intn(10), 1+rng.Intn(10)
		expr = fmt.Sprintf("%d + %d × %d = ?", a, b, c)
		answer = a + b*c
	}
	return Challenge{
		Label:  "Mental arithmetic",
		Prompt: "Compute: " + expr,
		Answer: fmt.Sprintf("%d", answer),
	}
}

func sequenceQuiz(rng *rand.Rand) Challenge {
	base := 1 + rng.Intn(9)
	delta := 2 + rng.Intn(4)
	terms := make([]string, 4)
	for i := range terms {
		terms[i] = fmt.Sprintf("%d", base+i*delta)
	}
	return Challenge{
		Label:  "Number sequence",
		Prompt: "Fill in the next term: " + strings.Join(terms, ", ") + ", ?",
		Answer: fmt.Sprintf("%d", base+4*delta),
	}
}

var ones = []string{"", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine"}
var teens = []string{"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen", "seventeen", "eighteen", "nineteen"}
var tens = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}

func spellNumber(n int) string {
	if n < 10 {
		return ones[n]
	}
	if n < 20 {
		return teens[n-10]
	}
	word := tens[n/10]
	if n%10 != 0 {
		word += "-" + ones[n%10]
	}
	return word
}

func numberWordQuiz(rng *rand.Rand) Challenge {
	n := 10 + rng.Intn(90)
	return Challenge{
		Label:  "Number words",
		Prompt: "Write the following number in digits:",
		Answer: fmt.Sprintf("%d", n),
		Hint:   spellNumber(n),
	}
}

func logicQuiz(rng *rand.Rand) Challenge {
	if rng.Intn(2) == 0 {
		age := 5 + rng.Intn(8)
		return Challenge{
			Label:  "Short riddle",
			Prompt: fmt.Sprintf("Lee is %d years old today. How old will Lee be in 5 years?", age),
			Answer: fmt.Sprintf("%d", age+5),
		}
	}
	apples := 6 + rng.Intn(7)
	return Challenge{
		Label:  "Short riddle",
		Prompt: fmt.Sprintf("A basket holds %d apples. After eating 3, how many are left?", apples),
		Answer: fmt.Sprintf("%d", apples-3),
	}
}

func dayPeriod(hour int) string {
	switch {
	case hour < 6:
		return "at night"
	case hour < 12:
		return "in the morning"
	case hour < 18:
		return "in the afternoon"
	default:
		return "in the evening"
	}
}

func clockQuiz(rng *rand.Rand) Challenge {
	hour := rng.Intn(24)
	minute := []int{0, 15, 30, 45}[rng.Intn(4)]
	h12 := hour % 12
	if h12 == 0 {
		h12 = 12
	}
	return Challenge{
		Label:  "Time conversion",
		Prompt: "Write the time in 24-hour format (HH:MM):",
		Answer: fmt.Sprintf("%02d:%02d", hour, minute),
		Hint:   fmt.Sprintf("%d:%02d %s", h12, minute, dayPeriod(hour)),
	}
}
