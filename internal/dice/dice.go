// Package dice parses and rolls tabletop dice expressions such as
// "2d6+1d4+3".
//
// An expression is a sum of terms. Each term is either NdM (N dice with M
// sides, N defaulting to 1) or an integer modifier, and may be negated:
//
//	1d20+5
//	4d6-1d4
//	d8
//
// Rolls are independent of any session state; callers decide who may see
// the result.
package dice

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	MaxDice  = 100
	MaxSides = 1000
	MaxTerms = 10
)

var (
	// ErrEmptyExpression is returned for a blank expression.
	ErrEmptyExpression = errors.New("dice expression is empty")
	// ErrInvalidExpression is returned when a term cannot be parsed.
	ErrInvalidExpression = errors.New("invalid dice expression")
	// ErrOutOfRange is returned when a count, side or term limit is exceeded.
	ErrOutOfRange = errors.New("dice expression out of range")
)

// Term is one parsed part of an expression. Dice terms have Sides > 0;
// modifiers have Sides == 0 and carry their value in Count.
type Term struct {
	Sign  int
	Count int
	Sides int
}

// IsDice reports whether the term rolls dice.
func (t Term) IsDice() bool { return t.Sides > 0 }

// Expression is a validated dice expression.
type Expression struct {
	Source string
	Terms  []Term
}

// Parse validates s.
func Parse(s string) (Expression, error) {
	src := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	if src == "" {
		return Expression{}, ErrEmptyExpression
	}

	var terms []Term
	sign := 1
	start := 0
	for i := 0; i <= len(src); i++ {
		if i < len(src) && src[i] != '+' && src[i] != '-' {
			continue
		}
		if i == start {
			// A leading sign is allowed; anything else is an empty term.
			if i != 0 {
				return Expression{}, fmt.Errorf("%w: empty term at %d", ErrInvalidExpression, i)
			}
		} else {
			term, err := parseTerm(src[start:i], sign)
			if err != nil {
				return Expression{}, err
			}
			terms = append(terms, term)
		}
		if i < len(src) {
			if src[i] == '-' {
				sign = -1
			} else {
				sign = 1
			}
		}
		start = i + 1
	}
	if len(terms) == 0 {
		return Expression{}, ErrEmptyExpression
	}
	if len(terms) > MaxTerms {
		return Expression{}, fmt.Errorf("%w: at most %d terms", ErrOutOfRange, MaxTerms)
	}
	return Expression{Source: src, Terms: terms}, nil
}

func parseTerm(s string, sign int) (Term, error) {
	countPart, sidesPart, isDice := strings.Cut(s, "d")
	if !isDice {
		value, err := strconv.Atoi(s)
		if err != nil {
			return Term{}, fmt.Errorf("%w: %q", ErrInvalidExpression, s)
		}
		if value > MaxSides*MaxDice {
			return Term{}, fmt.Errorf("%w: modifier %d", ErrOutOfRange, value)
		}
		return Term{Sign: sign, Count: value}, nil
	}

	count := 1
	if countPart != "" {
		n, err := strconv.Atoi(countPart)
		if err != nil {
			return Term{}, fmt.Errorf("%w: %q", ErrInvalidExpression, s)
		}
		count = n
	}
	sides, err := strconv.Atoi(sidesPart)
	if err != nil {
		return Term{}, fmt.Errorf("%w: %q", ErrInvalidExpression, s)
	}
	if count < 1 || count > MaxDice {
		return Term{}, fmt.Errorf("%w: dice count %d", ErrOutOfRange, count)
	}
	if sides < 2 || sides > MaxSides {
		return Term{}, fmt.Errorf("%w: sides %d", ErrOutOfRange, sides)
	}
	return Term{Sign: sign, Count: count, Sides: sides}, nil
}

// TermResult is the outcome of one dice term.
type TermResult struct {
	Term  Term
	Rolls []int
}

// Result is a rolled expression.
type Result struct {
	Expression Expression
	Terms      []TermResult
	Modifier   int
	Total      int
}

// Roller rolls expressions. It is safe for concurrent use.
type Roller struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRoller returns a roller seeded from the clock.
func NewRoller() *Roller {
	return NewSeededRoller(time.Now().UnixNano())
}

// NewSeededRoller returns a deterministic roller.
func NewSeededRoller(seed int64) *Roller {
	return &Roller{rng: rand.New(rand.NewSource(seed))}
}

// Roll evaluates expr.
func (r *Roller) Roll(expr Expression) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := Result{Expression: expr}
	for _, term := range expr.Terms {
		if !term.IsDice() {
			result.Modifier += term.Sign * term.Count
			continue
		}
		rolls := make([]int, term.Count)
		sum := 0
		for i := range rolls {
			rolls[i] = r.rng.Intn(term.Sides) + 1
			sum += rolls[i]
		}
		result.Terms = append(result.Terms, TermResult{Term: term, Rolls: rolls})
		result.Total += term.Sign * sum
	}
	result.Total += result.Modifier
	return result
}
