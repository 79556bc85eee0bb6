// Package credentials derives the username and initial password of a new account.
package credentials

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"unicode"

	"schoolportal/identity/internal/apperrors"
)

const (
	suffixMin = 100
	suffixMax = 10000
	saltMin   = 10
	saltMax   = 100
)

// Pair holds freshly generated credentials. Password is plaintext and must
// never be persisted.
type Pair struct {
	Username string
	Password string
}

// Generator derives credential pairs. The zero value draws from crypto/rand.
type Generator struct {
	// Intn returns a uniform integer in [0, n). Overridden in tests.
	Intn func(n int64) (int64, error)
}

func (g Generator) Generate(name, salt string) (Pair, error) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return Pair{}, apperrors.New(apperrors.CodeMalformedInput, "name is required")
	}
	suffix, err := g.between(suffixMin, suffixMax)
	if err != nil {
		return Pair{}, apperrors.Wrap(apperrors.CodeInternal, "draw password suffix", err)
	}
	return Pair{
		Username: Username(name) + salt,
		Password: fields[0] + strconv.FormatInt(suffix, 10),
	}, nil
}

// Salt returns a two digit disambiguation suffix for a colliding username.
func (g Generator) Salt() (string, error) {
	value, err := g.between(saltMin, saltMax)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "draw username salt", err)
	}
	return strconv.FormatInt(value, 10), nil
}

// Username is the lowercase display name with all whitespace removed.
func Username(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (g Generator) between(min, max int64) (int64, error) {
	intn := g.Intn
	if intn == nil {
		intn = cryptoIntn
	}
	value, err := intn(max - min)
	if err != nil {
		return 0, err
	}
	return min + value, nil
}

func cryptoIntn(n int64) (int64, error) {
	value, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0, err
	}
	return value.Int64(), nil
}
