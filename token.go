package ingest

import (
	"fmt"
	"time"
)

const (
	// NewToken asks the API for a fresh window starting now.
	NewToken = "NEW"

	tokenLayout = "20060102150405.000"
	tokenWidth  = 17
)

// TokenParseError reports a since-token that is neither NEW nor a 17 digit timestamp.
type TokenParseError struct {
	Token  string
	Reason string
}

func (e *TokenParseError) Error() string {
	return fmt.Sprintf("invalid since token %q: %s", e.Token, e.Reason)
}

// SinceToken is the structured form of the API cursor. The wire form is either NEW or
// YYYYMMDDHHMMSSmmm in UTC.
type SinceToken struct {
	at    time.Time
	isNew bool
}

func NewSinceToken(at time.Time) SinceToken {
	return SinceToken{at: at.UTC().Truncate(time.Millisecond)}
}

func ParseSinceToken(s string) (SinceToken, error) {
	if s == NewToken {
		return SinceToken{isNew: true}, nil
	}
	if len(s) != tokenWidth {
		return SinceToken{}, &TokenParseError{Token: s, Reason: fmt.Sprintf("expected %d digits, got %d characters", tokenWidth, len(s))}
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return SinceToken{}, &TokenParseError{Token: s, Reason: fmt.Sprintf("non digit at position %d", i)}
		}
	}

	at, err := time.ParseInLocation(tokenLayout, s[:14]+"."+s[14:], time.UTC)
	if err != nil {
		return SinceToken{}, &TokenParseError{Token: s, Reason: err.Error()}
	}

	return SinceToken{at: at}, nil
}

func (t SinceToken) IsNew() bool {
	return t.isNew
}

// Time is the position encoded in the token. Zero for NEW.
func (t SinceToken) Time() time.Time {
	return t.at
}

// Add moves the token forward by d. NEW cannot be advanced and is returned unchanged.
func (t SinceToken) Add(d time.Duration) SinceToken {
	if t.isNew {
		return t
	}
	return SinceToken{at: t.at.Add(d)}
}

// Age is how far the token lies behind now. Zero for NEW.
func (t SinceToken) Age(now time.Time) time.Duration {
	if t.isNew {
		return 0
	}
	return now.Sub(t.at)
}

func (t SinceToken) String() string {
	if t.isNew {
		return NewToken
	}
	s := t.at.UTC().Format(tokenLayout)
	return s[:14] + s[15:]
}

// TokenExpired reports whether a stored token must be replaced by NEW before use:
// it is unparsable, or older than maxAge.
func TokenExpired(token string, now time.Time, maxAge time.Duration) bool {
	parsed, err := ParseSinceToken(token)
	if err != nil {
		return true
	}
	if parsed.IsNew() {
		return false
	}
	return parsed.Age(now) > maxAge
}
