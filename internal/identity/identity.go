package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoSubject = errors.New("access token has no subject")

// Identity is the holder id this process uses in lock intents.
type Identity struct {
	ID    string
	Guest bool
}

func (i Identity) String() string { return i.ID }

// FromUserID is an authenticated numeric user id cast to string.
func FromUserID(id int64) Identity {
	return Identity{ID: strconv.FormatInt(id, 10)}
}

// FromAccessToken reads the user id from the sub (or user_id) claim. The
// signature is not checked here; the broker verifies tokens.
func FromAccessToken(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse access token: %w", err)
	}
	for _, key := range []string{"sub", "user_id"} {
		switch v := claims[key].(type) {
		case string:
			if v != "" {
				return Identity{ID: v}, nil
			}
		case float64:
			return FromUserID(int64(v)), nil
		}
	}
	return Identity{}, ErrNoSubject
}

// Guests hands out one guest identity per process, created on first use.
type Guests struct {
	once sync.Once
	id   Identity
	now  func() time.Time
}

func NewGuests() *Guests { return &Guests{now: time.Now} }

func (g *Guests) Get() Identity {
	g.once.Do(func() {
		now := time.Now
		if g.now != nil {
			now = g.now
		}
		g.id = Identity{ID: NewGuestID(now()), Guest: true}
	})
	return g.id
}

const guestCharset = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewGuestID returns guest_<unixMillis>_<9 base36 chars>.
func NewGuestID(now time.Time) string {
	b := make([]byte, 9)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(guestCharset))))
		if err != nil {
			b[i] = guestCharset[now.UnixNano()%int64(len(guestCharset))]
			continue
		}
		b[i] = guestCharset[n.Int64()]
	}
	return fmt.Sprintf("guest_%d_%s", now.UnixMilli(), b)
}

// Resolve picks the identity in order: access token, numeric user id, guest.
func Resolve(accessToken string, userID int64, guests *Guests) (Identity, error) {
	if accessToken != "" {
		return FromAccessToken(accessToken)
	}
	if userID > 0 {
		return FromUserID(userID), nil
	}
	return guests.Get(), nil
}
