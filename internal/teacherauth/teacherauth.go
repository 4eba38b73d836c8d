// Package teacherauth authenticates dashboard accounts against bcrypt
// hashes and locks out addresses that keep failing.
package teacherauth

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"proctord/internal/clock"
	"proctord/internal/security"
)

// Lockout defaults.
const (
	DefaultMaxFailures  = 3
	DefaultWindow       = 15 * time.Minute
	DefaultLockDuration = 15 * time.Minute
)

var (
	ErrMissingCredentials = errors.New("teacherauth: missing credentials")
	ErrInvalidCredentials = errors.New("teacherauth: invalid credentials")
	ErrLockedOut          = errors.New("teacherauth: too many attempts")
)

// LockoutError carries the remaining lockout time.
type LockoutError struct {
	Remaining time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("teacherauth: too many attempts, retry in %s", e.Remaining.Round(time.Second))
}

func (e *LockoutError) Unwrap() error { return ErrLockedOut }

// Credential is one account.
type Credential struct {
	Username     string
	PasswordHash string
}

// Teacher is an authenticated account.
type Teacher struct {
	Username  string
	Remote    string
	LoginTime time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(a *Authenticator) { a.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Authenticator) { a.logger = l } }

// WithLockout overrides the lockout policy.
func WithLockout(maxFailures int, window, lockDuration time.Duration) Option {
	return func(a *Authenticator) {
		a.maxFailures, a.window, a.lockDuration = maxFailures, window, lockDuration
	}
}

// Authenticator checks teacher logins.
type Authenticator struct {
	mu          sync.RWMutex
	credentials map[string][]byte

	clock        clock.Clock
	logger       *slog.Logger
	limiter      *security.FailureLimiter
	maxFailures  int
	window       time.Duration
	lockDuration time.Duration
}

// dummyHash is compared against for unknown users so that the response
// time does not reveal which usernames exist.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("proctord-dummy"), bcrypt.MinCost)

// New creates an Authenticator over creds.
func New(creds []Credential, opts ...Option) *Authenticator {
	a := &Authenticator{
		clock:        clock.Real(),
		logger:       slog.Default(),
		maxFailures:  DefaultMaxFailures,
		window:       DefaultWindow,
		lockDuration: DefaultLockDuration,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "teacherauth")
	a.limiter = security.NewFailureLimiter(a.maxFailures, a.window, a.lockDuration, a.clock)
	a.SetCredentials(creds)
	return a
}

// SetCredentials replaces the accounts, e.g. after a config reload.
func (a *Authenticator) SetCredentials(creds []Credential) {
	m := make(map[string][]byte, len(creds))
	for _, c := range creds {
		if c.Username == "" || c.PasswordHash == "" {
			continue
		}
		m[c.Username] = []byte(c.PasswordHash)
	}
	a.mu.Lock()
	a.credentials = m
	a.mu.Unlock()
}

// Accounts returns how many accounts are configured.
func (a *Authenticator) Accounts() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.credentials)
}

// Authenticate checks username and password for a client at remote.
// Failures count against remote; a locked remote is rejected without
// checking the password.
func (a *Authenticator) Authenticate(username, password, remote string) (Teacher, error) {
	if d := a.limiter.LockedFor(remote); d > 0 {
		a.logger.Warn("teacher login rejected while locked out", "remote", remote, "remaining", d)
		return Teacher{}, &LockoutError{Remaining: d}
	}

	if username == "" || password == "" {
		a.fail(remote, username)
		return Teacher{}, ErrMissingCredentials
	}

	a.mu.RLock()
	hash, ok := a.credentials[username]
	a.mu.RUnlock()
	if !ok {
		hash = dummyHash
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !ok {
		if d := a.fail(remote, username); d > 0 {
			return Teacher{}, &LockoutError{Remaining: d}
		}
		return Teacher{}, ErrInvalidCredentials
	}

	a.limiter.RecordSuccess(remote)
	a.logger.Info("teacher authenticated", "username", username, "remote", remote)
	return Teacher{Username: username, Remote: remote, LoginTime: a.clock.Now()}, nil
}

// fail records a failure and returns the lockout that resulted, if any.
func (a *Authenticator) fail(remote, username string) time.Duration {
	if a.limiter.RecordFailure(remote) {
		d := a.limiter.LockedFor(remote)
		a.logger.Warn("teacher login locked out", "remote", remote, "username", username, "duration", d)
		return d
	}
	a.logger.Info("teacher login failed", "remote", remote, "username", username)
	return 0
}

// LockedOut returns how long remote remains locked, or zero.
func (a *Authenticator) LockedOut(remote string) time.Duration {
	return a.limiter.LockedFor(remote)
}

// Prune forgets expired failure records.
func (a *Authenticator) Prune() int {
	return a.limiter.Prune()
}

// HashPassword returns a bcrypt hash suitable for the relay config.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrMissingCredentials
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}
