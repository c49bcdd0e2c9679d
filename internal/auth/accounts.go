package auth

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnknownLogin    = errors.New("unknown login")
	ErrInvalidPassword = errors.New("invalid password")
	ErrGuestDenied     = errors.New("access denied for guest user")
)

// Accounts is the read-only login -> password hash table.
// The empty login is the guest account.
type Accounts struct {
	hashes map[string]string
}

// NewAccounts builds a table from login -> bcrypt hash pairs.
func NewAccounts(hashes map[string]string, allowGuest bool) *Accounts {
	a := &Accounts{hashes: make(map[string]string, len(hashes)+1)}
	for login, hash := range hashes {
		a.hashes[login] = hash
	}
	if allowGuest {
		if _, ok := a.hashes[""]; !ok {
			a.hashes[""] = ""
		}
	}
	return a
}

// HasAccount reports whether login is present.
func (a *Accounts) HasAccount(login string) bool {
	_, ok := a.hashes[login]
	return ok
}

// HashFor returns the stored hash for login.
func (a *Accounts) HashFor(login string) string {
	return a.hashes[login]
}

// Logins returns the configured logins, sorted. The guest shows up as "".
func (a *Accounts) Logins() []string {
	logins := make([]string, 0, len(a.hashes))
	for login := range a.hashes {
		logins = append(logins, login)
	}
	sort.Strings(logins)
	return logins
}

// Verify checks credentials. An empty login asks for guest access.
func (a *Accounts) Verify(login, password string) error {
	if login == "" {
		if !a.HasAccount("") {
			return ErrGuestDenied
		}
		return nil
	}
	if !a.HasAccount(login) {
		return fmt.Errorf("%w: %s", ErrUnknownLogin, login)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.HashFor(login)), []byte(password)); err != nil {
		return fmt.Errorf("%w for login: %s", ErrInvalidPassword, login)
	}
	return nil
}

// HashPassword returns a bcrypt hash suitable for the account table.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// LoadUsersFile reads an htpasswd-style file of login:hash lines.
// Blank lines and # comments are skipped; a line with an empty login
// (":") enables the guest account.
func LoadUsersFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening users file: %w", err)
	}
	defer f.Close()

	users, err := ParseUsers(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return users, nil
}

// ParseUsers parses login:hash lines from r.
func ParseUsers(r io.Reader) (map[string]string, error) {
	users := make(map[string]string)
	scanner := bufio.NewScanner(r)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		login, hash, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("line %d: expected login:hash", lineNum)
		}
		users[strings.TrimSpace(login)] = strings.TrimSpace(hash)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return users, nil
}
