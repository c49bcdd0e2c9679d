package config

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/bcrypt"
)

var (
	markerRe = regexp.MustCompile(`^\w[\w-]*$`)
	loginRe  = regexp.MustCompile(`^\w+$`)
)

// InvalidValue is a key whose value cannot be used.
type InvalidValue struct {
	Key    string
	Value  string
	Reason string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	InvalidAddresses []InvalidValue
	InvalidValues    []InvalidValue
	InvalidAccounts  []InvalidValue
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.InvalidAddresses) > 0 || len(e.InvalidValues) > 0 || len(e.InvalidAccounts) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")

	writeSection(&sb, "Invalid listen addresses", e.InvalidAddresses)
	writeSection(&sb, "Invalid values", e.InvalidValues)
	writeSection(&sb, "Invalid accounts", e.InvalidAccounts)

	return sb.String()
}

func writeSection(sb *strings.Builder, title string, values []InvalidValue) {
	if len(values) == 0 {
		return
	}
	sb.WriteString("\n" + title + ":\n")
	for _, v := range values {
		sb.WriteString(fmt.Sprintf("  - %s=%q (%s)\n", v.Key, v.Value, v.Reason))
	}
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	validateAddr(errs, "in_addr", c.InAddr)
	validateAddr(errs, "wait_addr", c.WaitAddr)

	nonNegative(errs, "in_maxlen", c.InMaxLen)
	nonNegative(errs, "max_data_for_id", c.MaxDataForID)
	nonNegative(errs, "event_chain_len", c.EventChainLen)
	if c.InAcceptRate < 0 {
		errs.invalid("in_accept_rate", strconv.FormatFloat(c.InAcceptRate, 'f', -1, 64), "must be >= 0")
	}

	nonNegativeDuration(errs, "in_timeout", c.InTimeout)
	nonNegativeDuration(errs, "in_close_delay", c.InCloseDelay)
	nonNegativeDuration(errs, "offline_timeout", c.OfflineTimeout)
	positiveDuration(errs, "wait_timeout", c.WaitTimeout)
	positiveDuration(errs, "clean_id_after", c.CleanIDAfter)
	positiveDuration(errs, "timer_resolution", c.TimerResolution)

	if !markerRe.MatchString(c.Identifier) {
		errs.invalid("identifier", c.Identifier, "must be a word")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs.invalid("logging.level", c.Logging.Level, "unknown level")
	}

	logins := make([]string, 0, len(c.Accounts))
	for login := range c.Accounts {
		logins = append(logins, login)
	}
	sort.Strings(logins)
	for _, login := range logins {
		if !loginRe.MatchString(login) {
			errs.InvalidAccounts = append(errs.InvalidAccounts, InvalidValue{Key: "accounts", Value: login, Reason: "login must be alphanumeric"})
			continue
		}
		if _, err := bcrypt.Cost([]byte(c.Accounts[login])); err != nil {
			errs.InvalidAccounts = append(errs.InvalidAccounts, InvalidValue{Key: "accounts." + login, Value: "****", Reason: "not a bcrypt hash"})
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func (e *ValidationErrors) invalid(key, value, reason string) {
	e.InvalidValues = append(e.InvalidValues, InvalidValue{Key: key, Value: value, Reason: reason})
}

func validateAddr(errs *ValidationErrors, key, addr string) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		errs.InvalidAddresses = append(errs.InvalidAddresses, InvalidValue{Key: key, Value: addr, Reason: "expected host:port"})
		return
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		errs.InvalidAddresses = append(errs.InvalidAddresses, InvalidValue{Key: key, Value: addr, Reason: "bad port"})
	}
}

func nonNegative(errs *ValidationErrors, key string, n int) {
	if n < 0 {
		errs.invalid(key, strconv.Itoa(n), "must be >= 0")
	}
}

func nonNegativeDuration(errs *ValidationErrors, key string, d time.Duration) {
	if d < 0 {
		errs.invalid(key, d.String(), "must be >= 0")
	}
}

func positiveDuration(errs *ValidationErrors, key string, d time.Duration) {
	if d <= 0 {
		errs.invalid(key, d.String(), "must be > 0")
	}
}
