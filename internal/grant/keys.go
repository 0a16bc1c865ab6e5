package grant

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Object store namespaces. Requests and removals embed their deadline in
// the key so expiry is recoverable without reading the value; idx/
// entries mirror them ordered by deadline so "list all due" terminates
// at the first future entry instead of scanning the whole namespace.
const (
	RequestPrefix        = "requests/"
	RemovalPrefix        = "removals/"
	ApprovalPrefix       = "approvals/"
	ExpiredRequestPrefix = "expired_requests/"
	indexPrefix          = "idx/"
)

// epochMillis formats a deadline the way the key codec stores it.
func epochMillis(t time.Time) int64 { return t.UnixMilli() }

// RequestKey builds the record key for a pending request.
func RequestKey(id string, validUntil time.Time) string {
	return fmt.Sprintf("%s%s-%d", RequestPrefix, id, epochMillis(validUntil))
}

// RemovalKey builds the record key for an active grant; the embedded
// timestamp is the removal deadline, not the approval time.
func RemovalKey(id string, expiresAt time.Time) string {
	return fmt.Sprintf("%s%s-%d", RemovalPrefix, id, epochMillis(expiresAt))
}

// indexKey builds the deadline-ordered index entry for a record key.
// Millis are zero-padded to 13 digits so lexical order equals time
// order.
func indexKey(recordPrefix, id string, deadline time.Time) string {
	return fmt.Sprintf("%s%s%013d-%s", indexPrefix, recordPrefix, epochMillis(deadline), id)
}

// parseKey splits a record key of the form <prefix><id>-<millis> into
// its id and deadline.
func parseKey(key, prefix string) (id string, deadline time.Time, err error) {
	rest := strings.TrimPrefix(key, prefix)
	if rest == key {
		return "", time.Time{}, fmt.Errorf("key %q lacks prefix %q", key, prefix)
	}
	sep := strings.LastIndex(rest, "-")
	if sep < 0 {
		return "", time.Time{}, fmt.Errorf("key %q has no deadline suffix", key)
	}
	millis, perr := strconv.ParseInt(rest[sep+1:], 10, 64)
	if perr != nil {
		return "", time.Time{}, fmt.Errorf("key %q has malformed deadline: %w", key, perr)
	}
	return rest[:sep], time.UnixMilli(millis), nil
}

// parseIndexKey splits an index entry back into its deadline and id.
func parseIndexKey(key, recordPrefix string) (id string, deadline time.Time, err error) {
	rest := strings.TrimPrefix(key, indexPrefix+recordPrefix)
	if rest == key {
		return "", time.Time{}, fmt.Errorf("index key %q lacks prefix", key)
	}
	sep := strings.Index(rest, "-")
	if sep < 0 {
		return "", time.Time{}, fmt.Errorf("index key %q has no id suffix", key)
	}
	millis, perr := strconv.ParseInt(rest[:sep], 10, 64)
	if perr != nil {
		return "", time.Time{}, fmt.Errorf("index key %q has malformed deadline: %w", key, perr)
	}
	return rest[sep+1:], time.UnixMilli(millis), nil
}
