package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func NormalizeAddress(a string) string {
	// keep it simple for MVP; provider-side JIDs are already canonical
	return strings.ReplaceAll(strings.TrimSpace(a), " ", "")
}

func newID(prefix string) string {
	// ULID is sortable (nice for DB indexes and dashboards)
	t := time.Now().UTC()
	return prefix + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewMessageID() string  { return newID("msg_") }
func NewCampaignID() string { return newID("camp_") }
func NewScheduleID() string { return newID("sched_") }

func NowUTC() time.Time {
	return time.Now().UTC()
}
