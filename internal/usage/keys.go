package usage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const bucketLayout = "2006-01-02"

// Bucket is the partition key of an account's events for one UTC day.
func Bucket(accountEmail string, t time.Time) string {
	return accountEmail + "#" + t.UTC().Format(bucketLayout)
}

// EventKey orders events by time within a bucket. The random suffix keeps
// keys unique when two events share a nanosecond.
func EventKey(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%020d#%s", t.UnixNano(), suffix)
}

// RecentBuckets returns the buckets for the given number of days ending at
// now, newest first.
func RecentBuckets(accountEmail string, now time.Time, days int) []string {
	if days <= 0 {
		days = 1
	}

	buckets := make([]string, 0, days)
	day := now.UTC()
	for i := 0; i < days; i++ {
		buckets = append(buckets, Bucket(accountEmail, day))
		day = day.AddDate(0, 0, -1)
	}
	return buckets
}
