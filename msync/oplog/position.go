package oplog

import (
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-mongosync/errors"
)

// ErrInvalidPosition is returned for a position string that cannot be parsed.
var ErrInvalidPosition = errors.New("invalid position")

const dateLayout = "20060102"

// FromTime returns the first position of the second t falls into.
func FromTime(t time.Time) bson.Timestamp {
	return bson.Timestamp{T: uint32(t.Unix()), I: 1} //nolint:gosec
}

// FormatPosition renders ts as "T.I".
func FormatPosition(ts bson.Timestamp) string {
	return strconv.FormatUint(uint64(ts.T), 10) + "." + strconv.FormatUint(uint64(ts.I), 10)
}

// ParsePosition converts a user supplied position. Accepted forms:
//   - "T.I": an exact oplog timestamp
//   - "YYYYMMDD" or "YYYY-MM-DD": midnight UTC of that date
//   - RFC 3339 instant
//   - unix seconds
//
// Date and instant forms use increment 1.
func ParsePosition(s string) (bson.Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return bson.Timestamp{}, errors.Wrap(ErrInvalidPosition, "empty")
	}

	if t, i, ok := strings.Cut(s, "."); ok && isDigits(t) && isDigits(i) {
		tv, err1 := strconv.ParseUint(t, 10, 32)
		iv, err2 := strconv.ParseUint(i, 10, 32)
		if err1 != nil || err2 != nil {
			return bson.Timestamp{}, errors.Wrapf(ErrInvalidPosition, "%q is out of range", s)
		}

		return bson.Timestamp{T: uint32(tv), I: uint32(iv)}, nil
	}

	if date := strings.ReplaceAll(s, "-", ""); len(date) == len(dateLayout) && isDigits(date) {
		d, err := time.ParseInLocation(dateLayout, date, time.UTC)
		if err != nil {
			return bson.Timestamp{}, errors.Wrapf(ErrInvalidPosition, "%q: %v", s, err)
		}

		return fromInstant(s, d)
	}

	if isDigits(s) {
		sec, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return bson.Timestamp{}, errors.Wrapf(ErrInvalidPosition, "%q is out of range", s)
		}

		return bson.Timestamp{T: uint32(sec), I: 1}, nil
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return bson.Timestamp{}, errors.Wrapf(ErrInvalidPosition, "%q", s)
	}

	return fromInstant(s, t)
}

// fromInstant rejects instants that do not fit in 32-bit unix seconds.
func fromInstant(s string, t time.Time) (bson.Timestamp, error) {
	if t.Unix() < 0 || t.Unix() > int64(^uint32(0)) {
		return bson.Timestamp{}, errors.Wrapf(ErrInvalidPosition, "%q is out of range", s)
	}

	return FromTime(t), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}

	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}

	return true
}
