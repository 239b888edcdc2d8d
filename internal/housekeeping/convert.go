package housekeeping

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/blockadesystems/acmekeeper/internal/certutil"
	"github.com/blockadesystems/acmekeeper/internal/model"
)

const dateLayout = "2006-01-02 15:04:05"

// Certificate columns added by Convert.
const (
	certIssueUTS   = "certificate.issue_uts"
	certExpireUTS  = "certificate.expire_uts"
	certIssueDate  = "certificate.issue_date"
	certExpireDate = "certificate.expire_date"
	certRaw        = "certificate.cert_raw"
	certSerial     = "certificate.serial"
)

// Convert returns copies of rows with timestamps rendered as dates. Keys
// ending in ".expires" become a date, or "" when zero. Certificate issue and
// expiry timestamps are always present along with their dates; when the raw
// certificate is available its dates and serial take precedence.
func (e *Engine) Convert(rows []model.Row) []model.Row {
	out := make([]model.Row, 0, len(rows))
	for _, in := range rows {
		row := in.Clone()
		for k, v := range row {
			if !strings.HasSuffix(k, ".expires") {
				continue
			}
			if n, ok := toInt64(v); ok {
				row[k] = e.date(n)
			} else if v == nil {
				row[k] = ""
			}
		}

		issue, expire := int64(0), int64(0)
		if v, ok := row[certIssueUTS]; ok {
			issue, _ = toInt64(v)
		} else {
			row[certIssueUTS] = int64(0)
		}
		if v, ok := row[certExpireUTS]; ok {
			expire, _ = toInt64(v)
		} else {
			row[certExpireUTS] = int64(0)
		}

		if v, ok := row[certRaw]; ok {
			raw := fmt.Sprint(v)
			if derivedIssue, derivedExpire, err := certutil.Dates(raw); err == nil {
				if derivedIssue != 0 {
					issue = derivedIssue
					row[certIssueUTS] = derivedIssue
				}
				if derivedExpire != 0 {
					expire = derivedExpire
					row[certExpireUTS] = derivedExpire
				}
			}
			serial, err := certutil.Serial(raw)
			if err != nil {
				serial = ""
			}
			row[certSerial] = serial
		}

		row[certIssueDate] = e.date(issue)
		row[certExpireDate] = e.date(expire)
		out = append(out, row)
	}
	return out
}

// date renders a unix timestamp in the engine's location; 0 renders as "".
func (e *Engine) date(uts int64) string {
	if uts == 0 {
		return ""
	}
	return time.Unix(uts, 0).In(e.location).Format(dateLayout)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}
